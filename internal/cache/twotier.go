package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/apexgate/apexgate/internal/logging"
)

// Pinger is the connectivity probe of the primary tier.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TwoTier routes cache operations to the primary tier while it is
// reachable and to the in-process fallback otherwise. The tiers are not
// synchronized; a failover may serve stale or empty results until the
// active tier repopulates.
type TwoTier struct {
	primary  Store
	fallback Store
	pinger   Pinger
	healthy  atomic.Bool
	interval time.Duration
}

// NewTwoTier creates a two-tier store. pinger may be nil when primary
// connectivity cannot be probed; the primary is then always active.
func NewTwoTier(primary, fallback Store, pinger Pinger) *TwoTier {
	t := &TwoTier{
		primary:  primary,
		fallback: fallback,
		pinger:   pinger,
		interval: 5 * time.Second,
	}
	t.healthy.Store(true)
	return t
}

// Run probes the primary tier until ctx is cancelled, flipping the
// active tier on connectivity changes.
func (t *TwoTier) Run(ctx context.Context) {
	if t.pinger == nil {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := t.pinger.Ping(pingCtx)
			cancel()

			was := t.healthy.Load()
			now := err == nil
			if was == now {
				continue
			}
			t.healthy.Store(now)
			if now {
				logging.Info("cache primary tier reconnected")
			} else {
				logging.Warn("cache primary tier unreachable, using in-process fallback",
					zap.Error(err))
			}
		}
	}
}

// PrimaryActive reports whether the primary tier is in use.
func (t *TwoTier) PrimaryActive() bool {
	return t.healthy.Load()
}

func (t *TwoTier) active() Store {
	if t.healthy.Load() {
		return t.primary
	}
	return t.fallback
}

func (t *TwoTier) Get(key string) (*Entry, bool) { return t.active().Get(key) }

func (t *TwoTier) Set(key string, entry *Entry, ttl time.Duration) {
	t.active().Set(key, entry, ttl)
}

func (t *TwoTier) Delete(key string) { t.active().Delete(key) }

// DeleteByPrefix invalidates in both tiers so a later failover does not
// resurrect invalidated entries.
func (t *TwoTier) DeleteByPrefix(prefix string) {
	t.primary.DeleteByPrefix(prefix)
	t.fallback.DeleteByPrefix(prefix)
}

// Purge flushes both tiers.
func (t *TwoTier) Purge() {
	t.primary.Purge()
	t.fallback.Purge()
}

func (t *TwoTier) Stats() StoreStats { return t.active().Stats() }
