package ratelimit

import (
	"context"
	"time"

	"github.com/apexgate/apexgate/config"
)

// Decision is the outcome of one limit check, carrying everything the
// X-RateLimit-* decoration needs.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Count      int       // requests counted in the current window, this one included
	Reset      time.Time // end of the current window
	RetryAfter int       // whole seconds, set when denied
}

type bucket struct {
	windowStart int64 // unix ms, floor(now/window)*window
	count       int
}

// Limiter enforces the global per-IP window and per-identity quotas
// with fixed windows. Buckets reset lazily on the next touch, bounding
// memory to one bucket per active key.
type Limiter struct {
	globalWindow   time.Duration
	globalLimit    int
	identityWindow time.Duration
	identityLimit  int
	slowDown       config.SlowDownConfig

	buckets *shardedMap[*bucket]
}

// NewLimiter creates a limiter from config.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	globalWindow := time.Duration(cfg.WindowMS) * time.Millisecond
	if globalWindow <= 0 {
		globalWindow = 15 * time.Minute
	}
	identityWindow := time.Duration(cfg.Identity.WindowMS) * time.Millisecond
	if identityWindow <= 0 {
		identityWindow = time.Minute
	}

	return &Limiter{
		globalWindow:   globalWindow,
		globalLimit:    cfg.MaxRequests,
		identityWindow: identityWindow,
		identityLimit:  cfg.Identity.MaxRequests,
		slowDown:       cfg.SlowDown,
		buckets:        newShardedMap[*bucket](),
	}
}

// AllowIP checks the global fixed window for a client IP.
func (l *Limiter) AllowIP(ip string) Decision {
	return l.allow("ip:"+ip, l.globalLimit, l.globalWindow)
}

// AllowIdentity checks the per-identity quota. key is "user:<id>" or
// "apikey:<key>"; a positive limit or window override (from the API key
// record) replaces the configured default.
func (l *Limiter) AllowIdentity(key string, limitOverride int, windowOverride time.Duration) Decision {
	limit := l.identityLimit
	if limitOverride > 0 {
		limit = limitOverride
	}
	window := l.identityWindow
	if windowOverride > 0 {
		window = windowOverride
	}
	return l.allow("id:"+key, limit, window)
}

func (l *Limiter) allow(key string, limit int, window time.Duration) Decision {
	now := time.Now()
	windowMS := window.Milliseconds()
	start := now.UnixMilli() / windowMS * windowMS
	reset := time.UnixMilli(start + windowMS)

	s := l.buckets.getShard(key)
	s.mu.Lock()
	b, ok := s.items[key]
	if !ok || b.windowStart != start {
		b = &bucket{windowStart: start}
		s.items[key] = b
	}
	b.count++
	count := b.count
	s.mu.Unlock()

	d := Decision{
		Limit: limit,
		Count: count,
		Reset: reset,
	}
	if count > limit {
		d.RetryAfter = retrySeconds(time.Until(reset))
		return d
	}
	d.Allowed = true
	d.Remaining = limit - count
	return d
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SlowDownDelay returns the latency to inject for the Nth request in
// the global window. Zero when the slow-down policy is disabled or the
// count is at or under delayAfter.
func (l *Limiter) SlowDownDelay(count int) time.Duration {
	if !l.slowDown.Enabled || count <= l.slowDown.DelayAfter {
		return 0
	}
	delay := time.Duration(count-l.slowDown.DelayAfter) * l.slowDown.Delay.Std()
	if ceiling := l.slowDown.MaxDelay.Std(); ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	return delay
}

// Run evicts buckets whose window ended long ago, once a minute, until
// ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	longest := l.globalWindow
	if l.identityWindow > longest {
		longest = l.identityWindow
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * longest).UnixMilli()
			l.buckets.deleteFunc(func(_ string, b *bucket) bool {
				return b.windowStart < cutoff
			})
		}
	}
}
