package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/apexgate/apexgate/internal/logging"
)

func init() {
	// http.Header is a map[string][]string; register once for gob.
	gob.Register(http.Header{})
}

// RedisStore is the primary cache tier. All operations carry short
// timeouts so a slow Redis degrades to misses instead of stalling the
// request path.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. prefix namespaces the
// gateway's keys, e.g. "apexgate:cache:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Ping reports whether the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("redis cache get failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		logging.Warn("redis cache decode failed, treating as miss", zap.Error(err))
		return nil, false
	}
	return &entry, true
}

func (s *RedisStore) Set(key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		logging.Warn("redis cache encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, buf.Bytes(), ttl).Err(); err != nil {
		logging.Warn("redis cache set failed", zap.Error(err))
	}
}

func (s *RedisStore) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		logging.Warn("redis cache delete failed", zap.Error(err))
	}
}

func (s *RedisStore) DeleteByPrefix(prefix string) {
	s.scanAndDelete(s.prefix + prefix)
}

func (s *RedisStore) Purge() {
	s.scanAndDelete(s.prefix)
}

func (s *RedisStore) scanAndDelete(pattern string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				logging.Warn("redis cache bulk delete failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func (s *RedisStore) Stats() StoreStats {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var count int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache stats scan failed", zap.Error(err))
			return StoreStats{}
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return StoreStats{Size: count}
}
