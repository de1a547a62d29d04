// Package redis provides a cache.Store backed by Redis for multi-instance
// deployments. Expiry is delegated to Redis key TTLs, so lazy eviction and
// sweeping come for free.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/vantagedata/vantage-mcp/cache"
)

// Config for the Redis-backed cache. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all cache keys. ENV: CACHE_KEY_PREFIX
	KeyPrefix string `env:"CACHE_KEY_PREFIX,default=vantage:cache:"`
}

// Store implements cache.Store on a Redis client.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ cache.Store = (*Store)(nil)

// New constructs a Store and verifies connectivity with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "vantage:cache:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	ttl, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ttl: %w", err)
	}
	// Redis reports the remaining lifetime; reconstruct an entry that is
	// valid for exactly that long.
	return &cache.Entry{Value: val, CreatedAt: time.Now(), TTL: ttl}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) (int, error) {
	var removed int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 256).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 256).Result()
		if err != nil {
			return n, fmt.Errorf("redis scan: %w", err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

func (s *Store) Close() error { return s.client.Close() }
