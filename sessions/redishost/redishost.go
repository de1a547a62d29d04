// Package redishost is the multi-instance sessions.Host: records live in
// plain keys with a TTL and each session's message stream is a Redis Stream,
// giving ordered ids and Last-Event-ID resume across server instances.
package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/vantagedata/vantage-mcp/sessions"
)

// Config for the Redis-backed host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=vantage:sessions:"`
	// RecordTTL bounds how long an idle session record survives.
	// ENV: SESSIONS_RECORD_TTL
	RecordTTL time.Duration `env:"SESSIONS_RECORD_TTL,default=24h"`
}

// Host implements sessions.Host on a Redis client.
type Host struct {
	client    *redis.Client
	keyPrefix string
	recordTTL time.Duration
}

var _ sessions.Host = (*Host)(nil)

// New constructs a Host and verifies connectivity with a ping.
func New(cfg Config) (*Host, error) {
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
		prefix = "vantage:sessions:"
	}
	ttl := cfg.RecordTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Host{client: cl, keyPrefix: prefix, recordTTL: ttl}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (h *Host) Close() error { return h.client.Close() }

func (h *Host) recordKey(sessID string) string { return h.keyPrefix + "record:" + sessID }
func (h *Host) streamKey(sessID string) string { return h.keyPrefix + "stream:" + sessID }

func (h *Host) PutRecord(ctx context.Context, sessID string, data []byte) error {
	if err := h.client.Set(ctx, h.recordKey(sessID), data, h.recordTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (h *Host) GetRecord(ctx context.Context, sessID string) ([]byte, error) {
	val, err := h.client.Get(ctx, h.recordKey(sessID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sessions.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (h *Host) DeleteRecord(ctx context.Context, sessID string) error {
	if err := h.client.Del(ctx, h.recordKey(sessID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (h *Host) Publish(ctx context.Context, sessID string, payload []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessID),
		MaxLen: 1024,
		Approx: true,
		Values: map[string]interface{}{"d": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis xadd: %w", err)
	}
	return id, nil
}

func (h *Host) Subscribe(ctx context.Context, sessID string, lastMsgID string, fn sessions.MessageFunc) error {
	key := h.streamKey(sessID)
	// "0" replays the retained stream from the start; a concrete id resumes
	// after it.
	start := lastMsgID
	if start == "" {
		start = "0"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redis xread: %w", err)
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := fn(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessID string) error {
	c := context.WithoutCancel(ctx)
	if err := h.client.Del(c, h.streamKey(sessID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
