// Package memory provides the in-process cache.Store used by single-node
// deployments. Keys are spread over a fixed set of shards so unrelated tool
// calls never contend on one lock.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/vantagedata/vantage-mcp/cache"
)

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]*cache.Entry
}

// Store is a sharded in-memory cache with lazy expiry eviction and an
// opportunistic background sweep for memory hygiene.
type Store struct {
	shards  [shardCount]*shard
	stopCh  chan struct{}
	stopped sync.Once
}

var _ cache.Store = (*Store)(nil)

// New constructs a Store and starts its background sweep.
func New() *Store {
	s := &Store{stopCh: make(chan struct{})}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*cache.Entry)}
	}
	go s.sweep()
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if e.Expired(time.Now()) {
		sh.mu.Lock()
		// Re-check under the write lock: a concurrent Put may have replaced
		// the expired entry with a fresh one.
		if cur, ok := sh.entries[key]; ok && cur.Expired(time.Now()) {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		return nil, nil
	}
	return e, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	e := &cache.Entry{
		Value:     append([]byte(nil), value...),
		CreatedAt: time.Now(),
		TTL:       ttl,
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.entries[key] = e
	sh.mu.Unlock()
	return nil
}

func (s *Store) Clear(ctx context.Context) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		removed += len(sh.entries)
		sh.entries = make(map[string]*cache.Entry)
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n, nil
}

func (s *Store) Close() error {
	s.stopped.Do(func() { close(s.stopCh) })
	return nil
}

// sweep periodically drops expired entries. Correctness never depends on it;
// Get already treats expired entries as absent.
func (s *Store) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			for _, sh := range s.shards {
				sh.mu.Lock()
				for k, e := range sh.entries {
					if e.Expired(now) {
						delete(sh.entries, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
