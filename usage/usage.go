// Package usage tracks per-tool invocation counters and latency aggregates.
// It is a best-effort diagnostic subsystem: recording never blocks a tool
// call meaningfully and a failure to record never propagates to the caller.
package usage

import (
	"sync"
	"time"
)

// Record captures one tool call outcome.
type Record struct {
	Tool     string
	Elapsed  time.Duration
	CacheHit bool
	Failed   bool
}

// ToolStats is the on-demand aggregate for one tool.
type ToolStats struct {
	Invocations uint64        `json:"invocations"`
	Failures    uint64        `json:"failures"`
	CacheHits   uint64        `json:"cache_hits"`
	CacheMisses uint64        `json:"cache_misses"`
	AvgLatency  time.Duration `json:"avg_latency"`
	MinLatency  time.Duration `json:"min_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
}

type toolCounters struct {
	mu          sync.Mutex
	invocations uint64
	failures    uint64
	cacheHits   uint64
	cacheMisses uint64
	total       time.Duration
	min         time.Duration
	max         time.Duration
}

// Tracker holds counters per tool. The per-tool mutex keeps unrelated tools
// from contending; the outer map is guarded only for insertion of new tools.
type Tracker struct {
	mu    sync.RWMutex
	tools map[string]*toolCounters
	start time.Time
}

// NewTracker constructs an empty Tracker. Counters reset only on restart.
func NewTracker() *Tracker {
	return &Tracker{
		tools: make(map[string]*toolCounters),
		start: time.Now(),
	}
}

func (t *Tracker) countersFor(tool string) *toolCounters {
	t.mu.RLock()
	c, ok := t.tools[tool]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.tools[tool]; ok {
		return c
	}
	c = &toolCounters{}
	t.tools[tool] = c
	return c
}

// Observe records one tool call. It never panics out to the caller: the
// triggering call must not be aborted by a diagnostics failure.
func (t *Tracker) Observe(rec Record) {
	defer func() { _ = recover() }()

	c := t.countersFor(rec.Tool)
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.CacheHit {
		c.cacheHits++
	} else {
		c.cacheMisses++
		// Only actual handler executions count as invocations; a cache hit
		// skips the backend entirely.
		c.invocations++
		c.total += rec.Elapsed
		if c.min == 0 || rec.Elapsed < c.min {
			c.min = rec.Elapsed
		}
		if rec.Elapsed > c.max {
			c.max = rec.Elapsed
		}
	}
	if rec.Failed {
		c.failures++
	}
}

// Snapshot computes the per-tool aggregates on demand.
func (t *Tracker) Snapshot() map[string]ToolStats {
	t.mu.RLock()
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make(map[string]ToolStats, len(names))
	for _, name := range names {
		c := t.countersFor(name)
		c.mu.Lock()
		st := ToolStats{
			Invocations: c.invocations,
			Failures:    c.failures,
			CacheHits:   c.cacheHits,
			CacheMisses: c.cacheMisses,
			MinLatency:  c.min,
			MaxLatency:  c.max,
		}
		if c.invocations > 0 {
			st.AvgLatency = c.total / time.Duration(c.invocations)
		}
		c.mu.Unlock()
		out[name] = st
	}
	return out
}

// TotalCalls sums invocations and cache hits across all tools.
func (t *Tracker) TotalCalls() uint64 {
	var total uint64
	for _, st := range t.Snapshot() {
		total += st.Invocations + st.CacheHits
	}
	return total
}

// Uptime reports how long the tracker (and in practice the process) has
// been running.
func (t *Tracker) Uptime() time.Duration { return time.Since(t.start) }
