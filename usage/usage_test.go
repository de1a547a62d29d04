package usage

import (
	"sync"
	"testing"
	"time"
)

func TestObserveCountsInvocationsAndHits(t *testing.T) {
	tr := NewTracker()

	tr.Observe(Record{Tool: "vantage_query", Elapsed: 10 * time.Millisecond})
	tr.Observe(Record{Tool: "vantage_query", Elapsed: 30 * time.Millisecond})
	tr.Observe(Record{Tool: "vantage_query", CacheHit: true})

	st := tr.Snapshot()["vantage_query"]
	if st.Invocations != 2 {
		t.Fatalf("invocations = %d, want 2", st.Invocations)
	}
	if st.CacheHits != 1 || st.CacheMisses != 2 {
		t.Fatalf("hits = %d misses = %d", st.CacheHits, st.CacheMisses)
	}
	if st.AvgLatency != 20*time.Millisecond {
		t.Fatalf("avg = %v, want 20ms", st.AvgLatency)
	}
	if st.MinLatency != 10*time.Millisecond || st.MaxLatency != 30*time.Millisecond {
		t.Fatalf("min = %v max = %v", st.MinLatency, st.MaxLatency)
	}
}

func TestCacheHitDoesNotSkewLatency(t *testing.T) {
	tr := NewTracker()

	tr.Observe(Record{Tool: "vantage_workspaces", Elapsed: 40 * time.Millisecond})
	tr.Observe(Record{Tool: "vantage_workspaces", CacheHit: true})
	tr.Observe(Record{Tool: "vantage_workspaces", CacheHit: true})

	st := tr.Snapshot()["vantage_workspaces"]
	if st.Invocations != 1 {
		t.Fatalf("invocations = %d, want 1", st.Invocations)
	}
	if st.AvgLatency != 40*time.Millisecond {
		t.Fatalf("avg = %v, want 40ms", st.AvgLatency)
	}
	if st.MinLatency != 40*time.Millisecond {
		t.Fatalf("min = %v, want 40ms", st.MinLatency)
	}
}

func TestFailuresCounted(t *testing.T) {
	tr := NewTracker()

	tr.Observe(Record{Tool: "vantage_query", Elapsed: time.Millisecond, Failed: true})
	tr.Observe(Record{Tool: "vantage_query", Elapsed: time.Millisecond})

	st := tr.Snapshot()["vantage_query"]
	if st.Failures != 1 {
		t.Fatalf("failures = %d, want 1", st.Failures)
	}
	if st.Invocations != 2 {
		t.Fatalf("invocations = %d, want 2", st.Invocations)
	}
}

func TestTotalCallsAcrossTools(t *testing.T) {
	tr := NewTracker()

	tr.Observe(Record{Tool: "a", Elapsed: time.Millisecond})
	tr.Observe(Record{Tool: "a", CacheHit: true})
	tr.Observe(Record{Tool: "b", Elapsed: time.Millisecond})

	if got := tr.TotalCalls(); got != 3 {
		t.Fatalf("total calls = %d, want 3", got)
	}
}

func TestSnapshotEmptyTracker(t *testing.T) {
	tr := NewTracker()
	if got := tr.Snapshot(); len(got) != 0 {
		t.Fatalf("snapshot = %v, want empty", got)
	}
	if tr.TotalCalls() != 0 {
		t.Fatal("total calls should be zero")
	}
}

func TestConcurrentObserve(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				tr.Observe(Record{Tool: "vantage_query", Elapsed: time.Millisecond, CacheHit: j%2 == 0})
			}
		}()
	}
	wg.Wait()

	st := tr.Snapshot()["vantage_query"]
	if st.Invocations+st.CacheHits != 2000 {
		t.Fatalf("recorded %d calls, want 2000", st.Invocations+st.CacheHits)
	}
	if st.Invocations != 1000 || st.CacheHits != 1000 {
		t.Fatalf("invocations = %d hits = %d, want 1000 each", st.Invocations, st.CacheHits)
	}
}
