package discovery

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingSearcher struct{ calls int32 }

func (s *countingSearcher) Search() { atomic.AddInt32(&s.calls, 1) }

func TestStaleSweepEvictsUnseenService(t *testing.T) {
	l := &recordingListener{}
	searcher := &countingSearcher{}
	tr := NewTimedRegistry(searcher, l, 10*time.Millisecond)

	fakeNow := time.Now()
	tr.now = func() time.Time { return fakeNow }

	tr.AddService(namedService{id: "vacuum-1"})

	fakeNow = fakeNow.Add(50 * time.Millisecond)
	tr.SweepStale()

	if len(l.unavailable) != 1 || l.unavailable[0] != "vacuum-1" {
		t.Fatalf("unavailable = %v, want one vacuum-1", l.unavailable)
	}
	tr.mu.Lock()
	remaining := len(tr.timestamps)
	tr.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("timestamps map has %d entries, want 0", remaining)
	}
}

func TestAddThenRemoveLeavesTimestampsEmpty(t *testing.T) {
	tr := NewTimedRegistry(&countingSearcher{}, nil, time.Hour)
	tr.AddService(namedService{id: "a"})
	tr.RemoveService("a")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.timestamps) != 0 {
		t.Fatalf("timestamps = %v, want empty", tr.timestamps)
	}
}

func TestStartInvokesSearchImmediatelyAndIsIdempotent(t *testing.T) {
	searcher := &countingSearcher{}
	tr := NewTimedRegistry(searcher, nil, time.Hour)

	tr.Start()
	tr.Start() // idempotent: must not start a second pair of loops
	defer tr.Stop()

	if atomic.LoadInt32(&searcher.calls) != 1 {
		t.Fatalf("Search called %d times on Start, want 1", searcher.calls)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tr := NewTimedRegistry(&countingSearcher{}, nil, time.Hour)
	tr.Start()
	tr.Stop()
	tr.Stop() // must not panic or block
}
