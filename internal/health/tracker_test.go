package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dropwire/dropwire/internal/fetch"
	"github.com/dropwire/dropwire/internal/schema"
)

type captureStore struct {
	mu      sync.Mutex
	batches [][]schema.ScraperHealth
}

func (s *captureStore) UpdateHealth(_ context.Context, records []schema.ScraperHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]schema.ScraperHealth, len(records))
	copy(batch, records)
	s.batches = append(s.batches, batch)
	return nil
}

func newTestTracker() *Tracker {
	return NewTracker(3, 15*time.Minute, nil, nil)
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	tracker := newTestTracker()
	at := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, at)
	tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, at)
	if tracker.State("tgt-1") != schema.BreakerClosed {
		t.Fatal("two failures must not open the breaker")
	}
	tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, at)
	if tracker.State("tgt-1") != schema.BreakerOpen {
		t.Fatal("third failure must open the breaker")
	}
	snap, ok := tracker.Snapshot("tgt-1")
	if !ok || !snap.BreakerOpenedAt.Equal(at) {
		t.Errorf("breaker_opened_at must record the opening time, got %+v", snap)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	tracker := newTestTracker()
	at := time.Now()

	tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, at)
	tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, at)
	tracker.RecordOutcome("tgt-1", fetch.OutcomeOK, at)
	if tracker.ConsecutiveFailures("tgt-1") != 0 {
		t.Error("success must reset the failure streak")
	}
	tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, at)
	tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, at)
	if tracker.State("tgt-1") != schema.BreakerClosed {
		t.Error("streak must restart from zero after a success")
	}
}

func TestOpenPromotesToHalfOpenAfterCooldown(t *testing.T) {
	tracker := newTestTracker()
	opened := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	clock := opened
	tracker.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, opened)
	}
	clock = opened.Add(14 * time.Minute)
	if tracker.State("tgt-1") != schema.BreakerOpen {
		t.Fatal("breaker must stay open inside the cooldown")
	}
	clock = opened.Add(15 * time.Minute)
	if tracker.State("tgt-1") != schema.BreakerHalfOpen {
		t.Fatal("breaker must go half-open after the cooldown")
	}
}

func TestHalfOpenProbeOutcomes(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		tracker := newTestTracker()
		opened := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
		clock := opened
		tracker.now = func() time.Time { return clock }
		for i := 0; i < 3; i++ {
			tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, opened)
		}
		clock = opened.Add(16 * time.Minute)
		if tracker.State("tgt-1") != schema.BreakerHalfOpen {
			t.Fatal("precondition: half-open")
		}
		tracker.RecordOutcome("tgt-1", fetch.OutcomeOK, clock)
		if tracker.State("tgt-1") != schema.BreakerClosed {
			t.Fatal("one successful probe must close the breaker")
		}
	})

	t.Run("failure reopens and restarts the cooldown", func(t *testing.T) {
		tracker := newTestTracker()
		opened := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
		clock := opened
		tracker.now = func() time.Time { return clock }
		for i := 0; i < 3; i++ {
			tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, opened)
		}
		clock = opened.Add(16 * time.Minute)
		if tracker.State("tgt-1") != schema.BreakerHalfOpen {
			t.Fatal("precondition: half-open")
		}
		probeFail := clock
		tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, probeFail)
		if tracker.State("tgt-1") != schema.BreakerOpen {
			t.Fatal("failed probe must reopen the breaker")
		}
		snap, _ := tracker.Snapshot("tgt-1")
		if !snap.BreakerOpenedAt.Equal(probeFail) {
			t.Error("failed probe must restart the cooldown window")
		}
	})
}

func TestUnknownTargetIsClosed(t *testing.T) {
	tracker := newTestTracker()
	if tracker.State("never-seen") != schema.BreakerClosed {
		t.Fatal("untracked targets default to a closed breaker")
	}
}

func TestFlushCoalescesWrites(t *testing.T) {
	store := new(captureStore)
	tracker := NewTracker(3, 15*time.Minute, store, nil)
	at := time.Now()

	// Many outcomes against two targets inside one interval.
	for i := 0; i < 10; i++ {
		tracker.RecordOutcome("tgt-1", fetch.OutcomeTransient, at)
		tracker.RecordOutcome("tgt-2", fetch.OutcomeOK, at)
	}
	tracker.flush(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 1 {
		t.Fatalf("expected one coalesced batch, got %d", len(store.batches))
	}
	if len(store.batches[0]) != 2 {
		t.Fatalf("expected two records in the batch, got %d", len(store.batches[0]))
	}
}

func TestFlushSkipsWhenClean(t *testing.T) {
	store := new(captureStore)
	tracker := NewTracker(3, 15*time.Minute, store, nil)
	tracker.flush(context.Background())
	tracker.RecordOutcome("tgt-1", fetch.OutcomeOK, time.Now())
	tracker.flush(context.Background())
	tracker.flush(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 1 {
		t.Fatalf("clean tracker must not write, got %d batches", len(store.batches))
	}
}
