// Package health tracks per-target fetch outcomes and circuit breakers.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/dropwire/dropwire/internal/fetch"
	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
)

// Store receives coalesced health writes.
type Store interface {
	UpdateHealth(ctx context.Context, records []schema.ScraperHealth) error
}

const flushInterval = 5 * time.Second

// Tracker maintains breaker state per target. Transitions are atomic per
// target; persistence is coalesced so a burst of outcomes produces one write.
type Tracker struct {
	threshold int
	cooldown  time.Duration
	store     Store
	bus       observability.TelemetryBus
	now       func() time.Time

	states *xsync.Map[string, schema.ScraperHealth]

	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewTracker constructs a tracker with the given breaker threshold and
// cooldown. store and bus may be nil.
func NewTracker(threshold int, cooldown time.Duration, store Store, bus observability.TelemetryBus) *Tracker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	t := new(Tracker)
	t.threshold = threshold
	t.cooldown = cooldown
	t.store = store
	t.bus = bus
	t.now = time.Now
	t.states = xsync.NewMap[string, schema.ScraperHealth]()
	t.dirty = make(map[string]struct{})
	return t
}

// Restore seeds tracked state from persisted health records at boot. Records
// for targets that already produced outcomes this run are ignored.
func (t *Tracker) Restore(records []schema.ScraperHealth) {
	for _, record := range records {
		if record.TargetID == "" {
			continue
		}
		t.states.LoadOrStore(record.TargetID, record)
	}
}

// RecordOutcome implements fetch.OutcomeSink.
func (t *Tracker) RecordOutcome(targetID string, kind fetch.OutcomeKind, at time.Time) {
	var opened, closed bool
	t.states.Compute(targetID, func(current schema.ScraperHealth, loaded bool) (schema.ScraperHealth, xsync.ComputeOp) {
		if !loaded {
			current = schema.ScraperHealth{TargetID: targetID, Breaker: schema.BreakerClosed}
		}
		if kind == fetch.OutcomeOK {
			if current.Breaker != schema.BreakerClosed {
				closed = true
			}
			current.Breaker = schema.BreakerClosed
			current.ConsecutiveFailures = 0
			current.LastSuccessAt = at
			current.BreakerOpenedAt = time.Time{}
			return current, xsync.UpdateOp
		}
		current.ConsecutiveFailures++
		switch current.Breaker {
		case schema.BreakerHalfOpen:
			// A failed probe re-opens and restarts the cooldown.
			current.Breaker = schema.BreakerOpen
			current.BreakerOpenedAt = at
			opened = true
		case schema.BreakerClosed:
			if current.ConsecutiveFailures >= t.threshold {
				current.Breaker = schema.BreakerOpen
				current.BreakerOpenedAt = at
				opened = true
			}
		}
		return current, xsync.UpdateOp
	})
	t.markDirty(targetID)
	if opened {
		t.publish(observability.TelemetryEventBreakerOpened, observability.TelemetrySeverityWarn, targetID)
		observability.Telemetry().IncCounter("dropwire_breaker_transitions_total", 1, map[string]string{"target": targetID, "to": "open"})
	}
	if closed {
		t.publish(observability.TelemetryEventBreakerClosed, observability.TelemetrySeverityInfo, targetID)
		observability.Telemetry().IncCounter("dropwire_breaker_transitions_total", 1, map[string]string{"target": targetID, "to": "closed"})
	}
}

// State returns the breaker position for a target, promoting OPEN to
// HALF_OPEN once the cooldown has elapsed. Unknown targets are CLOSED.
func (t *Tracker) State(targetID string) schema.BreakerState {
	now := t.now()
	promoted := false
	state, ok := t.states.Compute(targetID, func(current schema.ScraperHealth, loaded bool) (schema.ScraperHealth, xsync.ComputeOp) {
		if !loaded {
			return current, xsync.CancelOp
		}
		if current.Breaker == schema.BreakerOpen && now.Sub(current.BreakerOpenedAt) >= t.cooldown {
			current.Breaker = schema.BreakerHalfOpen
			promoted = true
			return current, xsync.UpdateOp
		}
		return current, xsync.CancelOp
	})
	if promoted {
		t.markDirty(targetID)
	}
	if !ok {
		return schema.BreakerClosed
	}
	return state.Breaker
}

// Snapshot returns the tracked health record for one target.
func (t *Tracker) Snapshot(targetID string) (schema.ScraperHealth, bool) {
	return t.states.Load(targetID)
}

// ConsecutiveFailures returns the current failure streak for a target.
func (t *Tracker) ConsecutiveFailures(targetID string) int {
	state, ok := t.states.Load(targetID)
	if !ok {
		return 0
	}
	return state.ConsecutiveFailures
}

// Run flushes dirty health records on the coalescing interval until the
// context ends, then performs one final flush.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			t.flush(ctx)
		}
	}
}

func (t *Tracker) flush(ctx context.Context) {
	if t.store == nil {
		return
	}
	t.mu.Lock()
	if len(t.dirty) == 0 {
		t.mu.Unlock()
		return
	}
	pending := t.dirty
	t.dirty = make(map[string]struct{})
	t.mu.Unlock()

	records := make([]schema.ScraperHealth, 0, len(pending))
	for targetID := range pending {
		if state, ok := t.states.Load(targetID); ok {
			records = append(records, state)
		}
	}
	if len(records) == 0 {
		return
	}
	if err := t.store.UpdateHealth(ctx, records); err != nil {
		observability.Log().Error("health flush failed", observability.F("error", err.Error()))
		// Re-mark so the next interval retries the write.
		t.mu.Lock()
		for targetID := range pending {
			t.dirty[targetID] = struct{}{}
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) markDirty(targetID string) {
	t.mu.Lock()
	t.dirty[targetID] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) publish(eventType observability.TelemetryEventType, severity observability.TelemetrySeverity, targetID string) {
	if t.bus == nil {
		return
	}
	_ = t.bus.Publish(context.Background(), observability.TelemetryEvent{
		Type:      eventType,
		Severity:  severity,
		Timestamp: t.now(),
		TargetID:  targetID,
	})
}

var _ fetch.OutcomeSink = (*Tracker)(nil)
