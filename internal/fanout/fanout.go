// Package fanout turns matched events into per-user delivery tasks.
package fanout

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/dropwire/dropwire/errs"
	"github.com/dropwire/dropwire/internal/match"
	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
)

// Store is the slice of the storage gateway the fanout queue writes through.
// EnqueueTasks must append tasks to each user's FIFO lane in slice order.
type Store interface {
	EnqueueTasks(ctx context.Context, tasks []schema.DeliveryTask) error
	AppendDeadLetter(ctx context.Context, letter schema.DeadLetter) error
}

// SubscriptionLookup resolves a matched subscription id to its definition.
type SubscriptionLookup interface {
	Get(subscriptionID string) (schema.UserSubscription, bool)
}

// Payload is the snapshot serialized into every delivery task.
type Payload struct {
	Event   schema.ReleaseEvent     `json:"event"`
	Release schema.CanonicalRelease `json:"release"`
}

// Queue applies per-user hourly caps and creates delivery tasks.
type Queue struct {
	store      Store
	subs       SubscriptionLookup
	rates      *RateCounter
	bus        observability.TelemetryBus
	defaultCap int
	now        func() time.Time
}

// NewQueue constructs a fanout queue. defaultCap applies to subscriptions
// with no explicit max_events_per_hour.
func NewQueue(store Store, subs SubscriptionLookup, rates *RateCounter, bus observability.TelemetryBus, defaultCap int) *Queue {
	if defaultCap <= 0 {
		defaultCap = 20
	}
	q := new(Queue)
	q.store = store
	q.subs = subs
	q.rates = rates
	q.bus = bus
	q.defaultCap = defaultCap
	q.now = time.Now
	return q
}

// Dispatch fans one scored event out to its matched subscriptions. Users over
// their hourly cap receive a dead letter instead of tasks; the cap check does
// not consume a delivery slot.
func (q *Queue) Dispatch(ctx context.Context, event schema.ReleaseEvent, release schema.CanonicalRelease, matches []match.Match) error {
	if len(matches) == 0 {
		return nil
	}
	payload, err := json.Marshal(Payload{Event: event, Release: release})
	if err != nil {
		return errs.New("fanout", errs.CodeInvalid, errs.WithMessage("encode task payload"), errs.WithCause(err))
	}

	now := q.now().UTC()
	bucket := schema.HourBucket(now)
	tasks := make([]schema.DeliveryTask, 0, len(matches))

	for _, m := range matches {
		sub, ok := q.subs.Get(m.SubscriptionID)
		if !ok {
			// The subscription was removed between match and fanout.
			continue
		}
		limit := sub.MaxEventsPerHour
		if limit <= 0 {
			limit = q.defaultCap
		}
		if q.rates.Count(sub.UserID, bucket) >= limit {
			if err := q.deadLetterRateLimited(ctx, event, sub, payload, now); err != nil {
				return err
			}
			continue
		}
		for _, channel := range sub.Channels {
			tasks = append(tasks, schema.DeliveryTask{
				TaskID:         uuid.NewString(),
				UserID:         sub.UserID,
				SubscriptionID: sub.SubscriptionID,
				EventID:        event.EventID,
				Channel:        channel,
				Status:         schema.TaskPending,
				NextAttemptAt:  now,
				Payload:        payload,
				EnqueuedAt:     now,
			})
		}
	}

	if len(tasks) == 0 {
		return nil
	}
	if err := q.store.EnqueueTasks(ctx, tasks); err != nil {
		return err
	}
	observability.Telemetry().IncCounter("dropwire_fanout_tasks_total", float64(len(tasks)), map[string]string{
		"source": event.Source,
	})
	return nil
}

// RecordDelivered increments the user's rate bucket after a successful send.
func (q *Queue) RecordDelivered(userID string, deliveredAt time.Time) {
	q.rates.Increment(userID, schema.HourBucket(deliveredAt))
}

func (q *Queue) deadLetterRateLimited(ctx context.Context, event schema.ReleaseEvent, sub schema.UserSubscription, payload []byte, now time.Time) error {
	letter := schema.DeadLetter{
		ID:              uuid.NewString(),
		OriginalEventID: event.EventID,
		UserID:          sub.UserID,
		SubscriptionID:  sub.SubscriptionID,
		Payload:         payload,
		Reason:          schema.DeadLetterRateLimited,
		DeadLetteredAt:  now,
	}
	if err := q.store.AppendDeadLetter(ctx, letter); err != nil {
		return err
	}
	observability.Telemetry().IncCounter("dropwire_rate_limited_total", 1, map[string]string{"user": sub.UserID})
	if q.bus != nil {
		_ = q.bus.Publish(ctx, observability.TelemetryEvent{
			Type:      observability.TelemetryEventRateLimitExceeded,
			Severity:  observability.TelemetrySeverityWarn,
			Timestamp: now,
			UserID:    sub.UserID,
		})
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
