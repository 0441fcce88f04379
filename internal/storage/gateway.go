// Package storage provides the persistence gateway for releases, events,
// subscriptions, delivery tasks, and operational state.
package storage

import (
	"context"
	"time"

	"github.com/dropwire/dropwire/internal/schema"
)

// RateCount is one persisted rate-counter cell.
type RateCount struct {
	UserID string
	Bucket int64
	Count  int
}

// Gateway is the single logical persistence surface. The memory
// implementation backs tests and development; Postgres backs production.
type Gateway interface {
	// Canonical releases. UpsertCanonical runs apply under a row-scoped
	// lock and reports contention as errs.CodeConflict.
	UpsertCanonical(ctx context.Context, releaseID string, apply func(existing *schema.CanonicalRelease) (schema.CanonicalRelease, error)) (pre *schema.CanonicalRelease, post schema.CanonicalRelease, err error)
	GetRelease(ctx context.Context, releaseID string) (schema.CanonicalRelease, bool, error)
	AppendStockSnapshot(ctx context.Context, snapshot schema.StockSnapshot) error

	// Quarantine.
	AppendQuarantine(ctx context.Context, record schema.QuarantineRecord) error
	PurgeQuarantine(ctx context.Context, olderThan time.Time) (int, error)

	// Events. AppendEvent happens before fanout; downstream semantics are
	// at-least-once.
	AppendEvent(ctx context.Context, event schema.ReleaseEvent) error
	EventsByRelease(ctx context.Context, releaseID string) ([]schema.ReleaseEvent, error)

	// Subscriptions.
	UpsertSubscription(ctx context.Context, sub schema.UserSubscription) error
	ListSubscriptions(ctx context.Context) ([]schema.UserSubscription, error)

	// Scraper health.
	UpdateHealth(ctx context.Context, records []schema.ScraperHealth) error
	LoadHealth(ctx context.Context) ([]schema.ScraperHealth, error)

	// Delivery tasks. LeaseTask returns the next due task for the channel
	// kind respecting per-user lane FIFO, or nil when none is eligible.
	EnqueueTasks(ctx context.Context, tasks []schema.DeliveryTask) error
	LeaseTask(ctx context.Context, kind schema.ChannelKind, owner string, now time.Time, lease time.Duration) (*schema.DeliveryTask, error)
	CompleteTask(ctx context.Context, taskID string, at time.Time) error
	RescheduleTask(ctx context.Context, taskID string, attempts int, nextAttempt time.Time) error
	DeadLetterTask(ctx context.Context, taskID, reason string, at time.Time) error
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// Dead letters.
	AppendDeadLetter(ctx context.Context, letter schema.DeadLetter) error
	DeadLettersByUser(ctx context.Context, userID string) ([]schema.DeadLetter, error)

	// Rate counters, persisted so hourly caps survive a restart. PurgeRates
	// drops buckets strictly older than the cutoff.
	IncrementRate(ctx context.Context, userID string, bucket int64) error
	LoadRates(ctx context.Context, fromBucket int64) ([]RateCount, error)
	PurgeRates(ctx context.Context, olderThanBucket int64) (int, error)

	Close()
}
