package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropwire/dropwire/errs"
	"github.com/dropwire/dropwire/internal/schema"
)

// PostgresStore is the production gateway. Documents ride in jsonb columns
// next to the keys the hot queries filter on.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to the gateway.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres dials the database and verifies connectivity.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}
	return NewPostgresStore(pool), nil
}

const (
	releaseSelectForUpdateSQL = `
SELECT doc FROM releases WHERE release_id = @release_id FOR UPDATE;
`

	releaseUpsertSQL = `
INSERT INTO releases (release_id, sku, brand, source, doc, updated_at)
VALUES (@release_id, @sku, @brand, @source, @doc::jsonb, @updated_at)
ON CONFLICT (release_id) DO UPDATE SET
    sku = EXCLUDED.sku,
    brand = EXCLUDED.brand,
    doc = EXCLUDED.doc,
    updated_at = EXCLUDED.updated_at;
`

	releaseSelectSQL = `
SELECT doc FROM releases WHERE release_id = @release_id;
`

	snapshotInsertSQL = `
INSERT INTO stock_snapshots (release_id, observed_at, sizes)
VALUES (@release_id, @observed_at, @sizes::jsonb);
`

	quarantineInsertSQL = `
INSERT INTO quarantine (quarantine_id, target_id, source, reason, raw, quarantined_at)
VALUES (@quarantine_id, @target_id, @source, @reason, @raw::jsonb, @quarantined_at);
`

	quarantinePurgeSQL = `
DELETE FROM quarantine WHERE quarantined_at < @older_than;
`

	eventInsertSQL = `
INSERT INTO release_events (event_id, release_id, kind, source, detected_at, doc)
VALUES (@event_id, @release_id, @kind, @source, @detected_at, @doc::jsonb)
ON CONFLICT (event_id) DO NOTHING;
`

	eventsByReleaseSQL = `
SELECT doc FROM release_events WHERE release_id = @release_id ORDER BY detected_at;
`

	subscriptionUpsertSQL = `
INSERT INTO subscriptions (subscription_id, user_id, doc)
VALUES (@subscription_id, @user_id, @doc::jsonb)
ON CONFLICT (subscription_id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    doc = EXCLUDED.doc;
`

	subscriptionListSQL = `
SELECT doc FROM subscriptions ORDER BY subscription_id;
`

	healthUpsertSQL = `
INSERT INTO scraper_health (target_id, doc, updated_at)
VALUES (@target_id, @doc::jsonb, NOW())
ON CONFLICT (target_id) DO UPDATE SET
    doc = EXCLUDED.doc,
    updated_at = NOW();
`

	healthListSQL = `
SELECT doc FROM scraper_health ORDER BY target_id;
`

	taskInsertSQL = `
INSERT INTO delivery_tasks (
    task_id, user_id, subscription_id, event_id, channel_kind,
    status, attempts, next_attempt_at, enqueued_at, doc
)
VALUES (
    @task_id, @user_id, @subscription_id, @event_id, @channel_kind,
    @status, @attempts, @next_attempt_at, @enqueued_at, @doc::jsonb
);
`

	// Lane FIFO: a task leases only when no earlier unfinished task exists
	// for the same user and channel.
	taskLeaseSelectSQL = `
SELECT t.task_id, t.doc FROM delivery_tasks t
WHERE t.channel_kind = @kind
  AND t.status IN ('PENDING', 'FAILED')
  AND t.next_attempt_at <= @now
  AND NOT EXISTS (
      SELECT 1 FROM delivery_tasks earlier
      WHERE earlier.user_id = t.user_id
        AND earlier.channel_kind = t.channel_kind
        AND earlier.status NOT IN ('SENT', 'DEAD_LETTERED')
        AND (earlier.enqueued_at, earlier.task_id) < (t.enqueued_at, t.task_id)
  )
ORDER BY t.enqueued_at
LIMIT 1
FOR UPDATE OF t SKIP LOCKED;
`

	taskLeaseUpdateSQL = `
UPDATE delivery_tasks
SET status = 'IN_FLIGHT',
    lease_owner = @owner,
    lease_expires_at = @expires,
    last_attempt_at = @now,
    doc = @doc::jsonb
WHERE task_id = @task_id;
`

	taskCompleteSQL = `
UPDATE delivery_tasks
SET status = 'SENT',
    lease_owner = NULL,
    lease_expires_at = NULL,
    last_attempt_at = @at,
    doc = jsonb_set(doc, '{status}', '"SENT"')
WHERE task_id = @task_id;
`

	taskRescheduleSQL = `
UPDATE delivery_tasks
SET status = 'FAILED',
    attempts = @attempts,
    next_attempt_at = @next_attempt_at,
    lease_owner = NULL,
    lease_expires_at = NULL,
    doc = jsonb_set(doc, '{status}', '"FAILED"')
WHERE task_id = @task_id;
`

	taskDeadLetterSQL = `
UPDATE delivery_tasks
SET status = 'DEAD_LETTERED',
    lease_owner = NULL,
    lease_expires_at = NULL,
    doc = jsonb_set(doc, '{status}', '"DEAD_LETTERED"')
WHERE task_id = @task_id
RETURNING user_id, subscription_id, event_id, channel_kind, doc;
`

	taskReclaimSQL = `
UPDATE delivery_tasks
SET status = 'PENDING',
    lease_owner = NULL,
    lease_expires_at = NULL
WHERE status = 'IN_FLIGHT' AND lease_expires_at <= @now;
`

	deadLetterInsertSQL = `
INSERT INTO dead_letters (id, original_event_id, user_id, subscription_id, channel, payload, reason, dead_lettered_at)
VALUES (@id, @original_event_id, @user_id, @subscription_id, @channel::jsonb, @payload, @reason, @dead_lettered_at);
`

	deadLettersByUserSQL = `
SELECT id, original_event_id, user_id, subscription_id, channel, payload, reason, dead_lettered_at
FROM dead_letters
WHERE user_id = @user_id
ORDER BY dead_lettered_at DESC;
`

	rateUpsertSQL = `
INSERT INTO rate_counters (user_id, bucket, count)
VALUES (@user_id, @bucket, 1)
ON CONFLICT (user_id, bucket) DO UPDATE SET count = rate_counters.count + 1;
`

	rateLoadSQL = `
SELECT user_id, bucket, count FROM rate_counters WHERE bucket >= @from_bucket ORDER BY user_id, bucket;
`

	ratePurgeSQL = `
DELETE FROM rate_counters WHERE bucket < @older_than_bucket;
`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("storage: nil pool")
	}
	return s.pool, nil
}

// UpsertCanonical implements Gateway. Row scoping comes from SELECT FOR
// UPDATE inside one transaction; serialization failures surface as conflict
// errors for the canonicalizer's retry loop.
func (s *PostgresStore) UpsertCanonical(ctx context.Context, releaseID string, apply func(*schema.CanonicalRelease) (schema.CanonicalRelease, error)) (*schema.CanonicalRelease, schema.CanonicalRelease, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, schema.CanonicalRelease{}, err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, schema.CanonicalRelease{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var pre *schema.CanonicalRelease
	var doc []byte
	err = tx.QueryRow(ctx, releaseSelectForUpdateSQL, pgx.NamedArgs{"release_id": releaseID}).Scan(&doc)
	switch {
	case err == nil:
		existing := new(schema.CanonicalRelease)
		if err := json.Unmarshal(doc, existing); err != nil {
			return nil, schema.CanonicalRelease{}, fmt.Errorf("storage: decode release: %w", err)
		}
		pre = existing
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, schema.CanonicalRelease{}, mapPgError("select release", err)
	}

	post, err := apply(pre)
	if err != nil {
		return nil, schema.CanonicalRelease{}, err
	}
	encoded, err := json.Marshal(post)
	if err != nil {
		return nil, schema.CanonicalRelease{}, fmt.Errorf("storage: encode release: %w", err)
	}
	args := pgx.NamedArgs{
		"release_id": post.ReleaseID,
		"sku":        post.SKU,
		"brand":      post.Brand,
		"source":     post.Source,
		"doc":        encoded,
		"updated_at": post.UpdatedAt,
	}
	if _, err := tx.Exec(ctx, releaseUpsertSQL, args); err != nil {
		return nil, schema.CanonicalRelease{}, mapPgError("upsert release", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, schema.CanonicalRelease{}, mapPgError("commit release", err)
	}
	return pre, post, nil
}

// GetRelease implements Gateway.
func (s *PostgresStore) GetRelease(ctx context.Context, releaseID string) (schema.CanonicalRelease, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.CanonicalRelease{}, false, err
	}
	var doc []byte
	err = pool.QueryRow(ctx, releaseSelectSQL, pgx.NamedArgs{"release_id": releaseID}).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.CanonicalRelease{}, false, nil
	}
	if err != nil {
		return schema.CanonicalRelease{}, false, mapPgError("select release", err)
	}
	var release schema.CanonicalRelease
	if err := json.Unmarshal(doc, &release); err != nil {
		return schema.CanonicalRelease{}, false, fmt.Errorf("storage: decode release: %w", err)
	}
	return release, true, nil
}

// AppendStockSnapshot implements Gateway.
func (s *PostgresStore) AppendStockSnapshot(ctx context.Context, snapshot schema.StockSnapshot) error {
	sizes, err := json.Marshal(snapshot.Sizes)
	if err != nil {
		return fmt.Errorf("storage: encode sizes: %w", err)
	}
	return s.exec(ctx, "insert snapshot", snapshotInsertSQL, pgx.NamedArgs{
		"release_id":  snapshot.ReleaseID,
		"observed_at": snapshot.ObservedAt,
		"sizes":       sizes,
	})
}

// AppendQuarantine implements Gateway.
func (s *PostgresStore) AppendQuarantine(ctx context.Context, record schema.QuarantineRecord) error {
	raw, err := json.Marshal(record.Raw)
	if err != nil {
		return fmt.Errorf("storage: encode quarantine payload: %w", err)
	}
	return s.exec(ctx, "insert quarantine", quarantineInsertSQL, pgx.NamedArgs{
		"quarantine_id":  record.QuarantineID,
		"target_id":      record.TargetID,
		"source":         record.Source,
		"reason":         record.Reason,
		"raw":            raw,
		"quarantined_at": record.QuarantinedAt,
	})
}

// PurgeQuarantine implements Gateway.
func (s *PostgresStore) PurgeQuarantine(ctx context.Context, olderThan time.Time) (int, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, quarantinePurgeSQL, pgx.NamedArgs{"older_than": olderThan})
	if err != nil {
		return 0, mapPgError("purge quarantine", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendEvent implements Gateway. Duplicate event ids are ignored so
// re-ingest retries stay idempotent.
func (s *PostgresStore) AppendEvent(ctx context.Context, event schema.ReleaseEvent) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}
	return s.exec(ctx, "insert event", eventInsertSQL, pgx.NamedArgs{
		"event_id":    event.EventID,
		"release_id":  event.ReleaseID,
		"kind":        string(event.Kind),
		"source":      event.Source,
		"detected_at": event.DetectedAt,
		"doc":         doc,
	})
}

// EventsByRelease implements Gateway.
func (s *PostgresStore) EventsByRelease(ctx context.Context, releaseID string) ([]schema.ReleaseEvent, error) {
	return queryDocs[schema.ReleaseEvent](ctx, s, "list events", eventsByReleaseSQL, pgx.NamedArgs{"release_id": releaseID})
}

// UpsertSubscription implements Gateway.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub schema.UserSubscription) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("storage: encode subscription: %w", err)
	}
	return s.exec(ctx, "upsert subscription", subscriptionUpsertSQL, pgx.NamedArgs{
		"subscription_id": sub.SubscriptionID,
		"user_id":         sub.UserID,
		"doc":             doc,
	})
}

// ListSubscriptions implements Gateway.
func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]schema.UserSubscription, error) {
	return queryDocs[schema.UserSubscription](ctx, s, "list subscriptions", subscriptionListSQL, pgx.NamedArgs{})
}

// UpdateHealth implements Gateway.
func (s *PostgresStore) UpdateHealth(ctx context.Context, records []schema.ScraperHealth) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	batch := new(pgx.Batch)
	for _, record := range records {
		doc, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("storage: encode health: %w", err)
		}
		batch.Queue(healthUpsertSQL, pgx.NamedArgs{"target_id": record.TargetID, "doc": doc})
	}
	results := pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for range records {
		if _, err := results.Exec(); err != nil {
			return mapPgError("upsert health", err)
		}
	}
	return nil
}

// LoadHealth implements Gateway.
func (s *PostgresStore) LoadHealth(ctx context.Context) ([]schema.ScraperHealth, error) {
	return queryDocs[schema.ScraperHealth](ctx, s, "list health", healthListSQL, pgx.NamedArgs{})
}

// EnqueueTasks implements Gateway.
func (s *PostgresStore) EnqueueTasks(ctx context.Context, tasks []schema.DeliveryTask) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	batch := new(pgx.Batch)
	for _, task := range tasks {
		doc, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("storage: encode task: %w", err)
		}
		batch.Queue(taskInsertSQL, pgx.NamedArgs{
			"task_id":         task.TaskID,
			"user_id":         task.UserID,
			"subscription_id": task.SubscriptionID,
			"event_id":        task.EventID,
			"channel_kind":    string(task.Channel.Kind),
			"status":          string(task.Status),
			"attempts":        task.Attempts,
			"next_attempt_at": task.NextAttemptAt,
			"enqueued_at":     task.EnqueuedAt,
			"doc":             doc,
		})
	}
	results := pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for range tasks {
		if _, err := results.Exec(); err != nil {
			return mapPgError("insert task", err)
		}
	}
	return nil
}

// LeaseTask implements Gateway.
func (s *PostgresStore) LeaseTask(ctx context.Context, kind schema.ChannelKind, owner string, now time.Time, lease time.Duration) (*schema.DeliveryTask, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("storage: begin lease tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var taskID string
	var doc []byte
	err = tx.QueryRow(ctx, taskLeaseSelectSQL, pgx.NamedArgs{"kind": string(kind), "now": now}).Scan(&taskID, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError("select leasable task", err)
	}

	var task schema.DeliveryTask
	if err := json.Unmarshal(doc, &task); err != nil {
		return nil, fmt.Errorf("storage: decode task: %w", err)
	}
	task.Status = schema.TaskInFlight
	task.LeaseOwner = owner
	task.LeaseExpiresAt = now.Add(lease)
	task.LastAttemptAt = now
	updated, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("storage: encode task: %w", err)
	}
	args := pgx.NamedArgs{
		"task_id": taskID,
		"owner":   owner,
		"expires": task.LeaseExpiresAt,
		"now":     now,
		"doc":     updated,
	}
	if _, err := tx.Exec(ctx, taskLeaseUpdateSQL, args); err != nil {
		return nil, mapPgError("lease task", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError("commit lease", err)
	}
	return &task, nil
}

// CompleteTask implements Gateway.
func (s *PostgresStore) CompleteTask(ctx context.Context, taskID string, at time.Time) error {
	return s.exec(ctx, "complete task", taskCompleteSQL, pgx.NamedArgs{"task_id": taskID, "at": at})
}

// RescheduleTask implements Gateway.
func (s *PostgresStore) RescheduleTask(ctx context.Context, taskID string, attempts int, nextAttempt time.Time) error {
	return s.exec(ctx, "reschedule task", taskRescheduleSQL, pgx.NamedArgs{
		"task_id":         taskID,
		"attempts":        attempts,
		"next_attempt_at": nextAttempt,
	})
}

// DeadLetterTask implements Gateway.
func (s *PostgresStore) DeadLetterTask(ctx context.Context, taskID, reason string, at time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("storage: begin dead-letter tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var userID, subscriptionID, eventID, channelKind string
	var doc []byte
	err = tx.QueryRow(ctx, taskDeadLetterSQL, pgx.NamedArgs{"task_id": taskID}).
		Scan(&userID, &subscriptionID, &eventID, &channelKind, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New("storage", errs.CodeNotFound, errs.WithMessage("task not found"), errs.WithField("task_id", taskID))
	}
	if err != nil {
		return mapPgError("dead-letter task", err)
	}

	var task schema.DeliveryTask
	if err := json.Unmarshal(doc, &task); err != nil {
		return fmt.Errorf("storage: decode task: %w", err)
	}
	channel, err := json.Marshal(task.Channel)
	if err != nil {
		return fmt.Errorf("storage: encode channel: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                taskID,
		"original_event_id": eventID,
		"user_id":           userID,
		"subscription_id":   subscriptionID,
		"channel":           channel,
		"payload":           task.Payload,
		"reason":            reason,
		"dead_lettered_at":  at,
	}
	if _, err := tx.Exec(ctx, deadLetterInsertSQL, args); err != nil {
		return mapPgError("insert dead letter", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit dead letter", err)
	}
	return nil
}

// ReclaimExpiredLeases implements Gateway.
func (s *PostgresStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, taskReclaimSQL, pgx.NamedArgs{"now": now})
	if err != nil {
		return 0, mapPgError("reclaim leases", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendDeadLetter implements Gateway.
func (s *PostgresStore) AppendDeadLetter(ctx context.Context, letter schema.DeadLetter) error {
	channel, err := json.Marshal(letter.Channel)
	if err != nil {
		return fmt.Errorf("storage: encode channel: %w", err)
	}
	return s.exec(ctx, "insert dead letter", deadLetterInsertSQL, pgx.NamedArgs{
		"id":                letter.ID,
		"original_event_id": letter.OriginalEventID,
		"user_id":           letter.UserID,
		"subscription_id":   letter.SubscriptionID,
		"channel":           channel,
		"payload":           letter.Payload,
		"reason":            letter.Reason,
		"dead_lettered_at":  letter.DeadLetteredAt,
	})
}

// DeadLettersByUser implements Gateway.
func (s *PostgresStore) DeadLettersByUser(ctx context.Context, userID string) ([]schema.DeadLetter, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, deadLettersByUserSQL, pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, mapPgError("list dead letters", err)
	}
	defer rows.Close()

	var letters []schema.DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("iterate dead letters", err)
	}
	return letters, nil
}

// IncrementRate implements Gateway.
func (s *PostgresStore) IncrementRate(ctx context.Context, userID string, bucket int64) error {
	return s.exec(ctx, "increment rate", rateUpsertSQL, pgx.NamedArgs{"user_id": userID, "bucket": bucket})
}

// LoadRates implements Gateway.
func (s *PostgresStore) LoadRates(ctx context.Context, fromBucket int64) ([]RateCount, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, rateLoadSQL, pgx.NamedArgs{"from_bucket": fromBucket})
	if err != nil {
		return nil, mapPgError("load rates", err)
	}
	defer rows.Close()

	var counts []RateCount
	for rows.Next() {
		var count RateCount
		if err := rows.Scan(&count.UserID, &count.Bucket, &count.Count); err != nil {
			return nil, fmt.Errorf("storage: scan rate: %w", err)
		}
		counts = append(counts, count)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("iterate rates", err)
	}
	return counts, nil
}

// PurgeRates implements Gateway.
func (s *PostgresStore) PurgeRates(ctx context.Context, olderThanBucket int64) (int, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, ratePurgeSQL, pgx.NamedArgs{"older_than_bucket": olderThanBucket})
	if err != nil {
		return 0, mapPgError("purge rates", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close implements Gateway.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) exec(ctx context.Context, op, sql string, args pgx.NamedArgs) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, sql, args); err != nil {
		return mapPgError(op, err)
	}
	return nil
}

func queryDocs[T any](ctx context.Context, s *PostgresStore, op, sql string, args pgx.NamedArgs) ([]T, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args)
	if err != nil {
		return nil, mapPgError(op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: %s: scan doc: %w", op, err)
		}
		var item T
		if err := json.Unmarshal(doc, &item); err != nil {
			return nil, fmt.Errorf("storage: %s: decode doc: %w", op, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(op, err)
	}
	return out, nil
}

func scanDeadLetter(row rowScanner) (schema.DeadLetter, error) {
	var letter schema.DeadLetter
	var channel []byte
	if err := row.Scan(
		&letter.ID,
		&letter.OriginalEventID,
		&letter.UserID,
		&letter.SubscriptionID,
		&channel,
		&letter.Payload,
		&letter.Reason,
		&letter.DeadLetteredAt,
	); err != nil {
		return schema.DeadLetter{}, fmt.Errorf("storage: scan dead letter: %w", err)
	}
	if len(channel) > 0 {
		if err := json.Unmarshal(channel, &letter.Channel); err != nil {
			return schema.DeadLetter{}, fmt.Errorf("storage: decode channel: %w", err)
		}
	}
	return letter, nil
}

// mapPgError translates retryable database failures into conflict errors so
// the canonicalizer's backoff loop can distinguish them.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return errs.New("storage", errs.CodeConflict,
				errs.WithMessage(op),
				errs.WithCanonicalCode(errs.CanonicalStorageContention),
				errs.WithCause(err))
		}
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

var _ Gateway = (*PostgresStore)(nil)
