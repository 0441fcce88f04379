package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/dropwire/dropwire/errs"
	"github.com/dropwire/dropwire/internal/schema"
)

// MemoryStore is the in-process gateway used by tests and development runs.
// Row-scoped serialization for canonical rows comes from a per-release mutex.
type MemoryStore struct {
	rowLocks *xsync.Map[string, *sync.Mutex]

	mu            sync.RWMutex
	releases      map[string]schema.CanonicalRelease
	snapshots     []schema.StockSnapshot
	quarantine    []schema.QuarantineRecord
	events        []schema.ReleaseEvent
	subscriptions map[string]schema.UserSubscription
	health        map[string]schema.ScraperHealth
	tasks         []*schema.DeliveryTask
	letters       []schema.DeadLetter
	rates         map[string]map[int64]int
}

// NewMemoryStore returns an empty in-memory gateway.
func NewMemoryStore() *MemoryStore {
	s := new(MemoryStore)
	s.rowLocks = xsync.NewMap[string, *sync.Mutex]()
	s.releases = make(map[string]schema.CanonicalRelease)
	s.subscriptions = make(map[string]schema.UserSubscription)
	s.health = make(map[string]schema.ScraperHealth)
	s.rates = make(map[string]map[int64]int)
	return s
}

// UpsertCanonical implements Gateway.
func (s *MemoryStore) UpsertCanonical(_ context.Context, releaseID string, apply func(*schema.CanonicalRelease) (schema.CanonicalRelease, error)) (*schema.CanonicalRelease, schema.CanonicalRelease, error) {
	lock, _ := s.rowLocks.LoadOrCompute(releaseID, func() (*sync.Mutex, bool) {
		return new(sync.Mutex), false
	})
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing, ok := s.releases[releaseID]
	s.mu.RUnlock()

	var pre *schema.CanonicalRelease
	if ok {
		clone := existing.Clone()
		pre = &clone
	}
	post, err := apply(pre)
	if err != nil {
		return nil, schema.CanonicalRelease{}, err
	}

	s.mu.Lock()
	s.releases[releaseID] = post.Clone()
	s.mu.Unlock()
	return pre, post, nil
}

// GetRelease implements Gateway.
func (s *MemoryStore) GetRelease(_ context.Context, releaseID string) (schema.CanonicalRelease, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	release, ok := s.releases[releaseID]
	if !ok {
		return schema.CanonicalRelease{}, false, nil
	}
	return release.Clone(), true, nil
}

// AppendStockSnapshot implements Gateway.
func (s *MemoryStore) AppendStockSnapshot(_ context.Context, snapshot schema.StockSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// StockSnapshots returns the appended snapshots for one release.
func (s *MemoryStore) StockSnapshots(releaseID string) []schema.StockSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.StockSnapshot
	for _, snap := range s.snapshots {
		if snap.ReleaseID == releaseID {
			out = append(out, snap)
		}
	}
	return out
}

// AppendQuarantine implements Gateway.
func (s *MemoryStore) AppendQuarantine(_ context.Context, record schema.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine = append(s.quarantine, record)
	return nil
}

// QuarantineRecords returns every quarantine row.
func (s *MemoryStore) QuarantineRecords() []schema.QuarantineRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.QuarantineRecord, len(s.quarantine))
	copy(out, s.quarantine)
	return out
}

// PurgeQuarantine implements Gateway.
func (s *MemoryStore) PurgeQuarantine(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.quarantine[:0]
	purged := 0
	for _, record := range s.quarantine {
		if record.QuarantinedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, record)
	}
	s.quarantine = kept
	return purged, nil
}

// AppendEvent implements Gateway.
func (s *MemoryStore) AppendEvent(_ context.Context, event schema.ReleaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// EventsByRelease implements Gateway.
func (s *MemoryStore) EventsByRelease(_ context.Context, releaseID string) ([]schema.ReleaseEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.ReleaseEvent
	for _, event := range s.events {
		if event.ReleaseID == releaseID {
			out = append(out, event)
		}
	}
	return out, nil
}

// UpsertSubscription implements Gateway.
func (s *MemoryStore) UpsertSubscription(_ context.Context, sub schema.UserSubscription) error {
	if sub.SubscriptionID == "" {
		return errs.New("storage", errs.CodeInvalid, errs.WithMessage("subscription id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.SubscriptionID] = sub
	return nil
}

// ListSubscriptions implements Gateway.
func (s *MemoryStore) ListSubscriptions(_ context.Context) ([]schema.UserSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.UserSubscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

// UpdateHealth implements Gateway.
func (s *MemoryStore) UpdateHealth(_ context.Context, records []schema.ScraperHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		s.health[record.TargetID] = record
	}
	return nil
}

// LoadHealth implements Gateway.
func (s *MemoryStore) LoadHealth(_ context.Context) ([]schema.ScraperHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.ScraperHealth, 0, len(s.health))
	for _, record := range s.health {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

// EnqueueTasks implements Gateway. Slice order becomes lane order.
func (s *MemoryStore) EnqueueTasks(_ context.Context, tasks []schema.DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tasks {
		task := tasks[i]
		s.tasks = append(s.tasks, &task)
	}
	return nil
}

// LeaseTask implements Gateway. Tasks are scanned in enqueue order; a lane
// with an earlier unfinished task for the same user and channel stays
// blocked, which preserves per-user FIFO delivery.
func (s *MemoryStore) LeaseTask(_ context.Context, kind schema.ChannelKind, owner string, now time.Time, lease time.Duration) (*schema.DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type laneKey struct {
		user    string
		channel schema.ChannelKind
	}
	blocked := make(map[laneKey]struct{})

	for _, task := range s.tasks {
		if task.Channel.Kind != kind {
			continue
		}
		key := laneKey{user: task.UserID, channel: task.Channel.Kind}
		if _, isBlocked := blocked[key]; isBlocked {
			continue
		}
		switch task.Status {
		case schema.TaskSent, schema.TaskDeadLettered:
			continue
		case schema.TaskInFlight:
			blocked[key] = struct{}{}
			continue
		case schema.TaskPending, schema.TaskFailed:
			if task.NextAttemptAt.After(now) {
				blocked[key] = struct{}{}
				continue
			}
			task.Status = schema.TaskInFlight
			task.LeaseOwner = owner
			task.LeaseExpiresAt = now.Add(lease)
			task.LastAttemptAt = now
			leased := *task
			return &leased, nil
		}
	}
	return nil, nil
}

// CompleteTask implements Gateway.
func (s *MemoryStore) CompleteTask(_ context.Context, taskID string, at time.Time) error {
	return s.mutateTask(taskID, func(task *schema.DeliveryTask) {
		task.Status = schema.TaskSent
		task.LastAttemptAt = at
		task.LeaseOwner = ""
		task.LeaseExpiresAt = time.Time{}
	})
}

// RescheduleTask implements Gateway.
func (s *MemoryStore) RescheduleTask(_ context.Context, taskID string, attempts int, nextAttempt time.Time) error {
	return s.mutateTask(taskID, func(task *schema.DeliveryTask) {
		task.Status = schema.TaskFailed
		task.Attempts = attempts
		task.NextAttemptAt = nextAttempt
		task.LeaseOwner = ""
		task.LeaseExpiresAt = time.Time{}
	})
}

// DeadLetterTask implements Gateway. The terminal task row and the dead
// letter are written together.
func (s *MemoryStore) DeadLetterTask(_ context.Context, taskID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.TaskID != taskID {
			continue
		}
		task.Status = schema.TaskDeadLettered
		task.LeaseOwner = ""
		task.LeaseExpiresAt = time.Time{}
		s.letters = append(s.letters, schema.DeadLetter{
			ID:              taskID,
			OriginalEventID: task.EventID,
			UserID:          task.UserID,
			SubscriptionID:  task.SubscriptionID,
			Channel:         task.Channel,
			Payload:         task.Payload,
			Reason:          reason,
			DeadLetteredAt:  at,
		})
		return nil
	}
	return errs.New("storage", errs.CodeNotFound, errs.WithMessage("task not found"), errs.WithField("task_id", taskID))
}

// ReclaimExpiredLeases implements Gateway.
func (s *MemoryStore) ReclaimExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for _, task := range s.tasks {
		if task.Status == schema.TaskInFlight && !task.LeaseExpiresAt.IsZero() && !task.LeaseExpiresAt.After(now) {
			task.Status = schema.TaskPending
			task.LeaseOwner = ""
			task.LeaseExpiresAt = time.Time{}
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Task returns a copy of one stored task.
func (s *MemoryStore) Task(taskID string) (schema.DeliveryTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.TaskID == taskID {
			return *task, true
		}
	}
	return schema.DeliveryTask{}, false
}

// AppendDeadLetter implements Gateway.
func (s *MemoryStore) AppendDeadLetter(_ context.Context, letter schema.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

// DeadLettersByUser implements Gateway.
func (s *MemoryStore) DeadLettersByUser(_ context.Context, userID string) ([]schema.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.DeadLetter
	for _, letter := range s.letters {
		if letter.UserID == userID {
			out = append(out, letter)
		}
	}
	return out, nil
}

// IncrementRate implements Gateway.
func (s *MemoryStore) IncrementRate(_ context.Context, userID string, bucket int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets := s.rates[userID]
	if buckets == nil {
		buckets = make(map[int64]int)
		s.rates[userID] = buckets
	}
	buckets[bucket]++
	return nil
}

// LoadRates implements Gateway.
func (s *MemoryStore) LoadRates(_ context.Context, fromBucket int64) ([]RateCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RateCount
	for userID, buckets := range s.rates {
		for bucket, count := range buckets {
			if bucket >= fromBucket {
				out = append(out, RateCount{UserID: userID, Bucket: bucket, Count: count})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out, nil
}

// PurgeRates implements Gateway.
func (s *MemoryStore) PurgeRates(_ context.Context, olderThanBucket int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for userID, buckets := range s.rates {
		for bucket := range buckets {
			if bucket < olderThanBucket {
				delete(buckets, bucket)
				purged++
			}
		}
		if len(buckets) == 0 {
			delete(s.rates, userID)
		}
	}
	return purged, nil
}

func (s *MemoryStore) mutateTask(taskID string, mutate func(*schema.DeliveryTask)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.TaskID == taskID {
			mutate(task)
			return nil
		}
	}
	return errs.New("storage", errs.CodeNotFound, errs.WithMessage("task not found"), errs.WithField("task_id", taskID))
}

// Close implements Gateway.
func (s *MemoryStore) Close() {}

var _ Gateway = (*MemoryStore)(nil)
