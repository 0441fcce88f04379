package storage

import (
	"context"
	"testing"
	"time"

	"github.com/dropwire/dropwire/internal/schema"
)

func task(id, user string, kind schema.ChannelKind, due time.Time) schema.DeliveryTask {
	return schema.DeliveryTask{
		TaskID:        id,
		UserID:        user,
		EventID:       "evt-" + id,
		Channel:       schema.Channel{Kind: kind, Address: user + "@example.com"},
		Status:        schema.TaskPending,
		NextAttemptAt: due,
		EnqueuedAt:    due,
		Payload:       []byte(`{}`),
	}
}

func TestLeaseTaskRespectsLaneFIFO(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	if err := store.EnqueueTasks(ctx, []schema.DeliveryTask{
		task("t1", "u1", schema.ChannelEmail, now),
		task("t2", "u1", schema.ChannelEmail, now),
		task("t3", "u2", schema.ChannelEmail, now),
	}); err != nil {
		t.Fatal(err)
	}

	first, err := store.LeaseTask(ctx, schema.ChannelEmail, "w1", now, 2*time.Minute)
	if err != nil || first == nil {
		t.Fatalf("expected a lease, got %v / %v", first, err)
	}
	if first.TaskID != "t1" {
		t.Fatalf("expected lane head t1, got %s", first.TaskID)
	}

	// u1's lane is blocked by the in-flight t1; u2 is leasable.
	second, err := store.LeaseTask(ctx, schema.ChannelEmail, "w2", now, 2*time.Minute)
	if err != nil || second == nil || second.TaskID != "t3" {
		t.Fatalf("expected t3 while t1 is in flight, got %+v", second)
	}
	third, err := store.LeaseTask(ctx, schema.ChannelEmail, "w3", now, 2*time.Minute)
	if err != nil || third != nil {
		t.Fatalf("expected no eligible task, got %+v", third)
	}

	// Completing t1 unblocks u1's lane.
	if err := store.CompleteTask(ctx, "t1", now); err != nil {
		t.Fatal(err)
	}
	fourth, err := store.LeaseTask(ctx, schema.ChannelEmail, "w1", now, 2*time.Minute)
	if err != nil || fourth == nil || fourth.TaskID != "t2" {
		t.Fatalf("expected t2 after t1 completed, got %+v", fourth)
	}
}

func TestLeaseTaskFiltersChannelAndDueTime(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	if err := store.EnqueueTasks(ctx, []schema.DeliveryTask{
		task("t1", "u1", schema.ChannelDiscord, now),
		task("t2", "u2", schema.ChannelEmail, now.Add(time.Minute)),
	}); err != nil {
		t.Fatal(err)
	}

	if leased, _ := store.LeaseTask(ctx, schema.ChannelEmail, "w1", now, time.Minute); leased != nil {
		t.Fatalf("not-yet-due task must not lease, got %+v", leased)
	}
	if leased, _ := store.LeaseTask(ctx, schema.ChannelEmail, "w1", now.Add(time.Minute), time.Minute); leased == nil || leased.TaskID != "t2" {
		t.Fatalf("due task must lease, got %+v", leased)
	}
	if leased, _ := store.LeaseTask(ctx, schema.ChannelDiscord, "w1", now, time.Minute); leased == nil || leased.TaskID != "t1" {
		t.Fatalf("channel filter broken, got %+v", leased)
	}
}

func TestExpiredLeaseReturnsToPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	if err := store.EnqueueTasks(ctx, []schema.DeliveryTask{task("t1", "u1", schema.ChannelEmail, now)}); err != nil {
		t.Fatal(err)
	}
	leased, _ := store.LeaseTask(ctx, schema.ChannelEmail, "w1", now, 2*time.Minute)
	if leased == nil {
		t.Fatal("expected a lease")
	}

	if n, _ := store.ReclaimExpiredLeases(ctx, now.Add(time.Minute)); n != 0 {
		t.Fatalf("live leases must not be reclaimed, got %d", n)
	}
	n, err := store.ReclaimExpiredLeases(ctx, now.Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed lease, got %d / %v", n, err)
	}
	stored, _ := store.Task("t1")
	if stored.Status != schema.TaskPending || stored.LeaseOwner != "" {
		t.Fatalf("reclaimed task must be PENDING and unowned, got %+v", stored)
	}
}

func TestRescheduleAndDeadLetterTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	if err := store.EnqueueTasks(ctx, []schema.DeliveryTask{task("t1", "u1", schema.ChannelEmail, now)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LeaseTask(ctx, schema.ChannelEmail, "w1", now, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := store.RescheduleTask(ctx, "t1", 1, now.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}
	stored, _ := store.Task("t1")
	if stored.Status != schema.TaskFailed || stored.Attempts != 1 {
		t.Fatalf("unexpected state after reschedule: %+v", stored)
	}

	// The failed task leases again once its retry time arrives.
	retryAt := now.Add(10 * time.Second)
	leased, _ := store.LeaseTask(ctx, schema.ChannelEmail, "w1", retryAt, time.Minute)
	if leased == nil || leased.TaskID != "t1" {
		t.Fatalf("failed task must lease at retry time, got %+v", leased)
	}

	if err := store.DeadLetterTask(ctx, "t1", schema.DeadLetterMaxAttempts, retryAt); err != nil {
		t.Fatal(err)
	}
	stored, _ = store.Task("t1")
	if stored.Status != schema.TaskDeadLettered {
		t.Fatalf("expected DEAD_LETTERED, got %s", stored.Status)
	}
	letters, err := store.DeadLettersByUser(ctx, "u1")
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected one dead letter for u1, got %d / %v", len(letters), err)
	}
	if letters[0].Reason != schema.DeadLetterMaxAttempts || letters[0].OriginalEventID != "evt-t1" {
		t.Fatalf("dead letter must carry reason and event, got %+v", letters[0])
	}
}

func TestUpsertCanonicalRowScoped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pre, post, err := store.UpsertCanonical(ctx, "rel-1", func(existing *schema.CanonicalRelease) (schema.CanonicalRelease, error) {
		if existing != nil {
			t.Error("expected no pre-image on first write")
		}
		return schema.CanonicalRelease{ReleaseID: "rel-1", Name: "Dunk Low", Status: schema.StatusUpcoming}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if pre != nil || post.ReleaseID != "rel-1" {
		t.Fatalf("unexpected images: %v / %+v", pre, post)
	}

	pre, post, err = store.UpsertCanonical(ctx, "rel-1", func(existing *schema.CanonicalRelease) (schema.CanonicalRelease, error) {
		updated := existing.Clone()
		updated.Status = schema.StatusLive
		return updated, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if pre == nil || pre.Status != schema.StatusUpcoming || post.Status != schema.StatusLive {
		t.Fatalf("unexpected images on update: %+v / %+v", pre, post)
	}

	release, ok, err := store.GetRelease(ctx, "rel-1")
	if err != nil || !ok || release.Status != schema.StatusLive {
		t.Fatalf("unexpected stored row: %+v / %v / %v", release, ok, err)
	}
}

func TestQuarantinePurge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	_ = store.AppendQuarantine(ctx, schema.QuarantineRecord{QuarantineID: "q1", QuarantinedAt: now.AddDate(0, 0, -15)})
	_ = store.AppendQuarantine(ctx, schema.QuarantineRecord{QuarantineID: "q2", QuarantinedAt: now.AddDate(0, 0, -3)})

	purged, err := store.PurgeQuarantine(ctx, now.AddDate(0, 0, -14))
	if err != nil || purged != 1 {
		t.Fatalf("expected one purged row, got %d / %v", purged, err)
	}
	remaining := store.QuarantineRecords()
	if len(remaining) != 1 || remaining[0].QuarantineID != "q2" {
		t.Fatalf("unexpected remaining rows: %+v", remaining)
	}
}

func TestRatePersistence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.IncrementRate(ctx, "u1", 100); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.IncrementRate(ctx, "u1", 99)
	_ = store.IncrementRate(ctx, "u2", 100)

	counts, err := store.LoadRates(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 2 {
		t.Fatalf("expected 2 cells at or after bucket 100, got %d", len(counts))
	}
	if counts[0].UserID != "u1" || counts[0].Count != 3 {
		t.Fatalf("unexpected first cell %+v", counts[0])
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sub := schema.UserSubscription{
		SubscriptionID: "sub-1",
		UserID:         "u1",
		BrandFilter:    schema.NewFilter("nike"),
		Channels:       []schema.Channel{{Kind: schema.ChannelEmail, Address: "u1@example.com"}},
	}
	if err := store.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	subs, err := store.ListSubscriptions(ctx)
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected one subscription, got %d / %v", len(subs), err)
	}
	if err := store.UpsertSubscription(ctx, schema.UserSubscription{}); err == nil {
		t.Fatal("expected a validation error for a missing id")
	}
}
