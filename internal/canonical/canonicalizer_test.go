package canonical

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dropwire/dropwire/errs"
	"github.com/dropwire/dropwire/internal/schema"
)

type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]schema.CanonicalRelease
	snapshots   []schema.StockSnapshot
	quarantined []schema.QuarantineRecord

	// conflictsLeft forces contention errors for the next N upserts.
	conflictsLeft int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]schema.CanonicalRelease)}
}

func (s *fakeStore) UpsertCanonical(_ context.Context, releaseID string, apply func(*schema.CanonicalRelease) (schema.CanonicalRelease, error)) (*schema.CanonicalRelease, schema.CanonicalRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		return nil, schema.CanonicalRelease{}, errs.New("storage", errs.CodeConflict, errs.WithMessage("row contended"))
	}
	var pre *schema.CanonicalRelease
	if existing, ok := s.rows[releaseID]; ok {
		clone := existing.Clone()
		pre = &clone
	}
	post, err := apply(pre)
	if err != nil {
		return nil, schema.CanonicalRelease{}, err
	}
	s.rows[releaseID] = post.Clone()
	return pre, post, nil
}

func (s *fakeStore) AppendStockSnapshot(_ context.Context, snapshot schema.StockSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *fakeStore) AppendQuarantine(_ context.Context, record schema.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined = append(s.quarantined, record)
	return nil
}

var testTarget = schema.Target{
	TargetID:    "tgt-1",
	Source:      "kicks.example.com",
	Kind:        schema.TargetKindJSONCatalog,
	URLTemplate: "https://kicks.example.com/products.json",
	ParserKey:   "json-catalog",
}

func rawFixture() schema.RawRelease {
	price := decimal.NewFromInt(150)
	return schema.RawRelease{
		Source:    "kicks.example.com",
		SourceID:  "8812345",
		Title:     "Air Zoom Alpha Trainer",
		Brand:     "Nike",
		SKU:       "DQ1234-100",
		Price:     &price,
		Currency:  "usd",
		StatusRaw: "upcoming",
		SizeAvailability: map[string]schema.SizeCount{
			"US 9": {Total: 4, Available: 4},
		},
	}
}

func TestCanonicalizeInsertsNewRow(t *testing.T) {
	store := newFakeStore()
	c := NewCanonicalizer(store)

	result, err := c.Canonicalize(context.Background(), rawFixture(), testTarget)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if result.Pre != nil {
		t.Error("expected nil pre-image on first observation")
	}
	if result.Post.ReleaseID == "" || result.Post.PayloadHash == "" {
		t.Fatal("expected populated identifiers")
	}
	if result.Post.SKU != "DQ1234-100" {
		t.Errorf("unexpected sku %q", result.Post.SKU)
	}
	if result.Post.Brand != "nike" {
		t.Errorf("brand should be lowercased, got %q", result.Post.Brand)
	}
	if result.Post.Status != schema.StatusUpcoming {
		t.Errorf("unexpected status %s", result.Post.Status)
	}
	if !result.Post.FirstSeenAt.Equal(result.Post.UpdatedAt) {
		t.Error("first_seen_at and updated_at must match on insert")
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("expected one stock snapshot, got %d", len(store.snapshots))
	}
}

func TestCanonicalizeSameHashTouchesUpdatedAtOnly(t *testing.T) {
	store := newFakeStore()
	c := NewCanonicalizer(store)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	clock := base
	c.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	first, err := c.Canonicalize(context.Background(), rawFixture(), testTarget)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Canonicalize(context.Background(), rawFixture(), testTarget)
	if err != nil {
		t.Fatal(err)
	}
	if second.Pre == nil {
		t.Fatal("expected a pre-image on re-ingest")
	}
	if second.Post.ReleaseID != first.Post.ReleaseID {
		t.Error("release id must be stable")
	}
	if !second.Post.FirstSeenAt.Equal(first.Post.FirstSeenAt) {
		t.Error("first_seen_at must be preserved")
	}
	if !second.Post.UpdatedAt.After(first.Post.UpdatedAt) {
		t.Error("updated_at must advance")
	}
	if second.Post.PayloadHash != first.Post.PayloadHash {
		t.Error("payload hash must not change on identical content")
	}
	if len(store.snapshots) != 1 {
		t.Errorf("unchanged stock must not append a snapshot, got %d", len(store.snapshots))
	}
}

func TestCanonicalizeFieldMerge(t *testing.T) {
	store := newFakeStore()
	c := NewCanonicalizer(store)

	if _, err := c.Canonicalize(context.Background(), rawFixture(), testTarget); err != nil {
		t.Fatal(err)
	}

	update := rawFixture()
	newPrice := decimal.NewFromInt(130)
	update.Price = &newPrice
	update.StatusRaw = "live"
	update.Brand = ""
	update.Region = "us"
	update.SizeAvailability = map[string]schema.SizeCount{
		"US 9": {Total: 4, Available: 1},
	}

	result, err := c.Canonicalize(context.Background(), update, testTarget)
	if err != nil {
		t.Fatal(err)
	}
	if result.Post.Price == nil || !result.Post.Price.Equal(newPrice) {
		t.Errorf("price should be overwritten, got %v", result.Post.Price)
	}
	if result.Post.Status != schema.StatusLive {
		t.Errorf("status should be overwritten, got %s", result.Post.Status)
	}
	if result.Post.Brand != "nike" {
		t.Errorf("empty incoming brand must not erase the stored one, got %q", result.Post.Brand)
	}
	if result.Post.Region != "US" {
		t.Errorf("region should be set, got %q", result.Post.Region)
	}
	if len(store.snapshots) != 2 {
		t.Errorf("changed stock should append a snapshot, got %d", len(store.snapshots))
	}
}

func TestCanonicalizeQuarantinesNikeWithoutSKU(t *testing.T) {
	store := newFakeStore()
	c := NewCanonicalizer(store)

	raw := schema.RawRelease{Source: "kicks.example.com", Title: "Air Max", Brand: "Nike"}
	result, err := c.Canonicalize(context.Background(), raw, testTarget)
	if err != nil {
		t.Fatalf("quarantine path must not error: %v", err)
	}
	if !result.Quarantined {
		t.Fatal("expected the record to be quarantined")
	}
	if len(store.rows) != 0 {
		t.Error("no canonical row may be written for a quarantined record")
	}
	if len(store.quarantined) != 1 {
		t.Fatalf("expected one quarantine record, got %d", len(store.quarantined))
	}
	if store.quarantined[0].Reason != schema.QuarantineMissingSKUNikeJordan {
		t.Errorf("unexpected reason %q", store.quarantined[0].Reason)
	}
}

func TestCanonicalizeQuarantinesStructurallyInvalid(t *testing.T) {
	store := newFakeStore()
	c := NewCanonicalizer(store)

	result, err := c.Canonicalize(context.Background(), schema.RawRelease{Source: "kicks.example.com"}, testTarget)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Quarantined {
		t.Fatal("expected quarantine for a record with no title and no sku")
	}
	if store.quarantined[0].Reason != schema.QuarantineStructurallyInvalid {
		t.Errorf("unexpected reason %q", store.quarantined[0].Reason)
	}
}

func TestCanonicalizeRetriesContention(t *testing.T) {
	store := newFakeStore()
	store.conflictsLeft = 2
	c := NewCanonicalizer(store)

	if _, err := c.Canonicalize(context.Background(), rawFixture(), testTarget); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
}

func TestCanonicalizeGivesUpAfterFiveAttempts(t *testing.T) {
	store := newFakeStore()
	store.conflictsLeft = 10
	c := NewCanonicalizer(store)

	_, err := c.Canonicalize(context.Background(), rawFixture(), testTarget)
	if err == nil {
		t.Fatal("expected persistent contention to surface")
	}
	var e *errs.E
	if !errors.As(err, &e) {
		t.Fatalf("expected a structured error, got %T", err)
	}
	if e.Canonical != errs.CanonicalStorageContention {
		t.Errorf("unexpected canonical code %s", e.Canonical)
	}
	if store.conflictsLeft != 5 {
		t.Errorf("expected exactly 5 attempts, %d conflicts left", store.conflictsLeft)
	}
}
