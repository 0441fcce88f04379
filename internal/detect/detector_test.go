package detect

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dropwire/dropwire/internal/schema"
)

var (
	batchStart = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	detectedAt = batchStart.Add(750 * time.Millisecond)
)

func image(status schema.ReleaseStatus, price *decimal.Decimal, hash string) schema.CanonicalRelease {
	return schema.CanonicalRelease{
		ReleaseID:   "rel-abc",
		Name:        "Air Zoom Alpha Trainer",
		Status:      status,
		Price:       price,
		Source:      "kicks.example.com",
		PayloadHash: hash,
	}
}

func priceOf(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestDetectFirstObservationCreates(t *testing.T) {
	post := image(schema.StatusUpcoming, priceOf(150), "h1")
	event := Detect(nil, post, batchStart, detectedAt)
	if event == nil {
		t.Fatal("expected a created event")
	}
	if event.Kind != schema.EventCreated {
		t.Errorf("expected created, got %s", event.Kind)
	}
	if event.StatusTo != schema.StatusUpcoming {
		t.Errorf("unexpected status_to %s", event.StatusTo)
	}
	if event.LatencyMS != 750 {
		t.Errorf("expected latency 750ms, got %d", event.LatencyMS)
	}
	if event.EventID == "" {
		t.Error("expected an event id")
	}
}

func TestDetectFirstObservationUnknownIsSilent(t *testing.T) {
	post := image(schema.StatusUnknown, nil, "h1")
	if event := Detect(nil, post, batchStart, detectedAt); event != nil {
		t.Fatalf("UNKNOWN first observation must not emit, got %s", event.Kind)
	}
}

func TestDetectUnchangedHashIsSilent(t *testing.T) {
	pre := image(schema.StatusLive, priceOf(150), "h1")
	post := image(schema.StatusLive, priceOf(150), "h1")
	if event := Detect(&pre, post, batchStart, detectedAt); event != nil {
		t.Fatalf("identical payloads must not emit, got %s", event.Kind)
	}
}

func TestDetectStatusChange(t *testing.T) {
	pre := image(schema.StatusUpcoming, priceOf(150), "h1")
	post := image(schema.StatusLive, priceOf(150), "h2")
	event := Detect(&pre, post, batchStart, detectedAt)
	if event == nil || event.Kind != schema.EventStatusChange {
		t.Fatalf("expected status_change, got %+v", event)
	}
	if event.StatusFrom != schema.StatusUpcoming || event.StatusTo != schema.StatusLive {
		t.Errorf("unexpected transition %s -> %s", event.StatusFrom, event.StatusTo)
	}
	if event.PriceFrom != nil || event.PriceTo != nil {
		t.Error("prices must be empty when only the status moved")
	}
}

func TestDetectPriceChangeKeepsStatus(t *testing.T) {
	pre := image(schema.StatusLive, priceOf(150), "h1")
	post := image(schema.StatusLive, priceOf(130), "h2")
	event := Detect(&pre, post, batchStart, detectedAt)
	if event == nil || event.Kind != schema.EventPriceChange {
		t.Fatalf("expected price_change, got %+v", event)
	}
	if event.StatusFrom != schema.StatusLive || event.StatusTo != schema.StatusLive {
		t.Error("both statuses must carry the post status")
	}
	if event.PriceFrom == nil || !event.PriceFrom.Equal(decimal.NewFromInt(150)) {
		t.Errorf("unexpected price_from %v", event.PriceFrom)
	}
	if event.PriceTo == nil || !event.PriceTo.Equal(decimal.NewFromInt(130)) {
		t.Errorf("unexpected price_to %v", event.PriceTo)
	}
}

func TestDetectCombinedChangeEmitsSingleEvent(t *testing.T) {
	pre := image(schema.StatusUpcoming, priceOf(150), "h1")
	post := image(schema.StatusLive, priceOf(140), "h2")
	event := Detect(&pre, post, batchStart, detectedAt)
	if event == nil || event.Kind != schema.EventStatusChange {
		t.Fatalf("expected a single status_change, got %+v", event)
	}
	if event.StatusFrom != schema.StatusUpcoming || event.StatusTo != schema.StatusLive {
		t.Error("status fields must be populated")
	}
	if event.PriceFrom == nil || event.PriceTo == nil {
		t.Error("price fields must be populated on a combined change")
	}
}

func TestDetectPriceAppearingCounts(t *testing.T) {
	pre := image(schema.StatusLive, nil, "h1")
	post := image(schema.StatusLive, priceOf(120), "h2")
	event := Detect(&pre, post, batchStart, detectedAt)
	if event == nil || event.Kind != schema.EventPriceChange {
		t.Fatalf("nil-to-value price must emit price_change, got %+v", event)
	}
	if event.PriceFrom != nil {
		t.Error("price_from must stay nil when no previous price existed")
	}
}

func TestDetectUntrackedFieldChangeIsSilent(t *testing.T) {
	pre := image(schema.StatusLive, priceOf(150), "h1")
	post := image(schema.StatusLive, priceOf(150), "h2")
	post.ImageURL = "https://cdn.example.com/new.jpg"
	if event := Detect(&pre, post, batchStart, detectedAt); event != nil {
		t.Fatalf("image-only change must not emit, got %s", event.Kind)
	}
}
