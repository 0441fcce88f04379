package schema

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

func TestNormalizeSKU(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercase with spaces", in: " dz5485 612 ", want: "DZ5485612"},
		{name: "already normalized", in: "DZ5485-612", want: "DZ5485-612"},
		{name: "tabs and newlines", in: "dq\t84\n26", want: "DQ8426"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSKU(tt.in); got != tt.want {
				t.Errorf("NormalizeSKU(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "spaces collapse", in: "Air Jordan 1   Bred", want: "air-jordan-1-bred"},
		{name: "punctuation stripped", in: `AJ1 "Lost & Found"`, want: "aj1-lost-found"},
		{name: "leading and trailing space", in: "  Dunk Low  ", want: "dunk-low"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slug(tt.in); got != tt.want {
				t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReleaseIDStableAcrossSKUFormatting(t *testing.T) {
	a := ReleaseID(RawRelease{SKU: "DZ5485-612", Title: "AJ1 Bred"}, "nike")
	b := ReleaseID(RawRelease{SKU: " dz5485-612 ", Title: "different title"}, "nike")
	if a != b {
		t.Fatalf("expected identical ids for the same normalized sku, got %s and %s", a, b)
	}
	if a == ReleaseID(RawRelease{SKU: "DZ5485-612"}, "snkrs") {
		t.Fatal("expected different sources to produce different ids")
	}
}

func TestReleaseIDFallsBackToTitleSlug(t *testing.T) {
	a := ReleaseID(RawRelease{Title: "Air Max 1 Patta"}, "footlocker")
	b := ReleaseID(RawRelease{Title: "air  max 1  patta"}, "footlocker")
	if a != b {
		t.Fatalf("expected slugged titles to collide, got %s and %s", a, b)
	}
	withSKU := ReleaseID(RawRelease{SKU: "AM1-001", Title: "Air Max 1 Patta"}, "footlocker")
	if a == withSKU {
		t.Fatal("sku-derived id should differ from title-derived id")
	}
}

func TestPayloadHashDetectsContentChange(t *testing.T) {
	price := decimal.NewFromInt(180)
	base := RawRelease{Source: "nike", SKU: "DZ5485-612", Title: "AJ1 Bred", Price: &price, Currency: "USD", StatusRaw: "UPCOMING"}

	same := base
	samePrice := decimal.NewFromInt(180)
	same.Price = &samePrice
	if PayloadHash(base) != PayloadHash(same) {
		t.Fatal("identical content must hash identically")
	}

	changed := base
	newPrice := decimal.NewFromInt(200)
	changed.Price = &newPrice
	if PayloadHash(base) == PayloadHash(changed) {
		t.Fatal("price change must alter the payload hash")
	}

	flipped := base
	flipped.StatusRaw = "LIVE"
	if PayloadHash(base) == PayloadHash(flipped) {
		t.Fatal("status change must alter the payload hash")
	}
}

func TestStockEqual(t *testing.T) {
	a := map[string]SizeCount{"US9": {Total: 10, Available: 3}}
	b := map[string]SizeCount{"US9": {Total: 10, Available: 3}}
	if !StockEqual(a, b) {
		t.Fatal("expected equal stock maps")
	}
	b["US9"] = SizeCount{Total: 10, Available: 2}
	if StockEqual(a, b) {
		t.Fatal("expected availability delta to break equality")
	}
	if StockEqual(a, nil) {
		t.Fatal("expected nil to differ from populated map")
	}
	if !StockEqual(nil, map[string]SizeCount{}) {
		t.Fatal("expected nil and empty to compare equal")
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want ReleaseStatus
	}{
		{raw: "UPCOMING", want: StatusUpcoming},
		{raw: "coming soon", want: StatusUpcoming},
		{raw: "live", want: StatusLive},
		{raw: "IN_STOCK", want: StatusLive},
		{raw: "raffle", want: StatusRaffleOpen},
		{raw: "draw closed", want: StatusRaffleClosed},
		{raw: "restocked", want: StatusRestock},
		{raw: "out of stock", want: StatusSoldOut},
		{raw: "postponed", want: StatusDelayed},
		{raw: "whatever", want: StatusUnknown},
		{raw: "", want: StatusUnknown},
	}
	for _, tt := range tests {
		if got := ParseStatus(tt.raw); got != tt.want {
			t.Errorf("ParseStatus(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestCanonicalReleaseRoundTrip(t *testing.T) {
	price := decimal.NewFromInt(180)
	date := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	release := CanonicalRelease{
		ReleaseID:   ReleaseID(RawRelease{SKU: "DZ5485-612"}, "nike"),
		SKU:         "DZ5485-612",
		Brand:       "Jordan",
		Name:        "AJ1 Bred",
		Status:      StatusUpcoming,
		Price:       &price,
		Currency:    "USD",
		ReleaseDate: &date,
		Region:      "US",
		Source:      "nike",
		FirstSeenAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Stock:       map[string]SizeCount{"US9": {Total: 12, Available: 12}},
		PayloadHash: "abc123",
	}

	encoded, err := json.Marshal(release)
	if err != nil {
		t.Fatalf("marshal release: %v", err)
	}
	var decoded CanonicalRelease
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal release: %v", err)
	}
	if decoded.ReleaseID != release.ReleaseID || decoded.Status != release.Status {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if decoded.Price == nil || !decoded.Price.Equal(*release.Price) {
		t.Fatalf("price round trip mismatch: %v", decoded.Price)
	}
	if !StockEqual(decoded.Stock, release.Stock) {
		t.Fatal("stock round trip mismatch")
	}
	if !decoded.FirstSeenAt.Equal(release.FirstSeenAt) {
		t.Fatal("first_seen_at round trip mismatch")
	}
}

func TestCloneIsDeep(t *testing.T) {
	price := decimal.NewFromInt(100)
	release := CanonicalRelease{
		ReleaseID: "r1",
		Price:     &price,
		Stock:     map[string]SizeCount{"US9": {Total: 1, Available: 1}},
	}
	clone := release.Clone()
	clone.Stock["US9"] = SizeCount{Total: 0, Available: 0}
	newPrice := decimal.NewFromInt(50)
	*clone.Price = newPrice

	if release.Stock["US9"].Total != 1 {
		t.Fatal("clone mutation leaked into original stock")
	}
	if !release.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatal("clone mutation leaked into original price")
	}
}
