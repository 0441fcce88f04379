package schema

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/zeebo/xxh3"
)

// ReleaseStatus enumerates canonical release lifecycle states.
type ReleaseStatus string

const (
	// StatusUpcoming marks a release announced but not yet purchasable.
	StatusUpcoming ReleaseStatus = "UPCOMING"
	// StatusLive marks a release currently purchasable.
	StatusLive ReleaseStatus = "LIVE"
	// StatusRaffleOpen marks a raffle accepting entries.
	StatusRaffleOpen ReleaseStatus = "RAFFLE_OPEN"
	// StatusRaffleClosed marks a raffle no longer accepting entries.
	StatusRaffleClosed ReleaseStatus = "RAFFLE_CLOSED"
	// StatusRestock marks renewed availability after a sell-out.
	StatusRestock ReleaseStatus = "RESTOCK"
	// StatusSoldOut marks exhausted availability.
	StatusSoldOut ReleaseStatus = "SOLD_OUT"
	// StatusDelayed marks a postponed release date.
	StatusDelayed ReleaseStatus = "DELAYED"
	// StatusUnknown marks releases whose state could not be inferred.
	StatusUnknown ReleaseStatus = "UNKNOWN"
)

// SizeCount reports total and available inventory for one size label.
type SizeCount struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

// RawRelease is the transient output of parsing one target payload.
// It is never persisted.
type RawRelease struct {
	Source           string               `json:"source"`
	SourceID         string               `json:"source_id"`
	Title            string               `json:"title"`
	Brand            string               `json:"brand,omitempty"`
	SKU              string               `json:"sku,omitempty"`
	Price            *decimal.Decimal     `json:"price,omitempty"`
	Currency         string               `json:"currency,omitempty"`
	ReleaseDate      *time.Time           `json:"release_date,omitempty"`
	StatusRaw        string               `json:"status_raw,omitempty"`
	URL              string               `json:"url,omitempty"`
	ImageURL         string               `json:"image_url,omitempty"`
	Region           string               `json:"region,omitempty"`
	SizeAvailability map[string]SizeCount `json:"size_availability,omitempty"`
}

// CanonicalRelease is the deduplicated release entity.
type CanonicalRelease struct {
	ReleaseID   string               `json:"release_id"`
	SKU         string               `json:"sku,omitempty"`
	Brand       string               `json:"brand,omitempty"`
	Name        string               `json:"name"`
	Status      ReleaseStatus        `json:"status"`
	Price       *decimal.Decimal     `json:"price,omitempty"`
	Currency    string               `json:"currency,omitempty"`
	ReleaseDate *time.Time           `json:"release_date,omitempty"`
	Region      string               `json:"region,omitempty"`
	URL         string               `json:"url,omitempty"`
	ImageURL    string               `json:"image_url,omitempty"`
	Source      string               `json:"source"`
	FirstSeenAt time.Time            `json:"first_seen_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Stock       map[string]SizeCount `json:"stock_summary,omitempty"`
	PayloadHash string               `json:"payload_hash"`
}

// Clone returns a deep copy of the release.
func (r CanonicalRelease) Clone() CanonicalRelease {
	out := r
	if r.Price != nil {
		price := *r.Price
		out.Price = &price
	}
	if r.ReleaseDate != nil {
		date := *r.ReleaseDate
		out.ReleaseDate = &date
	}
	if len(r.Stock) > 0 {
		out.Stock = make(map[string]SizeCount, len(r.Stock))
		for k, v := range r.Stock {
			out.Stock[k] = v
		}
	}
	return out
}

// StockSnapshot is an append-only sample of size availability for a release.
type StockSnapshot struct {
	ReleaseID  string               `json:"release_id"`
	ObservedAt time.Time            `json:"observed_at"`
	Sizes      map[string]SizeCount `json:"sizes"`
}

// StockEqual reports whether two availability maps are semantically equal.
func StockEqual(a, b map[string]SizeCount) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}

// NormalizeSKU uppercases the SKU and strips internal whitespace.
func NormalizeSKU(sku string) string {
	var b strings.Builder
	b.Grow(len(sku))
	for _, r := range sku {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Slug lowercases the title, collapses whitespace runs to single hyphens,
// and strips punctuation.
func Slug(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	pendingHyphen := false
	for _, r := range strings.TrimSpace(title) {
		switch {
		case unicode.IsSpace(r):
			pendingHyphen = b.Len() > 0
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingHyphen {
				b.WriteByte('-')
				pendingHyphen = false
			}
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// ReleaseID derives the stable identifier for a raw release observed at a
// source. SKU-bearing records key on the normalized SKU; the rest key on the
// title slug. The identifier is immutable across updates.
func ReleaseID(raw RawRelease, source string) string {
	if sku := NormalizeSKU(raw.SKU); sku != "" {
		return hashIdentity("sku::" + sku + "::" + source)
	}
	return hashIdentity("name::" + Slug(raw.Title) + "::" + source)
}

// PayloadHash fingerprints the normalized content fields of a raw release.
// Two raw records with the same semantic content produce the same hash.
func PayloadHash(raw RawRelease) string {
	fields := map[string]any{
		"title": strings.TrimSpace(raw.Title),
	}
	if sku := NormalizeSKU(raw.SKU); sku != "" {
		fields["sku"] = sku
	}
	if brand := strings.ToLower(strings.TrimSpace(raw.Brand)); brand != "" {
		fields["brand"] = brand
	}
	if raw.Price != nil {
		fields["price"] = raw.Price.String()
	}
	if cur := strings.ToUpper(strings.TrimSpace(raw.Currency)); cur != "" {
		fields["currency"] = cur
	}
	if raw.ReleaseDate != nil {
		fields["release_date"] = raw.ReleaseDate.UTC().Format(time.RFC3339)
	}
	if status := strings.TrimSpace(raw.StatusRaw); status != "" {
		fields["status"] = strings.ToUpper(status)
	}
	if raw.URL != "" {
		fields["url"] = raw.URL
	}
	if raw.Region != "" {
		fields["region"] = strings.ToUpper(strings.TrimSpace(raw.Region))
	}
	if len(raw.SizeAvailability) > 0 {
		fields["sizes"] = raw.SizeAvailability
	}
	// goccy/go-json sorts map keys, so the encoding is deterministic.
	canonical, err := json.Marshal(fields)
	if err != nil {
		return hashIdentity(raw.Source + "::" + raw.SourceID + "::" + raw.Title)
	}
	return hashBytes(canonical)
}

func hashIdentity(s string) string {
	return hashBytes([]byte(s))
}

// hashBytes computes xxh3-128 of the given bytes and returns the lowercase
// hex encoding.
func hashBytes(data []byte) string {
	h128 := xxh3.Hash128(data)
	var h [16]byte
	binary.LittleEndian.PutUint64(h[:8], h128.Lo)
	binary.LittleEndian.PutUint64(h[8:], h128.Hi)
	return hex.EncodeToString(h[:])
}

// ParseStatus maps a raw status string onto the canonical enumeration.
func ParseStatus(raw string) ReleaseStatus {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_")) {
	case "UPCOMING", "COMING_SOON", "ANNOUNCED":
		return StatusUpcoming
	case "LIVE", "AVAILABLE", "IN_STOCK", "ACTIVE":
		return StatusLive
	case "RAFFLE_OPEN", "RAFFLE", "DRAW_OPEN":
		return StatusRaffleOpen
	case "RAFFLE_CLOSED", "DRAW_CLOSED":
		return StatusRaffleClosed
	case "RESTOCK", "RESTOCKED":
		return StatusRestock
	case "SOLD_OUT", "OUT_OF_STOCK", "SOLDOUT":
		return StatusSoldOut
	case "DELAYED", "POSTPONED":
		return StatusDelayed
	default:
		return StatusUnknown
	}
}
