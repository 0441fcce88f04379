package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies a release event.
type EventKind string

const (
	// EventCreated marks the first observation of a release.
	EventCreated EventKind = "created"
	// EventStatusChange marks a status transition.
	EventStatusChange EventKind = "status_change"
	// EventPriceChange marks a price move with an unchanged status.
	EventPriceChange EventKind = "price_change"
)

// ReleaseEvent is an immutable record of a state change to a canonical
// release. Events on the same release are totally ordered by DetectedAt.
type ReleaseEvent struct {
	EventID            string           `json:"event_id"`
	Kind               EventKind        `json:"kind"`
	ReleaseID          string           `json:"release_id"`
	Source             string           `json:"source"`
	StatusFrom         ReleaseStatus    `json:"status_from,omitempty"`
	StatusTo           ReleaseStatus    `json:"status_to,omitempty"`
	PriceFrom          *decimal.Decimal `json:"price_from,omitempty"`
	PriceTo            *decimal.Decimal `json:"price_to,omitempty"`
	DetectedAt         time.Time        `json:"detected_at"`
	IngestionStarted   time.Time        `json:"ingestion_started"`
	IngestionCompleted time.Time        `json:"ingestion_completed"`
	LatencyMS          int64            `json:"latency_ms"`
	// AggregatorHits counts prior observations of the release across feeds
	// over the last day; the ingest pipeline fills it at score time.
	// SocialMentions is an external enrichment input and stays zero unless a
	// mention crawler supplies it.
	AggregatorHits    int     `json:"aggregator_hits"`
	SocialMentions    int     `json:"social_mentions,omitempty"`
	RestockLikelihood float64 `json:"restock_likelihood,omitempty"`
	PriorityScore     float64 `json:"priority_score"`
}

// QuarantineRecord retains a raw payload that could not be canonicalized.
type QuarantineRecord struct {
	QuarantineID  string     `json:"quarantine_id"`
	TargetID      string     `json:"target_id"`
	Source        string     `json:"source"`
	Reason        string     `json:"reason"`
	Raw           RawRelease `json:"raw"`
	QuarantinedAt time.Time  `json:"quarantined_at"`
}

// Quarantine reasons written by the canonicalization pipeline.
const (
	QuarantineMissingSKUNikeJordan = "missing_sku_nike_jordan"
	QuarantineStructurallyInvalid  = "structurally_invalid"
)
