// Package detect derives release events from canonical image pairs.
package detect

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dropwire/dropwire/internal/schema"
)

// Detect compares the pre and post images of one canonicalized record and
// produces at most one event. ingestionStarted is the batch timestamp used
// for the latency measurement.
//
// Rules:
//   - no event when the payload hash is unchanged
//   - no event for a first observation whose status is UNKNOWN
//   - created for any other first observation
//   - status_change when the status flips
//   - price_change when the status holds but the price moves
//   - a combined flip and move emits a single event with all four fields
func Detect(pre *schema.CanonicalRelease, post schema.CanonicalRelease, ingestionStarted, detectedAt time.Time) *schema.ReleaseEvent {
	if pre != nil && pre.PayloadHash == post.PayloadHash {
		return nil
	}
	if pre == nil && post.Status == schema.StatusUnknown {
		return nil
	}

	event := &schema.ReleaseEvent{
		EventID:          uuid.NewString(),
		ReleaseID:        post.ReleaseID,
		Source:           post.Source,
		DetectedAt:       detectedAt,
		IngestionStarted: ingestionStarted,
		LatencyMS:        detectedAt.Sub(ingestionStarted).Milliseconds(),
	}

	if pre == nil {
		event.Kind = schema.EventCreated
		event.StatusTo = post.Status
		event.PriceTo = post.Price
		return event
	}

	statusChanged := pre.Status != post.Status
	priceChanged := priceMoved(pre.Price, post.Price)

	switch {
	case statusChanged:
		event.Kind = schema.EventStatusChange
		event.StatusFrom = pre.Status
		event.StatusTo = post.Status
		if priceChanged {
			event.PriceFrom = pre.Price
			event.PriceTo = post.Price
		}
	case priceChanged:
		event.Kind = schema.EventPriceChange
		event.StatusFrom = post.Status
		event.StatusTo = post.Status
		event.PriceFrom = pre.Price
		event.PriceTo = post.Price
	default:
		// The payload hash moved on a field the event model does not
		// track. No subscriber-visible transition occurred.
		return nil
	}
	return event
}

// priceMoved reports a price change. At least one side must be non-nil for a
// change to count; nil-to-value and value-to-nil both move.
func priceMoved(pre, post *decimal.Decimal) bool {
	if pre == nil && post == nil {
		return false
	}
	if pre == nil || post == nil {
		return true
	}
	return !pre.Equal(*post)
}
