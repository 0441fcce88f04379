// Package canonical folds raw releases into canonical release rows.
package canonical

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/dropwire/dropwire/errs"
	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
)

// Store is the slice of the storage gateway the canonicalizer writes through.
// UpsertCanonical runs apply under a row-scoped lock for the release and
// returns the pre-image (nil on insert) and the stored post-image. Contention
// surfaces as errs.CodeConflict.
type Store interface {
	UpsertCanonical(ctx context.Context, releaseID string, apply func(existing *schema.CanonicalRelease) (schema.CanonicalRelease, error)) (pre *schema.CanonicalRelease, post schema.CanonicalRelease, err error)
	AppendStockSnapshot(ctx context.Context, snapshot schema.StockSnapshot) error
	AppendQuarantine(ctx context.Context, record schema.QuarantineRecord) error
}

// Result carries the images handed to the change detector. Quarantined is
// set when the record was diverted and no canonical row was touched.
type Result struct {
	Pre         *schema.CanonicalRelease
	Post        schema.CanonicalRelease
	Quarantined bool
}

const (
	maxUpsertAttempts    = 5
	contentionBaseDelay  = 25 * time.Millisecond
	contentionDelayLimit = 2 * time.Second
)

// Canonicalizer assigns stable release identifiers and merges observations
// into canonical rows.
type Canonicalizer struct {
	store Store
	now   func() time.Time
}

// NewCanonicalizer constructs a canonicalizer over the given store.
func NewCanonicalizer(store Store) *Canonicalizer {
	c := new(Canonicalizer)
	c.store = store
	c.now = time.Now
	return c
}

// Canonicalize folds one raw release observed at target into its canonical
// row and returns the pre and post images. Nike and Jordan records without a
// SKU are quarantined instead.
func (c *Canonicalizer) Canonicalize(ctx context.Context, raw schema.RawRelease, target schema.Target) (Result, error) {
	if reason, quarantine := quarantineReason(raw); quarantine {
		return c.divert(ctx, raw, target, reason)
	}

	releaseID := schema.ReleaseID(raw, target.Source)
	payloadHash := schema.PayloadHash(raw)
	now := c.now().UTC()

	pre, post, err := c.upsertWithRetry(ctx, releaseID, func(existing *schema.CanonicalRelease) (schema.CanonicalRelease, error) {
		if existing == nil {
			fresh := newRow(raw, target, releaseID, payloadHash, now)
			return fresh, nil
		}
		merged := existing.Clone()
		merged.UpdatedAt = now
		if existing.PayloadHash != payloadHash {
			mergeFields(&merged, raw)
			merged.PayloadHash = payloadHash
		}
		return merged, nil
	})
	if err != nil {
		return Result{}, err
	}

	if err := c.maybeSnapshotStock(ctx, pre, post, now); err != nil {
		return Result{}, err
	}
	return Result{Pre: pre, Post: post}, nil
}

func (c *Canonicalizer) upsertWithRetry(ctx context.Context, releaseID string, apply func(*schema.CanonicalRelease) (schema.CanonicalRelease, error)) (*schema.CanonicalRelease, schema.CanonicalRelease, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = contentionBaseDelay
	backoffCfg.MaxInterval = contentionDelayLimit

	var lastErr error
	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		pre, post, err := c.store.UpsertCanonical(ctx, releaseID, apply)
		if err == nil {
			return pre, post, nil
		}
		if !isContention(err) {
			return nil, schema.CanonicalRelease{}, err
		}
		lastErr = err
		if attempt == maxUpsertAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = contentionDelayLimit
		}
		select {
		case <-ctx.Done():
			return nil, schema.CanonicalRelease{}, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, schema.CanonicalRelease{}, errs.New("canonical", errs.CodeConflict,
		errs.WithMessage("persistent row contention"),
		errs.WithField("release_id", releaseID),
		errs.WithCanonicalCode(errs.CanonicalStorageContention),
		errs.WithCause(lastErr))
}

// maybeSnapshotStock appends an availability sample only when the observed
// stock differs from the previous image. Unchanged samples are elided.
func (c *Canonicalizer) maybeSnapshotStock(ctx context.Context, pre *schema.CanonicalRelease, post schema.CanonicalRelease, now time.Time) error {
	if len(post.Stock) == 0 {
		return nil
	}
	if pre != nil && schema.StockEqual(pre.Stock, post.Stock) {
		return nil
	}
	return c.store.AppendStockSnapshot(ctx, schema.StockSnapshot{
		ReleaseID:  post.ReleaseID,
		ObservedAt: now,
		Sizes:      post.Stock,
	})
}

func (c *Canonicalizer) divert(ctx context.Context, raw schema.RawRelease, target schema.Target, reason string) (Result, error) {
	record := schema.QuarantineRecord{
		QuarantineID:  uuid.NewString(),
		TargetID:      target.TargetID,
		Source:        target.Source,
		Reason:        reason,
		Raw:           raw,
		QuarantinedAt: c.now().UTC(),
	}
	if err := c.store.AppendQuarantine(ctx, record); err != nil {
		return Result{}, err
	}
	observability.Telemetry().IncCounter("dropwire_quarantine_total", 1, map[string]string{
		"source": target.Source,
		"reason": reason,
	})
	observability.Log().Warn("record quarantined",
		observability.F("source", target.Source),
		observability.F("reason", reason),
		observability.F("title", raw.Title))
	return Result{Quarantined: true}, nil
}

func quarantineReason(raw schema.RawRelease) (string, bool) {
	if strings.TrimSpace(raw.Title) == "" && schema.NormalizeSKU(raw.SKU) == "" {
		return schema.QuarantineStructurallyInvalid, true
	}
	brand := strings.ToLower(strings.TrimSpace(raw.Brand))
	if (brand == "nike" || brand == "jordan") && schema.NormalizeSKU(raw.SKU) == "" {
		return schema.QuarantineMissingSKUNikeJordan, true
	}
	return "", false
}

func newRow(raw schema.RawRelease, target schema.Target, releaseID, payloadHash string, now time.Time) schema.CanonicalRelease {
	row := schema.CanonicalRelease{
		ReleaseID:   releaseID,
		SKU:         schema.NormalizeSKU(raw.SKU),
		Brand:       strings.ToLower(strings.TrimSpace(raw.Brand)),
		Name:        strings.TrimSpace(raw.Title),
		Status:      schema.ParseStatus(raw.StatusRaw),
		Currency:    strings.ToUpper(strings.TrimSpace(raw.Currency)),
		Region:      strings.ToUpper(strings.TrimSpace(raw.Region)),
		URL:         raw.URL,
		ImageURL:    raw.ImageURL,
		Source:      target.Source,
		FirstSeenAt: now,
		UpdatedAt:   now,
		PayloadHash: payloadHash,
	}
	if raw.Price != nil {
		price := *raw.Price
		row.Price = &price
	}
	if raw.ReleaseDate != nil {
		date := raw.ReleaseDate.UTC()
		row.ReleaseDate = &date
	}
	if len(raw.SizeAvailability) > 0 {
		row.Stock = make(map[string]schema.SizeCount, len(raw.SizeAvailability))
		for k, v := range raw.SizeAvailability {
			row.Stock[k] = v
		}
	}
	return row
}

// mergeFields applies the field-merge policy: non-null incoming fields
// overwrite, null incoming fields leave the stored value alone. ReleaseID,
// Source and FirstSeenAt never change.
func mergeFields(row *schema.CanonicalRelease, raw schema.RawRelease) {
	if sku := schema.NormalizeSKU(raw.SKU); sku != "" {
		row.SKU = sku
	}
	if brand := strings.ToLower(strings.TrimSpace(raw.Brand)); brand != "" {
		row.Brand = brand
	}
	if title := strings.TrimSpace(raw.Title); title != "" {
		row.Name = title
	}
	if status := schema.ParseStatus(raw.StatusRaw); status != schema.StatusUnknown {
		row.Status = status
	}
	if raw.Price != nil {
		price := *raw.Price
		row.Price = &price
	}
	if cur := strings.ToUpper(strings.TrimSpace(raw.Currency)); cur != "" {
		row.Currency = cur
	}
	if region := strings.ToUpper(strings.TrimSpace(raw.Region)); region != "" {
		row.Region = region
	}
	if raw.ReleaseDate != nil {
		date := raw.ReleaseDate.UTC()
		row.ReleaseDate = &date
	}
	if raw.URL != "" {
		row.URL = raw.URL
	}
	if raw.ImageURL != "" {
		row.ImageURL = raw.ImageURL
	}
	if len(raw.SizeAvailability) > 0 {
		stock := make(map[string]schema.SizeCount, len(raw.SizeAvailability))
		for k, v := range raw.SizeAvailability {
			stock[k] = v
		}
		row.Stock = stock
	}
}

func isContention(err error) bool {
	var e *errs.E
	if errors.As(err, &e) {
		return e.Code == errs.CodeConflict
	}
	return false
}
