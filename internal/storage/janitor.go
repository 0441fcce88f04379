package storage

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
)

// quarantineRetention is how long diverted raw payloads are kept for triage.
const quarantineRetention = 14 * 24 * time.Hour

// rateRetentionBuckets mirrors the in-memory rate counter's 48-hour window;
// the persisted rate_counters table follows the same horizon.
const rateRetentionBuckets = 48

// Janitor periodically purges expired quarantine rows and stale rate buckets.
type Janitor struct {
	store Gateway
	cron  *cron.Cron
	now   func() time.Time
}

// NewJanitor constructs a quarantine janitor over the gateway.
func NewJanitor(store Gateway) *Janitor {
	j := new(Janitor)
	j.store = store
	j.cron = cron.New()
	j.now = time.Now
	return j
}

// Start schedules the daily sweep.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@daily", j.sweep); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the sweep schedule.
func (j *Janitor) Stop() {
	j.cron.Stop()
}

func (j *Janitor) sweep() {
	now := j.now()
	purged, err := j.store.PurgeQuarantine(context.Background(), now.Add(-quarantineRetention))
	if err != nil {
		observability.Log().Error("quarantine purge failed", observability.F("error", err.Error()))
	} else if purged > 0 {
		observability.Log().Info("quarantine purged", observability.F("rows", purged))
		observability.Telemetry().IncCounter("dropwire_quarantine_purged_total", float64(purged), nil)
	}

	rates, err := j.store.PurgeRates(context.Background(), schema.HourBucket(now)-rateRetentionBuckets)
	if err != nil {
		observability.Log().Error("rate purge failed", observability.F("error", err.Error()))
	} else if rates > 0 {
		observability.Log().Info("rate buckets purged", observability.F("rows", rates))
		observability.Telemetry().IncCounter("dropwire_rate_buckets_purged_total", float64(rates), nil)
	}
}
