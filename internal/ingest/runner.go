// Package ingest chains fetch, parse, canonicalize, detect, match, score,
// and fanout for one target poll.
package ingest

import (
	"context"
	"time"

	"github.com/dropwire/dropwire/internal/canonical"
	"github.com/dropwire/dropwire/internal/detect"
	"github.com/dropwire/dropwire/internal/fanout"
	"github.com/dropwire/dropwire/internal/fetch"
	"github.com/dropwire/dropwire/internal/match"
	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/parser"
	"github.com/dropwire/dropwire/internal/scheduler"
	"github.com/dropwire/dropwire/internal/schema"
	"github.com/dropwire/dropwire/internal/score"
)

// EventStore receives detected events before fanout; downstream delivery is
// at-least-once relative to this write. The read side feeds the aggregator
// feature of the scorer.
type EventStore interface {
	AppendEvent(ctx context.Context, event schema.ReleaseEvent) error
	EventsByRelease(ctx context.Context, releaseID string) ([]schema.ReleaseEvent, error)
}

// Runner is the per-target ingestion pipeline the scheduler dispatches to.
// A failing record never aborts the rest of its batch.
type Runner struct {
	fetcher *fetch.Fetcher
	parsers *parser.Registry
	canon   *canonical.Canonicalizer
	events  EventStore
	index   *match.Index
	scorer  *score.Scorer
	queue   *fanout.Queue
	bus     observability.TelemetryBus
	now     func() time.Time
}

// NewRunner wires the ingestion pipeline.
func NewRunner(fetcher *fetch.Fetcher, parsers *parser.Registry, canon *canonical.Canonicalizer, events EventStore, index *match.Index, scorer *score.Scorer, queue *fanout.Queue, bus observability.TelemetryBus) *Runner {
	r := new(Runner)
	r.fetcher = fetcher
	r.parsers = parsers
	r.canon = canon
	r.events = events
	r.index = index
	r.scorer = scorer
	r.queue = queue
	r.bus = bus
	r.now = time.Now
	return r
}

// RunTarget implements scheduler.Pipeline.
func (r *Runner) RunTarget(ctx context.Context, target schema.Target, proxyURL string) scheduler.Outcome {
	ingestionStarted := r.now().UTC()

	result := r.fetcher.Fetch(ctx, target, fetch.AttemptContext{ProxyURL: proxyURL})
	if result.Kind != fetch.OutcomeOK {
		return scheduler.Outcome{
			Kind:       result.Kind,
			RetryAfter: result.RetryAfter,
			Reason:     result.Reason,
		}
	}

	raws, err := r.parsers.Parse(target.ParserKey, target.Source, result.Body)
	if err != nil {
		r.reportParseFailure(ctx, target, err)
		// The fetch itself succeeded; back the poll off instead of
		// opening the breaker on a payload-shape regression.
		return scheduler.Outcome{Kind: fetch.OutcomeTransient, Reason: "parse failure"}
	}

	for _, raw := range raws {
		r.processRecord(ctx, target, raw, ingestionStarted)
	}
	observability.Telemetry().IncCounter("dropwire_ingest_records_total", float64(len(raws)), map[string]string{
		"target": target.TargetID,
	})
	return scheduler.Outcome{Kind: fetch.OutcomeOK}
}

func (r *Runner) processRecord(ctx context.Context, target schema.Target, raw schema.RawRelease, ingestionStarted time.Time) {
	res, err := r.canon.Canonicalize(ctx, raw, target)
	if err != nil {
		observability.Log().Error("canonicalize failed",
			observability.F("target", target.TargetID),
			observability.F("title", raw.Title),
			observability.F("error", err.Error()))
		return
	}
	if res.Quarantined {
		if r.bus != nil {
			_ = r.bus.Publish(ctx, observability.TelemetryEvent{
				Type:      observability.TelemetryEventRecordQuarantined,
				Severity:  observability.TelemetrySeverityWarn,
				Timestamp: r.now(),
				TargetID:  target.TargetID,
			})
		}
		return
	}

	detectedAt := r.now().UTC()
	event := detect.Detect(res.Pre, res.Post, ingestionStarted, detectedAt)
	if event == nil {
		return
	}

	r.scorer.Observe(*event)
	event.AggregatorHits = r.recentObservations(ctx, res.Post.ReleaseID, detectedAt)
	event.RestockLikelihood = r.scorer.RestockLikelihood(res.Post.ReleaseID, detectedAt)
	event.PriorityScore = r.scorer.Score(*event, res.Post)
	event.IngestionCompleted = r.now().UTC()

	if err := r.events.AppendEvent(ctx, *event); err != nil {
		observability.Log().Error("append event failed",
			observability.F("release", event.ReleaseID),
			observability.F("error", err.Error()))
		return
	}
	observability.Telemetry().IncCounter("dropwire_events_total", 1, map[string]string{
		"kind":   string(event.Kind),
		"source": event.Source,
	})

	matches := r.index.Match(res.Post)
	if len(matches) == 0 {
		return
	}
	if err := r.queue.Dispatch(ctx, *event, res.Post, matches); err != nil {
		observability.Log().Error("fanout dispatch failed",
			observability.F("event", event.EventID),
			observability.F("error", err.Error()))
	}
}

// recentObservations counts how many events the release produced across all
// targets in the last day. Releases echoed by many feeds score higher.
func (r *Runner) recentObservations(ctx context.Context, releaseID string, now time.Time) int {
	history, err := r.events.EventsByRelease(ctx, releaseID)
	if err != nil {
		observability.Log().Warn("event history lookup failed",
			observability.F("release", releaseID),
			observability.F("error", err.Error()))
		return 0
	}
	cutoff := now.Add(-24 * time.Hour)
	hits := 0
	for _, past := range history {
		if past.DetectedAt.After(cutoff) {
			hits++
		}
	}
	return hits
}

func (r *Runner) reportParseFailure(ctx context.Context, target schema.Target, err error) {
	observability.Log().Warn("parse failed",
		observability.F("target", target.TargetID),
		observability.F("parser", target.ParserKey),
		observability.F("error", err.Error()))
	observability.Telemetry().IncCounter("dropwire_parse_failures_total", 1, map[string]string{
		"target": target.TargetID,
		"parser": target.ParserKey,
	})
	if r.bus != nil {
		_ = r.bus.Publish(ctx, observability.TelemetryEvent{
			Type:      observability.TelemetryEventParseFailed,
			Severity:  observability.TelemetrySeverityWarn,
			Timestamp: r.now(),
			TargetID:  target.TargetID,
		})
	}
}

var _ scheduler.Pipeline = (*Runner)(nil)
