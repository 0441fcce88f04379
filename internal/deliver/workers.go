package deliver

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
)

const (
	maxAttempts        = 6
	retryBackoffBase   = 10 * time.Second
	retryBackoffCap    = time.Hour
	defaultLease       = 2 * time.Minute
	defaultPollEvery   = 500 * time.Millisecond
	reclaimSweepPeriod = 30 * time.Second

	// channelSendRate caps outbound sends per channel kind so a burst of
	// events cannot hammer a single mailer or webhook host.
	channelSendRate  = rate.Limit(8)
	channelSendBurst = 16
)

// Gateway is the slice of the storage gateway the delivery workers drive.
type Gateway interface {
	LeaseTask(ctx context.Context, kind schema.ChannelKind, owner string, now time.Time, lease time.Duration) (*schema.DeliveryTask, error)
	CompleteTask(ctx context.Context, taskID string, at time.Time) error
	RescheduleTask(ctx context.Context, taskID string, attempts int, nextAttempt time.Time) error
	DeadLetterTask(ctx context.Context, taskID, reason string, at time.Time) error
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)
	IncrementRate(ctx context.Context, userID string, bucket int64) error
}

// RateRecorder receives successful-delivery notifications; the fanout queue
// implements it so the in-memory hourly counters stay current.
type RateRecorder interface {
	RecordDelivered(userID string, deliveredAt time.Time)
}

// Workers runs per-channel delivery pools over leased tasks.
type Workers struct {
	store      Gateway
	transports map[schema.ChannelKind]Transport
	rates      RateRecorder
	bus        observability.TelemetryBus
	limits     map[schema.ChannelKind]*rate.Limiter

	lease      time.Duration
	pollEvery  time.Duration
	perChannel int
	now        func() time.Time
}

// NewWorkers constructs delivery pools. perChannel workers run for each
// channel kind that has a transport.
func NewWorkers(store Gateway, transports map[schema.ChannelKind]Transport, rates RateRecorder, bus observability.TelemetryBus, lease time.Duration, perChannel int) *Workers {
	if lease <= 0 {
		lease = defaultLease
	}
	if perChannel <= 0 {
		perChannel = 2
	}
	w := new(Workers)
	w.store = store
	w.transports = transports
	w.rates = rates
	w.bus = bus
	w.lease = lease
	w.pollEvery = defaultPollEvery
	w.perChannel = perChannel
	w.now = time.Now
	w.limits = make(map[schema.ChannelKind]*rate.Limiter, len(transports))
	for kind := range transports {
		w.limits[kind] = rate.NewLimiter(channelSendRate, channelSendBurst)
	}
	return w
}

// Run drives the worker pools and the lease-reclaim sweep until the context
// ends. Workers finish their current leased task before exiting.
func (w *Workers) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for kind := range w.transports {
		for i := 0; i < w.perChannel; i++ {
			kind := kind
			owner := fmt.Sprintf("%s-%d", kind, i)
			wg.Go(func() { w.workerLoop(ctx, kind, owner) })
		}
	}
	wg.Go(func() { w.reclaimLoop(ctx) })
	wg.Wait()
}

func (w *Workers) workerLoop(ctx context.Context, kind schema.ChannelKind, owner string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		task, err := w.store.LeaseTask(ctx, kind, owner, w.now(), w.lease)
		if err != nil {
			observability.Log().Error("lease failed",
				observability.F("channel", string(kind)),
				observability.F("error", err.Error()))
			w.idle(ctx)
			continue
		}
		if task == nil {
			w.idle(ctx)
			continue
		}
		// The leased task is finished even when the root context ends
		// mid-send; storage writes use a detached context.
		w.process(ctx, kind, *task)
	}
}

func (w *Workers) process(ctx context.Context, kind schema.ChannelKind, task schema.DeliveryTask) {
	// The throttle wait uses a detached context so a leased task is sent
	// even when shutdown begins mid-wait.
	if limiter := w.limits[kind]; limiter != nil {
		_ = limiter.Wait(context.WithoutCancel(ctx))
	}
	transport := w.transports[kind]
	result := transport.Send(ctx, task)
	writeCtx := context.WithoutCancel(ctx)
	now := w.now()

	switch {
	case result.OK:
		if err := w.store.CompleteTask(writeCtx, task.TaskID, now); err != nil {
			observability.Log().Error("complete task failed",
				observability.F("task", task.TaskID),
				observability.F("error", err.Error()))
			return
		}
		if w.rates != nil {
			w.rates.RecordDelivered(task.UserID, now)
		}
		if err := w.store.IncrementRate(writeCtx, task.UserID, schema.HourBucket(now)); err != nil {
			observability.Log().Error("persist rate failed",
				observability.F("user", task.UserID),
				observability.F("error", err.Error()))
		}
		observability.Telemetry().IncCounter("dropwire_deliveries_total", 1, map[string]string{
			"channel": string(kind),
			"result":  "sent",
		})
	case result.Permanent:
		w.deadLetter(writeCtx, kind, task, result.Reason, now)
	default:
		attempts := task.Attempts + 1
		if attempts >= maxAttempts {
			w.deadLetter(writeCtx, kind, task, schema.DeadLetterMaxAttempts, now)
			return
		}
		wait := retryBackoff(attempts)
		if result.RetryAfter > wait {
			wait = result.RetryAfter
		}
		if err := w.store.RescheduleTask(writeCtx, task.TaskID, attempts, now.Add(wait)); err != nil {
			observability.Log().Error("reschedule failed",
				observability.F("task", task.TaskID),
				observability.F("error", err.Error()))
		}
		observability.Telemetry().IncCounter("dropwire_deliveries_total", 1, map[string]string{
			"channel": string(kind),
			"result":  "retry",
		})
	}
}

func (w *Workers) deadLetter(ctx context.Context, kind schema.ChannelKind, task schema.DeliveryTask, reason string, now time.Time) {
	if err := w.store.DeadLetterTask(ctx, task.TaskID, reason, now); err != nil {
		observability.Log().Error("dead letter failed",
			observability.F("task", task.TaskID),
			observability.F("error", err.Error()))
		return
	}
	observability.Telemetry().IncCounter("dropwire_deliveries_total", 1, map[string]string{
		"channel": string(kind),
		"result":  "dead_lettered",
	})
	if w.bus != nil {
		_ = w.bus.Publish(ctx, observability.TelemetryEvent{
			Type:      observability.TelemetryEventDeliveryDeadLettered,
			Severity:  observability.TelemetrySeverityWarn,
			Timestamp: now,
			UserID:    task.UserID,
		})
	}
}

func (w *Workers) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.ReclaimExpiredLeases(ctx, w.now())
			if err != nil {
				observability.Log().Error("lease reclaim failed", observability.F("error", err.Error()))
				continue
			}
			if n == 0 {
				continue
			}
			observability.Log().Warn("expired leases reclaimed", observability.F("count", n))
			observability.Telemetry().IncCounter("dropwire_lease_expirations_total", float64(n), nil)
			if w.bus != nil {
				_ = w.bus.Publish(ctx, observability.TelemetryEvent{
					Type:      observability.TelemetryEventLeaseExpired,
					Severity:  observability.TelemetrySeverityWarn,
					Timestamp: w.now(),
				})
			}
		}
	}
}

func (w *Workers) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollEvery):
	}
}

func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	wait := retryBackoffBase
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return wait
}
