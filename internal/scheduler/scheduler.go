// Package scheduler decides which targets to poll and when. The decision
// loop is single-threaded; fetch work runs on a bounded pool.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/dropwire/dropwire/internal/fetch"
	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
	"github.com/dropwire/dropwire/lib/async"
)

const (
	defaultPoolID      = "default"
	tickInterval       = time.Second
	jitterFraction     = 0.2
	backoffBase        = time.Minute
	backoffCap         = 30 * time.Minute
	quarantineDuration = time.Hour
	fallbackCadence    = 45 * time.Second
)

// Outcome summarizes one pipeline run for scheduling purposes.
type Outcome struct {
	Kind       fetch.OutcomeKind
	RetryAfter time.Duration
	Reason     string
}

// Pipeline runs the fetch→parse→canonicalize→fanout chain for one target.
type Pipeline interface {
	RunTarget(ctx context.Context, target schema.Target, proxyURL string) Outcome
}

// Health exposes the breaker position the scheduler gates on.
type Health interface {
	State(targetID string) schema.BreakerState
}

type entry struct {
	target           schema.Target
	poolID           string
	nextDueAt        time.Time
	failureStreak    int
	quarantinedUntil time.Time
	inFlight         bool
	probing          bool
}

type completion struct {
	targetID string
	outcome  Outcome
	probe    bool
}

// Scheduler owns per-pool ready queues and the dispatch policy. All state
// mutation happens on the Run goroutine; workers report back on a channel.
type Scheduler struct {
	pipeline Pipeline
	health   Health
	pool     *async.Pool
	bus      observability.TelemetryBus

	maxParallelPerPool int
	defaultCadence     time.Duration
	entries            map[string]*entry
	inFlightPerPool    map[string]int
	proxyCursor        map[string]int
	proxies            map[string][]string
	probeInFlight      bool

	results chan completion
	now     func() time.Time
	rng     func() float64
}

// New constructs a scheduler over the given catalog targets. proxies maps
// pool id to its proxy URLs. defaultCadence is the poll interval for targets
// whose catalog entry omits an explicit cadence.
func New(pipeline Pipeline, health Health, pool *async.Pool, bus observability.TelemetryBus, targets []schema.Target, proxies map[string][]string, maxParallelPerPool int, defaultCadence time.Duration) *Scheduler {
	if maxParallelPerPool <= 0 {
		maxParallelPerPool = 6
	}
	if defaultCadence <= 0 {
		defaultCadence = fallbackCadence
	}
	s := new(Scheduler)
	s.pipeline = pipeline
	s.health = health
	s.pool = pool
	s.bus = bus
	s.maxParallelPerPool = maxParallelPerPool
	s.defaultCadence = defaultCadence
	s.entries = make(map[string]*entry, len(targets))
	s.inFlightPerPool = make(map[string]int)
	s.proxyCursor = make(map[string]int)
	s.proxies = proxies
	s.results = make(chan completion, len(targets)+1)
	s.now = time.Now
	s.rng = rand.Float64

	start := s.now()
	for _, target := range targets {
		poolID := strings.TrimSpace(target.ProxyPoolID)
		if poolID == "" {
			poolID = defaultPoolID
		}
		s.entries[target.TargetID] = &entry{target: target, poolID: poolID, nextDueAt: start}
	}
	return s
}

// Run executes the decision loop until the context ends. In-flight fetches
// are aborted by context propagation; completions received after
// cancellation are drained without rescheduling.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case done := <-s.results:
			s.complete(done)
			s.dispatch(ctx)
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// NextDueAt reports the scheduled time for one target.
func (s *Scheduler) NextDueAt(targetID string) (time.Time, bool) {
	e, ok := s.entries[targetID]
	if !ok {
		return time.Time{}, false
	}
	return e.nextDueAt, true
}

// Quarantined reports whether a target sits in the permanent-failure
// quarantine window.
func (s *Scheduler) Quarantined(targetID string) bool {
	e, ok := s.entries[targetID]
	return ok && s.now().Before(e.quarantinedUntil)
}

func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.now()
	byPool := make(map[string][]*entry)
	for _, e := range s.entries {
		if e.inFlight || now.Before(e.nextDueAt) || now.Before(e.quarantinedUntil) {
			continue
		}
		switch s.health.State(e.target.TargetID) {
		case schema.BreakerOpen:
			continue
		case schema.BreakerHalfOpen:
			if s.probeInFlight {
				continue
			}
		}
		byPool[e.poolID] = append(byPool[e.poolID], e)
	}

	for poolID, ready := range byPool {
		sortReady(ready)
		budget := s.maxParallelPerPool - s.inFlightPerPool[poolID]
		for _, e := range ready {
			if budget <= 0 {
				break
			}
			probe := s.health.State(e.target.TargetID) == schema.BreakerHalfOpen
			if probe && s.probeInFlight {
				continue
			}
			if !s.launch(ctx, e, probe) {
				continue
			}
			budget--
		}
	}
}

func (s *Scheduler) launch(ctx context.Context, e *entry, probe bool) bool {
	target := e.target
	proxyURL := s.nextProxy(e.poolID)
	err := s.pool.Submit(ctx, func(taskCtx context.Context) error {
		outcome := s.pipeline.RunTarget(taskCtx, target, proxyURL)
		select {
		case s.results <- completion{targetID: target.TargetID, outcome: outcome, probe: probe}:
		case <-taskCtx.Done():
		}
		return nil
	})
	if err != nil {
		// Pool saturation; the target stays ready for the next tick.
		return false
	}
	e.inFlight = true
	e.probing = probe
	s.inFlightPerPool[e.poolID]++
	if probe {
		s.probeInFlight = true
	}
	observability.Telemetry().IncCounter("dropwire_scheduler_dispatches_total", 1, map[string]string{
		"target": target.TargetID,
		"pool":   e.poolID,
	})
	observability.Telemetry().SetGauge("dropwire_fetch_pool_depth", float64(s.pool.Depth()), nil)
	return true
}

func (s *Scheduler) complete(done completion) {
	e, ok := s.entries[done.targetID]
	if !ok {
		return
	}
	e.inFlight = false
	s.inFlightPerPool[e.poolID]--
	if e.probing {
		e.probing = false
		s.probeInFlight = false
	}

	now := s.now()
	switch done.outcome.Kind {
	case fetch.OutcomeOK:
		e.failureStreak = 0
		e.nextDueAt = now.Add(s.jitter(s.cadence(e.target)))
	case fetch.OutcomeTransient, fetch.OutcomeRateLimited:
		e.failureStreak++
		wait := expBackoff(e.failureStreak)
		if done.outcome.Kind == fetch.OutcomeRateLimited && done.outcome.RetryAfter > wait {
			wait = done.outcome.RetryAfter
		}
		e.nextDueAt = now.Add(wait)
	case fetch.OutcomePermanent:
		e.failureStreak = 0
		e.quarantinedUntil = now.Add(quarantineDuration)
		e.nextDueAt = e.quarantinedUntil
		observability.Log().Warn("target quarantined",
			observability.F("target", e.target.TargetID),
			observability.F("reason", done.outcome.Reason))
		if s.bus != nil {
			_ = s.bus.Publish(context.Background(), observability.TelemetryEvent{
				Type:      observability.TelemetryEventTargetQuarantined,
				Severity:  observability.TelemetrySeverityWarn,
				Timestamp: now,
				TargetID:  e.target.TargetID,
			})
		}
	}
}

// cadence resolves the poll interval for a target, falling back to the
// configured default when the catalog omits one.
func (s *Scheduler) cadence(target schema.Target) time.Duration {
	if target.ExpectedCadence > 0 {
		return target.ExpectedCadence
	}
	return s.defaultCadence
}

// jitter spreads the cadence by ±20% to decorrelate targets sharing a pool.
func (s *Scheduler) jitter(cadence time.Duration) time.Duration {
	spread := 1 + jitterFraction*(2*s.rng()-1)
	return time.Duration(float64(cadence) * spread)
}

func (s *Scheduler) nextProxy(poolID string) string {
	proxies := s.proxies[poolID]
	if len(proxies) == 0 {
		return ""
	}
	idx := s.proxyCursor[poolID]
	s.proxyCursor[poolID] = idx + 1
	return proxies[idx%len(proxies)]
}

func expBackoff(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	wait := backoffBase
	for i := 1; i < streak; i++ {
		wait *= 2
		if wait >= backoffCap {
			return backoffCap
		}
	}
	if wait > backoffCap {
		wait = backoffCap
	}
	return wait
}

// sortReady orders candidates by priority, then by how long they have been
// due.
func sortReady(ready []*entry) {
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].target.Priority != ready[j].target.Priority {
			return ready[i].target.Priority > ready[j].target.Priority
		}
		return ready[i].nextDueAt.Before(ready[j].nextDueAt)
	})
}
