// Command dropwire launches the release ingestion and fanout runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/dropwire/dropwire/config"
	"github.com/dropwire/dropwire/internal/appconfig"
	"github.com/dropwire/dropwire/internal/canonical"
	"github.com/dropwire/dropwire/internal/deliver"
	"github.com/dropwire/dropwire/internal/fanout"
	"github.com/dropwire/dropwire/internal/fetch"
	"github.com/dropwire/dropwire/internal/health"
	"github.com/dropwire/dropwire/internal/ingest"
	"github.com/dropwire/dropwire/internal/match"
	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/parser"
	"github.com/dropwire/dropwire/internal/scheduler"
	"github.com/dropwire/dropwire/internal/schema"
	"github.com/dropwire/dropwire/internal/score"
	"github.com/dropwire/dropwire/internal/storage"
	"github.com/dropwire/dropwire/lib/async"
	"github.com/dropwire/dropwire/lib/telemetry"
)

const (
	defaultCatalogPath       = "config/catalog.yaml"
	loggerPrefix             = "dropwire "
	workersPerChannel        = 2
	telemetryBusBuffer       = 64
	subscriptionRefresh      = time.Minute
	channelSendTimeout       = 15 * time.Second
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	catalogPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	cfg := config.FromEnv()

	catalog, err := appconfig.Load(catalogPath)
	if err != nil {
		logger.Fatalf("load catalog: %v", err)
	}
	logger.Printf("catalog loaded: targets=%d, proxyPools=%d", len(catalog.Targets), len(catalog.ProxyPools))

	shutdownTelemetry, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	store, err := openStore(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("open storage: %v", err)
	}

	bus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	opsDLQ := observability.NewDeadLetterQueue(telemetryBusBuffer * 4)
	bus.AttachDeadLetterQueue(opsDLQ)

	tracker := health.NewTracker(cfg.ScraperCBThreshold, cfg.ScraperCBCooldown, store, bus)
	if records, err := store.LoadHealth(ctx); err != nil {
		logger.Printf("restore scraper health: %v", err)
	} else {
		tracker.Restore(records)
	}

	parsers := parser.NewRegistry()
	if catalog.ScriptDir != "" {
		if err := parsers.LoadScripts(catalog.ScriptDir); err != nil {
			logger.Fatalf("load extractor scripts: %v", err)
		}
	}
	if err := parsers.Validate(catalog.Targets); err != nil {
		logger.Fatalf("validate catalog parsers: %v", err)
	}

	scorer, err := buildScorer(catalog.ScorerModelPath)
	if err != nil {
		logger.Fatalf("load scorer model: %v", err)
	}
	logger.Printf("scorer model: version=%s", scorer.ModelVersion())

	index := match.NewIndex()
	subs, err := store.ListSubscriptions(ctx)
	if err != nil {
		logger.Fatalf("load subscriptions: %v", err)
	}
	index.Load(subs)
	logger.Printf("subscriptions indexed: %d", index.Len())
	refresher := match.NewRefresher(store, index, subscriptionRefresh)

	rates := fanout.NewRateCounter()
	if err := seedRates(ctx, store, rates); err != nil {
		logger.Printf("restore rate counters: %v", err)
	}
	rates.StartSweeper(fanout.CurrentBucket)

	queue := fanout.NewQueue(store, index, rates, bus, cfg.DefaultMaxEventsPerHour)
	fetcher := fetch.NewFetcher(cfg.FetchTimeout, tracker)
	canon := canonical.NewCanonicalizer(store)
	runner := ingest.NewRunner(fetcher, parsers, canon, store, index, scorer, queue, bus)

	fetchPool, err := async.NewPool(cfg.MaxParallelPerPool*2, len(catalog.Targets)+16)
	if err != nil {
		logger.Fatalf("initialise fetch pool: %v", err)
	}

	sched := scheduler.New(runner, tracker, fetchPool, bus, catalog.Targets, catalog.ProxyPools, cfg.MaxParallelPerPool, cfg.VolatilePollInterval)

	transports, closeTransports := buildTransports(cfg)
	workers := deliver.NewWorkers(store, transports, queue, bus, cfg.DeliveryLease, workersPerChannel)

	janitor := storage.NewJanitor(store)
	if err := janitor.Start(); err != nil {
		logger.Fatalf("start quarantine janitor: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { sched.Run(ctx) })
	lifecycle.Go(func() { workers.Run(ctx) })
	lifecycle.Go(func() { tracker.Run(ctx) })
	lifecycle.Go(func() { refresher.Run(ctx) })
	lifecycle.Go(func() { runOpsSink(ctx, logger, bus) })

	logger.Print("dropwire started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		lifecycle:         &lifecycle,
		janitor:           janitor,
		rates:             rates,
		bus:               bus,
		opsDLQ:            opsDLQ,
		fetchPool:         fetchPool,
		closeTransports:   closeTransports,
		store:             store,
		shutdownTelemetry: shutdownTelemetry,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	path := flag.String("catalog", "", fmt.Sprintf("Path to the target catalog (default: %s)", defaultCatalogPath))
	flag.Parse()
	if *path != "" {
		return *path
	}
	return filepath.Clean(defaultCatalogPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (func(context.Context) error, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telemetryCfg.Environment = string(cfg.Environment)

	provider, shutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return nil, err
	}
	observability.SetMetrics(telemetry.NewBridge(provider))

	if telemetryCfg.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: service=%s", telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry export disabled; metrics stay in-process")
	}
	return shutdown, nil
}

// openStore selects the Postgres gateway when a database URL is configured
// and the in-memory gateway otherwise. The URL itself is never logged.
func openStore(ctx context.Context, logger *log.Logger, cfg config.Settings) (storage.Gateway, error) {
	if cfg.DatabaseURL == "" {
		logger.Print("storage: in-memory gateway (no database configured)")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Print("storage: postgres gateway connected")
	return store, nil
}

func buildScorer(modelPath string) (*score.Scorer, error) {
	if modelPath == "" {
		return score.NewScorer(score.DefaultModel()), nil
	}
	model, err := score.LoadModel(modelPath)
	if err != nil {
		return nil, err
	}
	return score.NewScorer(model), nil
}

// seedRates restores the current and previous hour buckets so per-user caps
// survive a restart.
func seedRates(ctx context.Context, store storage.Gateway, rates *fanout.RateCounter) error {
	counts, err := store.LoadRates(ctx, fanout.CurrentBucket()-1)
	if err != nil {
		return err
	}
	for _, c := range counts {
		rates.Seed(c.UserID, c.Bucket, c.Count)
	}
	return nil
}

// buildTransports wires one transport per channel kind. Webhook-style kinds
// share a transport; credentials come from the environment and are never
// logged.
func buildTransports(cfg config.Settings) (map[schema.ChannelKind]deliver.Transport, func()) {
	webhook := deliver.NewWebhookTransport(channelSendTimeout)
	email := deliver.NewEmailTransport(cfg.Channels.MailerURL, cfg.Channels.MailerToken, channelSendTimeout)
	push := deliver.NewPushTransport(cfg.Channels.PushRelayURL, cfg.Channels.PushToken)

	transports := map[schema.ChannelKind]deliver.Transport{
		schema.ChannelEmail:         email,
		schema.ChannelDiscord:       webhook,
		schema.ChannelSlack:         webhook,
		schema.ChannelCustomWebhook: webhook,
		schema.ChannelPush:          push,
	}
	return transports, func() { push.Close() }
}

// runOpsSink mirrors telemetry bus events into the process log so breaker
// flips, quarantines, and dead letters are visible without a metrics backend.
func runOpsSink(ctx context.Context, logger *log.Logger, bus *observability.InMemoryTelemetryBus) {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		logger.Printf("telemetry subscribe: %v", err)
		return
	}
	for event := range events {
		logger.Printf("ops: %s severity=%s target=%s user=%s",
			event.Type, event.Severity, event.TargetID, event.UserID)
	}
}

type gracefulShutdownConfig struct {
	lifecycle         *conc.WaitGroup
	janitor           *storage.Janitor
	rates             *fanout.RateCounter
	bus               *observability.InMemoryTelemetryBus
	opsDLQ            *observability.DeadLetterQueue
	fetchPool         *async.Pool
	closeTransports   func()
	store             storage.Gateway
	shutdownTelemetry func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.janitor != nil {
		cfg.janitor.Stop()
	}
	if cfg.rates != nil {
		cfg.rates.StopSweeper()
	}
	if cfg.bus != nil {
		cfg.bus.Close()
	}
	if cfg.opsDLQ != nil {
		if dropped := cfg.opsDLQ.Len(); dropped > 0 {
			logger.Printf("shutdown: %d telemetry events never reached a subscriber", dropped)
		}
		if evicted := cfg.opsDLQ.Evicted(); evicted > 0 {
			logger.Printf("shutdown: %d undelivered telemetry events were displaced by newer ones", evicted)
		}
	}
	if cfg.closeTransports != nil {
		cfg.closeTransports()
	}

	if cfg.fetchPool != nil {
		shutdownStep("draining fetch pool", poolShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.fetchPool.Shutdown(stepCtx)
		})
	}

	if cfg.store != nil {
		cfg.store.Close()
	}

	if cfg.shutdownTelemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.shutdownTelemetry(stepCtx)
		})
	}
}
