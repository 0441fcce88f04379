// Package telemetry configures OpenTelemetry metric export for Dropwire.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/dropwire/dropwire/internal/observability"
)

// Config controls metric export behaviour.
type Config struct {
	OTLPEndpoint string
	ServiceName  string
	Environment  string
	Interval     time.Duration
}

// DefaultConfig returns the baseline telemetry configuration.
func DefaultConfig() Config {
	return Config{
		OTLPEndpoint: "",
		ServiceName:  "dropwire-core",
		Environment:  "prod",
		Interval:     15 * time.Second,
	}
}

// Init configures the OpenTelemetry meter provider. When no endpoint is
// configured a noop provider is installed and shutdown is trivial.
func Init(ctx context.Context, cfg Config) (apimetric.MeterProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "dropwire-core"
	}

	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	reader := sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return mp, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

// Bridge adapts the OTel meter to the process-wide Metrics interface.
type Bridge struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

// NewBridge constructs a Metrics adapter over the provided meter provider.
func NewBridge(provider apimetric.MeterProvider) *Bridge {
	b := new(Bridge)
	b.meter = provider.Meter("dropwire.core")
	b.counters = make(map[string]apimetric.Float64Counter)
	b.histograms = make(map[string]apimetric.Float64Histogram)
	b.gauges = make(map[string]apimetric.Float64Gauge)
	return b
}

// IncCounter implements observability.Metrics.
func (b *Bridge) IncCounter(name string, value float64, labels map[string]string) {
	b.mu.Lock()
	counter, ok := b.counters[name]
	if !ok {
		created, err := b.meter.Float64Counter(name)
		if err != nil {
			b.mu.Unlock()
			return
		}
		counter = created
		b.counters[name] = counter
	}
	b.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(toAttributes(labels)...))
}

// ObserveHistogram implements observability.Metrics.
func (b *Bridge) ObserveHistogram(name string, value float64, labels map[string]string) {
	b.mu.Lock()
	histogram, ok := b.histograms[name]
	if !ok {
		created, err := b.meter.Float64Histogram(name)
		if err != nil {
			b.mu.Unlock()
			return
		}
		histogram = created
		b.histograms[name] = histogram
	}
	b.mu.Unlock()
	histogram.Record(context.Background(), value, apimetric.WithAttributes(toAttributes(labels)...))
}

// SetGauge implements observability.Metrics.
func (b *Bridge) SetGauge(name string, value float64, labels map[string]string) {
	b.mu.Lock()
	gauge, ok := b.gauges[name]
	if !ok {
		created, err := b.meter.Float64Gauge(name)
		if err != nil {
			b.mu.Unlock()
			return
		}
		gauge = created
		b.gauges[name] = gauge
	}
	b.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(toAttributes(labels)...))
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

var _ observability.Metrics = (*Bridge)(nil)
