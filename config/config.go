// Package config centralises runtime configuration helpers for Dropwire services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where Dropwire operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ChannelCredentials captures transport endpoints and secrets read from the
// environment. Values are never logged.
type ChannelCredentials struct {
	MailerURL    string
	MailerToken  string
	PushRelayURL string
	PushToken    string
}

// Settings contains the Dropwire configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment

	// ScraperCBThreshold is the consecutive-failure count that opens a
	// target's circuit breaker.
	ScraperCBThreshold int
	// ScraperCBCooldown is the wait before an open breaker admits a
	// half-open probe.
	ScraperCBCooldown time.Duration
	// VolatilePollInterval is the base cadence for volatile targets that do
	// not specify a per-target cadence.
	VolatilePollInterval time.Duration
	// MaxParallelPerPool bounds concurrent dispatches per proxy pool.
	MaxParallelPerPool int
	// DefaultMaxEventsPerHour applies when a subscription sets no cap.
	DefaultMaxEventsPerHour int

	// FetchTimeout bounds a single target fetch.
	FetchTimeout time.Duration
	// DeliveryLease bounds a delivery worker's task ownership.
	DeliveryLease time.Duration

	// DatabaseURL selects the Postgres gateway when non-empty.
	DatabaseURL string
	// OTLPEndpoint enables metric export when non-empty.
	OTLPEndpoint string

	Channels ChannelCredentials
}

// Default returns the default Dropwire configuration.
func Default() Settings {
	return Settings{
		Environment:             EnvProd,
		ScraperCBThreshold:      3,
		ScraperCBCooldown:       15 * time.Minute,
		VolatilePollInterval:    45 * time.Second,
		MaxParallelPerPool:      6,
		DefaultMaxEventsPerHour: 20,
		FetchTimeout:            10 * time.Second,
		DeliveryLease:           2 * time.Minute,
		DatabaseURL:             "",
		OTLPEndpoint:            "",
		Channels: ChannelCredentials{
			MailerURL:    "",
			MailerToken:  "",
			PushRelayURL: "",
			PushToken:    "",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("DROPWIRE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v, ok := intEnv("DROPWIRE_SCRAPER_CB_THRESHOLD"); ok {
		cfg.ScraperCBThreshold = v
	}
	if v, ok := intEnv("DROPWIRE_SCRAPER_CB_COOLDOWN_MS"); ok {
		cfg.ScraperCBCooldown = time.Duration(v) * time.Millisecond
	}
	if v, ok := intEnv("DROPWIRE_VOLATILE_POLL_INTERVAL_MS"); ok {
		cfg.VolatilePollInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := intEnv("DROPWIRE_MAX_PARALLEL_PER_POOL"); ok {
		cfg.MaxParallelPerPool = v
	}
	if v, ok := intEnv("DROPWIRE_DEFAULT_MAX_EVENTS_PER_HOUR"); ok {
		cfg.DefaultMaxEventsPerHour = v
	}
	if v := strings.TrimSpace(os.Getenv("DROPWIRE_FETCH_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.FetchTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("DROPWIRE_DELIVERY_LEASE")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.DeliveryLease = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("DROPWIRE_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DROPWIRE_OTLP_ENDPOINT")); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("DROPWIRE_MAILER_URL")); v != "" {
		cfg.Channels.MailerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DROPWIRE_MAILER_TOKEN")); v != "" {
		cfg.Channels.MailerToken = v
	}
	if v := strings.TrimSpace(os.Getenv("DROPWIRE_PUSH_RELAY_URL")); v != "" {
		cfg.Channels.PushRelayURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DROPWIRE_PUSH_TOKEN")); v != "" {
		cfg.Channels.PushToken = v
	}
	return cfg
}

func intEnv(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithBreaker overrides circuit-breaker threshold and cooldown.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(s *Settings) {
		if threshold > 0 {
			s.ScraperCBThreshold = threshold
		}
		if cooldown > 0 {
			s.ScraperCBCooldown = cooldown
		}
	}
}

// WithMaxParallelPerPool overrides the per-pool dispatch bound.
func WithMaxParallelPerPool(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.MaxParallelPerPool = n
		}
	}
}

// WithFetchTimeout overrides the per-fetch deadline.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.FetchTimeout = timeout
		}
	}
}

// WithDeliveryLease overrides the delivery task lease duration.
func WithDeliveryLease(lease time.Duration) Option {
	return func(s *Settings) {
		if lease > 0 {
			s.DeliveryLease = lease
		}
	}
}
