package config

import (
	"testing"
	"time"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()
	if cfg.ScraperCBThreshold != 3 {
		t.Errorf("expected breaker threshold 3, got %d", cfg.ScraperCBThreshold)
	}
	if cfg.ScraperCBCooldown != 15*time.Minute {
		t.Errorf("expected breaker cooldown 15m, got %v", cfg.ScraperCBCooldown)
	}
	if cfg.VolatilePollInterval != 45*time.Second {
		t.Errorf("expected volatile poll interval 45s, got %v", cfg.VolatilePollInterval)
	}
	if cfg.MaxParallelPerPool != 6 {
		t.Errorf("expected max parallel per pool 6, got %d", cfg.MaxParallelPerPool)
	}
	if cfg.DefaultMaxEventsPerHour != 20 {
		t.Errorf("expected default hourly cap 20, got %d", cfg.DefaultMaxEventsPerHour)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DROPWIRE_ENV", "Staging")
	t.Setenv("DROPWIRE_SCRAPER_CB_THRESHOLD", "5")
	t.Setenv("DROPWIRE_SCRAPER_CB_COOLDOWN_MS", "60000")
	t.Setenv("DROPWIRE_VOLATILE_POLL_INTERVAL_MS", "30000")
	t.Setenv("DROPWIRE_MAX_PARALLEL_PER_POOL", "12")
	t.Setenv("DROPWIRE_FETCH_TIMEOUT", "3s")
	t.Setenv("DROPWIRE_MAILER_TOKEN", "secret-token")

	cfg := FromEnv()
	if cfg.Environment != EnvStaging {
		t.Errorf("expected staging env, got %s", cfg.Environment)
	}
	if cfg.ScraperCBThreshold != 5 {
		t.Errorf("expected threshold 5, got %d", cfg.ScraperCBThreshold)
	}
	if cfg.ScraperCBCooldown != time.Minute {
		t.Errorf("expected cooldown 1m, got %v", cfg.ScraperCBCooldown)
	}
	if cfg.VolatilePollInterval != 30*time.Second {
		t.Errorf("expected poll interval 30s, got %v", cfg.VolatilePollInterval)
	}
	if cfg.MaxParallelPerPool != 12 {
		t.Errorf("expected max parallel 12, got %d", cfg.MaxParallelPerPool)
	}
	if cfg.FetchTimeout != 3*time.Second {
		t.Errorf("expected fetch timeout 3s, got %v", cfg.FetchTimeout)
	}
	if cfg.Channels.MailerToken != "secret-token" {
		t.Error("expected mailer token from environment")
	}
}

func TestFromEnvIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("DROPWIRE_SCRAPER_CB_THRESHOLD", "not-a-number")
	t.Setenv("DROPWIRE_MAX_PARALLEL_PER_POOL", "-2")
	cfg := FromEnv()
	if cfg.ScraperCBThreshold != 3 {
		t.Errorf("expected default threshold on bad input, got %d", cfg.ScraperCBThreshold)
	}
	if cfg.MaxParallelPerPool != 6 {
		t.Errorf("expected default parallelism on negative input, got %d", cfg.MaxParallelPerPool)
	}
}

func TestApplyOptionsCopies(t *testing.T) {
	base := Default()
	derived := Apply(base,
		WithEnvironment(EnvDev),
		WithBreaker(7, time.Minute),
		WithMaxParallelPerPool(2),
		WithDeliveryLease(30*time.Second),
	)
	if base.Environment != EnvProd || base.ScraperCBThreshold != 3 {
		t.Fatal("Apply must not mutate the base settings")
	}
	if derived.Environment != EnvDev || derived.ScraperCBThreshold != 7 {
		t.Fatalf("options not applied: %+v", derived)
	}
	if derived.DeliveryLease != 30*time.Second {
		t.Fatalf("expected 30s lease, got %v", derived.DeliveryLease)
	}
}
