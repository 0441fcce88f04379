// Package schema defines the canonical release, event, and subscription types.
package schema

import (
	"strings"
	"time"

	"github.com/dropwire/dropwire/errs"
)

// TargetKind enumerates the supported endpoint shapes.
type TargetKind string

const (
	// TargetKindJSONCatalog identifies JSON product-catalog endpoints.
	TargetKindJSONCatalog TargetKind = "json-catalog"
	// TargetKindHTMLPage identifies scraped HTML product pages.
	TargetKindHTMLPage TargetKind = "html-page"
	// TargetKindAPIFeed identifies structured retailer API feeds.
	TargetKindAPIFeed TargetKind = "api-feed"
)

// Target describes one pollable retailer endpoint. Targets are configuration;
// they are never mutated at runtime.
type Target struct {
	TargetID        string        `yaml:"targetId" json:"target_id"`
	Source          string        `yaml:"source" json:"source"`
	Kind            TargetKind    `yaml:"kind" json:"kind"`
	URLTemplate     string        `yaml:"urlTemplate" json:"url_template"`
	ParserKey       string        `yaml:"parserKey" json:"parser_key"`
	ExpectedCadence time.Duration `yaml:"expectedCadence" json:"expected_cadence"`
	ProxyPoolID     string        `yaml:"proxyPoolId,omitempty" json:"proxy_pool_id,omitempty"`
	Priority        float64       `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Validate checks the target for configuration mistakes.
func (t Target) Validate() error {
	if strings.TrimSpace(t.TargetID) == "" {
		return errs.New(t.Source, errs.CodeInvalid, errs.WithMessage("target id required"))
	}
	if strings.TrimSpace(t.Source) == "" {
		return errs.New(t.Source, errs.CodeInvalid, errs.WithMessage("target source required"))
	}
	switch t.Kind {
	case TargetKindJSONCatalog, TargetKindHTMLPage, TargetKindAPIFeed:
	default:
		return errs.New(t.Source, errs.CodeInvalid, errs.WithMessage("unknown target kind"), errs.WithField("kind", string(t.Kind)))
	}
	if strings.TrimSpace(t.URLTemplate) == "" {
		return errs.New(t.Source, errs.CodeInvalid, errs.WithMessage("target url template required"))
	}
	if strings.TrimSpace(t.ParserKey) == "" {
		return errs.New(t.Source, errs.CodeInvalid, errs.WithMessage("target parser key required"))
	}
	return nil
}

// BreakerState is the circuit-breaker position for a target.
type BreakerState string

const (
	// BreakerClosed admits dispatches normally.
	BreakerClosed BreakerState = "CLOSED"
	// BreakerOpen blocks dispatches until the cooldown elapses.
	BreakerOpen BreakerState = "OPEN"
	// BreakerHalfOpen admits a single probe dispatch.
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// ScraperHealth tracks per-target fetch outcomes and the breaker position.
type ScraperHealth struct {
	TargetID            string       `json:"target_id"`
	LastSuccessAt       time.Time    `json:"last_success_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Breaker             BreakerState `json:"breaker_state"`
	BreakerOpenedAt     time.Time    `json:"breaker_opened_at"`
	ProxyPool           string       `json:"proxy_pool,omitempty"`
}
