// Package errs provides structured error types and helpers for Dropwire services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies a source-specific error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUpstream indicates a retailer-side failure.
	CodeUpstream Code = "upstream_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeParse indicates a structural mismatch in upstream payloads.
	CodeParse Code = "parse"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeQuarantined indicates a record was diverted to the quarantine store.
	CodeQuarantined Code = "quarantined"
)

// CanonicalCode captures source-agnostic failure categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalFetchTransient indicates a retryable fetch failure.
	CanonicalFetchTransient CanonicalCode = "fetch_transient"
	// CanonicalFetchPermanent indicates a fetch failure that quarantines the target.
	CanonicalFetchPermanent CanonicalCode = "fetch_permanent"
	// CanonicalParseFailure indicates the payload did not match the expected shape.
	CanonicalParseFailure CanonicalCode = "parse_failure"
	// CanonicalStorageContention indicates storage write contention.
	CanonicalStorageContention CanonicalCode = "storage_contention"
	// CanonicalDeliveryTransient indicates a retryable delivery failure.
	CanonicalDeliveryTransient CanonicalCode = "delivery_transient"
	// CanonicalDeliveryPermanent indicates a delivery failure that dead-letters immediately.
	CanonicalDeliveryPermanent CanonicalCode = "delivery_permanent"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E captures structured error information produced across the Dropwire stack.
type E struct {
	Source      string
	Code        Code
	HTTP        int
	RawFragment string
	Message     string
	Canonical   CanonicalCode
	Metadata    map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source and error code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:      strings.TrimSpace(source),
		Code:        code,
		HTTP:        0,
		RawFragment: "",
		Message:     "",
		Canonical:   CanonicalUnknown,
		Metadata:    nil,
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawFragment captures a bounded fragment of the raw upstream payload.
func WithRawFragment(fragment string) Option {
	return func(e *E) {
		e.RawFragment = fragment
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawFragment != "" {
		parts = append(parts, "raw="+strconv.Quote(e.RawFragment))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Quarantine returns a standardized error for records diverted to quarantine.
func Quarantine(source, reason string) *E {
	return New(source, CodeQuarantined, WithMessage(reason))
}
