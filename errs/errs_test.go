package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndMetadata(t *testing.T) {
	err := New(
		"nike",
		CodeUpstream,
		WithHTTP(503),
		WithMessage("catalog endpoint unavailable"),
		WithRawFragment(`{"error":"maintenance"}`),
		WithCanonicalCode(CanonicalFetchTransient),
		WithMetadata(map[string]string{
			"target_id": "nike-us-catalog",
			"endpoint":  "/product_feed/rollup",
		}),
		WithField("attempt", "2"),
		WithRemediation("retry after scheduler backoff"),
		WithCause(errors.New("nike http 503")),
	)

	out := err.Error()
	if !strings.Contains(out, "source=nike") {
		t.Fatalf("expected source marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=upstream_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=fetch_transient") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedMeta := "meta=attempt=\"2\",endpoint=\"/product_feed/rollup\",target_id=\"nike-us-catalog\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"retry after scheduler backoff\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"nike http 503\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("nike", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("footlocker", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to match the wrapped cause")
	}
}

func TestQuarantineHelper(t *testing.T) {
	err := Quarantine("snkrs", "missing_sku_nike_jordan")
	if err.Code != CodeQuarantined {
		t.Fatalf("expected quarantined code, got %q", err.Code)
	}
	if err.Message != "missing_sku_nike_jordan" {
		t.Fatalf("expected reason carried as message, got %q", err.Message)
	}
}
