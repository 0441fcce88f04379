package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dropwire/dropwire/internal/schema"
)

type recordingSink struct {
	mu       sync.Mutex
	outcomes []OutcomeKind
}

func (s *recordingSink) RecordOutcome(_ string, kind OutcomeKind, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, kind)
}

func (s *recordingSink) last(t *testing.T) OutcomeKind {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		t.Fatal("no outcome recorded")
	}
	return s.outcomes[len(s.outcomes)-1]
}

func testTarget(url string) schema.Target {
	return schema.Target{
		TargetID:    "tgt-test",
		Source:      "testshop",
		Kind:        schema.TargetKindJSONCatalog,
		URLTemplate: url,
		ParserKey:   "json-catalog",
	}
}

func TestFetchSuccessReturnsBodyAndRecordsOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a rotated user agent header")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"products":[]}`))
	}))
	defer server.Close()

	sink := new(recordingSink)
	fetcher := NewFetcher(5*time.Second, sink)
	result := fetcher.Fetch(context.Background(), testTarget(server.URL), AttemptContext{})

	if result.Kind != OutcomeOK {
		t.Fatalf("expected ok outcome, got %s (%s)", result.Kind, result.Reason)
	}
	if string(result.Body) != `{"products":[]}` {
		t.Errorf("unexpected body: %s", result.Body)
	}
	if result.Latency <= 0 {
		t.Error("expected a positive latency")
	}
	if sink.last(t) != OutcomeOK {
		t.Error("expected ok outcome recorded to health sink")
	}
}

func TestFetchClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   OutcomeKind
	}{
		{name: "server error is transient", status: http.StatusBadGateway, want: OutcomeTransient},
		{name: "service unavailable is transient", status: http.StatusServiceUnavailable, want: OutcomeTransient},
		{name: "not found is permanent", status: http.StatusNotFound, want: OutcomePermanent},
		{name: "forbidden is permanent", status: http.StatusForbidden, want: OutcomePermanent},
		{name: "too many requests is rate limited", status: http.StatusTooManyRequests, want: OutcomeRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			sink := new(recordingSink)
			fetcher := NewFetcher(5*time.Second, sink)
			result := fetcher.Fetch(context.Background(), testTarget(server.URL), AttemptContext{})
			if result.Kind != tc.want {
				t.Fatalf("status %d: expected %s, got %s", tc.status, tc.want, result.Kind)
			}
			if sink.last(t) != tc.want {
				t.Errorf("sink recorded %s, want %s", sink.last(t), tc.want)
			}
		})
	}
}

func TestFetchHonoursRetryAfterSeconds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "90")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	fetcher := NewFetcher(5*time.Second, nil)
	result := fetcher.Fetch(context.Background(), testTarget(server.URL), AttemptContext{})
	if result.Kind != OutcomeRateLimited {
		t.Fatalf("expected rate limited, got %s", result.Kind)
	}
	if result.RetryAfter != 90*time.Second {
		t.Errorf("expected 90s retry-after, got %v", result.RetryAfter)
	}
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	sink := new(recordingSink)
	fetcher := NewFetcher(50*time.Millisecond, sink)
	result := fetcher.Fetch(context.Background(), testTarget(server.URL), AttemptContext{})
	if result.Kind != OutcomeTransient {
		t.Fatalf("expected transient outcome on timeout, got %s", result.Kind)
	}
	if len(result.Body) != 0 {
		t.Error("partial bodies must be discarded")
	}
	if sink.last(t) != OutcomeTransient {
		t.Error("expected transient outcome recorded")
	}
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	fetcher := NewFetcher(time.Second, nil)
	result := fetcher.Fetch(context.Background(), testTarget("http://127.0.0.1:1"), AttemptContext{})
	if result.Kind != OutcomeTransient {
		t.Fatalf("expected transient outcome, got %s (%s)", result.Kind, result.Reason)
	}
}

func TestFetchBadProxyURLIsTransient(t *testing.T) {
	fetcher := NewFetcher(time.Second, nil)
	result := fetcher.Fetch(context.Background(), testTarget("http://example.invalid"), AttemptContext{
		ProxyURL: "http://[::1]:namedport",
	})
	if result.Kind != OutcomeTransient {
		t.Fatalf("expected transient outcome on proxy misconfiguration, got %s", result.Kind)
	}
}

func TestUserAgentRotationCycles(t *testing.T) {
	fetcher := NewFetcher(time.Second, nil)
	seen := make(map[string]struct{})
	for i := 0; i < len(defaultUserAgents)*2; i++ {
		seen[fetcher.nextUserAgent()] = struct{}{}
	}
	if len(seen) != len(defaultUserAgents) {
		t.Errorf("expected %d distinct agents, got %d", len(defaultUserAgents), len(seen))
	}
}
