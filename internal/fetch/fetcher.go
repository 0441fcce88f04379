// Package fetch retrieves raw payloads from retailer targets.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
)

// OutcomeKind classifies the result of one fetch attempt.
type OutcomeKind string

const (
	// OutcomeOK marks a successful fetch.
	OutcomeOK OutcomeKind = "ok"
	// OutcomeTransient marks a retryable failure (5xx, network, timeout, proxy).
	OutcomeTransient OutcomeKind = "transient"
	// OutcomePermanent marks a non-retryable failure (non-429 4xx, NXDOMAIN).
	OutcomePermanent OutcomeKind = "permanent"
	// OutcomeRateLimited marks a 429 response.
	OutcomeRateLimited OutcomeKind = "rate_limited"
)

// Result is the outcome of fetching one target once.
type Result struct {
	Kind       OutcomeKind
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
	Latency    time.Duration
	RetryAfter time.Duration
	Reason     string
}

// AttemptContext carries per-attempt hints: the proxy to egress through and
// the deadline for the whole attempt.
type AttemptContext struct {
	ProxyURL string
	Deadline time.Duration
}

// OutcomeSink receives one outcome per fetch attempt; the health tracker
// implements it.
type OutcomeSink interface {
	RecordOutcome(targetID string, kind OutcomeKind, at time.Time)
}

const maxBodyBytes = 4 << 20

var defaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
}

// Fetcher retrieves one target URL per call, rotating user agents and
// honouring per-attempt proxies. It performs no persistence.
type Fetcher struct {
	timeout    time.Duration
	sink       OutcomeSink
	userAgents []string
	uaCursor   atomic.Uint64

	// newClient builds the transport for one attempt; swapped in tests.
	newClient func(proxyURL string, timeout time.Duration) (*http.Client, error)
}

// NewFetcher constructs a fetch adapter with the given default timeout.
func NewFetcher(timeout time.Duration, sink OutcomeSink) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	f := new(Fetcher)
	f.timeout = timeout
	f.sink = sink
	f.userAgents = defaultUserAgents
	f.newClient = newProxyClient
	return f
}

// Fetch retrieves the target once. The outcome, whatever its kind, is
// reported to the health sink exactly once. Partial bodies are discarded.
func (f *Fetcher) Fetch(ctx context.Context, target schema.Target, attempt AttemptContext) Result {
	result := f.fetch(ctx, target, attempt)
	if f.sink != nil {
		f.sink.RecordOutcome(target.TargetID, result.Kind, result.FetchedAt)
	}
	observability.Telemetry().IncCounter("dropwire_fetch_outcomes_total", 1, map[string]string{
		"target":  target.TargetID,
		"outcome": string(result.Kind),
	})
	return result
}

func (f *Fetcher) fetch(ctx context.Context, target schema.Target, attempt AttemptContext) Result {
	timeout := attempt.Deadline
	if timeout <= 0 {
		timeout = f.timeout
	}
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	client, err := f.newClient(attempt.ProxyURL, timeout)
	if err != nil {
		return transient(start, fmt.Sprintf("proxy configuration: %v", err))
	}

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target.URLTemplate, nil)
	if err != nil {
		return Result{Kind: OutcomePermanent, FetchedAt: start, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("User-Agent", f.nextUserAgent())
	req.Header.Set("Accept", acceptHeader(target.Kind))

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(start, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	fetchedAt := time.Now()
	latency := fetchedAt.Sub(start)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{
			Kind:       OutcomeRateLimited,
			StatusCode: resp.StatusCode,
			FetchedAt:  fetchedAt,
			Latency:    latency,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Reason:     "upstream rate limit",
		}
	case resp.StatusCode >= 500:
		return Result{
			Kind:       OutcomeTransient,
			StatusCode: resp.StatusCode,
			FetchedAt:  fetchedAt,
			Latency:    latency,
			Reason:     fmt.Sprintf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return Result{
			Kind:       OutcomePermanent,
			StatusCode: resp.StatusCode,
			FetchedAt:  fetchedAt,
			Latency:    latency,
			Reason:     fmt.Sprintf("status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// Partial reads are discarded; the scheduler retries the whole target.
		return transient(start, fmt.Sprintf("read body: %v", err))
	}

	return Result{
		Kind:       OutcomeOK,
		Body:       body,
		StatusCode: resp.StatusCode,
		FetchedAt:  fetchedAt,
		Latency:    time.Since(start),
	}
}

func (f *Fetcher) nextUserAgent() string {
	if len(f.userAgents) == 0 {
		return "dropwire/1.0"
	}
	idx := f.uaCursor.Add(1)
	return f.userAgents[int(idx)%len(f.userAgents)]
}

func transient(start time.Time, reason string) Result {
	return Result{Kind: OutcomeTransient, FetchedAt: start, Latency: time.Since(start), Reason: reason}
}

func classifyTransportError(start time.Time, err error) Result {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return Result{Kind: OutcomePermanent, FetchedAt: start, Latency: time.Since(start), Reason: "dns nxdomain"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transient(start, "deadline exceeded")
	}
	return transient(start, err.Error())
}

func parseRetryAfter(header string) time.Duration {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(trimmed); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(trimmed); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func acceptHeader(kind schema.TargetKind) string {
	switch kind {
	case schema.TargetKindHTMLPage:
		return "text/html,application/xhtml+xml"
	case schema.TargetKindJSONCatalog, schema.TargetKindAPIFeed:
		return "application/json"
	default:
		return "*/*"
	}
}

func newProxyClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if trimmed := strings.TrimSpace(proxyURL); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
