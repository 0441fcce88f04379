// Package deliver drains delivery tasks through per-channel worker pools.
package deliver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dropwire/dropwire/internal/schema"
)

// SendResult classifies one delivery attempt.
type SendResult struct {
	OK         bool
	Permanent  bool
	Reason     string
	RetryAfter time.Duration
	Err        error
}

// Transport sends one task payload to its channel endpoint.
type Transport interface {
	Send(ctx context.Context, task schema.DeliveryTask) SendResult
}

func success() SendResult {
	return SendResult{OK: true}
}

func transientFailure(err error) SendResult {
	return SendResult{Err: err}
}

func permanentFailure(reason string, err error) SendResult {
	return SendResult{Permanent: true, Reason: reason, Err: err}
}

// classifyStatus maps an HTTP response status onto a send result for
// webhook-style endpoints. 410 marks the endpoint as gone for good.
func classifyStatus(status int, retryAfter time.Duration) SendResult {
	switch {
	case status >= 200 && status < 300:
		return success()
	case status == http.StatusTooManyRequests:
		return SendResult{RetryAfter: retryAfter, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusGone:
		return permanentFailure(schema.DeadLetterGoneEndpoint, fmt.Errorf("status %d", status))
	case status >= 500:
		return SendResult{RetryAfter: retryAfter, Err: fmt.Errorf("status %d", status)}
	default:
		return permanentFailure(fmt.Sprintf("rejected with status %d", status), fmt.Errorf("status %d", status))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
