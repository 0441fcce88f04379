package deliver

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/dropwire/dropwire/internal/schema"
)

// WebhookTransport POSTs the flattened event snapshot as JSON to the channel
// address. It serves the discord, slack, and custom-webhook channel kinds.
type WebhookTransport struct {
	client *http.Client
}

// NewWebhookTransport constructs a webhook transport with the given timeout.
func NewWebhookTransport(timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := new(WebhookTransport)
	t.client = &http.Client{Timeout: timeout}
	return t
}

// Send implements Transport. Retry-After is honoured on 429 and 5xx; a 410
// marks the endpoint gone and the task dead-letters without further retries.
func (t *WebhookTransport) Send(ctx context.Context, task schema.DeliveryTask) SendResult {
	body, err := renderWebhookBody(task)
	if err != nil {
		return permanentFailure("malformed task payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Channel.Address, bytes.NewReader(body))
	if err != nil {
		return permanentFailure("invalid webhook address", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return transientFailure(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return classifyStatus(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
}
