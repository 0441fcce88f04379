package deliver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dropwire/dropwire/internal/schema"
)

// EmailTransport hands payloads to an external mailer over HTTP. The mailer
// URL and token come from the environment and are never logged.
type EmailTransport struct {
	mailerURL string
	token     string
	client    *http.Client
}

// NewEmailTransport constructs the mailer hand-off transport.
func NewEmailTransport(mailerURL, token string, timeout time.Duration) *EmailTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := new(EmailTransport)
	t.mailerURL = mailerURL
	t.token = token
	t.client = &http.Client{Timeout: timeout}
	return t
}

type mailerRequest struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	MimeType string `json:"mime_type"`
}

// Send implements Transport. 2xx from the mailer is success; 5xx and
// network failures retry; anything else is a permanent rejection.
func (t *EmailTransport) Send(ctx context.Context, task schema.DeliveryTask) SendResult {
	if t.mailerURL == "" {
		return permanentFailure("mailer not configured", nil)
	}
	payload, err := decodeTaskPayload(task)
	if err != nil {
		return permanentFailure("malformed task payload", err)
	}
	body, err := json.Marshal(mailerRequest{
		To:       task.Channel.Address,
		Subject:  emailSubject(payload),
		Body:     emailBody(payload),
		MimeType: "text/plain",
	})
	if err != nil {
		return permanentFailure("encode mailer request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.mailerURL, bytes.NewReader(body))
	if err != nil {
		return permanentFailure("build mailer request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return transientFailure(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return success()
	case resp.StatusCode >= 500:
		return transientFailure(fmt.Errorf("mailer status %d", resp.StatusCode))
	default:
		return permanentFailure(fmt.Sprintf("mailer rejected with status %d", resp.StatusCode), fmt.Errorf("mailer status %d", resp.StatusCode))
	}
}
