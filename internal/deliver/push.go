package deliver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/dropwire/dropwire/internal/schema"
)

const pushDialAttempts = 3

// PushTransport delivers over a persistent websocket to the push relay.
// The relay URL and token come from the environment and are never logged.
type PushTransport struct {
	relayURL string
	token    string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewPushTransport constructs the relay transport. The connection is dialed
// lazily on the first send and re-dialed with backoff after failures.
func NewPushTransport(relayURL, token string) *PushTransport {
	t := new(PushTransport)
	t.relayURL = relayURL
	t.token = token
	return t
}

type pushFrame struct {
	DeviceToken string          `json:"device_token"`
	EventID     string          `json:"event_id"`
	Payload     json.RawMessage `json:"payload"`
}

// Send implements Transport. Push is single-shot: relay rejections are
// permanent, connection trouble is transient.
func (t *PushTransport) Send(ctx context.Context, task schema.DeliveryTask) SendResult {
	if t.relayURL == "" {
		return permanentFailure("push relay not configured", nil)
	}
	frame, err := json.Marshal(pushFrame{
		DeviceToken: task.Channel.Address,
		EventID:     task.EventID,
		Payload:     task.Payload,
	})
	if err != nil {
		return permanentFailure("encode push frame", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		result := t.dialLocked(ctx)
		if !result.OK {
			return result
		}
	}
	if err := t.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.dropLocked()
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return permanentFailure("relay rejected device token", err)
		}
		return transientFailure(err)
	}
	return success()
}

// Close tears down the relay connection.
func (t *PushTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
}

func (t *PushTransport) dialLocked(ctx context.Context) SendResult {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt < pushDialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return transientFailure(ctx.Err())
			case <-time.After(bo.NextBackOff()):
			}
		}
		opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
		if t.token != "" {
			opts.HTTPHeader.Set("Authorization", "Bearer "+t.token)
		}
		conn, resp, err := websocket.Dial(ctx, t.relayURL, opts)
		if err == nil {
			t.conn = conn
			return success()
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return permanentFailure("relay refused credentials", err)
		}
		lastErr = err
	}
	return transientFailure(lastErr)
}

func (t *PushTransport) dropLocked() {
	if t.conn != nil {
		_ = t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
	}
}

var _ Transport = (*PushTransport)(nil)
var _ Transport = (*EmailTransport)(nil)
var _ Transport = (*WebhookTransport)(nil)
