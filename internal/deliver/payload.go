package deliver

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/dropwire/dropwire/internal/fanout"
	"github.com/dropwire/dropwire/internal/schema"
)

// webhookBody is the outbound webhook wire contract. Prices are plain JSON
// numbers; absent values are null.
type webhookBody struct {
	EventID       string               `json:"event_id"`
	ReleaseID     string               `json:"release_id"`
	Name          string               `json:"name"`
	Brand         string               `json:"brand"`
	StatusFrom    schema.ReleaseStatus `json:"status_from,omitempty"`
	StatusTo      schema.ReleaseStatus `json:"status_to"`
	PriceFrom     *float64             `json:"price_from"`
	PriceTo       *float64             `json:"price_to"`
	URL           string               `json:"url"`
	Region        string               `json:"region"`
	PriorityScore float64              `json:"priority_score"`
	DetectedAt    time.Time            `json:"detected_at"`
}

func decodeTaskPayload(task schema.DeliveryTask) (fanout.Payload, error) {
	var payload fanout.Payload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fanout.Payload{}, err
	}
	return payload, nil
}

// renderWebhookBody flattens the task snapshot into the webhook contract.
func renderWebhookBody(task schema.DeliveryTask) ([]byte, error) {
	payload, err := decodeTaskPayload(task)
	if err != nil {
		return nil, err
	}
	return json.Marshal(webhookBody{
		EventID:       payload.Event.EventID,
		ReleaseID:     payload.Event.ReleaseID,
		Name:          payload.Release.Name,
		Brand:         payload.Release.Brand,
		StatusFrom:    payload.Event.StatusFrom,
		StatusTo:      payload.Event.StatusTo,
		PriceFrom:     decimalNumber(payload.Event.PriceFrom),
		PriceTo:       decimalNumber(payload.Event.PriceTo),
		URL:           payload.Release.URL,
		Region:        payload.Release.Region,
		PriorityScore: payload.Event.PriorityScore,
		DetectedAt:    payload.Event.DetectedAt,
	})
}

// emailSubject renders "<status_to>: <name> (<brand>)".
func emailSubject(payload fanout.Payload) string {
	return fmt.Sprintf("%s: %s (%s)", payload.Event.StatusTo, payload.Release.Name, payload.Release.Brand)
}

// emailBody renders the plain-text summary for the mailer.
func emailBody(payload fanout.Payload) string {
	body := fmt.Sprintf("%s (%s) is now %s.", payload.Release.Name, payload.Release.Brand, payload.Event.StatusTo)
	if payload.Event.PriceTo != nil {
		body += fmt.Sprintf(" Price: %s %s.", payload.Event.PriceTo.String(), payload.Release.Currency)
	}
	if payload.Release.URL != "" {
		body += " " + payload.Release.URL
	}
	return body
}

func decimalNumber(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f, _ := d.Float64()
	return &f
}
