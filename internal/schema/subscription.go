package schema

import "strings"

// ChannelKind enumerates supported delivery transports.
type ChannelKind string

const (
	// ChannelEmail delivers through an external mailer.
	ChannelEmail ChannelKind = "email"
	// ChannelDiscord delivers via a Discord webhook.
	ChannelDiscord ChannelKind = "discord"
	// ChannelSlack delivers via a Slack webhook.
	ChannelSlack ChannelKind = "slack"
	// ChannelCustomWebhook delivers via a user-supplied webhook.
	ChannelCustomWebhook ChannelKind = "custom-webhook"
	// ChannelPush delivers through the push relay.
	ChannelPush ChannelKind = "push"
)

// Webhook reports whether the channel kind posts JSON to an HTTP endpoint.
func (k ChannelKind) Webhook() bool {
	switch k {
	case ChannelDiscord, ChannelSlack, ChannelCustomWebhook:
		return true
	case ChannelEmail, ChannelPush:
		return false
	default:
		return false
	}
}

// Channel pairs a transport kind with its destination address.
type Channel struct {
	Kind    ChannelKind `json:"kind" yaml:"kind"`
	Address string      `json:"address" yaml:"address"`
}

// UserSubscription is a filter owned by one user. Each subscription matches
// events independently of the user's other subscriptions.
type UserSubscription struct {
	SubscriptionID   string              `json:"subscription_id"`
	UserID           string              `json:"user_id"`
	BrandFilter      map[string]struct{} `json:"brand_filter,omitempty"`
	SKUFilter        map[string]struct{} `json:"sku_filter,omitempty"`
	RegionFilter     map[string]struct{} `json:"region_filter,omitempty"`
	SizeFilter       map[string]struct{} `json:"size_filter,omitempty"`
	MaxEventsPerHour int                 `json:"max_events_per_hour,omitempty"`
	Channels         []Channel           `json:"channels"`
}

// NewFilter builds a normalized membership set from filter values. Brand and
// region values are lowercased; SKUs are normalized like canonical SKUs.
func NewFilter(values ...string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.ToLower(strings.TrimSpace(v))
		if trimmed == "" {
			continue
		}
		out[trimmed] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NewSKUFilter builds a membership set keyed by normalized SKU.
func NewSKUFilter(skus ...string) map[string]struct{} {
	if len(skus) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(skus))
	for _, sku := range skus {
		normalized := NormalizeSKU(sku)
		if normalized == "" {
			continue
		}
		out[normalized] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
