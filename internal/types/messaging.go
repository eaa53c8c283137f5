package types

import "time"

// DeliveryMessage is the SQS payload for queued delivery: one destination and
// one fully rendered message. The token travels in plain text because the
// consumer needs it to build the execute URL; the queue is private to skyhook.
type DeliveryMessage struct {
	MessageID    string          `json:"message_id"`
	WebhookID    string          `json:"webhook_id"`
	WebhookToken string          `json:"webhook_token"`
	DID          string          `json:"did"`
	Message      OutboundMessage `json:"message"`

	// RetryCount is incremented each time the item is re-queued after a 429.
	RetryCount int `json:"retry_count"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Destination returns the webhook this item targets.
func (m DeliveryMessage) Destination() Destination {
	return Destination{ID: m.WebhookID, Token: SecretString(m.WebhookToken)}
}
