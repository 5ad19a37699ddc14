package models

import (
	"database/sql"
	"time"
)

type WebhookProcessingStatus string

const (
	WebhookStatusProcessing WebhookProcessingStatus = "processing"
	WebhookStatusCompleted  WebhookProcessingStatus = "completed"
	WebhookStatusFailed     WebhookProcessingStatus = "failed"
)

// WebhookEvent is the durable idempotency ledger for payment-provider
// deliveries. event_id is supplied by the provider and acts as the
// idempotency key; rows are never deleted.
type WebhookEvent struct {
	EventID          string                  `json:"event_id"`
	Type             string                  `json:"type"`
	CreatedAt        time.Time               `json:"created_at"`
	ProcessingStatus WebhookProcessingStatus `json:"processing_status"`
	RetryCount       int                     `json:"retry_count"`
	ErrorMessage     sql.NullString          `json:"-"`
	ReceivedAt       time.Time               `json:"received_at"`
}

// Payment-provider event types handled by the webhook gateway.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventDisputeCreated   = "charge.dispute.created"
	EventChargeRefunded   = "charge.refunded"
)

// PaymentEvent is the decoded provider payload.
type PaymentEvent struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	CreatedAt int64            `json:"created"` // unix seconds, provider clock
	Data      PaymentEventData `json:"data"`
}

type PaymentEventData struct {
	OrderID         int64  `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
	Reason          string `json:"reason,omitempty"`
}
