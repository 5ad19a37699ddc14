package models

import (
	"database/sql"
	"time"
)

type OrderState string

const (
	OrderStatePendingPayment   OrderState = "pending_payment"
	OrderStatePaid             OrderState = "paid"
	OrderStateReadyForHandover OrderState = "ready_for_handover"
	OrderStateShipped          OrderState = "shipped"
	OrderStateDelivered        OrderState = "delivered"
	OrderStateReleased         OrderState = "released"
	OrderStateCancelled        OrderState = "cancelled"
	OrderStateRefunded         OrderState = "refunded"
	OrderStateDisputed         OrderState = "disputed"
)

// Order rows are created once by the auction finalizer and mutated only
// through the order state machine. Terminal states are final rows, never
// tombstones.
type Order struct {
	ID                int64          `json:"id"`
	ListingID         int64          `json:"listing_id"`
	BuyerID           int64          `json:"buyer_id"`
	SellerID          int64          `json:"seller_id"`
	AmountCents       int64          `json:"amount_cents"`
	PlatformFeeCents  int64          `json:"platform_fee_cents"`
	SellerAmountCents int64          `json:"seller_amount_cents"`
	State             OrderState     `json:"state"`
	AuctionID         sql.NullInt64  `json:"-"`
	WinningBidID      sql.NullInt64  `json:"-"`
	PaymentIntentID   sql.NullString `json:"-"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

const (
	LedgerTypePaymentReceived = "payment_received"
	LedgerTypeRefund          = "refund"
)

// LedgerEntry is an append-only record of a monetary event tied to an order.
type LedgerEntry struct {
	ID          int64     `json:"id"`
	OrderID     int64     `json:"order_id"`
	Type        string    `json:"type"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderNotification is published for the notification collaborator after a
// payment-driven state change. Delivery is best-effort.
type OrderNotification struct {
	EventID   string     `json:"event_id"`
	OrderID   int64      `json:"order_id"`
	BuyerID   int64      `json:"buyer_id,omitempty"`
	SellerID  int64      `json:"seller_id,omitempty"`
	State     OrderState `json:"state"`
	EventType string     `json:"event_type"`
}
