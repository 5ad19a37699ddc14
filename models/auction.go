package models

import (
	"database/sql"
	"time"
)

type AuctionStatus string

const (
	AuctionStatusScheduled AuctionStatus = "scheduled"
	AuctionStatusLive      AuctionStatus = "live"
	AuctionStatusEnding    AuctionStatus = "ending"
	AuctionStatusEnded     AuctionStatus = "ended"
	// AuctionStatusNoSale is terminal: the auction ended with no bids or
	// below reserve, and the finalizer will not pick it up again.
	AuctionStatusNoSale AuctionStatus = "no_sale"
)

// IsOpen reports whether the auction accepts bids in this status.
func (s AuctionStatus) IsOpen() bool {
	return s == AuctionStatusLive || s == AuctionStatusEnding
}

type Auction struct {
	ID                int64         `json:"id"`
	ListingID         int64         `json:"listing_id"`
	SellerID          int64         `json:"seller_id"`
	Status            AuctionStatus `json:"status"`
	CurrentPriceCents int64         `json:"current_price_cents"`
	ReservePriceCents int64         `json:"reserve_price_cents"`
	ReserveMet        bool          `json:"reserve_met"`
	HighBidID         sql.NullInt64 `json:"-"`
	HighBidderID      sql.NullInt64 `json:"-"`
	BidCount          int           `json:"bid_count"`
	ExtensionCount    int           `json:"extension_count"`
	IncrementScheme   string        `json:"increment_scheme"`
	EndAt             time.Time     `json:"end_at"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

type Bid struct {
	ID            int64         `json:"id"`
	AuctionID     int64         `json:"auction_id"`
	BidderID      int64         `json:"bidder_id"`
	AmountCents   int64         `json:"amount_cents"`
	ProxyMaxCents sql.NullInt64 `json:"-"`
	Accepted      bool          `json:"accepted"`
	PlacedAt      time.Time     `json:"placed_at"`
}

type PlaceBidRequest struct {
	BidderID      int64 `json:"bidder_id" binding:"required"`
	AmountCents   int64 `json:"amount_cents" binding:"required,gt=0"`
	ProxyMaxCents int64 `json:"proxy_max_cents" binding:"omitempty,gt=0"`
}

// AuctionSnapshot is the payload pushed to the auction update stream.
// Consumers receive it at-least-once and must treat every message as a
// full snapshot, never as a delta.
type AuctionSnapshot struct {
	AuctionID            int64         `json:"auction_id"`
	CurrentPriceCents    int64         `json:"current_price_cents"`
	HighBidderID         int64         `json:"high_bidder_id,omitempty"`
	BidCount             int           `json:"bid_count"`
	TimeRemainingSeconds int64         `json:"time_remaining_seconds"`
	Status               AuctionStatus `json:"status"`
	EventType            string        `json:"event_type"` // bid_accepted, auction_extended, auction_ended
}
