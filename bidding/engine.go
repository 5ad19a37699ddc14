package bidding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-svc/models"
	"marketplace-svc/retry"

	"go.uber.org/zap"
)

// incrementTier maps a price range to the fixed minimum increment for that
// range. upToCents is exclusive; the last tier is open-ended.
type incrementTier struct {
	upToCents      int64
	incrementCents int64
}

var incrementTiers = []incrementTier{
	{upToCents: 1_000, incrementCents: 50},
	{upToCents: 5_000, incrementCents: 100},
	{upToCents: 25_000, incrementCents: 250},
	{upToCents: 100_000, incrementCents: 500},
	{upToCents: 500_000, incrementCents: 1_000},
	{upToCents: 0, incrementCents: 2_500},
}

// MinimumBid returns the lowest acceptable next bid for the given current
// price: current price plus the increment of its tier.
func MinimumBid(currentPriceCents int64) int64 {
	for _, tier := range incrementTiers {
		if tier.upToCents == 0 || currentPriceCents < tier.upToCents {
			return currentPriceCents + tier.incrementCents
		}
	}
	// Unreachable: the last tier is open-ended.
	return currentPriceCents + incrementTiers[len(incrementTiers)-1].incrementCents
}

// ProxyResolution is the outcome of automatic re-bidding on behalf of a
// bidder with a ceiling. ProxyAmountCents is the remembered ceiling; it is
// never revealed to competitors.
type ProxyResolution struct {
	ActualBidCents   int64
	ProxyAmountCents int64
}

// ResolveProxyBid computes the price actually bid for a user with an
// optional proxy ceiling. If the user's bid already beats the current
// highest it stands as-is; otherwise the engine bids the minimum needed, up
// to the ceiling.
func ResolveProxyBid(userBidCents, proxyMaxCents, currentHighestCents int64) ProxyResolution {
	if userBidCents > currentHighestCents {
		return ProxyResolution{ActualBidCents: userBidCents, ProxyAmountCents: proxyMaxCents}
	}
	min := MinimumBid(currentHighestCents)
	if proxyMaxCents < min {
		return ProxyResolution{ActualBidCents: min, ProxyAmountCents: proxyMaxCents}
	}
	return ProxyResolution{ActualBidCents: proxyMaxCents, ProxyAmountCents: proxyMaxCents}
}

// ValidationResult reports whether a bid is admissible, with the computed
// minimum disclosed on rejection so the bidder knows what would succeed.
type ValidationResult struct {
	Valid        bool
	Reason       string
	MinimumCents int64
}

// ValidateBid applies the increment rule and, when the seller set a reserve,
// the reserve rule. reservePriceCents == 0 means no reserve.
func ValidateBid(amountCents, currentPriceCents, reservePriceCents int64) ValidationResult {
	min := MinimumBid(currentPriceCents)
	if amountCents < min {
		return ValidationResult{
			Valid:        false,
			Reason:       fmt.Sprintf("bid below minimum: required at least %d cents", min),
			MinimumCents: min,
		}
	}
	if reservePriceCents > 0 && amountCents < reservePriceCents {
		return ValidationResult{
			Valid:        false,
			Reason:       "reserve price not met",
			MinimumCents: min,
		}
	}
	return ValidationResult{Valid: true, MinimumCents: min}
}

// extensionThreshold: a bid landing with remaining time at or under
// withinSeconds pushes end_at forward by extendSeconds.
type extensionThreshold struct {
	withinSeconds int64
	extendSeconds int64
}

var extensionThresholds = []extensionThreshold{
	{withinSeconds: 300, extendSeconds: 300},
	{withinSeconds: 600, extendSeconds: 180},
	{withinSeconds: 1800, extendSeconds: 60},
}

// AntiSnipingExtension returns how far to push the auction close given the
// time remaining after this bid. Zero means the bid landed outside every
// trailing window.
func AntiSnipingExtension(remaining time.Duration) time.Duration {
	secs := int64(remaining / time.Second)
	if secs < 0 {
		return 0
	}
	for _, th := range extensionThresholds {
		if secs <= th.withinSeconds {
			return time.Duration(th.extendSeconds) * time.Second
		}
	}
	return 0
}

// BidRejectedError is a terminal validation failure; it names the minimum
// acceptable bid and is never retried.
type BidRejectedError struct {
	Reason       string
	MinimumCents int64
}

func (e *BidRejectedError) Error() string { return e.Reason }

// ErrPriceChanged signals that a concurrent bid advanced the auction price
// between our read and our conditional write. The caller should re-read the
// auction and re-validate against the fresh price.
var ErrPriceChanged = errors.New("auction price changed concurrently")

// ErrAuctionClosed: the auction is not in a bid-accepting status.
var ErrAuctionClosed = errors.New("auction is not open for bidding")

// Publisher pushes auction snapshots to the update stream.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

type Engine struct {
	db        *sql.DB
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

func NewEngine(db *sql.DB, publisher Publisher, topic string, logger *zap.Logger) *Engine {
	return &Engine{db: db, publisher: publisher, topic: topic, logger: logger}
}

const selectAuctionQuery = `SELECT id, listing_id, seller_id, status, current_price_cents, reserve_price_cents, reserve_met, high_bid_id, high_bidder_id, bid_count, extension_count, increment_scheme, end_at, created_at, updated_at FROM auctions WHERE id = $1`

func (e *Engine) loadAuction(ctx context.Context, auctionID int64) (*models.Auction, error) {
	var a models.Auction
	err := e.db.QueryRowContext(ctx, selectAuctionQuery, auctionID).Scan(
		&a.ID, &a.ListingID, &a.SellerID, &a.Status, &a.CurrentPriceCents,
		&a.ReservePriceCents, &a.ReserveMet, &a.HighBidID, &a.HighBidderID,
		&a.BidCount, &a.ExtensionCount, &a.IncrementScheme, &a.EndAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("auction %d: %w", auctionID, retry.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load auction %d: %w", auctionID, err)
	}
	return &a, nil
}

// PlaceBid validates, prices and persists a bid. The auction row is advanced
// with a compare-and-swap on current_price, so a losing concurrent bidder
// observes zero rows affected and gets ErrPriceChanged instead of silently
// underbidding. A bid landing inside an anti-sniping window pushes end_at
// forward and increments extension_count in the same write.
func (e *Engine) PlaceBid(ctx context.Context, auctionID int64, req models.PlaceBidRequest) (*models.Bid, *models.Auction, error) {
	auction, err := e.loadAuction(ctx, auctionID)
	if err != nil {
		return nil, nil, err
	}

	if !auction.Status.IsOpen() {
		return nil, nil, ErrAuctionClosed
	}

	amount := req.AmountCents
	proxyMax := req.ProxyMaxCents
	if proxyMax > 0 {
		res := ResolveProxyBid(amount, proxyMax, auction.CurrentPriceCents)
		amount = res.ActualBidCents
	}

	if v := ValidateBid(amount, auction.CurrentPriceCents, auction.ReservePriceCents); !v.Valid {
		// Increment and reserve shortfalls both reject outright; the computed
		// minimum is disclosed either way.
		return nil, nil, &BidRejectedError{Reason: v.Reason, MinimumCents: v.MinimumCents}
	}

	// Thresholds are evaluated against time remaining after this bid, so a
	// single bid never chains extensions onto itself.
	remaining := time.Until(auction.EndAt)
	extension := AntiSnipingExtension(remaining)
	newEndAt := auction.EndAt.Add(extension)
	extensionInc := 0
	if extension > 0 {
		extensionInc = 1
	}

	reserveMet := auction.ReservePriceCents == 0 || amount >= auction.ReservePriceCents

	var bid models.Bid
	err = retry.Do(ctx, e.logger, retry.Database, "place_bid", func(ctx context.Context) error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin bid transaction: %w", err)
		}
		defer tx.Rollback()

		err = tx.QueryRowContext(ctx,
			`INSERT INTO bids (auction_id, bidder_id, amount_cents, proxy_max_cents, accepted) VALUES ($1, $2, $3, $4, TRUE) RETURNING id, placed_at`,
			auctionID, req.BidderID, amount, nullableCents(proxyMax),
		).Scan(&bid.ID, &bid.PlacedAt)
		if err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE auctions SET current_price_cents = $1, high_bid_id = $2, high_bidder_id = $3, bid_count = bid_count + 1, reserve_met = $4, end_at = $5, extension_count = extension_count + $6, updated_at = CURRENT_TIMESTAMP WHERE id = $7 AND current_price_cents = $8`,
			amount, bid.ID, req.BidderID, reserveMet, newEndAt, extensionInc,
			auctionID, auction.CurrentPriceCents,
		)
		if err != nil {
			return fmt.Errorf("failed to advance auction price: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if rows == 0 {
			// Another bidder won the race; the transaction rollback discards
			// our bid row. Retrying with the stale price would be wrong, so
			// this surfaces as a terminal validation failure to the engine.
			return &retry.ValidationError{Reason: "auction price changed concurrently"}
		}

		return tx.Commit()
	})
	if err != nil {
		var vErr *retry.ValidationError
		if errors.As(err, &vErr) {
			return nil, nil, ErrPriceChanged
		}
		return nil, nil, err
	}

	bid.AuctionID = auctionID
	bid.BidderID = req.BidderID
	bid.AmountCents = amount
	bid.Accepted = true

	auction.CurrentPriceCents = amount
	auction.HighBidID = sql.NullInt64{Int64: bid.ID, Valid: true}
	auction.HighBidderID = sql.NullInt64{Int64: req.BidderID, Valid: true}
	auction.BidCount++
	auction.ReserveMet = reserveMet
	auction.EndAt = newEndAt
	auction.ExtensionCount += extensionInc

	e.logger.Info("Bid accepted",
		zap.Int64("auction_id", auctionID),
		zap.Int64("bid_id", bid.ID),
		zap.Int64("bidder_id", req.BidderID),
		zap.Int64("amount_cents", amount),
		zap.Duration("extension", extension),
	)

	e.publishSnapshot(ctx, auction, "bid_accepted")

	return &bid, auction, nil
}

// publishSnapshot pushes the current auction state to the update stream.
// Delivery is at-least-once and best-effort: a failed publish is logged,
// never surfaced to the bidder.
func (e *Engine) publishSnapshot(ctx context.Context, auction *models.Auction, eventType string) {
	snapshot := models.AuctionSnapshot{
		AuctionID:            auction.ID,
		CurrentPriceCents:    auction.CurrentPriceCents,
		HighBidderID:         auction.HighBidderID.Int64,
		BidCount:             auction.BidCount,
		TimeRemainingSeconds: int64(time.Until(auction.EndAt) / time.Second),
		Status:               auction.Status,
		EventType:            eventType,
	}

	err := retry.Do(ctx, e.logger, retry.Notification, "publish_auction_snapshot", func(ctx context.Context) error {
		return e.publisher.Publish(ctx, e.topic, snapshot)
	})
	if err != nil {
		e.logger.Error("Failed to publish auction snapshot",
			zap.Int64("auction_id", auction.ID),
			zap.Error(err),
		)
	}
}

func nullableCents(cents int64) sql.NullInt64 {
	if cents <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: cents, Valid: true}
}
