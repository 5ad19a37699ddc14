package finalizer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-svc/circuitbreaker"
	"marketplace-svc/models"
	"marketplace-svc/payments"
	"marketplace-svc/retry"

	"go.uber.org/zap"
)

// ErrNoSale: the auction ended with no bids, or the reserve was not met. No
// order is created.
var ErrNoSale = errors.New("auction ended without a sale")

// Finalizer converts an ended auction into exactly one order. Concurrent
// invocations (scheduled sweep racing a manual retry) are safe: the orders
// table enforces a unique constraint on auction_id, and an insert conflict
// is treated as success by returning the pre-existing order.
type Finalizer struct {
	db             *sql.DB
	paymentsClient payments.Client
	breaker        *circuitbreaker.CircuitBreaker
	publisher      Publisher
	topic          string
	logger         *zap.Logger
	feeRateBps     int64
}

// Publisher pushes auction snapshots to the update stream.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

func New(db *sql.DB, paymentsClient payments.Client, breaker *circuitbreaker.CircuitBreaker, publisher Publisher, topic string, feeRateBps int64, logger *zap.Logger) *Finalizer {
	return &Finalizer{
		db:             db,
		paymentsClient: paymentsClient,
		breaker:        breaker,
		publisher:      publisher,
		topic:          topic,
		logger:         logger,
		feeRateBps:     feeRateBps,
	}
}

// PlatformFee computes the marketplace's cut, rounded half-up. The rate is
// expressed in basis points (500 = 5%).
func PlatformFee(amountCents, feeRateBps int64) int64 {
	return (amountCents*feeRateBps + 5_000) / 10_000
}

// Finalize produces the order for an ended auction. The steps:
//  1. Close the auction if its deadline passed (compare-and-swap on status).
//  2. Pick the winning bid: highest amount, earliest placed_at tiebreak.
//  3. No bid or reserve unmet: the auction is marked no_sale, no order.
//  4. Insert the order; a unique-constraint conflict on auction_id means a
//     concurrent finalizer already won, so the existing order is returned.
//  5. Best-effort payment-intent creation; its failure never rolls back the
//     order.
func (f *Finalizer) Finalize(ctx context.Context, auctionID int64) (*models.Order, error) {
	auction, err := f.loadAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	if auction.Status == models.AuctionStatusNoSale {
		return nil, ErrNoSale
	}

	if auction.Status != models.AuctionStatusEnded {
		closed, err := f.closeIfExpired(ctx, auction)
		if err != nil {
			return nil, err
		}
		if !closed {
			return nil, &retry.ValidationError{Reason: fmt.Sprintf("auction %d has not ended", auctionID)}
		}
		auction.Status = models.AuctionStatusEnded
	}

	winning, err := f.winningBid(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			f.logger.Info("Auction ended with no bids", zap.Int64("auction_id", auctionID))
			f.markNoSale(ctx, auctionID)
			return nil, ErrNoSale
		}
		return nil, err
	}

	if auction.ReservePriceCents > 0 && winning.AmountCents < auction.ReservePriceCents {
		f.logger.Info("Auction ended below reserve",
			zap.Int64("auction_id", auctionID),
			zap.Int64("high_bid_cents", winning.AmountCents),
			zap.Int64("reserve_cents", auction.ReservePriceCents),
		)
		f.markNoSale(ctx, auctionID)
		return nil, ErrNoSale
	}

	fee := PlatformFee(winning.AmountCents, f.feeRateBps)

	order := &models.Order{
		ListingID:         auction.ListingID,
		BuyerID:           winning.BidderID,
		SellerID:          auction.SellerID,
		AmountCents:       winning.AmountCents,
		PlatformFeeCents:  fee,
		SellerAmountCents: winning.AmountCents - fee,
		State:             models.OrderStatePendingPayment,
		AuctionID:         sql.NullInt64{Int64: auctionID, Valid: true},
		WinningBidID:      sql.NullInt64{Int64: winning.ID, Valid: true},
	}

	err = retry.Do(ctx, f.logger, retry.Critical, "create_order", func(ctx context.Context) error {
		return f.insertOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	f.createPaymentIntent(ctx, order)
	f.publishEnded(ctx, auction)

	return order, nil
}

func (f *Finalizer) loadAuction(ctx context.Context, auctionID int64) (*models.Auction, error) {
	var a models.Auction
	err := f.db.QueryRowContext(ctx,
		`SELECT id, listing_id, seller_id, status, current_price_cents, reserve_price_cents, reserve_met, high_bid_id, high_bidder_id, bid_count, extension_count, end_at FROM auctions WHERE id = $1`,
		auctionID,
	).Scan(&a.ID, &a.ListingID, &a.SellerID, &a.Status, &a.CurrentPriceCents,
		&a.ReservePriceCents, &a.ReserveMet, &a.HighBidID, &a.HighBidderID,
		&a.BidCount, &a.ExtensionCount, &a.EndAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("auction %d: %w", auctionID, retry.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load auction %d: %w", auctionID, err)
	}
	return &a, nil
}

// closeIfExpired flips a live auction to ended once its deadline passed.
// The status check inside the update keeps a still-running auction safe from
// a premature manual finalize.
func (f *Finalizer) closeIfExpired(ctx context.Context, auction *models.Auction) (bool, error) {
	result, err := f.db.ExecContext(ctx,
		`UPDATE auctions SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND status IN ($3, $4) AND end_at <= CURRENT_TIMESTAMP`,
		models.AuctionStatusEnded, auction.ID, models.AuctionStatusLive, models.AuctionStatusEnding,
	)
	if err != nil {
		return false, fmt.Errorf("failed to close auction %d: %w", auction.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// markNoSale records the no-sale outcome on the auction row so the sweep
// stops re-selecting it. A failed write is logged and left for the next
// sweep; the guard on status keeps a racing finalizer from clobbering a sale.
func (f *Finalizer) markNoSale(ctx context.Context, auctionID int64) {
	err := retry.Do(ctx, f.logger, retry.Database, "mark_no_sale", func(ctx context.Context) error {
		_, err := f.db.ExecContext(ctx,
			`UPDATE auctions SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND status = $3`,
			models.AuctionStatusNoSale, auctionID, models.AuctionStatusEnded,
		)
		return err
	})
	if err != nil {
		f.logger.Error("Failed to mark auction no-sale",
			zap.Int64("auction_id", auctionID),
			zap.Error(err),
		)
	}
}

func (f *Finalizer) winningBid(ctx context.Context, auctionID int64) (*models.Bid, error) {
	var b models.Bid
	err := f.db.QueryRowContext(ctx,
		`SELECT id, auction_id, bidder_id, amount_cents, placed_at FROM bids WHERE auction_id = $1 AND accepted = TRUE ORDER BY amount_cents DESC, placed_at ASC LIMIT 1`,
		auctionID,
	).Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.AmountCents, &b.PlacedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// insertOrder writes the order row. ON CONFLICT (auction_id) DO NOTHING
// makes the insert return no row when another finalizer got there first; the
// conflict is the expected concurrency-control signal, not an error, so the
// existing order is loaded and adopted.
func (f *Finalizer) insertOrder(ctx context.Context, order *models.Order) error {
	err := f.db.QueryRowContext(ctx,
		`INSERT INTO orders (listing_id, buyer_id, seller_id, amount_cents, platform_fee_cents, seller_amount_cents, state, auction_id, winning_bid_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (auction_id) DO NOTHING RETURNING id, created_at, updated_at`,
		order.ListingID, order.BuyerID, order.SellerID, order.AmountCents,
		order.PlatformFeeCents, order.SellerAmountCents, order.State,
		order.AuctionID, order.WinningBidID,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)

	if err == nil {
		f.logger.Info("Order created",
			zap.Int64("order_id", order.ID),
			zap.Int64("auction_id", order.AuctionID.Int64),
			zap.Int64("amount_cents", order.AmountCents),
			zap.Int64("platform_fee_cents", order.PlatformFeeCents),
		)
		return nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	existing, err := f.orderByAuction(ctx, order.AuctionID.Int64)
	if err != nil {
		return err
	}
	*order = *existing

	f.logger.Info("Order already exists for auction, adopting",
		zap.Int64("order_id", order.ID),
		zap.Int64("auction_id", order.AuctionID.Int64),
	)
	return nil
}

func (f *Finalizer) orderByAuction(ctx context.Context, auctionID int64) (*models.Order, error) {
	var o models.Order
	err := f.db.QueryRowContext(ctx,
		`SELECT id, listing_id, buyer_id, seller_id, amount_cents, platform_fee_cents, seller_amount_cents, state, auction_id, winning_bid_id, payment_intent_id, created_at, updated_at FROM orders WHERE auction_id = $1`,
		auctionID,
	).Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.AmountCents,
		&o.PlatformFeeCents, &o.SellerAmountCents, &o.State, &o.AuctionID,
		&o.WinningBidID, &o.PaymentIntentID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load order for auction %d: %w", auctionID, err)
	}
	return &o, nil
}

// createPaymentIntent is best-effort: a gateway outage leaves the order in
// pending_payment with no intent attached, and the sweep or a manual retry
// can attach one later. The circuit breaker keeps a failing gateway from
// absorbing every finalization's retry budget.
func (f *Finalizer) createPaymentIntent(ctx context.Context, order *models.Order) {
	if order.PaymentIntentID.Valid {
		return
	}

	var intentID string
	err := retry.Do(ctx, f.logger, retry.ExternalAPI, "create_payment_intent", func(ctx context.Context) error {
		return f.breaker.Execute(ctx, func() error {
			var err error
			intentID, err = f.paymentsClient.CreateIntent(ctx, order.ID, order.AmountCents)
			return err
		})
	})
	if err != nil {
		f.logger.Error("Failed to create payment intent",
			zap.Int64("order_id", order.ID),
			zap.Error(err),
		)
		return
	}

	// Guarded so a concurrent finalizer attaching its own intent first wins.
	_, err = f.db.ExecContext(ctx,
		`UPDATE orders SET payment_intent_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND payment_intent_id IS NULL`,
		intentID, order.ID,
	)
	if err != nil {
		f.logger.Error("Failed to attach payment intent",
			zap.Int64("order_id", order.ID),
			zap.String("payment_intent_id", intentID),
			zap.Error(err),
		)
		return
	}
	order.PaymentIntentID = sql.NullString{String: intentID, Valid: true}
}

func (f *Finalizer) publishEnded(ctx context.Context, auction *models.Auction) {
	if f.publisher == nil {
		return
	}
	snapshot := models.AuctionSnapshot{
		AuctionID:         auction.ID,
		CurrentPriceCents: auction.CurrentPriceCents,
		HighBidderID:      auction.HighBidderID.Int64,
		BidCount:          auction.BidCount,
		Status:            models.AuctionStatusEnded,
		EventType:         "auction_ended",
	}
	if err := f.publisher.Publish(ctx, f.topic, snapshot); err != nil {
		f.logger.Error("Failed to publish auction ended snapshot",
			zap.Int64("auction_id", auction.ID),
			zap.Error(err),
		)
	}
}

// SweepEnded finalizes every auction whose deadline has passed without a
// finished outcome: either no order exists yet, or the order is still missing
// its payment intent after a gateway outage. Auctions marked no_sale are
// excluded by the status filter. Runs on a schedule; safe to race manual
// finalize calls.
func (f *Finalizer) SweepEnded(ctx context.Context) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT a.id FROM auctions a LEFT JOIN orders o ON o.auction_id = a.id WHERE a.end_at <= CURRENT_TIMESTAMP AND a.status IN ($1, $2, $3) AND (o.id IS NULL OR o.payment_intent_id IS NULL)`,
		models.AuctionStatusLive, models.AuctionStatusEnding, models.AuctionStatusEnded,
	)
	if err != nil {
		f.logger.Error("Finalizer sweep query failed", zap.Error(err))
		return
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			f.logger.Error("Finalizer sweep scan failed", zap.Error(err))
			return
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		f.logger.Error("Finalizer sweep rows failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if _, err := f.Finalize(ctx, id); err != nil && !errors.Is(err, ErrNoSale) {
			f.logger.Error("Sweep finalization failed",
				zap.Int64("auction_id", id),
				zap.Error(err),
			)
		}
	}
}
