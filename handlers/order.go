package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"marketplace-svc/ledger"
	"marketplace-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type OrderHandler struct {
	db     *sql.DB
	ledger *ledger.Store
	logger *zap.Logger
}

func NewOrderHandler(db *sql.DB, ledgerStore *ledger.Store, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{db: db, ledger: ledgerStore, logger: logger}
}

// GetOrder returns the order's current state snapshot. Clients poll this
// when webhook-driven updates are delayed.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	span.SetAttributes(attribute.Int64("order.id", orderID))

	var o models.Order
	err = h.db.QueryRowContext(ctx,
		"SELECT id, listing_id, buyer_id, seller_id, amount_cents, platform_fee_cents, seller_amount_cents, state, auction_id, winning_bid_id, payment_intent_id, created_at, updated_at FROM orders WHERE id = $1",
		orderID,
	).Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.AmountCents,
		&o.PlatformFeeCents, &o.SellerAmountCents, &o.State, &o.AuctionID,
		&o.WinningBidID, &o.PaymentIntentID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, o)
}

// GetOrderLedger lists the order's append-only ledger entries.
func (h *OrderHandler) GetOrderLedger(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-service").Start(c.Request.Context(), "GetOrderLedger")
	defer span.End()

	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	span.SetAttributes(attribute.Int64("order.id", orderID))

	entries, err := h.ledger.ListByOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list ledger entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "entries": entries})
}
