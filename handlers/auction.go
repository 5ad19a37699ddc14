package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"marketplace-svc/bidding"
	"marketplace-svc/finalizer"
	"marketplace-svc/middleware"
	"marketplace-svc/models"
	"marketplace-svc/retry"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type AuctionHandler struct {
	db        *sql.DB
	engine    *bidding.Engine
	finalizer *finalizer.Finalizer
	logger    *zap.Logger
}

func NewAuctionHandler(db *sql.DB, engine *bidding.Engine, fin *finalizer.Finalizer, logger *zap.Logger) *AuctionHandler {
	return &AuctionHandler{db: db, engine: engine, finalizer: fin, logger: logger}
}

// PlaceBid admits a bid. Validation failures disclose the minimum acceptable
// bid; a concurrent price change returns 409 with the fresh snapshot so the
// bidder can decide whether to go again.
func (h *AuctionHandler) PlaceBid(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-service").Start(c.Request.Context(), "PlaceBid")
	defer span.End()

	auctionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid auction ID"})
		return
	}

	var req models.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.Int64("auction.id", auctionID),
		attribute.Int64("bidder.id", req.BidderID),
		attribute.Int64("amount_cents", req.AmountCents),
	)

	bid, auction, err := h.engine.PlaceBid(ctx, auctionID, req)
	if err != nil {
		h.handleBidError(c, err)
		return
	}

	middleware.RecordBid("accepted")
	c.JSON(http.StatusCreated, gin.H{
		"bid":     bid,
		"auction": auction,
	})
}

func (h *AuctionHandler) handleBidError(c *gin.Context, err error) {
	var rejected *bidding.BidRejectedError
	switch {
	case errors.As(err, &rejected):
		middleware.RecordBid("rejected")
		c.JSON(http.StatusBadRequest, gin.H{
			"error":         rejected.Reason,
			"minimum_cents": rejected.MinimumCents,
		})
	case errors.Is(err, bidding.ErrAuctionClosed):
		middleware.RecordBid("rejected")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, bidding.ErrPriceChanged):
		middleware.RecordBid("conflict")
		c.JSON(http.StatusConflict, gin.H{"error": "another bid was accepted first, re-read the auction"})
	case errors.Is(err, retry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Auction not found"})
	default:
		middleware.RecordBid("error")
		h.logger.Error("Failed to place bid",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// GetAuction serves the snapshot backing the client's polling fallback when
// the update stream is delayed.
func (h *AuctionHandler) GetAuction(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-service").Start(c.Request.Context(), "GetAuction")
	defer span.End()

	auctionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid auction ID"})
		return
	}

	span.SetAttributes(attribute.Int64("auction.id", auctionID))

	var a models.Auction
	err = h.db.QueryRowContext(ctx,
		"SELECT id, listing_id, seller_id, status, current_price_cents, reserve_price_cents, reserve_met, bid_count, extension_count, increment_scheme, end_at, created_at, updated_at FROM auctions WHERE id = $1",
		auctionID,
	).Scan(&a.ID, &a.ListingID, &a.SellerID, &a.Status, &a.CurrentPriceCents,
		&a.ReservePriceCents, &a.ReserveMet, &a.BidCount, &a.ExtensionCount,
		&a.IncrementScheme, &a.EndAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Auction not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get auction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, a)
}

// Finalize is the manual retry path for converting an ended auction into its
// order. Racing the scheduled sweep is safe: both converge on the same row.
func (h *AuctionHandler) Finalize(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-service").Start(c.Request.Context(), "FinalizeAuction")
	defer span.End()

	auctionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid auction ID"})
		return
	}

	span.SetAttributes(attribute.Int64("auction.id", auctionID))

	order, err := h.finalizer.Finalize(ctx, auctionID)
	if err != nil {
		var validationErr *retry.ValidationError
		switch {
		case errors.Is(err, finalizer.ErrNoSale):
			middleware.RecordFinalization("no_sale")
			c.JSON(http.StatusOK, gin.H{"no_sale": true})
		case errors.Is(err, retry.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Auction not found"})
		case errors.As(err, &validationErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": validationErr.Reason})
		default:
			middleware.RecordFinalization("error")
			span.RecordError(err)
			h.logger.Error("Failed to finalize auction",
				zap.Int64("auction_id", auctionID),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	middleware.RecordFinalization("order_created")
	c.JSON(http.StatusOK, order)
}
