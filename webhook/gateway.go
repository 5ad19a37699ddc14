package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketplace-svc/ledger"
	"marketplace-svc/middleware"
	"marketplace-svc/models"
	"marketplace-svc/orderstate"
	"marketplace-svc/retry"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Publisher pushes notification events for the delivery collaborator.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Gateway turns the provider's unreliable event feed (duplicated,
// out-of-order, delayed) into exactly-once-effect calls into the order state
// machine. The pipeline is strictly ordered and short-circuits:
// authenticity, replay window, rate limit, idempotent admission, dispatch,
// terminal bookkeeping.
type Gateway struct {
	db         *sql.DB
	orders     *orderstate.Machine
	ledger     *ledger.Store
	limiter    RateLimiter
	publisher  Publisher
	notifTopic string
	secret     []byte
	maxAge     time.Duration
	skew       time.Duration
	logger     *zap.Logger
}

type Config struct {
	Secret            string
	MaxAge            time.Duration
	ClockSkew         time.Duration
	NotificationTopic string
}

func New(db *sql.DB, orders *orderstate.Machine, ledgerStore *ledger.Store, limiter RateLimiter, publisher Publisher, cfg Config, logger *zap.Logger) *Gateway {
	return &Gateway{
		db:         db,
		orders:     orders,
		ledger:     ledgerStore,
		limiter:    limiter,
		publisher:  publisher,
		notifTopic: cfg.NotificationTopic,
		secret:     []byte(cfg.Secret),
		maxAge:     cfg.MaxAge,
		skew:       cfg.ClockSkew,
		logger:     logger,
	}
}

type admission int

const (
	admissionNew admission = iota
	admissionDuplicate
	admissionInFlight
)

// Handle is the webhook ingress. The provider's delivery attempt is always
// acknowledged once the event row exists: a handler failure is recorded as a
// terminal "failed" status and surfaced through logs and metrics, never as a
// missing acknowledgment that would cause a redelivery storm.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-service").Start(c.Request.Context(), "HandleWebhook")
	defer span.End()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	// Stage 1: authenticity. Nothing is recorded for an unauthenticated
	// request.
	if err := VerifySignature(g.secret, c.GetHeader(SignatureHeader), body, time.Now(), g.maxAge, g.skew); err != nil {
		g.logger.Warn("Webhook signature rejected",
			zap.String("remote_addr", c.ClientIP()),
			zap.Error(err),
		)
		middleware.RecordWebhookEvent("unknown", "bad_signature")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var event models.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" || event.Type == "" {
		middleware.RecordWebhookEvent("unknown", "malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event payload"})
		return
	}

	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
	)

	// Stage 2: replay window on the event's own creation timestamp. The
	// signed header timestamp was already checked; this catches a provider
	// replaying an old event under a fresh signature.
	created := time.Unix(event.CreatedAt, 0)
	if time.Since(created) > g.maxAge {
		middleware.RecordWebhookEvent(event.Type, "stale")
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrEventTooOld.Error()})
		return
	}
	if time.Until(created) > g.skew {
		middleware.RecordWebhookEvent(event.Type, "future")
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrEventFromFuture.Error()})
		return
	}

	// Stage 3: rate limit, retriable for the provider.
	allowed, err := g.limiter.Allow(ctx, event.Type)
	if err != nil {
		g.logger.Error("Rate limiter error", zap.Error(err))
	} else if !allowed {
		middleware.RecordWebhookEvent(event.Type, "rate_limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded, retry later"})
		return
	}

	// Stage 4: idempotent admission on the provider-supplied event id.
	adm, err := g.admit(ctx, event)
	if err != nil {
		g.logger.Error("Webhook admission failed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	switch adm {
	case admissionDuplicate:
		middleware.RecordWebhookEvent(event.Type, "duplicate")
		c.JSON(http.StatusOK, gin.H{"received": true, "idempotent": true})
		return
	case admissionInFlight:
		middleware.RecordWebhookEvent(event.Type, "in_flight")
		c.JSON(http.StatusConflict, gin.H{"error": "event is already being processed"})
		return
	}

	// Stage 5: dispatch by event type.
	dispatchErr := g.dispatch(ctx, event)

	// Stage 6: the event row always reaches a terminal bookkeeping state,
	// whatever the handler outcome, so our own idempotency guard never
	// spins a redelivery forever.
	g.finalize(ctx, event.ID, dispatchErr)

	if dispatchErr == nil {
		middleware.RecordWebhookEvent(event.Type, "processed")
		c.JSON(http.StatusOK, gin.H{"received": true, "processed": true})
		return
	}

	var transitionErr *orderstate.TransitionError
	var conflictErr *orderstate.ConflictError
	if errors.As(dispatchErr, &transitionErr) || errors.As(dispatchErr, &conflictErr) || errors.Is(dispatchErr, orderstate.ErrOrderNotFound) {
		middleware.RecordWebhookEvent(event.Type, "rejected")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": dispatchErr.Error()})
		return
	}

	g.logger.Error("Webhook dispatch failed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Error(dispatchErr),
	)
	middleware.RecordWebhookEvent(event.Type, "failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

// staleProcessingAge bounds how long a crashed worker can hold an event row
// in processing before a redelivery may reclaim it.
const staleProcessingAge = 10 * time.Minute

// admit inserts the idempotency row. An existing completed row is a
// duplicate delivery; an existing processing row is a concurrent delivery in
// flight (transient conflict, not double execution) unless it has been held
// past staleProcessingAge, in which case the holder is presumed dead and the
// row is reclaimed; an existing failed row is re-admitted so the provider's
// redelivery can repair the application.
func (g *Gateway) admit(ctx context.Context, event models.PaymentEvent) (admission, error) {
	var rows int64
	err := retry.Do(ctx, g.logger, retry.Database, "admit_webhook_event", func(ctx context.Context) error {
		result, err := g.db.ExecContext(ctx,
			`INSERT INTO webhook_events (event_id, type, created_at, processing_status) VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`,
			event.ID, event.Type, time.Unix(event.CreatedAt, 0), models.WebhookStatusProcessing,
		)
		if err != nil {
			return fmt.Errorf("failed to insert webhook event: %w", err)
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return admissionInFlight, err
	}

	if rows == 1 {
		return admissionNew, nil
	}

	var status models.WebhookProcessingStatus
	var receivedAt time.Time
	err = g.db.QueryRowContext(ctx,
		`SELECT processing_status, received_at FROM webhook_events WHERE event_id = $1`,
		event.ID,
	).Scan(&status, &receivedAt)
	if err != nil {
		return admissionInFlight, fmt.Errorf("failed to read webhook event status: %w", err)
	}

	switch status {
	case models.WebhookStatusCompleted:
		return admissionDuplicate, nil
	case models.WebhookStatusFailed:
		// Guarded flip back to processing; a racing redelivery loses and
		// reports the transient conflict instead.
		result, err := g.db.ExecContext(ctx,
			`UPDATE webhook_events SET processing_status = $1, retry_count = retry_count + 1 WHERE event_id = $2 AND processing_status = $3`,
			models.WebhookStatusProcessing, event.ID, models.WebhookStatusFailed,
		)
		if err != nil {
			return admissionInFlight, fmt.Errorf("failed to re-admit webhook event: %w", err)
		}
		readmitted, err := result.RowsAffected()
		if err != nil {
			return admissionInFlight, err
		}
		if readmitted == 1 {
			return admissionNew, nil
		}
		return admissionInFlight, nil
	case models.WebhookStatusProcessing:
		if time.Since(receivedAt) < staleProcessingAge {
			return admissionInFlight, nil
		}
		// The holder crashed between admission and bookkeeping. Reclaim with
		// a guard on the observed received_at so racing redeliveries cannot
		// both win.
		result, err := g.db.ExecContext(ctx,
			`UPDATE webhook_events SET retry_count = retry_count + 1, received_at = CURRENT_TIMESTAMP WHERE event_id = $1 AND processing_status = $2 AND received_at = $3`,
			event.ID, models.WebhookStatusProcessing, receivedAt,
		)
		if err != nil {
			return admissionInFlight, fmt.Errorf("failed to reclaim stale webhook event: %w", err)
		}
		reclaimed, err := result.RowsAffected()
		if err != nil {
			return admissionInFlight, err
		}
		if reclaimed == 1 {
			g.logger.Warn("Reclaimed stale webhook event",
				zap.String("event_id", event.ID),
				zap.Time("held_since", receivedAt),
			)
			return admissionNew, nil
		}
		return admissionInFlight, nil
	default:
		return admissionInFlight, nil
	}
}

func (g *Gateway) dispatch(ctx context.Context, event models.PaymentEvent) error {
	orderID := event.Data.OrderID

	switch event.Type {
	case models.EventPaymentSucceeded:
		result, err := g.orders.Transition(ctx, orderID, models.OrderStatePendingPayment, models.OrderStatePaid)
		if err != nil {
			return err
		}
		if !result.Applied {
			// Another delivery already applied the payment; its ledger entry
			// and notification stand.
			return nil
		}
		if err := g.ledger.Record(ctx, orderID, models.LedgerTypePaymentReceived, event.Data.AmountCents,
			fmt.Sprintf("payment received via %s", event.Data.PaymentIntentID)); err != nil {
			return err
		}
		g.notify(ctx, orderID, models.OrderStatePaid, "order_paid")
		return nil

	case models.EventPaymentFailed:
		// The order stays in pending_payment; the buyer may retry with the
		// gateway. Annotate and inform only.
		g.logger.Info("Payment attempt failed",
			zap.Int64("order_id", orderID),
			zap.String("reason", event.Data.Reason),
		)
		g.notify(ctx, orderID, models.OrderStatePendingPayment, "payment_failed")
		return nil

	case models.EventDisputeCreated:
		result, err := g.orders.Transition(ctx, orderID, models.OrderStatePaid, models.OrderStateDisputed)
		if err != nil {
			return err
		}
		if result.Applied {
			g.notify(ctx, orderID, models.OrderStateDisputed, "dispute_created")
		}
		return nil

	case models.EventChargeRefunded:
		// A refund can originate from paid or delivered; resolve the prior
		// state by re-reading.
		result, err := g.orders.TransitionFromAny(ctx, orderID, models.OrderStateRefunded)
		if err != nil {
			return err
		}
		if !result.Applied {
			return nil
		}
		if err := g.ledger.Record(ctx, orderID, models.LedgerTypeRefund, -event.Data.AmountCents,
			fmt.Sprintf("refund issued via %s", event.Data.PaymentIntentID)); err != nil {
			return err
		}
		g.notify(ctx, orderID, models.OrderStateRefunded, "order_refunded")
		return nil

	default:
		g.logger.Info("Ignoring unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return nil
	}
}

// notify publishes a notification event for the delivery collaborator.
// Best-effort: a failed publish never fails the webhook.
func (g *Gateway) notify(ctx context.Context, orderID int64, state models.OrderState, eventType string) {
	if g.publisher == nil {
		return
	}
	notification := models.OrderNotification{
		EventID:   uuid.NewString(),
		OrderID:   orderID,
		State:     state,
		EventType: eventType,
	}
	err := retry.Do(ctx, g.logger, retry.Notification, "publish_order_notification", func(ctx context.Context) error {
		return g.publisher.Publish(ctx, g.notifTopic, notification)
	})
	if err != nil {
		g.logger.Error("Failed to publish order notification",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)
	}
}

// finalize records the terminal bookkeeping status for the event row.
func (g *Gateway) finalize(ctx context.Context, eventID string, dispatchErr error) {
	status := models.WebhookStatusCompleted
	var errMsg sql.NullString
	if dispatchErr != nil {
		status = models.WebhookStatusFailed
		errMsg = sql.NullString{String: dispatchErr.Error(), Valid: true}
	}

	err := retry.Do(ctx, g.logger, retry.Database, "finalize_webhook_event", func(ctx context.Context) error {
		_, err := g.db.ExecContext(ctx,
			`UPDATE webhook_events SET processing_status = $1, error_message = $2 WHERE event_id = $3 AND processing_status = $4`,
			status, errMsg, eventID, models.WebhookStatusProcessing,
		)
		return err
	})
	if err != nil {
		g.logger.Error("Failed to finalize webhook event bookkeeping",
			zap.String("event_id", eventID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
