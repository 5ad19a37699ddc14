package orderstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-svc/models"

	"go.uber.org/zap"
)

// allowedTransitions is the order lifecycle graph. Terminal states
// (released, cancelled, refunded) have no outgoing edges; disputed resolves
// to refunded or released.
var allowedTransitions = map[models.OrderState][]models.OrderState{
	models.OrderStatePendingPayment:   {models.OrderStatePaid, models.OrderStateCancelled},
	models.OrderStatePaid:             {models.OrderStateReadyForHandover, models.OrderStateCancelled, models.OrderStateRefunded, models.OrderStateDisputed},
	models.OrderStateReadyForHandover: {models.OrderStateShipped},
	models.OrderStateShipped:          {models.OrderStateDelivered},
	models.OrderStateDelivered:        {models.OrderStateReleased, models.OrderStateRefunded},
	models.OrderStateDisputed:         {models.OrderStateRefunded, models.OrderStateReleased},
}

// CanTransition reports whether the (from, to) edge exists in the lifecycle
// graph.
func CanTransition(from, to models.OrderState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError rejects a request naming a disallowed edge. No storage is
// touched when it is returned.
type TransitionError struct {
	From models.OrderState
	To   models.OrderState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition from %s to %s is not allowed", e.From, e.To)
}

// ConflictError reports that a concurrent writer moved the order somewhere
// other than the requested target.
type ConflictError struct {
	OrderID   int64
	Expected  models.OrderState
	Actual    models.OrderState
	Requested models.OrderState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %d state conflict: expected %s, found %s while moving to %s",
		e.OrderID, e.Expected, e.Actual, e.Requested)
}

var ErrOrderNotFound = errors.New("order not found")

// Result is the explicit outcome of a compare-and-swap transition. Applied
// is false when another writer already advanced the order to the same
// target, which callers treat as idempotent success.
type Result struct {
	Applied bool
	State   models.OrderState
}

type Machine struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewMachine(db *sql.DB, logger *zap.Logger) *Machine {
	return &Machine{db: db, logger: logger}
}

// Transition moves an order along one lifecycle edge using a conditional
// update keyed on the expected prior state. Zero rows affected means the
// precondition failed: the order is re-read, and either the target was
// already reached (benign race, idempotent success) or a genuine conflict is
// surfaced. The row is never mutated for a disallowed edge.
func (m *Machine) Transition(ctx context.Context, orderID int64, from, to models.OrderState) (Result, error) {
	if !CanTransition(from, to) {
		return Result{}, &TransitionError{From: from, To: to}
	}

	result, err := m.db.ExecContext(ctx,
		`UPDATE orders SET state = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND state = $3`,
		to, orderID, from,
	)
	if err != nil {
		return Result{}, fmt.Errorf("failed to transition order %d: %w", orderID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if rows == 1 {
		m.logger.Info("Order transitioned",
			zap.Int64("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return Result{Applied: true, State: to}, nil
	}

	current, err := m.CurrentState(ctx, orderID)
	if err != nil {
		return Result{}, err
	}

	if current == to {
		m.logger.Info("Order already in target state",
			zap.Int64("order_id", orderID),
			zap.String("state", string(to)),
		)
		return Result{Applied: false, State: to}, nil
	}

	return Result{}, &ConflictError{OrderID: orderID, Expected: from, Actual: current, Requested: to}
}

// CurrentState reads the order's state for precondition re-checks and for
// the client polling fallback.
func (m *Machine) CurrentState(ctx context.Context, orderID int64) (models.OrderState, error) {
	var state models.OrderState
	err := m.db.QueryRowContext(ctx, `SELECT state FROM orders WHERE id = $1`, orderID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}
		return "", fmt.Errorf("failed to read order %d state: %w", orderID, err)
	}
	return state, nil
}

// TransitionFromAny applies the first admissible transition to the target
// given the order's current state. Used by webhook handlers that know the
// desired end state but not which lifecycle stage the order reached (e.g. a
// refund can originate from paid or delivered). Already at target is
// idempotent success.
func (m *Machine) TransitionFromAny(ctx context.Context, orderID int64, to models.OrderState) (Result, error) {
	current, err := m.CurrentState(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if current == to {
		return Result{Applied: false, State: to}, nil
	}
	if !CanTransition(current, to) {
		return Result{}, &TransitionError{From: current, To: to}
	}
	return m.Transition(ctx, orderID, current, to)
}
