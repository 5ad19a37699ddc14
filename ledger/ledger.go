package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"marketplace-svc/models"

	"go.uber.org/zap"
)

// Store writes and reads the append-only ledger. Entries are never updated
// or deleted; refunds are recorded as negative amounts, not reversals.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) Record(ctx context.Context, orderID int64, entryType string, amountCents int64, description string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (order_id, type, amount_cents, description) VALUES ($1, $2, $3, $4)`,
		orderID, entryType, amountCents, description,
	)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry for order %d: %w", orderID, err)
	}

	s.logger.Info("Ledger entry recorded",
		zap.Int64("order_id", orderID),
		zap.String("type", entryType),
		zap.Int64("amount_cents", amountCents),
	)
	return nil
}

func (s *Store) ListByOrder(ctx context.Context, orderID int64) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, type, amount_cents, description, created_at FROM ledger_entries WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for order %d: %w", orderID, err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &e.AmountCents, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
