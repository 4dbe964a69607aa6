package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

// OrphanedPaymentRepository stores payments that could not be matched
// to any known order. The table is append-only; rows are never deleted,
// only marked reviewed.
type OrphanedPaymentRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewOrphanedPaymentRepository creates a new orphaned payment repository
func NewOrphanedPaymentRepository(db *sqlx.DB, logger *logger.Logger) *OrphanedPaymentRepository {
	return &OrphanedPaymentRepository{db: db, logger: logger}
}

// Store inserts an orphan row. Duplicate observations of the same
// transaction are absorbed by the unique constraint.
func (r *OrphanedPaymentRepository) Store(ctx context.Context, orphan *entities.OrphanedPayment) error {
	query := `
		INSERT INTO orphaned_payments (
			id, order_key, payer, amount, transaction_hash,
			block_number, reason, reviewed, observed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transaction_hash) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		orphan.ID,
		orphan.OrderKey,
		orphan.Payer,
		orphan.Amount,
		orphan.TransactionHash,
		orphan.BlockNumber,
		orphan.Reason,
		orphan.Reviewed,
		orphan.ObservedAt,
		orphan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store orphaned payment: %w", err)
	}

	r.logger.Warn("Orphaned payment stored",
		"order_key", orphan.OrderKey,
		"tx_hash", orphan.TransactionHash,
		"payer", orphan.Payer,
		"amount", orphan.Amount.String(),
		"reason", orphan.Reason,
	)
	return nil
}

// List returns orphans matching the filter, newest first
func (r *OrphanedPaymentRepository) List(ctx context.Context, filter entities.OrphanFilter) ([]*entities.OrphanedPayment, error) {
	var conditions []string
	var args []interface{}

	if filter.Payer != "" {
		args = append(args, filter.Payer)
		conditions = append(conditions, fmt.Sprintf("payer = $%d", len(args)))
	}
	if filter.TransactionHash != "" {
		args = append(args, filter.TransactionHash)
		conditions = append(conditions, fmt.Sprintf("transaction_hash = $%d", len(args)))
	}
	if filter.UnreviewedOnly {
		conditions = append(conditions, "reviewed = FALSE")
	}

	query := `
		SELECT id, order_key, payer, amount, transaction_hash,
		       block_number, reason, reviewed, observed_at, created_at
		FROM orphaned_payments`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var orphans []*entities.OrphanedPayment
	if err := r.db.SelectContext(ctx, &orphans, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list orphaned payments: %w", err)
	}
	return orphans, nil
}

// MarkReviewed flags an orphan as handled by review tooling
func (r *OrphanedPaymentRepository) MarkReviewed(ctx context.Context, txHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE orphaned_payments SET reviewed = TRUE WHERE transaction_hash = $1`, txHash)
	if err != nil {
		return fmt.Errorf("failed to mark orphan reviewed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no orphaned payment with transaction hash %s", txHash)
	}
	return nil
}

// CountUnreviewed returns how many orphans still await review
func (r *OrphanedPaymentRepository) CountUnreviewed(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM orphaned_payments WHERE reviewed = FALSE`
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count unreviewed orphans: %w", err)
	}
	return count, nil
}
