package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

// PaymentRepository persists observed on-chain payments
type PaymentRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *sqlx.DB, logger *logger.Logger) *PaymentRepository {
	return &PaymentRepository{db: db, logger: logger}
}

// Create inserts a payment row. The unique constraint on transaction_id
// makes replays a no-op; the return value reports whether a row was
// actually inserted.
func (r *PaymentRepository) Create(ctx context.Context, payment *entities.Payment) (bool, error) {
	query := `
		INSERT INTO payments (
			id, order_id, transaction_id, amount_received, payer,
			block_number, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		payment.ID,
		payment.OrderID,
		payment.TransactionID,
		payment.AmountReceived,
		payment.Payer,
		payment.BlockNumber,
		payment.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return rows > 0, nil
}

// ExistsByTransactionID reports whether the transaction was already processed
func (r *PaymentRepository) ExistsByTransactionID(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM payments WHERE transaction_id = $1)`
	if err := r.db.GetContext(ctx, &exists, query, txHash); err != nil {
		return false, fmt.Errorf("failed to check payment existence: %w", err)
	}
	return exists, nil
}

// SumByOrderID returns the cumulative amount received for an order
func (r *PaymentRepository) SumByOrderID(ctx context.Context, orderID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	query := `SELECT COALESCE(SUM(amount_received), 0) FROM payments WHERE order_id = $1`
	if err := r.db.GetContext(ctx, &sum, query, orderID); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum payments: %w", err)
	}
	return sum, nil
}

// ListByOrderID returns all payments recorded against an order
func (r *PaymentRepository) ListByOrderID(ctx context.Context, orderID string) ([]*entities.Payment, error) {
	var payments []*entities.Payment
	query := `
		SELECT id, order_id, transaction_id, amount_received, payer,
		       block_number, settled_gross, settled_fee, settled_net, created_at
		FROM payments
		WHERE order_id = $1
		ORDER BY block_number ASC, created_at ASC`
	if err := r.db.SelectContext(ctx, &payments, query, orderID); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// AttachSettlement records the contract's payout split on the most
// recent payment row for the order.
func (r *PaymentRepository) AttachSettlement(ctx context.Context, orderID string, gross, fee, net decimal.Decimal) error {
	query := `
		UPDATE payments
		SET settled_gross = $2, settled_fee = $3, settled_net = $4
		WHERE id = (
			SELECT id FROM payments
			WHERE order_id = $1
			ORDER BY block_number DESC, created_at DESC
			LIMIT 1
		)`

	result, err := r.db.ExecContext(ctx, query, orderID, gross, fee, net)
	if err != nil {
		return fmt.Errorf("failed to attach settlement: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		r.logger.Warn("Settlement observed for order with no payment rows", "order_id", orderID)
	}
	return nil
}

// GetByTransactionID fetches a payment by its transaction hash, nil if absent
func (r *PaymentRepository) GetByTransactionID(ctx context.Context, txHash string) (*entities.Payment, error) {
	var payment entities.Payment
	query := `
		SELECT id, order_id, transaction_id, amount_received, payer,
		       block_number, settled_gross, settled_fee, settled_net, created_at
		FROM payments
		WHERE transaction_id = $1`
	if err := r.db.GetContext(ctx, &payment, query, txHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}
