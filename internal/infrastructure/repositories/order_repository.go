package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

// ErrOrderNotFound is returned when no order matches the canonical key
var ErrOrderNotFound = errors.New("order not found")

// OrderRepository reads and updates orders owned by the order-management
// collaborator. Reconciliation only reads the expected amount and writes
// payment status transitions; it never creates orders.
type OrderRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sqlx.DB, logger *logger.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

// GetByID fetches an order by its canonical key
func (r *OrderRepository) GetByID(ctx context.Context, orderID string) (*entities.Order, error) {
	var order entities.Order
	query := `
		SELECT id, total_amount_expected, payment_status, status, updated_at
		FROM orders
		WHERE id = $1`
	if err := r.db.GetContext(ctx, &order, query, orderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// UpdatePaymentStatus applies a payment status transition. The guard on
// the current status keeps concurrent writers from regressing a state
// even if they raced past the service-level check.
func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, orderID string, from, to entities.PaymentStatus) error {
	query := `
		UPDATE orders
		SET payment_status = $3, updated_at = NOW()
		WHERE id = $1 AND payment_status = $2`

	result, err := r.db.ExecContext(ctx, query, orderID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		// Another writer transitioned the order first. Re-read to decide
		// whether the desired state was already reached.
		current, getErr := r.GetByID(ctx, orderID)
		if getErr != nil {
			return getErr
		}
		if current.PaymentStatus == to {
			return nil
		}
		return fmt.Errorf("payment status changed concurrently: now %s, wanted %s -> %s",
			current.PaymentStatus, from, to)
	}

	r.logger.Info("Order payment status updated",
		"order_id", orderID,
		"from", string(from),
		"to", string(to),
	)
	return nil
}
