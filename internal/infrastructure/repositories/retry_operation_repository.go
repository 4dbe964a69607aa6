package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

// RetryOperationRepository manages the durable retry queue
type RetryOperationRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewRetryOperationRepository creates a new retry operation repository
func NewRetryOperationRepository(db *sqlx.DB, logger *logger.Logger) *RetryOperationRepository {
	return &RetryOperationRepository{db: db, logger: logger}
}

// Enqueue persists a new operation
func (r *RetryOperationRepository) Enqueue(ctx context.Context, op *entities.RetryableOperation) error {
	query := `
		INSERT INTO retry_operations (
			id, operation_kind, target, payload, retry_count, max_retries,
			status, next_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		op.ID,
		op.Kind,
		op.Target,
		op.Payload,
		op.RetryCount,
		op.MaxRetries,
		op.Status,
		op.NextAttempt,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}

	r.logger.Info("Operation enqueued",
		"operation_id", op.ID,
		"kind", string(op.Kind),
		"target", op.Target,
	)
	return nil
}

// ClaimDue atomically claims up to limit due PENDING operations by
// flipping them to IN_PROGRESS. FOR UPDATE SKIP LOCKED lets several
// workers poll concurrently without double-claiming a row. Fresh work
// is favored over old retries, which re-enter the same pool once due.
func (r *RetryOperationRepository) ClaimDue(ctx context.Context, limit int) ([]*entities.RetryableOperation, error) {
	query := `
		UPDATE retry_operations
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM retry_operations
			WHERE status = $2
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY retry_count ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, operation_kind, target, payload, retry_count, max_retries,
		          status, next_attempt_at, last_error, error_kind, result_tx_hash,
		          created_at, updated_at, completed_at`

	rows, err := r.db.QueryxContext(ctx, query,
		entities.RetryStatusInProgress, entities.RetryStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due operations: %w", err)
	}
	defer rows.Close()

	var ops []*entities.RetryableOperation
	for rows.Next() {
		var op entities.RetryableOperation
		if err := rows.StructScan(&op); err != nil {
			return nil, fmt.Errorf("failed to scan claimed operation: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed operations: %w", err)
	}
	return ops, nil
}

// Update persists the outcome of an execution attempt
func (r *RetryOperationRepository) Update(ctx context.Context, op *entities.RetryableOperation) error {
	query := `
		UPDATE retry_operations
		SET retry_count = $2, status = $3, next_attempt_at = $4,
		    last_error = $5, error_kind = $6, result_tx_hash = $7,
		    updated_at = $8, completed_at = $9
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query,
		op.ID,
		op.RetryCount,
		op.Status,
		op.NextAttempt,
		op.LastError,
		op.LastErrKind,
		op.ResultTxHash,
		op.UpdatedAt,
		op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	return nil
}

// CountPending returns how many operations await execution
func (r *RetryOperationRepository) CountPending(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM retry_operations WHERE status = $1`
	if err := r.db.GetContext(ctx, &count, query, entities.RetryStatusPending); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// ReleaseStale returns IN_PROGRESS rows older than the lease window to
// PENDING so work lost to a crashed worker is eventually retried.
func (r *RetryOperationRepository) ReleaseStale(ctx context.Context, leaseSeconds int) (int64, error) {
	query := `
		UPDATE retry_operations
		SET status = $1, updated_at = NOW()
		WHERE status = $2
		  AND updated_at < NOW() - ($3 * INTERVAL '1 second')`

	result, err := r.db.ExecContext(ctx, query,
		entities.RetryStatusPending, entities.RetryStatusInProgress, leaseSeconds)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale operations: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read release result: %w", err)
	}
	if rows > 0 {
		r.logger.Warn("Released stale in-progress operations", "count", rows)
	}
	return rows, nil
}
