package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nilelink/settlement-service/pkg/logger"
)

// CheckpointRepository persists the last fully processed block per
// settlement contract so catch-up sync can resume after restart.
type CheckpointRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *sqlx.DB, logger *logger.Logger) *CheckpointRepository {
	return &CheckpointRepository{db: db, logger: logger}
}

// Get returns the last synced block for the contract. A missing row
// means no checkpoint exists yet and sync starts from the deployment
// block; found reports which case applies.
func (r *CheckpointRepository) Get(ctx context.Context, contractAddress string) (lastBlock uint64, found bool, err error) {
	query := `SELECT last_block FROM sync_checkpoints WHERE contract_address = $1`
	if err := r.db.GetContext(ctx, &lastBlock, query, contractAddress); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return lastBlock, true, nil
}

// Save upserts the checkpoint for the contract
func (r *CheckpointRepository) Save(ctx context.Context, contractAddress string, lastBlock uint64) error {
	query := `
		INSERT INTO sync_checkpoints (contract_address, last_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (contract_address)
		DO UPDATE SET last_block = EXCLUDED.last_block, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, contractAddress, lastBlock); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
