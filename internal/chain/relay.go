package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

// RelayPayload is the queued form of a signed transaction awaiting
// (re)submission.
type RelayPayload struct {
	RawTx string `json:"raw_tx"`
}

// Relay re-submits signed settlement transactions that failed their
// first submission. It is the executor behind the relay_transaction
// retry operation kind.
type Relay struct {
	client       *Client
	oracle       *GasOracle
	monitor      *Monitor
	logger       *logger.Logger
	watchTimeout time.Duration
}

// NewRelay builds a relay executor. monitor may be nil, in which case
// submitted transactions are not watched for confirmation.
func NewRelay(client *Client, oracle *GasOracle, monitor *Monitor, log *logger.Logger, watchTimeout time.Duration) *Relay {
	if watchTimeout <= 0 {
		watchTimeout = 10 * time.Minute
	}
	return &Relay{
		client:       client,
		oracle:       oracle,
		monitor:      monitor,
		logger:       log,
		watchTimeout: watchTimeout,
	}
}

// Execute decodes and submits one queued transaction. A payload that
// cannot be decoded can never succeed and is classified permanent.
func (r *Relay) Execute(ctx context.Context, payload json.RawMessage) error {
	var p RelayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return entities.NewPermanentError(fmt.Errorf("invalid argument: malformed relay payload: %w", err))
	}

	raw, err := hexutil.Decode(p.RawTx)
	if err != nil {
		return entities.NewPermanentError(fmt.Errorf("invalid argument: raw transaction is not hex: %w", err))
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return entities.NewPermanentError(fmt.Errorf("invalid argument: undecodable raw transaction: %w", err))
	}

	// Cost estimate is informational here; the transaction is already
	// signed and its gas terms fixed.
	if r.oracle != nil {
		price := r.oracle.GetOptimizedGasPrice(ctx)
		r.logger.Info("Relaying transaction",
			"tx_hash", tx.Hash().Hex(),
			"gas_limit", tx.Gas(),
			"current_gas_price_wei", price.String(),
		)
	}

	if err := r.client.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("transaction submission failed: %w", err)
	}

	if r.monitor != nil {
		r.monitor.Watch(tx.Hash().Hex(), r.watchTimeout)
	}
	return nil
}
