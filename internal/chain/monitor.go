package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/nilelink/settlement-service/internal/alerting"
	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

// receiptSource is the client surface the monitor needs
type receiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Monitor watches submitted transactions until they confirm, fail, or
// time out. Each watch runs in its own goroutine and never blocks the
// caller; terminal outcomes other than success raise alerts.
type Monitor struct {
	client receiptSource
	alerts *alerting.Dispatcher
	logger *logger.Logger

	pollInterval  time.Duration
	errorInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a transaction monitor
func NewMonitor(client receiptSource, alerts *alerting.Dispatcher, log *logger.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		client:        client,
		alerts:        alerts,
		logger:        log,
		pollInterval:  10 * time.Second,
		errorInterval: 30 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Watch starts monitoring txHash in the background. The watch ends when
// a receipt arrives, the timeout elapses, or the monitor shuts down.
func (m *Monitor) Watch(txHash string, timeout time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(txHash, timeout)
	}()
}

func (m *Monitor) watch(txHash string, timeout time.Duration) {
	hash := common.HexToHash(txHash)
	deadline := time.Now().Add(timeout)
	wait := time.Duration(0) // first poll is immediate

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}

		pollCtx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
		receipt, err := m.client.TransactionReceipt(pollCtx, hash)
		cancel()

		if err != nil {
			m.logger.Warn("Receipt poll failed", "tx_hash", txHash, "error", err)
			wait = m.errorInterval
			continue
		}

		if receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				m.logConfirmation(txHash, receipt)
			} else {
				m.logger.Error("Transaction failed on chain", "tx_hash", txHash, "block", receipt.BlockNumber.Uint64())
				m.alerts.Emit(m.ctx, entities.NewAlert(
					entities.AlertTransactionFailed,
					fmt.Sprintf("transaction %s reverted", txHash),
					map[string]string{
						"tx_hash": txHash,
						"block":   receipt.BlockNumber.String(),
					},
				))
			}
			return
		}

		if time.Now().After(deadline) {
			m.logger.Error("Transaction confirmation timeout", "tx_hash", txHash, "timeout", timeout)
			m.alerts.Emit(m.ctx, entities.NewAlert(
				entities.AlertTransactionTimeout,
				fmt.Sprintf("transaction %s unconfirmed after %s", txHash, timeout),
				map[string]string{
					"tx_hash": txHash,
					"timeout": timeout.String(),
				},
			))
			return
		}

		wait = m.pollInterval
	}
}

func (m *Monitor) logConfirmation(txHash string, receipt *types.Receipt) {
	confirmations := uint64(0)
	headCtx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
	head, err := m.client.BlockNumber(headCtx)
	cancel()
	if err == nil && head >= receipt.BlockNumber.Uint64() {
		confirmations = head - receipt.BlockNumber.Uint64()
	}

	m.logger.Info("Transaction confirmed",
		"tx_hash", txHash,
		"block", receipt.BlockNumber.Uint64(),
		"gas_used", receipt.GasUsed,
		"confirmations", confirmations,
	)
}

// Shutdown cancels all active watches and waits for them to finish
func (m *Monitor) Shutdown(timeout time.Duration) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("monitor shutdown timeout exceeded")
	}
}
