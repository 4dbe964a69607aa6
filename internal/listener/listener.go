// Package listener keeps the service synchronized with the settlement
// contract. On startup it replays missed events from the last durable
// checkpoint, then follows the chain live over a websocket subscription
// or, for HTTP providers, a polling resync loop.
package listener

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/nilelink/settlement-service/internal/chain"
	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
	"github.com/nilelink/settlement-service/pkg/metrics"
)

const (
	defaultChunkSize   = 2000
	resubscribeBackoff = 5 * time.Second
)

// EventHandler consumes decoded contract events. A returned error means
// the event was not durably handled; the listener will not advance its
// checkpoint past it and redelivers on the next sync.
type EventHandler interface {
	HandlePaymentEvent(ctx context.Context, event entities.PaymentEvent) error
	HandleSettlementEvent(ctx context.Context, event entities.SettlementEvent) error
	HandleRefundEvent(ctx context.Context, event entities.RefundEvent) error
}

// CheckpointStore persists sync progress per contract
type CheckpointStore interface {
	Get(ctx context.Context, contractAddress string) (uint64, bool, error)
	Save(ctx context.Context, contractAddress string, lastBlock uint64) error
}

// Config carries the listener's chain parameters
type Config struct {
	ContractAddress string
	DeploymentBlock uint64
	ChunkSize       uint64
}

// Health is the listener's observable state, served on the health
// endpoint.
type Health struct {
	Connected       bool   `json:"connected"`
	Listening       bool   `json:"listening"`
	OfflineMode     bool   `json:"offlineMode"`
	LastSyncedBlock uint64 `json:"lastSyncedBlock"`
	ContractAddress string `json:"contractAddress"`
}

// Listener is the chain event sync engine
type Listener struct {
	client      *chain.Client
	handler     EventHandler
	checkpoints CheckpointStore
	decoder     *Decoder
	logger      *logger.Logger
	metrics     *metrics.Metrics

	contract   common.Address
	startBlock uint64
	chunkSize  uint64

	offline    atomic.Bool
	listening  atomic.Bool
	lastSynced atomic.Uint64

	syncMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a listener. The decoder is created here so a broken ABI
// fails fast at startup instead of on the first event.
func New(
	client *chain.Client,
	handler EventHandler,
	checkpoints CheckpointStore,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) (*Listener, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid settlement contract address %q", cfg.ContractAddress)
	}
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	chunk := cfg.ChunkSize
	if chunk == 0 {
		chunk = defaultChunkSize
	}
	return &Listener{
		client:      client,
		handler:     handler,
		checkpoints: checkpoints,
		decoder:     decoder,
		logger:      log,
		metrics:     m,
		contract:    common.HexToAddress(cfg.ContractAddress),
		startBlock:  cfg.DeploymentBlock,
		chunkSize:   chunk,
	}, nil
}

// Start replays missed events and then begins live delivery. With a
// websocket provider it subscribes; with HTTP the caller is expected to
// invoke Poll on a schedule.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.SyncMissedEvents(ctx); err != nil {
		// Offline mode swallows connectivity failures so the service can
		// come up while the provider is down; anything else is fatal.
		if !l.offline.Load() {
			return err
		}
	}

	if l.client.SupportsSubscriptions() {
		subCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.wg.Add(1)
		go l.subscribeLoop(subCtx)
	} else {
		l.logger.Info("Provider does not support subscriptions, relying on polling resync")
	}

	l.listening.Store(true)
	return nil
}

// SyncMissedEvents replays contract events from the last checkpoint to
// the current head in bounded chunks. Events are delivered in ascending
// (block, log index) order; the checkpoint only advances past fully
// handled chunks, so a crash mid-sync redelivers rather than skips.
func (l *Listener) SyncMissedEvents(ctx context.Context) error {
	if l.offline.Load() {
		l.logger.Info("Skipping sync, provider offline")
		return nil
	}

	// One sync at a time; the cron resync and the startup sync may race.
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	from, err := l.resumeBlock(ctx)
	if err != nil {
		return err
	}

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		l.noteRPCFailure(err)
		return fmt.Errorf("failed to fetch chain head: %w", err)
	}

	if from > head {
		l.lastSynced.Store(head)
		return nil
	}

	l.logger.Info("Syncing missed events", "from_block", from, "to_block", head)

	for chunkStart := from; chunkStart <= head; chunkStart += l.chunkSize {
		chunkEnd := chunkStart + l.chunkSize - 1
		if chunkEnd > head {
			chunkEnd = head
		}

		logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(chunkStart),
			ToBlock:   new(big.Int).SetUint64(chunkEnd),
			Addresses: []common.Address{l.contract},
			Topics:    [][]common.Hash{l.decoder.Topics()},
		})
		if err != nil {
			l.noteRPCFailure(err)
			return fmt.Errorf("log fetch failed for blocks %d-%d: %w", chunkStart, chunkEnd, err)
		}

		sort.Slice(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})

		for _, lg := range logs {
			if err := l.dispatch(ctx, lg); err != nil {
				return err
			}
		}

		if err := l.saveCheckpoint(ctx, chunkEnd); err != nil {
			return err
		}
	}

	l.logger.Info("Event sync complete", "synced_to", head)
	return nil
}

// Poll is the scheduled resync entry point for HTTP providers. While
// offline it probes connectivity instead of syncing.
func (l *Listener) Poll(ctx context.Context) {
	if l.offline.Load() {
		l.ProbeHealth(ctx)
		return
	}
	if err := l.SyncMissedEvents(ctx); err != nil {
		l.logger.Error("Scheduled resync failed", "error", err)
	}
}

// ProbeHealth checks provider connectivity and leaves offline mode once
// the provider answers again.
func (l *Listener) ProbeHealth(ctx context.Context) {
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		l.logger.Debug("Provider still unreachable", "error", err)
		return
	}
	if l.offline.CompareAndSwap(true, false) {
		l.logger.Info("Provider reachable again, leaving offline mode", "head", head)
		if err := l.SyncMissedEvents(ctx); err != nil {
			l.logger.Error("Post-recovery sync failed", "error", err)
		}
	}
}

// Offline reports whether the listener considers the provider down
func (l *Listener) Offline() bool {
	return l.offline.Load()
}

// Health returns a snapshot for the health endpoint
func (l *Listener) Health() Health {
	return Health{
		Connected:       !l.offline.Load(),
		Listening:       l.listening.Load(),
		OfflineMode:     l.offline.Load(),
		LastSyncedBlock: l.lastSynced.Load(),
		ContractAddress: l.contract.Hex(),
	}
}

// Shutdown stops live delivery and waits for in-flight handlers
func (l *Listener) Shutdown(timeout time.Duration) error {
	l.listening.Store(false)
	if l.cancel != nil {
		l.cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("listener shutdown timed out after %s", timeout)
	}
}

// subscribeLoop maintains the live log subscription, resubscribing with
// a fixed backoff when the provider drops it.
func (l *Listener) subscribeLoop(ctx context.Context) {
	defer l.wg.Done()

	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.contract},
		Topics:    [][]common.Hash{l.decoder.Topics()},
	}

	for {
		if ctx.Err() != nil {
			return
		}

		ch := make(chan types.Log, 128)
		sub, err := l.client.SubscribeFilterLogs(ctx, query, ch)
		if err != nil {
			l.noteRPCFailure(err)
			l.logger.Error("Log subscription failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeBackoff):
				continue
			}
		}

		l.logger.Info("Live event subscription established", "contract", l.contract.Hex())
		err = l.consume(ctx, sub, ch)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Warn("Subscription dropped, resyncing before resubscribe", "error", err)
			if syncErr := l.SyncMissedEvents(ctx); syncErr != nil {
				l.logger.Error("Gap resync failed", "error", syncErr)
			}
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub ethereum.Subscription, ch <-chan types.Log) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case lg := <-ch:
			if lg.Removed {
				// Reorged-out log; the replacement block's logs arrive
				// separately and the payments table is idempotent.
				continue
			}
			if err := l.dispatch(ctx, lg); err != nil {
				l.logger.Error("Live event handling failed, event will be redelivered by resync",
					"tx_hash", lg.TxHash.Hex(), "error", err)
				continue
			}
			if err := l.saveCheckpoint(ctx, lg.BlockNumber); err != nil {
				l.logger.Error("Checkpoint write failed", "error", err)
			}
		}
	}
}

// dispatch decodes one log and routes it to the handler
func (l *Listener) dispatch(ctx context.Context, lg types.Log) error {
	decoded, err := l.decoder.Decode(lg)
	if err != nil {
		// A log this contract emitted but we cannot decode is a bug, not
		// a reason to wedge the sync.
		l.logger.Error("Undecodable contract log skipped", "tx_hash", lg.TxHash.Hex(), "error", err)
		if l.metrics != nil {
			l.metrics.EventsProcessed.WithLabelValues("undecodable").Inc()
		}
		return nil
	}

	switch event := decoded.(type) {
	case entities.PaymentEvent:
		return l.handler.HandlePaymentEvent(ctx, event)
	case entities.SettlementEvent:
		return l.handler.HandleSettlementEvent(ctx, event)
	case entities.RefundEvent:
		return l.handler.HandleRefundEvent(ctx, event)
	case nil:
		return nil
	default:
		return nil
	}
}

func (l *Listener) resumeBlock(ctx context.Context) (uint64, error) {
	last, found, err := l.checkpoints.Get(ctx, l.contract.Hex())
	if err != nil {
		return 0, fmt.Errorf("checkpoint read failed: %w", err)
	}
	if !found {
		return l.startBlock, nil
	}
	if last < l.lastSynced.Load() {
		last = l.lastSynced.Load()
	}
	return last + 1, nil
}

func (l *Listener) saveCheckpoint(ctx context.Context, block uint64) error {
	if block <= l.lastSynced.Load() {
		return nil
	}
	if err := l.checkpoints.Save(ctx, l.contract.Hex(), block); err != nil {
		return fmt.Errorf("checkpoint write failed: %w", err)
	}
	l.lastSynced.Store(block)
	if l.metrics != nil {
		l.metrics.SyncedBlock.Set(float64(block))
	}
	return nil
}

// noteRPCFailure flips the listener into offline mode on transport
// errors. Non-transport RPC errors are left to the circuit breaker.
func (l *Listener) noteRPCFailure(err error) {
	if !chain.IsTransportError(err) {
		return
	}
	if l.offline.CompareAndSwap(false, true) {
		l.logger.Warn("Provider unreachable, entering offline mode", "error", err)
	}
}
