// Package retryqueue drains the durable retry_operations table. Claimed
// rows are executed through registered executors; transient failures are
// rescheduled with exponential backoff and permanent failures or an
// exhausted budget become terminal.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
	"github.com/nilelink/settlement-service/pkg/metrics"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 10
	// Claimed rows older than this are assumed orphaned by a crashed
	// worker and released back to PENDING.
	defaultLeaseSeconds = 600
)

// Executor runs one operation kind. Returning a *entities.OperationError
// controls classification; any other error is classified by the
// boundary adapter.
type Executor func(ctx context.Context, payload json.RawMessage) error

// Store is the durable queue surface the processor consumes
type Store interface {
	ClaimDue(ctx context.Context, limit int) ([]*entities.RetryableOperation, error)
	Update(ctx context.Context, op *entities.RetryableOperation) error
	CountPending(ctx context.Context) (int, error)
	ReleaseStale(ctx context.Context, leaseSeconds int) (int64, error)
}

// AlertEmitter surfaces terminal retry failures
type AlertEmitter interface {
	Emit(ctx context.Context, alert entities.Alert)
}

// Config tunes the processor loop
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	WorkerCount  int
	LeaseSeconds int
}

// Processor is the retry queue worker
type Processor struct {
	store     Store
	executors map[entities.OperationKind]Executor
	alerts    AlertEmitter
	logger    *logger.Logger
	metrics   *metrics.Metrics
	cfg       Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor builds a processor with no registered executors
func NewProcessor(store Store, alerts AlertEmitter, log *logger.Logger, m *metrics.Metrics, cfg Config) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = defaultLeaseSeconds
	}
	return &Processor{
		store:     store,
		executors: make(map[entities.OperationKind]Executor),
		alerts:    alerts,
		logger:    log,
		metrics:   m,
		cfg:       cfg,
	}
}

// Register binds an executor to an operation kind. Must be called
// before Start.
func (p *Processor) Register(kind entities.OperationKind, exec Executor) {
	p.executors[kind] = exec
}

// Start launches the worker loops
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}

	p.logger.Info("Retry queue processor started",
		"workers", p.cfg.WorkerCount,
		"poll_interval", p.cfg.PollInterval.String(),
		"batch_size", p.cfg.BatchSize,
	)
}

// Shutdown stops polling and waits for in-flight operations
func (p *Processor) Shutdown(timeout time.Duration) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Retry queue processor stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("retry queue shutdown timed out after %s", timeout)
	}
}

func (p *Processor) run(ctx context.Context, worker int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// First drain immediately so queued work does not wait a full tick
	// after startup.
	p.drain(ctx, worker)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, worker)
		}
	}
}

// drain claims and executes one batch
func (p *Processor) drain(ctx context.Context, worker int) {
	if worker == 0 {
		if released, err := p.store.ReleaseStale(ctx, p.cfg.LeaseSeconds); err != nil {
			p.logger.Error("Stale claim release failed", "error", err)
		} else if released > 0 {
			p.logger.Warn("Released stale claimed operations", "count", released)
		}
	}

	ops, err := p.store.ClaimDue(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("Failed to claim due operations", "error", err)
		return
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		p.process(ctx, op)
	}

	p.observeDepth(ctx)
}

func (p *Processor) process(ctx context.Context, op *entities.RetryableOperation) {
	exec, ok := p.executors[op.Kind]
	if !ok {
		// No executor can ever handle this row; retrying cannot help.
		p.fail(ctx, op, fmt.Errorf("no executor registered for kind %q", op.Kind), entities.ErrorKindPermanent)
		return
	}

	p.logger.Info("Executing queued operation",
		"operation_id", op.ID,
		"kind", string(op.Kind),
		"target", op.Target,
		"attempt", op.RetryCount+1,
		"max_retries", op.MaxRetries,
	)

	err := exec(ctx, op.Payload)
	if err == nil {
		op.MarkSuccess("")
		if updateErr := p.store.Update(ctx, op); updateErr != nil {
			p.logger.Error("Failed to persist operation success", "operation_id", op.ID, "error", updateErr)
		}
		p.recordAttempt("success")
		return
	}

	p.fail(ctx, op, err, ClassifyError(err))
}

func (p *Processor) fail(ctx context.Context, op *entities.RetryableOperation, cause error, kind entities.ErrorKind) {
	op.MarkFailure(cause, kind)

	if err := p.store.Update(ctx, op); err != nil {
		p.logger.Error("Failed to persist operation failure", "operation_id", op.ID, "error", err)
	}

	if op.Status == entities.RetryStatusFailed {
		p.recordAttempt("exhausted")
		p.logger.Error("Operation permanently failed",
			"operation_id", op.ID,
			"kind", string(op.Kind),
			"target", op.Target,
			"attempts", op.RetryCount,
			"error_kind", string(kind),
			"error", cause,
		)
		if p.alerts != nil {
			p.alerts.Emit(ctx, entities.NewAlert(
				entities.AlertRetryExhausted,
				fmt.Sprintf("operation %s (%s) permanently failed after %d attempts", op.ID, op.Kind, op.RetryCount),
				map[string]string{
					"operation_id": op.ID.String(),
					"kind":         string(op.Kind),
					"target":       op.Target,
					"error":        cause.Error(),
				},
			))
		}
		return
	}

	p.recordAttempt("retry_scheduled")
	p.logger.Warn("Operation failed, retry scheduled",
		"operation_id", op.ID,
		"attempt", op.RetryCount,
		"next_attempt_at", op.NextAttempt,
		"error", cause,
	)
}

func (p *Processor) recordAttempt(result string) {
	if p.metrics != nil {
		p.metrics.RetryAttempts.WithLabelValues(result).Inc()
	}
}

func (p *Processor) observeDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	depth, err := p.store.CountPending(ctx)
	if err != nil {
		return
	}
	p.metrics.RetryQueueDepth.Set(float64(depth))
}

// permanentErrorMarkers are failure signatures from downstream systems
// that will never succeed on retry. This substring adapter exists only
// for errors crossing the boundary from libraries that cannot tag their
// failures; executors should return *entities.OperationError instead.
var permanentErrorMarkers = []string{
	"invalid argument",
	"paymaster",
	"policy rejection",
	"not authorized",
	"platform cap reached",
}

// ClassifyError maps an executor failure to an error kind. Structured
// classification wins; unmatched errors default to transient so a
// flaky dependency gets its retries.
func ClassifyError(err error) entities.ErrorKind {
	var opErr *entities.OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentErrorMarkers {
		if strings.Contains(msg, marker) {
			return entities.ErrorKindPermanent
		}
	}
	return entities.ErrorKindTransient
}
