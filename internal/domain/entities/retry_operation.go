package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RetryStatus is the lifecycle state of a retryable operation
type RetryStatus string

const (
	RetryStatusPending    RetryStatus = "PENDING"
	RetryStatusInProgress RetryStatus = "IN_PROGRESS"
	RetryStatusSuccess    RetryStatus = "SUCCESS"
	RetryStatusFailed     RetryStatus = "FAILED"
)

// OperationKind identifies what a queued operation does when executed
type OperationKind string

const (
	// OperationKindRelayTransaction re-submits a settlement-related
	// transaction through the relay collaborator.
	OperationKindRelayTransaction OperationKind = "relay_transaction"
	// OperationKindReconcileWrite replays a reconciliation side-effect
	// whose read succeeded but whose write failed.
	OperationKindReconcileWrite OperationKind = "reconcile_write"
)

// ErrorKind classifies an execution failure
type ErrorKind string

const (
	ErrorKindUnknown   ErrorKind = "unknown"
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// OperationError carries a structured classification alongside the
// underlying failure. Executors should return it directly; substring
// matching happens only in the boundary adapter for errors coming out
// of libraries that cannot tag their failures.
type OperationError struct {
	Kind ErrorKind
	Err  error
}

func (e *OperationError) Error() string {
	return e.Err.Error()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// NewPermanentError tags an error that can never succeed on retry
func NewPermanentError(err error) *OperationError {
	return &OperationError{Kind: ErrorKindPermanent, Err: err}
}

// NewTransientError tags an error that may succeed later
func NewTransientError(err error) *OperationError {
	return &OperationError{Kind: ErrorKindTransient, Err: err}
}

// RetryableOperation is a durable unit of deferred work. Rows survive
// process restarts; the queue claims PENDING rows whose NextAttemptAt
// has passed and executes them with exponential backoff.
type RetryableOperation struct {
	ID           uuid.UUID       `db:"id"`
	Kind         OperationKind   `db:"operation_kind"`
	Target       string          `db:"target"`
	Payload      json.RawMessage `db:"payload"`
	RetryCount   int             `db:"retry_count"`
	MaxRetries   int             `db:"max_retries"`
	Status       RetryStatus     `db:"status"`
	NextAttempt  *time.Time      `db:"next_attempt_at"`
	LastError    *string         `db:"last_error"`
	LastErrKind  *string         `db:"error_kind"`
	ResultTxHash *string         `db:"result_tx_hash"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
	CompletedAt  *time.Time      `db:"completed_at"`
}

// NewRetryableOperation builds a pending operation due immediately
func NewRetryableOperation(kind OperationKind, target string, payload json.RawMessage, maxRetries int) *RetryableOperation {
	now := time.Now().UTC()
	return &RetryableOperation{
		ID:         uuid.New(),
		Kind:       kind,
		Target:     target,
		Payload:    payload,
		RetryCount: 0,
		MaxRetries: maxRetries,
		Status:     RetryStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// BackoffDelay returns the wait before attempt n+1: 2^n minutes
func BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// Cap the shift so very old rows cannot overflow the duration.
	if retryCount > 12 {
		retryCount = 12
	}
	return time.Duration(1<<uint(retryCount)) * time.Minute
}

// MarkSuccess records a successful execution
func (op *RetryableOperation) MarkSuccess(resultTxHash string) {
	now := time.Now().UTC()
	op.Status = RetryStatusSuccess
	op.CompletedAt = &now
	op.UpdatedAt = now
	op.NextAttempt = nil
	if resultTxHash != "" {
		op.ResultTxHash = &resultTxHash
	}
}

// MarkFailure records a failed attempt. Transient failures increment the
// retry count and schedule the next attempt with exponential backoff;
// permanent failures and exhausted budgets become terminal FAILED.
func (op *RetryableOperation) MarkFailure(err error, kind ErrorKind) {
	now := time.Now().UTC()
	msg := err.Error()
	k := string(kind)
	op.LastError = &msg
	op.LastErrKind = &k
	op.UpdatedAt = now

	op.RetryCount++

	if kind == ErrorKindPermanent || op.RetryCount >= op.MaxRetries {
		op.Status = RetryStatusFailed
		op.NextAttempt = nil
		op.CompletedAt = &now
		return
	}

	next := now.Add(BackoffDelay(op.RetryCount))
	op.Status = RetryStatusPending
	op.NextAttempt = &next
}

// IsTerminal reports whether the operation will never run again
func (op *RetryableOperation) IsTerminal() bool {
	return op.Status == RetryStatusSuccess || op.Status == RetryStatusFailed
}
