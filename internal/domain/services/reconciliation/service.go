// Package reconciliation matches decoded settlement-contract events
// against internally tracked orders and applies idempotent payment
// status transitions. Every observed event ends up as a Payment row, an
// OrphanedPayment row, or an idempotent no-op. Nothing is silently lost.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nilelink/settlement-service/internal/breaker"
	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/internal/infrastructure/cache"
	"github.com/nilelink/settlement-service/internal/infrastructure/repositories"
	"github.com/nilelink/settlement-service/pkg/logger"
	"github.com/nilelink/settlement-service/pkg/metrics"
)

// OrderStore is the order-management collaborator surface
type OrderStore interface {
	GetByID(ctx context.Context, orderID string) (*entities.Order, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, from, to entities.PaymentStatus) error
}

// PaymentStore persists payment rows
type PaymentStore interface {
	Create(ctx context.Context, payment *entities.Payment) (bool, error)
	ExistsByTransactionID(ctx context.Context, txHash string) (bool, error)
	SumByOrderID(ctx context.Context, orderID string) (decimal.Decimal, error)
	AttachSettlement(ctx context.Context, orderID string, gross, fee, net decimal.Decimal) error
}

// OrphanStore records payments with no matching order
type OrphanStore interface {
	Store(ctx context.Context, orphan *entities.OrphanedPayment) error
	List(ctx context.Context, filter entities.OrphanFilter) ([]*entities.OrphanedPayment, error)
	MarkReviewed(ctx context.Context, txHash string) error
}

// RetryEnqueuer defers side-effects whose write failed after a
// successful read, so the observation is never lost.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, op *entities.RetryableOperation) error
}

// AlertEmitter surfaces terminal conditions to operators
type AlertEmitter interface {
	Emit(ctx context.Context, alert entities.Alert)
}

// reconcileWritePayload is the payload of a deferred status write
type reconcileWritePayload struct {
	OrderID string `json:"order_id"`
	TxHash  string `json:"tx_hash"`
}

// Service is the payment reconciliation handler
type Service struct {
	orders   OrderStore
	payments PaymentStore
	orphans  OrphanStore
	retries  RetryEnqueuer
	breakers *breaker.Manager
	cache    *cache.Cache
	alerts   AlertEmitter
	logger   *logger.Logger
	metrics  *metrics.Metrics

	maxRetries int
}

// NewService creates a reconciliation service. cache, retries, alerts
// and m may be nil.
func NewService(
	orders OrderStore,
	payments PaymentStore,
	orphans OrphanStore,
	retries RetryEnqueuer,
	breakers *breaker.Manager,
	seen *cache.Cache,
	alerts AlertEmitter,
	log *logger.Logger,
	m *metrics.Metrics,
	maxRetries int,
) *Service {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Service{
		orders:     orders,
		payments:   payments,
		orphans:    orphans,
		retries:    retries,
		breakers:   breakers,
		cache:      seen,
		alerts:     alerts,
		logger:     log,
		metrics:    m,
		maxRetries: maxRetries,
	}
}

// HandlePaymentEvent reconciles one decoded payment event. Returning an
// error means the event was neither recorded nor orphaned and the
// caller must redeliver it (the listener does not advance its
// checkpoint past a failed event).
func (s *Service) HandlePaymentEvent(ctx context.Context, event entities.PaymentEvent) error {
	orderKey := event.OrderKey()
	if orderKey == "" {
		s.logger.Warn("Payment event with empty order identifier", "tx_hash", event.TxHash)
		if err := s.storeOrphan(ctx, event, "empty order identifier"); err != nil {
			return err
		}
		return nil
	}

	// Fast path: recently processed transaction.
	if s.cache.TxSeen(ctx, event.TxHash) {
		s.recordOutcome("replay")
		return nil
	}

	exists, err := s.executeStore(ctx, func(ctx context.Context) (interface{}, error) {
		return s.payments.ExistsByTransactionID(ctx, event.TxHash)
	})
	if err != nil {
		return fmt.Errorf("idempotency check failed: %w", err)
	}
	if exists.(bool) {
		s.cache.MarkTxSeen(ctx, event.TxHash)
		s.recordOutcome("replay")
		return nil
	}

	order, err := s.lookupOrder(ctx, orderKey)
	if err != nil {
		return fmt.Errorf("order lookup failed: %w", err)
	}
	if order == nil {
		if err := s.storeOrphan(ctx, event, entities.OrphanReasonOrderNotFound); err != nil {
			return err
		}
		return nil
	}

	insertedResult, err := s.executeStore(ctx, func(ctx context.Context) (interface{}, error) {
		return s.payments.Create(ctx, entities.NewPayment(order.ID, event))
	})
	if err != nil {
		return fmt.Errorf("payment insert failed: %w", err)
	}
	if !insertedResult.(bool) {
		// Another worker recorded the same transaction first.
		s.cache.MarkTxSeen(ctx, event.TxHash)
		s.recordOutcome("replay")
		return nil
	}

	s.logger.Info("Payment recorded",
		"order_id", order.ID,
		"tx_hash", event.TxHash,
		"payer", event.Payer,
		"amount", event.Amount().String(),
		"block", event.BlockNumber,
	)

	if err := s.applySettlementStatus(ctx, order, event.TxHash); err != nil {
		// The payment row exists; the status write is deferred to the
		// retry queue rather than lost.
		s.deferStatusWrite(ctx, order.ID, event.TxHash, err)
	}

	s.cache.MarkTxSeen(ctx, event.TxHash)
	s.recordOutcome("processed")
	return nil
}

// applySettlementStatus recomputes the order's payment status from the
// cumulative received amount. COMPLETED is terminal and never regressed;
// a FAILED (underpaid) order completes once a top-up closes the gap.
func (s *Service) applySettlementStatus(ctx context.Context, order *entities.Order, txHash string) error {
	if order.PaymentStatus == entities.PaymentStatusCompleted {
		s.logger.Info("Order already settled, payment kept for audit",
			"order_id", order.ID, "tx_hash", txHash)
		return nil
	}
	if order.PaymentStatus == entities.PaymentStatusRefunded {
		s.logger.Warn("Payment observed for refunded order",
			"order_id", order.ID, "tx_hash", txHash)
		return nil
	}

	sumResult, err := s.executeStore(ctx, func(ctx context.Context) (interface{}, error) {
		return s.payments.SumByOrderID(ctx, order.ID)
	})
	if err != nil {
		return fmt.Errorf("cumulative amount query failed: %w", err)
	}
	received := sumResult.(decimal.Decimal)

	target := entities.PaymentStatusFailed // underpayment
	if received.GreaterThanOrEqual(order.TotalAmountExpected) {
		target = entities.PaymentStatusCompleted
	}
	if target == order.PaymentStatus {
		return nil
	}
	if err := order.PaymentStatus.ValidateTransition(target); err != nil {
		s.logger.Warn("Skipping disallowed payment status transition",
			"order_id", order.ID, "error", err)
		return nil
	}

	_, err = s.executeStore(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.orders.UpdatePaymentStatus(ctx, order.ID, order.PaymentStatus, target)
	})
	if err != nil {
		return fmt.Errorf("payment status write failed: %w", err)
	}

	if target == entities.PaymentStatusFailed {
		s.logger.Warn("Order underpaid",
			"order_id", order.ID,
			"expected", order.TotalAmountExpected.String(),
			"received", received.String(),
		)
	}

	order.PaymentStatus = target
	return nil
}

// ReplayStatusWrite re-applies a deferred settlement status write. It is
// the executor behind the reconcile_write retry operation kind.
func (s *Service) ReplayStatusWrite(ctx context.Context, payload json.RawMessage) error {
	var p reconcileWritePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return entities.NewPermanentError(fmt.Errorf("malformed reconcile payload: %w", err))
	}

	order, err := s.lookupOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return entities.NewPermanentError(fmt.Errorf("order %s no longer exists", p.OrderID))
	}
	return s.applySettlementStatus(ctx, order, p.TxHash)
}

// HandleSettlementEvent records the contract's payout split for an
// order's settlement.
func (s *Service) HandleSettlementEvent(ctx context.Context, event entities.SettlementEvent) error {
	orderKey := event.OrderKey()

	gross := microUSD(event.GrossUSD6)
	fee := microUSD(event.FeeUSD6)
	net := microUSD(event.NetUSD6)

	_, err := s.executeStore(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.payments.AttachSettlement(ctx, orderKey, gross, fee, net)
	})
	if err != nil {
		return fmt.Errorf("settlement attach failed: %w", err)
	}

	s.logger.Info("Settlement finalized",
		"order_id", orderKey,
		"restaurant", event.Restaurant,
		"gross", gross.String(),
		"fee", fee.String(),
		"net", net.String(),
		"tx_hash", event.TxHash,
	)
	return nil
}

// HandleRefundEvent transitions the order's payment status to REFUNDED
func (s *Service) HandleRefundEvent(ctx context.Context, event entities.RefundEvent) error {
	orderKey := event.OrderKey()

	order, err := s.lookupOrder(ctx, orderKey)
	if err != nil {
		return fmt.Errorf("order lookup failed: %w", err)
	}
	if order == nil {
		s.logger.Warn("Refund observed for unknown order",
			"order_key", orderKey, "tx_hash", event.TxHash)
		return nil
	}

	if !order.PaymentStatus.CanTransitionTo(entities.PaymentStatusRefunded) {
		s.logger.Warn("Refund observed for order in non-refundable state",
			"order_id", order.ID, "payment_status", string(order.PaymentStatus))
		return nil
	}

	_, err = s.executeStore(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.orders.UpdatePaymentStatus(ctx, order.ID, order.PaymentStatus, entities.PaymentStatusRefunded)
	})
	if err != nil {
		return fmt.Errorf("refund status write failed: %w", err)
	}

	s.logger.Info("Refund processed",
		"order_id", order.ID,
		"recipient", event.Recipient,
		"amount", microUSD(event.AmountUSD6).String(),
		"tx_hash", event.TxHash,
	)
	return nil
}

// Orphans lists orphaned payments matching the filter
func (s *Service) Orphans(ctx context.Context, filter entities.OrphanFilter) ([]*entities.OrphanedPayment, error) {
	return s.orphans.List(ctx, filter)
}

// MarkOrphanReviewed flags an orphan as handled
func (s *Service) MarkOrphanReviewed(ctx context.Context, txHash string) error {
	return s.orphans.MarkReviewed(ctx, txHash)
}

func (s *Service) storeOrphan(ctx context.Context, event entities.PaymentEvent, reason string) error {
	orphan := entities.NewOrphanedPayment(event, reason)

	_, err := s.executeStore(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.orphans.Store(ctx, orphan)
	})
	if err != nil {
		return fmt.Errorf("orphan store failed: %w", err)
	}

	if s.metrics != nil {
		s.metrics.OrphanedPayments.Inc()
	}
	s.recordOutcome("orphaned")

	if s.alerts != nil {
		s.alerts.Emit(ctx, entities.NewAlert(
			entities.AlertOrphanedPayment,
			fmt.Sprintf("payment %s has no matching order", event.TxHash),
			map[string]string{
				"order_key": orphan.OrderKey,
				"tx_hash":   event.TxHash,
				"payer":     event.Payer,
				"amount":    orphan.Amount.String(),
				"reason":    reason,
			},
		))
	}
	s.cache.MarkTxSeen(ctx, event.TxHash)
	return nil
}

// deferStatusWrite queues the failed status write for the retry worker
func (s *Service) deferStatusWrite(ctx context.Context, orderID, txHash string, cause error) {
	s.logger.Error("Deferring failed settlement status write",
		"order_id", orderID, "tx_hash", txHash, "error", cause)

	if s.retries == nil {
		return
	}

	payload, err := json.Marshal(reconcileWritePayload{OrderID: orderID, TxHash: txHash})
	if err != nil {
		s.logger.Error("Failed to encode deferred write payload", "error", err)
		return
	}

	op := entities.NewRetryableOperation(
		entities.OperationKindReconcileWrite, orderID, payload, s.maxRetries)
	if err := s.retries.Enqueue(ctx, op); err != nil {
		s.logger.Error("Failed to enqueue deferred write", "order_id", orderID, "error", err)
	}
}

// lookupOrder fetches an order, mapping "not found" to a nil order
// rather than an error. An unknown order is expected reconciliation
// input (it becomes an orphan) and must not feed the store breaker's
// failure count.
func (s *Service) lookupOrder(ctx context.Context, orderKey string) (*entities.Order, error) {
	result, err := s.executeStore(ctx, func(ctx context.Context) (interface{}, error) {
		order, err := s.orders.GetByID(ctx, orderKey)
		if errors.Is(err, repositories.ErrOrderNotFound) {
			return (*entities.Order)(nil), nil
		}
		return order, err
	})
	if err != nil {
		return nil, err
	}
	return result.(*entities.Order), nil
}

// executeStore routes a store call through the order-store breaker
func (s *Service) executeStore(ctx context.Context, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if s.breakers == nil {
		return op(ctx)
	}
	return s.breakers.Execute(ctx, breaker.DepOrderStore, op)
}

func (s *Service) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.EventsProcessed.WithLabelValues(outcome).Inc()
	}
}

func microUSD(v uint64) decimal.Decimal {
	return decimal.New(int64(v), -6)
}
