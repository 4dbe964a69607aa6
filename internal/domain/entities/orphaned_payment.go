package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrphanReasonOrderNotFound is the reason recorded when a payment
// references an order identifier the order store does not know.
const OrphanReasonOrderNotFound = "order not found"

// OrphanedPayment is a confirmed on-chain payment that could not be
// matched to any known order. Rows are append-only and kept until a
// human or automated review reconciles them against late-arriving
// order data.
type OrphanedPayment struct {
	ID              uuid.UUID       `db:"id"`
	OrderKey        string          `db:"order_key"`
	Payer           string          `db:"payer"`
	Amount          decimal.Decimal `db:"amount"`
	TransactionHash string          `db:"transaction_hash"`
	BlockNumber     uint64          `db:"block_number"`
	Reason          string          `db:"reason"`
	Reviewed        bool            `db:"reviewed"`
	ObservedAt      time.Time       `db:"observed_at"`
	CreatedAt       time.Time       `db:"created_at"`
}

// NewOrphanedPayment builds an orphan row from a payment event
func NewOrphanedPayment(event PaymentEvent, reason string) *OrphanedPayment {
	return &OrphanedPayment{
		ID:              uuid.New(),
		OrderKey:        event.OrderKey(),
		Payer:           event.Payer,
		Amount:          event.Amount(),
		TransactionHash: event.TxHash,
		BlockNumber:     event.BlockNumber,
		Reason:          reason,
		Reviewed:        false,
		ObservedAt:      event.Timestamp,
		CreatedAt:       time.Now().UTC(),
	}
}

// OrphanFilter narrows orphan listings. Zero values mean no constraint.
type OrphanFilter struct {
	Payer           string
	TransactionHash string
	UnreviewedOnly  bool
	Limit           int
}
