package entities

import (
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// usdMicroExponent converts on-chain micro-USD integers to decimal USD
const usdMicroExponent = -6

// PaymentEvent is a decoded settlement-contract payment observation.
// Immutable once observed; TxHash is the uniqueness key.
type PaymentEvent struct {
	OrderIDRaw  [32]byte
	Payer       string
	AmountUSD6  uint64
	Timestamp   time.Time
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// OrderKey returns the canonical order identifier: the raw bytes32 with
// trailing zero padding stripped.
func (e PaymentEvent) OrderKey() string {
	return strings.TrimRight(string(e.OrderIDRaw[:]), "\x00")
}

// Amount returns the received amount in USD
func (e PaymentEvent) Amount() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(e.AmountUSD6), usdMicroExponent)
}

// SettlementEvent reports the contract's payout split for an order
type SettlementEvent struct {
	OrderIDRaw  [32]byte
	Restaurant  string
	GrossUSD6   uint64
	FeeUSD6     uint64
	NetUSD6     uint64
	Timestamp   time.Time
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// OrderKey returns the canonical order identifier
func (e SettlementEvent) OrderKey() string {
	return strings.TrimRight(string(e.OrderIDRaw[:]), "\x00")
}

// RefundEvent reports a refund issued by the settlement contract
type RefundEvent struct {
	OrderIDRaw  [32]byte
	Recipient   string
	AmountUSD6  uint64
	Timestamp   time.Time
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// OrderKey returns the canonical order identifier
func (e RefundEvent) OrderKey() string {
	return strings.TrimRight(string(e.OrderIDRaw[:]), "\x00")
}

// Order is the reconciliation-relevant projection of an order owned by
// the order-management collaborator. This service reads the expected
// amount and writes PaymentStatus; it never creates orders.
type Order struct {
	ID                  string          `db:"id"`
	TotalAmountExpected decimal.Decimal `db:"total_amount_expected"`
	PaymentStatus       PaymentStatus   `db:"payment_status"`
	Status              string          `db:"status"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

// Payment records one observed on-chain payment against an order.
// One order may accumulate several payments; TransactionID is unique.
type Payment struct {
	ID             uuid.UUID        `db:"id"`
	OrderID        string           `db:"order_id"`
	TransactionID  string           `db:"transaction_id"`
	AmountReceived decimal.Decimal  `db:"amount_received"`
	Payer          string           `db:"payer"`
	BlockNumber    uint64           `db:"block_number"`
	SettledGross   *decimal.Decimal `db:"settled_gross"`
	SettledFee     *decimal.Decimal `db:"settled_fee"`
	SettledNet     *decimal.Decimal `db:"settled_net"`
	CreatedAt      time.Time        `db:"created_at"`
}

// NewPayment builds a payment row from a decoded event
func NewPayment(orderID string, event PaymentEvent) *Payment {
	return &Payment{
		ID:             uuid.New(),
		OrderID:        orderID,
		TransactionID:  event.TxHash,
		AmountReceived: event.Amount(),
		Payer:          event.Payer,
		BlockNumber:    event.BlockNumber,
		CreatedAt:      time.Now().UTC(),
	}
}
