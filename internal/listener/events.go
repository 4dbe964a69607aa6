package listener

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/nilelink/settlement-service/internal/domain/entities"
)

// settlementABI covers the three settlement-contract events this
// service consumes. Amounts are micro-USD integers.
const settlementABI = `[
  {"type":"event","name":"PaymentReceived","inputs":[
    {"name":"orderId","type":"bytes32","indexed":true},
    {"name":"payer","type":"address","indexed":true},
    {"name":"amountUsd6","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentSettled","inputs":[
    {"name":"orderId","type":"bytes32","indexed":true},
    {"name":"restaurant","type":"address","indexed":true},
    {"name":"grossUsd6","type":"uint256","indexed":false},
    {"name":"feeUsd6","type":"uint256","indexed":false},
    {"name":"netUsd6","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentRefunded","inputs":[
    {"name":"orderId","type":"bytes32","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"amountUsd6","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]}
]`

// Decoder turns raw contract logs into typed domain events
type Decoder struct {
	abi           abi.ABI
	receivedTopic common.Hash
	settledTopic  common.Hash
	refundedTopic common.Hash
}

// NewDecoder parses the settlement contract ABI
func NewDecoder() (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement abi: %w", err)
	}
	return &Decoder{
		abi:           parsed,
		receivedTopic: parsed.Events["PaymentReceived"].ID,
		settledTopic:  parsed.Events["PaymentSettled"].ID,
		refundedTopic: parsed.Events["PaymentRefunded"].ID,
	}, nil
}

// Topics returns the event signature hashes to filter on
func (d *Decoder) Topics() []common.Hash {
	return []common.Hash{d.receivedTopic, d.settledTopic, d.refundedTopic}
}

// Decode converts a raw log into one of the entities event types.
// Returns (nil, nil) for logs the contract emits that this service
// does not consume.
func (d *Decoder) Decode(log types.Log) (interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	switch log.Topics[0] {
	case d.receivedTopic:
		event, err := d.decodePaymentReceived(log)
		if err != nil {
			return nil, err
		}
		return event, nil
	case d.settledTopic:
		event, err := d.decodePaymentSettled(log)
		if err != nil {
			return nil, err
		}
		return event, nil
	case d.refundedTopic:
		event, err := d.decodePaymentRefunded(log)
		if err != nil {
			return nil, err
		}
		return event, nil
	default:
		return nil, nil
	}
}

func (d *Decoder) decodePaymentReceived(log types.Log) (entities.PaymentEvent, error) {
	var event entities.PaymentEvent
	if len(log.Topics) < 3 {
		return event, fmt.Errorf("malformed PaymentReceived log %s: %d topics", log.TxHash.Hex(), len(log.Topics))
	}

	values, err := d.abi.Unpack("PaymentReceived", log.Data)
	if err != nil {
		return event, fmt.Errorf("failed to unpack PaymentReceived %s: %w", log.TxHash.Hex(), err)
	}

	event.OrderIDRaw = [32]byte(log.Topics[1])
	event.Payer = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
	event.AmountUSD6 = values[0].(*big.Int).Uint64()
	event.Timestamp = unixTime(values[1].(*big.Int))
	event.TxHash = log.TxHash.Hex()
	event.BlockNumber = log.BlockNumber
	event.LogIndex = log.Index
	return event, nil
}

func (d *Decoder) decodePaymentSettled(log types.Log) (entities.SettlementEvent, error) {
	var event entities.SettlementEvent
	if len(log.Topics) < 3 {
		return event, fmt.Errorf("malformed PaymentSettled log %s: %d topics", log.TxHash.Hex(), len(log.Topics))
	}

	values, err := d.abi.Unpack("PaymentSettled", log.Data)
	if err != nil {
		return event, fmt.Errorf("failed to unpack PaymentSettled %s: %w", log.TxHash.Hex(), err)
	}

	event.OrderIDRaw = [32]byte(log.Topics[1])
	event.Restaurant = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
	event.GrossUSD6 = values[0].(*big.Int).Uint64()
	event.FeeUSD6 = values[1].(*big.Int).Uint64()
	event.NetUSD6 = values[2].(*big.Int).Uint64()
	event.Timestamp = unixTime(values[3].(*big.Int))
	event.TxHash = log.TxHash.Hex()
	event.BlockNumber = log.BlockNumber
	event.LogIndex = log.Index
	return event, nil
}

func (d *Decoder) decodePaymentRefunded(log types.Log) (entities.RefundEvent, error) {
	var event entities.RefundEvent
	if len(log.Topics) < 3 {
		return event, fmt.Errorf("malformed PaymentRefunded log %s: %d topics", log.TxHash.Hex(), len(log.Topics))
	}

	values, err := d.abi.Unpack("PaymentRefunded", log.Data)
	if err != nil {
		return event, fmt.Errorf("failed to unpack PaymentRefunded %s: %w", log.TxHash.Hex(), err)
	}

	event.OrderIDRaw = [32]byte(log.Topics[1])
	event.Recipient = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
	event.AmountUSD6 = values[0].(*big.Int).Uint64()
	event.Timestamp = unixTime(values[1].(*big.Int))
	event.TxHash = log.TxHash.Hex()
	event.BlockNumber = log.BlockNumber
	event.LogIndex = log.Index
	return event, nil
}

func unixTime(ts *big.Int) time.Time {
	return time.Unix(int64(ts.Uint64()), 0).UTC()
}
