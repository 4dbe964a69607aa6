// Package chain wraps the Ethereum RPC provider. Every call goes
// through the shared circuit breaker under the "chain-rpc" dependency
// name so a failing provider trips one breaker for all callers.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nilelink/settlement-service/internal/breaker"
	"github.com/nilelink/settlement-service/pkg/metrics"
)

// RPC is the provider surface this service consumes. *ethclient.Client
// satisfies it; tests substitute fakes.
type RPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// FeeData mirrors the provider's current fee quote. EIP-1559 fields are
// nil on chains that only expose a legacy gas price.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Client is the breaker-guarded chain client
type Client struct {
	rpc        RPC
	breakers   *breaker.Manager
	metrics    *metrics.Metrics
	subscribed bool
}

// Dial connects to the RPC endpoint and wraps it
func Dial(rpcURL string, breakers *breaker.Manager, m *metrics.Metrics) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}
	client := NewClient(eth, breakers, m)
	client.subscribed = supportsSubscriptions(rpcURL)
	return client, nil
}

// NewClient wraps an existing provider
func NewClient(rpc RPC, breakers *breaker.Manager, m *metrics.Metrics) *Client {
	return &Client{rpc: rpc, breakers: breakers, metrics: m}
}

// supportsSubscriptions reports whether the transport can push events
func supportsSubscriptions(rpcURL string) bool {
	return strings.HasPrefix(rpcURL, "ws://") || strings.HasPrefix(rpcURL, "wss://")
}

// SupportsSubscriptions reports whether live event subscriptions are
// available; HTTP providers fall back to polling mode.
func (c *Client) SupportsSubscriptions() bool {
	return c.subscribed
}

func (c *Client) execute(ctx context.Context, method string, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := c.breakers.Execute(ctx, breaker.DepChainRPC, op)
	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.RPCRequests.WithLabelValues(method, outcome).Inc()
	}
	return result, err
}

// BlockNumber returns the current chain head
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.execute(ctx, "eth_blockNumber", func(ctx context.Context) (interface{}, error) {
		return c.rpc.BlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	return result.(uint64), nil
}

// FilterLogs fetches the logs matching q
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	result, err := c.execute(ctx, "eth_getLogs", func(ctx context.Context) (interface{}, error) {
		return c.rpc.FilterLogs(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.Log), nil
}

// SubscribeFilterLogs opens a live log subscription. The subscribe call
// itself passes through the breaker; delivery then bypasses it.
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	result, err := c.execute(ctx, "eth_subscribe", func(ctx context.Context) (interface{}, error) {
		return c.rpc.SubscribeFilterLogs(ctx, q, ch)
	})
	if err != nil {
		return nil, err
	}
	return result.(ethereum.Subscription), nil
}

// TransactionReceipt returns the receipt for txHash, or nil while the
// transaction is still pending. A pending transaction is not a provider
// failure and must not feed the breaker.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	result, err := c.execute(ctx, "eth_getTransactionReceipt", func(ctx context.Context) (interface{}, error) {
		receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return (*types.Receipt)(nil), nil
		}
		return receipt, err
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.Receipt), nil
}

// FeeData queries the provider's current fee quote
func (c *Client) FeeData(ctx context.Context) (*FeeData, error) {
	result, err := c.execute(ctx, "eth_feeData", func(ctx context.Context) (interface{}, error) {
		head, err := c.rpc.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, err
		}

		fees := &FeeData{}
		if head.BaseFee != nil {
			tip, err := c.rpc.SuggestGasTipCap(ctx)
			if err != nil {
				return nil, err
			}
			fees.MaxPriorityFeePerGas = tip
			// Double the base fee to survive the next few blocks' growth.
			fees.MaxFeePerGas = new(big.Int).Add(
				new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
				tip,
			)
			return fees, nil
		}

		price, err := c.rpc.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		fees.GasPrice = price
		return fees, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*FeeData), nil
}

// EstimateGas estimates the gas limit for msg
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	result, err := c.execute(ctx, "eth_estimateGas", func(ctx context.Context) (interface{}, error) {
		return c.rpc.EstimateGas(ctx, msg)
	})
	if err != nil {
		return 0, err
	}
	return result.(uint64), nil
}

// SendTransaction submits a signed transaction to the network
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := c.execute(ctx, "eth_sendRawTransaction", func(ctx context.Context) (interface{}, error) {
		return nil, c.rpc.SendTransaction(ctx, tx)
	})
	return err
}

// connectivity error substrings recognized as transport failures
var transportErrorMarkers = []string{
	"connection refused",
	"no such host",
	"i/o timeout",
	"connection reset",
	"dial tcp",
	"eof",
}

// IsTransportError reports whether err looks like the provider being
// unreachable rather than a bad request. Substring matching is the
// last-resort adapter for the RPC library's untyped transport errors.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transportErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
