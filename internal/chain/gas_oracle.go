package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/nilelink/settlement-service/internal/infrastructure/cache"
	"github.com/nilelink/settlement-service/pkg/logger"
)

const (
	// defaultGasLimit is the conservative fallback when estimation fails
	defaultGasLimit = uint64(21000)
	// gasPriceBufferPercent is added for faster inclusion
	gasPriceBufferPercent = 20
)

// GasOracle computes an optimized gas price with a short-lived cache.
// EIP-1559 fee data is preferred, then the legacy gas price, then a
// hard floor when the provider cannot be reached at all.
type GasOracle struct {
	client *Client
	cache  *cache.Cache
	logger *logger.Logger

	ttl   time.Duration
	floor *big.Int

	mu        sync.Mutex
	price     *big.Int
	fetchedAt time.Time
}

// NewGasOracle creates a gas oracle. shared may be nil.
func NewGasOracle(client *Client, shared *cache.Cache, log *logger.Logger, ttl time.Duration, floorWei int64) *GasOracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if floorWei <= 0 {
		floorWei = 50_000_000_000 // 50 gwei
	}
	return &GasOracle{
		client: client,
		cache:  shared,
		logger: log,
		ttl:    ttl,
		floor:  big.NewInt(floorWei),
	}
}

// GetOptimizedGasPrice returns the current buffered gas price in wei
func (o *GasOracle) GetOptimizedGasPrice(ctx context.Context) *big.Int {
	o.mu.Lock()
	if o.price != nil && time.Since(o.fetchedAt) < o.ttl {
		price := new(big.Int).Set(o.price)
		o.mu.Unlock()
		return price
	}
	o.mu.Unlock()

	if shared, ok := o.cache.GetGasPrice(ctx); ok {
		o.store(shared)
		return shared
	}

	price := o.compute(ctx)
	o.store(price)
	o.cache.SetGasPrice(ctx, price, o.ttl)
	return price
}

func (o *GasOracle) compute(ctx context.Context) *big.Int {
	fees, err := o.client.FeeData(ctx)
	if err != nil {
		o.logger.Warn("Gas price query failed, using floor", "error", err, "floor_wei", o.floor)
		return new(big.Int).Set(o.floor)
	}

	var price *big.Int
	switch {
	case fees.MaxFeePerGas != nil && fees.MaxPriorityFeePerGas != nil:
		price = new(big.Int).Add(fees.MaxFeePerGas, fees.MaxPriorityFeePerGas)
	case fees.GasPrice != nil:
		price = new(big.Int).Set(fees.GasPrice)
	default:
		price = new(big.Int).Set(o.floor)
	}

	// +20% buffer for faster inclusion
	price.Mul(price, big.NewInt(100+gasPriceBufferPercent))
	price.Div(price, big.NewInt(100))

	o.logger.Debug("Optimized gas price computed", "price_wei", price.String())
	return price
}

func (o *GasOracle) store(price *big.Int) {
	o.mu.Lock()
	o.price = new(big.Int).Set(price)
	o.fetchedAt = time.Now()
	o.mu.Unlock()
}

// EstimateGasCost combines a gas-limit estimate with the oracle price.
// Estimation errors degrade to a conservative default instead of
// failing the caller.
func (o *GasOracle) EstimateGasCost(ctx context.Context, msg ethereum.CallMsg) (gasLimit uint64, totalCost *big.Int) {
	gasLimit, err := o.client.EstimateGas(ctx, msg)
	if err != nil {
		o.logger.Warn("Gas estimation failed, using default limit", "error", err)
		return defaultGasLimit, big.NewInt(0)
	}

	price := o.GetOptimizedGasPrice(ctx)
	totalCost = new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), price)
	return gasLimit, totalCost
}
