package cache

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nilelink/settlement-service/internal/infrastructure/config"
)

const (
	seenTxKeyPrefix = "settlement:seen_tx:"
	gasPriceKey     = "settlement:gas_price_wei"

	// Seen-tx entries only exist to short-circuit the DB idempotency
	// lookup for recent replays; the payments table stays authoritative.
	seenTxTTL = 24 * time.Hour
)

// Cache is a fast-path cache in front of the durable stores. All methods
// are safe on a nil receiver so the service can run without Redis.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache connects to Redis and verifies the connection
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &Cache{client: rdb, logger: logger}, nil
}

// TxSeen reports whether a transaction hash was recently processed.
// A miss means nothing; the caller must still consult durable state.
func (c *Cache) TxSeen(ctx context.Context, txHash string) bool {
	if c == nil {
		return false
	}
	n, err := c.client.Exists(ctx, seenTxKeyPrefix+txHash).Result()
	if err != nil {
		c.logger.Debug("Redis seen-tx lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}

// MarkTxSeen records a processed transaction hash
func (c *Cache) MarkTxSeen(ctx context.Context, txHash string) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, seenTxKeyPrefix+txHash, 1, seenTxTTL).Err(); err != nil {
		c.logger.Debug("Redis seen-tx write failed", zap.Error(err))
	}
}

// GetGasPrice returns a shared cached gas price, if any
func (c *Cache) GetGasPrice(ctx context.Context) (*big.Int, bool) {
	if c == nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, gasPriceKey).Result()
	if err != nil {
		return nil, false
	}
	price, ok := new(big.Int).SetString(val, 10)
	return price, ok
}

// SetGasPrice shares a computed gas price across processes
func (c *Cache) SetGasPrice(ctx context.Context, price *big.Int, ttl time.Duration) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, gasPriceKey, price.String(), ttl).Err(); err != nil {
		c.logger.Debug("Redis gas price write failed", zap.Error(err))
	}
}

// Close releases the underlying connection pool
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
