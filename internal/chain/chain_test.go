package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilelink/settlement-service/internal/alerting"
	"github.com/nilelink/settlement-service/internal/breaker"
	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

// fakeRPC is a scriptable provider
type fakeRPC struct {
	mu sync.Mutex

	blockNumber    uint64
	blockNumberErr error

	header    *types.Header
	headerErr error

	gasPrice *big.Int
	tipCap   *big.Int

	estimate    uint64
	estimateErr error

	receipt    *types.Receipt
	receiptErr error

	feeCalls int
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNumber, f.blockNumberErr
}

func (f *fakeRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeRPC) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt, f.receiptErr
}

func (f *fakeRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	f.feeCalls++
	f.mu.Unlock()
	return f.header, f.headerErr
}

func (f *fakeRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tipCap, nil
}

func (f *fakeRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (f *fakeRPC) headerFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeCalls
}

func testClient(rpc RPC) *Client {
	breakers := breaker.NewManager(breaker.DefaultConfig(), logger.NewNop(), nil, nil)
	return NewClient(rpc, breakers, nil)
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestFeeDataPrefersEIP1559(t *testing.T) {
	rpc := &fakeRPC{
		header: &types.Header{BaseFee: gwei(100)},
		tipCap: gwei(2),
	}
	client := testClient(rpc)

	fees, err := client.FeeData(context.Background())
	require.NoError(t, err)
	assert.Nil(t, fees.GasPrice)
	assert.Equal(t, gwei(2), fees.MaxPriorityFeePerGas)
	// maxFee = 2*baseFee + tip
	assert.Equal(t, gwei(202), fees.MaxFeePerGas)
}

func TestFeeDataLegacyFallback(t *testing.T) {
	rpc := &fakeRPC{
		header:   &types.Header{}, // no base fee on legacy chains
		gasPrice: gwei(10),
	}
	client := testClient(rpc)

	fees, err := client.FeeData(context.Background())
	require.NoError(t, err)
	assert.Nil(t, fees.MaxFeePerGas)
	assert.Equal(t, gwei(10), fees.GasPrice)
}

func TestGasOracleBuffersEIP1559Price(t *testing.T) {
	rpc := &fakeRPC{
		header: &types.Header{BaseFee: gwei(100)},
		tipCap: gwei(2),
	}
	oracle := NewGasOracle(testClient(rpc), nil, logger.NewNop(), 30*time.Second, 0)

	price := oracle.GetOptimizedGasPrice(context.Background())
	// (maxFee 202 + tip 2) gwei with a 20% buffer
	expected := new(big.Int).Div(new(big.Int).Mul(gwei(204), big.NewInt(120)), big.NewInt(100))
	assert.Equal(t, expected, price)
}

func TestGasOracleBuffersLegacyPrice(t *testing.T) {
	rpc := &fakeRPC{
		header:   &types.Header{},
		gasPrice: gwei(10),
	}
	oracle := NewGasOracle(testClient(rpc), nil, logger.NewNop(), 30*time.Second, 0)

	price := oracle.GetOptimizedGasPrice(context.Background())
	assert.Equal(t, gwei(12), price)
}

func TestGasOracleFallsBackToFloorOnError(t *testing.T) {
	rpc := &fakeRPC{headerErr: errors.New("connection refused")}
	oracle := NewGasOracle(testClient(rpc), nil, logger.NewNop(), 30*time.Second, 0)

	price := oracle.GetOptimizedGasPrice(context.Background())
	assert.Equal(t, gwei(50), price)
}

func TestGasOracleCachesWithinTTL(t *testing.T) {
	rpc := &fakeRPC{
		header: &types.Header{BaseFee: gwei(100)},
		tipCap: gwei(2),
	}
	oracle := NewGasOracle(testClient(rpc), nil, logger.NewNop(), time.Minute, 0)

	first := oracle.GetOptimizedGasPrice(context.Background())
	second := oracle.GetOptimizedGasPrice(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, 1, rpc.headerFetches())
}

func TestGasOracleRefetchesAfterTTL(t *testing.T) {
	rpc := &fakeRPC{
		header: &types.Header{BaseFee: gwei(100)},
		tipCap: gwei(2),
	}
	oracle := NewGasOracle(testClient(rpc), nil, logger.NewNop(), 10*time.Millisecond, 0)

	oracle.GetOptimizedGasPrice(context.Background())
	time.Sleep(20 * time.Millisecond)
	oracle.GetOptimizedGasPrice(context.Background())

	assert.Equal(t, 2, rpc.headerFetches())
}

func TestEstimateGasCost(t *testing.T) {
	rpc := &fakeRPC{
		header:   &types.Header{},
		gasPrice: gwei(10),
		estimate: 60_000,
	}
	oracle := NewGasOracle(testClient(rpc), nil, logger.NewNop(), time.Minute, 0)

	limit, cost := oracle.EstimateGasCost(context.Background(), ethereum.CallMsg{})
	assert.Equal(t, uint64(60_000), limit)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(60_000), gwei(12)), cost)
}

func TestEstimateGasCostDegradesOnError(t *testing.T) {
	rpc := &fakeRPC{estimateErr: errors.New("execution reverted")}
	oracle := NewGasOracle(testClient(rpc), nil, logger.NewNop(), time.Minute, 0)

	limit, cost := oracle.EstimateGasCost(context.Background(), ethereum.CallMsg{})
	assert.Equal(t, uint64(21_000), limit)
	assert.Equal(t, big.NewInt(0), cost)
}

func TestTransactionReceiptPendingIsNotAnError(t *testing.T) {
	rpc := &fakeRPC{receiptErr: ethereum.NotFound}
	client := testClient(rpc)

	receipt, err := client.TransactionReceipt(context.Background(), common.HexToHash("0xabc"))
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, IsTransportError(errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")))
	assert.True(t, IsTransportError(errors.New("Post \"http://x\": EOF")))
	assert.True(t, IsTransportError(errors.New("read tcp: i/o timeout")))
	assert.False(t, IsTransportError(errors.New("execution reverted")))
	assert.False(t, IsTransportError(nil))
}

func TestSupportsSubscriptions(t *testing.T) {
	assert.True(t, supportsSubscriptions("wss://mainnet.example/ws"))
	assert.True(t, supportsSubscriptions("ws://localhost:8546"))
	assert.False(t, supportsSubscriptions("https://mainnet.example"))
}

// alertRecorder is a sink that captures dispatched alerts
type alertRecorder struct {
	mu     sync.Mutex
	alerts []entities.Alert
}

func (r *alertRecorder) Send(ctx context.Context, alert entities.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *alertRecorder) types() []entities.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entities.AlertType, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Type)
	}
	return out
}

func testMonitor(rpc receiptSource, recorder *alertRecorder) *Monitor {
	m := NewMonitor(rpc, alerting.NewDispatcher(logger.NewNop(), recorder), logger.NewNop())
	m.pollInterval = 5 * time.Millisecond
	m.errorInterval = 5 * time.Millisecond
	return m
}

func TestMonitorConfirmedTransaction(t *testing.T) {
	rpc := &fakeRPC{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(90),
		},
		blockNumber: 100,
	}
	recorder := &alertRecorder{}
	m := testMonitor(rpc, recorder)

	m.Watch("0xaaa", time.Second)
	require.NoError(t, m.Shutdown(time.Second))
	assert.Empty(t, recorder.types())
}

func TestMonitorRevertedTransactionAlerts(t *testing.T) {
	rpc := &fakeRPC{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(90),
		},
	}
	recorder := &alertRecorder{}
	m := testMonitor(rpc, recorder)

	m.Watch("0xbbb", time.Second)
	require.Eventually(t, func() bool {
		return len(recorder.types()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, entities.AlertTransactionFailed, recorder.types()[0])
	require.NoError(t, m.Shutdown(time.Second))
}

func TestMonitorTimeoutAlerts(t *testing.T) {
	rpc := &fakeRPC{} // receipt stays nil: transaction never mines
	recorder := &alertRecorder{}
	m := testMonitor(rpc, recorder)

	m.Watch("0xccc", 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(recorder.types()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, entities.AlertTransactionTimeout, recorder.types()[0])
	require.NoError(t, m.Shutdown(time.Second))
}
