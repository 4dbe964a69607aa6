package listener

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

	"github.com/nilelink/settlement-service/internal/breaker"
	"github.com/nilelink/settlement-service/internal/chain"
	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
)

const (
	testContract = "0x00000000000000000000000000000000000000AA"
	testPayer    = "0x1111111111111111111111111111111111111111"
)

// fakeRPC serves canned logs and heads
type fakeRPC struct {
	mu        sync.Mutex
	head      uint64
	headErr   error
	logs      []types.Log
	logsErr   error
	queries   []ethereum.FilterQuery
	logCalls  int
	headCalls int
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	return f.head, f.headErr
}

func (f *fakeRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++
	f.queries = append(f.queries, q)
	if f.logsErr != nil {
		return nil, f.logsErr
	}

	from := q.FromBlock.Uint64()
	to := q.ToBlock.Uint64()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeRPC) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{}, nil
}

func (f *fakeRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

// memCheckpoints is an in-memory checkpoint store
type memCheckpoints struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{blocks: make(map[string]uint64)}
}

func (c *memCheckpoints) Get(ctx context.Context, contract string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[contract]
	return b, ok, nil
}

func (c *memCheckpoints) Save(ctx context.Context, contract string, lastBlock uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[contract] = lastBlock
	return nil
}

func (c *memCheckpoints) get(contract string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[common.HexToAddress(contract).Hex()]
}

// recordingHandler collects events in delivery order
type recordingHandler struct {
	mu       sync.Mutex
	payments []entities.PaymentEvent
	refunds  []entities.RefundEvent
	settles  []entities.SettlementEvent
	failOn   string // tx hash that should fail handling
}

func (h *recordingHandler) HandlePaymentEvent(ctx context.Context, event entities.PaymentEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOn != "" && event.TxHash == h.failOn {
		return errors.New("store unavailable")
	}
	h.payments = append(h.payments, event)
	return nil
}

func (h *recordingHandler) HandleSettlementEvent(ctx context.Context, event entities.SettlementEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settles = append(h.settles, event)
	return nil
}

func (h *recordingHandler) HandleRefundEvent(ctx context.Context, event entities.RefundEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refunds = append(h.refunds, event)
	return nil
}

func testListener(t *testing.T, rpc *fakeRPC, handler EventHandler, checkpoints CheckpointStore, chunk uint64) *Listener {
	t.Helper()
	breakers := breaker.NewManager(breaker.DefaultConfig(), logger.NewNop(), nil, nil)
	client := chain.NewClient(rpc, breakers, nil)
	l, err := New(client, handler, checkpoints, Config{
		ContractAddress: testContract,
		DeploymentBlock: 0,
		ChunkSize:       chunk,
	}, logger.NewNop(), nil)
	require.NoError(t, err)
	return l
}

func mustDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	require.NoError(t, err)
	return d
}

func packValues(t *testing.T, d *Decoder, event string, values ...interface{}) []byte {
	t.Helper()
	data, err := d.abi.Events[event].Inputs.NonIndexed().Pack(values...)
	require.NoError(t, err)
	return data
}

func orderTopic(id string) common.Hash {
	var raw [32]byte
	copy(raw[:], id)
	return common.Hash(raw)
}

func addressTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

func paymentLog(t *testing.T, d *Decoder, orderID, txHash string, block uint64, index uint, amount int64) types.Log {
	t.Helper()
	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{d.receivedTopic, orderTopic(orderID), addressTopic(testPayer)},
		Data:        packValues(t, d, "PaymentReceived", big.NewInt(amount), big.NewInt(1_700_000_000)),
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		Index:       index,
	}
}

func TestDecodePaymentReceived(t *testing.T) {
	d := mustDecoder(t)
	lg := paymentLog(t, d, "order-7", "0x0aaa", 42, 3, 25_000_000)

	decoded, err := d.Decode(lg)
	require.NoError(t, err)

	event, ok := decoded.(entities.PaymentEvent)
	require.True(t, ok)
	assert.Equal(t, "order-7", event.OrderKey())
	assert.Equal(t, testPayer, event.Payer)
	assert.Equal(t, uint64(25_000_000), event.AmountUSD6)
	assert.Equal(t, uint64(42), event.BlockNumber)
	assert.Equal(t, uint(3), event.LogIndex)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), event.Timestamp)
	assert.Equal(t, "25", event.Amount().String())
}

func TestDecodePaymentSettled(t *testing.T) {
	d := mustDecoder(t)
	lg := types.Log{
		Topics: []common.Hash{d.settledTopic, orderTopic("order-7"), addressTopic(testPayer)},
		Data: packValues(t, d, "PaymentSettled",
			big.NewInt(25_000_000), big.NewInt(1_250_000), big.NewInt(23_750_000), big.NewInt(1_700_000_000)),
		BlockNumber: 43,
		TxHash:      common.HexToHash("0x0bbb"),
	}

	decoded, err := d.Decode(lg)
	require.NoError(t, err)

	event, ok := decoded.(entities.SettlementEvent)
	require.True(t, ok)
	assert.Equal(t, "order-7", event.OrderKey())
	assert.Equal(t, uint64(25_000_000), event.GrossUSD6)
	assert.Equal(t, uint64(1_250_000), event.FeeUSD6)
	assert.Equal(t, uint64(23_750_000), event.NetUSD6)
}

func TestDecodePaymentRefunded(t *testing.T) {
	d := mustDecoder(t)
	lg := types.Log{
		Topics:      []common.Hash{d.refundedTopic, orderTopic("order-7"), addressTopic(testPayer)},
		Data:        packValues(t, d, "PaymentRefunded", big.NewInt(25_000_000), big.NewInt(1_700_000_000)),
		BlockNumber: 44,
		TxHash:      common.HexToHash("0x0ccc"),
	}

	decoded, err := d.Decode(lg)
	require.NoError(t, err)

	event, ok := decoded.(entities.RefundEvent)
	require.True(t, ok)
	assert.Equal(t, testPayer, event.Recipient)
	assert.Equal(t, uint64(25_000_000), event.AmountUSD6)
}

func TestDecodeUnknownTopicIsSkipped(t *testing.T) {
	d := mustDecoder(t)
	decoded, err := d.Decode(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestSyncDeliversEventsInOrder(t *testing.T) {
	d := mustDecoder(t)
	handler := &recordingHandler{}
	checkpoints := newMemCheckpoints()

	// Out-of-order delivery from the provider
	rpc := &fakeRPC{
		head: 50,
		logs: []types.Log{
			paymentLog(t, d, "order-3", "0x03", 40, 0, 3_000_000),
			paymentLog(t, d, "order-1", "0x01", 10, 2, 1_000_000),
			paymentLog(t, d, "order-2", "0x02", 10, 1, 2_000_000),
		},
	}

	l := testListener(t, rpc, handler, checkpoints, 100)
	require.NoError(t, l.SyncMissedEvents(context.Background()))

	require.Len(t, handler.payments, 3)
	assert.Equal(t, "order-2", handler.payments[0].OrderKey())
	assert.Equal(t, "order-1", handler.payments[1].OrderKey())
	assert.Equal(t, "order-3", handler.payments[2].OrderKey())

	assert.Equal(t, uint64(50), checkpoints.get(testContract))
	health := l.Health()
	assert.Equal(t, uint64(50), health.LastSyncedBlock)
}

func TestSyncChunksLargeRanges(t *testing.T) {
	d := mustDecoder(t)
	handler := &recordingHandler{}
	rpc := &fakeRPC{
		head: 4999,
		logs: []types.Log{
			paymentLog(t, d, "order-1", "0x01", 100, 0, 1_000_000),
			paymentLog(t, d, "order-2", "0x02", 4500, 0, 2_000_000),
		},
	}

	l := testListener(t, rpc, handler, newMemCheckpoints(), 2000)
	require.NoError(t, l.SyncMissedEvents(context.Background()))

	assert.Equal(t, 3, rpc.logCalls) // 0-1999, 2000-3999, 4000-4999
	require.Len(t, handler.payments, 2)
}

func TestSyncResumesFromCheckpoint(t *testing.T) {
	d := mustDecoder(t)
	handler := &recordingHandler{}
	checkpoints := newMemCheckpoints()
	require.NoError(t, checkpoints.Save(context.Background(),
		common.HexToAddress(testContract).Hex(), 30))

	rpc := &fakeRPC{
		head: 50,
		logs: []types.Log{
			paymentLog(t, d, "order-old", "0x01", 20, 0, 1_000_000),
			paymentLog(t, d, "order-new", "0x02", 40, 0, 2_000_000),
		},
	}

	l := testListener(t, rpc, handler, checkpoints, 100)
	require.NoError(t, l.SyncMissedEvents(context.Background()))

	// Only events past the checkpoint are replayed.
	require.Len(t, handler.payments, 1)
	assert.Equal(t, "order-new", handler.payments[0].OrderKey())
}

func TestSyncHandlerFailureDoesNotAdvanceCheckpoint(t *testing.T) {
	d := mustDecoder(t)
	handler := &recordingHandler{failOn: "0x0000000000000000000000000000000000000000000000000000000000000002"}
	checkpoints := newMemCheckpoints()

	rpc := &fakeRPC{
		head: 50,
		logs: []types.Log{
			paymentLog(t, d, "order-1", "0x01", 10, 0, 1_000_000),
			paymentLog(t, d, "order-2", "0x02", 20, 0, 2_000_000),
		},
	}

	l := testListener(t, rpc, handler, checkpoints, 100)
	require.Error(t, l.SyncMissedEvents(context.Background()))

	// Nothing durable was recorded for the failed chunk.
	assert.Equal(t, uint64(0), checkpoints.get(testContract))
}

func TestTransportErrorEntersOfflineMode(t *testing.T) {
	rpc := &fakeRPC{headErr: errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")}
	l := testListener(t, rpc, &recordingHandler{}, newMemCheckpoints(), 100)

	require.Error(t, l.SyncMissedEvents(context.Background()))
	assert.True(t, l.Offline())

	// While offline, sync is a no-op.
	require.NoError(t, l.SyncMissedEvents(context.Background()))

	health := l.Health()
	assert.False(t, health.Connected)
	assert.True(t, health.OfflineMode)
}

func TestProbeHealthRecoversFromOfflineMode(t *testing.T) {
	rpc := &fakeRPC{headErr: errors.New("connection refused")}
	l := testListener(t, rpc, &recordingHandler{}, newMemCheckpoints(), 100)

	require.Error(t, l.SyncMissedEvents(context.Background()))
	require.True(t, l.Offline())

	rpc.mu.Lock()
	rpc.headErr = nil
	rpc.head = 10
	rpc.mu.Unlock()

	l.ProbeHealth(context.Background())
	assert.False(t, l.Offline())
}

func TestNewRejectsInvalidContractAddress(t *testing.T) {
	breakers := breaker.NewManager(breaker.DefaultConfig(), logger.NewNop(), nil, nil)
	client := chain.NewClient(&fakeRPC{}, breakers, nil)

	_, err := New(client, &recordingHandler{}, newMemCheckpoints(), Config{
		ContractAddress: "not-an-address",
	}, logger.NewNop(), nil)
	require.Error(t, err)
}
