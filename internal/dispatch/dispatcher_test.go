package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tokensync/internal/model"
	"tokensync/internal/store/memory"
)

// fakeChain scripts the transaction side of a node: per-call send errors,
// seedable nonces, and optional auto-mining of accepted transactions.
type fakeChain struct {
	mu            sync.Mutex
	head          uint64
	nonces        []uint64
	sendErrs      []error
	sendDefault   error
	sent          []*types.Transaction
	receipts      map[common.Hash]*types.Receipt
	autoMine      bool
	mineBlock     uint64
	receiptStatus uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		head:          100,
		nonces:        []uint64{0},
		receipts:      make(map[common.Hash]*types.Receipt),
		mineBlock:     10,
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(context.Context, uint64, uint64, []common.Address, []common.Hash) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeChain) SubscribeLogs(context.Context, []common.Address, []common.Hash, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, fmt.Errorf("push transport not configured")
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(100)}, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nonce := f.nonces[0]
	if len(f.nonces) > 1 {
		f.nonces = f.nonces[1:]
	}
	return nonce, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(10), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.sendErrs) > 0 {
		err = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
	} else {
		err = f.sendDefault
	}
	if err != nil {
		return err
	}
	f.sent = append(f.sent, tx)
	if f.autoMine {
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      f.receiptStatus,
			BlockNumber: new(big.Int).SetUint64(f.mineBlock),
		}
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) setHead(n uint64) {
	f.mu.Lock()
	f.head = n
	f.mu.Unlock()
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return Config{
		Contract:            common.HexToAddress("0xbb"),
		PrivateKey:          key,
		ChainID:             big.NewInt(1337),
		MaxRetries:          3,
		RetryBackoff:        time.Millisecond,
		ReceiptPollInterval: time.Millisecond,
		ResubmitAfterPolls:  1000,
	}
}

// queueItems commits work items through the ledger so they carry real ids.
func queueItems(t *testing.T, ledger *memory.Store, values ...string) []model.WorkItem {
	t.Helper()
	ctx := context.Background()
	items := make([]model.WorkItem, 0, len(values))
	for i, value := range values {
		item := model.WorkItem{
			TokenID: fmt.Sprintf("%d", i+1),
			Value:   value,
			TxHash:  fmt.Sprintf("0x%02x", i+1),
		}
		id, inserted, err := ledger.CommitEnqueue(ctx, fmt.Sprintf("0x%02x:0", i+1), item)
		require.NoError(t, err)
		require.True(t, inserted)
		item.ID = id
		items = append(items, item)
	}
	return items
}

func TestDispatchRetryThenSuccessAndConfirm(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	items := queueItems(t, ledger, "100", "200")

	fake := newFakeChain()
	fake.autoMine = true
	fake.sendErrs = []error{
		errors.New("transaction underpriced"),
		errors.New("transaction underpriced"),
	}

	d, err := NewDispatcher(testConfig(t), fake, ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	batch, err := d.Dispatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, model.BatchSubmitted, batch.Status)
	require.Equal(t, 2, batch.RetryCount)
	require.Equal(t, 1, fake.sentCount())

	require.Eventually(t, func() bool {
		got, err := ledger.GetBatch(ctx, batch.ID)
		return err == nil && got.Status == model.BatchConfirmed
	}, 2*time.Second, time.Millisecond)

	for _, item := range items {
		got, ok := ledger.WorkItem(item.ID)
		require.True(t, ok)
		require.True(t, got.Dispatched)
	}
}

func TestDispatchInvalidPayloadNotRequeued(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	items := queueItems(t, ledger, "100", "200")

	fake := newFakeChain()
	fake.sendDefault = errors.New("execution reverted: bad token")

	d, err := NewDispatcher(testConfig(t), fake, ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	var requeued []model.WorkItem
	d.SetRequeue(func(item model.WorkItem) { requeued = append(requeued, item) })

	batch, err := d.Dispatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, model.BatchFailed, batch.Status)
	require.Contains(t, batch.Error, "execution reverted")
	require.Empty(t, requeued)

	// Failed items leave the queue; the failure record is the only trace.
	for _, item := range items {
		got, ok := ledger.WorkItem(item.ID)
		require.True(t, ok)
		require.True(t, got.Dispatched)
	}
	ops := ledger.FailedOps()
	require.Len(t, ops, 2)
	for _, op := range ops {
		require.Equal(t, model.StageDispatch, op.Stage)
		require.Equal(t, model.FailedOpPending, op.Status)
	}
}

func TestDispatchExhaustedRetriesRequeues(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	items := queueItems(t, ledger, "100")

	fake := newFakeChain()
	fake.sendDefault = errors.New("connection refused")

	cfg := testConfig(t)
	cfg.MaxRetries = 1
	d, err := NewDispatcher(cfg, fake, ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	var requeued []model.WorkItem
	d.SetRequeue(func(item model.WorkItem) { requeued = append(requeued, item) })

	batch, err := d.Dispatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, model.BatchFailed, batch.Status)
	require.Equal(t, 1, batch.RetryCount)

	require.Len(t, requeued, 1)
	require.Zero(t, requeued[0].BatchID)

	got, ok := ledger.WorkItem(items[0].ID)
	require.True(t, ok)
	require.False(t, got.Dispatched)
	require.Zero(t, got.BatchID)

	pending, err := ledger.PendingWorkItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDispatchNonceResyncOnNonceTooLow(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	items := queueItems(t, ledger, "100")

	fake := newFakeChain()
	fake.autoMine = true
	fake.nonces = []uint64{5, 7}
	fake.sendErrs = []error{errors.New("nonce too low")}

	d, err := NewDispatcher(testConfig(t), fake, ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	batch, err := d.Dispatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, model.BatchSubmitted, batch.Status)
	require.Equal(t, uint64(7), batch.Nonce)
}

func TestDispatchUnparseableValueFailsWithoutSubmission(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	items := queueItems(t, ledger, "not-a-number")

	fake := newFakeChain()
	d, err := NewDispatcher(testConfig(t), fake, ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	batch, err := d.Dispatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, model.BatchFailed, batch.Status)
	require.Contains(t, batch.Error, "invalid value")
	require.Zero(t, fake.sentCount())
}

func TestDispatchRevertedReceiptFailsBatch(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	items := queueItems(t, ledger, "100")

	fake := newFakeChain()
	fake.autoMine = true
	fake.receiptStatus = types.ReceiptStatusFailed

	d, err := NewDispatcher(testConfig(t), fake, ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	batch, err := d.Dispatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, model.BatchSubmitted, batch.Status)

	require.Eventually(t, func() bool {
		got, err := ledger.GetBatch(ctx, batch.ID)
		return err == nil && got.Status == model.BatchFailed
	}, 2*time.Second, time.Millisecond)

	got, err := ledger.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Contains(t, got.Error, "execution reverted in block")
}

func TestDispatchResubmitsStalledTransaction(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	items := queueItems(t, ledger, "100")

	// No receipts appear, so the watcher keeps polling into the void and
	// eventually bumps the fee on the same nonce.
	fake := newFakeChain()

	cfg := testConfig(t)
	cfg.ResubmitAfterPolls = 2
	d, err := NewDispatcher(cfg, fake, ledger, zaptest.NewLogger(t))
	require.NoError(t, err)

	batch, err := d.Dispatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, model.BatchSubmitted, batch.Status)

	require.Eventually(t, func() bool {
		return fake.sentCount() >= 2
	}, 2*time.Second, time.Millisecond)

	d.Stop()

	got, err := ledger.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, got.RetryCount, 1)
	require.Equal(t, batch.Nonce, got.Nonce)
	require.NotEqual(t, batch.TxHash, got.TxHash)
}

func TestDispatchConfirmationWaitsForDepth(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	items := queueItems(t, ledger, "100")

	fake := newFakeChain()
	fake.autoMine = true
	fake.setHead(12) // mined at 10, still shallower than the depth

	cfg := testConfig(t)
	cfg.ConfirmationDepth = 6
	d, err := NewDispatcher(cfg, fake, ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	batch, err := d.Dispatch(ctx, items)
	require.NoError(t, err)
	require.Equal(t, model.BatchSubmitted, batch.Status)

	// Plenty of polls pass while the head sits below inclusion+depth; the
	// batch must stay Submitted.
	time.Sleep(20 * time.Millisecond)
	got, err := ledger.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, model.BatchSubmitted, got.Status)
	item, ok := ledger.WorkItem(items[0].ID)
	require.True(t, ok)
	require.False(t, item.Dispatched)

	fake.setHead(16)
	require.Eventually(t, func() bool {
		got, err := ledger.GetBatch(ctx, batch.ID)
		return err == nil && got.Status == model.BatchConfirmed
	}, 2*time.Second, time.Millisecond)
}

// partialClaimLedger claims a prefix of the requested items before
// failing, imitating a store without all-or-nothing claims.
type partialClaimLedger struct {
	*memory.Store
}

func (p *partialClaimLedger) ClaimWorkItems(ctx context.Context, ids []int64, batchID int64) error {
	if len(ids) > 1 {
		if err := p.Store.ClaimWorkItems(ctx, ids[:1], batchID); err != nil {
			return err
		}
	}
	return fmt.Errorf("claimed %d of %d work items", len(ids)-1, len(ids))
}

func TestDispatchClaimFailureReleasesPartialClaims(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	items := queueItems(t, mem, "100", "200")
	ledger := &partialClaimLedger{Store: mem}

	d, err := NewDispatcher(testConfig(t), newFakeChain(), ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	batch, err := d.Dispatch(ctx, items)
	require.Error(t, err)
	require.Equal(t, model.BatchFailed, batch.Status)

	// Every item is back in the pending queue, including the one the
	// partial claim had grabbed.
	pending, err := mem.PendingWorkItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestDispatchEmptyBatch(t *testing.T) {
	ledger := memory.NewStore()
	d, err := NewDispatcher(testConfig(t), newFakeChain(), ledger, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	_, err = d.Dispatch(context.Background(), nil)
	require.Error(t, err)
}
