package report

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"tokensync/internal/model"
	"tokensync/internal/store/memory"
)

type headReader struct {
	head uint64
}

func (h headReader) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (h headReader) BlockNumber(context.Context) (uint64, error) { return h.head, nil }

func (h headReader) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (h headReader) FilterLogs(context.Context, uint64, uint64, []common.Address, []common.Hash) ([]types.Log, error) {
	return nil, nil
}

func (h headReader) SubscribeLogs(context.Context, []common.Address, []common.Hash, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, ethereum.NotFound
}

func (h headReader) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{}, nil
}

func (h headReader) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }

func (h headReader) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 0, nil }

func (h headReader) SendTransaction(context.Context, *types.Transaction) error { return nil }

func (h headReader) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func TestReporterStatus(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	collector := NewCollector(prometheus.NewRegistry())
	address := "0xAA"

	require.NoError(t, ledger.AdvanceCursor(ctx, address, 90))
	require.NoError(t, ledger.SetCursorHealth(ctx, address, false, "subscription dropped"))

	rep := NewReporter(headReader{head: 100}, ledger, collector, address)
	status, err := rep.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), status.CurrentBlock)
	require.Equal(t, uint64(90), status.LastProcessedBlock)
	require.Equal(t, uint64(10), status.BlocksBehind)
	require.False(t, status.Healthy)
	require.Equal(t, "subscription dropped", status.LastError)
}

func TestReporterMetrics(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	collector := NewCollector(prometheus.NewRegistry())

	_, inserted, err := ledger.CommitEnqueue(ctx, "0x01:0", model.WorkItem{TokenID: "1", Value: "10"})
	require.NoError(t, err)
	require.True(t, inserted)
	_, err = ledger.RecordFailedOp(ctx, model.FailedOperation{Stage: model.StageProcess, TokenID: "2"})
	require.NoError(t, err)

	collector.EventProcessed(model.OutcomeEnqueued)

	rep := NewReporter(headReader{head: 1}, ledger, collector, "0xAA")
	metrics, err := rep.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), metrics.ProcessedLastMinute)
	require.Equal(t, 1, metrics.QueueDepth)
	require.Equal(t, 1, metrics.FailedOperationCount)
}
