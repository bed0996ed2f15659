package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tokensync/internal/model"
	"tokensync/internal/payload"
	"tokensync/internal/store/memory"
)

func valueRequested(tokenID string, block, index uint64) model.ChainEvent {
	return model.ChainEvent{
		Kind:        model.KindValueRequested,
		TokenID:     tokenID,
		BlockNumber: block,
		LogIndex:    index,
		TxHash:      "0xabc" + tokenID,
	}
}

func transfer(tokenID, from, to string, block, index uint64) model.ChainEvent {
	return model.ChainEvent{
		Kind:        model.KindTransfer,
		TokenID:     tokenID,
		From:        from,
		To:          to,
		BlockNumber: block,
		LogIndex:    index,
		TxHash:      "0xdef" + tokenID + to,
	}
}

func TestProcessDuplicateEventSkipped(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	var enqueued []model.WorkItem
	proc := NewDispatchProcessor(ledger, payload.StaticSource{"7": "700"}, func(item model.WorkItem) {
		enqueued = append(enqueued, item)
	}, zaptest.NewLogger(t))

	ev := valueRequested("7", 10, 0)

	outcome, err := proc.Process(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeEnqueued, outcome)

	outcome, err = proc.Process(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSkipped, outcome)

	require.Len(t, enqueued, 1)
	require.Equal(t, "700", enqueued[0].Value)

	depth, err := ledger.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestProcessMissingValueRecordsFailure(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	proc := NewDispatchProcessor(ledger, payload.StaticSource{}, nil, zaptest.NewLogger(t))

	ev := valueRequested("9", 10, 0)
	outcome, err := proc.Process(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSkipped, outcome)

	ops := ledger.FailedOps()
	require.Len(t, ops, 1)
	require.Equal(t, model.StageProcess, ops[0].Stage)
	require.Equal(t, model.FailedOpPending, ops[0].Status)
	require.Equal(t, "9", ops[0].TokenID)

	// The event is not marked processed, so a later replay succeeds once
	// the value exists.
	done, err := ledger.IsProcessed(ctx, ev.NaturalKey())
	require.NoError(t, err)
	require.False(t, done)

	proc2 := NewDispatchProcessor(ledger, payload.StaticSource{"9": "900"}, nil, zaptest.NewLogger(t))
	outcome, err = proc2.Process(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeEnqueued, outcome)
}

func TestProcessNewerEventSupersedesPendingFailure(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	source := payload.StaticSource{}
	proc := NewDispatchProcessor(ledger, source, nil, zaptest.NewLogger(t))

	_, err := proc.Process(ctx, valueRequested("5", 10, 0))
	require.NoError(t, err)
	require.Equal(t, model.FailedOpPending, ledger.FailedOps()[0].Status)

	source["5"] = "500"
	outcome, err := proc.Process(ctx, valueRequested("5", 11, 0))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeEnqueued, outcome)

	require.Equal(t, model.FailedOpSuperseded, ledger.FailedOps()[0].Status)
}

func TestProcessTransferOutOfOrder(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	proc := NewIndexProcessor(ledger, zaptest.NewLogger(t))

	// The later transfer arrives first. The earlier one still lands in
	// the history but must not roll ownership back.
	outcome, err := proc.Process(ctx, transfer("3", "0xB", "0xC", 20, 0))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeIndexed, outcome)

	outcome, err = proc.Process(ctx, transfer("3", "0xA", "0xB", 10, 0))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeIndexed, outcome)

	rec, ok := ledger.Ownership("3")
	require.True(t, ok)
	require.Equal(t, "0xC", rec.Owner)
	require.Equal(t, uint64(20), rec.BlockNumber)

	require.Len(t, ledger.Transfers(), 2)
}

func TestProcessUnknownKindSkipped(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewStore()
	proc := NewIndexProcessor(ledger, zaptest.NewLogger(t))

	outcome, err := proc.Process(ctx, valueRequested("1", 1, 0))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSkipped, outcome)

	done, err := ledger.IsProcessed(ctx, valueRequested("1", 1, 0).NaturalKey())
	require.NoError(t, err)
	require.False(t, done)
}
