package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tokensync/internal/model"
)

func TestCommitEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	id, inserted, err := s.CommitEnqueue(ctx, "0xaa:0", model.WorkItem{TokenID: "1", Value: "10"})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotZero(t, id)

	_, inserted, err = s.CommitEnqueue(ctx, "0xaa:0", model.WorkItem{TokenID: "1", Value: "10"})
	require.NoError(t, err)
	require.False(t, inserted)

	done, err := s.IsProcessed(ctx, "0xaa:0")
	require.NoError(t, err)
	require.True(t, done)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestClaimReleaseLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	id1, _, err := s.CommitEnqueue(ctx, "0xaa:0", model.WorkItem{TokenID: "1", Value: "10"})
	require.NoError(t, err)
	id2, _, err := s.CommitEnqueue(ctx, "0xaa:1", model.WorkItem{TokenID: "2", Value: "20"})
	require.NoError(t, err)

	batchID, err := s.CreateBatch(ctx, model.Batch{WorkItemIDs: []int64{id1, id2}, Status: model.BatchPending})
	require.NoError(t, err)

	require.NoError(t, s.ClaimWorkItems(ctx, []int64{id1, id2}, batchID))

	// Claimed items no longer show as pending.
	pending, err := s.PendingWorkItems(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	// Double claim is rejected.
	other, err := s.CreateBatch(ctx, model.Batch{Status: model.BatchPending})
	require.NoError(t, err)
	require.Error(t, s.ClaimWorkItems(ctx, []int64{id1}, other))

	require.NoError(t, s.ReleaseWorkItems(ctx, []int64{id1, id2}))
	pending, err = s.PendingWorkItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, []int64{id1, id2}, []int64{pending[0].ID, pending[1].ID})

	require.NoError(t, s.MarkWorkItemsDispatched(ctx, []int64{id1}))
	pending, err = s.PendingWorkItems(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id2, pending[0].ID)

	// Dispatched items stay out of the queue even after a release.
	require.NoError(t, s.ReleaseWorkItems(ctx, []int64{id1}))
	item, ok := s.WorkItem(id1)
	require.True(t, ok)
	require.True(t, item.Dispatched)
}

func TestCursorNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.AdvanceCursor(ctx, "0xaa", 50))
	require.NoError(t, s.AdvanceCursor(ctx, "0xaa", 30))

	cur, ok, err := s.LoadCursor(ctx, "0xaa")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(50), cur.LastProcessedBlock)
}

func TestCursorHealth(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.AdvanceCursor(ctx, "0xaa", 10))
	require.NoError(t, s.SetCursorHealth(ctx, "0xaa", false, "rpc down"))

	cur, _, err := s.LoadCursor(ctx, "0xaa")
	require.NoError(t, err)
	require.False(t, cur.Healthy)
	require.Equal(t, "rpc down", cur.LastError)
	require.Equal(t, uint64(10), cur.LastProcessedBlock)
}

func TestCommitIndexOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	newer := model.OwnershipRecord{TokenID: "1", Owner: "0xC", BlockNumber: 20}
	older := model.OwnershipRecord{TokenID: "1", Owner: "0xB", BlockNumber: 10}

	inserted, err := s.CommitIndex(ctx, "0x01:0", newer, model.TransferEntry{TokenID: "1", To: "0xC"})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.CommitIndex(ctx, "0x02:0", older, model.TransferEntry{TokenID: "1", To: "0xB"})
	require.NoError(t, err)
	require.True(t, inserted)

	rec, ok := s.Ownership("1")
	require.True(t, ok)
	require.Equal(t, "0xC", rec.Owner)
	require.Len(t, s.Transfers(), 2)
}

func TestFailedOpLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.RecordFailedOp(ctx, model.FailedOperation{Stage: model.StageProcess, TokenID: "1"})
	require.NoError(t, err)
	_, err = s.RecordFailedOp(ctx, model.FailedOperation{Stage: model.StageDispatch, TokenID: "1"})
	require.NoError(t, err)

	count, err := s.PendingFailedOpCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Supersede touches only the matching stage.
	require.NoError(t, s.SupersedeFailedOps(ctx, "1", model.StageProcess))
	ops := s.FailedOps()
	require.Equal(t, model.FailedOpSuperseded, ops[0].Status)
	require.Equal(t, model.FailedOpPending, ops[1].Status)

	require.NoError(t, s.ResolveFailedOp(ctx, ops[1].ID))
	count, err = s.PendingFailedOpCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}
