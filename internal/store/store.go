package store

import (
	"context"

	"tokensync/internal/model"
)

// Ledger is the durable, transactional store backing the engine. Unique
// constraints on event natural keys are the source of truth for
// idempotency, so correctness holds across process restarts.
type Ledger interface {
	// CommitEnqueue atomically inserts a work item and the processed-event
	// marker for key. Returns (0, false, nil) without side effects when the
	// key is already marked processed.
	CommitEnqueue(ctx context.Context, key string, item model.WorkItem) (int64, bool, error)

	// CommitIndex atomically upserts the ownership record, appends the
	// transfer history entry, and inserts the processed-event marker for
	// key. Returns false when the key is already marked processed. The
	// upsert is guarded by (block_number, log_index): a stale event still
	// marks itself processed but leaves the newer state untouched.
	CommitIndex(ctx context.Context, key string, rec model.OwnershipRecord, entry model.TransferEntry) (bool, error)

	IsProcessed(ctx context.Context, key string) (bool, error)

	LoadCursor(ctx context.Context, address string) (model.SyncCursor, bool, error)
	// AdvanceCursor moves the cursor forward; a block lower than the stored
	// value is a no-op.
	AdvanceCursor(ctx context.Context, address string, block uint64) error
	SetCursorHealth(ctx context.Context, address string, healthy bool, lastError string) error

	PendingWorkItems(ctx context.Context, limit int) ([]model.WorkItem, error)
	// ClaimWorkItems ties the items to an in-flight batch. Items already
	// claimed by another batch are an error. All-or-nothing: on error no
	// item may be left claimed.
	ClaimWorkItems(ctx context.Context, ids []int64, batchID int64) error
	// ReleaseWorkItems returns items to the pending queue after a failed
	// batch whose items remain valid.
	ReleaseWorkItems(ctx context.Context, ids []int64) error
	MarkWorkItemsDispatched(ctx context.Context, ids []int64) error
	QueueDepth(ctx context.Context) (int, error)

	CreateBatch(ctx context.Context, batch model.Batch) (int64, error)
	UpdateBatch(ctx context.Context, batch model.Batch) error
	GetBatch(ctx context.Context, id int64) (model.Batch, error)

	RecordFailedOp(ctx context.Context, op model.FailedOperation) (int64, error)
	// SupersedeFailedOps marks pending failures for the token as moot after
	// a newer event for the same key arrived.
	SupersedeFailedOps(ctx context.Context, tokenID string, stage model.FailedOpStage) error
	ResolveFailedOp(ctx context.Context, id int64) error
	PendingFailedOpCount(ctx context.Context) (int, error)
}
