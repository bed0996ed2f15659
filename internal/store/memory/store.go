package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"tokensync/internal/model"
)

// Store is an in-memory Ledger used by tests and for running without a
// database. The processed-event and ownership maps are lock-free; the
// mutable queue and batch tables share one mutex since their operations
// must be atomic across several rows.
type Store struct {
	processed *xsync.Map[string, struct{}]
	ownership *xsync.Map[string, model.OwnershipRecord]

	mu        sync.Mutex
	cursors   map[string]model.SyncCursor
	items     map[int64]*model.WorkItem
	batches   map[int64]model.Batch
	failedOps map[int64]model.FailedOperation
	transfers []model.TransferEntry
	nextID    int64
}

func NewStore() *Store {
	return &Store{
		processed: xsync.NewMap[string, struct{}](),
		ownership: xsync.NewMap[string, model.OwnershipRecord](),
		cursors:   make(map[string]model.SyncCursor),
		items:     make(map[int64]*model.WorkItem),
		batches:   make(map[int64]model.Batch),
		failedOps: make(map[int64]model.FailedOperation),
	}
}

func (s *Store) allocID() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) CommitEnqueue(_ context.Context, key string, item model.WorkItem) (int64, bool, error) {
	if _, loaded := s.processed.LoadOrStore(key, struct{}{}); loaded {
		return 0, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = s.allocID()
	s.items[item.ID] = &item
	return item.ID, true, nil
}

func (s *Store) CommitIndex(_ context.Context, key string, rec model.OwnershipRecord, entry model.TransferEntry) (bool, error) {
	if _, loaded := s.processed.LoadOrStore(key, struct{}{}); loaded {
		return false, nil
	}

	s.ownership.Compute(rec.TokenID, func(old model.OwnershipRecord, loaded bool) (model.OwnershipRecord, xsync.ComputeOp) {
		if loaded && !olderThan(old, rec) {
			return old, xsync.CancelOp
		}
		return rec, xsync.UpdateOp
	})

	s.mu.Lock()
	s.transfers = append(s.transfers, entry)
	s.mu.Unlock()
	return true, nil
}

func olderThan(old, new model.OwnershipRecord) bool {
	if old.BlockNumber != new.BlockNumber {
		return old.BlockNumber < new.BlockNumber
	}
	return old.LogIndex < new.LogIndex
}

func (s *Store) IsProcessed(_ context.Context, key string) (bool, error) {
	_, ok := s.processed.Load(key)
	return ok, nil
}

// Ownership returns the current indexed owner for a token.
func (s *Store) Ownership(tokenID string) (model.OwnershipRecord, bool) {
	return s.ownership.Load(tokenID)
}

// Transfers returns a copy of the recorded transfer history.
func (s *Store) Transfers() []model.TransferEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TransferEntry, len(s.transfers))
	copy(out, s.transfers)
	return out
}

func (s *Store) LoadCursor(_ context.Context, address string) (model.SyncCursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[address]
	return cur, ok, nil
}

func (s *Store) AdvanceCursor(_ context.Context, address string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cursors[address]
	cur.Address = address
	if block > cur.LastProcessedBlock {
		cur.LastProcessedBlock = block
	}
	cur.Healthy = true
	s.cursors[address] = cur
	return nil
}

func (s *Store) SetCursorHealth(_ context.Context, address string, healthy bool, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cursors[address]
	cur.Address = address
	cur.Healthy = healthy
	cur.LastError = lastError
	s.cursors[address] = cur
	return nil
}

func (s *Store) PendingWorkItems(_ context.Context, limit int) ([]model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []model.WorkItem
	for _, item := range s.items {
		if !item.Dispatched && item.BatchID == 0 {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) ClaimWorkItems(_ context.Context, ids []int64, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok {
			return fmt.Errorf("work item %d not found", id)
		}
		if item.Dispatched || item.BatchID != 0 {
			return fmt.Errorf("work item %d already claimed", id)
		}
	}
	for _, id := range ids {
		s.items[id].BatchID = batchID
	}
	return nil
}

func (s *Store) ReleaseWorkItems(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if item, ok := s.items[id]; ok && !item.Dispatched {
			item.BatchID = 0
		}
	}
	return nil
}

func (s *Store) MarkWorkItemsDispatched(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			item.Dispatched = true
		}
	}
	return nil
}

func (s *Store) QueueDepth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, item := range s.items {
		if !item.Dispatched {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateBatch(_ context.Context, batch model.Batch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch.ID = s.allocID()
	s.batches[batch.ID] = batch
	return batch.ID, nil
}

func (s *Store) UpdateBatch(_ context.Context, batch model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; !ok {
		return fmt.Errorf("batch %d not found", batch.ID)
	}
	s.batches[batch.ID] = batch
	return nil
}

func (s *Store) GetBatch(_ context.Context, id int64) (model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return model.Batch{}, fmt.Errorf("batch %d not found", id)
	}
	return batch, nil
}

func (s *Store) RecordFailedOp(_ context.Context, op model.FailedOperation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.ID = s.allocID()
	op.Status = model.FailedOpPending
	s.failedOps[op.ID] = op
	return op.ID, nil
}

func (s *Store) SupersedeFailedOps(_ context.Context, tokenID string, stage model.FailedOpStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, op := range s.failedOps {
		if op.TokenID == tokenID && op.Stage == stage && op.Status == model.FailedOpPending {
			op.Status = model.FailedOpSuperseded
			s.failedOps[id] = op
		}
	}
	return nil
}

func (s *Store) ResolveFailedOp(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.failedOps[id]
	if !ok {
		return fmt.Errorf("failed operation %d not found", id)
	}
	op.Status = model.FailedOpResolved
	s.failedOps[id] = op
	return nil
}

func (s *Store) PendingFailedOpCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, op := range s.failedOps {
		if op.Status == model.FailedOpPending {
			count++
		}
	}
	return count, nil
}

// FailedOps returns a copy of all recorded failed operations.
func (s *Store) FailedOps() []model.FailedOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FailedOperation, 0, len(s.failedOps))
	for _, op := range s.failedOps {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkItem returns a snapshot of one work item.
func (s *Store) WorkItem(id int64) (model.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return model.WorkItem{}, false
	}
	return *item, true
}
