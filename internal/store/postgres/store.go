package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokensync/internal/model"
)

// Store provides Postgres persistence for the engine. Expected schema
// (migrations are managed outside this repo):
//
//	processed_events (event_key text primary key, token_id text, block_number bigint, log_index bigint, processed_at timestamptz)
//	sync_cursors     (address text primary key, last_processed_block bigint, healthy boolean, last_error text, updated_at timestamptz)
//	work_items       (id bigserial primary key, token_id text, value text, source_tx_hash text, source_block_number bigint, source_log_index bigint, queued_at timestamptz, dispatched boolean, batch_id bigint)
//	batches          (id bigserial primary key, work_item_ids bigint[], status text, tx_hash text, nonce bigint, gas_tip_cap text, gas_fee_cap text, retry_count int, error text, created_at timestamptz, completed_at timestamptz)
//	failed_operations(id bigserial primary key, stage text, token_id text, tx_hash text, log_index bigint, payload text, error text, status text, created_at timestamptz, updated_at timestamptz)
//	ownership        (token_id text primary key, owner text, block_number bigint, log_index bigint, tx_hash text, updated_at timestamptz)
//	transfer_history (token_id text, "from" text, "to" text, block_number bigint, log_index bigint, tx_hash text, recorded_at timestamptz, unique (tx_hash, log_index))
//	token_values     (token_id text primary key, value text, updated_at timestamptz)
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so collaborators sharing the database
// (the token value source) can reuse the connection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) markProcessed(ctx context.Context, tx pgx.Tx, key, tokenID string, block, logIndex uint64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_key, token_id, block_number, log_index, processed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (event_key) DO NOTHING
	`, key, tokenID, int64(block), int64(logIndex))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CommitEnqueue(ctx context.Context, key string, item model.WorkItem) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback(ctx)

	inserted, err := s.markProcessed(ctx, tx, key, item.TokenID, item.BlockNumber, item.LogIndex)
	if err != nil {
		return 0, false, fmt.Errorf("mark processed: %w", err)
	}
	if !inserted {
		return 0, false, nil
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO work_items (token_id, value, source_tx_hash, source_block_number, source_log_index, queued_at, dispatched)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		RETURNING id
	`, item.TokenID, item.Value, item.TxHash, int64(item.BlockNumber), int64(item.LogIndex), item.QueuedAt).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("insert work item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Store) CommitIndex(ctx context.Context, key string, rec model.OwnershipRecord, entry model.TransferEntry) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	inserted, err := s.markProcessed(ctx, tx, key, rec.TokenID, rec.BlockNumber, rec.LogIndex)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	if !inserted {
		return false, nil
	}

	// The WHERE guard keeps a replayed older event from clobbering newer
	// indexed state.
	_, err = tx.Exec(ctx, `
		INSERT INTO ownership (token_id, owner, block_number, log_index, tx_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (token_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index,
			tx_hash = EXCLUDED.tx_hash,
			updated_at = now()
		WHERE (ownership.block_number, ownership.log_index) < (EXCLUDED.block_number, EXCLUDED.log_index)
	`, rec.TokenID, rec.Owner, int64(rec.BlockNumber), int64(rec.LogIndex), rec.TxHash)
	if err != nil {
		return false, fmt.Errorf("upsert ownership: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transfer_history (token_id, "from", "to", block_number, log_index, tx_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`, entry.TokenID, entry.From, entry.To, int64(entry.BlockNumber), int64(entry.LogIndex), entry.TxHash)
	if err != nil {
		return false, fmt.Errorf("append transfer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) IsProcessed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_key=$1)`, key).Scan(&exists)
	return exists, err
}

func (s *Store) LoadCursor(ctx context.Context, address string) (model.SyncCursor, bool, error) {
	var cur model.SyncCursor
	row := s.pool.QueryRow(ctx, `
		SELECT address, last_processed_block, healthy, coalesce(last_error, ''), updated_at
		FROM sync_cursors WHERE address=$1
	`, address)
	var block int64
	if err := row.Scan(&cur.Address, &block, &cur.Healthy, &cur.LastError, &cur.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncCursor{}, false, nil
		}
		return model.SyncCursor{}, false, err
	}
	cur.LastProcessedBlock = uint64(block)
	return cur, true, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, address string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (address, last_processed_block, healthy, updated_at)
		VALUES ($1, $2, true, now())
		ON CONFLICT (address) DO UPDATE SET
			last_processed_block = GREATEST(sync_cursors.last_processed_block, EXCLUDED.last_processed_block),
			updated_at = now()
	`, address, int64(block))
	return err
}

func (s *Store) SetCursorHealth(ctx context.Context, address string, healthy bool, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (address, last_processed_block, healthy, last_error, updated_at)
		VALUES ($1, 0, $2, $3, now())
		ON CONFLICT (address) DO UPDATE SET
			healthy = EXCLUDED.healthy,
			last_error = EXCLUDED.last_error,
			updated_at = now()
	`, address, healthy, lastError)
	return err
}

func (s *Store) PendingWorkItems(ctx context.Context, limit int) ([]model.WorkItem, error) {
	if limit <= 0 {
		limit = 10_000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, token_id, value, source_tx_hash, source_block_number, source_log_index, queued_at, dispatched, coalesce(batch_id, 0)
		FROM work_items
		WHERE NOT dispatched AND batch_id IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		var item model.WorkItem
		var block, logIndex int64
		if err := rows.Scan(&item.ID, &item.TokenID, &item.Value, &item.TxHash, &block, &logIndex, &item.QueuedAt, &item.Dispatched, &item.BatchID); err != nil {
			return nil, err
		}
		item.BlockNumber = uint64(block)
		item.LogIndex = uint64(logIndex)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ClaimWorkItems(ctx context.Context, ids []int64, batchID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE work_items SET batch_id = $2
		WHERE id = ANY($1) AND NOT dispatched AND batch_id IS NULL
	`, ids, batchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(ids)) {
		// Rollback leaves every row unclaimed.
		return fmt.Errorf("claimed %d of %d work items", tag.RowsAffected(), len(ids))
	}
	return tx.Commit(ctx)
}

func (s *Store) ReleaseWorkItems(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE work_items SET batch_id = NULL WHERE id = ANY($1) AND NOT dispatched
	`, ids)
	return err
}

func (s *Store) MarkWorkItemsDispatched(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE work_items SET dispatched = true WHERE id = ANY($1)
	`, ids)
	return err
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM work_items WHERE NOT dispatched`).Scan(&count)
	return count, err
}

func (s *Store) CreateBatch(ctx context.Context, batch model.Batch) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO batches (work_item_ids, status, nonce, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, batch.WorkItemIDs, string(batch.Status), int64(batch.Nonce), batch.RetryCount, batch.CreatedAt).Scan(&id)
	return id, err
}

func (s *Store) UpdateBatch(ctx context.Context, batch model.Batch) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batches SET
			status = $2,
			tx_hash = $3,
			nonce = $4,
			gas_tip_cap = $5,
			gas_fee_cap = $6,
			retry_count = $7,
			error = $8,
			completed_at = CASE WHEN $2 IN ('confirmed', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1
	`, batch.ID, string(batch.Status), batch.TxHash, int64(batch.Nonce), batch.GasTipCap, batch.GasFeeCap, batch.RetryCount, batch.Error)
	return err
}

func (s *Store) GetBatch(ctx context.Context, id int64) (model.Batch, error) {
	var batch model.Batch
	var status string
	var nonce int64
	row := s.pool.QueryRow(ctx, `
		SELECT id, work_item_ids, status, coalesce(tx_hash, ''), nonce,
			coalesce(gas_tip_cap, ''), coalesce(gas_fee_cap, ''), retry_count,
			coalesce(error, ''), created_at
		FROM batches WHERE id = $1
	`, id)
	err := row.Scan(&batch.ID, &batch.WorkItemIDs, &status, &batch.TxHash, &nonce,
		&batch.GasTipCap, &batch.GasFeeCap, &batch.RetryCount, &batch.Error, &batch.CreatedAt)
	if err != nil {
		return model.Batch{}, err
	}
	batch.Status = model.BatchStatus(status)
	batch.Nonce = uint64(nonce)
	return batch, nil
}

func (s *Store) RecordFailedOp(ctx context.Context, op model.FailedOperation) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO failed_operations (stage, token_id, tx_hash, log_index, payload, error, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING id
	`, string(op.Stage), op.TokenID, op.TxHash, int64(op.LogIndex), op.Payload, op.Error, string(model.FailedOpPending)).Scan(&id)
	return id, err
}

func (s *Store) SupersedeFailedOps(ctx context.Context, tokenID string, stage model.FailedOpStage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE failed_operations SET status = $3, updated_at = now()
		WHERE token_id = $1 AND stage = $2 AND status = $4
	`, tokenID, string(stage), string(model.FailedOpSuperseded), string(model.FailedOpPending))
	return err
}

func (s *Store) ResolveFailedOp(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE failed_operations SET status = $2, updated_at = now() WHERE id = $1
	`, id, string(model.FailedOpResolved))
	return err
}

func (s *Store) PendingFailedOpCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM failed_operations WHERE status = 'pending'`).Scan(&count)
	return count, err
}
