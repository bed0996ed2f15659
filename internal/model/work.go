package model

import "time"

// WorkItem is one pending on-chain write produced by the dispatch path.
// It lives from creation until a batch carrying it reaches a terminal
// state.
type WorkItem struct {
	ID          int64     `json:"id"`
	TokenID     string    `json:"token_id"`
	Value       string    `json:"value"`
	TxHash      string    `json:"source_tx_hash"`
	BlockNumber uint64    `json:"source_block_number"`
	LogIndex    uint64    `json:"source_log_index"`
	QueuedAt    time.Time `json:"queued_at"`
	Dispatched  bool      `json:"dispatched"`
	BatchID     int64     `json:"batch_id,omitempty"`
}

// BatchStatus is the lifecycle state of a dispatched batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchSubmitted BatchStatus = "submitted"
	BatchConfirmed BatchStatus = "confirmed"
	BatchFailed    BatchStatus = "failed"
)

// Batch is the permanent audit record of one batched on-chain write.
// A batch may be resubmitted with a bumped fee; TxHash always holds the
// latest attempt.
type Batch struct {
	ID          int64       `json:"id"`
	WorkItemIDs []int64     `json:"work_item_ids"`
	Status      BatchStatus `json:"status"`
	TxHash      string      `json:"tx_hash,omitempty"`
	Nonce       uint64      `json:"nonce"`
	GasTipCap   string      `json:"gas_tip_cap,omitempty"`
	GasFeeCap   string      `json:"gas_fee_cap,omitempty"`
	RetryCount  int         `json:"retry_count"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// Terminal reports whether the batch has reached a final state.
func (b Batch) Terminal() bool {
	return b.Status == BatchConfirmed || b.Status == BatchFailed
}
