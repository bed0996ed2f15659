package model

import "time"

// FailedOpStatus tracks the resolution state of a failed operation.
type FailedOpStatus string

const (
	FailedOpPending    FailedOpStatus = "pending"
	FailedOpResolved   FailedOpStatus = "resolved"
	FailedOpSuperseded FailedOpStatus = "superseded"
)

// FailedOpStage names the processing stage that produced the failure.
type FailedOpStage string

const (
	StageProcess  FailedOpStage = "process"
	StageDispatch FailedOpStage = "dispatch"
)

// FailedOperation records a processing step that exhausted retries or hit
// a non-retryable error. It carries enough of the original event to allow
// a manual or scheduled re-drive and is never auto-deleted.
type FailedOperation struct {
	ID        int64          `json:"id"`
	Stage     FailedOpStage  `json:"stage"`
	TokenID   string         `json:"token_id"`
	TxHash    string         `json:"tx_hash,omitempty"`
	LogIndex  uint64         `json:"log_index"`
	Payload   string         `json:"payload,omitempty"`
	Error     string         `json:"error"`
	Status    FailedOpStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
