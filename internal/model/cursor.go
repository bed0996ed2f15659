package model

import "time"

// SyncCursor tracks ingestion progress for one watched contract.
// LastProcessedBlock never decreases; it is advanced only after every
// event up to that block has been durably processed.
type SyncCursor struct {
	Address            string    `json:"address"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	Healthy            bool      `json:"healthy"`
	LastError          string    `json:"last_error,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}
