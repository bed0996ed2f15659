package model

import "time"

// OwnershipRecord is the current-state row of the read-optimized index:
// the last known owner of a token. BlockNumber and LogIndex record the
// event that established it, so stale upserts can be rejected.
type OwnershipRecord struct {
	TokenID     string    `json:"token_id"`
	Owner       string    `json:"owner"`
	BlockNumber uint64    `json:"block_number"`
	LogIndex    uint64    `json:"log_index"`
	TxHash      string    `json:"tx_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TransferEntry is one row of the append-only transfer history kept
// alongside the current-state index.
type TransferEntry struct {
	TokenID     string    `json:"token_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	BlockNumber uint64    `json:"block_number"`
	LogIndex    uint64    `json:"log_index"`
	TxHash      string    `json:"tx_hash"`
	RecordedAt  time.Time `json:"recorded_at"`
}
