package model

import "fmt"

// EventKind identifies the closed set of contract events the engine handles.
type EventKind string

const (
	// KindValueRequested is emitted when a token asks for its value to be
	// written on-chain. Drives the dispatch path.
	KindValueRequested EventKind = "value_requested"

	// KindTransfer is the ERC-721 Transfer event. Drives the index path.
	KindTransfer EventKind = "transfer"
)

// ChainEvent is the normalized representation of a contract log. It is
// ephemeral: the engine never stores it as-is, only its effects.
type ChainEvent struct {
	Kind        EventKind `json:"kind"`
	Address     string    `json:"address"`
	BlockNumber uint64    `json:"block_number"`
	BlockHash   string    `json:"block_hash"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint64    `json:"log_index"`
	Topic0      string    `json:"topic0"`

	// TokenID is the domain key tying events, work items, and indexed
	// records together. Decimal string so very large ids survive JSON.
	TokenID string `json:"token_id"`

	// Transfer fields, empty for other kinds.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// NaturalKey uniquely identifies a log on the chain.
func (e ChainEvent) NaturalKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// Before reports whether e was emitted strictly earlier in chain order
// than other.
func (e ChainEvent) Before(other ChainEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// ProcessOutcome is the result of feeding one event through the processor.
type ProcessOutcome string

const (
	OutcomeSkipped  ProcessOutcome = "skipped"
	OutcomeEnqueued ProcessOutcome = "enqueued"
	OutcomeIndexed  ProcessOutcome = "indexed"
)
