package report

import (
	"context"
	"fmt"

	"tokensync/internal/chain"
	"tokensync/internal/store"
)

// Status is the engine's sync position relative to the chain head.
type Status struct {
	CurrentBlock       uint64 `json:"current_block"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	BlocksBehind       uint64 `json:"blocks_behind"`
	Healthy            bool   `json:"healthy"`
	LastError          string `json:"last_error,omitempty"`
}

// Metrics are derived counts consumed by the admin surface.
type Metrics struct {
	ProcessedLastMinute   int64 `json:"processed_last_minute"`
	ProcessedLast5Minutes int64 `json:"processed_last_5_minutes"`
	QueueDepth            int   `json:"queue_depth"`
	FailedOperationCount  int   `json:"failed_operation_count"`
}

// Reporter derives health and throughput facts from the ledger and the
// chain head. Read-only: it never mutates state.
type Reporter struct {
	reader    chain.Reader
	ledger    store.Ledger
	collector *Collector
	address   string
}

func NewReporter(reader chain.Reader, ledger store.Ledger, collector *Collector, address string) *Reporter {
	return &Reporter{reader: reader, ledger: ledger, collector: collector, address: address}
}

func (r *Reporter) Status(ctx context.Context) (Status, error) {
	head, err := r.reader.BlockNumber(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("get head: %w", err)
	}

	cur, _, err := r.ledger.LoadCursor(ctx, r.address)
	if err != nil {
		return Status{}, fmt.Errorf("load cursor: %w", err)
	}

	var behind uint64
	if head > cur.LastProcessedBlock {
		behind = head - cur.LastProcessedBlock
	}
	r.collector.SetBlocksBehind(behind)

	return Status{
		CurrentBlock:       head,
		LastProcessedBlock: cur.LastProcessedBlock,
		BlocksBehind:       behind,
		Healthy:            cur.Healthy,
		LastError:          cur.LastError,
	}, nil
}

func (r *Reporter) Metrics(ctx context.Context) (Metrics, error) {
	depth, err := r.ledger.QueueDepth(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("queue depth: %w", err)
	}
	failed, err := r.ledger.PendingFailedOpCount(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed op count: %w", err)
	}
	return Metrics{
		ProcessedLastMinute:   r.collector.throughput(1),
		ProcessedLast5Minutes: r.collector.throughput(5),
		QueueDepth:            depth,
		FailedOperationCount:  failed,
	}, nil
}
