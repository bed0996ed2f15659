package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokensync/internal/model"
	"tokensync/internal/payload"
	"tokensync/internal/store"
)

// Handler applies the domain effect of one event kind inside the
// ledger's transactional scope.
type Handler func(ctx context.Context, ev model.ChainEvent) (model.ProcessOutcome, error)

// Processor turns chain events into durable application state. The
// ledger's unique constraint on the event natural key is the
// exactly-once-effect guarantee; everything here is safe to replay.
type Processor struct {
	ledger   store.Ledger
	logger   *zap.Logger
	handlers map[model.EventKind]Handler

	// onEnqueue is invoked after a work item is durably queued so the
	// accumulator can pick it up. Nil on the index path.
	onEnqueue func(model.WorkItem)
}

// NewDispatchProcessor builds the processor for the dispatch deployment:
// value-request events become queued work items.
func NewDispatchProcessor(ledger store.Ledger, source payload.Source, onEnqueue func(model.WorkItem), logger *zap.Logger) *Processor {
	p := newProcessor(ledger, logger)
	p.onEnqueue = onEnqueue
	p.handlers[model.KindValueRequested] = p.handleValueRequested(source)
	return p
}

// NewIndexProcessor builds the processor for the index deployment:
// transfer events maintain the ownership index.
func NewIndexProcessor(ledger store.Ledger, logger *zap.Logger) *Processor {
	p := newProcessor(ledger, logger)
	p.handlers[model.KindTransfer] = p.handleTransfer
	return p
}

func newProcessor(ledger store.Ledger, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		ledger:   ledger,
		logger:   logger,
		handlers: make(map[model.EventKind]Handler),
	}
}

// Process feeds one event through its kind handler. Duplicate delivery
// returns OutcomeSkipped without side effects.
func (p *Processor) Process(ctx context.Context, ev model.ChainEvent) (model.ProcessOutcome, error) {
	handler, ok := p.handlers[ev.Kind]
	if !ok {
		p.logger.Debug("no handler for event kind", zap.String("kind", string(ev.Kind)))
		return model.OutcomeSkipped, nil
	}
	return handler(ctx, ev)
}

func (p *Processor) handleValueRequested(source payload.Source) Handler {
	return func(ctx context.Context, ev model.ChainEvent) (model.ProcessOutcome, error) {
		value, err := source.Lookup(ctx, ev.TokenID)
		if err != nil {
			if errors.Is(err, payload.ErrValueNotFound) {
				// Leave the event unprocessed so the next catch-up pass
				// retries it once the value arrives.
				if _, recErr := p.ledger.RecordFailedOp(ctx, model.FailedOperation{
					Stage:    model.StageProcess,
					TokenID:  ev.TokenID,
					TxHash:   ev.TxHash,
					LogIndex: ev.LogIndex,
					Error:    err.Error(),
				}); recErr != nil {
					return model.OutcomeSkipped, fmt.Errorf("record failed op: %w", recErr)
				}
				p.logger.Warn("token value missing",
					zap.String("token_id", ev.TokenID),
					zap.Uint64("block", ev.BlockNumber),
				)
				return model.OutcomeSkipped, nil
			}
			return model.OutcomeSkipped, fmt.Errorf("lookup value: %w", err)
		}

		item := model.WorkItem{
			TokenID:     ev.TokenID,
			Value:       value,
			TxHash:      ev.TxHash,
			BlockNumber: ev.BlockNumber,
			LogIndex:    ev.LogIndex,
			QueuedAt:    time.Now().UTC(),
		}
		id, inserted, err := p.ledger.CommitEnqueue(ctx, ev.NaturalKey(), item)
		if err != nil {
			return model.OutcomeSkipped, fmt.Errorf("commit enqueue: %w", err)
		}
		if !inserted {
			return model.OutcomeSkipped, nil
		}
		item.ID = id

		// Any older pending failure for this token is now moot.
		if err := p.ledger.SupersedeFailedOps(ctx, ev.TokenID, model.StageProcess); err != nil {
			p.logger.Warn("supersede failed ops", zap.Error(err), zap.String("token_id", ev.TokenID))
		}

		if p.onEnqueue != nil {
			p.onEnqueue(item)
		}
		return model.OutcomeEnqueued, nil
	}
}

func (p *Processor) handleTransfer(ctx context.Context, ev model.ChainEvent) (model.ProcessOutcome, error) {
	now := time.Now().UTC()
	rec := model.OwnershipRecord{
		TokenID:     ev.TokenID,
		Owner:       ev.To,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		TxHash:      ev.TxHash,
		UpdatedAt:   now,
	}
	entry := model.TransferEntry{
		TokenID:     ev.TokenID,
		From:        ev.From,
		To:          ev.To,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		TxHash:      ev.TxHash,
		RecordedAt:  now,
	}

	inserted, err := p.ledger.CommitIndex(ctx, ev.NaturalKey(), rec, entry)
	if err != nil {
		return model.OutcomeSkipped, fmt.Errorf("commit index: %w", err)
	}
	if !inserted {
		return model.OutcomeSkipped, nil
	}

	if err := p.ledger.SupersedeFailedOps(ctx, ev.TokenID, model.StageProcess); err != nil {
		p.logger.Warn("supersede failed ops", zap.Error(err), zap.String("token_id", ev.TokenID))
	}
	return model.OutcomeIndexed, nil
}
