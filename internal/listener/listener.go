package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"tokensync/internal/chain"
	"tokensync/internal/model"
	"tokensync/internal/processor"
	"tokensync/internal/report"
	"tokensync/internal/store"
)

// State is the listener's lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateCatchingUp   State = "catching_up"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
)

// Transport names the live delivery mode currently in use.
type Transport string

const (
	TransportPush Transport = "push"
	TransportPoll Transport = "poll"
)

// ErrCatchupRunning is returned by ForceCatchup when another catch-up
// pass holds the lock.
var ErrCatchupRunning = errors.New("catch-up already in progress")

// errSwitchTransport signals the run loop to reconnect on the other
// transport without counting a failure.
var errSwitchTransport = errors.New("switch transport")

// Config holds runtime settings for the listener.
type Config struct {
	Address              common.Address
	Topics               []common.Hash
	StartBlock           uint64
	BlockRangeLimit      uint64
	RPCRetries           int
	RPCBackoff           time.Duration
	ReconnectBackoff     time.Duration
	ReconnectBackoffMax  time.Duration
	MaxReconnectAttempts int
	PushFailureThreshold int
	PollInterval         time.Duration
	PushReprobeInterval  time.Duration
}

// Status is a point-in-time snapshot of the listener.
type Status struct {
	State             State     `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	CatchupInProgress bool      `json:"catchup_in_progress"`
	Transport         Transport `json:"transport"`
}

// Listener owns the ingestion lifecycle: catch up from the persisted
// cursor, then follow live logs, reconnecting and re-entering catch-up
// whenever the transport drops. Idempotent processing makes every path
// safe to replay.
type Listener struct {
	cfg     Config
	reader  chain.Reader
	ledger  store.Ledger
	proc    *processor.Processor
	metrics *report.Collector
	logger  *zap.Logger

	mu           sync.Mutex
	state        State
	reconnects   int
	transport    Transport
	pushFailures int

	catchupMu sync.Mutex
	catchupOn bool
}

func New(cfg Config, reader chain.Reader, ledger store.Ledger, proc *processor.Processor, metrics *report.Collector, logger *zap.Logger) (*Listener, error) {
	if cfg.BlockRangeLimit == 0 {
		return nil, fmt.Errorf("block range limit must be greater than zero")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PushFailureThreshold <= 0 {
		cfg.PushFailureThreshold = 3
	}
	if cfg.PushReprobeInterval <= 0 {
		cfg.PushReprobeInterval = 5 * time.Minute
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		cfg:       cfg,
		reader:    reader,
		ledger:    ledger,
		proc:      proc,
		metrics:   metrics,
		logger:    logger,
		state:     StateDisconnected,
		transport: TransportPush,
	}, nil
}

// Run drives the state machine until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	escalated := false
	for {
		l.setState(StateConnecting)

		err := l.connectAndServe(ctx)
		if ctx.Err() != nil {
			l.setState(StateDisconnected)
			return nil
		}
		if errors.Is(err, errSwitchTransport) {
			continue
		}

		l.setState(StateReconnecting)
		l.mu.Lock()
		l.reconnects++
		attempts := l.reconnects
		l.mu.Unlock()

		// First failure of a fresh streak re-arms escalation, so a second
		// outage after a successful reconnect is reported too.
		if attempts == 1 {
			escalated = false
		}

		l.logger.Warn("listener disconnected",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.String("transport", string(l.currentTransport())),
		)

		if healthErr := l.ledger.SetCursorHealth(ctx, l.cfg.Address.Hex(), false, err.Error()); healthErr != nil {
			l.logger.Error("set cursor health", zap.Error(healthErr))
		}

		if l.cfg.MaxReconnectAttempts > 0 && attempts >= l.cfg.MaxReconnectAttempts && !escalated {
			escalated = true
			if _, recErr := l.ledger.RecordFailedOp(ctx, model.FailedOperation{
				Stage:   model.StageProcess,
				TokenID: l.cfg.Address.Hex(),
				Error:   fmt.Sprintf("reconnect attempts exhausted: %v", err),
			}); recErr != nil {
				l.logger.Error("record failed op", zap.Error(recErr))
			}
		}

		delay := backoff(l.cfg.ReconnectBackoff, l.cfg.ReconnectBackoffMax, attempts-1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.setState(StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

// connectAndServe runs one catch-up pass and then follows live logs on
// the current transport until it fails.
func (l *Listener) connectAndServe(ctx context.Context) error {
	l.setState(StateCatchingUp)
	if err := l.CatchUp(ctx); err != nil {
		return fmt.Errorf("catch up: %w", err)
	}

	l.mu.Lock()
	l.reconnects = 0
	transport := l.transport
	l.mu.Unlock()
	l.setState(StateLive)

	if err := l.ledger.SetCursorHealth(ctx, l.cfg.Address.Hex(), true, ""); err != nil {
		l.logger.Error("set cursor health", zap.Error(err))
	}

	switch transport {
	case TransportPoll:
		return l.servePoll(ctx)
	default:
		return l.servePush(ctx)
	}
}

func (l *Listener) servePush(ctx context.Context) error {
	sink := make(chan types.Log, 128)
	sub, err := l.reader.SubscribeLogs(ctx, []common.Address{l.cfg.Address}, l.cfg.Topics, sink)
	if err != nil {
		return l.notePushFailure(fmt.Errorf("subscribe: %w", err))
	}
	defer sub.Unsubscribe()

	l.mu.Lock()
	l.pushFailures = 0
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return l.notePushFailure(fmt.Errorf("subscription dropped: %w", err))
		case log := <-sink:
			if err := l.handleLiveLog(ctx, log); err != nil {
				return err
			}
		}
	}
}

// notePushFailure counts consecutive push failures and flips the
// transport to polling once the threshold is crossed.
func (l *Listener) notePushFailure(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushFailures++
	if l.pushFailures >= l.cfg.PushFailureThreshold {
		l.pushFailures = 0
		l.transport = TransportPoll
		l.logger.Warn("push transport unavailable, falling back to polling", zap.Error(err))
		return errSwitchTransport
	}
	return err
}

func (l *Listener) servePoll(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	reprobe := time.NewTimer(l.cfg.PushReprobeInterval)
	defer reprobe.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reprobe.C:
			l.mu.Lock()
			l.transport = TransportPush
			l.mu.Unlock()
			l.logger.Info("retrying push transport")
			return errSwitchTransport
		case <-ticker.C:
			if err := l.CatchUp(ctx); err != nil {
				if errors.Is(err, ErrCatchupRunning) {
					continue
				}
				return fmt.Errorf("poll: %w", err)
			}
		}
	}
}

// handleLiveLog processes one pushed log. The cursor advances only to
// the block before the log's, so a reconnect rescans the log's own block
// and idempotency filters the duplicates.
func (l *Listener) handleLiveLog(ctx context.Context, log types.Log) error {
	if log.Removed {
		return nil
	}
	if err := l.processLog(ctx, log); err != nil {
		return err
	}
	if log.BlockNumber > 0 {
		if err := l.ledger.AdvanceCursor(ctx, l.cfg.Address.Hex(), log.BlockNumber-1); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}

// CatchUp scans from the persisted cursor to the current head in bounded
// windows. Safe to call at any time; concurrent calls fail fast with
// ErrCatchupRunning.
func (l *Listener) CatchUp(ctx context.Context) error {
	if !l.catchupMu.TryLock() {
		return ErrCatchupRunning
	}
	defer l.catchupMu.Unlock()

	l.setCatchupOn(true)
	defer l.setCatchupOn(false)

	address := l.cfg.Address.Hex()

	from := l.cfg.StartBlock
	cur, ok, err := l.ledger.LoadCursor(ctx, address)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if ok && cur.LastProcessedBlock+1 > from {
		from = cur.LastProcessedBlock + 1
	}

	var head uint64
	err = withRetry(ctx, l.cfg.RPCRetries, l.cfg.RPCBackoff, func(ctx context.Context) error {
		var err error
		head, err = l.reader.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("get head: %w", err)
	}

	if from > head {
		return nil
	}

	ranges, err := SplitRange(from, head, l.cfg.BlockRangeLimit)
	if err != nil {
		return err
	}

	for _, window := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var logs []types.Log
		err = withRetry(ctx, l.cfg.RPCRetries, l.cfg.RPCBackoff, func(ctx context.Context) error {
			var err error
			logs, err = l.reader.FilterLogs(ctx, window.From, window.To, []common.Address{l.cfg.Address}, l.cfg.Topics)
			if err != nil {
				l.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", window.From), zap.Uint64("to", window.To))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}

		sort.SliceStable(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})

		for _, log := range logs {
			if log.Removed {
				continue
			}
			if err := l.processLog(ctx, log); err != nil {
				// Cursor stays put: this window replays on the next pass.
				return err
			}
		}

		if err := l.ledger.AdvanceCursor(ctx, address, window.To); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}

		l.logger.Debug("window complete",
			zap.Uint64("from", window.From),
			zap.Uint64("to", window.To),
			zap.Int("logs", len(logs)),
		)
	}

	l.logger.Info("caught up", zap.Uint64("head", head), zap.Uint64("from", from))
	return nil
}

func (l *Listener) processLog(ctx context.Context, log types.Log) error {
	ev, err := processor.Decode(log)
	if err != nil {
		l.logger.Warn("undecodable log",
			zap.Error(err),
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Uint("log_index", log.Index),
		)
		return nil
	}

	outcome, err := l.proc.Process(ctx, ev)
	if err != nil {
		return fmt.Errorf("process event %s: %w", ev.NaturalKey(), err)
	}
	l.metrics.EventProcessed(outcome)
	return nil
}

// Status reports the listener's current state.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:             l.state,
		ReconnectAttempts: l.reconnects,
		CatchupInProgress: l.catchupOn,
		Transport:         l.transport,
	}
}

func (l *Listener) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

func (l *Listener) setCatchupOn(on bool) {
	l.mu.Lock()
	l.catchupOn = on
	l.mu.Unlock()
}

func (l *Listener) currentTransport() Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport
}
