package dispatch

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"tokensync/internal/chain"
	"tokensync/internal/model"
	"tokensync/internal/store"
)

// Config holds runtime settings for the dispatcher.
type Config struct {
	Contract            common.Address
	PrivateKey          *ecdsa.PrivateKey
	ChainID             *big.Int
	MaxRetries          int
	RetryBackoff        time.Duration
	FeeBumpMultiplier   float64
	MaxFeeCap           *big.Int
	ConfirmationDepth   uint64
	ReceiptPollInterval time.Duration
	// ResubmitAfterPolls is how many empty receipt polls to tolerate
	// before bumping the fee and resubmitting the same nonce.
	ResubmitAfterPolls int
	// GasLimitMargin is the percentage added on top of the gas estimate.
	GasLimitMargin uint64
}

// Dispatcher converts a drained batch of work items into one on-chain
// transaction and drives it to a terminal state. It is the only nonce
// allocator for the signing account; Dispatch serializes on an internal
// mutex so no two submissions race.
type Dispatcher struct {
	cfg     Config
	reader  chain.Reader
	ledger  store.Ledger
	logger  *zap.Logger
	nonce   *nonceSource
	signer  types.Signer
	account common.Address

	// requeue returns released items to the accumulator.
	requeue func(model.WorkItem)

	mu       sync.Mutex
	watchers pond.Pool
	ctx      context.Context
	cancel   context.CancelFunc
}

func callMsg(from common.Address, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

func NewDispatcher(cfg Config, reader chain.Reader, ledger store.Ledger, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.FeeBumpMultiplier <= 1 {
		cfg.FeeBumpMultiplier = 1.25
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 3 * time.Second
	}
	if cfg.ResubmitAfterPolls <= 0 {
		cfg.ResubmitAfterPolls = 10
	}
	if cfg.GasLimitMargin == 0 {
		cfg.GasLimitMargin = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	account := crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		reader:   reader,
		ledger:   ledger,
		logger:   logger,
		nonce:    newNonceSource(account),
		signer:   types.LatestSignerForChainID(cfg.ChainID),
		account:  account,
		watchers: pond.NewPool(8),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetRequeue wires the path back into the accumulator for items released
// from a failed batch. Must be called before the first Dispatch.
func (d *Dispatcher) SetRequeue(fn func(model.WorkItem)) {
	d.requeue = fn
}

// Stop cancels confirmation watchers and waits for them to exit. Batches
// still pending stay Submitted in the ledger for re-drive on restart.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.watchers.StopAndWait()
}

// Drain waits for in-flight confirmation watchers without cancelling
// them, bounded by the caller's shutdown deadline.
func (d *Dispatcher) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.watchers.StopAndWait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		d.cancel()
		<-done
	case <-done:
	}
}

// Dispatch submits one transaction covering all items and returns the
// batch record in its current state. Retryable submission failures are
// handled internally; only ledger failures propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, items []model.WorkItem) (model.Batch, error) {
	if len(items) == 0 {
		return model.Batch{}, fmt.Errorf("empty batch")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	batch := model.Batch{
		WorkItemIDs: ids,
		Status:      model.BatchPending,
		CreatedAt:   time.Now().UTC(),
	}
	batchID, err := d.ledger.CreateBatch(ctx, batch)
	if err != nil {
		return model.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	batch.ID = batchID

	if err := d.ledger.ClaimWorkItems(ctx, ids, batchID); err != nil {
		batch.Status = model.BatchFailed
		batch.Error = err.Error()
		if updateErr := d.ledger.UpdateBatch(ctx, batch); updateErr != nil {
			return batch, fmt.Errorf("update batch: %w", updateErr)
		}
		// Claims are all-or-nothing, but release anyway so a partial claim
		// can never strand items outside the pending queue.
		if releaseErr := d.ledger.ReleaseWorkItems(ctx, ids); releaseErr != nil {
			return batch, fmt.Errorf("release items: %w", releaseErr)
		}
		return batch, fmt.Errorf("claim work items: %w", err)
	}

	data, err := packSetValues(items)
	if err != nil {
		return d.failPermanent(ctx, batch, items, err)
	}

	return d.submitWithRetry(ctx, batch, items, data)
}

func (d *Dispatcher) submitWithRetry(ctx context.Context, batch model.Batch, items []model.WorkItem, data []byte) (model.Batch, error) {
	fee, err := estimateFee(ctx, d.reader)
	if err != nil {
		return d.failRecoverable(ctx, batch, items, fmt.Errorf("estimate fee: %w", err))
	}

	delay := d.cfg.RetryBackoff
	for {
		signedTx, err := d.buildAndSubmit(ctx, data, fee)
		if err == nil {
			d.nonce.advance()
			batch.Status = model.BatchSubmitted
			batch.TxHash = signedTx.Hash().Hex()
			batch.Nonce = signedTx.Nonce()
			batch.GasTipCap = signedTx.GasTipCap().String()
			batch.GasFeeCap = signedTx.GasFeeCap().String()
			if updateErr := d.ledger.UpdateBatch(ctx, batch); updateErr != nil {
				return batch, fmt.Errorf("update batch: %w", updateErr)
			}
			d.logger.Info("batch submitted",
				zap.Int64("batch_id", batch.ID),
				zap.String("tx_hash", batch.TxHash),
				zap.Uint64("nonce", batch.Nonce),
				zap.Int("items", len(items)),
				zap.Int("retries", batch.RetryCount),
			)
			d.watchConfirmation(batch, items, data, fee)
			return batch, nil
		}

		if invalidPayload(err) {
			return d.failPermanent(ctx, batch, items, err)
		}
		if nonceTooLow(err) {
			d.nonce.resync()
		}
		if !retryable(err) || batch.RetryCount >= d.cfg.MaxRetries {
			return d.failRecoverable(ctx, batch, items, err)
		}

		batch.RetryCount++
		fee = fee.bump(d.cfg.FeeBumpMultiplier, d.cfg.MaxFeeCap)
		d.logger.Warn("submission failed, retrying",
			zap.Int64("batch_id", batch.ID),
			zap.Int("retry", batch.RetryCount),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return d.failRecoverable(ctx, batch, items, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

func (d *Dispatcher) buildAndSubmit(ctx context.Context, data []byte, fee feeParams) (*types.Transaction, error) {
	nonce, err := d.nonce.current(ctx, d.reader)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	gas, err := d.reader.EstimateGas(ctx, callMsg(d.account, d.cfg.Contract, data))
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * d.cfg.GasLimitMargin / 100

	signedTx, err := types.SignNewTx(d.cfg.PrivateKey, d.signer, &types.DynamicFeeTx{
		ChainID:   d.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: fee.tipCap,
		GasFeeCap: fee.feeCap,
		Gas:       gas,
		To:        &d.cfg.Contract,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	if err := d.reader.SendTransaction(ctx, signedTx); err != nil {
		return nil, err
	}
	return signedTx, nil
}

// failPermanent handles payload-level failures: the items can never
// succeed, so they are excluded from retry and preserved only as failed
// operations.
func (d *Dispatcher) failPermanent(ctx context.Context, batch model.Batch, items []model.WorkItem, cause error) (model.Batch, error) {
	batch.Status = model.BatchFailed
	batch.Error = cause.Error()
	if err := d.ledger.UpdateBatch(ctx, batch); err != nil {
		return batch, fmt.Errorf("update batch: %w", err)
	}
	ids := batch.WorkItemIDs
	if err := d.ledger.MarkWorkItemsDispatched(ctx, ids); err != nil {
		return batch, fmt.Errorf("mark items: %w", err)
	}
	for _, item := range items {
		if _, err := d.ledger.RecordFailedOp(ctx, model.FailedOperation{
			Stage:    model.StageDispatch,
			TokenID:  item.TokenID,
			TxHash:   item.TxHash,
			LogIndex: item.LogIndex,
			Payload:  item.Value,
			Error:    cause.Error(),
		}); err != nil {
			return batch, fmt.Errorf("record failed op: %w", err)
		}
	}
	d.logger.Error("batch permanently failed",
		zap.Int64("batch_id", batch.ID),
		zap.Int("items", len(items)),
		zap.Error(cause),
	)
	return batch, nil
}

// failRecoverable handles exhausted retries and transport-level dead
// ends: the batch fails but its items go back to the accumulator.
func (d *Dispatcher) failRecoverable(ctx context.Context, batch model.Batch, items []model.WorkItem, cause error) (model.Batch, error) {
	batch.Status = model.BatchFailed
	batch.Error = cause.Error()
	if err := d.ledger.UpdateBatch(ctx, batch); err != nil {
		return batch, fmt.Errorf("update batch: %w", err)
	}
	if err := d.ledger.ReleaseWorkItems(ctx, batch.WorkItemIDs); err != nil {
		return batch, fmt.Errorf("release items: %w", err)
	}
	if _, err := d.ledger.RecordFailedOp(ctx, model.FailedOperation{
		Stage:   model.StageDispatch,
		TokenID: fmt.Sprintf("batch:%d", batch.ID),
		Error:   cause.Error(),
	}); err != nil {
		return batch, fmt.Errorf("record failed op: %w", err)
	}
	if d.requeue != nil {
		for _, item := range items {
			item.BatchID = 0
			d.requeue(item)
		}
	}
	d.logger.Error("batch failed, items requeued",
		zap.Int64("batch_id", batch.ID),
		zap.Int("items", len(items)),
		zap.Error(cause),
	)
	return batch, nil
}
