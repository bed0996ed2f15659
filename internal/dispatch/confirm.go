package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"tokensync/internal/model"
)

// watchConfirmation hands the submitted batch to the watcher pool, which
// drives it to Confirmed or Failed in the background.
func (d *Dispatcher) watchConfirmation(batch model.Batch, items []model.WorkItem, data []byte, fee feeParams) {
	d.watchers.Submit(func() {
		d.awaitReceipt(d.ctx, batch, items, data, fee)
	})
}

func (d *Dispatcher) awaitReceipt(ctx context.Context, batch model.Batch, items []model.WorkItem, data []byte, fee feeParams) {
	txHash := common.HexToHash(batch.TxHash)
	emptyPolls := 0

	ticker := time.NewTicker(d.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown with the batch still pending; it stays Submitted and
			// the operator re-drives it from the batches table.
			return
		case <-ticker.C:
		}

		receipt, err := d.reader.TransactionReceipt(ctx, txHash)
		if err != nil || receipt == nil {
			emptyPolls++
			if emptyPolls >= d.cfg.ResubmitAfterPolls && batch.RetryCount < d.cfg.MaxRetries {
				emptyPolls = 0
				fee = fee.bump(d.cfg.FeeBumpMultiplier, d.cfg.MaxFeeCap)
				if newHash, ok := d.resubmit(ctx, &batch, data, fee); ok {
					txHash = newHash
				}
			}
			continue
		}

		if receipt.Status == types.ReceiptStatusFailed {
			if _, err := d.failPermanent(ctx, batch, items, fmt.Errorf("execution reverted in block %d", receipt.BlockNumber.Uint64())); err != nil {
				d.logger.Error("record reverted batch", zap.Int64("batch_id", batch.ID), zap.Error(err))
			}
			return
		}

		head, err := d.reader.BlockNumber(ctx)
		if err != nil {
			continue
		}
		if head < receipt.BlockNumber.Uint64()+d.cfg.ConfirmationDepth {
			// Not deep enough yet; keep polling so a shallow reorg that
			// drops the receipt is noticed.
			continue
		}

		batch.Status = model.BatchConfirmed
		if err := d.ledger.UpdateBatch(ctx, batch); err != nil {
			d.logger.Error("update confirmed batch", zap.Int64("batch_id", batch.ID), zap.Error(err))
			return
		}
		if err := d.ledger.MarkWorkItemsDispatched(ctx, batch.WorkItemIDs); err != nil {
			d.logger.Error("mark dispatched items", zap.Int64("batch_id", batch.ID), zap.Error(err))
			return
		}
		d.logger.Info("batch confirmed",
			zap.Int64("batch_id", batch.ID),
			zap.String("tx_hash", batch.TxHash),
			zap.Uint64("block", receipt.BlockNumber.Uint64()),
		)
		return
	}
}

// resubmit replays the same nonce with a bumped fee. A nonce-too-low
// response means the original attempt was mined after all, so the caller
// keeps polling the old hash.
func (d *Dispatcher) resubmit(ctx context.Context, batch *model.Batch, data []byte, fee feeParams) (common.Hash, bool) {
	gas, err := d.reader.EstimateGas(ctx, callMsg(d.account, d.cfg.Contract, data))
	if err != nil {
		d.logger.Warn("resubmit gas estimate failed", zap.Int64("batch_id", batch.ID), zap.Error(err))
		return common.Hash{}, false
	}
	gas += gas * d.cfg.GasLimitMargin / 100

	signedTx, err := types.SignNewTx(d.cfg.PrivateKey, d.signer, &types.DynamicFeeTx{
		ChainID:   d.cfg.ChainID,
		Nonce:     batch.Nonce,
		GasTipCap: fee.tipCap,
		GasFeeCap: fee.feeCap,
		Gas:       gas,
		To:        &d.cfg.Contract,
		Data:      data,
	})
	if err != nil {
		d.logger.Warn("resubmit sign failed", zap.Int64("batch_id", batch.ID), zap.Error(err))
		return common.Hash{}, false
	}

	if err := d.reader.SendTransaction(ctx, signedTx); err != nil {
		if !nonceTooLow(err) {
			d.logger.Warn("fee-bump resubmission failed", zap.Int64("batch_id", batch.ID), zap.Error(err))
		}
		return common.Hash{}, false
	}

	batch.RetryCount++
	batch.TxHash = signedTx.Hash().Hex()
	batch.GasTipCap = signedTx.GasTipCap().String()
	batch.GasFeeCap = signedTx.GasFeeCap().String()
	if err := d.ledger.UpdateBatch(ctx, *batch); err != nil {
		d.logger.Error("update resubmitted batch", zap.Int64("batch_id", batch.ID), zap.Error(err))
	}
	d.logger.Info("batch resubmitted with bumped fee",
		zap.Int64("batch_id", batch.ID),
		zap.String("tx_hash", batch.TxHash),
		zap.Int("retry", batch.RetryCount),
	)
	return signedTx.Hash(), true
}
