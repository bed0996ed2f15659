package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tokensync/internal/batcher"
	"tokensync/internal/chain"
	"tokensync/internal/config"
	"tokensync/internal/dispatch"
	"tokensync/internal/listener"
	"tokensync/internal/model"
	"tokensync/internal/payload"
	"tokensync/internal/processor"
	"tokensync/internal/report"
	"tokensync/internal/store"
	"tokensync/internal/store/memory"
	"tokensync/internal/store/postgres"
)

const shutdownGrace = 30 * time.Second

func runDispatch(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if cfg.SignerKey == "" {
		return fmt.Errorf("signer key is required (TOKENSYNC_SIGNER_KEY)")
	}

	addresses, err := chain.ParseAddresses([]string{cfg.Contract})
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return fmt.Errorf("contract address is required")
	}
	contract := addresses[0]

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return fmt.Errorf("parse signer key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.WSURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}

	var (
		ledger store.Ledger
		source payload.Source
	)
	if cfg.PGDSN != "" {
		pgStore, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pgStore.Close()
		pgSource, err := payload.NewPostgresSource(pgStore.Pool())
		if err != nil {
			return err
		}
		ledger = pgStore
		source = pgSource
	} else {
		logger.Warn("no pg-dsn configured, running with in-memory ledger")
		ledger = memory.NewStore()
		source = payload.StaticSource{}
	}

	var maxFeeCap *big.Int
	if cfg.MaxFeeCapWei != "" {
		parsed, ok := new(big.Int).SetString(cfg.MaxFeeCapWei, 10)
		if !ok {
			return fmt.Errorf("invalid max-fee-cap-wei: %s", cfg.MaxFeeCapWei)
		}
		maxFeeCap = parsed
	}

	collector := report.NewCollector(nil)

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Contract:            contract,
		PrivateKey:          privateKey,
		ChainID:             chainID,
		MaxRetries:          cfg.MaxDispatchRetries,
		RetryBackoff:        cfg.DispatchBackoff,
		FeeBumpMultiplier:   cfg.FeeBumpMultiplier,
		MaxFeeCap:           maxFeeCap,
		ConfirmationDepth:   cfg.ConfirmationDepth,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
	}, chainClient, ledger, logger)
	if err != nil {
		return err
	}

	// Dispatch keeps its own lifetime so an in-flight flush survives the
	// shutdown signal; Drain bounds it below.
	dispatchCtx := context.Background()
	acc := batcher.New(cfg.MaxBatchSize, cfg.BatchTimeout, func(items []model.WorkItem) {
		batch, err := dispatcher.Dispatch(dispatchCtx, items)
		if err != nil {
			logger.Error("dispatch failed", zap.Error(err))
			return
		}
		collector.BatchFinished(batch.Status)
	}, logger)
	dispatcher.SetRequeue(acc.Enqueue)

	// Re-drive work queued before the last shutdown.
	pending, err := ledger.PendingWorkItems(ctx, 0)
	if err != nil {
		return fmt.Errorf("load pending work: %w", err)
	}
	for _, item := range pending {
		acc.Enqueue(item)
	}
	if len(pending) > 0 {
		logger.Info("requeued pending work items", zap.Int("count", len(pending)))
	}

	proc := processor.NewDispatchProcessor(ledger, source, acc.Enqueue, logger)

	topics := processor.Topics(model.KindValueRequested)
	if len(cfg.Topic0) > 0 {
		topics, err = chain.ParseTopic0(cfg.Topic0)
		if err != nil {
			return err
		}
	}

	lst, err := listener.New(listener.Config{
		Address:              contract,
		Topics:               topics,
		StartBlock:           cfg.StartBlock,
		BlockRangeLimit:      cfg.BlockRangeLimit,
		RPCRetries:           cfg.RPCRetries,
		RPCBackoff:           cfg.RPCBackoff,
		ReconnectBackoff:     cfg.ReconnectBackoff,
		ReconnectBackoffMax:  cfg.ReconnectBackoffMax,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		PushFailureThreshold: cfg.PushFailureThreshold,
		PollInterval:         cfg.PollInterval,
		PushReprobeInterval:  cfg.PushReprobeInterval,
	}, chainClient, ledger, proc, collector, logger)
	if err != nil {
		return err
	}

	reporter := report.NewReporter(chainClient, ledger, collector, contract.Hex())

	scheduler, err := startCatchupCron(cfg.CatchupCron, lst, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	logger.Info("dispatch engine start",
		zap.String("contract", contract.Hex()),
		zap.Uint64("start_block", cfg.StartBlock),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Duration("batch_timeout", cfg.BatchTimeout),
		zap.Uint64("confirmation_depth", cfg.ConfirmationDepth),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return lst.Run(groupCtx)
	})
	group.Go(func() error {
		return statusLoop(groupCtx, reporter, logger)
	})

	err = group.Wait()

	// Shutdown: intake has stopped; flush what is buffered and wait for
	// in-flight batches, bounded by the grace period. Anything left stays
	// re-driveable in the ledger.
	acc.ForceFlush()
	acc.Wait()
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	dispatcher.Drain(drainCtx)

	return err
}

func startCatchupCron(spec string, lst *listener.Listener, logger *zap.Logger) (*cron.Cron, error) {
	if spec == "" {
		return nil, nil
	}
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := scheduler.AddFunc(spec, func() {
		if err := lst.CatchUp(context.Background()); err != nil && !errors.Is(err, listener.ErrCatchupRunning) {
			logger.Warn("scheduled catch-up failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("catchup cron: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}

func statusLoop(ctx context.Context, reporter *report.Reporter, logger *zap.Logger) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			status, err := reporter.Status(ctx)
			if err != nil {
				logger.Warn("status probe failed", zap.Error(err))
				continue
			}
			metrics, err := reporter.Metrics(ctx)
			if err != nil {
				logger.Warn("metrics probe failed", zap.Error(err))
				continue
			}
			logger.Info("sync status",
				zap.Uint64("head", status.CurrentBlock),
				zap.Uint64("last_processed", status.LastProcessedBlock),
				zap.Uint64("blocks_behind", status.BlocksBehind),
				zap.Bool("healthy", status.Healthy),
				zap.Int("queue_depth", metrics.QueueDepth),
				zap.Int("failed_ops", metrics.FailedOperationCount),
				zap.Int64("processed_1m", metrics.ProcessedLastMinute),
			)
		}
	}
}
