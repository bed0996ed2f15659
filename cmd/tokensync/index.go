package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tokensync/internal/chain"
	"tokensync/internal/config"
	"tokensync/internal/listener"
	"tokensync/internal/model"
	"tokensync/internal/processor"
	"tokensync/internal/report"
	"tokensync/internal/store"
	"tokensync/internal/store/memory"
	"tokensync/internal/store/postgres"
)

func runIndex(cmd *cobra.Command, _ []string) error {
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

	addresses, err := chain.ParseAddresses([]string{cfg.Contract})
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return fmt.Errorf("contract address is required")
	}
	contract := addresses[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.WSURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	var ledger store.Ledger
	if cfg.PGDSN != "" {
		pgStore, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pgStore.Close()
		ledger = pgStore
	} else {
		logger.Warn("no pg-dsn configured, running with in-memory ledger")
		ledger = memory.NewStore()
	}

	collector := report.NewCollector(nil)
	proc := processor.NewIndexProcessor(ledger, logger)

	topics := processor.Topics(model.KindTransfer)
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

	logger.Info("index engine start",
		zap.String("contract", contract.Hex()),
		zap.Uint64("start_block", cfg.StartBlock),
		zap.Uint64("block_range_limit", cfg.BlockRangeLimit),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return lst.Run(groupCtx)
	})
	group.Go(func() error {
		return statusLoop(groupCtx, reporter, logger)
	})

	return group.Wait()
}
