package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "tokensync",
		Short:        "Registry event sync engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Watch value-request events and dispatch batched setValues transactions",
		RunE:  runDispatch,
	}
	addCommonFlags(dispatchCmd)
	dispatchCmd.Flags().Int("max-batch-size", 50, "work items per batch")
	dispatchCmd.Flags().Duration("batch-timeout", 30*time.Second, "max wait before flushing a partial batch")
	dispatchCmd.Flags().Uint64("confirmation-depth", 6, "blocks past inclusion before a batch is final")
	dispatchCmd.Flags().Int("max-dispatch-retries", 5, "maximum submission retries per batch")
	dispatchCmd.Flags().Duration("dispatch-backoff", 2*time.Second, "initial backoff between submission retries")
	dispatchCmd.Flags().Float64("fee-bump-multiplier", 1.25, "fee multiplier per retry")
	dispatchCmd.Flags().String("max-fee-cap-wei", "", "absolute fee cap in wei (empty for none)")
	dispatchCmd.Flags().Duration("receipt-poll-interval", 3*time.Second, "receipt polling interval")
	root.AddCommand(dispatchCmd)

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Watch transfer events and maintain the ownership index",
		RunE:  runIndex,
	}
	addCommonFlags(indexCmd)
	root.AddCommand(indexCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "chain RPC URL")
	cmd.Flags().String("ws", "", "chain websocket URL (optional, enables push transport)")
	cmd.Flags().String("contract", "", "registry contract address")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN (empty runs the in-memory ledger)")
	cmd.Flags().Uint64("start-block", 0, "contract deployment block")
	cmd.Flags().StringSlice("topic0", nil, "topic0 filter override (hex hashes, defaults to the subcommand's events)")
	cmd.Flags().Uint64("block-range-limit", 2000, "blocks per catch-up window")
	cmd.Flags().Int("rpc-retries", 5, "maximum RPC retry attempts")
	cmd.Flags().Duration("rpc-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	cmd.Flags().Duration("reconnect-backoff", time.Second, "initial reconnect backoff")
	cmd.Flags().Duration("reconnect-backoff-max", time.Minute, "reconnect backoff cap")
	cmd.Flags().Int("max-reconnect-attempts", 10, "reconnect attempts before escalating")
	cmd.Flags().Int("push-failure-threshold", 3, "consecutive push failures before polling fallback")
	cmd.Flags().Duration("poll-interval", 5*time.Second, "polling transport interval")
	cmd.Flags().Duration("push-reprobe-interval", 5*time.Minute, "how often to retry the push transport")
	cmd.Flags().String("catchup-cron", "", "cron spec for scheduled forced catch-up (optional)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
