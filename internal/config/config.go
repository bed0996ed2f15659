package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
// SignerKey is only ever read from the environment.
type Config struct {
	RPCURL     string
	WSURL      string
	Contract   string
	PGDSN      string
	StartBlock uint64
	LogLevel   string

	// Topic0 overrides the built-in event signature filter. Empty means
	// the subcommand's default topics.
	Topic0 []string

	BlockRangeLimit      uint64
	RPCRetries           int
	RPCBackoff           time.Duration
	ReconnectBackoff     time.Duration
	ReconnectBackoffMax  time.Duration
	MaxReconnectAttempts int
	PushFailureThreshold int
	PollInterval         time.Duration
	PushReprobeInterval  time.Duration
	CatchupCron          string

	MaxBatchSize        int
	BatchTimeout        time.Duration
	ConfirmationDepth   uint64
	MaxDispatchRetries  int
	DispatchBackoff     time.Duration
	FeeBumpMultiplier   float64
	MaxFeeCapWei        string
	ReceiptPollInterval time.Duration
	SignerKey           string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TOKENSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("block-range-limit", uint64(2000))
	v.SetDefault("rpc-retries", 5)
	v.SetDefault("rpc-backoff", 500*time.Millisecond)
	v.SetDefault("reconnect-backoff", time.Second)
	v.SetDefault("reconnect-backoff-max", time.Minute)
	v.SetDefault("max-reconnect-attempts", 10)
	v.SetDefault("push-failure-threshold", 3)
	v.SetDefault("poll-interval", 5*time.Second)
	v.SetDefault("push-reprobe-interval", 5*time.Minute)
	v.SetDefault("max-batch-size", 50)
	v.SetDefault("batch-timeout", 30*time.Second)
	v.SetDefault("confirmation-depth", uint64(6))
	v.SetDefault("max-dispatch-retries", 5)
	v.SetDefault("dispatch-backoff", 2*time.Second)
	v.SetDefault("fee-bump-multiplier", 1.25)
	v.SetDefault("receipt-poll-interval", 3*time.Second)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:               v.GetString("rpc"),
		WSURL:                v.GetString("ws"),
		Contract:             v.GetString("contract"),
		PGDSN:                v.GetString("pg-dsn"),
		StartBlock:           v.GetUint64("start-block"),
		LogLevel:             v.GetString("log-level"),
		Topic0:               v.GetStringSlice("topic0"),
		BlockRangeLimit:      v.GetUint64("block-range-limit"),
		RPCRetries:           v.GetInt("rpc-retries"),
		RPCBackoff:           v.GetDuration("rpc-backoff"),
		ReconnectBackoff:     v.GetDuration("reconnect-backoff"),
		ReconnectBackoffMax:  v.GetDuration("reconnect-backoff-max"),
		MaxReconnectAttempts: v.GetInt("max-reconnect-attempts"),
		PushFailureThreshold: v.GetInt("push-failure-threshold"),
		PollInterval:         v.GetDuration("poll-interval"),
		PushReprobeInterval:  v.GetDuration("push-reprobe-interval"),
		CatchupCron:          v.GetString("catchup-cron"),
		MaxBatchSize:         v.GetInt("max-batch-size"),
		BatchTimeout:         v.GetDuration("batch-timeout"),
		ConfirmationDepth:    v.GetUint64("confirmation-depth"),
		MaxDispatchRetries:   v.GetInt("max-dispatch-retries"),
		DispatchBackoff:      v.GetDuration("dispatch-backoff"),
		FeeBumpMultiplier:    v.GetFloat64("fee-bump-multiplier"),
		MaxFeeCapWei:         v.GetString("max-fee-cap-wei"),
		ReceiptPollInterval:  v.GetDuration("receipt-poll-interval"),
		SignerKey:            v.GetString("signer-key"),
	}

	return cfg, nil
}
