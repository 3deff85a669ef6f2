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
		Use:          "feescan",
		Short:        "Affiliate fee scanner",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Scan configured chains for affiliate fee events",
		RunE:  runScan,
	}

	runCmd.Flags().String("chain", "", "only scan this chain")
	runCmd.Flags().String("listener", "", "only run this listener")
	runCmd.Flags().Uint64("from", 0, "start block override (inclusive), 0 means resume from checkpoint")
	runCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	runCmd.Flags().String("out", "./data", "output directory for JSONL tables")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN; JSONL tables are used when empty")
	runCmd.Flags().String("checkpoint-dir", "./data/checkpoints", "checkpoint directory (file store)")
	runCmd.Flags().Duration("rpc-timeout", 30*time.Second, "timeout per RPC call")
	runCmd.Flags().Float64("rps", 10, "max requests per second per endpoint, 0 disables pacing")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	consolidateCmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Rebuild the consolidated table from every protocol table",
		RunE:  runConsolidate,
	}

	consolidateCmd.Flags().String("out", "./data", "output directory for JSONL tables")
	consolidateCmd.Flags().String("pg-dsn", "", "Postgres DSN; JSONL tables are used when empty")
	consolidateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(consolidateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
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
