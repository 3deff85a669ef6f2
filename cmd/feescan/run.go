package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"feescan/internal/chain"
	"feescan/internal/checkpoint"
	"feescan/internal/config"
	"feescan/internal/consolidate"
	"feescan/internal/match"
	"feescan/internal/model"
	"feescan/internal/protocol"
	"feescan/internal/scanner"
	"feescan/internal/storage"
	"feescan/internal/storage/postgres"
)

// stores bundles the persistence surfaces a run needs, regardless of
// whether they are backed by JSONL files or Postgres.
type stores struct {
	matches      storage.MatchStore
	gaps         storage.GapStore
	reader       storage.MatchReader
	writer       storage.ConsolidatedWriter
	checkpoints  checkpoint.Store
	closeStorage func()
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	identity, err := match.NewIdentity(cfg.Affiliate.Address, cfg.Affiliate.MemoCode)
	if err != nil {
		return err
	}
	matcher := match.NewMatcher(identity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoints := make(map[uint64][]chain.Endpoint, len(cfg.Chains))
	for name, chainCfg := range cfg.Chains {
		list := make([]chain.Endpoint, 0, len(chainCfg.Endpoints))
		for _, ep := range chainCfg.Endpoints {
			epName := ep.Name
			if epName == "" {
				epName = name
			}
			list = append(list, chain.Endpoint{Name: epName, URL: ep.URL, Priority: ep.Priority})
		}
		endpoints[chainCfg.ChainID] = list
	}

	manager := chain.NewManager(chain.ManagerConfig{
		RPCTimeout:        cfg.RPCTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, endpoints, logger)
	defer manager.Close()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.closeStorage()

	jobs, err := buildJobs(cfg, logger)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no runnable (listener, chain) pairs after filters")
	}

	logger.Info("scan run start",
		zap.Int("jobs", len(jobs)),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.String("out", cfg.OutDir),
	)

	// One worker per (listener, chain); workers share only the checkpoint
	// and persistence stores, which serialize writes internally.
	var wg sync.WaitGroup
	var mu sync.Mutex
	summaries := make([]scanner.Summary, 0, len(jobs))
	failures := make([]error, 0)

	for _, job := range jobs {
		decoder, err := protocol.ForName(job.decoderName)
		if err != nil {
			logger.Error("listener skipped", zap.String("listener", job.job.Listener), zap.Error(err))
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
			continue
		}

		runner := scanner.NewRunner(job.job, manager, decoder, matcher, st.matches, st.gaps, st.checkpoints, logger)
		wg.Add(1)
		go func(job scanner.Job) {
			defer wg.Done()
			summary, err := runner.Run(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error("scan failed",
					zap.String("listener", job.Listener),
					zap.String("chain", job.ChainName),
					zap.Error(err),
				)
				failures = append(failures, err)
			}
			summaries = append(summaries, summary)
		}(job.job)
	}
	wg.Wait()

	progressed := 0
	gaps := 0
	matches := 0
	for _, s := range summaries {
		if s.Completed || s.Chunks > 0 {
			progressed++
		}
		gaps += len(s.Gaps)
		matches += s.Matches
	}

	logger.Info("scan run complete",
		zap.Int("jobs", len(jobs)),
		zap.Int("progressed", progressed),
		zap.Int("failed", len(failures)),
		zap.Int("matches", matches),
		zap.Int("gaps", gaps),
	)

	// Partial success is success: gaps and per-chain failures are reported
	// above, the exit code only reflects total failure.
	if progressed == 0 {
		if len(failures) > 0 {
			return fmt.Errorf("no chain made progress: %w", failures[0])
		}
		return fmt.Errorf("no chain made progress")
	}
	return nil
}

type runnableJob struct {
	job         scanner.Job
	decoderName string
}

// buildJobs expands the config into (listener, chain) jobs, applying the
// --chain/--listener filters. Per-chain configuration problems skip that
// chain and keep the rest of the run alive.
func buildJobs(cfg config.Config, logger *zap.Logger) ([]runnableJob, error) {
	jobs := make([]runnableJob, 0)
	for _, listener := range cfg.Listeners {
		if cfg.Listener != "" && listener.Name != cfg.Listener {
			continue
		}
		for _, chainName := range listener.Chains {
			if cfg.Chain != "" && chainName != cfg.Chain {
				continue
			}
			chainCfg := cfg.Chains[chainName]

			addresses, err := scanner.ParseAddresses(listener.Contracts[chainName])
			if err != nil || len(addresses) == 0 {
				if err == nil {
					err = fmt.Errorf("no contract addresses for chain %s", chainName)
				}
				logger.Error("chain skipped",
					zap.String("listener", listener.Name),
					zap.String("chain", chainName),
					zap.Error(&model.ConfigurationError{Subject: listener.Name + "/" + chainName, Err: err}),
				)
				continue
			}

			jobs = append(jobs, runnableJob{
				decoderName: listener.Decoder,
				job: scanner.Job{
					Listener:          listener.Name,
					ChainName:         chainName,
					ChainID:           chainCfg.ChainID,
					Addresses:         addresses,
					DefaultStartBlock: listener.StartBlocks[chainName],
					FromBlock:         cfg.FromBlock,
					ToBlock:           cfg.ToBlock,
					ChunkSize:         listener.ChunkSize,
					InterChunkDelay:   listener.Delay,
					MaxChunkAttempts:  listener.MaxChunkAttempts,
				},
			})
		}
	}
	return jobs, nil
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.PGDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return stores{}, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return stores{}, err
		}
		return stores{
			matches:      pg,
			gaps:         pg,
			reader:       pg,
			writer:       pg,
			checkpoints:  &checkpoint.DBStore{Store: pg},
			closeStorage: pg.Close,
		}, nil
	}

	jsonl := storage.NewJsonlStore(cfg.OutDir)
	return stores{
		matches:      jsonl,
		gaps:         jsonl,
		reader:       jsonl,
		writer:       jsonl,
		checkpoints:  checkpoint.NewFileStore(cfg.CheckpointDir),
		closeStorage: func() {},
	}, nil
}

func runConsolidate(cmd *cobra.Command, _ []string) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.closeStorage()

	logger.Info("consolidate start",
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.String("out", cfg.OutDir),
	)

	return consolidate.NewConsolidator(st.reader, st.writer, logger).Run(ctx)
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
