package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"feescan/internal/chain"
	"feescan/internal/checkpoint"
	"feescan/internal/match"
	"feescan/internal/model"
	"feescan/internal/storage"
)

// Decoder turns raw logs into domain events for one listener.
type Decoder interface {
	Name() string
	FilterTopics() []common.Hash
	Decode(log model.RawLog) (*model.DomainEvent, error)
}

// Job configures one (listener, chain) scan.
type Job struct {
	Listener  string
	ChainName string
	ChainID   uint64
	Addresses []common.Address

	// DefaultStartBlock seeds the first scan when no checkpoint exists.
	DefaultStartBlock uint64
	// FromBlock, when non-zero, overrides the checkpoint (gap replay).
	FromBlock uint64
	// ToBlock, when non-zero, overrides the chain head.
	ToBlock uint64

	ChunkSize        uint64
	InterChunkDelay  time.Duration
	MaxChunkAttempts int
}

// Summary is the per-(listener, chain) outcome reported to the CLI.
type Summary struct {
	Listener    string
	ChainID     uint64
	FromBlock   uint64
	ToBlock     uint64
	Chunks      int
	Matches     int
	SkippedLogs int
	Gaps        []model.Gap
	Completed   bool
}

// Runner walks block ranges in bounded chunks from checkpoint to chain
// head: filter logs, decode, match, persist, then advance the checkpoint.
// Persist-then-checkpoint ordering is the correctness invariant; nothing
// below the chunk boundary unwinds past the runner.
type Runner struct {
	job         Job
	manager     *chain.Manager
	decoder     Decoder
	matcher     *match.Matcher
	matches     storage.MatchStore
	gaps        storage.GapStore
	checkpoints checkpoint.Store
	logger      *zap.Logger
}

func NewRunner(
	job Job,
	manager *chain.Manager,
	decoder Decoder,
	matcher *match.Matcher,
	matches storage.MatchStore,
	gaps storage.GapStore,
	checkpoints checkpoint.Store,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if job.ChunkSize == 0 {
		job.ChunkSize = 2000
	}
	if job.MaxChunkAttempts <= 0 {
		job.MaxChunkAttempts = 3
	}
	return &Runner{
		job:         job,
		manager:     manager,
		decoder:     decoder,
		matcher:     matcher,
		matches:     matches,
		gaps:        gaps,
		checkpoints: checkpoints,
		logger: logger.With(
			zap.String("listener", job.Listener),
			zap.String("chain", job.ChainName),
			zap.Uint64("chain_id", job.ChainID),
		),
	}
}

// Run executes the scan loop until the fixed end block is reached.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Listener: r.job.Listener, ChainID: r.job.ChainID}

	if len(r.job.Addresses) == 0 {
		return summary, &model.ConfigurationError{
			Subject: fmt.Sprintf("%s/%s", r.job.Listener, r.job.ChainName),
			Err:     errors.New("no contract addresses configured"),
		}
	}

	start, end, err := r.resolveRange(ctx)
	if err != nil {
		return summary, err
	}
	summary.FromBlock = start
	summary.ToBlock = end

	if start > end {
		r.logger.Info("nothing to scan", zap.Uint64("from", start), zap.Uint64("to", end))
		summary.Completed = true
		return summary, nil
	}

	r.logger.Info("scan start",
		zap.Uint64("from", start),
		zap.Uint64("to", end),
		zap.Uint64("chunk_size", r.job.ChunkSize),
	)

	ranges, err := SplitRange(start, end, r.job.ChunkSize)
	if err != nil {
		return summary, err
	}

	for i, chunk := range ranges {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		matched, skipped, err := r.scanChunkWithRetry(ctx, chunk.From, chunk.To)
		if err != nil {
			if model.IsPersistence(err) || errors.Is(err, context.Canceled) {
				return summary, err
			}
			// Chunk exhausted every retry: record the gap and move on.
			// Partial coverage beats a stalled run; the range is replayed
			// by re-running with an explicit start block.
			gap := model.Gap{
				Listener:   r.job.Listener,
				ChainID:    r.job.ChainID,
				FromBlock:  chunk.From,
				ToBlock:    chunk.To,
				Reason:     err.Error(),
				RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
			}
			if gapErr := r.gaps.PutGap(ctx, gap); gapErr != nil {
				return summary, gapErr
			}
			summary.Gaps = append(summary.Gaps, gap)
			r.logger.Warn("chunk skipped as gap",
				zap.Uint64("from", chunk.From),
				zap.Uint64("to", chunk.To),
				zap.Error(err),
			)
		}
		summary.Chunks++
		summary.Matches += matched
		summary.SkippedLogs += skipped

		if err := r.checkpoints.Advance(ctx, r.job.Listener, r.job.ChainID, chunk.To); err != nil {
			// The chunk is already persisted; failing to record it only
			// causes re-processing, which dedup absorbs. Still fatal:
			// a silently dead checkpoint store must not go unnoticed.
			r.logger.Error("checkpoint write failed",
				zap.Uint64("block", chunk.To),
				zap.Error(err),
			)
			return summary, fmt.Errorf("advance checkpoint to %d: %w", chunk.To, err)
		}

		if i < len(ranges)-1 && r.job.InterChunkDelay > 0 {
			timer := time.NewTimer(r.job.InterChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return summary, ctx.Err()
			case <-timer.C:
			}
		}
	}

	summary.Completed = true
	r.logger.Info("scan complete",
		zap.Int("chunks", summary.Chunks),
		zap.Int("matches", summary.Matches),
		zap.Int("skipped_logs", summary.SkippedLogs),
		zap.Int("gaps", len(summary.Gaps)),
	)
	return summary, nil
}

// resolveRange fixes [start, end] for the whole run. The head is fetched
// once and held, so the run never chases a moving target.
func (r *Runner) resolveRange(ctx context.Context) (uint64, uint64, error) {
	end := r.job.ToBlock
	if end == 0 {
		err := r.manager.ExecuteWithFallback(ctx, r.job.ChainID, func(ctx context.Context, client chain.RPC) error {
			head, err := client.LatestBlockNumber(ctx)
			if err != nil {
				return err
			}
			end = head
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
	}

	if r.job.FromBlock > 0 {
		return r.job.FromBlock, end, nil
	}

	start, ok, err := r.checkpoints.StartBlock(ctx, r.job.Listener, r.job.ChainID)
	if err != nil {
		return 0, 0, err
	}
	if ok {
		r.logger.Info("resume from checkpoint", zap.Uint64("from", start))
		return start, end, nil
	}
	return r.job.DefaultStartBlock, end, nil
}

// scanChunkWithRetry retries a failing chunk with halved sizes before
// giving up. The returned match count is the number of rows actually
// inserted across every attempt; re-scanned sub-chunks insert nothing, so
// partial progress from a failed attempt is never counted twice. The
// returned error, if any, is the last failure.
func (r *Runner) scanChunkWithRetry(ctx context.Context, from, to uint64) (int, int, error) {
	size := to - from + 1
	inserted := 0
	var lastErr error

	for attempt := 0; attempt < r.job.MaxChunkAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return inserted, 0, err
		}

		skipped := 0
		current := from
		var err error
		for current <= to {
			sub := chunkEnd(current, size, to)
			var m, s int
			m, s, err = r.scanChunk(ctx, current, sub)
			if err != nil {
				break
			}
			inserted += m
			skipped += s
			current = sub + 1
		}
		if err == nil {
			return inserted, skipped, nil
		}
		if model.IsPersistence(err) || model.IsConfiguration(err) || errors.Is(err, context.Canceled) {
			return inserted, 0, err
		}

		lastErr = err
		if size > 1 {
			size /= 2
		}
		r.logger.Warn("chunk attempt failed",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("attempt", attempt+1),
			zap.Uint64("next_chunk_size", size),
			zap.Error(err),
		)
	}

	return inserted, 0, lastErr
}

// scanChunk processes one bounded range: fetch logs through the fallback
// manager, decode, match, persist. Malformed logs are counted and skipped.
// The match count is the number of rows the store actually inserted.
func (r *Runner) scanChunk(ctx context.Context, from, to uint64) (int, int, error) {
	var raws []model.RawLog
	err := r.manager.ExecuteWithFallback(ctx, r.job.ChainID, func(ctx context.Context, client chain.RPC) error {
		logs, err := client.FilterLogs(ctx, from, to, r.job.Addresses, r.decoder.FilterTopics())
		if err != nil {
			return err
		}
		raws = raws[:0]
		for _, log := range logs {
			raws = append(raws, model.NewRawLog(r.job.ChainID, log))
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	skipped := 0
	ingestedAt := time.Now().UTC().Format(time.RFC3339Nano)
	matches := make([]model.AffiliateMatch, 0, len(raws))

	for _, raw := range raws {
		if raw.Removed {
			continue
		}
		event, err := r.decoder.Decode(raw)
		if err != nil {
			skipped++
			r.logger.Debug("malformed log skipped",
				zap.String("tx", raw.TxHash.Hex()),
				zap.Uint64("log_index", raw.LogIndex),
				zap.Error(err),
			)
			continue
		}
		if event == nil {
			continue
		}

		res, ok := r.matcher.MatchDirect(event)
		if !ok {
			var recipient *common.Address
			var siblings []model.RawLog
			if r.matcher.Identity().HasAddress {
				recipient, siblings, err = r.txContext(ctx, raw.TxHash)
				if err != nil {
					return 0, 0, err
				}
			}
			res, ok = r.matcher.Match(event, siblings, recipient)
		}
		if !ok {
			continue
		}

		ts, err := r.blockTimestamp(ctx, event.BlockNumber)
		if err != nil {
			return 0, 0, err
		}

		logIndex := event.LogIndex
		if res.Rule == match.RuleTxCounterparty {
			// Transaction-level attribution carries no specific log.
			logIndex = 0
		}
		matches = append(matches, model.AffiliateMatch{
			Listener:    r.job.Listener,
			ChainID:     event.ChainID,
			TxHash:      event.TxHash,
			BlockNumber: event.BlockNumber,
			LogIndex:    logIndex,
			EventType:   event.EventType,
			Sender:      event.Sender,
			Recipient:   event.Recipient,
			Token:       res.Token,
			Amount:      res.Amount,
			Affiliate:   r.matcher.Identity().String(),
			MatchRule:   res.Rule,
			Timestamp:   ts,
			IngestedAt:  ingestedAt,
		})
	}

	inserted, err := r.matches.PutMatches(ctx, r.job.Listener, matches)
	if err != nil {
		return 0, 0, err
	}

	r.logger.Debug("chunk complete",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("logs", len(raws)),
		zap.Int("matches", inserted),
		zap.Int("skipped", skipped),
	)
	return inserted, skipped, nil
}

// txContext resolves the transaction recipient and sibling logs needed by
// the counterparty and sibling-transfer rules.
func (r *Runner) txContext(ctx context.Context, txHash common.Hash) (*common.Address, []model.RawLog, error) {
	var recipient *common.Address
	var siblings []model.RawLog
	err := r.manager.ExecuteWithFallback(ctx, r.job.ChainID, func(ctx context.Context, client chain.RPC) error {
		to, ok, err := client.TransactionRecipient(ctx, txHash)
		if err != nil {
			return err
		}
		if ok {
			recipient = &to
		}
		logs, err := client.TransactionLogs(ctx, txHash)
		if err != nil {
			return err
		}
		siblings = siblings[:0]
		for _, log := range logs {
			siblings = append(siblings, model.NewRawLog(r.job.ChainID, log))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return recipient, siblings, nil
}

func (r *Runner) blockTimestamp(ctx context.Context, block uint64) (uint64, error) {
	var ts uint64
	err := r.manager.ExecuteWithFallback(ctx, r.job.ChainID, func(ctx context.Context, client chain.RPC) error {
		var err error
		ts, err = client.BlockTimestamp(ctx, block)
		return err
	})
	return ts, err
}
