package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"feescan/internal/chain"
	"feescan/internal/checkpoint"
	"feescan/internal/match"
	"feescan/internal/model"
	"feescan/internal/protocol"
	"feescan/internal/storage"
)

var (
	affiliateAddr = common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff")
	senderAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenAddr     = common.HexToAddress("0xabcdabcdabcdabcdabcdabcdabcdabcdabcdabcd")
)

type fakeRPC struct {
	head    uint64
	logs    []types.Log
	failAll error

	// flakyFails makes FilterLogs fail that many times for ranges reaching
	// flakyFrom, to exercise the halving retry path.
	flakyFrom   uint64
	flakyFails  int
	filterCalls int
}

func (f *fakeRPC) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeRPC) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if f.failAll != nil {
		return 0, f.failAll
	}
	return f.head, nil
}

func (f *fakeRPC) FilterLogs(ctx context.Context, from, to uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	f.filterCalls++
	if f.failAll != nil {
		return nil, f.failAll
	}
	if f.flakyFails > 0 && to >= f.flakyFrom {
		f.flakyFails--
		return nil, errors.New("502 bad gateway")
	}
	logs := make([]types.Log, 0, len(f.logs))
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

func (f *fakeRPC) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if f.failAll != nil {
		return 0, f.failAll
	}
	return 1700000000 + number, nil
}

func (f *fakeRPC) TransactionRecipient(ctx context.Context, txHash common.Hash) (common.Address, bool, error) {
	return common.Address{}, false, f.failAll
}

func (f *fakeRPC) TransactionLogs(ctx context.Context, txHash common.Hash) ([]types.Log, error) {
	return nil, f.failAll
}

func (f *fakeRPC) Close() {}

func fakeManager(t *testing.T, fakes map[string]*fakeRPC) *chain.Manager {
	t.Helper()
	endpoints := make([]chain.Endpoint, 0, len(fakes))
	for i := 0; i < len(fakes); i++ {
		url := fmt.Sprintf("http://ep%d", i)
		if _, ok := fakes[url]; !ok {
			t.Fatalf("fake endpoints must be named http://ep0..N, missing %s", url)
		}
		endpoints = append(endpoints, chain.Endpoint{Name: url, URL: url, Priority: i})
	}
	m := chain.NewManager(chain.ManagerConfig{}, map[uint64][]chain.Endpoint{1: endpoints}, nil)
	m.SetDial(func(ctx context.Context, url string) (chain.RPC, error) {
		return fakes[url], nil
	})
	return m
}

func transferTo(to common.Address, block uint64, txHash byte, index uint) types.Log {
	return types.Log{
		Address: tokenAddr,
		Topics: []common.Hash{
			protocol.TransferTopic(),
			common.BytesToHash(senderAddr.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.BigToHash(big.NewInt(1234)).Bytes(),
		BlockNumber: block,
		TxHash:      common.Hash{txHash},
		Index:       index,
	}
}

func testRunner(t *testing.T, job Job, manager *chain.Manager, store *storage.JsonlStore, cp checkpoint.Store) *Runner {
	t.Helper()
	decoder, err := protocol.ForName("transfer")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	identity, err := match.NewIdentity(affiliateAddr.Hex(), "")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return NewRunner(job, manager, decoder, match.NewMatcher(identity), store, store, cp, nil)
}

// Full pipeline walkthrough: the first endpoint rate-limits everything, the
// second serves three logs, of which one has an unknown signature, one is
// malformed, and one pays the affiliate. Exactly one row must land, the
// checkpoint must reach the head, and a re-run must add nothing.
func TestRunEndToEnd(t *testing.T) {
	unknown := types.Log{
		Address:     tokenAddr,
		Topics:      []common.Hash{common.HexToHash("0x42")},
		BlockNumber: 101,
		TxHash:      common.Hash{0x01},
		Index:       0,
	}
	malformed := transferTo(affiliateAddr, 103, 0x02, 1)
	malformed.Topics = malformed.Topics[:2]
	good := transferTo(affiliateAddr, 105, 0x03, 2)

	fakes := map[string]*fakeRPC{
		"http://ep0": {failAll: errors.New("429 too many requests")},
		"http://ep1": {head: 120, logs: []types.Log{unknown, malformed, good}},
	}
	manager := fakeManager(t, fakes)
	store := storage.NewJsonlStore(t.TempDir())
	cp := checkpoint.NewFileStore(t.TempDir())

	job := Job{
		Listener:          "transfer",
		ChainName:         "ethereum",
		ChainID:           1,
		Addresses:         []common.Address{tokenAddr},
		DefaultStartBlock: 100,
		ChunkSize:         50,
	}
	runner := testRunner(t, job, manager, store, cp)
	ctx := context.Background()

	summary, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.Completed {
		t.Fatalf("expected completed run: %+v", summary)
	}
	if summary.FromBlock != 100 || summary.ToBlock != 120 {
		t.Fatalf("range mismatch: %+v", summary)
	}
	if summary.Matches != 1 || summary.SkippedLogs != 1 {
		t.Fatalf("expected 1 match and 1 skipped log: %+v", summary)
	}
	if len(summary.Gaps) != 0 {
		t.Fatalf("unexpected gaps: %+v", summary.Gaps)
	}

	rows, err := store.ReadMatches(ctx, "transfer")
	if err != nil {
		t.Fatalf("read matches: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted row, got %d", len(rows))
	}
	row := rows[0]
	if row.MatchRule != match.RuleDirectField {
		t.Fatalf("rule mismatch: %s", row.MatchRule)
	}
	if row.ChainID != 1 || row.BlockNumber != 105 || row.LogIndex != 2 {
		t.Fatalf("row identity mismatch: %+v", row)
	}
	if row.Amount != "1234" || row.Token != tokenAddr.Hex() {
		t.Fatalf("row value mismatch: %+v", row)
	}
	if row.Affiliate != affiliateAddr.Hex() {
		t.Fatalf("affiliate mismatch: %s", row.Affiliate)
	}
	if row.Timestamp != 1700000105 {
		t.Fatalf("timestamp mismatch: %d", row.Timestamp)
	}

	start, ok, err := cp.StartBlock(ctx, "transfer", 1)
	if err != nil || !ok {
		t.Fatalf("checkpoint missing: ok=%v err=%v", ok, err)
	}
	if start != 121 {
		t.Fatalf("checkpoint must sit past the head: %d", start)
	}

	// Second run resumes past the head and does nothing.
	summary, err = testRunner(t, job, manager, store, cp).Run(ctx)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if !summary.Completed || summary.Chunks != 0 {
		t.Fatalf("re-run must be a no-op: %+v", summary)
	}

	// Forced replay of the same range must not duplicate rows, and the
	// summary must not count deduplicated rows as matches.
	replay := job
	replay.FromBlock = 100
	replay.ToBlock = 120
	replaySummary, err := testRunner(t, replay, manager, store, cp).Run(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replaySummary.Matches != 0 {
		t.Fatalf("replay must report 0 inserted matches, got %d", replaySummary.Matches)
	}
	rows, err = store.ReadMatches(ctx, "transfer")
	if err != nil {
		t.Fatalf("read matches: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("replay must not add rows, got %d", len(rows))
	}
}

// When every endpoint keeps failing, the chunk becomes a recorded gap and
// the checkpoint still advances so one bad range cannot stall the scan.
func TestRunRecordsGapAndAdvances(t *testing.T) {
	transient := errors.New("503 service unavailable")
	fakes := map[string]*fakeRPC{
		"http://ep0": {failAll: transient},
		"http://ep1": {failAll: transient},
	}
	manager := fakeManager(t, fakes)
	store := storage.NewJsonlStore(t.TempDir())
	cp := checkpoint.NewFileStore(t.TempDir())

	job := Job{
		Listener:         "transfer",
		ChainName:        "ethereum",
		ChainID:          1,
		Addresses:        []common.Address{tokenAddr},
		FromBlock:        100,
		ToBlock:          199,
		ChunkSize:        200,
		MaxChunkAttempts: 2,
	}
	runner := testRunner(t, job, manager, store, cp)
	ctx := context.Background()

	summary, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("run must survive a failed chunk: %v", err)
	}
	if !summary.Completed {
		t.Fatalf("expected completed run: %+v", summary)
	}
	if len(summary.Gaps) != 1 {
		t.Fatalf("expected 1 gap, got %+v", summary.Gaps)
	}
	gap := summary.Gaps[0]
	if gap.FromBlock != 100 || gap.ToBlock != 199 || gap.ChainID != 1 {
		t.Fatalf("gap bounds mismatch: %+v", gap)
	}

	gaps, err := store.ReadGaps(ctx)
	if err != nil || len(gaps) != 1 {
		t.Fatalf("gap must be persisted: gaps=%v err=%v", gaps, err)
	}

	start, ok, err := cp.StartBlock(ctx, "transfer", 1)
	if err != nil || !ok {
		t.Fatalf("checkpoint missing: ok=%v err=%v", ok, err)
	}
	if start != 200 {
		t.Fatalf("checkpoint must advance past the gap: %d", start)
	}
}

func TestRunSplitsRangeIntoChunks(t *testing.T) {
	ep := &fakeRPC{head: 200}
	manager := fakeManager(t, map[string]*fakeRPC{"http://ep0": ep})
	store := storage.NewJsonlStore(t.TempDir())
	cp := checkpoint.NewFileStore(t.TempDir())

	job := Job{
		Listener:  "transfer",
		ChainName: "ethereum",
		ChainID:   1,
		Addresses: []common.Address{tokenAddr},
		FromBlock: 100,
		ToBlock:   135,
		ChunkSize: 10,
	}
	summary, err := testRunner(t, job, manager, store, cp).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.Completed || summary.Chunks != 4 {
		t.Fatalf("expected 4 chunks: %+v", summary)
	}
	if ep.filterCalls != 4 {
		t.Fatalf("expected 4 filter calls, got %d", ep.filterCalls)
	}

	start, ok, err := cp.StartBlock(context.Background(), "transfer", 1)
	if err != nil || !ok || start != 136 {
		t.Fatalf("checkpoint mismatch: start=%d ok=%v err=%v", start, ok, err)
	}
}

// A retried chunk re-scans sub-ranges that already persisted their matches.
// The summary must count rows actually inserted, not rows rebuilt, or a
// partial-failure retry would inflate it.
func TestRunRetryCountsOnlyFreshInserts(t *testing.T) {
	ep := &fakeRPC{
		head: 300,
		logs: []types.Log{
			transferTo(affiliateAddr, 120, 0x04, 0),
			transferTo(affiliateAddr, 180, 0x05, 1),
		},
		flakyFrom:  150,
		flakyFails: 2,
	}
	manager := fakeManager(t, map[string]*fakeRPC{"http://ep0": ep})
	store := storage.NewJsonlStore(t.TempDir())
	cp := checkpoint.NewFileStore(t.TempDir())

	job := Job{
		Listener:         "transfer",
		ChainName:        "ethereum",
		ChainID:          1,
		Addresses:        []common.Address{tokenAddr},
		FromBlock:        100,
		ToBlock:          199,
		ChunkSize:        200,
		MaxChunkAttempts: 3,
	}
	summary, err := testRunner(t, job, manager, store, cp).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.Completed || len(summary.Gaps) != 0 {
		t.Fatalf("expected clean completion: %+v", summary)
	}
	if summary.Matches != 2 {
		t.Fatalf("expected 2 inserted matches, got %d", summary.Matches)
	}

	rows, err := store.ReadMatches(context.Background(), "transfer")
	if err != nil {
		t.Fatalf("read matches: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 persisted rows, got %d", len(rows))
	}
}

func TestRunNoAddressesIsConfigurationError(t *testing.T) {
	manager := fakeManager(t, map[string]*fakeRPC{"http://ep0": {head: 10}})
	store := storage.NewJsonlStore(t.TempDir())
	cp := checkpoint.NewFileStore(t.TempDir())

	job := Job{Listener: "transfer", ChainName: "ethereum", ChainID: 1}
	_, err := testRunner(t, job, manager, store, cp).Run(context.Background())
	if !model.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunCanceledContext(t *testing.T) {
	manager := fakeManager(t, map[string]*fakeRPC{"http://ep0": {head: 100}})
	store := storage.NewJsonlStore(t.TempDir())
	cp := checkpoint.NewFileStore(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := Job{
		Listener:  "transfer",
		ChainName: "ethereum",
		ChainID:   1,
		Addresses: []common.Address{tokenAddr},
		FromBlock: 1,
		ToBlock:   100,
	}
	_, err := testRunner(t, job, manager, store, cp).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
