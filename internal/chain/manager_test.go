package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"feescan/internal/model"
)

type fakeRPC struct {
	head     uint64
	headErr  error
	calls    int
	closed   bool
	filterFn func(from, to uint64) ([]types.Log, error)
}

func (f *fakeRPC) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeRPC) LatestBlockNumber(ctx context.Context) (uint64, error) {
	f.calls++
	return f.head, f.headErr
}

func (f *fakeRPC) FilterLogs(ctx context.Context, from, to uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	f.calls++
	if f.filterFn != nil {
		return f.filterFn(from, to)
	}
	return nil, nil
}

func (f *fakeRPC) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	return 1700000000, nil
}

func (f *fakeRPC) TransactionRecipient(ctx context.Context, txHash common.Hash) (common.Address, bool, error) {
	return common.Address{}, false, nil
}

func (f *fakeRPC) TransactionLogs(ctx context.Context, txHash common.Hash) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeRPC) Close() { f.closed = true }

func testManager(t *testing.T, fakes map[string]*fakeRPC, count int) *Manager {
	t.Helper()
	endpoints := make([]Endpoint, 0, count)
	for i := 0; i < count; i++ {
		endpoints = append(endpoints, Endpoint{
			Name:     fmt.Sprintf("ep%d", i),
			URL:      fmt.Sprintf("http://ep%d", i),
			Priority: i,
		})
	}
	m := NewManager(ManagerConfig{}, map[uint64][]Endpoint{1: endpoints}, nil)
	m.SetDial(func(ctx context.Context, url string) (RPC, error) {
		fake, ok := fakes[url]
		if !ok {
			return nil, fmt.Errorf("unknown endpoint %s", url)
		}
		return fake, nil
	})
	return m
}

func TestExecuteWithFallbackLastEndpointWins(t *testing.T) {
	transient := errors.New("429 too many requests")
	fakes := map[string]*fakeRPC{
		"http://ep0": {headErr: transient},
		"http://ep1": {headErr: transient},
		"http://ep2": {head: 500},
	}
	m := testManager(t, fakes, 3)

	var head uint64
	err := m.ExecuteWithFallback(context.Background(), 1, func(ctx context.Context, client RPC) error {
		h, err := client.LatestBlockNumber(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != 500 {
		t.Fatalf("head mismatch: %d", head)
	}

	total := fakes["http://ep0"].calls + fakes["http://ep1"].calls + fakes["http://ep2"].calls
	if total != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", total)
	}
}

func TestExecuteWithFallbackAllTransient(t *testing.T) {
	transient := errors.New("timeout awaiting response")
	fakes := map[string]*fakeRPC{
		"http://ep0": {headErr: transient},
		"http://ep1": {headErr: transient},
	}
	m := testManager(t, fakes, 2)

	err := m.ExecuteWithFallback(context.Background(), 1, func(ctx context.Context, client RPC) error {
		_, err := client.LatestBlockNumber(ctx)
		return err
	})
	if !errors.Is(err, model.ErrNoHealthyEndpoint) {
		t.Fatalf("expected ErrNoHealthyEndpoint, got %v", err)
	}
}

func TestExecuteWithFallbackStopsOnTerminalError(t *testing.T) {
	terminal := errors.New("execution reverted")
	fakes := map[string]*fakeRPC{
		"http://ep0": {headErr: terminal},
		"http://ep1": {head: 10},
	}
	m := testManager(t, fakes, 2)

	err := m.ExecuteWithFallback(context.Background(), 1, func(ctx context.Context, client RPC) error {
		_, err := client.LatestBlockNumber(ctx)
		return err
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if fakes["http://ep1"].calls != 0 {
		t.Fatalf("second endpoint should not have been tried")
	}
}

func TestExecuteWithFallbackNoEndpoints(t *testing.T) {
	m := NewManager(ManagerConfig{}, map[uint64][]Endpoint{}, nil)
	err := m.ExecuteWithFallback(context.Background(), 99, func(ctx context.Context, client RPC) error {
		return nil
	})
	if !model.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestGetConnectionSkipsDeadEndpoint(t *testing.T) {
	fakes := map[string]*fakeRPC{
		"http://ep0": {headErr: errors.New("connection refused")},
		"http://ep1": {head: 42},
	}
	m := testManager(t, fakes, 2)

	client, err := m.GetConnection(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	head, err := client.LatestBlockNumber(context.Background())
	if err != nil || head != 42 {
		t.Fatalf("expected healthy endpoint, got head=%d err=%v", head, err)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("429 Too Many Requests"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("read tcp: i/o timeout"), true},
		{context.DeadlineExceeded, true},
		{&model.TransientEndpointError{Endpoint: "x", Err: errors.New("boom")}, true},
		{errors.New("execution reverted"), false},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Fatalf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
