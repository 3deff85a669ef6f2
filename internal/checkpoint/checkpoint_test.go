package checkpoint

import (
	"context"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	if _, ok, err := store.StartBlock(ctx, "portal", 1); err != nil || ok {
		t.Fatalf("expected no checkpoint, got ok=%v err=%v", ok, err)
	}

	if err := store.Advance(ctx, "portal", 1, 1000); err != nil {
		t.Fatalf("advance: %v", err)
	}

	start, ok, err := store.StartBlock(ctx, "portal", 1)
	if err != nil || !ok {
		t.Fatalf("expected checkpoint, got ok=%v err=%v", ok, err)
	}
	if start != 1001 {
		t.Fatalf("start block mismatch: %d", start)
	}
}

func TestFileStoreMonotonic(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	blocks := []uint64{100, 50, 200, 150, 200, 1}
	for _, block := range blocks {
		if err := store.Advance(ctx, "swap", 56, block); err != nil {
			t.Fatalf("advance %d: %v", block, err)
		}
	}

	start, ok, err := store.StartBlock(ctx, "swap", 56)
	if err != nil || !ok {
		t.Fatalf("expected checkpoint, got ok=%v err=%v", ok, err)
	}
	if start != 201 {
		t.Fatalf("late lower advances must not regress the checkpoint: start=%d", start)
	}
}

func TestFileStoreKeysAreIndependent(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	if err := store.Advance(ctx, "swap", 1, 10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.Advance(ctx, "swap", 56, 99); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.Advance(ctx, "portal", 1, 7); err != nil {
		t.Fatalf("advance: %v", err)
	}

	for _, tc := range []struct {
		listener string
		chainID  uint64
		want     uint64
	}{
		{"swap", 1, 11},
		{"swap", 56, 100},
		{"portal", 1, 8},
	} {
		start, ok, err := store.StartBlock(ctx, tc.listener, tc.chainID)
		if err != nil || !ok {
			t.Fatalf("%s/%d: ok=%v err=%v", tc.listener, tc.chainID, ok, err)
		}
		if start != tc.want {
			t.Fatalf("%s/%d: start=%d want %d", tc.listener, tc.chainID, start, tc.want)
		}
	}
}
