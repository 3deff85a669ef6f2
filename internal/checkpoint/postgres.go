package checkpoint

import (
	"context"

	"feescan/internal/storage/postgres"
)

// DBStore keeps checkpoints in the scan_checkpoints table. Monotonicity is
// enforced by the store's GREATEST-guarded upsert, so concurrent workers on
// disjoint (listener, chain) keys never interfere.
type DBStore struct {
	Store *postgres.Store
}

func (s *DBStore) StartBlock(ctx context.Context, listener string, chainID uint64) (uint64, bool, error) {
	last, ok, err := s.Store.LoadCheckpoint(ctx, listener, chainID)
	if err != nil || !ok {
		return 0, false, err
	}
	return last + 1, true, nil
}

func (s *DBStore) Advance(ctx context.Context, listener string, chainID uint64, block uint64) error {
	return s.Store.SaveCheckpoint(ctx, listener, chainID, block)
}
