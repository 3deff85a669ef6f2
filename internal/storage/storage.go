package storage

import (
	"context"

	"feescan/internal/model"
)

// MatchStore is the sink for attributed events. PutMatches upserts by
// natural key and ignores rows that already exist: calling it twice with
// overlapping input is safe, which re-scans and gap replays rely on. It
// returns the number of rows actually inserted, so callers can report
// progress without counting deduplicated rows.
type MatchStore interface {
	PutMatches(ctx context.Context, listener string, matches []model.AffiliateMatch) (int, error)
}

// GapStore records block ranges that could not be scanned.
type GapStore interface {
	PutGap(ctx context.Context, gap model.Gap) error
}

// MatchReader reads back per-listener match tables for consolidation.
type MatchReader interface {
	Listeners(ctx context.Context) ([]string, error)
	ReadMatches(ctx context.Context, listener string) ([]model.AffiliateMatch, error)
}

// ConsolidatedWriter replaces the combined table in full. The consolidated
// table is derived state: always a complete rebuild, never incremental.
type ConsolidatedWriter interface {
	ReplaceConsolidated(ctx context.Context, records []model.ConsolidatedRecord) error
}
