package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"feescan/internal/model"
)

var listenerNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store provides Postgres persistence: per-listener match tables, the
// checkpoint table, the gap table, and the consolidated table.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the shared tables.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scan_checkpoints (
			listener text NOT NULL,
			chain_id bigint NOT NULL,
			last_processed_block bigint NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (listener, chain_id)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_gaps (
			id bigserial PRIMARY KEY,
			listener text NOT NULL,
			chain_id bigint NOT NULL,
			from_block bigint NOT NULL,
			to_block bigint NOT NULL,
			reason text NOT NULL,
			recorded_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS consolidated_matches (
			source text NOT NULL,
			chain_id bigint NOT NULL,
			tx_hash text NOT NULL,
			block_number bigint NOT NULL,
			ts bigint NOT NULL,
			token_in text,
			token_out text,
			amount_in numeric,
			amount_out numeric,
			sender text,
			recipient text,
			affiliate text NOT NULL,
			fee_amount numeric,
			volume_estimate numeric,
			ingested_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func matchTable(listener string) (string, error) {
	if !listenerNameRe.MatchString(listener) {
		return "", fmt.Errorf("invalid listener name: %q", listener)
	}
	return "matches_" + listener, nil
}

// EnsureListener creates a listener's match table when missing.
func (s *Store) EnsureListener(ctx context.Context, listener string) error {
	table, err := matchTable(listener)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chain_id bigint NOT NULL,
			tx_hash text NOT NULL,
			block_number bigint NOT NULL,
			log_index bigint NOT NULL,
			event_type text NOT NULL,
			sender text,
			recipient text,
			token text,
			amount numeric,
			affiliate text NOT NULL,
			match_rule text NOT NULL,
			ts bigint NOT NULL,
			ingested_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (chain_id, tx_hash, log_index)
		)`, table))
	if err != nil {
		return fmt.Errorf("ensure match table %s: %w", listener, err)
	}
	return nil
}

// PutMatches inserts matches, ignoring rows whose natural key exists, and
// returns the number of rows actually inserted.
func (s *Store) PutMatches(ctx context.Context, listener string, matches []model.AffiliateMatch) (int, error) {
	if len(matches) == 0 {
		return 0, nil
	}
	table, err := matchTable(listener)
	if err != nil {
		return 0, &model.PersistenceError{Err: err}
	}
	if err := s.EnsureListener(ctx, listener); err != nil {
		return 0, &model.PersistenceError{Err: err}
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (
			chain_id, tx_hash, block_number, log_index, event_type,
			sender, recipient, token, amount, affiliate, match_rule, ts, ingested_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,'')::numeric,$10,$11,$12,$13::timestamptz)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, table)

	batch := &pgx.Batch{}
	for _, m := range matches {
		ingested := m.IngestedAt
		if ingested == "" {
			ingested = time.Now().UTC().Format(time.RFC3339Nano)
		}
		batch.Queue(stmt,
			int64(m.ChainID),
			m.TxHash,
			int64(m.BlockNumber),
			int64(m.LogIndex),
			m.EventType,
			m.Sender,
			m.Recipient,
			m.Token,
			m.Amount,
			m.Affiliate,
			m.MatchRule,
			int64(m.Timestamp),
			ingested,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range matches {
		ct, err := br.Exec()
		if err != nil {
			return inserted, &model.PersistenceError{Err: err}
		}
		inserted += int(ct.RowsAffected())
	}
	return inserted, nil
}

// PutGap appends a gap record.
func (s *Store) PutGap(ctx context.Context, gap model.Gap) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_gaps (listener, chain_id, from_block, to_block, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, gap.Listener, int64(gap.ChainID), int64(gap.FromBlock), int64(gap.ToBlock), gap.Reason)
	if err != nil {
		return &model.PersistenceError{Err: err}
	}
	return nil
}

// LoadCheckpoint returns last_processed_block for a (listener, chain).
func (s *Store) LoadCheckpoint(ctx context.Context, listener string, chainID uint64) (uint64, bool, error) {
	var block int64
	row := s.pool.QueryRow(ctx, `
		SELECT last_processed_block FROM scan_checkpoints
		WHERE listener=$1 AND chain_id=$2
	`, listener, int64(chainID))
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveCheckpoint upserts last_processed_block, never regressing it.
func (s *Store) SaveCheckpoint(ctx context.Context, listener string, chainID uint64, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_checkpoints (listener, chain_id, last_processed_block, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (listener, chain_id) DO UPDATE
		SET last_processed_block = GREATEST(scan_checkpoints.last_processed_block, EXCLUDED.last_processed_block),
		    updated_at = now()
	`, listener, int64(chainID), int64(block))
	return err
}

// Listeners returns every listener that has a match table.
func (s *Store) Listeners(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name LIKE 'matches\_%'
		ORDER BY table_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listeners []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, err
		}
		listeners = append(listeners, table[len("matches_"):])
	}
	return listeners, rows.Err()
}

// ReadMatches loads a listener's full match table.
func (s *Store) ReadMatches(ctx context.Context, listener string) ([]model.AffiliateMatch, error) {
	table, err := matchTable(listener)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT chain_id, tx_hash, block_number, log_index, event_type,
		       COALESCE(sender, ''), COALESCE(recipient, ''), COALESCE(token, ''),
		       COALESCE(amount::text, ''), affiliate, match_rule, ts, ingested_at
		FROM %s
		ORDER BY chain_id, block_number, log_index
	`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []model.AffiliateMatch
	for rows.Next() {
		var (
			m          model.AffiliateMatch
			chainID    int64
			block      int64
			logIndex   int64
			ts         int64
			ingestedAt time.Time
		)
		if err := rows.Scan(&chainID, &m.TxHash, &block, &logIndex, &m.EventType,
			&m.Sender, &m.Recipient, &m.Token, &m.Amount, &m.Affiliate, &m.MatchRule,
			&ts, &ingestedAt); err != nil {
			return nil, err
		}
		m.Listener = listener
		m.ChainID = uint64(chainID)
		m.BlockNumber = uint64(block)
		m.LogIndex = uint64(logIndex)
		m.Timestamp = uint64(ts)
		m.IngestedAt = ingestedAt.UTC().Format(time.RFC3339Nano)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ReplaceConsolidated rebuilds the consolidated table in one transaction.
func (s *Store) ReplaceConsolidated(ctx context.Context, records []model.ConsolidatedRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &model.PersistenceError{Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE consolidated_matches`); err != nil {
		return &model.PersistenceError{Err: err}
	}

	for _, rec := range records {
		_, err := tx.Exec(ctx, `
			INSERT INTO consolidated_matches (
				source, chain_id, tx_hash, block_number, ts,
				token_in, token_out, amount_in, amount_out,
				sender, recipient, affiliate, fee_amount, volume_estimate, ingested_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,
				NULLIF($8,'')::numeric, NULLIF($9,'')::numeric,
				$10,$11,$12, NULLIF($13,'')::numeric, NULLIF($14,'')::numeric,
				COALESCE(NULLIF($15,'')::timestamptz, now()))
		`,
			rec.Source,
			int64(rec.ChainID),
			rec.TxHash,
			int64(rec.BlockNumber),
			int64(rec.Timestamp),
			rec.TokenIn,
			rec.TokenOut,
			rec.AmountIn,
			rec.AmountOut,
			rec.Sender,
			rec.Recipient,
			rec.Affiliate,
			rec.FeeAmount,
			rec.VolumeEstimate,
			rec.IngestedAt,
		)
		if err != nil {
			return &model.PersistenceError{Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &model.PersistenceError{Err: err}
	}
	return nil
}
