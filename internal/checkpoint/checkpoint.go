package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store tracks the last processed block per (listener, chain).
type Store interface {
	// StartBlock returns last_processed_block+1 when a checkpoint exists.
	// Callers fall back to the listener's configured start block otherwise.
	StartBlock(ctx context.Context, listener string, chainID uint64) (uint64, bool, error)
	// Advance records block as processed. Monotonic: a lower or equal
	// value than the stored one is ignored, so a late retried scan can
	// never regress the checkpoint.
	Advance(ctx context.Context, listener string, chainID uint64, block uint64) error
}

type record struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

// FileStore keeps one JSON checkpoint file per (listener, chain) under a
// directory, written atomically via tmp+rename.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(listener string, chainID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.json", listener, chainID))
}

func (s *FileStore) StartBlock(ctx context.Context, listener string, chainID uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.load(listener, chainID)
	if err != nil || !ok {
		return 0, false, err
	}
	return rec.LastProcessedBlock + 1, true, nil
}

func (s *FileStore) Advance(ctx context.Context, listener string, chainID uint64, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.load(listener, chainID)
	if err != nil {
		return err
	}
	if ok && block <= rec.LastProcessedBlock {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	rec = record{
		LastProcessedBlock: block,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.path(listener, chainID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) load(listener string, chainID uint64) (record, bool, error) {
	data, err := os.ReadFile(s.path(listener, chainID))
	if err != nil {
		if os.IsNotExist(err) {
			return record{}, false, nil
		}
		return record{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	return rec, true, nil
}
