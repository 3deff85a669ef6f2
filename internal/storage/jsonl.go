package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"feescan/internal/model"
)

const (
	matchFilePrefix  = "matches_"
	gapFileName      = "gaps.jsonl"
	consolidatedName = "consolidated.jsonl"
)

// JsonlStore keeps one append-only JSONL table per listener plus a gap log
// and the consolidated table, all under a single directory. A natural-key
// index seeded from the existing files makes appends idempotent across
// process restarts.
type JsonlStore struct {
	dir string

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func NewJsonlStore(dir string) *JsonlStore {
	return &JsonlStore{
		dir:  dir,
		seen: make(map[string]map[string]struct{}),
	}
}

func (s *JsonlStore) matchPath(listener string) string {
	return filepath.Join(s.dir, matchFilePrefix+listener+".jsonl")
}

// PutMatches appends matches whose natural key has not been stored yet and
// returns how many were fresh.
func (s *JsonlStore) PutMatches(ctx context.Context, listener string, matches []model.AffiliateMatch) (int, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.index(listener)
	if err != nil {
		return 0, &model.PersistenceError{Err: err}
	}

	fresh := make([]model.AffiliateMatch, 0, len(matches))
	for _, m := range matches {
		key := m.NaturalKey()
		if _, dup := index[key]; dup {
			continue
		}
		index[key] = struct{}{}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	lines, err := toLines(fresh)
	if err != nil {
		return 0, &model.PersistenceError{Err: err}
	}
	if err := s.appendLines(s.matchPath(listener), lines); err != nil {
		return 0, &model.PersistenceError{Err: err}
	}
	return len(fresh), nil
}

// PutGap appends a gap record.
func (s *JsonlStore) PutGap(ctx context.Context, gap model.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, err := toLines([]model.Gap{gap})
	if err != nil {
		return &model.PersistenceError{Err: err}
	}
	if err := s.appendLines(filepath.Join(s.dir, gapFileName), lines); err != nil {
		return &model.PersistenceError{Err: err}
	}
	return nil
}

// Listeners returns every listener that has a match table on disk.
func (s *JsonlStore) Listeners(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	listeners := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, matchFilePrefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		listeners = append(listeners, strings.TrimSuffix(strings.TrimPrefix(name, matchFilePrefix), ".jsonl"))
	}
	sort.Strings(listeners)
	return listeners, nil
}

// ReadMatches loads a listener's full match table.
func (s *JsonlStore) ReadMatches(ctx context.Context, listener string) ([]model.AffiliateMatch, error) {
	file, err := os.Open(s.matchPath(listener))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open match table %s: %w", listener, err)
	}
	defer file.Close()

	var matches []model.AffiliateMatch
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m model.AffiliateMatch
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, fmt.Errorf("parse match table %s: %w", listener, err)
		}
		matches = append(matches, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read match table %s: %w", listener, err)
	}
	return matches, nil
}

// ReplaceConsolidated rewrites the consolidated table in full.
func (s *JsonlStore) ReplaceConsolidated(ctx context.Context, records []model.ConsolidatedRecord) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &model.PersistenceError{Err: fmt.Errorf("create store dir: %w", err)}
	}

	path := filepath.Join(s.dir, consolidatedName)
	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &model.PersistenceError{Err: fmt.Errorf("open consolidated tmp: %w", err)}
	}

	writer := bufio.NewWriter(file)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			file.Close()
			return &model.PersistenceError{Err: fmt.Errorf("marshal consolidated record: %w", err)}
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			file.Close()
			return &model.PersistenceError{Err: fmt.Errorf("write consolidated record: %w", err)}
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return &model.PersistenceError{Err: fmt.Errorf("flush consolidated: %w", err)}
	}
	if err := file.Close(); err != nil {
		return &model.PersistenceError{Err: fmt.Errorf("close consolidated tmp: %w", err)}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &model.PersistenceError{Err: fmt.Errorf("rename consolidated: %w", err)}
	}
	return nil
}

// ReadGaps loads the gap log in recording order.
func (s *JsonlStore) ReadGaps(ctx context.Context) ([]model.Gap, error) {
	return readJsonl[model.Gap](filepath.Join(s.dir, gapFileName))
}

// ReadConsolidated loads the consolidated table.
func (s *JsonlStore) ReadConsolidated(ctx context.Context) ([]model.ConsolidatedRecord, error) {
	return readJsonl[model.ConsolidatedRecord](filepath.Join(s.dir, consolidatedName))
}

func readJsonl[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	var items []T
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return items, nil
}

// index lazily loads the natural-key set for a listener from disk.
func (s *JsonlStore) index(listener string) (map[string]struct{}, error) {
	if index, ok := s.seen[listener]; ok {
		return index, nil
	}

	index := make(map[string]struct{})
	file, err := os.Open(s.matchPath(listener))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open match table %s: %w", listener, err)
		}
		s.seen[listener] = index
		return index, nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m model.AffiliateMatch
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, fmt.Errorf("parse match table %s: %w", listener, err)
		}
		index[m.NaturalKey()] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read match table %s: %w", listener, err)
	}

	s.seen[listener] = index
	return index, nil
}

func (s *JsonlStore) appendLines(path string, lines [][]byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", filepath.Base(path), err)
	}
	return nil
}

func toLines[T any](items []T) ([][]byte, error) {
	lines := make([][]byte, 0, len(items))
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}
