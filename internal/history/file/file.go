// Package file stores conversation history as a single JSON document on
// local disk.
//
// The whole history is rewritten on every save through a temporary file in
// the same directory followed by a rename, so a crash never leaves a
// half-written document behind.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/voxline/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store is a JSON-file backed [history.Store]. Safe for concurrent use within
// one process; concurrent writers in different processes are not supported.
type Store struct {
	path string

	mu      sync.Mutex
	records []history.Record
}

// Open loads the history document at path. A missing file is an empty
// history; the parent directory is created on first save.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history file: empty path")
	}
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("history file: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("history file: decode %s: %w", path, err)
	}
	return s, nil
}

// Path returns the location of the history document.
func (s *Store) Path() string { return s.path }

// Save implements [history.Store].
func (s *Store) Save(ctx context.Context, rec history.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("history file: save: empty record id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]history.Record, 0, len(s.records)+1)
	replaced := false
	for _, r := range s.records {
		if r.ID == rec.ID {
			next = append(next, rec)
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, rec)
	}
	history.SortNewestFirst(next)

	if err := writeAtomic(s.path, next); err != nil {
		return fmt.Errorf("history file: save %s: %w", rec.ID, err)
	}
	s.records = next
	return nil
}

// List implements [history.Store].
func (s *Store) List(_ context.Context) ([]history.Record, error) {
	s.mu.Lock()
	out := make([]history.Record, len(s.records))
	copy(out, s.records)
	s.mu.Unlock()
	history.SortNewestFirst(out)
	return out, nil
}

// Get implements [history.Store].
func (s *Store) Get(_ context.Context, id string) (history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return history.Record{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
}

func writeAtomic(path string, records []history.Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
