// Package localstore persists the guest habit collection as a single JSON
// document on disk, plus the cross-navigation pending-join marker.
package localstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"punchtime/api/internal/habit"
)

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the guest collection. A missing or malformed file yields an
// empty collection; malformed data is logged, never fatal.
func (s *Store) Load() []habit.Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("localstore: read %s: %v", s.path, err)
		}
		return []habit.Record{}
	}

	var records []habit.Record
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("localstore: malformed collection at %s: %v", s.path, err)
		return []habit.Record{}
	}
	if records == nil {
		records = []habit.Record{}
	}
	return records
}

// Save serializes the whole collection. Callers treat a failed write as
// non-fatal: in-memory state stays authoritative for the session.
func (s *Store) Save(records []habit.Record) error {
	if records == nil {
		records = []habit.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize collection: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write collection: %w", err)
	}
	return nil
}

// Clear empties the stored collection. Used after migration to the remote
// store, unconditionally.
func (s *Store) Clear() error {
	return s.Save(nil)
}

func (s *Store) joinPath() string {
	return filepath.Join(filepath.Dir(s.path), "pending_join")
}

// PendingJoin returns the persisted collaboration-join token, if any.
func (s *Store) PendingJoin() string {
	data, err := os.ReadFile(s.joinPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SavePendingJoin persists a join token to be consumed at the next
// authenticated bootstrap.
func (s *Store) SavePendingJoin(cardID string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := os.WriteFile(s.joinPath(), []byte(cardID), 0o600); err != nil {
		return fmt.Errorf("write pending join: %w", err)
	}
	return nil
}

// ClearPendingJoin removes the marker. Tokens are consumed exactly once.
func (s *Store) ClearPendingJoin() {
	if err := os.Remove(s.joinPath()); err != nil && !os.IsNotExist(err) {
		log.Printf("localstore: clear pending join: %v", err)
	}
}
