// Package waiver persists budget waivers as immutable one-file-per-record
// JSON documents under a configured directory. Records are never mutated;
// revocation is modeled as a new negating record.
package waiver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/fsutil"
	"github.com/iambrandonn/corch/internal/protocol"
)

// Store reads and writes waiver records in a single directory. Writes are
// individually synchronized by the atomic-write pattern; readers see a
// consistent snapshot because records never change after creation.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create waiver directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".json")
}

// Save persists a waiver as a new record. Overwriting an existing record
// is an error: waivers are immutable.
func (s *Store) Save(w *protocol.Waiver) error {
	path := s.pathFor(w.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("waiver %s already exists", w.ID)
	}
	if err := fsutil.AtomicWriteJSON(path, w); err != nil {
		return fmt.Errorf("failed to write waiver %s: %w", w.ID, err)
	}
	return nil
}

// Load reads one waiver by id.
func (s *Store) Load(id uuid.UUID) (*protocol.Waiver, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read waiver %s: %w", id, err)
	}
	var w protocol.Waiver
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse waiver %s: %w", id, err)
	}
	return &w, nil
}

// List returns every record in the store, ordered by issuance time.
func (s *Store) List() ([]*protocol.Waiver, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read waiver directory: %w", err)
	}

	var out []*protocol.Waiver
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		w, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// ListForTask returns the task's records, ordered by issuance time.
func (s *Store) ListForTask(taskID uuid.UUID) ([]*protocol.Waiver, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*protocol.Waiver
	for _, w := range all {
		if w.TaskID == taskID {
			out = append(out, w)
		}
	}
	return out, nil
}

// Revoke writes a negating record for an existing waiver. The original
// record is untouched.
func (s *Store) Revoke(id uuid.UUID, revokedBy, reason string) (*protocol.Waiver, error) {
	original, err := s.Load(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	negation := &protocol.Waiver{
		ID:        uuid.New(),
		TaskID:    original.TaskID,
		GrantedBy: revokedBy,
		IssuedAt:  now,
		ExpiresAt: original.ExpiresAt,
		Negates:   id,
		Reason:    reason,
	}
	if err := s.Save(negation); err != nil {
		return nil, err
	}
	return negation, nil
}

// IsRevoked reports whether any record negates the given waiver.
func (s *Store) IsRevoked(id uuid.UUID) (bool, error) {
	all, err := s.List()
	if err != nil {
		return false, err
	}
	for _, w := range all {
		if w.Negates == id {
			return true, nil
		}
	}
	return false, nil
}
