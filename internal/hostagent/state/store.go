// Package state persists the host agent's instance records as a single
// JSON document on disk. Unlike the teacher's SQLite-backed store, the
// document here is small and read far more often than it's written, so a
// whole-file read-modify-write under one mutex is simpler and just as
// correct as a database, provided every write is atomic.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kswings/hostagent/internal/hostagent/log"
)

// Instance is the record kept per instance_id.
type Instance struct {
	State        string `json:"state"`
	ContainerID  string `json:"containerId,omitempty"`
	DiskLimitMiB int64  `json:"diskLimit,omitempty"`

	// PendingEnv holds env vars requested through an edit that the running
	// container cannot pick up without a recreate; the next redeploy applies
	// them.
	PendingEnv []string `json:"pendingEnv,omitempty"`
}

const (
	StateInstalling = "INSTALLING"
	StateReady      = "READY"
	StateFailed     = "FAILED"
)

// Document is the full state store serialized as one JSON object.
type Document map[string]Instance

// Store serializes all reads and writes of the on-disk document behind a
// single mutex, the same single-writer discipline the teacher's SQLite store
// enforces with SetMaxOpenConns(1), applied here to a flat file instead.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store backed by the JSON document at path. The document is
// not created until the first Update; Read tolerates its absence.
func New(path string) *Store {
	return &Store{path: path}
}

// Read returns the full document, creating an empty one in memory (but not
// on disk) if the file does not yet exist.
func (s *Store) Read() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", s.path, err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Update replaces the record for instanceID wholesale with the given fields
// and persists the whole document atomically. It is a read-modify-write
// serialized by the store's mutex, so concurrent deployments cannot clobber
// each other's updates.
func (s *Store) Update(instanceID string, rec Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc[instanceID] = rec
	return s.writeLocked(doc)
}

// Get returns the record for instanceID and whether it was present.
func (s *Store) Get(instanceID string) (Instance, bool, error) {
	doc, err := s.Read()
	if err != nil {
		return Instance{}, false, err
	}
	rec, ok := doc[instanceID]
	return rec, ok, nil
}

// Delete removes instanceID's record, if present, and persists the result.
func (s *Store) Delete(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := doc[instanceID]; !ok {
		return nil
	}
	delete(doc, instanceID)
	return s.writeLocked(doc)
}

// writeLocked serializes doc and replaces the on-disk file via write-then-
// rename, so a crash mid-write leaves the previous (valid) document in
// place rather than a torn file.
func (s *Store) writeLocked(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".states-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("state: rename into place: %w", err)
	}

	logger := log.WithComponent("state")
	logger.Debug().
		Str("path", s.path).Int("instances", len(doc)).
		Msg("state document updated")
	return nil
}
