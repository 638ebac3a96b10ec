// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet holds the durable control-plane state for one host's
// agent fleet: the agent registry and the port allocation table. Both
// are views over a single Store so that registry mutation and port
// allocation serialize on one lock and persist as one snapshot file.
//
// The snapshot is written atomically (temporary file in the same
// directory, fsync, rename, parent directory sync), so a process crash
// mid-write never corrupts the last good snapshot. A missing or
// corrupt snapshot degrades to an empty store rather than failing
// startup: the reconciliation loop re-converges from live container
// state, and losing metadata is recoverable while refusing to start is
// not.
package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// snapshotVersion tags the on-disk format. Bump only with a migration
// path for existing fleet.json files.
const snapshotVersion = "1"

// AgentRecord is the allocation metadata for one managed agent. The
// Store owns the authoritative copy; every accessor returns a value
// copy, so callers can never mutate registry state in place.
type AgentRecord struct {
	// AgentID is the stable, lowercase, URL-safe identity. Unique
	// across the registry.
	AgentID string `json:"agent_id"`

	// DisplayName is the human-facing name the agent was created with.
	DisplayName string `json:"display_name"`

	// Port is the host port reserved for this agent. Unique across all
	// records and disjoint from the reserved-port set.
	Port int `json:"port"`

	// TemplateName names the configuration template the agent was
	// created from.
	TemplateName string `json:"template_name"`

	// UnitFilePath is the location of the generated container unit
	// definition.
	UnitFilePath string `json:"unit_file_path"`

	// UnitFingerprint is the BLAKE3 hex digest of the unit definition
	// as written at creation time. The reconciler compares it against
	// the on-disk file to detect drift before re-asserting state.
	UnitFingerprint string `json:"unit_fingerprint,omitempty"`

	// CreatedAt is the UTC creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the full durable state: one logical table holding agent
// records and the port allocation map. Allocations normally mirror the
// Port fields of Agents, but a port can be allocated before its agent
// is registered (the create workflow allocates first), so the map is
// persisted separately.
type Snapshot struct {
	Version     string                 `json:"version"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Agents      map[string]AgentRecord `json:"agents"`
	Allocations map[string]int         `json:"allocations"`
}

// Store is the durable snapshot container. Its mutex is the single
// correctness boundary for fleet metadata: every mutation happens
// inside Update, which persists the snapshot before releasing the
// lock, so the in-memory and on-disk views never diverge mid-update.
type Store struct {
	mu     sync.Mutex
	path   string
	data   Snapshot
	logger *slog.Logger

	// degraded is set when a snapshot write fails. The in-memory state
	// remains authoritative for the running process; the flag surfaces
	// in status output so the operator knows durability is impaired.
	degraded bool
}

// Open loads the snapshot at path, or starts empty when the file is
// missing or unreadable. The parent directory is created if needed.
// Open fails only when the parent directory cannot be created — the
// one startup error this system treats as fatal, since without a
// writable state directory nothing downstream can function.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory for %s: %w", path, err)
	}

	store := &Store{
		path:   path,
		logger: logger,
		data:   emptySnapshot(),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("fleet snapshot unreadable, starting empty", "path", path, "error", err)
		}
		return store, nil
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		logger.Warn("fleet snapshot corrupt, starting empty", "path", path, "error", err)
		return store, nil
	}
	if snapshot.Agents == nil {
		snapshot.Agents = make(map[string]AgentRecord)
	}
	if snapshot.Allocations == nil {
		snapshot.Allocations = make(map[string]int)
	}
	store.data = snapshot
	return store, nil
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Version:     snapshotVersion,
		Agents:      make(map[string]AgentRecord),
		Allocations: make(map[string]int),
	}
}

// Update applies fn to the snapshot under the store lock and persists
// the result. If fn returns an error, the snapshot is left untouched
// and nothing is written. A persistence failure does not fail the
// update: the in-memory state remains authoritative and the operator
// is warned that durability has degraded.
func (s *Store) Update(fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Work on a deep copy so a failing fn cannot leave partial edits.
	working := s.data.clone()
	if err := fn(&working); err != nil {
		return err
	}
	working.Version = snapshotVersion
	working.UpdatedAt = time.Now().UTC()
	s.data = working

	if err := s.persistLocked(); err != nil {
		s.degraded = true
		s.logger.Warn("fleet snapshot write failed; running with degraded durability",
			"path", s.path, "error", err)
	} else {
		s.degraded = false
	}
	return nil
}

// View calls fn with a copy of the current snapshot under the store
// lock. fn must not retain references past its return.
func (s *Store) View(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data.clone())
}

// Degraded reports whether the most recent snapshot write failed.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

func (s Snapshot) clone() Snapshot {
	copied := s
	copied.Agents = make(map[string]AgentRecord, len(s.Agents))
	for id, record := range s.Agents {
		copied.Agents[id] = record
	}
	copied.Allocations = make(map[string]int, len(s.Allocations))
	for id, port := range s.Allocations {
		copied.Allocations[id] = port
	}
	return copied
}

// persistLocked writes the snapshot atomically: temporary file in the
// same directory, fsync, rename over the target, then parent directory
// sync so the rename survives power loss.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling fleet snapshot: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := s.path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary snapshot file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary snapshot file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary snapshot file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary snapshot file: %w", err)
	}
	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}

	parentDirectory, err := os.Open(filepath.Dir(s.path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}
