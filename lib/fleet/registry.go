// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/flotilla-dev/flotilla/lib/clock"
)

// ErrAgentExists is returned by Register when the agent ID is already
// taken.
var ErrAgentExists = errors.New("agent already registered")

// ErrAgentNotFound is returned by Unregister, Get, and GetByName when
// no record matches.
var ErrAgentNotFound = errors.New("agent not found")

// Registry is the durable map of agent identity to allocation
// metadata. It is a view over the shared fleet Store: every mutation
// persists a full snapshot under the store lock.
type Registry struct {
	store *Store
	clock clock.Clock
}

// NewRegistry returns a Registry over the given store. The clock
// stamps CreatedAt on new records.
func NewRegistry(store *Store, clk clock.Clock) *Registry {
	return &Registry{store: store, clock: clk}
}

// Register creates a record for a new agent. Fails with
// ErrAgentExists when the ID is taken, and rejects a port already held
// by another record (the allocator should have prevented this; the
// check guards the registry's own invariant).
func (r *Registry) Register(record AgentRecord) (AgentRecord, error) {
	if record.AgentID == "" {
		return AgentRecord{}, fmt.Errorf("registering agent: empty agent ID")
	}
	record.CreatedAt = r.clock.Now().UTC()

	err := r.store.Update(func(snapshot *Snapshot) error {
		if _, exists := snapshot.Agents[record.AgentID]; exists {
			return fmt.Errorf("registering agent %q: %w", record.AgentID, ErrAgentExists)
		}
		for id, existing := range snapshot.Agents {
			if existing.Port == record.Port {
				return fmt.Errorf("registering agent %q: port %d already held by %q",
					record.AgentID, record.Port, id)
			}
		}
		snapshot.Agents[record.AgentID] = record
		return nil
	})
	if err != nil {
		return AgentRecord{}, err
	}
	return record, nil
}

// Unregister removes and returns the record for agentID. Fails with
// ErrAgentNotFound when no record exists.
func (r *Registry) Unregister(agentID string) (AgentRecord, error) {
	var removed AgentRecord
	err := r.store.Update(func(snapshot *Snapshot) error {
		record, exists := snapshot.Agents[agentID]
		if !exists {
			return fmt.Errorf("unregistering agent %q: %w", agentID, ErrAgentNotFound)
		}
		removed = record
		delete(snapshot.Agents, agentID)
		return nil
	})
	if err != nil {
		return AgentRecord{}, err
	}
	return removed, nil
}

// Get returns the record for agentID.
func (r *Registry) Get(agentID string) (AgentRecord, error) {
	var record AgentRecord
	found := false
	r.store.View(func(snapshot Snapshot) {
		record, found = snapshot.Agents[agentID]
	})
	if !found {
		return AgentRecord{}, fmt.Errorf("agent %q: %w", agentID, ErrAgentNotFound)
	}
	return record, nil
}

// GetByName returns the record whose display name matches,
// case-insensitively. When several match (possible since display names
// are not unique), the one with the lexically smallest agent ID wins,
// so lookups are deterministic.
func (r *Registry) GetByName(displayName string) (AgentRecord, error) {
	var matches []AgentRecord
	r.store.View(func(snapshot Snapshot) {
		for _, record := range snapshot.Agents {
			if strings.EqualFold(record.DisplayName, displayName) {
				matches = append(matches, record)
			}
		}
	})
	if len(matches) == 0 {
		return AgentRecord{}, fmt.Errorf("agent named %q: %w", displayName, ErrAgentNotFound)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].AgentID < matches[j].AgentID })
	return matches[0], nil
}

// List returns all records sorted by agent ID.
func (r *Registry) List() []AgentRecord {
	var records []AgentRecord
	r.store.View(func(snapshot Snapshot) {
		for _, record := range snapshot.Agents {
			records = append(records, record)
		}
	})
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return records
}

// AllocatedPorts returns the agent ID to port map for all registered
// agents.
func (r *Registry) AllocatedPorts() map[string]int {
	ports := make(map[string]int)
	r.store.View(func(snapshot Snapshot) {
		for id, record := range snapshot.Agents {
			ports[id] = record.Port
		}
	})
	return ports
}

// UpdateFingerprint records a new unit definition fingerprint for an
// existing agent. Used when a regenerated unit replaces the on-disk
// file.
func (r *Registry) UpdateFingerprint(agentID, fingerprint string) error {
	return r.store.Update(func(snapshot *Snapshot) error {
		record, exists := snapshot.Agents[agentID]
		if !exists {
			return fmt.Errorf("updating fingerprint for %q: %w", agentID, ErrAgentNotFound)
		}
		record.UnitFingerprint = fingerprint
		snapshot.Agents[agentID] = record
		return nil
	})
}
