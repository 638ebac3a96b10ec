// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPortsExhausted is returned by Allocate when no free port remains
// in the configured range.
var ErrPortsExhausted = errors.New("port range exhausted")

// Allocator reserves host ports for agents out of a fixed range.
// Allocation is monotonic first-fit: the lowest port in
// [start, end] that is neither reserved nor held by any agent.
// Allocations persist in the same snapshot as the registry, so the
// allocation table and the registry can never disagree on disk.
type Allocator struct {
	store *Store

	start int
	end   int

	// reservedMu guards reserved. The reserved set is configuration,
	// not fleet state — it is not persisted and can grow at runtime
	// via AddReserved (e.g. when the operator claims a port for an
	// unmanaged service).
	reservedMu sync.Mutex
	reserved   map[int]struct{}
}

// NewAllocator returns an Allocator over [start, end] with the given
// reserved ports excluded. Panics when the range is inverted — that is
// a configuration bug, not a runtime condition.
func NewAllocator(store *Store, start, end int, reservedPorts []int) *Allocator {
	if start <= 0 || end < start {
		panic(fmt.Sprintf("fleet: invalid port range [%d, %d]", start, end))
	}
	reserved := make(map[int]struct{}, len(reservedPorts))
	for _, port := range reservedPorts {
		reserved[port] = struct{}{}
	}
	return &Allocator{
		store:    store,
		start:    start,
		end:      end,
		reserved: reserved,
	}
}

// Allocate reserves a port for agentID and returns it. Idempotent:
// when an allocation already exists for the ID, the same port is
// returned without scanning. Fails with ErrPortsExhausted when the
// range is full.
func (a *Allocator) Allocate(agentID string) (int, error) {
	if agentID == "" {
		return 0, fmt.Errorf("allocating port: empty agent ID")
	}

	allocated := 0
	err := a.store.Update(func(snapshot *Snapshot) error {
		if existing, ok := snapshot.Allocations[agentID]; ok {
			allocated = existing
			return nil
		}

		inUse := a.inUse(snapshot)
		for port := a.start; port <= a.end; port++ {
			if _, taken := inUse[port]; taken {
				continue
			}
			if a.isReserved(port) {
				continue
			}
			snapshot.Allocations[agentID] = port
			allocated = port
			return nil
		}
		return fmt.Errorf("allocating port for %q in [%d, %d]: %w",
			agentID, a.start, a.end, ErrPortsExhausted)
	})
	if err != nil {
		return 0, err
	}
	return allocated, nil
}

// Release frees the port allocated to agentID, returning the port and
// true, or 0 and false when no allocation exists. Releasing an
// unallocated ID is not an error — delete workflows release
// unconditionally during unwind.
func (a *Allocator) Release(agentID string) (int, bool) {
	released := 0
	found := false
	// The update fn only fails on programmer error; ignore the nil.
	_ = a.store.Update(func(snapshot *Snapshot) error {
		port, ok := snapshot.Allocations[agentID]
		if !ok {
			return nil
		}
		released = port
		found = true
		delete(snapshot.Allocations, agentID)
		return nil
	})
	return released, found
}

// IsAvailable reports whether port could be handed out right now:
// inside the range, not reserved, and not held by any agent.
func (a *Allocator) IsAvailable(port int) bool {
	if port < a.start || port > a.end {
		return false
	}
	if a.isReserved(port) {
		return false
	}
	available := true
	a.store.View(func(snapshot Snapshot) {
		_, taken := a.inUse(&snapshot)[port]
		available = !taken
	})
	return available
}

// AddReserved excludes port from future allocation. Existing
// allocations of that port are untouched — reserving an in-use port
// only prevents it from being handed out again after release.
func (a *Allocator) AddReserved(port int) {
	a.reservedMu.Lock()
	defer a.reservedMu.Unlock()
	a.reserved[port] = struct{}{}
}

// Reserved returns the reserved ports in ascending order.
func (a *Allocator) Reserved() []int {
	a.reservedMu.Lock()
	defer a.reservedMu.Unlock()
	ports := make([]int, 0, len(a.reserved))
	for port := range a.reserved {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Range returns the allocation range bounds.
func (a *Allocator) Range() (start, end int) {
	return a.start, a.end
}

func (a *Allocator) isReserved(port int) bool {
	a.reservedMu.Lock()
	defer a.reservedMu.Unlock()
	_, reserved := a.reserved[port]
	return reserved
}

// inUse collects every port held in the snapshot, from both the
// allocation table and registered records. The two normally agree; the
// union guards against a half-completed create observed by a
// concurrent allocation.
func (a *Allocator) inUse(snapshot *Snapshot) map[int]struct{} {
	used := make(map[int]struct{}, len(snapshot.Allocations)+len(snapshot.Agents))
	for _, port := range snapshot.Allocations {
		used[port] = struct{}{}
	}
	for _, record := range snapshot.Agents {
		used[record.Port] = struct{}{}
	}
	return used
}
