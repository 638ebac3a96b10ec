// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flotilla-dev/flotilla/lib/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClock() clock.Clock {
	return clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestOpenMissingSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.json")
	store, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.View(func(snapshot Snapshot) {
		if len(snapshot.Agents) != 0 || len(snapshot.Allocations) != 0 {
			t.Errorf("fresh store not empty: %+v", snapshot)
		}
	})
}

func TestOpenCorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open with corrupt snapshot: %v", err)
	}
	store.View(func(snapshot Snapshot) {
		if len(snapshot.Agents) != 0 {
			t.Errorf("corrupt snapshot did not degrade to empty: %+v", snapshot)
		}
	})
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "fleet.json")

	store, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	registry := NewRegistry(store, testClock())
	want, err := registry.Register(AgentRecord{
		AgentID:      "scout",
		DisplayName:  "Scout",
		Port:         8080,
		TemplateName: "scout",
		UnitFilePath: "/var/lib/flotilla/agents/scout/unit.yml",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A fresh store loaded from the same file must yield an identical
	// record.
	reloaded, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	got, err := NewRegistry(reloaded, testClock()).Get("scout")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got != want {
		t.Errorf("round-trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	// The atomic write must not leave a temporary file behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary snapshot file left behind: %v", err)
	}
}

func TestUpdateErrorLeavesSnapshotUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.json")
	store, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	registry := NewRegistry(store, testClock())
	if _, err := registry.Register(AgentRecord{AgentID: "scout", Port: 8080}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	failErr := store.Update(func(snapshot *Snapshot) error {
		delete(snapshot.Agents, "scout")
		return os.ErrInvalid
	})
	if failErr == nil {
		t.Fatal("Update with failing fn returned nil")
	}

	if _, err := registry.Get("scout"); err != nil {
		t.Errorf("failed Update mutated the snapshot: %v", err)
	}
}

func TestUpdateSetsVersionAndTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.json")
	store, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Update(func(*Snapshot) error { return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, `"version": "1"`) {
		t.Errorf("snapshot missing version tag:\n%s", content)
	}
	if !strings.Contains(content, `"updated_at"`) {
		t.Errorf("snapshot missing updated_at:\n%s", content)
	}
}
