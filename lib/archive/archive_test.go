// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateAndExtractRoundTrip(t *testing.T) {
	source := filepath.Join(t.TempDir(), "flotilla-agent-ada")
	if err := os.MkdirAll(filepath.Join(source, "data", "notes"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"compose.yaml":         "services: {}\n",
		"data/notes/plan.md":   "# plan\n",
		"data/conversation.db": strings.Repeat("sqlite", 200),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(source, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	destDir := filepath.Join(t.TempDir(), "archives")
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	archivePath, err := Create(source, destDir, now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wantName := "flotilla-agent-ada-20260301T093000Z.tar.zst"
	if filepath.Base(archivePath) != wantName {
		t.Fatalf("archive name = %s, want %s", filepath.Base(archivePath), wantName)
	}

	restored := t.TempDir()
	if err := Extract(archivePath, restored); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(restored, name))
		if err != nil {
			t.Fatalf("restored %s: %v", name, err)
		}
		if string(data) != content {
			t.Errorf("restored %s content differs", name)
		}
	}
}

func TestCreateMissingSourceFails(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "absent"), t.TempDir(), time.Now())
	if err == nil {
		t.Fatal("Create succeeded for a missing source directory")
	}
}

func TestCreateRefusesFileSource(t *testing.T) {
	source := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(source, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(source, t.TempDir(), time.Now()); err == nil {
		t.Fatal("Create succeeded for a plain file source")
	}
}
