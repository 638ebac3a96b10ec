// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package template

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONCWithComments(t *testing.T) {
	data := []byte(`{
		// Scout runs the lightweight triage agent.
		"image": "flotilla/agent:1.0",
		"description": "Scout",
		"environment": {
			"AGENT_PROFILE": "scout", // default profile
		},
	}`)

	content, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if content.Image != "flotilla/agent:1.0" {
		t.Errorf("Image = %q", content.Image)
	}
	if content.Environment["AGENT_PROFILE"] != "scout" {
		t.Errorf("Environment = %v", content.Environment)
	}
}

func TestParseMissingImage(t *testing.T) {
	if _, err := Parse([]byte(`{"description": "no image"}`)); err == nil {
		t.Error("Parse accepted a template without an image")
	}
}

func TestResolveValidatesName(t *testing.T) {
	directory := t.TempDir()
	for _, name := range []string{"../escape", "Upper", "", "a/b"} {
		if _, err := Resolve(directory, name); err == nil {
			t.Errorf("Resolve accepted invalid name %q", name)
		}
	}
}

func TestResolveExistingTemplate(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "scout.jsonc")
	if err := os.WriteFile(path, []byte(`{"image": "x"}`), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	resolved, err := Resolve(directory, "scout")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != path {
		t.Errorf("Resolve = %q, want %q", resolved, path)
	}

	if _, err := Resolve(directory, "absent"); err == nil {
		t.Error("Resolve succeeded for a missing template")
	}
}

func TestListSkipsForeignFiles(t *testing.T) {
	directory := t.TempDir()
	for _, name := range []string{"scout.jsonc", "sage.jsonc", "README.md", "Broken.jsonc"} {
		if err := os.WriteFile(filepath.Join(directory, name), []byte("{}"), 0644); err != nil {
			t.Fatalf("WriteFile %q: %v", name, err)
		}
	}

	names, err := List(directory)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "sage" || names[1] != "scout" {
		t.Errorf("List = %v, want [sage scout]", names)
	}
}
