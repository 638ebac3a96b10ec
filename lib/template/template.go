// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package template resolves and parses agent configuration templates.
//
// Templates are JSONC documents (JSON extended with // line comments,
// /* block comments */, and trailing commas) stored one file per
// template in the configured templates directory. A template names the
// container image and default environment for agents created from it.
//
// Approval checksums are always computed over the raw on-disk bytes,
// never the comment-stripped form, so parsing here cannot widen what
// the manifest signed.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

// Content is the parsed body of one agent template.
type Content struct {
	// Image is the container image agents from this template run.
	Image string `json:"image"`

	// Description is the human-facing summary of what the template
	// produces.
	Description string `json:"description,omitempty"`

	// Environment holds default environment variables for the agent
	// container. Caller-supplied overrides win on key collision.
	Environment map[string]string `json:"environment,omitempty"`

	// MockLLM marks templates whose agents run against a mock model
	// backend instead of a live provider. Used by test fleets.
	MockLLM bool `json:"mock_llm,omitempty"`
}

// namePattern is the allowed shape of a template name: lowercase
// URL-safe, starting with a letter or digit. The same shape is reused
// for agent identifiers derived from display names.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidName reports whether name is a well-formed template name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Resolve maps a template name to its file path under templatesDir.
// The name is validated before joining, so a request can never escape
// the templates directory. Fails when the file does not exist.
func Resolve(templatesDir, name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid template name %q: must be lowercase URL-safe", name)
	}
	path := filepath.Join(templatesDir, name+".jsonc")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("template %q: %w", name, err)
	}
	return path, nil
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result.
func Parse(data []byte) (*Content, error) {
	stripped := jsonc.ToJSON(data)

	var content Content
	if err := json.Unmarshal(stripped, &content); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	if content.Image == "" {
		return nil, fmt.Errorf("parsing template: missing required field \"image\"")
	}
	return &content, nil
}

// ReadFile reads and parses the template at path.
func ReadFile(path string) (*Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	content, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return content, nil
}

// List returns the names of every template file under templatesDir,
// sorted by name. Non-template files are skipped.
func List(templatesDir string) ([]string, error) {
	entries, err := os.ReadDir(templatesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing templates in %s: %w", templatesDir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".jsonc")
		if name == entry.Name() || !ValidName(name) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
