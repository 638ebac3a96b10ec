// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest implements the template approval trust boundary.
//
// A template manifest lists pre-approved agent templates by name and
// SHA-256 checksum, signed with the fleet root key over the canonical
// JSON serialization of the template map. The manifest is either fully
// verified or treated as entirely absent — there is no partial trust.
// A verifier holding no manifest answers false to every pre-approval
// check (fail-closed): the system must never silently treat a modified
// or rogue template as approved.
//
// Pre-approval is keyed by name AND content. A renamed but
// byte-identical template does not pass, and neither does a template
// whose file changed by a single byte since signing.
package manifest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// TemplateEntry describes one pre-approved template.
type TemplateEntry struct {
	// Checksum is the SHA-256 hex digest of the template file's raw
	// bytes at signing time.
	Checksum string `json:"checksum"`

	// Description is the human-facing summary shown by template
	// listings.
	Description string `json:"description"`
}

// Manifest is the signed template approval document as stored on disk.
type Manifest struct {
	Version   string                   `json:"version"`
	Templates map[string]TemplateEntry `json:"templates"`

	// RootSignature is the base64 Ed25519 signature over the canonical
	// serialization of Templates.
	RootSignature string `json:"root_signature"`

	// RootPublicKey is the base64 Ed25519 public key the signature is
	// verified against.
	RootPublicKey string `json:"root_public_key"`
}

// canonicalTemplates returns the byte string the root signature covers:
// the JSON serialization of the template map with keys in sorted order
// and no extraneous whitespace. encoding/json produces exactly this for
// a map, so signing and verification share one code path.
func canonicalTemplates(templates map[string]TemplateEntry) ([]byte, error) {
	data, err := json.Marshal(templates)
	if err != nil {
		return nil, fmt.Errorf("serializing template map: %w", err)
	}
	return data, nil
}

// Verifier answers pre-approval checks against a verified manifest.
// Construct with Load; the zero Verifier holds no manifest and fails
// every check closed.
type Verifier struct {
	manifest *Manifest
	logger   *slog.Logger
}

// Load reads and verifies the manifest at path. Any failure — missing
// file, malformed JSON, missing key, bad signature — discards the
// manifest entirely and returns a Verifier that answers false to every
// pre-approval check. Load never fails startup: an unverifiable
// manifest means "no templates are pre-approved," not "the daemon
// cannot run."
//
// The manifest is loaded once and immutable thereafter; replacing it
// requires a restart.
func Load(path string, logger *slog.Logger) *Verifier {
	verifier := &Verifier{logger: logger}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no template manifest; all templates require explicit approval", "path", path)
		} else {
			logger.Warn("template manifest unreadable; treating as absent", "path", path, "error", err)
		}
		return verifier
	}

	var parsed Manifest
	if err := json.Unmarshal(raw, &parsed); err != nil {
		logger.Warn("template manifest malformed; treating as absent", "path", path, "error", err)
		return verifier
	}

	if err := verify(&parsed); err != nil {
		logger.Warn("template manifest rejected; treating as absent", "path", path, "error", err)
		return verifier
	}

	logger.Info("template manifest verified",
		"path", path,
		"version", parsed.Version,
		"templates", len(parsed.Templates),
	)
	verifier.manifest = &parsed
	return verifier
}

// verify checks the root signature over the canonical template map.
func verify(m *Manifest) error {
	if m.RootPublicKey == "" {
		return fmt.Errorf("manifest has no root public key")
	}
	if m.RootSignature == "" {
		return fmt.Errorf("manifest has no root signature")
	}

	publicKey, err := base64.StdEncoding.DecodeString(m.RootPublicKey)
	if err != nil {
		return fmt.Errorf("decoding root public key: %w", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("root public key has wrong length: got %d bytes, want %d",
			len(publicKey), ed25519.PublicKeySize)
	}

	signature, err := base64.StdEncoding.DecodeString(m.RootSignature)
	if err != nil {
		return fmt.Errorf("decoding root signature: %w", err)
	}

	canonical, err := canonicalTemplates(m.Templates)
	if err != nil {
		return err
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), canonical, signature) {
		return fmt.Errorf("root signature does not verify")
	}
	return nil
}

// Verified reports whether a manifest loaded and verified.
func (v *Verifier) Verified() bool {
	return v.manifest != nil
}

// IsPreApproved reports whether the template named name, with the
// exact byte content at templatePath, is listed in the verified
// manifest. Any mismatch — no manifest, unknown name, unreadable file,
// checksum difference — answers false rather than an error; the caller
// falls back to requiring explicit approval.
func (v *Verifier) IsPreApproved(name, templatePath string) bool {
	if v.manifest == nil {
		return false
	}
	entry, listed := v.manifest.Templates[name]
	if !listed {
		return false
	}

	checksum, err := TemplateChecksum(templatePath)
	if err != nil {
		v.logger.Warn("template unreadable during pre-approval check",
			"template", name, "path", templatePath, "error", err)
		return false
	}
	return checksum == entry.Checksum
}

// ListPreApproved returns template name to description for every entry
// in the verified manifest, or an empty map when no manifest loaded.
func (v *Verifier) ListPreApproved() map[string]string {
	listed := make(map[string]string)
	if v.manifest == nil {
		return listed
	}
	for name, entry := range v.manifest.Templates {
		listed[name] = entry.Description
	}
	return listed
}

// TemplateChecksum computes the SHA-256 hex digest of the file at
// path, streamed so large templates do not load into memory.
func TemplateChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
