// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// signedManifestFixture writes a template file and a manifest signed
// over it, returning the manifest path, the template path, and the
// signing key.
func signedManifestFixture(t *testing.T) (manifestPath, templatePath string, key ed25519.PrivateKey) {
	t.Helper()
	directory := t.TempDir()

	templatePath = filepath.Join(directory, "scout.jsonc")
	if err := os.WriteFile(templatePath, []byte(`{"image": "flotilla/agent:1.0"}`), 0644); err != nil {
		t.Fatalf("writing template: %v", err)
	}
	checksum, err := TemplateChecksum(templatePath)
	if err != nil {
		t.Fatalf("TemplateChecksum: %v", err)
	}

	_, key, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	signed, err := Sign("1.0", map[string]TemplateEntry{
		"scout": {Checksum: checksum, Description: "Scout"},
	}, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	manifestPath = filepath.Join(directory, "manifest.json")
	if err := signed.WriteFile(manifestPath); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return manifestPath, templatePath, key
}

func TestIsPreApprovedMatchingContent(t *testing.T) {
	manifestPath, templatePath, _ := signedManifestFixture(t)

	verifier := Load(manifestPath, testLogger())
	if !verifier.Verified() {
		t.Fatal("signed manifest did not verify")
	}
	if !verifier.IsPreApproved("scout", templatePath) {
		t.Error("IsPreApproved = false for matching name and content")
	}
}

func TestIsPreApprovedModifiedTemplate(t *testing.T) {
	manifestPath, templatePath, _ := signedManifestFixture(t)

	// Append one byte: the checksum no longer matches.
	file, err := os.OpenFile(templatePath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := file.Write([]byte("\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	file.Close()

	verifier := Load(manifestPath, testLogger())
	if verifier.IsPreApproved("scout", templatePath) {
		t.Error("IsPreApproved = true after template content changed")
	}
}

func TestIsPreApprovedUnknownName(t *testing.T) {
	manifestPath, templatePath, _ := signedManifestFixture(t)
	verifier := Load(manifestPath, testLogger())
	if verifier.IsPreApproved("rogue", templatePath) {
		t.Error("IsPreApproved = true for a name the manifest never listed")
	}
}

func TestTamperedSignatureRejectsEverything(t *testing.T) {
	manifestPath, templatePath, _ := signedManifestFixture(t)

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	// Flip one bit inside the base64 signature value.
	tampered := []byte(nil)
	tampered = append(tampered, raw...)
	marker := []byte(`"root_signature": "`)
	index := bytes.Index(tampered, marker)
	if index < 0 {
		t.Fatal("manifest missing root_signature field")
	}
	position := index + len(marker)
	if tampered[position] == 'A' {
		tampered[position] = 'B'
	} else {
		tampered[position] = 'A'
	}
	if err := os.WriteFile(manifestPath, tampered, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	verifier := Load(manifestPath, testLogger())
	if verifier.Verified() {
		t.Fatal("tampered manifest verified")
	}
	if verifier.IsPreApproved("scout", templatePath) {
		t.Error("IsPreApproved = true under a tampered manifest")
	}
	if len(verifier.ListPreApproved()) != 0 {
		t.Error("ListPreApproved non-empty under a tampered manifest")
	}
}

func TestMissingManifestFailsClosed(t *testing.T) {
	verifier := Load(filepath.Join(t.TempDir(), "absent.json"), testLogger())
	if verifier.Verified() {
		t.Fatal("absent manifest reported verified")
	}
	if verifier.IsPreApproved("scout", "/nonexistent") {
		t.Error("IsPreApproved = true with no manifest")
	}
}

func TestMalformedManifestFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if Load(path, testLogger()).Verified() {
		t.Error("malformed manifest reported verified")
	}
}

func TestListPreApproved(t *testing.T) {
	manifestPath, _, _ := signedManifestFixture(t)
	listed := Load(manifestPath, testLogger()).ListPreApproved()
	if listed["scout"] != "Scout" {
		t.Errorf("ListPreApproved = %v", listed)
	}
}

func TestAuthorityApproval(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	authority, err := NewAuthority(base64.StdEncoding.EncodeToString(publicKey))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	checksum := "0de9f2eb"
	signature := ed25519.Sign(privateKey, ApprovalMessage("custom", checksum))
	signatureBase64 := base64.StdEncoding.EncodeToString(signature)

	if err := authority.VerifyApproval("custom", checksum, signatureBase64); err != nil {
		t.Errorf("valid approval rejected: %v", err)
	}

	// Same signature against a different checksum must fail: approvals
	// bind name and content.
	if err := authority.VerifyApproval("custom", "ffffffff", signatureBase64); err == nil {
		t.Error("approval verified against a different checksum")
	}
	if err := authority.VerifyApproval("custom", checksum, ""); err == nil {
		t.Error("empty signature accepted")
	}
}

func TestNilAuthorityRejects(t *testing.T) {
	var authority *Authority
	if err := authority.VerifyApproval("custom", "abcd", "c2ln"); err == nil {
		t.Error("nil authority accepted an approval")
	}
}
