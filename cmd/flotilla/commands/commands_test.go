// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/flotilla-dev/flotilla/lib/manifest"
)

func TestParseEnvPairs(t *testing.T) {
	environment, err := parseEnvPairs([]string{"LOG_LEVEL=debug", "EMPTY=", "URL=http://x?a=b"})
	if err != nil {
		t.Fatalf("parseEnvPairs: %v", err)
	}
	if environment["LOG_LEVEL"] != "debug" || environment["EMPTY"] != "" || environment["URL"] != "http://x?a=b" {
		t.Fatalf("environment = %v", environment)
	}
}

func TestParseEnvPairsRejectsMalformed(t *testing.T) {
	for _, pair := range []string{"NOVALUE", "=leadingequals"} {
		if _, err := parseEnvPairs([]string{pair}); err == nil {
			t.Errorf("parseEnvPairs(%q) accepted", pair)
		}
	}
}

func TestSigningKeyRoundTrip(t *testing.T) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "root.key")
	encoded := base64.StdEncoding.EncodeToString(privateKey) + "\n"
	if err := writeNewFile(keyPath, []byte(encoded), 0600); err != nil {
		t.Fatalf("writeNewFile: %v", err)
	}

	loaded, err := readSigningKey(keyPath)
	if err != nil {
		t.Fatalf("readSigningKey: %v", err)
	}
	if !loaded.Equal(privateKey) {
		t.Fatal("loaded key differs from written key")
	}
}

func TestWriteNewFileRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "root.key")
	if err := writeNewFile(path, []byte("first"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := writeNewFile(path, []byte("second"), 0600); err == nil {
		t.Fatal("existing key file overwritten")
	}
}

func TestReadSigningKeyRejectsBadLength(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "short.key")
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if err := os.WriteFile(keyPath, []byte(short), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := readSigningKey(keyPath); err == nil {
		t.Fatal("truncated key accepted")
	}
}

func TestApprovalSignatureVerifies(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	templatePath := filepath.Join(t.TempDir(), "scout.jsonc")
	if err := os.WriteFile(templatePath, []byte(`{"image": "flotilla/scout:1.0"}`), 0644); err != nil {
		t.Fatal(err)
	}
	checksum, err := manifest.TemplateChecksum(templatePath)
	if err != nil {
		t.Fatal(err)
	}

	// Same signature the approve command prints.
	signature := ed25519.Sign(privateKey, manifest.ApprovalMessage("scout", checksum))

	authority, err := manifest.NewAuthority(base64.StdEncoding.EncodeToString(publicKey))
	if err != nil {
		t.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(signature)
	if err := authority.VerifyApproval("scout", checksum, encoded); err != nil {
		t.Fatalf("VerifyApproval: %v", err)
	}
	if err := authority.VerifyApproval("rogue", checksum, encoded); err == nil {
		t.Fatal("signature accepted for a different template name")
	}
}
