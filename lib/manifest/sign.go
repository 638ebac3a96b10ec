// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// Sign produces a signed manifest over the given template entries. The
// root public key is embedded so the manifest is self-contained. Used
// by the "flotilla template sign" operator command and by tests.
func Sign(version string, templates map[string]TemplateEntry, privateKey ed25519.PrivateKey) (*Manifest, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing manifest: private key has wrong length: got %d bytes, want %d",
			len(privateKey), ed25519.PrivateKeySize)
	}

	canonical, err := canonicalTemplates(templates)
	if err != nil {
		return nil, err
	}

	signature := ed25519.Sign(privateKey, canonical)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Manifest{
		Version:       version,
		Templates:     templates,
		RootSignature: base64.StdEncoding.EncodeToString(signature),
		RootPublicKey: base64.StdEncoding.EncodeToString(publicKey),
	}, nil
}

// WriteFile serializes the manifest as indented JSON to path with mode
// 0644. The manifest contains no secrets — only checksums, the
// signature, and the public key.
func (m *Manifest) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest %s: %w", path, err)
	}
	return nil
}
