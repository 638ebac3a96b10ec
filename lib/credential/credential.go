// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential provisions per-agent bootstrap tokens into the
// shared credential-exchange directory. Each token is generated fresh
// at agent creation, age-encrypted to the configured operator
// recipients, and written as <exchange>/<agent-id>.token.age. The
// agent's container mounts the exchange directory read-only; only a
// holder of a recipient identity can recover the plaintext token.
package credential

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

const tokenBytes = 32

// Exchange writes and removes sealed bootstrap tokens. A nil Exchange
// is valid and skips provisioning, for deployments without operator
// recipients configured.
type Exchange struct {
	dir        string
	recipients []age.Recipient
}

// NewExchange returns an Exchange sealing to the given age public
// keys. With no recipients it returns nil: provisioning is disabled
// rather than writing plaintext tokens.
func NewExchange(dir string, recipientKeys []string) (*Exchange, error) {
	if len(recipientKeys) == 0 {
		return nil, nil
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing exchange recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return &Exchange{dir: dir, recipients: recipients}, nil
}

// Dir returns the exchange directory, or "" on a nil Exchange.
func (e *Exchange) Dir() string {
	if e == nil {
		return ""
	}
	return e.dir
}

// Provision generates a fresh bootstrap token for the agent, seals it,
// and writes it into the exchange directory. Returns the sealed file
// path, or "" on a nil Exchange.
func (e *Exchange) Provision(agentID string) (string, error) {
	if e == nil {
		return "", nil
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating bootstrap token: %w", err)
	}
	token := hex.EncodeToString(raw)

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, e.recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(writer, token); err != nil {
		return "", fmt.Errorf("sealing bootstrap token: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing sealed token: %w", err)
	}

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("creating exchange directory: %w", err)
	}
	path := e.tokenPath(agentID)
	if err := os.WriteFile(path, sealed.Bytes(), 0600); err != nil {
		return "", fmt.Errorf("writing sealed token: %w", err)
	}
	return path, nil
}

// Remove deletes the agent's sealed token. Missing files are not an
// error; delete workflows must be repeatable.
func (e *Exchange) Remove(agentID string) error {
	if e == nil {
		return nil
	}
	if err := os.Remove(e.tokenPath(agentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing sealed token: %w", err)
	}
	return nil
}

// Unseal recovers the plaintext token with a recipient identity.
func Unseal(path string, identity age.Identity) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening sealed token: %w", err)
	}
	defer file.Close()

	reader, err := age.Decrypt(file, identity)
	if err != nil {
		return "", fmt.Errorf("decrypting sealed token: %w", err)
	}
	token, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading decrypted token: %w", err)
	}
	return string(token), nil
}

func (e *Exchange) tokenPath(agentID string) string {
	return filepath.Join(e.dir, agentID+".token.age")
}
