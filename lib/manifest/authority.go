// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrNotApproved is the trust error for a template that is neither
// pre-approved nor accompanied by a valid authority approval. The
// coordinator rejects such creation requests before allocating any
// resource.
var ErrNotApproved = errors.New("template not approved")

// Authority verifies human-in-the-loop approval signatures for
// templates that are not pre-approved. The approval covers the
// template name and its current checksum, so an approval cannot be
// replayed against modified content.
type Authority struct {
	publicKey ed25519.PublicKey
}

// NewAuthority returns an Authority verifying against the base64
// Ed25519 public key. An empty key string yields a nil Authority,
// meaning no approvals can be accepted.
func NewAuthority(publicKeyBase64 string) (*Authority, error) {
	if publicKeyBase64 == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding authority public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("authority public key has wrong length: got %d bytes, want %d",
			len(key), ed25519.PublicKeySize)
	}
	return &Authority{publicKey: ed25519.PublicKey(key)}, nil
}

// VerifyApproval checks the base64 signature over
// "<template name>:<checksum>". A nil Authority, empty signature, or
// failed verification all return an error wrapping ErrNotApproved.
func (a *Authority) VerifyApproval(templateName, checksum, signatureBase64 string) error {
	if a == nil {
		return fmt.Errorf("no approval authority configured: %w", ErrNotApproved)
	}
	if signatureBase64 == "" {
		return fmt.Errorf("template %q is not pre-approved and no approval signature was supplied: %w",
			templateName, ErrNotApproved)
	}

	signature, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("decoding approval signature for %q: %w", templateName, ErrNotApproved)
	}

	message := ApprovalMessage(templateName, checksum)
	if !ed25519.Verify(a.publicKey, message, signature) {
		return fmt.Errorf("approval signature for %q does not verify: %w", templateName, ErrNotApproved)
	}
	return nil
}

// ApprovalMessage returns the byte string an approval signature
// covers. Exported so signing tools and tests construct the identical
// message.
func ApprovalMessage(templateName, checksum string) []byte {
	return []byte(templateName + ":" + checksum)
}
