// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/middlewared/lib/secret"
)

// Prefix marks a sealed value.
const Prefix = "age:"

// ErrNotSealed is returned by Open for values without Prefix.
var ErrNotSealed = errors.New("sealed: value is not sealed")

// Sealer seals and opens values with one identity.
type Sealer struct {
	identity  *secret.Buffer
	recipient *age.X25519Recipient
}

// Open loads the identity at path, generating one on first use.
func Open(path string) (*Sealer, error) {
	buffer, err := secret.LoadOrCreate(path, func() ([]byte, error) {
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, err
		}
		return []byte(identity.String()), nil
	})
	if err != nil {
		return nil, fmt.Errorf("sealed: loading identity: %w", err)
	}
	return New(buffer)
}

// New wraps an identity already held in a Buffer. The Sealer takes
// ownership of buffer.
func New(buffer *secret.Buffer) (*Sealer, error) {
	identity, err := age.ParseX25519Identity(buffer.String())
	if err != nil {
		buffer.Close()
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}
	return &Sealer{identity: buffer, recipient: identity.Recipient()}, nil
}

// Recipient returns the public half of the identity.
func (s *Sealer) Recipient() string { return s.recipient.String() }

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.recipient)
	if err != nil {
		return "", fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Unseal decrypts a value produced by Seal.
func (s *Sealer) Unseal(value string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, Prefix)
	if !ok {
		return nil, ErrNotSealed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding: %w", err)
	}
	identity, err := age.ParseX25519Identity(s.identity.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool { return strings.HasPrefix(value, Prefix) }

// Close releases the identity.
func (s *Sealer) Close() error { return s.identity.Close() }
