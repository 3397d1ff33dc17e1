// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultKeyIterations is the PBKDF2 iteration count for new keys.
	DefaultKeyIterations = 500000

	keySecretBytes = 48
	keySaltBytes   = 16
	keyHashScheme  = "$pbkdf2-sha512$"
)

// RevokedExpiry is the expires_at sentinel of a revoked key, in Unix
// seconds.
const RevokedExpiry = 1

// ErrMalformedKey reports an API key that is not "<id>-<secret>".
var ErrMalformedKey = errors.New("auth: malformed API key")

// KeyMaterial is the SCRAM-SHA-512 verifier of an API key.
type KeyMaterial struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// GenerateAPIKey creates a key for id and the material to store. The
// plaintext key is returned once and never persisted.
func GenerateAPIKey(id int64, iterations int) (string, KeyMaterial, error) {
	if iterations <= 0 {
		iterations = DefaultKeyIterations
	}
	secret := make([]byte, keySecretBytes)
	salt := make([]byte, keySaltBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", KeyMaterial{}, fmt.Errorf("auth: generating API key: %w", err)
	}
	if _, err := rand.Read(salt); err != nil {
		return "", KeyMaterial{}, fmt.Errorf("auth: generating API key salt: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(secret)
	return fmt.Sprintf("%d-%s", id, encoded), deriveMaterial(encoded, salt, iterations), nil
}

func deriveMaterial(secret string, salt []byte, iterations int) KeyMaterial {
	salted := pbkdf2.Key([]byte(secret), salt, iterations, sha512.Size, sha512.New)
	clientKey := keyedHash(salted, "Client Key")
	storedKey := sha512.Sum512(clientKey)
	return KeyMaterial{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey[:],
		ServerKey:  keyedHash(salted, "Server Key"),
	}
}

func keyedHash(key []byte, message string) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// Verify reports whether secret derives m.
func (m KeyMaterial) Verify(secret string) bool {
	derived := deriveMaterial(secret, m.Salt, m.Iterations)
	return subtle.ConstantTimeCompare(derived.StoredKey, m.StoredKey) == 1 &&
		subtle.ConstantTimeCompare(derived.ServerKey, m.ServerKey) == 1
}

// String encodes m as "$pbkdf2-sha512$<iterations>$<salt>$<stored>$<server>".
func (m KeyMaterial) String() string {
	return keyHashScheme + strings.Join([]string{
		strconv.Itoa(m.Iterations),
		hex.EncodeToString(m.Salt),
		hex.EncodeToString(m.StoredKey),
		hex.EncodeToString(m.ServerKey),
	}, "$")
}

// ParseKeyMaterial decodes the String form.
func ParseKeyMaterial(encoded string) (KeyMaterial, error) {
	rest, ok := strings.CutPrefix(encoded, keyHashScheme)
	if !ok {
		return KeyMaterial{}, fmt.Errorf("auth: unsupported key hash scheme")
	}
	parts := strings.Split(rest, "$")
	if len(parts) != 4 {
		return KeyMaterial{}, fmt.Errorf("auth: key hash has %d fields, want 4", len(parts))
	}
	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return KeyMaterial{}, fmt.Errorf("auth: invalid key hash iterations %q", parts[0])
	}
	var material KeyMaterial
	material.Iterations = iterations
	for i, target := range []*[]byte{&material.Salt, &material.StoredKey, &material.ServerKey} {
		decoded, err := hex.DecodeString(parts[i+1])
		if err != nil {
			return KeyMaterial{}, fmt.Errorf("auth: decoding key hash field %d: %w", i+1, err)
		}
		*target = decoded
	}
	return material, nil
}

// SplitAPIKey splits "<id>-<secret>".
func SplitAPIKey(key string) (int64, string, error) {
	idText, secret, ok := strings.Cut(key, "-")
	if !ok || secret == "" {
		return 0, "", ErrMalformedKey
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", ErrMalformedKey
	}
	return id, secret, nil
}
