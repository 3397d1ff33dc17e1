// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/codec"
	"github.com/bureau-foundation/middlewared/lib/secret"
)

// Token audiences. A token minted for one audience never verifies for
// another.
const (
	AudienceLogin    = "login"
	AudienceDownload = "download"
)

const signatureSize = ed25519.SignatureSize

// Errors returned by Verify.
var (
	ErrTokenMalformed   = errors.New("auth: malformed token")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrTokenExpired     = errors.New("auth: token has expired")
	ErrAudienceMismatch = errors.New("auth: token audience does not match")
	ErrTokenRevoked     = errors.New("auth: token has been revoked")
)

// Claims is the CBOR payload of a token.
type Claims struct {
	ID       string `cbor:"1,keyasint"`
	Audience string `cbor:"2,keyasint"`

	// Username and Roles describe the credential the token stands
	// for, snapshotted when it was minted.
	Username string   `cbor:"3,keyasint"`
	Roles    []string `cbor:"4,keyasint,omitempty"`
	Readonly bool     `cbor:"5,keyasint,omitempty"`

	// Scope narrows what the token may be used for.
	Scope []Entry `cbor:"6,keyasint,omitempty"`

	// Session is the minting session. Its logout revokes the token.
	Session   string `cbor:"7,keyasint,omitempty"`
	SingleUse bool   `cbor:"8,keyasint,omitempty"`

	// JobID and Filename bind a download token to one job output, or
	// to the job's log when Logs is set.
	JobID    int64  `cbor:"9,keyasint,omitempty"`
	Filename string `cbor:"10,keyasint,omitempty"`
	Logs     bool   `cbor:"13,keyasint,omitempty"`

	IssuedAt  int64 `cbor:"11,keyasint"`
	ExpiresAt int64 `cbor:"12,keyasint"`
}

// Expiry returns ExpiresAt as a time.
func (c *Claims) Expiry() time.Time { return time.Unix(c.ExpiresAt, 0) }

// Signer mints and verifies tokens with an Ed25519 key.
type Signer struct {
	private     ed25519.PrivateKey
	public      ed25519.PublicKey
	clock       clock.Clock
	revocations *Revocations

	mu        sync.Mutex
	bySession map[string][]*Claims
}

// NewSigner creates a Signer over private.
func NewSigner(private ed25519.PrivateKey, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Signer{
		private:     private,
		public:      private.Public().(ed25519.PublicKey),
		clock:       clk,
		revocations: NewRevocations(),
		bySession:   make(map[string][]*Claims),
	}
}

// LoadSigner reads the Ed25519 seed at path, generating it on first
// use. The seed is stored hex encoded: secret files are text and lose
// surrounding whitespace when read.
func LoadSigner(path string, clk clock.Clock) (*Signer, error) {
	return loadSigner(path, clk, func() ([]byte, error) {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		return seed, nil
	})
}

func loadSigner(path string, clk clock.Clock, newSeed func() ([]byte, error)) (*Signer, error) {
	buffer, err := secret.LoadOrCreate(path, func() ([]byte, error) {
		seed, err := newSeed()
		if err != nil {
			return nil, err
		}
		defer secret.Zero(seed)
		encoded := make([]byte, hex.EncodedLen(len(seed)))
		hex.Encode(encoded, seed)
		return encoded, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: loading token key: %w", err)
	}
	defer buffer.Close()

	var private ed25519.PrivateKey
	err = buffer.Use(func(encoded []byte) error {
		if len(encoded) != hex.EncodedLen(ed25519.SeedSize) {
			return fmt.Errorf("token key has %d hex digits, want %d", len(encoded), hex.EncodedLen(ed25519.SeedSize))
		}
		seed := make([]byte, ed25519.SeedSize)
		defer secret.Zero(seed)
		if _, err := hex.Decode(seed, encoded); err != nil {
			return err
		}
		private = ed25519.NewKeyFromSeed(seed)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: loading token key: %w", err)
	}
	return NewSigner(private, clk), nil
}

// Mint fills in the id and timestamps of claims, signs them and returns
// the base64url token.
func (s *Signer) Mint(claims Claims, ttl time.Duration) (string, *Claims, error) {
	if ttl <= 0 {
		return "", nil, fmt.Errorf("auth: token ttl must be positive")
	}
	now := s.clock.Now()
	claims.ID = uuid.NewString()
	claims.IssuedAt = now.Unix()
	claims.ExpiresAt = now.Add(ttl).Unix()

	payload, err := codec.MarshalCBOR(&claims)
	if err != nil {
		return "", nil, fmt.Errorf("auth: encoding token claims: %w", err)
	}
	signed := make([]byte, len(payload)+signatureSize)
	copy(signed, payload)
	copy(signed[len(payload):], ed25519.Sign(s.private, payload))

	if claims.Session != "" {
		s.mu.Lock()
		s.bySession[claims.Session] = append(s.bySession[claims.Session], &claims)
		s.mu.Unlock()
	}
	return base64.RawURLEncoding.EncodeToString(signed), &claims, nil
}

// Verify checks the signature, expiry, audience and revocation state
// of token. A single-use token is consumed by its first successful
// verification.
func (s *Signer) Verify(token, audience string) (*Claims, error) {
	signed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(signed) <= signatureSize {
		return nil, ErrTokenMalformed
	}
	split := len(signed) - signatureSize
	payload, signature := signed[:split], signed[split:]
	if !ed25519.Verify(s.public, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := codec.UnmarshalCBOR(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if s.clock.Now().Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if claims.Audience != audience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, claims.Audience, audience)
	}
	if claims.SingleUse {
		if !s.revocations.Consume(claims.ID, claims.Expiry()) {
			return nil, ErrTokenRevoked
		}
		return &claims, nil
	}
	if s.revocations.IsRevoked(claims.ID) {
		return nil, ErrTokenRevoked
	}
	return &claims, nil
}

// RevokeSession revokes every token minted by session and returns how
// many were revoked.
func (s *Signer) RevokeSession(session string) int {
	s.mu.Lock()
	minted := s.bySession[session]
	delete(s.bySession, session)
	s.mu.Unlock()

	for _, claims := range minted {
		s.revocations.Revoke(claims.ID, claims.Expiry())
	}
	return len(minted)
}

// Cleanup forgets expired revocations and expired per-session records.
func (s *Signer) Cleanup() int {
	now := s.clock.Now()
	s.mu.Lock()
	for session, minted := range s.bySession {
		live := minted[:0]
		for _, claims := range minted {
			if now.Before(claims.Expiry()) {
				live = append(live, claims)
			}
		}
		if len(live) == 0 {
			delete(s.bySession, session)
		} else {
			s.bySession[session] = live
		}
	}
	s.mu.Unlock()
	return s.revocations.Cleanup(now)
}
