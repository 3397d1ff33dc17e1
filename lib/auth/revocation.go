// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"sync"
	"time"
)

// Revocations is the set of token ids that must no longer verify. An
// entry is kept only until the token's own expiry, after which the
// signature check rejects it anyway.
type Revocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewRevocations creates an empty set.
func NewRevocations() *Revocations {
	return &Revocations{entries: make(map[string]time.Time)}
}

// Revoke adds id, remembering it until expiresAt.
func (r *Revocations) Revoke(id string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = expiresAt
}

// Consume revokes id and reports whether it was not revoked before.
// Single-use tokens call it so that concurrent logins with the same
// token cannot both succeed.
func (r *Revocations) Consume(id string, expiresAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, revoked := r.entries[id]; revoked {
		return false
	}
	r.entries[id] = expiresAt
	return true
}

// IsRevoked reports whether id has been revoked.
func (r *Revocations) IsRevoked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, revoked := r.entries[id]
	return revoked
}

// Cleanup drops entries for tokens that have expired by now and
// returns how many were dropped.
func (r *Revocations) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, expiresAt := range r.entries {
		if !now.Before(expiresAt) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of revoked ids.
func (r *Revocations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
