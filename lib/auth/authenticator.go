// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// ErrInvalidCredentials is returned for any failed login. Callers do
// not learn which part of the secret was wrong.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Account is a local user as seen by the authenticator.
type Account struct {
	Username         string
	UID              int
	PasswordHash     string
	Locked           bool
	PasswordDisabled bool

	// Roles are the roles of every privilege the account belongs to.
	// An account without roles may not use the API.
	Roles []string
}

// APIKey is a stored API key.
type APIKey struct {
	ID       int64
	Username string
	KeyHash  string

	// ExpiresAt is Unix seconds; zero never expires and RevokedExpiry
	// marks a revoked key.
	ExpiresAt int64
}

// Revoked reports whether the key carries the revocation sentinel.
func (k *APIKey) Revoked() bool { return k.ExpiresAt == RevokedExpiry }

// Accounts looks up accounts and keys. Lookups of missing entries
// return nil and no error.
type Accounts interface {
	LookupUser(ctx context.Context, username string) (*Account, error)
	LookupAPIKey(ctx context.Context, id int64) (*APIKey, error)
}

// AuthenticatorConfig configures an Authenticator.
type AuthenticatorConfig struct {
	Roles    *RoleManager
	Accounts Accounts
	Signer   *Signer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Authenticator turns presented secrets into credentials.
type Authenticator struct {
	roles    *RoleManager
	accounts Accounts
	signer   *Signer
	clock    clock.Clock
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	authenticator := &Authenticator{
		roles:    cfg.Roles,
		accounts: cfg.Accounts,
		signer:   cfg.Signer,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if authenticator.clock == nil {
		authenticator.clock = clock.Real()
	}
	if authenticator.logger == nil {
		authenticator.logger = slog.New(slog.DiscardHandler)
	}
	return authenticator
}

// Roles returns the role manager.
func (a *Authenticator) Roles() *RoleManager { return a.roles }

// Signer returns the token signer.
func (a *Authenticator) Signer() *Signer { return a.signer }

// Password authenticates a local account.
func (a *Authenticator) Password(ctx context.Context, username, password string) (*Credential, error) {
	account, err := a.accounts.LookupUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("auth: looking up %q: %w", username, err)
	}
	if account == nil || account.PasswordHash == "" {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, a.reject("password", "unknown account")
	}
	if !CheckPassword(account.PasswordHash, password) {
		return nil, a.reject("password", "wrong password")
	}
	if account.Locked || account.PasswordDisabled {
		return nil, a.reject("password", "account locked or password disabled")
	}
	if len(account.Roles) == 0 {
		return nil, a.reject("password", "account has no API privileges")
	}
	metrics.AuthAttempts.WithLabelValues("password", "success").Inc()
	return NewCredential(a.roles, KindPassword, account.Username, account.UID, account.Roles), nil
}

// APIKey authenticates "<id>-<secret>".
func (a *Authenticator) APIKey(ctx context.Context, key string) (*Credential, error) {
	id, secretPart, err := SplitAPIKey(key)
	if err != nil {
		return nil, a.reject("api_key", "malformed key")
	}
	stored, err := a.accounts.LookupAPIKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("auth: looking up API key %d: %w", id, err)
	}
	if stored == nil {
		return nil, a.reject("api_key", "unknown key")
	}
	if stored.Revoked() {
		return nil, a.reject("api_key", "revoked key")
	}
	if stored.ExpiresAt != 0 && a.clock.Now().Unix() >= stored.ExpiresAt {
		return nil, a.reject("api_key", "expired key")
	}
	material, err := ParseKeyMaterial(stored.KeyHash)
	if err != nil {
		return nil, fmt.Errorf("auth: API key %d: %w", id, err)
	}
	if !material.Verify(secretPart) {
		return nil, a.reject("api_key", "wrong secret")
	}

	account, err := a.accounts.LookupUser(ctx, stored.Username)
	if err != nil {
		return nil, fmt.Errorf("auth: looking up %q: %w", stored.Username, err)
	}
	if account == nil || account.Locked || len(account.Roles) == 0 {
		return nil, a.reject("api_key", "owner missing, locked or unprivileged")
	}
	metrics.AuthAttempts.WithLabelValues("api_key", "success").Inc()
	credential := NewCredential(a.roles, KindAPIKey, account.Username, account.UID, account.Roles)
	credential.apiKeyID = id
	return credential, nil
}

// Token authenticates a login token.
func (a *Authenticator) Token(token string) (*Credential, error) {
	claims, err := a.signer.Verify(token, AudienceLogin)
	if err != nil {
		a.logger.Debug("token rejected", "error", err)
		return nil, a.reject("token", err.Error())
	}
	metrics.AuthAttempts.WithLabelValues("token", "success").Inc()
	credential := NewCredential(a.roles, KindToken, claims.Username, -1, claims.Roles)
	if claims.Readonly {
		credential = credential.WithReadonly(a.roles)
	}
	credential.tokenID = claims.ID
	return credential.withScope(claims.Scope), nil
}

// UnixSocket returns the credential of a trusted local peer. Only uid
// 0 is trusted; other peers start anonymous.
func (a *Authenticator) UnixSocket(uid int) *Credential {
	if uid != 0 {
		return nil
	}
	return NewCredential(a.roles, KindUnixSocket, "root", 0, []string{FullAdmin})
}

// MintLoginToken issues a token that logs in as credential. The token
// is revoked when session logs out. scope, when non-empty, narrows it.
func (a *Authenticator) MintLoginToken(credential *Credential, session string, ttl time.Duration, scope []Entry, singleUse bool) (string, error) {
	token, _, err := a.signer.Mint(Claims{
		Audience:  AudienceLogin,
		Username:  credential.Username(),
		Roles:     credential.Roles(),
		Readonly:  credential.Readonly(),
		Scope:     scope,
		Session:   session,
		SingleUse: singleUse,
	}, ttl)
	return token, err
}

// MintDownloadToken issues a single-use token for one job's output
// pipe, or for its log file when logs is set.
func (a *Authenticator) MintDownloadToken(credential *Credential, session string, jobID int64, filename string, logs bool, ttl time.Duration) (string, error) {
	token, _, err := a.signer.Mint(Claims{
		Audience:  AudienceDownload,
		Username:  credential.Username(),
		Session:   session,
		SingleUse: true,
		JobID:     jobID,
		Filename:  filename,
		Logs:      logs,
	}, ttl)
	return token, err
}

// VerifyDownload checks a download token.
func (a *Authenticator) VerifyDownload(token string) (*Claims, error) {
	return a.signer.Verify(token, AudienceDownload)
}

func (a *Authenticator) reject(mechanism, reason string) error {
	metrics.AuthAttempts.WithLabelValues(mechanism, "failure").Inc()
	a.logger.Debug("authentication failed", "mechanism", mechanism, "reason", reason)
	return ErrInvalidCredentials
}
