// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bureau-foundation/middlewared/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memoryAccounts struct {
	users map[string]*Account
	keys  map[int64]*APIKey
}

func (m *memoryAccounts) LookupUser(ctx context.Context, username string) (*Account, error) {
	return m.users[username], nil
}

func (m *memoryAccounts) LookupAPIKey(ctx context.Context, id int64) (*APIKey, error) {
	return m.keys[id], nil
}

func newTestSigner(t *testing.T, clk clock.Clock) *Signer {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return NewSigner(private, clk)
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *memoryAccounts, *clock.FakeClock) {
	t.Helper()
	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	accounts := &memoryAccounts{
		users: map[string]*Account{
			"root":     {Username: "root", UID: 0, PasswordHash: hash, Roles: []string{FullAdmin}},
			"nobody":   {Username: "nobody", UID: 65534, PasswordHash: hash},
			"locked":   {Username: "locked", UID: 1001, PasswordHash: hash, Locked: true, Roles: []string{FullAdmin}},
			"helpdesk": {Username: "helpdesk", UID: 1002, PasswordHash: hash, Roles: []string{"ACCOUNT_WRITE"}},
		},
		keys: map[int64]*APIKey{},
	}
	fake := clock.Fake(epoch)
	authenticator := NewAuthenticator(AuthenticatorConfig{
		Roles:    testRoleManager(t),
		Accounts: accounts,
		Signer:   newTestSigner(t, fake),
		Clock:    fake,
	})
	return authenticator, accounts, fake
}

func TestPasswordLogin(t *testing.T) {
	authenticator, _, _ := newTestAuthenticator(t)
	ctx := context.Background()

	credential, err := authenticator.Password(ctx, "root", "correct horse")
	if err != nil {
		t.Fatalf("Password(root): %v", err)
	}
	if credential.Kind() != KindPassword || !credential.FullAdmin() {
		t.Fatalf("root credential kind=%s full_admin=%v", credential.Kind(), credential.FullAdmin())
	}

	for _, test := range []struct{ username, password string }{
		{"root", "wrong"},
		{"missing", "correct horse"},
		{"nobody", "correct horse"},
		{"locked", "correct horse"},
	} {
		if _, err := authenticator.Password(ctx, test.username, test.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Password(%s, %s) = %v, want ErrInvalidCredentials", test.username, test.password, err)
		}
	}
}

func TestAPIKeyLogin(t *testing.T) {
	authenticator, accounts, fake := newTestAuthenticator(t)
	ctx := context.Background()

	key, material, err := GenerateAPIKey(7, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "7-") {
		t.Fatalf("key %q lacks its id prefix", key)
	}
	parsed, err := ParseKeyMaterial(material.String())
	if err != nil {
		t.Fatalf("ParseKeyMaterial: %v", err)
	}
	stored := &APIKey{ID: 7, Username: "helpdesk", KeyHash: parsed.String(), ExpiresAt: epoch.Add(time.Hour).Unix()}
	accounts.keys[7] = stored

	credential, err := authenticator.APIKey(ctx, key)
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if credential.Kind() != KindAPIKey || credential.APIKeyID() != 7 || credential.Username() != "helpdesk" {
		t.Fatalf("credential = %+v", credential.Dump())
	}

	if _, err := authenticator.APIKey(ctx, key+"x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong secret: %v", err)
	}
	if _, err := authenticator.APIKey(ctx, "not-a-key"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("malformed key: %v", err)
	}

	fake.Advance(time.Hour)
	if _, err := authenticator.APIKey(ctx, key); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expired key: %v", err)
	}

	stored.ExpiresAt = RevokedExpiry
	if _, err := authenticator.APIKey(ctx, key); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("revoked key: %v", err)
	}
}

func TestSplitAPIKey(t *testing.T) {
	for _, key := range []string{"", "abc", "0-x", "-x", "12-", "x-y"} {
		if _, _, err := SplitAPIKey(key); !errors.Is(err, ErrMalformedKey) {
			t.Errorf("SplitAPIKey(%q) = %v, want ErrMalformedKey", key, err)
		}
	}
	id, secretPart, err := SplitAPIKey("12-abc-def")
	if err != nil || id != 12 || secretPart != "abc-def" {
		t.Fatalf("SplitAPIKey = %d, %q, %v", id, secretPart, err)
	}
}

func TestTokenLogin(t *testing.T) {
	authenticator, _, fake := newTestAuthenticator(t)
	manager := authenticator.Roles()
	admin := NewCredential(manager, KindPassword, "root", 0, []string{FullAdmin})

	token, err := authenticator.MintLoginToken(admin, "session-1", 5*time.Minute, nil, false)
	if err != nil {
		t.Fatalf("MintLoginToken: %v", err)
	}
	credential, err := authenticator.Token(token)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if credential.Kind() != KindToken || !credential.FullAdmin() || credential.TokenID() == "" {
		t.Fatalf("token credential = %+v", credential.Dump())
	}

	// Logging out the minting session revokes its tokens.
	if revoked := authenticator.Signer().RevokeSession("session-1"); revoked != 1 {
		t.Fatalf("RevokeSession revoked %d tokens, want 1", revoked)
	}
	if _, err := authenticator.Token(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("revoked token accepted: %v", err)
	}

	expiring, err := authenticator.MintLoginToken(admin, "", time.Minute, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)
	if _, err := authenticator.Token(expiring); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestTokenScopeAndSingleUse(t *testing.T) {
	authenticator, _, _ := newTestAuthenticator(t)
	admin := NewCredential(authenticator.Roles(), KindPassword, "root", 0, []string{FullAdmin})

	scope := []Entry{{Method: VerbCall, Resource: "user.query"}}
	token, err := authenticator.MintLoginToken(admin, "", time.Minute, scope, true)
	if err != nil {
		t.Fatal(err)
	}
	credential, err := authenticator.Token(token)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if credential.FullAdmin() {
		t.Error("scoped token credential reports full admin")
	}
	if !credential.Authorize(VerbCall, "user.query") || credential.Authorize(VerbCall, "user.update") {
		t.Error("scope not applied")
	}
	if _, err := authenticator.Token(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("single-use token accepted twice: %v", err)
	}
}

func TestTokenVerification(t *testing.T) {
	fake := clock.Fake(epoch)
	signer := newTestSigner(t, fake)
	other := newTestSigner(t, fake)

	token, claims, err := signer.Mint(Claims{Audience: AudienceDownload, JobID: 4, Filename: "debug.tgz"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claims.ExpiresAt != epoch.Add(time.Minute).Unix() {
		t.Fatalf("ExpiresAt = %d", claims.ExpiresAt)
	}
	verified, err := signer.Verify(token, AudienceDownload)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.JobID != 4 || verified.Filename != "debug.tgz" {
		t.Fatalf("claims = %+v", verified)
	}

	if _, err := signer.Verify(token, AudienceLogin); !errors.Is(err, ErrAudienceMismatch) {
		t.Errorf("wrong audience: %v", err)
	}
	if _, err := other.Verify(token, AudienceDownload); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("foreign signer: %v", err)
	}
	if _, err := signer.Verify("!!!", AudienceDownload); !errors.Is(err, ErrTokenMalformed) {
		t.Errorf("garbage token: %v", err)
	}
	if _, _, err := signer.Mint(Claims{}, 0); err == nil {
		t.Error("zero ttl accepted")
	}
}

func TestRevocationCleanup(t *testing.T) {
	fake := clock.Fake(epoch)
	signer := newTestSigner(t, fake)
	_, claims, err := signer.Mint(Claims{Audience: AudienceLogin, Session: "s"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	signer.RevokeSession("s")
	if !signer.revocations.IsRevoked(claims.ID) {
		t.Fatal("token not revoked")
	}
	fake.Advance(time.Minute)
	if removed := signer.Cleanup(); removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
	if signer.revocations.Len() != 0 {
		t.Fatal("revocation kept after expiry")
	}
}

func TestLoadSignerPersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.key")
	first, err := LoadSigner(path, nil)
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	token, _, err := first.Mint(Claims{Audience: AudienceLogin}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadSigner(path, nil)
	if err != nil {
		t.Fatalf("LoadSigner again: %v", err)
	}
	if _, err := second.Verify(token, AudienceLogin); err != nil {
		t.Fatalf("token from the first signer rejected after reload: %v", err)
	}
}

func TestUnixSocketCredential(t *testing.T) {
	authenticator, _, _ := newTestAuthenticator(t)
	if credential := authenticator.UnixSocket(0); credential == nil || !credential.FullAdmin() {
		t.Fatal("uid 0 peer is not full admin")
	}
	if credential := authenticator.UnixSocket(1000); credential != nil {
		t.Fatal("unprivileged peer received a credential")
	}
}

func TestLoadSignerKeepsWhitespaceSeedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.key")
	seed := func() ([]byte, error) {
		generated := make([]byte, ed25519.SeedSize)
		generated[0] = '\n'
		generated[ed25519.SeedSize-1] = ' '
		return generated, nil
	}
	first, err := loadSigner(path, nil, seed)
	if err != nil {
		t.Fatalf("loadSigner: %v", err)
	}
	second, err := loadSigner(path, nil, seed)
	if err != nil {
		t.Fatalf("loadSigner from the stored key: %v", err)
	}
	if !first.public.Equal(second.public) {
		t.Fatal("reloaded key differs from the generated one")
	}
	expected, _ := seed()
	if !first.public.Equal(ed25519.NewKeyFromSeed(expected).Public()) {
		t.Fatal("signer does not use the generated seed")
	}
}
