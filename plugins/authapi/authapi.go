// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authapi provides the auth.* methods: logins, tokens,
// logout and session management.
package authapi

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/middlewared/internal/core"
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/filter"
)

// AdminSessionAlert is raised when a full administrator logs in.
const AdminSessionAlert = "AdminSessionActive"

// Plugin registers the auth namespace.
type Plugin struct {
	core   *core.Core
	logger *slog.Logger
}

// New returns the auth plugin.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "auth" }

type loginArgs struct {
	Username string `json:"username"`
	Password string `json:"password" secret:"true"`
}

type apiKeyLoginArgs struct {
	APIKey string `json:"api_key" secret:"true"`
}

type tokenLoginArgs struct {
	Token string `json:"token" secret:"true"`
}

type generateTokenArgs struct {
	TTL       int64        `json:"ttl" default:"600" validate:"min=1,max=86400"`
	Scope     []auth.Entry `json:"scope"`
	SingleUse bool         `json:"single_use"`
}

type terminateArgs struct {
	ID string `json:"id" validate:"nonempty"`
}

// Me describes the caller's credential.
type Me struct {
	Username       string   `json:"username"`
	UID            int      `json:"uid"`
	CredentialType string   `json:"credential_type"`
	Roles          []string `json:"roles"`
	Readonly       bool     `json:"readonly"`
	FullAdmin      bool     `json:"full_admin"`
}

func (p *Plugin) Register(c *core.Core) error {
	p.core = c
	p.logger = c.Logger("auth")
	d := c.Dispatcher

	logins := []struct {
		name, description string
		register          func(dispatch.Method) error
	}{
		{"auth.login", "Log in with a username and password", func(m dispatch.Method) error {
			return dispatch.Register(d, m, p.login)
		}},
		{"auth.login_with_api_key", "Log in with an API key", func(m dispatch.Method) error {
			return dispatch.Register(d, m, p.loginWithAPIKey)
		}},
		{"auth.login_with_token", "Log in with a token issued by auth.generate_token", func(m dispatch.Method) error {
			return dispatch.Register(d, m, p.loginWithToken)
		}},
	}
	for _, login := range logins {
		if err := login.register(dispatch.Method{Name: login.name, Description: login.description, NoAuth: true}); err != nil {
			return err
		}
	}

	if err := dispatch.Register(d, dispatch.Method{
		Name:        "auth.generate_token",
		Description: "Issue a login token for the current credential",
		NoAuthz:     true,
	}, p.generateToken); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "auth.me",
		Description: "Describe the current credential",
		NoAuthz:     true,
	}, func(_ context.Context, call *dispatch.Call, _ dispatch.Args) (Me, error) {
		return describe(call.Credential), nil
	}); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "auth.logout",
		Description: "Drop the session's credential and revoke its tokens",
		NoAuthz:     true,
	}, p.logout); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        "auth.sessions",
		Description: "List open sessions",
		Roles:       []string{"AUTH_SESSIONS_READ"},
	}, p.sessions); err != nil {
		return err
	}
	return dispatch.Register(d, dispatch.Method{
		Name:        "auth.terminate_session",
		Description: "Log out and disconnect another session",
		Roles:       []string{"AUTH_SESSIONS_WRITE"},
	}, p.terminateSession)
}

func describe(credential *auth.Credential) Me {
	if credential == nil {
		return Me{Roles: []string{}}
	}
	roles := credential.Roles()
	if roles == nil {
		roles = []string{}
	}
	return Me{
		Username:       credential.Username(),
		UID:            credential.UID(),
		CredentialType: string(credential.Kind()),
		Roles:          roles,
		Readonly:       credential.Readonly(),
		FullAdmin:      credential.FullAdmin(),
	}
}

// authenticated binds credential to the calling session. Invalid
// credentials answer false; other failures are errors.
func (p *Plugin) authenticated(ctx context.Context, call *dispatch.Call, mechanism string, credential *auth.Credential, err error) (bool, error) {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		p.logger.Warn("login failed", "mechanism", mechanism, "remote_addr", call.RemoteAddr())
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if call.Session == nil {
		return false, apierror.Call(apierror.EINVAL, "Logins need a client session")
	}
	call.Session.SetCredential(credential)
	p.logger.Info("login succeeded",
		"mechanism", mechanism,
		"username", credential.Username(),
		"remote_addr", call.RemoteAddr(),
	)
	if credential.FullAdmin() {
		p.raiseAdminAlert(ctx, credential, call.RemoteAddr())
	}
	return true, nil
}

// raiseAdminAlert records a full-admin login with the alert plugin
// when it is loaded.
func (p *Plugin) raiseAdminAlert(ctx context.Context, credential *auth.Credential, remoteAddr string) {
	_, err := p.core.Dispatcher.CallInternal(ctx, "alert.oneshot_create", AdminSessionAlert, map[string]any{
		"username":    credential.Username(),
		"remote_addr": remoteAddr,
	})
	var apiErr *apierror.Error
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Errno == apierror.ENOMETHOD) {
		p.logger.Warn("raising admin session alert failed", "error", err)
	}
}

func (p *Plugin) login(ctx context.Context, call *dispatch.Call, args loginArgs) (bool, error) {
	credential, err := p.core.Authenticator.Password(ctx, args.Username, args.Password)
	return p.authenticated(ctx, call, "password", credential, err)
}

func (p *Plugin) loginWithAPIKey(ctx context.Context, call *dispatch.Call, args apiKeyLoginArgs) (bool, error) {
	credential, err := p.core.Authenticator.APIKey(ctx, args.APIKey)
	return p.authenticated(ctx, call, "api_key", credential, err)
}

func (p *Plugin) loginWithToken(ctx context.Context, call *dispatch.Call, args tokenLoginArgs) (bool, error) {
	credential, err := p.core.Authenticator.Token(args.Token)
	return p.authenticated(ctx, call, "token", credential, err)
}

func (p *Plugin) generateToken(_ context.Context, call *dispatch.Call, args generateTokenArgs) (string, error) {
	if call.Credential == nil {
		return "", apierror.Call(apierror.EINVAL, "Tokens need a client session")
	}
	return p.core.Authenticator.MintLoginToken(call.Credential, call.Session.ID(), time.Duration(args.TTL)*time.Second, args.Scope, args.SingleUse)
}

func (p *Plugin) logout(_ context.Context, call *dispatch.Call, _ dispatch.Args) (bool, error) {
	if call.Session == nil {
		return false, apierror.Call(apierror.EINVAL, "Only client sessions can log out")
	}
	revoked := p.core.Signer.RevokeSession(call.Session.ID())
	call.Session.SetCredential(nil)
	p.logger.Info("logout", "username", call.Username(), "revoked_tokens", revoked)
	return true, nil
}

func (p *Plugin) sessions(_ context.Context, call *dispatch.Call, args core.QueryArgs) (any, error) {
	var current string
	if call.Session != nil {
		current = call.Session.ID()
	}
	open := p.core.Sessions.List()
	rows := make([]map[string]any, 0, len(open))
	for _, session := range open {
		rows = append(rows, session.Dump(session.ID() == current))
	}
	return filter.Apply(rows, args.Filters, args.Options)
}

func (p *Plugin) terminateSession(_ context.Context, call *dispatch.Call, args terminateArgs) (bool, error) {
	if call.Session != nil && call.Session.ID() == args.ID {
		return false, apierror.Call(apierror.EINVAL, "The current session cannot be terminated; use auth.logout")
	}
	if err := p.core.Sessions.Terminate(args.ID); err != nil {
		return false, err
	}
	p.core.Signer.RevokeSession(args.ID)
	p.logger.Info("session terminated", "session", args.ID, "by", call.Username())
	return true, nil
}
