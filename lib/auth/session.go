// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// Origin describes where a session's connection comes from.
type Origin struct {
	// Transport is "websocket", "unix" or "internal".
	Transport string

	RemoteAddr string

	// PeerUID is the SO_PEERCRED uid of a UNIX socket peer, or -1.
	PeerUID int
}

// IP returns the remote host without its port.
func (o Origin) IP() string {
	host, _, err := net.SplitHostPort(o.RemoteAddr)
	if err != nil {
		return o.RemoteAddr
	}
	return host
}

// Session is the per-connection caller context.
type Session struct {
	id       string
	origin   Origin
	created  time.Time
	registry *Registry

	credential atomic.Pointer[Credential]

	mu         sync.Mutex
	version    string
	lastActive time.Time
	terminate  func()
	onClose    []func()
	closed     bool
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Origin() Origin     { return s.origin }
func (s *Session) Created() time.Time { return s.created }

// Credential returns the current credential, nil when anonymous.
func (s *Session) Credential() *Credential { return s.credential.Load() }

// Authenticated reports whether the session holds a credential.
func (s *Session) Authenticated() bool { return s.credential.Load() != nil }

// SetCredential replaces the credential. Nil logs the session out.
func (s *Session) SetCredential(credential *Credential) {
	s.credential.Store(credential)
}

// Version returns the pinned API version, "" for the current one.
func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SetVersion pins the API version.
func (s *Session) SetVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
}

// Touch records activity for idle expiry.
func (s *Session) Touch() {
	now := s.registry.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
}

// OnClose registers f to run when the session closes. f runs at once
// if the session is already closed.
func (s *Session) OnClose(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f()
		return
	}
	s.onClose = append(s.onClose, f)
	s.mu.Unlock()
}

// Dump describes the session for auth.sessions.
func (s *Session) Dump(current bool) map[string]any {
	credential := s.Credential()
	var credentialType, username any
	if credential != nil {
		credentialType = string(credential.Kind())
		username = credential.Username()
	}
	return map[string]any{
		"id":                   s.id,
		"current":              current,
		"internal":             s.origin.Transport == "internal",
		"origin":               s.origin.RemoteAddr,
		"credentials":          credentialType,
		"credentials_username": username,
		"created_at":           map[string]any{"$date": s.created.UnixMilli()},
	}
}

// Registry tracks open sessions.
type Registry struct {
	clock       clock.Clock
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry. A zero idleTimeout disables idle
// expiry.
func NewRegistry(clk clock.Clock, idleTimeout time.Duration) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{clock: clk, idleTimeout: idleTimeout, sessions: make(map[string]*Session)}
}

// Open creates an anonymous session. terminate is called when the
// session is terminated administratively or expires, and must close
// the underlying connection.
func (r *Registry) Open(origin Origin, terminate func()) *Session {
	now := r.clock.Now()
	session := &Session{
		id:         uuid.NewString(),
		origin:     origin,
		created:    now,
		registry:   r,
		lastActive: now,
		terminate:  terminate,
	}
	r.mu.Lock()
	r.sessions[session.id] = session
	r.mu.Unlock()
	metrics.Sessions.WithLabelValues(origin.Transport).Inc()
	return session
}

// Close removes the session and runs its close hooks. Closing twice is
// harmless.
func (r *Registry) Close(session *Session) {
	r.mu.Lock()
	delete(r.sessions, session.id)
	r.mu.Unlock()

	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return
	}
	session.closed = true
	hooks := session.onClose
	session.onClose = nil
	session.mu.Unlock()

	metrics.Sessions.WithLabelValues(session.origin.Transport).Dec()
	for _, hook := range slices.Backward(hooks) {
		hook()
	}
}

// Get returns the open session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	return session, ok
}

// List returns the open sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()
	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.created.Compare(b.created); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return sessions
}

// Terminate logs out and disconnects the session with id.
func (r *Registry) Terminate(id string) error {
	session, ok := r.Get(id)
	if !ok {
		return apierror.NotFound("Session %s does not exist", id)
	}
	r.terminateSession(session)
	return nil
}

func (r *Registry) terminateSession(session *Session) {
	session.SetCredential(nil)
	session.mu.Lock()
	terminate := session.terminate
	session.mu.Unlock()
	if terminate != nil {
		terminate()
	}
	r.Close(session)
}

// ExpireIdle terminates password and token sessions idle for longer
// than the idle timeout, and returns how many it terminated.
func (r *Registry) ExpireIdle() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	now := r.clock.Now()
	expired := 0
	for _, session := range r.List() {
		credential := session.Credential()
		if credential == nil || (credential.Kind() != KindPassword && credential.Kind() != KindToken) {
			continue
		}
		session.mu.Lock()
		idle := now.Sub(session.lastActive)
		session.mu.Unlock()
		if idle >= r.idleTimeout {
			r.terminateSession(session)
			expired++
		}
	}
	return expired
}
