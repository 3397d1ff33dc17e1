// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/events"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/metrics"
	"github.com/bureau-foundation/middlewared/lib/version"
)

// Default frame limits.
const (
	DefaultAnonymousFrameLimit     = 64 * 1024
	DefaultAuthenticatedFrameLimit = 2 * 1024 * 1024
	DefaultMaxInFlight             = 64
)

// Config configures a Server.
type Config struct {
	Dispatcher    *dispatch.Dispatcher
	Sessions      *auth.Registry
	Authenticator *auth.Authenticator
	Bus           *events.Bus
	Jobs          *jobs.Manager

	AnonymousFrameLimit     int64
	AuthenticatedFrameLimit int64

	// MaxInFlight bounds the requests of one connection awaiting a
	// reply. The reader stops reading while the bound is reached.
	MaxInFlight int

	// SubscriptionAccess returns the per-event visibility predicate of
	// a new subscription, or nil to show every event.
	SubscriptionAccess func(session *auth.Session, topic string) func(events.Event) bool

	Logger *slog.Logger
}

// Server runs client connections against a dispatcher.
type Server struct {
	dispatcher         *dispatch.Dispatcher
	sessions           *auth.Registry
	authenticator      *auth.Authenticator
	bus                *events.Bus
	jobs               *jobs.Manager
	anonymousLimit     int64
	authenticatedLimit int64
	maxInFlight        int
	subscriptionAccess func(*auth.Session, string) func(events.Event) bool
	logger             *slog.Logger

	upgrader websocket.Upgrader
}

// New creates a Server. Dispatcher, Sessions and Bus are required.
func New(cfg Config) *Server {
	if cfg.Dispatcher == nil || cfg.Sessions == nil || cfg.Bus == nil {
		panic("transport.New: Dispatcher, Sessions and Bus are required")
	}
	s := &Server{
		dispatcher:         cfg.Dispatcher,
		sessions:           cfg.Sessions,
		authenticator:      cfg.Authenticator,
		bus:                cfg.Bus,
		jobs:               cfg.Jobs,
		anonymousLimit:     cfg.AnonymousFrameLimit,
		authenticatedLimit: cfg.AuthenticatedFrameLimit,
		maxInFlight:        cfg.MaxInFlight,
		subscriptionAccess: cfg.SubscriptionAccess,
		logger:             cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if s.anonymousLimit <= 0 {
		s.anonymousLimit = DefaultAnonymousFrameLimit
	}
	if s.authenticatedLimit <= 0 {
		s.authenticatedLimit = DefaultAuthenticatedFrameLimit
	}
	if s.maxInFlight <= 0 {
		s.maxInFlight = DefaultMaxInFlight
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Handler returns the HTTP routes: the WebSocket endpoint, the upload
// and download side-channels and /metrics.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/{version}", func(w http.ResponseWriter, r *http.Request) {
		pinned := r.PathValue("version")
		switch {
		case pinned == "current":
			pinned = ""
		case !version.Supported(pinned):
			http.NotFound(w, r)
			return
		}
		s.serveWebSocket(ctx, w, r, pinned)
	})
	mux.HandleFunc("POST /_upload", s.serveUpload)
	mux.HandleFunc("POST /_upload/", s.serveUpload)
	mux.HandleFunc("GET /_download/{token}", s.serveDownload)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// serveWebSocket upgrades the request and runs the connection until it
// ends. The first offered subprotocol, when present, is accepted as the
// session's API version in place of pinned.
func (s *Server) serveWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, pinned string) {
	var header http.Header
	if offered := websocket.Subprotocols(r); len(offered) > 0 {
		pinned = offered[0]
		header = http.Header{"Sec-Websocket-Protocol": {pinned}}
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	origin := auth.Origin{Transport: "websocket", RemoteAddr: r.RemoteAddr, PeerUID: -1}
	s.serve(ctx, &websocketConn{conn: conn}, origin, pinned)
}
