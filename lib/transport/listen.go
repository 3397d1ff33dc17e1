// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/middlewared/lib/auth"
)

// DefaultShutdownTimeout bounds the graceful shutdown of the HTTP
// listener.
const DefaultShutdownTimeout = 10 * time.Second

// ServeUnix accepts connections on a UNIX socket at path until ctx is
// cancelled, then waits for open connections to end. A stale socket
// file is replaced; the socket file is removed on return. ready, when
// non-nil, is closed once the socket accepts connections.
func (s *Server) ServeUnix(ctx context.Context, path string, ready chan<- struct{}) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transport: removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("transport: listening on %s: %w", path, err)
	}
	defer func() {
		listener.Close()
		os.Remove(path)
	}()
	if err := os.Chmod(path, 0o666); err != nil {
		return fmt.Errorf("transport: chmod %s: %w", path, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	if ready != nil {
		close(ready)
	}
	s.logger.Info("unix socket listening", "path", path)

	var active sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		active.Add(1)
		go func() {
			defer active.Done()
			origin := auth.Origin{Transport: "unix", RemoteAddr: "", PeerUID: peerUID(conn)}
			s.serve(ctx, newLineConn(conn), origin, "")
		}()
	}
	active.Wait()
	return nil
}

// peerUID returns the SO_PEERCRED uid of a UNIX socket peer, or -1.
func peerUID(conn net.Conn) int {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return -1
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return -1
	}
	uid := -1
	raw.Control(func(fd uintptr) {
		credentials, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err == nil {
			uid = int(credentials.Uid)
		}
	})
	return uid
}

// ServeHTTP serves Handler on a TCP address until ctx is cancelled,
// then shuts down gracefully. ready, when non-nil, receives the bound
// address once the listener accepts connections.
func (s *Server) ServeHTTP(ctx context.Context, address string, ready chan<- net.Addr) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("transport: listening on %s: %w", address, err)
	}
	server := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if ready != nil {
		ready <- listener.Addr()
	}
	s.logger.Info("http server listening", "address", listener.Addr().String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("transport: http shutdown: %w", err)
	}
	return nil
}
