// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/middlewared/lib/metrics"
	"github.com/bureau-foundation/middlewared/lib/sealed"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("datastore: closed")

// Change describes one committed write.
type Change struct {
	Table     string
	Operation string
	ID        int64
	Row       map[string]any
}

// Config holds the parameters for opening a Store. Path is required.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// ReadPoolSize defaults to max(runtime.NumCPU(), 4).
	ReadPoolSize int

	// QueueDepth bounds writes waiting for the writer. Defaults to 128.
	QueueDepth int

	// Bootstrap, when set, is executed by the writer once before
	// serving. Statements must be idempotent.
	Bootstrap string

	// Sealer seals Secrets columns. Required when Secrets is set.
	Sealer *sealed.Sealer

	// Secrets lists secret columns (SQLite names) per logical table.
	Secrets map[string][]string

	// OnChange is called from the writer goroutine after each commit,
	// in commit order. It must not block.
	OnChange func(Change)

	Logger *slog.Logger
}

// Store is the datastore. Safe for concurrent use.
type Store struct {
	readers  *sqlitex.Pool
	writer   *sqlite.Conn
	writes   chan *writeRequest
	done     chan struct{}
	closeMu  sync.RWMutex
	closed   bool
	sealer   *sealed.Sealer
	secrets  map[string][]string
	onChange func(Change)
	logger   *slog.Logger

	tablesMu   sync.RWMutex
	tables     map[string]*tableInfo
	tableLoads singleflight.Group
}

type writeRequest struct {
	ctx       context.Context
	operation string
	apply     func(conn *sqlite.Conn) (*Change, error)
	reply     chan writeResult
}

type writeResult struct {
	change *Change
	err    error
}

// Open opens the database, applies Bootstrap and starts the writer.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("datastore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	readPoolSize := cfg.ReadPoolSize
	if readPoolSize <= 0 {
		readPoolSize = max(runtime.NumCPU(), 4)
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 128
	}

	writer, err := openWriter(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Bootstrap != "" {
		if err := sqlitex.ExecuteScript(writer, cfg.Bootstrap, nil); err != nil {
			writer.Close()
			return nil, fmt.Errorf("datastore: bootstrap: %w", err)
		}
	}
	readers, err := openReaders(cfg.Path, readPoolSize)
	if err != nil {
		writer.Close()
		return nil, err
	}

	store := &Store{
		readers:  readers,
		writer:   writer,
		writes:   make(chan *writeRequest, queueDepth),
		done:     make(chan struct{}),
		sealer:   cfg.Sealer,
		secrets:  cfg.Secrets,
		onChange: cfg.OnChange,
		logger:   logger,
		tables:   map[string]*tableInfo{},
	}
	go store.writeLoop()

	logger.Info("datastore opened", "path", cfg.Path, "read_pool_size", readPoolSize)
	return store, nil
}

// SetOnChange replaces the change callback. Used by the core, which
// creates the event bus after the store.
func (s *Store) SetOnChange(onChange func(Change)) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.onChange = onChange
}

// Close stops the writer after draining queued writes and closes
// every connection.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.closeMu.Unlock()

	<-s.done
	var errs []error
	if err := s.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("datastore: closing writer: %w", err))
	}
	if err := s.readers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("datastore: closing readers: %w", err))
	}
	return errors.Join(errs...)
}

// takeReader borrows a read connection, or returns ErrClosed once
// Close has started.
func (s *Store) takeReader(ctx context.Context) (*sqlite.Conn, error) {
	s.closeMu.RLock()
	closed := s.closed
	s.closeMu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	conn, err := s.readers.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("datastore: taking read connection: %w", err)
	}
	return conn, nil
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for request := range s.writes {
		metrics.DatastoreQueueDepth.Dec()
		if err := request.ctx.Err(); err != nil {
			request.reply <- writeResult{err: err}
			continue
		}
		change, err := s.applyWrite(request)
		if err == nil && change != nil {
			s.closeMu.RLock()
			onChange := s.onChange
			s.closeMu.RUnlock()
			if onChange != nil {
				onChange(*change)
			}
		}
		request.reply <- writeResult{change: change, err: err}
	}
}

func (s *Store) applyWrite(request *writeRequest) (change *Change, err error) {
	defer sqlitex.Save(s.writer)(&err)
	return request.apply(s.writer)
}

// submit hands a write to the writer and waits for its result.
func (s *Store) submit(ctx context.Context, operation string, apply func(conn *sqlite.Conn) (*Change, error)) (*Change, error) {
	start := time.Now()
	defer func() {
		metrics.DatastoreWrites.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	request := &writeRequest{ctx: ctx, operation: operation, apply: apply, reply: make(chan writeResult, 1)}

	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case s.writes <- request:
		metrics.DatastoreQueueDepth.Inc()
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return nil, ctx.Err()
	}
	s.closeMu.RUnlock()

	// The write may still commit after ctx is cancelled; waiting for
	// the reply keeps callers from observing a half-known outcome.
	result := <-request.reply
	return result.change, result.err
}
