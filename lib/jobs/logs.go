// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/middlewared/lib/metrics"
)

const (
	excerptHead = 10
	excerptTail = 10

	rotatedSuffix = ".zst"
)

var errLogClosed = errors.New("jobs: log closed")

// logWriter appends to a job log from a background goroutine so that
// writers never block on disk. Chunks that do not fit the queue are
// dropped and counted.
type logWriter struct {
	path   string
	file   *os.File
	chunks chan []byte
	done   chan struct{}

	dropped  atomic.Int64
	writeErr error

	mu     sync.Mutex
	closed bool
}

func openLog(dir string, id int64, depth int) (*logWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("jobs: creating log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.log", id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("jobs: opening log: %w", err)
	}
	writer := &logWriter{
		path:   path,
		file:   file,
		chunks: make(chan []byte, depth),
		done:   make(chan struct{}),
	}
	go writer.drain()
	return writer, nil
}

func (w *logWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errLogClosed
	}
	chunk := append([]byte(nil), data...)
	select {
	case w.chunks <- chunk:
	default:
		w.dropped.Add(int64(len(data)))
		metrics.JobLogBytesDropped.Add(float64(len(data)))
	}
	return len(data), nil
}

func (w *logWriter) drain() {
	defer close(w.done)
	for chunk := range w.chunks {
		if w.writeErr != nil {
			continue
		}
		if _, err := w.file.Write(chunk); err != nil {
			w.writeErr = err
		}
	}
}

// close flushes queued chunks, appends a truncation marker when bytes
// were dropped, and closes the file.
func (w *logWriter) close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.chunks)
	w.mu.Unlock()
	<-w.done

	if dropped := w.dropped.Load(); dropped > 0 && w.writeErr == nil {
		_, w.writeErr = fmt.Fprintf(w.file, "\n[log truncated: %d bytes dropped]\n", dropped)
	}
	closeErr := w.file.Close()
	if w.writeErr != nil {
		return fmt.Errorf("jobs: writing log: %w", w.writeErr)
	}
	return closeErr
}

// logExcerpt returns the first and last lines of the log at path,
// with a count of the lines omitted between them.
func logExcerpt(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return "Log file was removed"
	}
	defer file.Close()

	var head, tail []string
	lines := 0
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if len(head) < excerptHead {
				head = append(head, line)
			} else {
				tail = append(tail, line)
				if len(tail) > excerptTail {
					tail = tail[1:]
				}
			}
			lines++
		}
		if err != nil {
			break
		}
	}

	if lines > excerptHead+excerptTail {
		return fmt.Sprintf("%s... %d more lines ...\n%s",
			strings.Join(head, ""), lines-excerptHead-excerptTail, strings.Join(tail, ""))
	}
	return strings.Join(head, "") + strings.Join(tail, "")
}

// rotateLog compresses the log at path into path+".zst" when it is
// larger than threshold, and returns the path the log now lives at.
func rotateLog(path string, threshold int64) (string, error) {
	if threshold <= 0 {
		return path, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return path, fmt.Errorf("jobs: stat log: %w", err)
	}
	if info.Size() <= threshold {
		return path, nil
	}

	source, err := os.Open(path)
	if err != nil {
		return path, fmt.Errorf("jobs: opening log for rotation: %w", err)
	}
	defer source.Close()

	rotated := path + rotatedSuffix
	target, err := os.OpenFile(rotated, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return path, fmt.Errorf("jobs: creating rotated log: %w", err)
	}
	encoder, err := zstd.NewWriter(target)
	if err != nil {
		target.Close()
		return path, fmt.Errorf("jobs: creating zstd encoder: %w", err)
	}
	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		target.Close()
		os.Remove(rotated)
		return path, fmt.Errorf("jobs: compressing log: %w", err)
	}
	if err := encoder.Close(); err != nil {
		target.Close()
		os.Remove(rotated)
		return path, fmt.Errorf("jobs: finishing compressed log: %w", err)
	}
	if err := target.Sync(); err != nil {
		target.Close()
		os.Remove(rotated)
		return path, fmt.Errorf("jobs: syncing compressed log: %w", err)
	}
	if err := target.Close(); err != nil {
		os.Remove(rotated)
		return path, fmt.Errorf("jobs: closing compressed log: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return rotated, fmt.Errorf("jobs: removing uncompressed log: %w", err)
	}
	return rotated, nil
}

// OpenLog opens a job log for reading, decompressing rotated logs.
func OpenLog(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jobs: opening log: %w", err)
	}
	if !strings.HasSuffix(path, rotatedSuffix) {
		return file, nil
	}
	decoder, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("jobs: creating zstd decoder: %w", err)
	}
	return &compressedLog{Decoder: decoder, file: file}, nil
}

type compressedLog struct {
	*zstd.Decoder
	file *os.File
}

func (c *compressedLog) Close() error {
	c.Decoder.Close()
	return c.file.Close()
}
