// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by reads from a closed Buffer.
var ErrClosed = errors.New("secret: buffer closed")

// Buffer is sensitive data in mmap memory. It must not be copied.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// FromBytes moves source into a new Buffer and zeroes source.
func FromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: empty source")
	}
	data, err := unix.Mmap(-1, 0, len(source), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}
	// mlock fails under a small RLIMIT_MEMLOCK; the region is still
	// excluded from dumps.
	locked := unix.Mlock(data) == nil

	copy(data, source)
	Zero(source)
	return &Buffer{data: data, locked: locked}, nil
}

// Use calls f with the secret bytes. f must not retain the slice.
func (b *Buffer) Use(f func(data []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return ErrClosed
	}
	return f(b.data)
}

// String copies the secret onto the heap. Only for APIs that demand a
// string.
func (b *Buffer) String() string {
	var copied string
	b.Use(func(data []byte) error {
		copied = string(data)
		return nil
	})
	return copied
}

// Locked reports whether the region is mlocked.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Close zeroes and unmaps the buffer. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil
	}
	Zero(b.data)
	if b.locked {
		unix.Munlock(b.data)
	}
	err := unix.Munmap(b.data)
	b.data = nil
	if err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	return nil
}

// Zero overwrites data with zero bytes.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
