// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
)

// snapshotPagesPerStep bounds how many pages one backup step copies
// before checking ctx.
const snapshotPagesPerStep = 256

// Snapshot copies the database to a new file at path with the SQLite
// online backup API. The copy is consistent as of one committed
// write; writes proceed while it runs.
func (s *Store) Snapshot(ctx context.Context, path string) (err error) {
	source, err := s.takeReader(ctx)
	if err != nil {
		return err
	}
	defer s.readers.Put(source)

	destination, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return fmt.Errorf("datastore: opening snapshot %s: %w", path, err)
	}
	defer func() {
		if closeErr := destination.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("datastore: closing snapshot %s: %w", path, closeErr)
		}
	}()

	backup, err := sqlite.NewBackup(destination, "main", source, "main")
	if err != nil {
		return fmt.Errorf("datastore: starting snapshot: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			backup.Close()
			return err
		}
		more, err := backup.Step(snapshotPagesPerStep)
		if err != nil {
			backup.Close()
			return fmt.Errorf("datastore: copying snapshot: %w", err)
		}
		if !more {
			break
		}
	}
	if err := backup.Close(); err != nil {
		return fmt.Errorf("datastore: finishing snapshot: %w", err)
	}
	s.logger.Info("datastore snapshot written", "path", path)
	return nil
}
