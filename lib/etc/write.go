// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package etc

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Change kinds reported for a written file.
const (
	ChangeContents = "CONTENTS"
	ChangeUID      = "UID"
	ChangeGID      = "GID"
	ChangePerms    = "PERMS"
)

// writeIfChanged makes path hold content with the given mode and
// owner, and returns what it had to change. Nothing is written when
// the returned slice is empty.
func writeIfChanged(path string, content []byte, mode os.FileMode, owner Owner) ([]string, error) {
	var changes []string
	var current unix.Stat_t
	err := unix.Stat(path, &current)
	switch {
	case errors.Is(err, unix.ENOENT):
		changes = append(changes, ChangeContents)
	case err != nil:
		return nil, fmt.Errorf("etc: stat %s: %w", path, err)
	default:
		existing, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("etc: reading %s: %w", path, err)
		}
		if !bytes.Equal(existing, content) {
			changes = append(changes, ChangeContents)
		}
		if int(current.Uid) != owner.UID {
			changes = append(changes, ChangeUID)
		}
		if int(current.Gid) != owner.GID {
			changes = append(changes, ChangeGID)
		}
		if fs.FileMode(current.Mode)&fs.ModePerm != mode.Perm() {
			changes = append(changes, ChangePerms)
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}

	if changes[0] != ChangeContents {
		return changes, fixMetadata(path, mode, owner, changes)
	}
	return changes, atomicWrite(path, content, mode, owner)
}

// fixMetadata repairs ownership and mode in place.
func fixMetadata(path string, mode os.FileMode, owner Owner, changes []string) error {
	for _, change := range changes {
		switch change {
		case ChangeUID, ChangeGID:
			if err := os.Lchown(path, owner.UID, owner.GID); err != nil {
				return fmt.Errorf("etc: chown %s: %w", path, err)
			}
		case ChangePerms:
			if err := os.Chmod(path, mode.Perm()); err != nil {
				return fmt.Errorf("etc: chmod %s: %w", path, err)
			}
		}
	}
	return nil
}

// atomicWrite replaces path with content through a fsynced temporary
// file in the same directory.
func atomicWrite(path string, content []byte, mode os.FileMode, owner Owner) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("etc: creating %s: %w", dir, err)
	}
	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("etc: creating temporary file for %s: %w", path, err)
	}
	tempPath := temp.Name()
	committed := false
	defer func() {
		if !committed {
			temp.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := temp.Write(content); err != nil {
		return fmt.Errorf("etc: writing %s: %w", tempPath, err)
	}
	if err := temp.Chmod(mode.Perm()); err != nil {
		return fmt.Errorf("etc: chmod %s: %w", tempPath, err)
	}
	if err := temp.Chown(owner.UID, owner.GID); err != nil {
		return fmt.Errorf("etc: chown %s: %w", tempPath, err)
	}
	if err := temp.Sync(); err != nil {
		return fmt.Errorf("etc: fsync %s: %w", tempPath, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("etc: closing %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("etc: renaming %s into place: %w", path, err)
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("etc: opening %s: %w", dir, err)
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("etc: fsync %s: %w", dir, err)
	}
	return nil
}
