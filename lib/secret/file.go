// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ReadFile loads a secret file into a Buffer, trimming surrounding
// whitespace.
func ReadFile(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer Zero(data)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}
	return FromBytes(trimmed)
}

// LoadOrCreate reads path, or when it does not exist calls generate
// and writes the result with mode 0600 before loading it. Secret files
// are text: generate must not return material with surrounding
// whitespace, which ReadFile trims.
func LoadOrCreate(path string, generate func() ([]byte, error)) (*Buffer, error) {
	buffer, err := ReadFile(path)
	if err == nil {
		return buffer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	material, err := generate()
	if err != nil {
		return nil, fmt.Errorf("secret: generating %s: %w", path, err)
	}
	defer Zero(material)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ReadFile(path)
		}
		return nil, fmt.Errorf("secret: %w", err)
	}
	if _, err := file.Write(append(material, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("secret: writing %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("secret: syncing %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return ReadFile(path)
}
