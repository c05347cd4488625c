// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

// Package localstore persists the last trusted metadata between runs.
// Saves are atomic per file: a reader either sees the previous complete
// file or the new complete file, never a partial write. Concurrent
// writers sharing one directory are the caller's problem to lock.
package localstore

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
)

// ErrAbsent reports that no copy of the requested role is stored.
var ErrAbsent = errors.New("no local metadata for role")

// LocalStore is the engine's cache of trusted metadata by role name.
type LocalStore interface {
	// Load returns the stored bytes for a role, or ErrAbsent.
	Load(roleName string) ([]byte, error)
	// Save atomically replaces the stored bytes for a role.
	Save(roleName string, data []byte) error
	// Delete removes the stored bytes for a role, if any.
	Delete(roleName string) error
}

// FileStore keeps one <role>.json file per role under a base directory.
type FileStore struct {
	baseDir string
}

// NewFileStore opens (creating if needed) a metadata cache directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	fi, err := os.Stat(baseDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if err := os.MkdirAll(baseDir, 0750); err != nil {
			return nil, err
		}
		return &FileStore{baseDir: baseDir}, nil
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("cannot open %s, not a directory", baseDir)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) Load(roleName string) ([]byte, error) {
	data, err := os.ReadFile(f.path(roleName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAbsent, roleName)
		}
		return nil, err
	}
	return data, nil
}

// Save writes to a temporary file in the destination directory and
// renames it over the target, so a crash mid-write never leaves a
// corrupt file readable as trusted.
func (f *FileStore) Save(roleName string, data []byte) error {
	tmp, err := os.CreateTemp(f.baseDir, "trustmeta_tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0640); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path(roleName)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (f *FileStore) Delete(roleName string) error {
	err := os.Remove(f.path(roleName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// path maps a role name to its file, URL escaping the name since
// delegated role names are repository controlled.
func (f *FileStore) path(roleName string) string {
	return filepath.Join(f.baseDir, fmt.Sprintf("%s.json", url.QueryEscape(roleName)))
}
