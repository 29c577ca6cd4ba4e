//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package store provides the one concrete domain.PersistentStoreIface: a
// JSON-file-per-record store split across a durable root (survives a host
// reboot) and a volatile root (survives only a daemon restart), matching
// the two Scope values journal entries are tagged with.
//
// The backing afero.Fs is swappable so tests run against an in-memory
// filesystem instead of touching the real disk.
package store

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/storkd/storkd/domain"
)

// FileStore implements domain.PersistentStoreIface. Each (scope,
// namespace, key) triple becomes one file under durableRoot or
// volatileRoot; the key is base64-encoded to keep arbitrary mount-point
// paths and dev_t strings filesystem-safe as a single path component.
type FileStore struct {
	fs           afero.Fs
	durableRoot  string
	volatileRoot string
}

// New returns a FileStore backed by the real filesystem, rooted at
// durableRoot (conventionally /var/lib/storkd) and volatileRoot
// (conventionally /run/storkd/state).
func New(durableRoot, volatileRoot string) *FileStore {
	return &FileStore{fs: afero.NewOsFs(), durableRoot: durableRoot, volatileRoot: volatileRoot}
}

// NewMem returns a FileStore backed by an in-memory filesystem, for tests.
func NewMem(durableRoot, volatileRoot string) *FileStore {
	return &FileStore{fs: afero.NewMemMapFs(), durableRoot: durableRoot, volatileRoot: volatileRoot}
}

func (s *FileStore) root(scope domain.Scope) string {
	if scope == domain.ScopeDurable {
		return s.durableRoot
	}
	return s.volatileRoot
}

func (s *FileStore) namespaceDir(scope domain.Scope, namespace string) string {
	return filepath.Join(s.root(scope), namespace)
}

func (s *FileStore) keyPath(scope domain.Scope, namespace, key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	return filepath.Join(s.namespaceDir(scope, namespace), name)
}

// Put writes value under (scope, namespace, key). The write goes to a
// temp file in the same directory followed by a rename, so a crash mid-write
// never leaves a truncated journal entry for the cleanup engine to trip
// over on the next reconciliation pass.
func (s *FileStore) Put(scope domain.Scope, namespace, key string, value []byte) error {
	dir := s.namespaceDir(scope, namespace)
	if err := s.fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("store: creating %s: %w", dir, err)
	}

	dest := s.keyPath(scope, namespace, key)
	tmp, err := afero.TempFile(s.fs, dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("store: creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("store: writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("store: closing %s: %w", tmpName, err)
	}
	if err := s.fs.Rename(tmpName, dest); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("store: renaming %s to %s: %w", tmpName, dest, err)
	}
	return nil
}

func (s *FileStore) Get(scope domain.Scope, namespace, key string) ([]byte, bool, error) {
	path := s.keyPath(scope, namespace, key)
	b, err := afero.ReadFile(s.fs, path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: reading %s: %w", path, err)
	}
	return b, true, nil
}

func (s *FileStore) Remove(scope domain.Scope, namespace, key string) error {
	path := s.keyPath(scope, namespace, key)
	err := s.fs.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStore) List(scope domain.Scope, namespace string) (map[string][]byte, error) {
	dir := s.namespaceDir(scope, namespace)
	entries, err := afero.ReadDir(s.fs, dir)
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", dir, err)
	}

	out := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || len(entry.Name()) >= 5 && entry.Name()[:5] == ".tmp-" {
			continue
		}
		key, err := base64.RawURLEncoding.DecodeString(entry.Name())
		if err != nil {
			continue
		}
		b, err := afero.ReadFile(s.fs, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("store: reading %s: %w", entry.Name(), err)
		}
		out[string(key)] = b
	}
	return out, nil
}
