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

// Package sysfs reads and writes the sysfs attribute files the RAID
// reconciler depends on. afero.Fs provides the production/testing seam,
// standing in for a real OS filesystem vs an in-memory one, so reconciler
// tests can build a fake "/sys/block/mdX/md/..." tree without touching the
// host.
package sysfs

import (
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/karrick/godirwalk"
	"github.com/spf13/afero"
)

// Reader reads/writes sysfs attribute files. The zero value is not usable;
// use New or NewOS.
type Reader struct {
	fs afero.Fs
}

// New builds a Reader over an arbitrary afero.Fs, for tests.
func New(afs afero.Fs) *Reader {
	if afs == nil {
		afs = afero.NewOsFs()
	}
	return &Reader{fs: afs}
}

// NewOS builds a Reader over the real host filesystem.
func NewOS() *Reader {
	return New(afero.NewOsFs())
}

// Exists reports whether path is present.
func (r *Reader) Exists(path string) bool {
	_, err := r.fs.Stat(path)
	return err == nil
}

// ReadAttr reads the raw bytes of a sysfs attribute file. Sysfs attribute
// files must never be cached by the caller — every call re-reads from the
// backing fs.
func (r *Reader) ReadAttr(path string) ([]byte, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Sysfs attribute files report a size of 0/4096 regardless of their
	// real content and don't support seeking meaningfully past EOF
	// detection, so a bounded ReadAll is used rather than trusting Stat.
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		n, err := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
	return buf, nil
}

// ReadTrimmed reads a sysfs attribute and trims surrounding whitespace, the
// shape almost every single-line sysfs file needs (sync_action,
// sync_completed, bitmap/location, state, ...).
func (r *Reader) ReadTrimmed(path string) (string, error) {
	b, err := r.ReadAttr(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// WriteAttr writes data to a sysfs attribute file. Implements
// domain.SysfsWriterIface for RequestSyncAction: a direct write, never
// routed through the job runner.
func (r *Reader) WriteAttr(path string, data []byte) error {
	f, err := r.fs.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return &shortWriteError{path: path, wrote: n, want: len(data)}
	}
	return nil
}

type shortWriteError struct {
	path  string
	wrote int
	want  int
}

func (e *shortWriteError) Error() string {
	return "short sysfs write to " + e.path
}

// Readlink returns the target of the symlink at path (e.g.
// md/dev-*/block) as the link stores it; a relative target is returned
// as is, not joined onto path. Backends without symlink support fail.
func (r *Reader) Readlink(path string) (string, error) {
	lr, ok := r.fs.(afero.LinkReader)
	if !ok {
		return "", &os.PathError{Op: "readlink", Path: path, Err: os.ErrInvalid}
	}
	return lr.ReadlinkIfPossible(path)
}

// ReadDirNames lists entry names directly under dir, in the underlying
// fs's iteration order (callers that need a stable order, like the RAID
// reconciler's md/dev-* enumeration, must sort explicitly — directory
// order is never a stability guarantee).
//
// On the real OS filesystem this uses godirwalk's scandir, which avoids the
// extra per-entry Lstat that os.ReadDir performs; other backends (e.g. the
// afero in-memory fs used by tests) fall back to afero.ReadDir.
func (r *Reader) ReadDirNames(dir string) ([]string, error) {
	if _, ok := r.fs.(*afero.OsFs); ok {
		scanner, err := godirwalk.NewScanner(dir)
		if err != nil {
			return nil, err
		}
		var names []string
		for scanner.Scan() {
			dirent, err := scanner.Dirent()
			if err != nil {
				return nil, err
			}
			names = append(names, dirent.Name())
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return names, nil
	}

	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Join safely joins root with a relative, possibly attacker-influenced
// path component (e.g. a mount point read out of a journal record)
// without escaping root via "..". Used by cleanup's mediaRoot safety
// check before any rmdir of an auto-created mount point.
func Join(root string, parts ...string) (string, error) {
	rel := filepath.Join(parts...)
	return securejoin.SecureJoin(root, rel)
}

