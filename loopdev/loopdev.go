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

// Package loopdev implements domain.LoopStatusIface over the real
// LOOP_GET_STATUS64 ioctl, one of the two operations this daemon issues
// directly against the kernel rather than shelling out (the other is
// RequestSyncAction's direct sysfs write).
package loopdev

import (
	"bytes"
	"os"

	"golang.org/x/sys/unix"
)

type Ctl struct{}

func New() *Ctl { return &Ctl{} }

func (c *Ctl) Exists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeDevice != 0
}

// BackingFileName issues LOOP_GET_STATUS64 against path and returns the
// kernel's lo_file_name, trimmed at the first NUL the way a C string would
// be read.
func (c *Ctl) BackingFileName(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := unix.IoctlLoopGetStatus64(int(f.Fd()))
	if err != nil {
		return nil, err
	}

	raw := info.File_name[:]
	if n := bytes.IndexByte(raw, 0); n >= 0 {
		raw = raw[:n]
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}
