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

package domain

// LoopNameMax is LO_NAME_SIZE-1: the kernel's per-loop lo_file_name field
// holds only this many usable bytes.
const LoopNameMax = 63

// LoopStatusIface is the ioctl boundary (LOOP_GET_STATUS64) the cleanup
// engine's loop-entry validator consults.
type LoopStatusIface interface {
	// Exists reports whether path is currently a loop block device node.
	Exists(path string) bool
	// BackingFileName returns the kernel's recorded backing-file name for
	// the loop device at path (NUL-terminated C-string semantics already
	// applied: no embedded/trailing NULs).
	BackingFileName(path string) ([]byte, error)
}

// TruncateLoopName truncates a recorded backing-file name to LoopNameMax
// bytes, the same limit the kernel itself applies, so comparisons against
// BackingFileName are apples-to-apples.
func TruncateLoopName(b []byte) []byte {
	if len(b) <= LoopNameMax {
		return b
	}
	return b[:LoopNameMax]
}
