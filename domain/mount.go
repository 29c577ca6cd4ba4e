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

// MountInfo reveals what is mounted where, sourced from a
// /proc/self/mountinfo-shaped snapshot (see man 5 proc).
type MountInfo struct {
	MountID    int
	DevNum     DevT
	MountPoint string
	FsType     string
	Source     string
}

// MountMonitorIface snapshots current mount state.
type MountMonitorIface interface {
	// MountedAt reports whether a filesystem is currently mounted at
	// mountPoint, and if so, its details (including the device number).
	MountedAt(mountPoint string) (MountInfo, bool, error)
	// MountsOn reports whether any filesystem is currently mounted
	// anywhere on top of dev (used by the loop validity rule).
	MountsOn(dev DevT) (bool, error)
}
