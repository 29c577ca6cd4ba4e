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

// Package mountmon is the mount-table collaborator: "is this block device
// currently mounted, and where." Rather than hand-parsing
// /proc/self/mountinfo, this implementation is a thin wrapper over
// moby/sys/mountinfo, which already ships a maintained parser for that
// exact file.
package mountmon

import (
	"golang.org/x/sys/unix"

	"github.com/moby/sys/mountinfo"

	"github.com/storkd/storkd/domain"
)

// Monitor implements domain.MountMonitorIface by re-parsing
// /proc/self/mountinfo on every call. The mount table changes rarely
// enough, and the cleanup engine's reconciliation pass runs infrequently
// enough, that there is no value in caching it between calls — a cache
// would just be one more thing that could go stale.
type Monitor struct{}

func New() *Monitor {
	return &Monitor{}
}

// MountedAt reports whether something is mounted at mountPoint, and if
// so, the device number of what's mounted there.
func (m *Monitor) MountedAt(mountPoint string) (domain.MountInfo, bool, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(mountPoint))
	if err != nil {
		return domain.MountInfo{}, false, err
	}
	if len(mounts) == 0 {
		return domain.MountInfo{}, false, nil
	}
	return toDomainInfo(mounts[0]), true, nil
}

// MountsOn reports whether any mount point currently has dev as its
// backing device — used by the cleanup engine's loop-entry validator to
// decide whether a loop device backed by a deleted/replaced file is still
// in active use.
func (m *Monitor) MountsOn(dev domain.DevT) (bool, error) {
	major, minor := devMajorMinor(dev)
	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		if uint32(info.Major) == major && uint32(info.Minor) == minor {
			return false, true
		}
		return true, false
	})
	if err != nil {
		return false, err
	}
	return len(mounts) > 0, nil
}

func toDomainInfo(info *mountinfo.Info) domain.MountInfo {
	return domain.MountInfo{
		MountID:    info.ID,
		DevNum:     domain.DevT(unix.Mkdev(uint32(info.Major), uint32(info.Minor))),
		MountPoint: info.Mountpoint,
		FsType:     info.FSType,
		Source:     info.Source,
	}
}

func devMajorMinor(dev domain.DevT) (uint32, uint32) {
	return unix.Major(uint64(dev)), unix.Minor(uint64(dev))
}
