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

package cleanup

import (
	"bytes"
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/storkd/storkd/domain"
	"github.com/storkd/storkd/sysfs"
)

// mediaRoot is the conventional prefix an auto-created mount point must
// live under, so a corrupted journal entry can never cause an arbitrary
// directory to be removed.
const mediaRoot = "/media"

// isUnderMediaRoot reports whether mountPoint is actually contained by
// mediaRoot, resolving it through sysfs.Join rather than trusting a bare
// string prefix: a journal entry like "/media/x/../../etc" passes a naive
// strings.HasPrefix(mountPoint, mediaRoot) check but does not stay under
// mediaRoot once ".." is resolved. sysfs.Join clamps the join to root, so
// comparing its result against mountPoint catches the escape attempt.
func isUnderMediaRoot(mountPoint string) bool {
	if mountPoint != mediaRoot && !strings.HasPrefix(mountPoint, mediaRoot+"/") {
		return false
	}
	safe, err := sysfs.Join(mediaRoot, strings.TrimPrefix(mountPoint, mediaRoot))
	if err != nil {
		return false
	}
	return safe == mountPoint
}

// raidBookkeepingPrefix marks a mounted-fs entry that isn't really a
// filesystem mount at all: raid.Manager.Start reuses this journal to
// record which uid started a RAID array's block device, keyed by device
// rather than by mount point since there is no mount point to key by.
// validateMountedFs must not ask the mount monitor about a key that was
// never a path.
const raidBookkeepingPrefix = "raid-device:"

// RaidBookkeepingKey returns the synthetic mounted-fs journal key raid
// operations use to record who started an array's block device.
func RaidBookkeepingKey(dev domain.DevT) string {
	return raidBookkeepingPrefix + devKey(dev)
}

// validateMountedFs reports whether a mounted-fs entry is still valid
// (should be kept). Called with e.mu already held by RunOnce.
//
// There is no separate "do not clean up" flag: a record that fails to
// decode makes the journal listing fail, and RunOnce then skips the whole
// mounted-fs phase; every record that decodes and is judged invalid here
// is cleaned up.
func (e *Engine) validateMountedFs(mountPoint string, rec MountedFsRecord, devsToClean map[domain.DevT]struct{}) bool {
	if _, inflight := e.currentlyUnmounting[mountPoint]; inflight {
		return true
	}

	if strings.HasPrefix(mountPoint, raidBookkeepingPrefix) {
		if _, exists := e.registry.LookupByDevNum(rec.BlockDevice); !exists {
			return false
		}
		_, willClean := devsToClean[rec.BlockDevice]
		return !willClean
	}

	info, mounted, err := e.mounts.MountedAt(mountPoint)
	if err != nil {
		logrus.WithError(err).WithField("mount_point", mountPoint).Warn("cleanup: failed querying mount state")
		return true
	}
	if !mounted || info.DevNum != rec.BlockDevice {
		return false
	}
	if _, exists := e.registry.LookupByDevNum(rec.BlockDevice); !exists {
		return false
	}
	if _, willClean := devsToClean[rec.BlockDevice]; willClean {
		return false
	}
	return true
}

func (e *Engine) discardMountedFs(ctx context.Context, mountPoint string, rec MountedFsRecord) {
	log := logrus.WithFields(logrus.Fields{"mount_point": mountPoint, "block_device": rec.BlockDevice})

	if strings.HasPrefix(mountPoint, raidBookkeepingPrefix) {
		if err := e.store.Remove(domain.ScopeDurable, domain.JournalMountedFs, mountPoint); err != nil {
			log.WithError(err).Error("cleanup: failed removing raid-device bookkeeping entry")
		}
		return
	}

	if info, mounted, err := e.mounts.MountedAt(mountPoint); err == nil && mounted && info.DevNum == rec.BlockDevice {
		if _, err := e.jobs.Run(ctx, "umount", "-l", mountPoint); err != nil {
			log.WithError(err).Warn("cleanup: lazy unmount failed, reinstating entry for retry")
			return
		}
	}

	if !rec.FstabMount && domain.FileExists(mountPoint) {
		if !isUnderMediaRoot(mountPoint) {
			log.Warn("cleanup: refusing to rmdir mount point outside " + mediaRoot)
		} else if _, err := e.jobs.Run(ctx, "rmdir", mountPoint); err != nil {
			log.WithError(err).Warn("cleanup: rmdir of auto-created mount point failed, reinstating entry for retry")
			return
		}
	}

	if err := e.store.Remove(domain.ScopeDurable, domain.JournalMountedFs, mountPoint); err != nil {
		log.WithError(err).Error("cleanup: failed removing mounted-fs entry")
	}
}

// validateUnlockedLuks reports whether an unlocked-luks entry is still
// valid. dm/uuid is compared after trimming trailing NUL bytes on both
// sides, since some kernels pad the sysfs read.
func (e *Engine) validateUnlockedLuks(key domain.DevT, rec UnlockedLuksRecord) bool {
	if _, inflight := e.currentlyLocking[key]; inflight {
		return true
	}

	cleartext, exists := e.registry.LookupByDevNum(rec.CleartextDevice)
	if !exists {
		return false
	}

	liveUUID, err := e.sysFS.ReadAttr(cleartext.SysfsPath + "/dm/uuid")
	if err != nil {
		return false
	}
	if !bytes.Equal(trimNUL(liveUUID), trimNUL(rec.DmUuid)) {
		return false
	}

	if _, exists := e.registry.LookupByDevNum(rec.CryptoDevice); !exists {
		return false
	}

	return true
}

func trimNUL(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}

func (e *Engine) discardUnlockedLuks(ctx context.Context, key domain.DevT, rec UnlockedLuksRecord) {
	log := logrus.WithField("cleartext_device", key)

	if info, exists := e.registry.LookupByDevNum(rec.CleartextDevice); exists {
		if _, err := e.jobs.Run(ctx, "cryptsetup", "luksClose", info.DevicePath); err != nil {
			log.WithError(err).Warn("cleanup: luksClose failed, reinstating entry for retry")
			return
		}
	} else {
		log.Debug("cleanup: cleartext device already gone, nothing to close")
	}

	if err := e.store.Remove(domain.ScopeVolatile, domain.JournalUnlockedLuks, devKey(key)); err != nil {
		log.WithError(err).Error("cleanup: failed removing unlocked-luks entry")
	}
}

// validateLoop reports whether a loop entry is still valid: the path is
// still a loop device, LOOP_GET_STATUS64 succeeds, the kernel's truncated
// backing-file name matches the recorded one, the backing file's device
// still exists, and at least one mount exists on top of it.
func (e *Engine) validateLoop(loopPath string, rec LoopRecord) bool {
	if _, inflight := e.currentlyDeleting[loopPath]; inflight {
		return true
	}

	if !e.loops.Exists(loopPath) {
		return false
	}
	liveName, err := e.loops.BackingFileName(loopPath)
	if err != nil {
		return false
	}
	if !bytes.Equal(liveName, domain.TruncateLoopName(rec.BackingFile)) {
		return false
	}
	if _, exists := e.registry.LookupByDevNum(rec.BackingFileDevice); !exists {
		return false
	}
	mounted, err := e.mounts.MountsOn(rec.BackingFileDevice)
	if err != nil || !mounted {
		return false
	}
	return true
}

func (e *Engine) discardLoop(ctx context.Context, loopPath string, rec LoopRecord) {
	log := logrus.WithField("loop_device", loopPath)

	if e.loops.Exists(loopPath) {
		if _, err := e.jobs.Run(ctx, "losetup", "-d", loopPath); err != nil {
			log.WithError(err).Warn("cleanup: losetup -d failed, reinstating entry for retry")
			return
		}
	} else {
		log.Debug("cleanup: loop device already detached, nothing to do")
	}

	if err := e.store.Remove(domain.ScopeVolatile, domain.JournalLoop, loopPath); err != nil {
		log.WithError(err).Error("cleanup: failed removing loop entry")
	}
}
