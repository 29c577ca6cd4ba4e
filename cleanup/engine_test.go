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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storkd/storkd/domain"
)

func TestRunOnce_DiscardsOrphanedMountedFsEntry(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	require.NoError(t, e.AddMountedFs(MountedFsRecord{MountPoint: "/media/gone", BlockDevice: 5}))

	require.NoError(t, e.RunOnce(context.Background()))

	_, found, err := e.FindMountedFs("/media/gone")
	require.NoError(t, err)
	assert.False(t, found, "a mount no longer present in the mount table must be discarded")
}

func TestRunOnce_KeepsStillMountedEntry(t *testing.T) {
	e, reg, mounts, _, _ := newTestEngine(t)
	reg.Register(domain.BlockInfo{ObjectID: "dev", DevNum: 5})
	mounts.mounted["/media/x"] = domain.MountInfo{DevNum: 5}
	require.NoError(t, e.AddMountedFs(MountedFsRecord{MountPoint: "/media/x", BlockDevice: 5}))

	require.NoError(t, e.RunOnce(context.Background()))

	_, found, err := e.FindMountedFs("/media/x")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunOnce_DiscardsOrphanedUnlockedLuksEntry(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	require.NoError(t, e.AddUnlockedLuks(UnlockedLuksRecord{CleartextDevice: 10, CryptoDevice: 20}))

	require.NoError(t, e.RunOnce(context.Background()))

	_, found, err := e.FindUnlockedLuks(10)
	require.NoError(t, err)
	assert.False(t, found, "an unresolved cleartext device must be discarded in phase 2")
}

func TestRunOnce_OrphanedLoopDiscardedAndCrossCleansMountedFs(t *testing.T) {
	e, reg, mounts, _, loops := newTestEngine(t)
	reg.Register(domain.BlockInfo{ObjectID: "backing", DevNum: 30})
	reg.Register(domain.BlockInfo{ObjectID: "loop-obj", DevicePath: "/dev/loop0", DevNum: 40})
	mounts.mounted["/media/loopmnt"] = domain.MountInfo{DevNum: 40}
	loops.exists["/dev/loop0"] = false // detached: invalid

	require.NoError(t, e.AddLoop(LoopRecord{LoopDevicePath: "/dev/loop0", BackingFileDevice: 30}))
	require.NoError(t, e.AddMountedFs(MountedFsRecord{MountPoint: "/media/loopmnt", BlockDevice: 40}))

	require.NoError(t, e.RunOnce(context.Background()))

	_, loopFound, err := e.FindLoop("/dev/loop0")
	require.NoError(t, err)
	assert.False(t, loopFound)

	_, mountFound, err := e.FindMountedFs("/media/loopmnt")
	require.NoError(t, err)
	assert.False(t, mountFound, "phase 1 must mark the loop's backing mount for cleanup even though it's still mounted")
}

// A loop device whose backing file still exists but has no mount left on
// it: the entry is invalid, and the still-attached device is detached
// with losetup -d.
func TestRunOnce_DetachesOrphanedLoopDevice(t *testing.T) {
	e, jobs, reg, _, _, loops := newTestEngineWithJobs(t)
	reg.Register(domain.BlockInfo{ObjectID: "backing", DevNum: domain.DevT(8<<8 | 1)})
	loops.exists["/dev/loop3"] = true
	loops.backing["/dev/loop3"] = []byte("/tmp/x.img")

	require.NoError(t, e.AddLoop(LoopRecord{
		LoopDevicePath:    "/dev/loop3",
		BackingFile:       []byte("/tmp/x.img"),
		BackingFileDevice: domain.DevT(8<<8 | 1),
		SetupByUid:        1000,
	}))

	require.NoError(t, e.RunOnce(context.Background()))

	require.Equal(t, 1, jobs.callCount())
	assert.Equal(t, []string{"losetup", "-d", "/dev/loop3"}, jobs.calls[0])

	_, found, err := e.FindLoop("/dev/loop3")
	require.NoError(t, err)
	assert.False(t, found)
}

// A filesystem mounted on top of an unlocked LUKS device whose crypto
// device was unplugged: phase 1 marks the cleartext device for cleanup,
// phase 2 unmounts the filesystem stacked on it before closing the
// mapping, and both journal entries end up removed.
func TestRunOnce_StackedLuksTeardownUnmountsBeforeClosing(t *testing.T) {
	e, jobs, reg, mounts, sysFS, _ := newTestEngineWithJobs(t)

	cleartext := domain.DevT(253<<8 | 0)
	reg.Register(domain.BlockInfo{
		ObjectID:   "dm-0",
		DevNum:     cleartext,
		SysfsPath:  "/sys/block/dm-0",
		DevicePath: "/dev/dm-0",
	})
	sysFS.attrs["/sys/block/dm-0/dm/uuid"] = []byte("CRYPT-LUKS2-abcd")
	mounts.mounted["/media/X"] = domain.MountInfo{DevNum: cleartext}

	// The crypto device (8,17) is deliberately absent from the registry.
	require.NoError(t, e.AddUnlockedLuks(UnlockedLuksRecord{
		CleartextDevice: cleartext,
		CryptoDevice:    domain.DevT(8<<8 | 17),
		DmUuid:          []byte("CRYPT-LUKS2-abcd"),
	}))
	require.NoError(t, e.AddMountedFs(MountedFsRecord{
		MountPoint:  "/media/X",
		BlockDevice: cleartext,
	}))

	require.NoError(t, e.RunOnce(context.Background()))

	var sawUmount, sawClose bool
	umountIdx, closeIdx := -1, -1
	for i, call := range jobs.calls {
		switch call[0] {
		case "umount":
			sawUmount = true
			umountIdx = i
			assert.Equal(t, []string{"umount", "-l", "/media/X"}, call)
		case "cryptsetup":
			sawClose = true
			closeIdx = i
			assert.Equal(t, []string{"cryptsetup", "luksClose", "/dev/dm-0"}, call)
		}
	}
	require.True(t, sawUmount, "the stacked filesystem must be lazily unmounted")
	require.True(t, sawClose, "the LUKS mapping must be closed")
	assert.Less(t, umountIdx, closeIdx, "unmount must happen before luksClose")

	_, found, err := e.FindMountedFs("/media/X")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = e.FindUnlockedLuks(cleartext)
	require.NoError(t, err)
	assert.False(t, found)
}

// Two consecutive passes over an unchanging environment: the second pass
// must neither mutate any journal nor run a single external command.
func TestRunOnce_QuiescentEnvironmentIsIdempotent(t *testing.T) {
	e, jobs, reg, mounts, _, _ := newTestEngineWithJobs(t)
	reg.Register(domain.BlockInfo{ObjectID: "dev", DevNum: 5})
	mounts.mounted["/media/x"] = domain.MountInfo{DevNum: 5}
	require.NoError(t, e.AddMountedFs(MountedFsRecord{MountPoint: "/media/x", BlockDevice: 5}))

	require.NoError(t, e.RunOnce(context.Background()))
	require.NoError(t, e.RunOnce(context.Background()))

	assert.Equal(t, 0, jobs.callCount(), "no commands may run over a quiescent environment")
	_, found, err := e.FindMountedFs("/media/x")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestKickStartStop_RunsAtLeastOnePass(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	require.NoError(t, e.AddMountedFs(MountedFsRecord{MountPoint: "/media/gone", BlockDevice: 5}))

	e.Start()
	e.Kick()

	require.Eventually(t, func() bool {
		_, found, err := e.FindMountedFs("/media/gone")
		return err == nil && !found
	}, time.Second, 5*time.Millisecond)

	e.Stop()
}

func TestIgnoreUnmount_SecondCallerIsRefused(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	assert.True(t, e.IgnoreUnmount("/media/x"))
	assert.False(t, e.IgnoreUnmount("/media/x"), "a second concurrent unmount of the same path must be refused")

	e.UnignoreUnmount("/media/x")
	assert.True(t, e.IgnoreUnmount("/media/x"), "once released, the path is claimable again")
}

func TestIgnoreLock_SecondCallerIsRefused(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	assert.True(t, e.IgnoreLock(10))
	assert.False(t, e.IgnoreLock(10))
	e.UnignoreLock(10)
	assert.True(t, e.IgnoreLock(10))
}

func TestIgnoreDelete_SecondCallerIsRefused(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	assert.True(t, e.IgnoreDelete("/dev/loop0"))
	assert.False(t, e.IgnoreDelete("/dev/loop0"))
	e.UnignoreDelete("/dev/loop0")
	assert.True(t, e.IgnoreDelete("/dev/loop0"))
}
