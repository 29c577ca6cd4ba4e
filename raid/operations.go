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

package raid

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/storkd/storkd/cleanup"
	"github.com/storkd/storkd/domain"
	"github.com/storkd/storkd/state"
)

// startTimeout bounds how long Start waits for the assembled array's block
// object to appear.
const startTimeout = 10 * time.Second

// Manager implements the seven RAID operations, sharing one skeleton:
// resolve the array, fetch the caller's uid, check preconditions,
// authorize, run the command, apply post-conditions.
type Manager struct {
	DB       *state.ArrayDB
	Jobs     domain.JobRunnerIface
	SysFS    domain.SysfsWriterIface
	Registry domain.BlockRegistryIface
	Cleanup  *cleanup.Engine
	Auth     domain.AuthorizerIface
	Caller   domain.CallerIface
}

func NewManager(db *state.ArrayDB, jobs domain.JobRunnerIface, sysFS domain.SysfsWriterIface, registry domain.BlockRegistryIface, cl *cleanup.Engine, auth domain.AuthorizerIface, caller domain.CallerIface) *Manager {
	return &Manager{DB: db, Jobs: jobs, SysFS: sysFS, Registry: registry, Cleanup: cl, Auth: auth, Caller: caller}
}

func (m *Manager) resolveArray(uuid string) (*domain.RAIDArray, error) {
	array, ok := m.DB.Get(uuid)
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "no RAID array known with uuid %q", uuid)
	}
	return array, nil
}

func (m *Manager) callerUID(ctx context.Context) (uint32, error) {
	uid, err := m.Caller.Uid(ctx)
	if err != nil {
		return 0, domain.WrapError(domain.CodeFailed, err, "resolving caller uid")
	}
	return uid, nil
}

// startedByUID is the caller-uid shortcut rule: the uid that started the
// array's block device, looked up by device number in the mounted-fs
// journal's raid-bookkeeping entry. If no array device is present, or no
// entry exists, it is treated as uid 0 (root).
func (m *Manager) startedByUID(array *domain.RAIDArray) uint32 {
	if array.ArrayObject == "" {
		return 0
	}
	info, ok := m.Registry.LookupByObjectID(array.ArrayObject)
	if !ok {
		return 0
	}
	rec, found, err := m.Cleanup.FindMountedFsByDevice(info.DevNum)
	if err != nil || !found {
		return 0
	}
	return rec.MountedByUid
}

// authorize checks uid against action, allowing the caller who started
// this array's device to skip the interactive prompt (but not the check
// itself — root's outright bypass lives in the Authorizer implementation).
func (m *Manager) authorize(ctx context.Context, array *domain.RAIDArray, action domain.Action, uid uint32) error {
	allowInteraction := uid != m.startedByUID(array)
	return m.Auth.CheckAuthorization(ctx, action, uid, allowInteraction)
}

func (m *Manager) arrayDevice(array *domain.RAIDArray) (domain.BlockInfo, bool) {
	if array.ArrayObject == "" {
		return domain.BlockInfo{}, false
	}
	return m.Registry.LookupByObjectID(array.ArrayObject)
}

// Start assembles array from its known members.
func (m *Manager) Start(ctx context.Context, uuid string, opts domain.OperationOptions) error {
	array, err := m.resolveArray(uuid)
	if err != nil {
		return err
	}
	uid, err := m.callerUID(ctx)
	if err != nil {
		return err
	}

	if _, running := m.arrayDevice(array); running {
		return domain.NewError(domain.CodeFailed, "RAID Array is already running")
	}
	if len(array.KnownMembers) == 0 {
		return domain.NewError(domain.CodeInvalidArgument, "no member devices available to assemble")
	}

	// Start always requires authorization — there is no "started by" uid
	// yet to grant a shortcut against.
	if err := m.Auth.CheckAuthorization(ctx, domain.ActionManageMDRaid, uid, true); err != nil {
		return err
	}

	args := []string{"--assemble"}
	if opts.StartDegraded {
		args = append(args, "--run")
	}
	args = append(args, "--scan", "--uuid", array.UUID)
	if _, err := m.Jobs.Run(ctx, "mdadm", args...); err != nil {
		return err
	}

	info, err := m.awaitArrayDevice(ctx, array)
	if err != nil {
		return err
	}

	array.ArrayObject = info.ObjectID
	if err := m.Cleanup.AddMountedFs(domain.MountedFsRecord{
		MountPoint:   cleanup.RaidBookkeepingKey(info.DevNum),
		BlockDevice:  info.DevNum,
		MountedByUid: uid,
	}); err != nil {
		logrus.WithError(err).WithField("uuid", uuid).Warn("raid start: failed recording mounted-fs bookkeeping entry")
	}

	return nil
}

// awaitArrayDevice polls the block registry for up to startTimeout for the
// newly-assembled array's device to appear. The registry convention this
// daemon uses is that a RAID array's block object id equals its uuid —
// whatever udev layer populates the registry is expected to register the
// new /dev/mdX node under that identity.
func (m *Manager) awaitArrayDevice(ctx context.Context, array *domain.RAIDArray) (domain.BlockInfo, error) {
	id := domain.ObjectID(array.UUID)
	deadline := time.Now().Add(startTimeout)

	for {
		if info, ok := m.Registry.LookupByObjectID(id); ok {
			return info, nil
		}
		if time.Now().After(deadline) {
			return domain.BlockInfo{}, domain.NewError(domain.CodeTimeout, "timed out waiting for RAID array block device to appear")
		}
		select {
		case <-ctx.Done():
			return domain.BlockInfo{}, domain.NewError(domain.CodeCancelled, "start cancelled")
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Stop stops a running array. Authorization denial returns early without
// invoking mdadm; a granted authorization always runs the stop.
func (m *Manager) Stop(ctx context.Context, uuid string, opts domain.OperationOptions) error {
	array, err := m.resolveArray(uuid)
	if err != nil {
		return err
	}
	uid, err := m.callerUID(ctx)
	if err != nil {
		return err
	}

	info, running := m.arrayDevice(array)
	if !running {
		return domain.NewError(domain.CodeFailed, "array device not present")
	}

	if err := m.authorize(ctx, array, domain.ActionManageMDRaid, uid); err != nil {
		return err
	}

	if _, err := m.Jobs.Run(ctx, "mdadm", "--stop", info.DevicePath); err != nil {
		return err
	}

	array.ArrayObject = ""
	return nil
}

// AddMember adds memberObj to array as a new member device.
func (m *Manager) AddMember(ctx context.Context, uuid string, memberObj domain.ObjectID, opts domain.OperationOptions) error {
	array, err := m.resolveArray(uuid)
	if err != nil {
		return err
	}
	uid, err := m.callerUID(ctx)
	if err != nil {
		return err
	}

	info, running := m.arrayDevice(array)
	if !running {
		return domain.NewError(domain.CodeFailed, "array device not present")
	}
	member, ok := m.Registry.LookupByObjectID(memberObj)
	if !ok {
		return domain.NewError(domain.CodeNotFound, "member object %q does not resolve to a block device", memberObj)
	}

	if err := m.authorize(ctx, array, domain.ActionManageMDRaid, uid); err != nil {
		return err
	}

	_, err = m.Jobs.Run(ctx, "mdadm", "--manage", info.DevicePath, "--add", member.DevicePath)
	return err
}

// RemoveMember removes memberObj from array.
func (m *Manager) RemoveMember(ctx context.Context, uuid string, memberObj domain.ObjectID, opts domain.OperationOptions) error {
	array, err := m.resolveArray(uuid)
	if err != nil {
		return err
	}
	uid, err := m.callerUID(ctx)
	if err != nil {
		return err
	}

	info, running := m.arrayDevice(array)
	if !running {
		return domain.NewError(domain.CodeFailed, "array device not present")
	}

	var active *domain.ActiveMember
	for i := range array.ActiveDevs {
		if array.ActiveDevs[i].ObjectID == memberObj {
			active = &array.ActiveDevs[i]
			break
		}
	}
	if active == nil {
		return domain.NewError(domain.CodeNotFound, "object %q is not a known member of this array", memberObj)
	}

	member, ok := m.Registry.LookupByObjectID(memberObj)
	if !ok {
		return domain.NewError(domain.CodeNotFound, "member object %q does not resolve to a block device", memberObj)
	}

	if err := m.authorize(ctx, array, domain.ActionManageMDRaid, uid); err != nil {
		return err
	}

	if active.HasFlag("in_sync") {
		if _, err := m.Jobs.Run(ctx, "mdadm", "--manage", info.DevicePath, "--set-faulty", member.DevicePath); err != nil {
			return err
		}
	}
	if _, err := m.Jobs.Run(ctx, "mdadm", "--manage", info.DevicePath, "--remove", member.DevicePath); err != nil {
		return err
	}
	if opts.Wipe {
		if _, err := m.Jobs.Run(ctx, "wipefs", "-a", member.DevicePath); err != nil {
			return err
		}
	}
	return nil
}

// SetBitmapLocation changes array's write-intent bitmap location,
// returning its own result independent of any other operation.
func (m *Manager) SetBitmapLocation(ctx context.Context, uuid string, value domain.BitmapLocation, opts domain.OperationOptions) error {
	if value != domain.BitmapNone && value != domain.BitmapInternal {
		return domain.NewError(domain.CodeInvalidArgument, "bitmap location must be %q or %q, got %q", domain.BitmapNone, domain.BitmapInternal, value)
	}

	array, err := m.resolveArray(uuid)
	if err != nil {
		return err
	}
	uid, err := m.callerUID(ctx)
	if err != nil {
		return err
	}

	info, running := m.arrayDevice(array)
	if !running {
		return domain.NewError(domain.CodeFailed, "array device not present")
	}

	if err := m.authorize(ctx, array, domain.ActionManageMDRaid, uid); err != nil {
		return err
	}

	_, err = m.Jobs.Run(ctx, "mdadm", "--grow", info.DevicePath, "--bitmap", string(value))
	return err
}

// RequestSyncAction writes directly to the array's md/sync_action sysfs
// attribute, the one deliberate exception to the job-runner-only rule.
// Writing "idle" cancels an in-progress check/repair rather than merely
// representing the resting state.
func (m *Manager) RequestSyncAction(ctx context.Context, uuid string, action domain.SyncAction, opts domain.OperationOptions) error {
	switch action {
	case domain.SyncActionCheck, domain.SyncActionRepair, domain.SyncActionIdle:
	default:
		return domain.NewError(domain.CodeInvalidArgument, "sync action must be one of check, repair, idle, got %q", action)
	}

	array, err := m.resolveArray(uuid)
	if err != nil {
		return err
	}
	uid, err := m.callerUID(ctx)
	if err != nil {
		return err
	}

	info, running := m.arrayDevice(array)
	if !running {
		return domain.NewError(domain.CodeFailed, "array device not present")
	}

	if err := m.authorize(ctx, array, domain.ActionManageMDRaid, uid); err != nil {
		return err
	}

	if err := m.SysFS.WriteAttr(info.SysfsPath+"/md/sync_action", []byte(action)); err != nil {
		return domain.WrapError(domain.CodeFailed, err, "writing sync_action")
	}
	return nil
}

// Delete tears down array entirely: stop if running, then wipefs of every
// known member (ActiveDevs and KnownMembers). With TearDown on a running
// array it also removes the array's mounted-fs bookkeeping entry; nothing
// mounted on or opened over the array's block device is unmounted or
// closed.
func (m *Manager) Delete(ctx context.Context, uuid string, opts domain.OperationOptions) error {
	array, err := m.resolveArray(uuid)
	if err != nil {
		return err
	}
	uid, err := m.callerUID(ctx)
	if err != nil {
		return err
	}

	action := domain.ActionManageMDRaid
	if opts.TearDown {
		action = domain.ActionModifySystemConfig
	}
	if err := m.authorize(ctx, array, action, uid); err != nil {
		return err
	}

	var members []domain.ObjectID
	seen := make(map[domain.ObjectID]bool)
	for _, active := range array.ActiveDevs {
		if !seen[active.ObjectID] {
			seen[active.ObjectID] = true
			members = append(members, active.ObjectID)
		}
	}
	for _, id := range array.KnownMembers {
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}

	if opts.TearDown {
		if info, running := m.arrayDevice(array); running {
			if rec, found, err := m.Cleanup.FindMountedFsByDevice(info.DevNum); err == nil && found {
				if err := m.Cleanup.RemoveMountedFs(rec.MountPoint); err != nil {
					logrus.WithError(err).WithField("uuid", uuid).Warn("raid delete: failed removing mounted-fs bookkeeping entry")
				}
			}
		} else {
			// No block device present: no child configuration (an
			// fstab/crypttab entry) exists for mdadm arrays, so there is
			// no record to drop here.
			logrus.WithField("uuid", uuid).Debug("raid delete: tear-down requested but array is not running, nothing to unwind")
		}
	}

	if info, running := m.arrayDevice(array); running {
		if _, err := m.Jobs.Run(ctx, "mdadm", "--stop", info.DevicePath); err != nil {
			return err
		}
		array.ArrayObject = ""
	}

	for _, id := range members {
		info, ok := m.Registry.LookupByObjectID(id)
		if !ok {
			logrus.WithField("object_id", id).Warn("raid delete: member no longer resolves, skipping wipefs")
			continue
		}
		if _, err := m.Jobs.Run(ctx, "wipefs", "-a", info.DevicePath); err != nil {
			logrus.WithError(err).WithField("object_id", id).Warn("raid delete: wipefs failed for member")
		}
	}

	m.DB.Remove(uuid)
	return nil
}
