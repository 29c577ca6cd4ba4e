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

// Package raid implements the per-array state reconciliation and the
// operations that drive mdadm/sysfs on behalf of bus clients.
package raid

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/storkd/storkd/domain"
	"github.com/storkd/storkd/sysfs"
)

// MemberDevice is one constituent device the caller (fed by the block
// registry) knows about for this array.
type MemberDevice struct {
	ObjectID domain.ObjectID
	Attrs    domain.DeviceAttrsIface
}

// ArrayDevice is the aggregate block device for this array, when present.
type ArrayDevice struct {
	ObjectID  domain.ObjectID
	SysfsPath string // e.g. "/sys/block/md0"
	Attrs     domain.DeviceAttrsIface
}

// ReconcileInput is everything Update needs beyond the array's own prior
// state: the collaborator-provided member list and optional array device.
type ReconcileInput struct {
	Members     []MemberDevice
	ArrayDevice *ArrayDevice
}

// Reconciler recomputes a RAIDArray's published properties from kernel
// state. It holds no per-array state of its own; all of it lives in the
// domain.RAIDArray passed to Update.
type Reconciler struct {
	SysFS    *sysfs.Reader
	Registry domain.BlockRegistryIface
}

func NewReconciler(sysFS *sysfs.Reader, registry domain.BlockRegistryIface) *Reconciler {
	return &Reconciler{SysFS: sysFS, Registry: registry}
}

// Update recomputes array's published properties in place and reports
// whether anything changed — the bus layer uses this to decide whether to
// emit a property-changed notification.
func (r *Reconciler) Update(array *domain.RAIDArray, in ReconcileInput) (bool, error) {
	if in.ArrayDevice == nil && len(in.Members) == 0 {
		logrus.WithField("uuid", array.UUID).Debug("raid reconcile: no array device and no members, skipping")
		return false, nil
	}

	before := array.Clone()

	r.resolveIdentity(array, in)

	array.ArrayObject = ""
	if in.ArrayDevice != nil {
		array.ArrayObject = in.ArrayDevice.ObjectID
	}

	known := make([]domain.ObjectID, 0, len(in.Members))
	for _, m := range in.Members {
		known = append(known, m.ObjectID)
	}
	sort.Slice(known, func(i, j int) bool { return known[i] < known[j] })
	array.KnownMembers = known

	array.SizeBytes = 0
	if in.ArrayDevice != nil {
		if sectors, err := r.readUint(in.ArrayDevice.SysfsPath + "/size"); err == nil {
			array.SizeBytes = sectors * 512
		} else {
			logrus.WithError(err).WithField("uuid", array.UUID).Warn("raid reconcile: failed reading size")
		}
	}

	hasRedundancy := array.HasRedundancy()
	hasStripes := array.HasStripes()

	array.Degraded = 0
	array.SyncAction = domain.SyncActionNone
	array.SyncFrac = 0
	array.SyncRate = 0
	array.SyncRemain = 0
	array.BitmapLoc = ""
	array.BitmapPath = ""
	array.ChunkBytes = 0

	if in.ArrayDevice != nil {
		mdRoot := in.ArrayDevice.SysfsPath + "/md"

		if hasRedundancy {
			if v, err := r.readUint(mdRoot + "/degraded"); err == nil {
				array.Degraded = int(v)
			}
			if s, err := r.SysFS.ReadTrimmed(mdRoot + "/sync_action"); err == nil && s != "" {
				array.SyncAction = domain.SyncAction(s)
			}
			syncCompleted, _ := r.SysFS.ReadTrimmed(mdRoot + "/sync_completed")
			r.applySyncCompleted(array, mdRoot, syncCompleted)

			loc, err := r.SysFS.ReadTrimmed(mdRoot + "/bitmap/location")
			if err == nil {
				array.BitmapLoc, array.BitmapPath = parseBitmapLocation(loc)
			}
		}

		if hasStripes {
			if v, err := r.readUint(mdRoot + "/chunk_size"); err == nil {
				array.ChunkBytes = v
			}
		}

		devs, err := r.readActiveDevices(mdRoot)
		if err != nil {
			logrus.WithError(err).WithField("uuid", array.UUID).Warn("raid reconcile: failed enumerating md/dev-*")
		}
		domain.SortActiveMembers(devs)
		array.ActiveDevs = devs

		checkDegradedConsistency(array)
	} else {
		array.ActiveDevs = nil
	}

	changed := !before.Equal(array)
	return changed, nil
}

func (r *Reconciler) resolveIdentity(array *domain.RAIDArray, in ReconcileInput) {
	// Member metadata persists even when the array is stopped, so it takes
	// priority over the array device's own attributes.
	if len(in.Members) > 0 {
		attrs := in.Members[0].Attrs
		if v, ok := attrs.Attr("MEMBER_UUID"); ok {
			array.UUID = v
		}
		if v, ok := attrs.Attr("MEMBER_LEVEL"); ok {
			array.Level = domain.Level(v)
		}
		if v, ok := attrs.Attr("MEMBER_NAME"); ok {
			array.Name = v
		}
		if v, ok := attrs.Attr("MEMBER_DEVICES"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				array.NumDevices = n
			}
		}
		return
	}

	if in.ArrayDevice == nil {
		return
	}
	attrs := in.ArrayDevice.Attrs
	if attrs == nil {
		return
	}
	if v, ok := attrs.Attr("UUID"); ok {
		array.UUID = v
	}
	if v, ok := attrs.Attr("LEVEL"); ok {
		array.Level = domain.Level(v)
	}
	if v, ok := attrs.Attr("NAME"); ok {
		array.Name = v
	}
	if v, ok := attrs.Attr("DEVICES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			array.NumDevices = n
		}
	}
}

func (r *Reconciler) readUint(path string) (uint64, error) {
	s, err := r.SysFS.ReadTrimmed(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

// applySyncCompleted parses the "<completed> / <total>" sectors format and
// derives the fraction and ETA. sync_completed == "none" (or unparseable)
// leaves the zeroed defaults Update already set, satisfying the invariant
// that fraction/remaining are 0 outside an active sync action.
func (r *Reconciler) applySyncCompleted(array *domain.RAIDArray, mdRoot, syncCompleted string) {
	if syncCompleted == "" || syncCompleted == "none" {
		return
	}

	parts := strings.SplitN(syncCompleted, "/", 2)
	if len(parts) != 2 {
		return
	}
	completed, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	total, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return
	}

	if total != 0 {
		array.SyncFrac = float64(completed) / float64(total)
	}

	rateKiB, err := r.readUint(mdRoot + "/sync_speed")
	if err != nil {
		return
	}
	rateBytesPerSec := rateKiB * 1024
	array.SyncRate = rateBytesPerSec

	if rateBytesPerSec > 0 {
		remainingSectors := total - completed
		array.SyncRemain = uint64(1e6) * remainingSectors * 512 / rateBytesPerSec
	}
}

func parseBitmapLocation(loc string) (domain.BitmapLocation, string) {
	switch {
	case loc == "" || loc == "none":
		return domain.BitmapNone, ""
	case loc == "internal" || strings.HasPrefix(loc, "internal"):
		return domain.BitmapInternal, ""
	default:
		return domain.BitmapLocation(loc), loc
	}
}

// readActiveDevices enumerates md/dev-* subdirectories of mdRoot, resolving
// each one's backing block device through the registry and reading its
// state/slot/errors attributes.
func (r *Reconciler) readActiveDevices(mdRoot string) ([]domain.ActiveMember, error) {
	names, err := r.SysFS.ReadDirNames(mdRoot)
	if err != nil {
		return nil, err
	}

	var members []domain.ActiveMember
	for _, name := range names {
		if !strings.HasPrefix(name, "dev-") {
			continue
		}
		devDir := mdRoot + "/" + name

		sysfsPath, err := r.SysFS.Readlink(devDir + "/block")
		if err != nil {
			continue
		}
		info, ok := r.Registry.LookupBySysfsPath(sysfsPath)
		if !ok {
			// Cold-plug race: the registry hasn't caught up yet. Not a
			// warning-worthy condition.
			continue
		}

		stateStr, _ := r.SysFS.ReadTrimmed(devDir + "/state")
		var flags []string
		for _, f := range strings.Split(stateStr, ",") {
			f = strings.TrimSpace(f)
			if f != "" {
				flags = append(flags, f)
			}
		}

		slot := -1
		if slotStr, err := r.SysFS.ReadTrimmed(devDir + "/slot"); err == nil && slotStr != "none" {
			if n, err := strconv.Atoi(slotStr); err == nil {
				slot = n
			}
		}

		var errCount uint64
		if errStr, err := r.SysFS.ReadTrimmed(devDir + "/errors"); err == nil {
			errCount, _ = strconv.ParseUint(errStr, 10, 64)
		}

		members = append(members, domain.ActiveMember{
			ObjectID:   info.ObjectID,
			Slot:       slot,
			StateFlags: flags,
			Errors:     errCount,
		})
	}

	return members, nil
}

// checkDegradedConsistency cross-checks the sysfs-reported degraded count
// against the number of active devices missing the in_sync flag. Never
// overrides the sysfs value — only logs.
func checkDegradedConsistency(array *domain.RAIDArray) {
	if !array.HasRedundancy() || len(array.ActiveDevs) == 0 {
		return
	}
	outOfSync := 0
	for _, m := range array.ActiveDevs {
		if !m.HasFlag("in_sync") {
			outOfSync++
		}
	}
	if outOfSync != array.Degraded {
		logrus.WithFields(logrus.Fields{
			"uuid":            array.UUID,
			"sysfs_degraded":  array.Degraded,
			"out_of_sync_cnt": outOfSync,
		}).Warn("raid reconcile: degraded counter inconsistent with active-device state, kernel mid-transition?")
	}
}
