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

import "sort"

// ObjectID is the stable identity the block registry hands out for a device
// number / sysfs path pair. Array and member objects refer to each other
// only through this id, never through embedded pointers, so no ownership
// cycle forms between an array and its members.
type ObjectID string

// Level is a RAID personality as reported by the kernel/mdadm.
type Level string

const (
	LevelRaid0   Level = "raid0"
	LevelRaid1   Level = "raid1"
	LevelRaid4   Level = "raid4"
	LevelRaid5   Level = "raid5"
	LevelRaid6   Level = "raid6"
	LevelRaid10  Level = "raid10"
	LevelLinear  Level = "linear"
	LevelUnknown Level = ""
)

// HasRedundancy reports whether the level carries redundant data and
// therefore degraded/sync/bitmap state.
func (l Level) HasRedundancy() bool {
	switch l {
	case LevelRaid1, LevelRaid4, LevelRaid5, LevelRaid6, LevelRaid10:
		return true
	}
	return false
}

// HasStripes reports whether the level stripes data and therefore carries a
// chunk size.
func (l Level) HasStripes() bool {
	switch l {
	case LevelRaid0, LevelRaid4, LevelRaid5, LevelRaid6, LevelRaid10:
		return true
	}
	return false
}

// SyncAction is the kernel's current background maintenance task on an
// array, read from md/sync_action.
type SyncAction string

const (
	SyncActionNone    SyncAction = "none"
	SyncActionIdle    SyncAction = "idle"
	SyncActionResync  SyncAction = "resync"
	SyncActionRecover SyncAction = "recover"
	SyncActionCheck   SyncAction = "check"
	SyncActionRepair  SyncAction = "repair"
	SyncActionReshape SyncAction = "reshape"
)

// InProgress reports whether this sync action is one the adaptive poller
// must be armed for.
func (a SyncAction) InProgress() bool {
	switch a {
	case SyncActionResync, SyncActionRecover, SyncActionCheck, SyncActionRepair:
		return true
	}
	return false
}

// BitmapLocation is the write-intent bitmap placement: "none", "internal",
// or an external file path.
type BitmapLocation string

const (
	BitmapNone     BitmapLocation = "none"
	BitmapInternal BitmapLocation = "internal"
)

// ActiveMember is one entry of RAIDArray.ActiveDevices.
type ActiveMember struct {
	ObjectID   ObjectID
	Slot       int // -1 if unassigned
	StateFlags []string
	Errors     uint64
}

// HasFlag reports whether the member's state-flag set contains f.
func (m ActiveMember) HasFlag(f string) bool {
	for _, s := range m.StateFlags {
		if s == f {
			return true
		}
	}
	return false
}

// SortActiveMembers orders members by (slot, object id) ascending, so
// directory-iteration order never leaks into published state.
func SortActiveMembers(members []ActiveMember) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Slot != members[j].Slot {
			return members[i].Slot < members[j].Slot
		}
		return members[i].ObjectID < members[j].ObjectID
	})
}

// RAIDArray is the in-memory mirror of one kernel md array, published to
// bus clients. The reconciler recomputes its fields; raid.Manager also
// sets ArrayObject after Start, Stop and Delete. Clone returns a deep copy.
type RAIDArray struct {
	UUID        string
	Name        string
	Level       Level
	NumDevices  int
	SizeBytes   uint64
	Degraded    int
	SyncAction  SyncAction
	SyncFrac    float64 // sync_completed_fraction, in [0,1]
	SyncRate    uint64  // bytes/sec
	SyncRemain  uint64  // microseconds
	BitmapLoc   BitmapLocation
	BitmapPath  string // set only when BitmapLoc is neither none nor internal
	ChunkBytes  uint64
	ActiveDevs  []ActiveMember
	ArrayObject ObjectID // "" if the array device does not currently exist

	// KnownMembers is every member device the reconciler has seen metadata
	// for, independent of whether the array device is currently assembled.
	// Unlike ActiveDevs (populated only by enumerating the running array's
	// md/dev-* nodes), this is what Start's "at least one member present"
	// precondition consults, since that precondition must hold precisely
	// when the array device does *not* yet exist.
	KnownMembers []ObjectID
}

func (a *RAIDArray) HasRedundancy() bool { return a.Level.HasRedundancy() }
func (a *RAIDArray) HasStripes() bool    { return a.Level.HasStripes() }

// Clone returns a deep copy safe to publish without aliasing the
// reconciler's working copy.
func (a *RAIDArray) Clone() *RAIDArray {
	cp := *a
	cp.ActiveDevs = append([]ActiveMember(nil), a.ActiveDevs...)
	cp.KnownMembers = append([]ObjectID(nil), a.KnownMembers...)
	return &cp
}

// Equal reports whether two snapshots are identical in every published
// field — used by the reconciler to compute the "changed" bool it returns.
func (a *RAIDArray) Equal(b *RAIDArray) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.UUID != b.UUID || a.Name != b.Name || a.Level != b.Level ||
		a.NumDevices != b.NumDevices || a.SizeBytes != b.SizeBytes ||
		a.Degraded != b.Degraded || a.SyncAction != b.SyncAction ||
		a.SyncFrac != b.SyncFrac || a.SyncRate != b.SyncRate ||
		a.SyncRemain != b.SyncRemain || a.BitmapLoc != b.BitmapLoc ||
		a.BitmapPath != b.BitmapPath || a.ChunkBytes != b.ChunkBytes ||
		a.ArrayObject != b.ArrayObject {
		return false
	}
	if len(a.ActiveDevs) != len(b.ActiveDevs) {
		return false
	}
	for i := range a.ActiveDevs {
		if !activeMemberEqual(a.ActiveDevs[i], b.ActiveDevs[i]) {
			return false
		}
	}
	if len(a.KnownMembers) != len(b.KnownMembers) {
		return false
	}
	for i := range a.KnownMembers {
		if a.KnownMembers[i] != b.KnownMembers[i] {
			return false
		}
	}
	return true
}

func activeMemberEqual(a, b ActiveMember) bool {
	if a.ObjectID != b.ObjectID || a.Slot != b.Slot || a.Errors != b.Errors {
		return false
	}
	if len(a.StateFlags) != len(b.StateFlags) {
		return false
	}
	for i := range a.StateFlags {
		if a.StateFlags[i] != b.StateFlags[i] {
			return false
		}
	}
	return true
}
