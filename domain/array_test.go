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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelHasRedundancy(t *testing.T) {
	cases := []struct {
		level Level
		want  bool
	}{
		{LevelRaid0, false},
		{LevelRaid1, true},
		{LevelRaid4, true},
		{LevelRaid5, true},
		{LevelRaid6, true},
		{LevelRaid10, true},
		{LevelLinear, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.level.HasRedundancy(), "level %q", c.level)
	}
}

func TestLevelHasStripes(t *testing.T) {
	cases := []struct {
		level Level
		want  bool
	}{
		{LevelRaid0, true},
		{LevelRaid1, false},
		{LevelRaid5, true},
		{LevelRaid10, true},
		{LevelLinear, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.level.HasStripes(), "level %q", c.level)
	}
}

func TestSyncActionInProgress(t *testing.T) {
	cases := []struct {
		action SyncAction
		want   bool
	}{
		{SyncActionNone, false},
		{SyncActionIdle, false},
		{SyncActionResync, true},
		{SyncActionRecover, true},
		{SyncActionCheck, true},
		{SyncActionRepair, true},
		{SyncActionReshape, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.action.InProgress(), "action %q", c.action)
	}
}

func TestSortActiveMembers_OrdersBySlotThenObjectID(t *testing.T) {
	members := []ActiveMember{
		{ObjectID: "c", Slot: 1},
		{ObjectID: "a", Slot: 1},
		{ObjectID: "b", Slot: 0},
	}
	SortActiveMembers(members)
	assert.Equal(t, []ActiveMember{
		{ObjectID: "b", Slot: 0},
		{ObjectID: "a", Slot: 1},
		{ObjectID: "c", Slot: 1},
	}, members)
}

func TestActiveMemberHasFlag(t *testing.T) {
	m := ActiveMember{StateFlags: []string{"in_sync", "spare"}}
	assert.True(t, m.HasFlag("in_sync"))
	assert.True(t, m.HasFlag("spare"))
	assert.False(t, m.HasFlag("faulty"))
}

func TestRAIDArrayClone_DeepCopiesSlices(t *testing.T) {
	a := &RAIDArray{
		UUID:         "u",
		ActiveDevs:   []ActiveMember{{ObjectID: "m0"}},
		KnownMembers: []ObjectID{"m0"},
	}
	clone := a.Clone()
	clone.ActiveDevs[0].ObjectID = "mutated"
	clone.KnownMembers[0] = "mutated"

	assert.Equal(t, ObjectID("m0"), a.ActiveDevs[0].ObjectID, "mutating the clone must not affect the original")
	assert.Equal(t, ObjectID("m0"), a.KnownMembers[0])
}

func TestRAIDArrayEqual(t *testing.T) {
	a := &RAIDArray{UUID: "u", ActiveDevs: []ActiveMember{{ObjectID: "m0", Slot: 0}}, KnownMembers: []ObjectID{"m0"}}
	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.Degraded = 1
	assert.False(t, a.Equal(b))

	c := a.Clone()
	c.ActiveDevs[0].Errors = 1
	assert.False(t, a.Equal(c), "a difference nested inside ActiveDevs must be detected")

	d := a.Clone()
	d.KnownMembers = append(d.KnownMembers, "m1")
	assert.False(t, a.Equal(d), "a difference in KnownMembers length must be detected")
}

func TestRAIDArrayEqual_NilHandling(t *testing.T) {
	var a, b *RAIDArray
	assert.True(t, a.Equal(b))

	a = &RAIDArray{}
	assert.False(t, a.Equal(nil))
}
