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

// Package registry is the block-object registry: a lookup table from
// sysfs path, device number, object id or device node path to the object
// identity the rest of the daemon deals in. It is populated by whatever
// udev-driven enumeration layer discovers block devices, and consumed by
// the RAID reconciler and the cleanup engine to turn raw kernel
// identifiers into domain.BlockInfo.
//
// Sysfs-path lookups are served from a radix tree, since paths share long
// common prefixes ("/sys/devices/virtual/block/..."); the other three
// lookup kinds are plain maps, guarded by the same RWMutex.
package registry

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/storkd/storkd/domain"
)

// Registry implements domain.BlockRegistryIface.
type Registry struct {
	sync.RWMutex

	bySysfsPath *iradix.Tree
	byDevNum    map[domain.DevT]domain.BlockInfo
	byObjectID  map[domain.ObjectID]domain.BlockInfo
	byDevPath   map[string]domain.BlockInfo
}

func New() *Registry {
	return &Registry{
		bySysfsPath: iradix.New(),
		byDevNum:    make(map[domain.DevT]domain.BlockInfo),
		byObjectID:  make(map[domain.ObjectID]domain.BlockInfo),
		byDevPath:   make(map[string]domain.BlockInfo),
	}
}

// Register adds or replaces the entry for info, indexed under all four
// lookup keys. Called by the (out-of-scope) udev enumeration layer as
// devices come and go.
func (r *Registry) Register(info domain.BlockInfo) {
	r.Lock()
	defer r.Unlock()

	tree, _, _ := r.bySysfsPath.Insert([]byte(info.SysfsPath), info)
	r.bySysfsPath = tree
	r.byDevNum[info.DevNum] = info
	r.byObjectID[info.ObjectID] = info
	r.byDevPath[info.DevicePath] = info
}

// Unregister removes the entry previously added under Register(info).
func (r *Registry) Unregister(info domain.BlockInfo) {
	r.Lock()
	defer r.Unlock()

	tree, _, _ := r.bySysfsPath.Delete([]byte(info.SysfsPath))
	r.bySysfsPath = tree
	delete(r.byDevNum, info.DevNum)
	delete(r.byObjectID, info.ObjectID)
	delete(r.byDevPath, info.DevicePath)
}

func (r *Registry) LookupBySysfsPath(path string) (domain.BlockInfo, bool) {
	r.RLock()
	defer r.RUnlock()

	v, ok := r.bySysfsPath.Get([]byte(path))
	if !ok {
		return domain.BlockInfo{}, false
	}
	return v.(domain.BlockInfo), true
}

func (r *Registry) LookupByDevNum(dev domain.DevT) (domain.BlockInfo, bool) {
	r.RLock()
	defer r.RUnlock()
	info, ok := r.byDevNum[dev]
	return info, ok
}

func (r *Registry) LookupByObjectID(id domain.ObjectID) (domain.BlockInfo, bool) {
	r.RLock()
	defer r.RUnlock()
	info, ok := r.byObjectID[id]
	return info, ok
}

func (r *Registry) LookupByDevicePath(path string) (domain.BlockInfo, bool) {
	r.RLock()
	defer r.RUnlock()
	info, ok := r.byDevPath[path]
	return info, ok
}
