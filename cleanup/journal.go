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
	"fmt"
	"strconv"

	"github.com/storkd/storkd/domain"
)

// devKey turns the non-string DevT key type into the string keys
// PersistentStoreIface deals in.
func devKey(d domain.DevT) string { return strconv.FormatUint(uint64(d), 10) }

// AddMountedFs adds a mounted-fs entry. Replacing an existing key without
// an explicit Remove first is refused.
func (e *Engine) AddMountedFs(rec MountedFsRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok, err := e.store.Get(domain.ScopeDurable, domain.JournalMountedFs, rec.MountPoint); err == nil && ok {
		return fmt.Errorf("mounted-fs entry for %q already exists", rec.MountPoint)
	}
	b, err := encodeMountedFs(rec)
	if err != nil {
		return err
	}
	return e.store.Put(domain.ScopeDurable, domain.JournalMountedFs, rec.MountPoint, b)
}

func (e *Engine) RemoveMountedFs(mountPoint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Remove(domain.ScopeDurable, domain.JournalMountedFs, mountPoint)
}

func (e *Engine) FindMountedFs(mountPoint string) (MountedFsRecord, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok, err := e.store.Get(domain.ScopeDurable, domain.JournalMountedFs, mountPoint)
	if err != nil || !ok {
		return MountedFsRecord{}, ok, err
	}
	rec, err := decodeMountedFs(b)
	return rec, true, err
}

// FindMountedFsByDevice is the shortcut-rule lookup: RAID operations look
// up a journal entry by the array's device number rather than by mount
// point, a quirk of the mounted-fs journal doing double duty as "who
// started this block device" bookkeeping beyond plain filesystem mounts.
func (e *Engine) FindMountedFsByDevice(dev domain.DevT) (MountedFsRecord, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries, err := e.listMountedFs()
	if err != nil {
		return MountedFsRecord{}, false, err
	}
	for _, rec := range entries {
		if rec.BlockDevice == dev {
			return rec, true, nil
		}
	}
	return MountedFsRecord{}, false, nil
}

func (e *Engine) listMountedFs() (map[string]MountedFsRecord, error) {
	raw, err := e.store.List(domain.ScopeDurable, domain.JournalMountedFs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]MountedFsRecord, len(raw))
	for k, b := range raw {
		rec, err := decodeMountedFs(b)
		if err != nil {
			return nil, fmt.Errorf("corrupt mounted-fs entry %q: %w", k, err)
		}
		out[k] = rec
	}
	return out, nil
}

func (e *Engine) AddUnlockedLuks(rec UnlockedLuksRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := devKey(rec.CleartextDevice)
	if _, ok, err := e.store.Get(domain.ScopeVolatile, domain.JournalUnlockedLuks, key); err == nil && ok {
		return fmt.Errorf("unlocked-luks entry for %v already exists", rec.CleartextDevice)
	}
	b, err := encodeUnlockedLuks(rec)
	if err != nil {
		return err
	}
	return e.store.Put(domain.ScopeVolatile, domain.JournalUnlockedLuks, key, b)
}

func (e *Engine) RemoveUnlockedLuks(dev domain.DevT) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Remove(domain.ScopeVolatile, domain.JournalUnlockedLuks, devKey(dev))
}

func (e *Engine) FindUnlockedLuks(dev domain.DevT) (UnlockedLuksRecord, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok, err := e.store.Get(domain.ScopeVolatile, domain.JournalUnlockedLuks, devKey(dev))
	if err != nil || !ok {
		return UnlockedLuksRecord{}, ok, err
	}
	rec, err := decodeUnlockedLuks(b)
	return rec, true, err
}

func (e *Engine) listUnlockedLuks() (map[domain.DevT]UnlockedLuksRecord, error) {
	raw, err := e.store.List(domain.ScopeVolatile, domain.JournalUnlockedLuks)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.DevT]UnlockedLuksRecord, len(raw))
	for k, b := range raw {
		rec, err := decodeUnlockedLuks(b)
		if err != nil {
			return nil, fmt.Errorf("corrupt unlocked-luks entry %q: %w", k, err)
		}
		out[rec.CleartextDevice] = rec
	}
	return out, nil
}

func (e *Engine) AddLoop(rec LoopRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok, err := e.store.Get(domain.ScopeVolatile, domain.JournalLoop, rec.LoopDevicePath); err == nil && ok {
		return fmt.Errorf("loop entry for %q already exists", rec.LoopDevicePath)
	}
	b, err := encodeLoop(rec)
	if err != nil {
		return err
	}
	return e.store.Put(domain.ScopeVolatile, domain.JournalLoop, rec.LoopDevicePath, b)
}

func (e *Engine) RemoveLoop(loopPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Remove(domain.ScopeVolatile, domain.JournalLoop, loopPath)
}

func (e *Engine) FindLoop(loopPath string) (LoopRecord, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok, err := e.store.Get(domain.ScopeVolatile, domain.JournalLoop, loopPath)
	if err != nil || !ok {
		return LoopRecord{}, ok, err
	}
	rec, err := decodeLoop(b)
	return rec, true, err
}

func (e *Engine) listLoops() (map[string]LoopRecord, error) {
	raw, err := e.store.List(domain.ScopeVolatile, domain.JournalLoop)
	if err != nil {
		return nil, err
	}
	out := make(map[string]LoopRecord, len(raw))
	for k, b := range raw {
		rec, err := decodeLoop(b)
		if err != nil {
			return nil, fmt.Errorf("corrupt loop entry %q: %w", k, err)
		}
		out[k] = rec
	}
	return out, nil
}
