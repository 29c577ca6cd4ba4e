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

// DevT mirrors the kernel's dev_t: a (major, minor) pair packed the way
// syscall.Mkdev/unix.Mkdev do, kept as a distinct type so journal code
// never confuses it with a plain uint64 size or inode.
type DevT uint64

// Scope says whether a persisted record must survive a host reboot
// (Durable) or only a daemon restart (Volatile).
type Scope int

const (
	ScopeDurable Scope = iota
	ScopeVolatile
)

// MountedFsRecord is the mounted-fs journal entry, keyed by mount point.
// Scope: durable.
type MountedFsRecord struct {
	MountPoint   string
	BlockDevice  DevT
	MountedByUid uint32
	FstabMount   bool
}

// UnlockedLuksRecord is the unlocked-luks journal entry, keyed by the
// cleartext (dm) device. Scope: volatile.
type UnlockedLuksRecord struct {
	CleartextDevice DevT
	CryptoDevice    DevT
	DmUuid          []byte
	UnlockedByUid   uint32
}

// LoopRecord is the loop journal entry, keyed by the loop device path.
// Scope: volatile.
type LoopRecord struct {
	LoopDevicePath    string
	BackingFile       []byte
	BackingFileDevice DevT
	SetupByUid        uint32
}

// Journal names, used as PersistentStore namespaces.
const (
	JournalMountedFs    = "mounted-fs"
	JournalUnlockedLuks = "unlocked-luks"
	JournalLoop         = "loop"
)

// PersistentStore is a named key -> typed structured record store, with
// durable and volatile scopes.
// Keys and values are opaque strings/bytes to the store; callers own
// encoding (see cleanup's journal codec).
type PersistentStoreIface interface {
	// Put writes value under (scope, namespace, key), replacing any prior
	// value. It does not allow creating a second value for an existing key
	// without an explicit Remove first at the journal-semantics layer;
	// the store itself is a plain replace.
	Put(scope Scope, namespace, key string, value []byte) error
	Get(scope Scope, namespace, key string) ([]byte, bool, error)
	Remove(scope Scope, namespace, key string) error
	List(scope Scope, namespace string) (map[string][]byte, error)
}
