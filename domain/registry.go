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

// BlockInfo is what the block-object registry knows about one block
// device: its object identity, device number and sysfs node.
type BlockInfo struct {
	ObjectID   ObjectID
	DevNum     DevT
	SysfsPath  string
	DevicePath string // e.g. "/dev/sda1"
}

// BlockRegistryIface maps device numbers and sysfs paths to object
// identities, consumed by the RAID reconciler (resolving the "block"
// symlink of a md/dev-* node to its object id) and by RAID operations
// (resolving a member object path to a device).
type BlockRegistryIface interface {
	LookupBySysfsPath(path string) (BlockInfo, bool)
	LookupByDevNum(dev DevT) (BlockInfo, bool)
	LookupByObjectID(id ObjectID) (BlockInfo, bool)
	LookupByDevicePath(path string) (BlockInfo, bool)
}

// UdevDeviceIface is the minimal subset of the udev/device enumeration
// layer the reconciler needs: given a sysfs node, resolve the device it
// refers to.
type UdevDeviceIface interface {
	ResolveBlockSymlink(mdDevSysfsPath string) (sysfsPath string, err error)
}
