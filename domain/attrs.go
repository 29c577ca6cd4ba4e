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

// DeviceAttrsIface exposes the udev-style property namespace the block
// registry attaches to a device: for a member device,
// MEMBER_DEVICES/MEMBER_LEVEL/MEMBER_UUID/MEMBER_NAME; for an array
// device, DEVICES/LEVEL/UUID/NAME.
type DeviceAttrsIface interface {
	Attr(key string) (string, bool)
}

// StaticAttrs is the map-backed DeviceAttrsIface used by tests and by any
// collaborator that already has the full property set in hand.
type StaticAttrs map[string]string

func (a StaticAttrs) Attr(key string) (string, bool) {
	v, ok := a[key]
	return v, ok
}
