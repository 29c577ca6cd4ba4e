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

// OperationOptions is the typed form of the option dict every RAID
// operation's bus method accepts. Keys outside the recognized set are
// ignored by the bus layer before this struct is ever built, so
// operations here never need to range over a raw map.
type OperationOptions struct {
	StartDegraded bool // Start: pass --run to mdadm --assemble
	Wipe          bool // RemoveMember: wipefs -a the member after removal
	TearDown      bool // Delete: also drop the running array's mounted-fs bookkeeping entry; nothing is unmounted or closed
}
