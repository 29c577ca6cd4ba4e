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

// Package cleanup implements the resource-cleanup engine: the dedicated
// worker thread that reconciles the three "things storkd set up" journals
// against live kernel state, and unwinds anything orphaned.
package cleanup

import "encoding/json"

// The three journal record types are serialized with the standard
// library's JSON encoder. A Go struct marshals to an identical byte
// sequence on every call (field order follows struct declaration order,
// not map iteration), which gives the round-trip/idempotence property
// ("serialize, deserialize, serialize again -> byte-identical") without
// needing a bespoke binary codec.

func encodeMountedFs(r MountedFsRecord) ([]byte, error) { return json.Marshal(r) }

func decodeMountedFs(b []byte) (MountedFsRecord, error) {
	var r MountedFsRecord
	err := json.Unmarshal(b, &r)
	return r, err
}

func encodeUnlockedLuks(r UnlockedLuksRecord) ([]byte, error) { return json.Marshal(r) }

func decodeUnlockedLuks(b []byte) (UnlockedLuksRecord, error) {
	var r UnlockedLuksRecord
	err := json.Unmarshal(b, &r)
	return r, err
}

func encodeLoop(r LoopRecord) ([]byte, error) { return json.Marshal(r) }

func decodeLoop(b []byte) (LoopRecord, error) {
	var r LoopRecord
	err := json.Unmarshal(b, &r)
	return r, err
}
