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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecMountedFs_RoundTripIsByteIdentical(t *testing.T) {
	rec := MountedFsRecord{MountPoint: "/media/usb0", BlockDevice: 42, MountedByUid: 1000, FstabMount: true}

	b1, err := encodeMountedFs(rec)
	require.NoError(t, err)

	decoded, err := decodeMountedFs(b1)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)

	b2, err := encodeMountedFs(decoded)
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "re-encoding a decoded record must produce byte-identical output")
}

func TestCodecUnlockedLuks_RoundTrip(t *testing.T) {
	rec := UnlockedLuksRecord{
		CleartextDevice: 10,
		CryptoDevice:    20,
		DmUuid:          []byte("CRYPT-LUKS2-abcd"),
		UnlockedByUid:   1000,
	}
	b, err := encodeUnlockedLuks(rec)
	require.NoError(t, err)
	decoded, err := decodeUnlockedLuks(b)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestCodecLoop_RoundTrip(t *testing.T) {
	rec := LoopRecord{
		LoopDevicePath:    "/dev/loop0",
		BackingFile:       []byte("/var/lib/image.raw"),
		BackingFileDevice: 30,
		SetupByUid:        1000,
	}
	b, err := encodeLoop(rec)
	require.NoError(t, err)
	decoded, err := decodeLoop(b)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestDecodeMountedFs_CorruptInputErrors(t *testing.T) {
	_, err := decodeMountedFs([]byte("not json"))
	assert.Error(t, err)
}
