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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateLoopName_ShortNameUnchanged(t *testing.T) {
	name := []byte("/var/lib/image.raw")
	assert.Equal(t, name, TruncateLoopName(name))
}

func TestTruncateLoopName_LongNameTruncatedToLoopNameMax(t *testing.T) {
	name := []byte(strings.Repeat("a", 100))
	got := TruncateLoopName(name)
	assert.Len(t, got, LoopNameMax)
	assert.Equal(t, name[:LoopNameMax], got)
}

func TestTruncateLoopName_ExactlyAtLimitUnchanged(t *testing.T) {
	name := []byte(strings.Repeat("a", LoopNameMax))
	assert.Equal(t, name, TruncateLoopName(name))
}
