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

package jobrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storkd/storkd/domain"
)

func TestRun_CapturesStdout(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestRun_NonZeroExitIsFailed(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "false")
	require.Error(t, err)
	assert.Equal(t, domain.CodeFailed, domain.CodeOf(err))
	require.NotNil(t, res)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestRun_MissingBinaryIsFailed(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), "definitely-not-a-real-binary")
	require.Error(t, err)
	assert.Equal(t, domain.CodeFailed, domain.CodeOf(err))
}

func TestRun_CancelledContextReturnsCancelled(t *testing.T) {
	r := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, "sleep", "5")
	require.Error(t, err)
	assert.Equal(t, domain.CodeCancelled, domain.CodeOf(err))
	assert.Less(t, time.Since(start), 2*time.Second,
		"cancellation must return to the caller without waiting the command out")
}
