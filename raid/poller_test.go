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

package raid

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storkd/storkd/domain"
)

func TestPollerSync_EnableIsIdempotent(t *testing.T) {
	p := NewPoller(func() {})
	p.interval = func() time.Duration { return time.Millisecond }

	p.Sync(domain.SyncActionResync)
	assert.True(t, p.Enabled())
	p.Sync(domain.SyncActionRecover)
	assert.True(t, p.Enabled(), "re-enabling an already-armed poller must be a no-op, not a second ticker")

	p.Stop()
	assert.False(t, p.Enabled())
}

func TestPollerSync_DisableIsIdempotent(t *testing.T) {
	p := NewPoller(func() {})
	p.Sync(domain.SyncActionIdle)
	assert.False(t, p.Enabled())
	p.Sync(domain.SyncActionNone)
	assert.False(t, p.Enabled())
}

func TestPollerSync_TicksWhileArmed(t *testing.T) {
	var ticks int32
	p := NewPoller(func() { atomic.AddInt32(&ticks, 1) })
	p.interval = func() time.Duration { return 5 * time.Millisecond }

	p.Sync(domain.SyncActionCheck)
	defer p.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ticks) >= 2
	}, time.Second, 5*time.Millisecond, "poller must call onTick repeatedly while armed")
}

func TestPollerSync_StopsTickingOnceDisabled(t *testing.T) {
	var ticks int32
	p := NewPoller(func() { atomic.AddInt32(&ticks, 1) })
	p.interval = func() time.Duration { return 5 * time.Millisecond }

	p.Sync(domain.SyncActionRepair)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) >= 1 }, time.Second, 5*time.Millisecond)

	p.Sync(domain.SyncActionIdle)
	after := atomic.LoadInt32(&ticks)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&ticks), "no further ticks once disarmed")
}
