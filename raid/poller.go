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
	"sync"
	"time"

	"github.com/storkd/storkd/domain"
)

// Poller is the per-array adaptive timer: armed at 1Hz exactly while a
// sync operation (resync/recover/check/repair) is in progress, and
// synthesizes a fake "changed" event each tick so the bus layer re-runs
// the same update path a real uevent would trigger.
type Poller struct {
	mu      sync.Mutex
	ticker  *time.Ticker
	stopCh  chan struct{}
	running bool

	interval func() time.Duration
	onTick   func()
}

// NewPoller builds a poller that calls onTick once per second while armed.
func NewPoller(onTick func()) *Poller {
	return &Poller{
		onTick:   onTick,
		interval: func() time.Duration { return time.Second },
	}
}

// Sync enables or disables the poller based on action. Re-enabling or
// re-disabling an already-armed/disarmed poller is a no-op.
func (p *Poller) Sync(action domain.SyncAction) {
	if action.InProgress() {
		p.enable()
	} else {
		p.disable()
	}
}

func (p *Poller) enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.ticker = time.NewTicker(p.interval())
	p.stopCh = make(chan struct{})

	ticker := p.ticker
	stop := p.stopCh
	go func() {
		for {
			select {
			case <-ticker.C:
				p.onTick()
			case <-stop:
				return
			}
		}
	}()
}

func (p *Poller) disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.ticker.Stop()
	close(p.stopCh)
}

// Enabled reports whether the poller is currently armed.
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop tears the poller down unconditionally, used on array destruction.
func (p *Poller) Stop() {
	p.disable()
}
