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
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/storkd/storkd/domain"
)

type (
	MountedFsRecord    = domain.MountedFsRecord
	UnlockedLuksRecord = domain.UnlockedLuksRecord
	LoopRecord         = domain.LoopRecord
)

// eventType is the cooperative event loop's message alphabet: Kick/Quit,
// since this engine's only event is "reconcile now".
type eventType int

const (
	eventKick eventType = iota
	eventQuit
)

// Engine is the single cleanup worker: one goroutine owning a cooperative
// event loop, one mutex guarding all three journals and all three
// in-flight ignore sets.
type Engine struct {
	store    domain.PersistentStoreIface
	jobs     domain.JobRunnerIface
	mounts   domain.MountMonitorIface
	sysFS    domain.SysfsWriterIface
	loops    domain.LoopStatusIface
	registry domain.BlockRegistryIface

	mu sync.Mutex

	currentlyUnmounting map[string]struct{}
	currentlyLocking    map[domain.DevT]struct{}
	currentlyDeleting   map[string]struct{}

	inbox chan eventType
	wg    sync.WaitGroup
}

// Deps bundles Engine's collaborators.
type Deps struct {
	Store    domain.PersistentStoreIface
	Jobs     domain.JobRunnerIface
	Mounts   domain.MountMonitorIface
	SysFS    domain.SysfsWriterIface
	Loops    domain.LoopStatusIface
	Registry domain.BlockRegistryIface
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		store:               d.Store,
		jobs:                d.Jobs,
		mounts:              d.Mounts,
		sysFS:               d.SysFS,
		loops:               d.Loops,
		registry:            d.Registry,
		currentlyUnmounting: make(map[string]struct{}),
		currentlyLocking:    make(map[domain.DevT]struct{}),
		currentlyDeleting:   make(map[string]struct{}),
		inbox:               make(chan eventType, 64),
	}
}

// Start launches the dedicated worker goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop posts a quit event and waits for the worker to exit.
func (e *Engine) Stop() {
	e.inbox <- eventQuit
	e.wg.Wait()
}

// Kick enqueues one reconciliation pass. Callable from any goroutine and
// never blocks the caller. While the inbox has room, duplicate kicks
// produce duplicate (idempotent) passes; a kick that arrives while the
// inbox is full is dropped, so it does not add a pass of its own.
func (e *Engine) Kick() {
	select {
	case e.inbox <- eventKick:
	default:
		// Inbox full: a pass is already queued up behind whatever's
		// running, which is enough — dropping this one doesn't lose
		// reconciliation, it just avoids unbounded buffering under a
		// kick storm.
		logrus.Debug("cleanup: kick dropped, pass already queued")
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for ev := range e.inbox {
		switch ev {
		case eventKick:
			if err := e.RunOnce(context.Background()); err != nil {
				logrus.WithError(err).Error("cleanup: reconciliation pass failed")
			}
		case eventQuit:
			return
		}
	}
}

// RunOnce performs one full two-phase reconciliation pass. Exported so
// cmd/storkd can run a synchronous pass at startup before any bus object
// is exported.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	devsToClean := make(map[domain.DevT]struct{})

	// Phase 1: check-only.
	luksEntries, luksErr := e.listUnlockedLuks()
	if luksErr != nil {
		logrus.WithError(luksErr).Error("cleanup: corrupt unlocked-luks journal, skipping phase")
	} else {
		for key, rec := range luksEntries {
			if !e.validateUnlockedLuks(key, rec) {
				devsToClean[rec.CleartextDevice] = struct{}{}
			}
		}
	}

	loopEntries, loopErr := e.listLoops()
	if loopErr != nil {
		logrus.WithError(loopErr).Error("cleanup: corrupt loop journal, skipping phase")
	} else {
		for key, rec := range loopEntries {
			if e.validateLoop(key, rec) {
				continue
			}
			if info, ok := e.registry.LookupByDevicePath(key); ok {
				devsToClean[info.DevNum] = struct{}{}
			}
		}
	}

	// Phase 2: act, mounted-fs first, then unlocked-luks, then loop.
	mounts, mountErr := e.listMountedFs()
	if mountErr != nil {
		logrus.WithError(mountErr).Error("cleanup: corrupt mounted-fs journal, skipping phase")
	} else {
		for key, rec := range mounts {
			if e.validateMountedFs(key, rec, devsToClean) {
				continue
			}
			e.discardMountedFs(ctx, key, rec)
		}
	}

	for key, rec := range luksEntries {
		if e.validateUnlockedLuks(key, rec) {
			continue
		}
		e.discardUnlockedLuks(ctx, key, rec)
	}

	for key, rec := range loopEntries {
		if e.validateLoop(key, rec) {
			continue
		}
		e.discardLoop(ctx, key, rec)
	}

	return nil
}

// In-flight ignore protocol.

func (e *Engine) IgnoreUnmount(mountPoint string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.currentlyUnmounting[mountPoint]; exists {
		return false
	}
	e.currentlyUnmounting[mountPoint] = struct{}{}
	return true
}

func (e *Engine) UnignoreUnmount(mountPoint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.currentlyUnmounting, mountPoint)
}

func (e *Engine) IgnoreLock(dev domain.DevT) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.currentlyLocking[dev]; exists {
		return false
	}
	e.currentlyLocking[dev] = struct{}{}
	return true
}

func (e *Engine) UnignoreLock(dev domain.DevT) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.currentlyLocking, dev)
}

func (e *Engine) IgnoreDelete(loopPath string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.currentlyDeleting[loopPath]; exists {
		return false
	}
	e.currentlyDeleting[loopPath] = struct{}{}
	return true
}

func (e *Engine) UnignoreDelete(loopPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.currentlyDeleting, loopPath)
}
