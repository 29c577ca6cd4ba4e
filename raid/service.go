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

	"github.com/sirupsen/logrus"

	"github.com/storkd/storkd/domain"
	"github.com/storkd/storkd/state"
)

// Service is the per-array orchestrator: conceptually a worker task with
// an inbox of {Tick, ArrayChanged(id), Quit}-shaped messages, here
// expressed directly as method calls rather than a literal channel, since
// every trigger (uevent, poller tick, member-set change) already arrives
// on its own goroutine and the only shared state is array.UUID-keyed.
//
// It owns: the array registry, the stateless Reconciler, one Poller per
// known array, and a callback invoked whenever Update reports a change —
// the seam busobj.Array.Notify plugs into.
type Service struct {
	mu         sync.Mutex
	db         *state.ArrayDB
	reconciler *Reconciler
	pollers    map[string]*Poller
	lastInput  map[string]ReconcileInput

	// OnChanged is called (outside the service's own lock) whenever
	// Reconcile or a poller tick produces a changed array. OnCreated is
	// called the first time an array transitions from unknown to known
	// (the first kernel signal for the array), which is also the earliest
	// point a bus object can be exported.
	OnChanged func(uuid string)
	OnCreated func(uuid string)
	OnRemoved func(uuid string)
}

// NewService builds a Service over db and reconciler. Both must outlive
// the Service.
func NewService(db *state.ArrayDB, reconciler *Reconciler) *Service {
	return &Service{
		db:         db,
		reconciler: reconciler,
		pollers:    make(map[string]*Poller),
		lastInput:  make(map[string]ReconcileInput),
	}
}

// Reconcile drives one update for uuid from a fresh kernel signal (a
// uevent, or a member-set change detected by the enumeration layer). It
// creates the array's in-memory entity on first sight, stores in for
// reuse by the adaptive poller's ticks, arms/disarms the poller per the
// resulting sync_action, and destroys the array once both the device and
// its members are gone.
func (s *Service) Reconcile(uuid string, in ReconcileInput) {
	if in.ArrayDevice == nil && len(in.Members) == 0 {
		s.remove(uuid)
		return
	}

	array, created := s.getOrCreate(uuid)

	changed, err := s.reconciler.Update(array, in)
	if err != nil {
		logrus.WithError(err).WithField("uuid", uuid).Warn("raid service: reconcile failed")
		return
	}

	s.mu.Lock()
	s.lastInput[uuid] = in
	poller := s.pollerLocked(uuid)
	s.mu.Unlock()

	poller.Sync(array.SyncAction)

	if created && s.OnCreated != nil {
		s.OnCreated(uuid)
	}
	if changed && s.OnChanged != nil {
		s.OnChanged(uuid)
	}
}

// tick is the adaptive poller's callback: it synthesizes a changed event
// for this array over the same code path a real kernel notification
// takes, by re-running Update against the last known input, which forces
// every uncached sysfs attribute (sync_completed, sync_speed, ...) to be
// re-read.
func (s *Service) tick(uuid string) {
	s.mu.Lock()
	array, ok := s.db.Get(uuid)
	in, hasInput := s.lastInput[uuid]
	s.mu.Unlock()
	if !ok || !hasInput {
		return
	}

	changed, err := s.reconciler.Update(array, in)
	if err != nil {
		logrus.WithError(err).WithField("uuid", uuid).Warn("raid service: poller tick reconcile failed")
		return
	}

	s.mu.Lock()
	poller := s.pollerLocked(uuid)
	s.mu.Unlock()
	poller.Sync(array.SyncAction)

	if changed && s.OnChanged != nil {
		s.OnChanged(uuid)
	}
}

func (s *Service) getOrCreate(uuid string) (array *domain.RAIDArray, created bool) {
	if a, ok := s.db.Get(uuid); ok {
		return a, false
	}
	a := &domain.RAIDArray{UUID: uuid}
	s.db.Put(a)
	return a, true
}

// pollerLocked returns uuid's poller, creating it if this is the first
// time the service has seen uuid. Callers must hold s.mu.
func (s *Service) pollerLocked(uuid string) *Poller {
	if p, ok := s.pollers[uuid]; ok {
		return p
	}
	p := NewPoller(func() { s.tick(uuid) })
	s.pollers[uuid] = p
	return p
}

// remove tears down uuid's poller and removes it from the registry, once
// both the array device and its member list have disappeared.
func (s *Service) remove(uuid string) {
	s.mu.Lock()
	poller, hadPoller := s.pollers[uuid]
	delete(s.pollers, uuid)
	delete(s.lastInput, uuid)
	s.mu.Unlock()

	if hadPoller {
		poller.Stop()
	}

	if _, existed := s.db.Get(uuid); !existed {
		return
	}
	s.db.Remove(uuid)
	if s.OnRemoved != nil {
		s.OnRemoved(uuid)
	}
}
