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
	"context"
	"sync"

	"github.com/storkd/storkd/domain"
)

// fakeJobRunner records every invocation and returns a canned result/error
// keyed by command name, so tests can assert on calls instead of hitting
// the real syscall.
type fakeJobRunner struct {
	mu    sync.Mutex
	calls [][]string
	errs  map[string]error
}

func newFakeJobRunner() *fakeJobRunner {
	return &fakeJobRunner{errs: make(map[string]error)}
}

func (f *fakeJobRunner) Run(ctx context.Context, name string, args ...string) (*domain.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return &domain.JobResult{ExitCode: 0}, nil
}

func (f *fakeJobRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeJobRunner) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// fakeAuthorizer grants or denies every request uniformly; tests that need
// per-uid behavior set denyUID.
type fakeAuthorizer struct {
	denyUID  uint32
	hasDeny  bool
	requests []domain.Action
}

func (f *fakeAuthorizer) CheckAuthorization(ctx context.Context, action domain.Action, uid uint32, allowInteraction bool) error {
	f.requests = append(f.requests, action)
	if f.hasDeny && uid == f.denyUID {
		return domain.NewError(domain.CodeNotAuthorized, "not authorized")
	}
	return nil
}

// fakeCaller reports a fixed uid for every call.
type fakeCaller struct {
	uid uint32
}

func (f fakeCaller) Uid(ctx context.Context) (uint32, error) {
	return f.uid, nil
}

// fakeSysfsWriter records writes in memory, keyed by path.
type fakeSysfsWriter struct {
	mu      sync.Mutex
	written map[string][]byte
}

func newFakeSysfsWriter() *fakeSysfsWriter {
	return &fakeSysfsWriter{written: make(map[string][]byte)}
}

func (f *fakeSysfsWriter) WriteAttr(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written[path] = cp
	return nil
}

func (f *fakeSysfsWriter) ReadAttr(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[path], nil
}

// fakeMountMonitor and fakeLoopStatus satisfy cleanup.Deps' remaining
// collaborators; raid/operations_test.go never exercises the cleanup
// reconciliation pass itself, only the mounted-fs bookkeeping helpers, so
// these stay minimal.
type fakeMountMonitor struct{}

func (fakeMountMonitor) MountedAt(mountPoint string) (domain.MountInfo, bool, error) {
	return domain.MountInfo{}, false, nil
}

func (fakeMountMonitor) MountsOn(dev domain.DevT) (bool, error) {
	return false, nil
}

type fakeLoopStatus struct{}

func (fakeLoopStatus) Exists(path string) bool                      { return false }
func (fakeLoopStatus) BackingFileName(path string) ([]byte, error)  { return nil, nil }
