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

	"github.com/storkd/storkd/domain"
)

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

// fakeMountMonitor answers MountedAt/MountsOn from a fixed table a test
// populates directly, rather than parsing /proc/self/mountinfo.
type fakeMountMonitor struct {
	mounted map[string]domain.MountInfo
	mountsOn map[domain.DevT]bool
	queried []string
}

func newFakeMountMonitor() *fakeMountMonitor {
	return &fakeMountMonitor{mounted: make(map[string]domain.MountInfo), mountsOn: make(map[domain.DevT]bool)}
}

func (f *fakeMountMonitor) MountedAt(mountPoint string) (domain.MountInfo, bool, error) {
	f.queried = append(f.queried, mountPoint)
	info, ok := f.mounted[mountPoint]
	return info, ok, nil
}

func (f *fakeMountMonitor) MountsOn(dev domain.DevT) (bool, error) {
	return f.mountsOn[dev], nil
}

// fakeSysfsWriter serves ReadAttr from a fixed table; cleanup never calls
// WriteAttr on it (only RequestSyncAction in raid does).
type fakeSysfsWriter struct {
	attrs map[string][]byte
}

func newFakeSysfsWriter() *fakeSysfsWriter {
	return &fakeSysfsWriter{attrs: make(map[string][]byte)}
}

func (f *fakeSysfsWriter) WriteAttr(path string, data []byte) error {
	f.attrs[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeSysfsWriter) ReadAttr(path string) ([]byte, error) {
	if b, ok := f.attrs[path]; ok {
		return b, nil
	}
	return nil, errNotFound
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "attribute not found" }

// fakeLoopStatus answers Exists/BackingFileName from a fixed table.
type fakeLoopStatus struct {
	exists  map[string]bool
	backing map[string][]byte
}

func newFakeLoopStatus() *fakeLoopStatus {
	return &fakeLoopStatus{exists: make(map[string]bool), backing: make(map[string][]byte)}
}

func (f *fakeLoopStatus) Exists(path string) bool { return f.exists[path] }

func (f *fakeLoopStatus) BackingFileName(path string) ([]byte, error) {
	b, ok := f.backing[path]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}
