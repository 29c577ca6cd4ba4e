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

import "context"

// JobResult is what a completed external command produced. Every
// RAID/cleanup command funnels through one JobRunner so escaping and
// result capture live in one place.
type JobResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// JobRunnerIface executes an external command, captures output, reports
// status. Implementations must never pass argv through a shell
// interpreter.
type JobRunnerIface interface {
	Run(ctx context.Context, name string, args ...string) (*JobResult, error)
}

// SysfsWriterIface is the one exception to the job-runner funnel: a direct
// sysfs write (RequestSyncAction), which must not go through mdadm because
// the semantics differ.
type SysfsWriterIface interface {
	WriteAttr(path string, data []byte) error
	ReadAttr(path string) ([]byte, error)
}
