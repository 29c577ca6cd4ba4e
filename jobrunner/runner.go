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

// Package jobrunner funnels every external command this daemon shells out
// to (mdadm, cryptsetup, losetup, wipefs, umount, rmdir) through one
// execution boundary, so RAID operations and the cleanup engine never
// build a shell command line by hand. The lone exception is
// RequestSyncAction, which writes straight to sysfs via
// domain.SysfsWriterIface instead of shelling out to mdadm.
package jobrunner

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/storkd/storkd/domain"
)

// Runner is the default domain.JobRunnerIface: os/exec with arguments
// passed as a slice, never interpolated into a shell string.
type Runner struct{}

func New() *Runner {
	return &Runner{}
}

// Run executes name with args and waits for it to finish. A cancelled ctx
// does not kill the command — its effects on kernel state must stay
// serialized, so it runs to completion in the background and only the
// result is discarded, with the caller seeing Cancelled.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*domain.JobResult, error) {
	cmd := exec.Command(name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := logrus.WithFields(logrus.Fields{"cmd": name, "args": args})
	log.Debug("jobrunner: running")

	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("jobrunner: failed to start command")
		return &domain.JobResult{}, domain.WrapError(domain.CodeFailed, err, "running %s", name)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		go func() {
			if werr := <-done; werr != nil {
				log.WithError(werr).Warn("jobrunner: command failed after caller cancelled")
			}
		}()
		return nil, domain.NewError(domain.CodeCancelled, "%s invocation cancelled", name)
	}

	result := &domain.JobResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		log.WithFields(logrus.Fields{
			"exit_code": result.ExitCode,
			"stderr":    result.Stderr,
		}).Warn("jobrunner: command exited non-zero")
		return result, domain.NewError(domain.CodeFailed, "%s failed: %s", name, result.Stderr)
	}
	if err != nil {
		log.WithError(err).Error("jobrunner: command failed")
		return result, domain.WrapError(domain.CodeFailed, err, "running %s", name)
	}

	result.ExitCode = 0
	return result, nil
}
