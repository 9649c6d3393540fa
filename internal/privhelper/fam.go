// Copyright 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License.  You may obtain a copy
// of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the
// License for the specific language governing permissions and limitations
// under the License.

package privhelper

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/facebookexperimental/edenfs-privhelper/internal/mount"
)

// famBinaryPath is the vendor file-access-monitor binary the supervisor
// spawns, per spec.md section 4.5.
const famBinaryPath = "/usr/local/libexec/eden/edenfs_fam/SCMFileAccessMonitor.app/Contents/MacOS/SCMFileAccessMonitor"

// famEventList is the fixed event list passed to the monitor on start.
var famEventList = []string{"open", "close", "rename", "unlink"}

// famProcess is the zero-or-one-instance-per-broker record described in
// spec.md section 3. Supervisor keeps it behind its mutex and never hands
// it out; the underlying record only changes on Start/Stop, which the
// single-threaded dispatcher serializes, mirroring the atomically
// swappable owning pointer the original sandbox Root type used for its
// own single-writer-many-readers reconfiguration problem (see DESIGN.md).
type famProcess struct {
	cmd             *exec.Cmd
	tmpOutputPath   string
	finalOutputPath string
	shouldUpload    bool
	outputFile      *os.File
}

// Supervisor owns the broker's single FAM child process slot.
type Supervisor struct {
	mu      sync.Mutex
	current *famProcess
	log     *logrus.Entry
}

// NewSupervisor returns an empty FAM supervisor.
func NewSupervisor(log *logrus.Entry) *Supervisor {
	return &Supervisor{log: log}
}

// Running reports whether a FAM child is currently supervised.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Start implements spec.md section 4.5's START_FAM: validate at least one
// path prefix is given, spawn the vendor monitor with stdout redirected
// to tmpOutputPath, and remember the bookkeeping. A second Start while one
// is already running is rejected.
func (s *Supervisor) Start(pathPrefixes []string, tmpOutputPath, finalOutputPath string, upload bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return 0, ValidationError("a file access monitor is already running")
	}
	if len(pathPrefixes) == 0 {
		return 0, ValidationError("start-FAM requires at least one path prefix")
	}

	if tmpOutputPath == "" {
		tmpOutputPath = "/tmp/fam-" + uuid.NewString() + ".log"
	}

	out, err := os.Create(tmpOutputPath)
	if err != nil {
		return 0, SubprocessError(err, "create FAM output file")
	}

	args := append([]string{pathPrefixes[0]}, famEventList...)
	cmd := exec.Command(famBinaryPath, args...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return 0, SubprocessError(err, "start file access monitor")
	}

	s.current = &famProcess{
		cmd:             cmd,
		tmpOutputPath:   tmpOutputPath,
		finalOutputPath: finalOutputPath,
		shouldUpload:    upload,
		outputFile:      out,
	}
	s.log.WithField("pid", cmd.Process.Pid).Info("started file access monitor")
	return cmd.Process.Pid, nil
}

// Stop implements spec.md section 4.5's STOP_FAM: move the bookkeeping
// out, SIGTERM the child, wait up to mount.DefaultFAMStopGrace, then
// force-kill if it's still alive. It replies with the saved paths and
// upload flag regardless of which of those two paths led to the child's
// death, as long as death is eventually confirmed.
func (s *Supervisor) Stop() (tmpPath, finalPath string, upload bool, err error) {
	s.mu.Lock()
	proc := s.current
	s.current = nil
	s.mu.Unlock()

	if proc == nil {
		return "", "", false, ValidationError("no file access monitor is running")
	}
	defer proc.outputFile.Close()

	if err := terminateGracefully(proc.cmd, mount.DefaultFAMStopGrace, s.log); err != nil {
		return "", "", false, SubprocessError(err, "stop file access monitor")
	}

	return proc.tmpOutputPath, proc.finalOutputPath, proc.shouldUpload, nil
}

// StopOnShutdown is called by the broker's own termination path: best
// effort, errors are logged and swallowed since there is no client left
// to reply to.
func (s *Supervisor) StopOnShutdown() {
	s.mu.Lock()
	proc := s.current
	s.current = nil
	s.mu.Unlock()

	if proc == nil {
		return
	}
	defer proc.outputFile.Close()
	if err := terminateGracefully(proc.cmd, mount.DefaultFAMStopGrace, s.log); err != nil {
		s.log.WithError(err).Warn("failed to terminate file access monitor during shutdown")
	}
}

func terminateGracefully(cmd *exec.Cmd, grace time.Duration, log *logrus.Entry) error {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "send SIGTERM to file access monitor")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	log.WithField("pid", cmd.Process.Pid).Warn("file access monitor did not exit within grace period, killing")
	if err := cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "kill file access monitor")
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 50)
	waitErr := backoff.Retry(func() error {
		select {
		case <-done:
			return nil
		default:
			return errProcessStillAlive
		}
	}, b)
	if waitErr != nil {
		return errors.New("file access monitor could not be confirmed dead after SIGKILL")
	}
	return nil
}

var errProcessStillAlive = errors.New("process still alive")
