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

// The privhelper binary is the privileged mount broker: it inherits a
// connected control socket from its launcher and serves MOUNT_*/UNMOUNT_*
// and FAM-supervision requests from an unprivileged client until that
// client disconnects (spec.md section 1).
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebookexperimental/edenfs-privhelper/internal/privhelper"
)

var (
	socketFd int
	uid      int
	gid      int
	logLevel string
)

// newRootCmd builds the broker's command line, replacing the teacher's
// flag-package usage in cmd/sandboxfs/sandboxfs.go with the idiom the rest
// of the retrieved corpus's daemons use for their own entrypoints.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "privhelper",
		Short:        "privileged mount broker",
		SilenceUsage: true,
		RunE:         runBroker,
	}

	flags := cmd.Flags()
	flags.IntVar(&socketFd, "socket-fd", -1, "file descriptor of the connected control socket inherited from the launcher (required)")
	flags.IntVar(&uid, "uid", -1, "uid of the unprivileged client on the other end of the control socket (required)")
	flags.IntVar(&gid, "gid", -1, "gid of the unprivileged client on the other end of the control socket (required)")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	return cmd
}

func runBroker(cmd *cobra.Command, args []string) error {
	if socketFd < 0 {
		return fmt.Errorf("--socket-fd is required")
	}
	if uid < 0 || gid < 0 {
		return fmt.Errorf("--uid and --gid are required")
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	log.SetLevel(level)
	entry := log.WithField("component", "privhelper")

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to /: %w", err)
	}

	file := os.NewFile(uintptr(socketFd), "privhelper-control-socket")
	conn, err := net.FileConn(file)
	if err != nil {
		return fmt.Errorf("wrap inherited socket fd %d: %w", socketFd, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("inherited fd %d is not a unix domain socket", socketFd)
	}

	server, err := privhelper.NewServer(unixConn, uint32(uid), uint32(gid), entry)
	if err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}

	entry.WithFields(logrus.Fields{"uid": uid, "gid": gid}).Info("privhelper starting")
	return server.Run()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
