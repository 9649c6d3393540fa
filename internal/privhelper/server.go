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
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/facebookexperimental/edenfs-privhelper/internal/mount"
	"github.com/facebookexperimental/edenfs-privhelper/internal/protocol"
)

// maxFuseDaemonTimeout bounds the clamped daemon timeout spec.md section
// 4.4's osxfuse mount-args struct requires; the original caps this at the
// kernel's own maximum, which the retrieved pack does not give us an exact
// value for, so this is a conservative, clearly-named stand-in.
const maxFuseDaemonTimeout = 5 * time.Minute

// PrivHelperServer is the broker described in spec.md section 2: it owns
// the connected control socket, the mount registry, the FAM supervisor,
// and the small amount of session state the SET_* admin requests mutate.
// It is driven exclusively by the single-threaded loop in dispatcher.go
// (spec.md section 5); no field here is ever touched from another
// goroutine once Run has started.
type PrivHelperServer struct {
	codec    *protocol.Codec
	registry *Registry
	fam      *Supervisor
	log      *logrus.Entry

	uid uint32
	gid uint32

	fuseDaemonTimeout  time.Duration
	preferEdenFsDevice bool

	// Mount backend calls are indirected through function fields rather
	// than invoked as package-level internal/mount calls directly, mirroring
	// the teacher's own backend functions being "virtual" so unit tests can
	// override them (SPEC_FULL.md section 8) -- the real backends issue
	// syscalls that need root and a real filesystem, which a unit test
	// cannot provide.
	sanityCheckMountPoint   func(mountPoint string, uid, gid uint32) error
	detectAndUnmountStale   func(mountPoint string, isNFS bool) error
	mountFuse               func(mount.FuseMountParams) (*os.File, error)
	mountNFS                func(mountPath string, opts mount.NFSMountOptions) error
	bindMount               func(clientPath, mountPath string) error
	unmount                 func(mountPath string, opts mount.UnmountOptions) error
	bindUnmount             func(mountPath string) error
	setMemoryPriorityForPid func(pid, priority int) error
}

// NewServer wraps a connected control socket and the client identity the
// launcher handed the broker (spec.md section 6, "Boundary with the
// launcher"). Its mount backend fields default to the real
// internal/mount functions; tests build a PrivHelperServer with
// newServerWithCodec and override them with fakes instead.
func NewServer(conn *net.UnixConn, uid, gid uint32, log *logrus.Entry) (*PrivHelperServer, error) {
	codec, err := protocol.NewCodec(conn)
	if err != nil {
		return nil, SystemError(err, "wrap control socket")
	}
	return newServerWithCodec(codec, uid, gid, log), nil
}

func newServerWithCodec(codec *protocol.Codec, uid, gid uint32, log *logrus.Entry) *PrivHelperServer {
	return &PrivHelperServer{
		codec:    codec,
		registry: NewRegistry(),
		fam:      NewSupervisor(log),
		log:      log,
		uid:      uid,
		gid:      gid,

		sanityCheckMountPoint:   mount.SanityCheckMountPoint,
		detectAndUnmountStale:   mount.DetectAndUnmountStaleMount,
		mountFuse:               mount.MountFuse,
		mountNFS:                mount.MountNFS,
		bindMount:               mount.BindMount,
		unmount:                 mount.Unmount,
		bindUnmount:             mount.BindUnmount,
		setMemoryPriorityForPid: mount.SetMemoryPriorityForProcess,
	}
}

// fuseMountParams builds the platform-independent argument set MountFuse
// needs, folding in whatever SET_DAEMON_TIMEOUT / SET_USE_EDENFS last
// recorded.
func (s *PrivHelperServer) fuseMountParams(mountPath string, readOnly bool, vfsType string) mount.FuseMountParams {
	timeout := s.fuseDaemonTimeout
	if timeout > maxFuseDaemonTimeout {
		timeout = maxFuseDaemonTimeout
	}
	return mount.FuseMountParams{
		MountPath:          mountPath,
		ReadOnly:           readOnly,
		VfsType:            vfsType,
		UID:                s.uid,
		GID:                s.gid,
		FuseTimeout:        uint32(timeout / time.Second),
		PreferEdenFsDevice: s.preferEdenFsDevice,
		Log:                s.log,
	}
}
