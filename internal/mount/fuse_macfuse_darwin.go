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

//go:build darwin

package mount

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const macfuseMountHelper = "/Library/Filesystems/macfuse.fs/Contents/Resources/mount_macfuse"

// mountMacFuse implements spec.md section 4.4's "macOS MacFUSE mount".
// MacFUSE refuses read-only mounts outright.
func mountMacFuse(mountPath string, readOnly bool, vfsType string) (*os.File, error) {
	if readOnly {
		return nil, errors.New("MacFUSE does not support read-only mounts")
	}
	if _, err := os.Stat(macfuseMountHelper); err != nil {
		return nil, errors.Wrap(err, "MacFUSE mount helper not found")
	}

	selfExe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "determine own executable path")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socketpair for MacFUSE handshake")
	}
	parentFd, childFd := fds[0], fds[1]
	parent := os.NewFile(uintptr(parentFd), "macfuse-parent")
	defer parent.Close()
	child := os.NewFile(uintptr(childFd), "macfuse-child")
	defer child.Close()

	flagsString := fmt.Sprintf("allow_other,default_permissions,volname=%s", vfsType)
	cmd := exec.Command(macfuseMountHelper, "-o", flagsString, "3", mountPath)
	cmd.Env = append(os.Environ(),
		"_FUSE_CALL_BY_LIB=1",
		"_FUSE_COMMFD=3",
		"_FUSE_COMMVERS=2",
		"_FUSE_DAEMON_PATH="+selfExe,
	)
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start mount_macfuse")
	}

	// mount_macfuse blocks until this process completes the FUSE init
	// handshake on the returned device fd, which only happens after this
	// function returns the fd to the caller and the caller replies to the
	// client. Waiting for it here on the current thread would deadlock the
	// machine (spec.md section 4.4); move the wait to a detached thread
	// that is fire-and-forget from the handler's point of view.
	go func() {
		_ = cmd.Wait()
	}()

	dev, err := recvDeviceFd(parent)
	if err != nil {
		return nil, errors.Wrap(err, "receive fd from mount_macfuse")
	}
	return dev, nil
}

// recvDeviceFd reads ancillary data off conn until a single SCM_RIGHTS fd
// arrives, retrying transient EINTR and failing on EOF before any fd shows
// up, per spec.md section 4.4.
func recvDeviceFd(conn *os.File) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	for {
		n, oobn, _, _, err := unix.Recvmsg(int(conn.Fd()), buf, oob, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "recvmsg")
		}
		if n == 0 && oobn == 0 {
			return nil, errors.New("EOF before MacFUSE fd handshake completed")
		}

		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, errors.Wrap(err, "parse socket control message")
		}
		if len(scms) != 1 {
			continue
		}
		fds, err := unix.ParseUnixRights(&scms[0])
		if err != nil {
			return nil, errors.Wrap(err, "parse unix rights")
		}
		if len(fds) != 1 {
			return nil, errors.Errorf("expected exactly one fd from MacFUSE, got %d", len(fds))
		}
		return os.NewFile(uintptr(fds[0]), "/dev/macfuse"), nil
	}
}
