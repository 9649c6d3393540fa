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

//go:build linux

package mount

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MountFuse opens /dev/fuse and issues the mount(2) syscall described in
// spec.md section 4.4 "Linux FUSE mount". The returned file is owned by the
// caller, which is expected to transfer it to the client over the protocol
// connection and then forget about it. FuseTimeout and PreferEdenFsDevice
// are darwin-only concerns and are ignored here.
func MountFuse(p FuseMountParams) (*os.File, error) {
	fd, err := unix.Open("/dev/fuse", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENOENT) {
			return nil, errors.Wrap(err, "fuse kernel module is not loaded")
		}
		return nil, errors.Wrap(err, "open /dev/fuse")
	}
	dev := os.NewFile(uintptr(fd), "/dev/fuse")

	data := fmt.Sprintf(
		"allow_other,default_permissions,rootmode=040000,user_id=%d,group_id=%d,fd=%d",
		p.UID, p.GID, fd,
	)

	flags := uintptr(unix.MS_NOSUID)
	if p.ReadOnly {
		flags |= unix.MS_RDONLY
	}

	if err := unix.Mount("edenfs:", p.MountPath, p.VfsType, flags, data); err != nil {
		dev.Close()
		return nil, errors.Wrapf(err, "mount(2) fuse at %s", p.MountPath)
	}

	return dev, nil
}
