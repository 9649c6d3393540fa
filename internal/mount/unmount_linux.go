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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Unmount implements spec.md section 4.4's "Unmount" on Linux.
// UMOUNT_NOFOLLOW is mandatory to prevent symlink following; MNT_DETACH
// makes the mount disappear from the namespace immediately. EINVAL is
// treated as success ("already gone").
func Unmount(mountPath string, opts UnmountOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	flags := unix.UMOUNT_NOFOLLOW | unix.MNT_DETACH
	if opts.Force {
		flags |= unix.MNT_FORCE
	}

	if err := unix.Unmount(mountPath, flags); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return errors.Wrapf(err, "umount2(2) %s", mountPath)
	}
	return nil
}

// BindUnmount performs a plain unmount and then polls until the kernel
// reflects the change, per spec.md section 4.4's "Bind unmount".
func BindUnmount(mountPath string) error {
	if err := unix.Unmount(mountPath, unix.UMOUNT_NOFOLLOW|unix.MNT_DETACH); err != nil {
		if !errors.Is(err, unix.EINVAL) {
			return errors.Wrapf(err, "umount2(2) %s", mountPath)
		}
	}
	return pollBindUnmount(mountPath)
}

func statFsid(path string) (ok bool, id [2]int32, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, id, err
	}
	return true, st.Fsid.Val, nil
}
