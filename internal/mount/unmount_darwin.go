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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Unmount implements spec.md section 4.4's "Unmount" on macOS. Options
// other than the validated default are rejected up front; see
// UnmountOptions.Validate.
func Unmount(mountPath string, opts UnmountOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := unix.Unmount(mountPath, unix.MNT_FORCE); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return errors.Wrapf(err, "unmount(2) %s", mountPath)
	}
	return nil
}

// BindUnmount is unreachable on macOS because bind mounts themselves are
// unsupported there (spec.md section 4.4), but is implemented for
// symmetry and defense in depth should a registry entry of that kind ever
// appear.
func BindUnmount(mountPath string) error {
	if err := Unmount(mountPath, UnmountOptions{Force: true, Detach: true}); err != nil {
		return err
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
