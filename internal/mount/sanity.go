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

package mount

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SanityCheckMountPoint verifies that the calling client can write to
// every path component leading up to mountPoint, per the original
// PrivHelperServer.cpp's sanityCheckMountPoint (recovered in SPEC_FULL.md
// section 4.4). This is in addition to, not instead of, the mount
// registry's prefix-based authorization: this check validates the
// filesystem layout, the registry check validates which mountpoint the
// request is allowed to name.
func SanityCheckMountPoint(mountPoint string, uid, gid uint32) error {
	abs, err := filepath.Abs(mountPoint)
	if err != nil {
		return errors.Wrapf(err, "resolve absolute path for %s", mountPoint)
	}

	dir := abs
	for {
		info, err := os.Stat(dir)
		if err != nil {
			return errors.Wrapf(err, "stat %s while sanity-checking %s", dir, mountPoint)
		}
		if st, ok := info.Sys().(*unix.Stat_t); ok {
			if st.Uid != uid && uid != 0 {
				// Owned by someone else: only acceptable if world
				// writable, or group writable with the client's gid,
				// which is what the original verifies per path component.
				if st.Mode&unix.S_IWOTH == 0 && !(st.Gid == gid && st.Mode&unix.S_IWGRP != 0) {
					return errors.Errorf("mount point component %s is not writable by uid=%d gid=%d", dir, uid, gid)
				}
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

// DetectAndUnmountStaleMount stats mountPoint and, if it already looks
// like a live mount left behind by a crashed broker, force-unmounts it
// before the caller attempts a fresh mount there.
func DetectAndUnmountStaleMount(mountPoint string, isNFS bool) error {
	var before, after unix.Stat_t
	if err := unix.Stat(mountPoint, &before); err != nil {
		// Nothing there yet (or inaccessible): nothing stale to clean up.
		return nil
	}
	parent := filepath.Dir(mountPoint)
	if err := unix.Stat(parent, &after); err != nil {
		return nil
	}
	if before.Dev == after.Dev {
		// mountPoint and its parent share a device: not currently a mount
		// point, so there is nothing stale to tear down.
		return nil
	}

	opts := UnmountOptions{Force: true, Detach: true}
	if err := Unmount(mountPoint, opts); err != nil {
		return errors.Wrapf(err, "force-unmount stale mount at %s", mountPoint)
	}
	return nil
}
