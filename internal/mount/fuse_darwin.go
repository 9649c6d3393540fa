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
	"os"
)

// MountFuse is the macOS FUSE-mount dispatch from spec.md section 4.4:
// prefer MacFUSE; if it fails, log and fall back to osxfuse/edenfs. uid/gid
// are passed to the osxfuse backend, whose mount-args struct does not
// carry them.
func MountFuse(p FuseMountParams) (*os.File, error) {
	dev, err := mountMacFuse(p.MountPath, p.ReadOnly, p.VfsType)
	if err == nil {
		return dev, nil
	}
	p.Log.WithError(err).Warn("MacFUSE mount failed, falling back to osxfuse")

	return mountOSXFuse(p.MountPath, p.ReadOnly, p.VfsType, p.UID, p.GID, p.FuseTimeout, p.PreferEdenFsDevice, p.Log)
}
