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

// BindMount implements spec.md section 4.4's "Bind mount" on Linux. Both
// clientPath and mountPath are expected to already be existing
// directories; the caller (dispatcher) is responsible for authorizing the
// mount target against the registry before calling this.
func BindMount(clientPath, mountPath string) error {
	if err := unix.Mount(clientPath, mountPath, "", unix.MS_BIND, ""); err != nil {
		return errors.Wrapf(err, "bind mount(2) %s -> %s", clientPath, mountPath)
	}
	return nil
}
