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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetMemoryPriorityForProcess implements spec.md section 4.7's
// SET_MEMORY_PRIORITY admin handler: delegate to a platform-specific
// priority-setting routine keyed on an integer level. Both of our target
// platforms expose the same setpriority(2) syscall through x/sys/unix, so
// this lives outside the linux/darwin-specific files, unlike the mount
// backends above.
func SetMemoryPriorityForProcess(pid int, priority int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, priority); err != nil {
		return errors.Wrapf(err, "setpriority(2) pid=%d priority=%d", pid, priority)
	}
	return nil
}
