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
	"os/exec"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	osxfuseExtensionsPath = "/Library/Filesystems/osxfuse.fs/Contents/Extensions"
	osxfuseKextName       = "osxfuse.kext"
	edenfsKextPathPrefix  = "/Library/Filesystems/eden.fs/Contents/Extensions"
	edenfsKextName        = "edenfs.kext"
)

// macOSMajorMinor returns the running kernel's product version, used to
// pick the per-OS-version kext bundle path (spec.md section 4.4).
func macOSMajorMinor() (major, minor int, err error) {
	version, err := unix.Sysctl("kern.osproductversion")
	if err != nil {
		return 0, 0, errors.Wrap(err, "sysctl kern.osproductversion")
	}
	if _, err := fmt.Sscanf(version, "%d.%d", &major, &minor); err != nil {
		return 0, 0, errors.Wrapf(err, "parse kern.osproductversion %q", version)
	}
	return major, minor, nil
}

func computeKextPath(preferEdenFsDevice bool) (string, error) {
	major, minor, err := macOSMajorMinor()
	if err != nil {
		return "", err
	}
	if preferEdenFsDevice {
		return fmt.Sprintf("%s/%d.%d/%s", edenfsKextPathPrefix, major, minor, edenfsKextName), nil
	}
	// Starting with Big Sur (major >= 11) the extensions path is keyed by
	// the major version alone.
	if major >= 11 {
		return fmt.Sprintf("%s/%d/%s", osxfuseExtensionsPath, major, osxfuseKextName), nil
	}
	return fmt.Sprintf("%s/%d.%d/%s", osxfuseExtensionsPath, major, minor, osxfuseKextName), nil
}

// loadKext asks the system to load the kernel extension at path. Failure
// is a soft error at the call site: osxfuse may already be loaded, or a
// fallback device path may still work.
func loadKext(path string) error {
	cmd := exec.Command("/sbin/kextload", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "kextload %s: %s", path, out)
	}
	return nil
}
