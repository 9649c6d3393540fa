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
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MountNFS implements spec.md section 4.4's "NFS mount, Linux": reject
// non-inet addresses and compose an options string for mount(2).
func MountNFS(mountPath string, opts NFSMountOptions) error {
	if opts.Nfsd.Family == AddressFamilyUnix || opts.Mountd.Family == AddressFamilyUnix {
		return errors.New("Linux NFS mounts do not support unix-domain mountd/nfsd addresses")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "addr=%s,vers=3,proto=tcp,port=%d", opts.Nfsd.Address, opts.Nfsd.Port)
	fmt.Fprintf(&b, ",mountvers=3,mountproto=tcp,mountport=%d", opts.Mountd.Port)
	b.WriteString(",noresvport,nolock")
	if opts.UseReaddirPlus {
		b.WriteString(",rdirplus")
	} else {
		b.WriteString(",nordirplus")
	}
	if opts.SoftMount {
		b.WriteString(",soft")
	} else {
		b.WriteString(",hard")
	}
	fmt.Fprintf(&b, ",retrans=%d,timeo=%d", opts.RetransAttempts, opts.RetransTimeoutTenths)
	fmt.Fprintf(&b, ",rsize=%d,wsize=%d", opts.ReadIOSize, opts.WriteIOSize)

	flags := uintptr(unix.MS_NOSUID)
	if opts.ReadOnly {
		flags |= unix.MS_RDONLY
	}

	source := "edenfs:" + mountPath
	if err := unix.Mount(source, mountPath, "nfs", flags, b.String()); err != nil {
		return errors.Wrapf(err, "mount(2) nfs at %s", mountPath)
	}
	return nil
}
