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
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/facebookexperimental/edenfs-privhelper/internal/mount/nfsxdr"
)

// fsctlSetFsTypeNameOverride is the macOS fsctl(2) selector used to make
// the mounted NFS volume report its filesystem type as "edenfs:" to
// callers that stat it, per spec.md section 4.4.
const fsctlSetFsTypeNameOverride = 0xc0186615

func endpointToAttrs(e, mountd Endpoint) string {
	switch e.Family {
	case AddressFamilyInet6:
		return nfsxdr.SocketTypeTCP6
	case AddressFamilyUnix:
		return nfsxdr.SocketTypeTicotsord
	default:
		return nfsxdr.SocketTypeTCP4
	}
}

// MountNFS implements spec.md section 4.4's "NFS mount, macOS": build the
// XDR attribute list, mount(2), then fsctl to override the reported
// filesystem type name.
func MountNFS(mountPath string, opts NFSMountOptions) error {
	attrs := &nfsxdr.Attrs{
		ResvportPresent: true, ResvportEnabled: false,
		RdirplusPresent: true, RdirplusEnabled: opts.UseReaddirPlus,
		SoftPresent: true, SoftEnabled: opts.SoftMount,
		InterruptiblePresent: true, InterruptibleEnabled: true,

		NFSVersion: 3,
		ReadSize:   opts.ReadIOSize,
		WriteSize:  opts.WriteIOSize,

		HasReaddirSize: opts.HasReaddirSize,
		ReaddirSize:    opts.ReaddirIOSize,
		ReadaheadSize:  opts.ReadAheadSize,

		LockMode: nfsxdr.LockModeLocal,

		SocketType: endpointToAttrs(opts.Nfsd, opts.Mountd),

		// request timeout is split seconds + hundred-millisecond ticks;
		// see DESIGN.md for the known truncated-granularity behavior this
		// preserves rather than "fixes".
		RequestTimeoutSeconds:   uint32(opts.RetransTimeoutTenths / 10),
		RequestTimeoutTenMillis: uint32(opts.RetransTimeoutTenths%10) * 100,

		SoftRetryCount:     uint32(opts.RetransAttempts),
		DeadTimeoutSeconds: opts.DeadTimeoutSeconds,

		FsLocations: []nfsxdr.FsLocation{{
			ServerName:     "edenfs",
			ServerAddrs:    []string{opts.Nfsd.Address},
			PathComponents: []string{mountPath},
		}},

		MountFrom: "edenfs:",
	}
	attrs.DumbtimerPresent = opts.Dumbtimer != DumbtimerUnset
	attrs.DumbtimerEnabled = opts.Dumbtimer == DumbtimerTrue

	if opts.Nfsd.Family == AddressFamilyInet || opts.Nfsd.Family == AddressFamilyInet6 {
		attrs.HasNfsPort = true
		attrs.NfsPort = uint32(opts.Nfsd.Port)
		attrs.HasMountPort = true
		attrs.MountPort = uint32(opts.Mountd.Port)
	} else {
		attrs.NfsdSocketPath = opts.Nfsd.SocketPath
		attrs.MountdSocketPath = opts.Mountd.SocketPath
	}

	flags := uint32(unix.MNT_NOSUID)
	if opts.ReadOnly {
		flags |= unix.MNT_RDONLY
	}
	attrs.MountFlags = flags

	raw, err := nfsxdr.MarshalMountArgs(attrs)
	if err != nil {
		return err
	}

	if err := unix.Mount("nfs", mountPath, int(flags), unsafe.Pointer(&raw[0])); err != nil {
		return errors.Wrapf(err, "mount(2) nfs at %s", mountPath)
	}

	if err := fsctlOverrideFsTypeName(mountPath); err != nil {
		if unmountErr := unix.Unmount(mountPath, unix.MNT_FORCE); unmountErr != nil {
			return errors.Wrapf(err, "fsctl failed and cleanup unmount of %s also failed: %v", mountPath, unmountErr)
		}
		return errors.Wrap(err, "fsctl FSCTL_SET_FSTYPENAME_OVERRIDE")
	}
	return nil
}

func fsctlOverrideFsTypeName(mountPath string) error {
	name := [...]byte{'e', 'd', 'e', 'n', 'f', 's', ':', 0}
	pathBytes, err := unix.BytePtrFromString(mountPath)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FSCTL,
		uintptr(unsafe.Pointer(pathBytes)),
		uintptr(fsctlSetFsTypeNameOverride),
		uintptr(unsafe.Pointer(&name[0])),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
