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

// Package nfsxdr hand-rolls the XDR attribute-list serialization the
// macOS NFS mount backend needs (spec.md section 4.4, "NFS mount,
// macOS"). It is deliberately not built on a reflection-based XDR
// marshaller: the wire format is a bitmap of "present" and "enabled"
// flags in strictly increasing order, where the presence bitmap itself
// determines which fields follow, and there is no generic struct shape
// a reflection marshaller could derive that from. See DESIGN.md for the
// full rationale.
package nfsxdr

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Attribute bits, assigned in the strictly increasing order spec.md
// requires they be serialized in. Each bit set in the "present" bitmap
// means the corresponding field follows in the body; the "enabled"
// bitmap additionally gates the boolean-shaped attributes (resvport,
// rdirplus, soft, interruptible, dumbtimer) that live inside Flags.
const (
	MattrFlags = 1 << iota
	MattrNFSVersion
	MattrReadSize
	MattrWriteSize
	MattrReaddirSize
	MattrReadaheadSize
	MattrLockMode
	MattrSocketType
	MattrNfsPort
	MattrMountPort
	MattrRequestTimeout
	MattrSoftRetryCount
	MattrDeadTimeout
	MattrFsLocations
	MattrMountFlags
	MattrMountFrom
)

// Flag bits living inside the Flags attribute's "enabled"/"present" pair.
const (
	FlagResvport = 1 << iota
	FlagRdirplus
	FlagSoft
	FlagInterruptible
	FlagDumbtimer
)

// LockMode values; NFSv3 mounts use "local" so the client can provide
// file locking when the server lacks it (spec.md section 4.4).
const (
	LockModeEnabled = iota
	LockModeDisabled
	LockModeLocal
)

// SocketType values matching the macOS mount backend's transport
// selection: tcp4/tcp6 for inet families, ticotsord for unix-domain.
const (
	SocketTypeTCP4     = "tcp4"
	SocketTypeTCP6     = "tcp6"
	SocketTypeTicotsord = "ticotsord"
)

// FsLocation is one entry in the fs_locations attribute: a server name,
// its address strings, and the exported path's components.
type FsLocation struct {
	ServerName     string
	ServerAddrs    []string
	PathComponents []string
}

// Attrs is the set of NFS mount attributes the macOS backend serializes.
// Optional attributes are gated by a Has* boolean (ReaddirSize, NfsPort,
// MountPort), by being non-empty (FsLocations, the socket paths), or, for
// the Flags attribute, by any of the *Present booleans being set.
type Attrs struct {
	ResvportEnabled, ResvportPresent           bool
	RdirplusEnabled, RdirplusPresent           bool
	SoftEnabled, SoftPresent                   bool
	InterruptibleEnabled, InterruptiblePresent bool
	DumbtimerEnabled, DumbtimerPresent         bool

	NFSVersion uint32

	ReadSize uint32

	WriteSize uint32

	HasReaddirSize bool
	ReaddirSize    uint32

	ReadaheadSize uint32

	LockMode uint32

	SocketType string

	HasNfsPort bool
	NfsPort    uint32

	HasMountPort bool
	MountPort    uint32

	RequestTimeoutSeconds     uint32
	RequestTimeoutTenMillis   uint32 // see DESIGN.md: truncated-granularity field

	SoftRetryCount uint32

	DeadTimeoutSeconds uint32

	FsLocations []FsLocation

	MountFlags uint32

	MountFrom string

	// NfsdSocketPath/MountdSocketPath are only written when the
	// corresponding endpoint used a unix-domain transport.
	NfsdSocketPath   string
	MountdSocketPath string
}

// presentBitmap builds the "attributes present" bitmap for Attrs,
// independent of the per-boolean "enabled" bitmap nested inside Flags.
func (a *Attrs) presentBitmap() uint32 {
	var bm uint32
	if a.ResvportPresent || a.RdirplusPresent || a.SoftPresent || a.InterruptiblePresent || a.DumbtimerPresent {
		bm |= MattrFlags
	}
	bm |= MattrNFSVersion
	bm |= MattrReadSize
	bm |= MattrWriteSize
	if a.HasReaddirSize {
		bm |= MattrReaddirSize
	}
	bm |= MattrReadaheadSize
	bm |= MattrLockMode
	bm |= MattrSocketType
	if a.HasNfsPort {
		bm |= MattrNfsPort
	}
	if a.HasMountPort {
		bm |= MattrMountPort
	}
	bm |= MattrRequestTimeout
	bm |= MattrSoftRetryCount
	bm |= MattrDeadTimeout
	if len(a.FsLocations) > 0 {
		bm |= MattrFsLocations
	}
	bm |= MattrMountFlags
	bm |= MattrMountFrom
	return bm
}

func (a *Attrs) flagsEnabledBitmap() uint32 {
	var bm uint32
	if a.ResvportEnabled {
		bm |= FlagResvport
	}
	if a.RdirplusEnabled {
		bm |= FlagRdirplus
	}
	if a.SoftEnabled {
		bm |= FlagSoft
	}
	if a.InterruptibleEnabled {
		bm |= FlagInterruptible
	}
	if a.DumbtimerEnabled {
		bm |= FlagDumbtimer
	}
	return bm
}

func (a *Attrs) flagsPresentBitmap() uint32 {
	var bm uint32
	if a.ResvportPresent {
		bm |= FlagResvport
	}
	if a.RdirplusPresent {
		bm |= FlagRdirplus
	}
	if a.SoftPresent {
		bm |= FlagSoft
	}
	if a.InterruptiblePresent {
		bm |= FlagInterruptible
	}
	if a.DumbtimerPresent {
		bm |= FlagDumbtimer
	}
	return bm
}

func writeU32(buf *bytes.Buffer, v uint32) {
	binary.Write(buf, binary.BigEndian, v) //nolint:errcheck // bytes.Buffer.Write never fails
}

func writeXDRString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
	if pad := (4 - len(s)%4) % 4; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

// Marshal serializes Attrs into the nfs_mount_args-style attribute body
// (without the outer args_version/xdr_args_version/args_length header,
// which MarshalMountArgs adds).
func (a *Attrs) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	writeU32(buf, a.presentBitmap())

	if a.presentBitmap()&MattrFlags != 0 {
		writeU32(buf, a.flagsPresentBitmap())
		writeU32(buf, a.flagsEnabledBitmap())
	}
	writeU32(buf, a.NFSVersion)
	writeU32(buf, a.ReadSize)
	writeU32(buf, a.WriteSize)
	if a.HasReaddirSize {
		writeU32(buf, a.ReaddirSize)
	}
	writeU32(buf, a.ReadaheadSize)
	writeU32(buf, a.LockMode)
	writeXDRString(buf, a.SocketType)
	if a.HasNfsPort {
		writeU32(buf, a.NfsPort)
	}
	if a.HasMountPort {
		writeU32(buf, a.MountPort)
	}
	writeU32(buf, a.RequestTimeoutSeconds)
	writeU32(buf, a.RequestTimeoutTenMillis)
	writeU32(buf, a.SoftRetryCount)
	writeU32(buf, a.DeadTimeoutSeconds)
	if len(a.FsLocations) > 0 {
		writeU32(buf, uint32(len(a.FsLocations)))
		for _, loc := range a.FsLocations {
			writeXDRString(buf, loc.ServerName)
			writeU32(buf, uint32(len(loc.ServerAddrs)))
			for _, addr := range loc.ServerAddrs {
				writeXDRString(buf, addr)
			}
			writeU32(buf, uint32(len(loc.PathComponents)))
			for _, comp := range loc.PathComponents {
				writeXDRString(buf, comp)
			}
		}
	}
	writeU32(buf, a.MountFlags)
	writeXDRString(buf, a.MountFrom)
	if a.NfsdSocketPath != "" {
		writeXDRString(buf, a.NfsdSocketPath)
	}
	if a.MountdSocketPath != "" {
		writeXDRString(buf, a.MountdSocketPath)
	}

	return buf.Bytes(), nil
}

// ArgsVersion/XDRArgsVersion are the outer nfs_mount_args header constants
// from spec.md section 4.4.
const (
	ArgsVersion     = 88
	XDRArgsVersion  = 0
)

// MarshalMountArgs wraps an attribute body in the outer
// `nfs_mount_args{args_version, xdr_args_version, attrs}` envelope and
// back-fills args_length once the total size is known.
func MarshalMountArgs(attrs *Attrs) ([]byte, error) {
	body, err := attrs.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal nfs attribute body")
	}

	buf := new(bytes.Buffer)
	writeU32(buf, ArgsVersion)
	// args_length is back-filled below once we know the total size.
	lengthOffset := buf.Len()
	writeU32(buf, 0)
	writeU32(buf, XDRArgsVersion)
	buf.Write(body)

	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[lengthOffset:], uint32(len(out)))
	return out, nil
}
