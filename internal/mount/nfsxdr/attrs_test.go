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

package nfsxdr

import (
	"encoding/binary"
	"testing"
)

func baseAttrs() *Attrs {
	return &Attrs{
		NFSVersion:            3,
		ReadSize:              32768,
		WriteSize:             32768,
		ReadaheadSize:         4,
		LockMode:              LockModeLocal,
		SocketType:            SocketTypeTCP4,
		HasNfsPort:            true,
		NfsPort:               2049,
		HasMountPort:          true,
		MountPort:             635,
		RequestTimeoutSeconds: 1,
		SoftRetryCount:        3,
		DeadTimeoutSeconds:    60,
		MountFlags:            0,
		MountFrom:             "edenfs:",
	}
}

func TestPresentBitmapOmitsUnsetOptionalFields(t *testing.T) {
	a := baseAttrs()
	bm := a.presentBitmap()

	if bm&MattrFlags != 0 {
		t.Error("MattrFlags should be absent when no flag booleans are present")
	}
	if bm&MattrReaddirSize != 0 {
		t.Error("MattrReaddirSize should be absent when HasReaddirSize is false")
	}
	if bm&MattrFsLocations != 0 {
		t.Error("MattrFsLocations should be absent when FsLocations is empty")
	}
	for _, want := range []uint32{MattrNFSVersion, MattrReadSize, MattrWriteSize, MattrReadaheadSize, MattrLockMode, MattrSocketType, MattrNfsPort, MattrMountPort, MattrRequestTimeout, MattrSoftRetryCount, MattrDeadTimeout, MattrMountFlags, MattrMountFrom} {
		if bm&want == 0 {
			t.Errorf("expected bit %d to be set in present bitmap", want)
		}
	}
}

func TestPresentBitmapIncludesFlagsWhenAnyFlagPresent(t *testing.T) {
	a := baseAttrs()
	a.RdirplusPresent = true
	a.RdirplusEnabled = true

	if a.presentBitmap()&MattrFlags == 0 {
		t.Fatal("expected MattrFlags to be set when a flag attribute is present")
	}
	if a.flagsPresentBitmap()&FlagRdirplus == 0 {
		t.Fatal("expected FlagRdirplus to be set in the flags-present bitmap")
	}
	if a.flagsEnabledBitmap()&FlagRdirplus == 0 {
		t.Fatal("expected FlagRdirplus to be set in the flags-enabled bitmap")
	}
}

func TestMarshalIncludesFlagsOnlyWhenPresent(t *testing.T) {
	withoutFlags := baseAttrs()
	withFlags := baseAttrs()
	withFlags.SoftPresent = true
	withFlags.SoftEnabled = true

	bodyWithout, err := withoutFlags.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	bodyWith, err := withFlags.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// The flags-present variant carries two extra uint32s (flags-present
	// and flags-enabled bitmaps) over the otherwise-identical body.
	if len(bodyWith) != len(bodyWithout)+8 {
		t.Fatalf("len(bodyWith)=%d, len(bodyWithout)=%d, want a delta of 8 bytes", len(bodyWith), len(bodyWithout))
	}
}

func TestMarshalMountArgsBackfillsLength(t *testing.T) {
	a := baseAttrs()
	out, err := MarshalMountArgs(a)
	if err != nil {
		t.Fatalf("MarshalMountArgs: %v", err)
	}

	if len(out) < 12 {
		t.Fatalf("expected at least the 12-byte envelope header, got %d bytes", len(out))
	}

	gotVersion := binary.BigEndian.Uint32(out[0:4])
	if gotVersion != ArgsVersion {
		t.Errorf("args_version = %d, want %d", gotVersion, ArgsVersion)
	}

	gotLength := binary.BigEndian.Uint32(out[4:8])
	if int(gotLength) != len(out) {
		t.Errorf("args_length = %d, want %d (the total buffer length)", gotLength, len(out))
	}

	gotXDRVersion := binary.BigEndian.Uint32(out[8:12])
	if gotXDRVersion != XDRArgsVersion {
		t.Errorf("xdr_args_version = %d, want %d", gotXDRVersion, XDRArgsVersion)
	}
}

func TestMarshalWritesFsLocationsWhenPresent(t *testing.T) {
	a := baseAttrs()
	a.FsLocations = []FsLocation{
		{ServerName: "edenfs", ServerAddrs: []string{"127.0.0.1"}, PathComponents: []string{"export"}},
	}
	if a.presentBitmap()&MattrFsLocations == 0 {
		t.Fatal("expected MattrFsLocations to be set once FsLocations is non-empty")
	}
	if _, err := a.Marshal(); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
}
