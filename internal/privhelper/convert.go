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

package privhelper

import (
	"github.com/facebookexperimental/edenfs-privhelper/internal/mount"
	"github.com/facebookexperimental/edenfs-privhelper/internal/protocol"
)

func endpointFromWire(w protocol.EndpointWire) mount.Endpoint {
	return mount.Endpoint{
		Family:     mount.AddressFamily(w.Family),
		Address:    w.Address,
		Port:       uint16(w.Port),
		SocketPath: w.SocketPath,
	}
}

// dumbtimerFromWire maps the wire tri-state (0=unset, 1=true, 2=false) onto
// mount.DumbtimerSetting -- spec.md section 3's NFS mount options.
func dumbtimerFromWire(v uint32) mount.DumbtimerSetting {
	switch v {
	case 1:
		return mount.DumbtimerTrue
	case 2:
		return mount.DumbtimerFalse
	default:
		return mount.DumbtimerUnset
	}
}

func nfsOptionsFromWire(w protocol.NFSOptionsWire) mount.NFSMountOptions {
	return mount.NFSMountOptions{
		Mountd: endpointFromWire(w.Mountd),
		Nfsd:   endpointFromWire(w.Nfsd),

		ReadIOSize:     w.ReadIOSize,
		WriteIOSize:    w.WriteIOSize,
		ReaddirIOSize:  w.ReaddirIOSize,
		HasReaddirSize: w.HasReaddirSize,
		ReadAheadSize:  w.ReadAheadSize,

		RetransTimeoutTenths: uint16(w.RetransTimeoutTenths),
		RetransAttempts:      uint16(w.RetransAttempts),
		DeadTimeoutSeconds:   w.DeadTimeoutSeconds,

		ReadOnly:       w.ReadOnly,
		SoftMount:      w.SoftMount,
		UseReaddirPlus: w.UseReaddirPlus,
		Dumbtimer:      dumbtimerFromWire(w.DumbtimerSetting),
	}
}

func unmountOptionsFromWire(force, detach, expire bool) mount.UnmountOptions {
	return mount.UnmountOptions{Force: force, Detach: detach, Expire: expire}
}
