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

// authorizeUnderMount is the mandatory registry prefix check spec.md
// section 4.3 calls the broker's "sole defense against being weaponized to
// mount or unmount arbitrary filesystem locations": path must be nested
// strictly under a registered mountpoint; a path equal to a registered
// mountpoint itself is rejected. Callers that need the owning
// mountpoint (none currently do) can use Registry.FindPrefix directly.
func (s *PrivHelperServer) authorizeUnderMount(path string) error {
	if _, ok := s.registry.FindPrefix(path); !ok {
		return DomainError("%s is not within any mountpoint this broker owns", path)
	}
	return nil
}

func (s *PrivHelperServer) handleMountFuse(body []byte, _ []int) (response, error) {
	var req protocol.MountFuseRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode MOUNT_FUSE request: %v", err)
	}

	if err := s.sanityCheckMountPoint(req.MountPath, s.uid, s.gid); err != nil {
		return response{}, DomainError("%v", err)
	}
	if err := s.detectAndUnmountStale(req.MountPath, false); err != nil {
		s.log.WithError(err).WithField("path", req.MountPath).Warn("stale mount cleanup failed, attempting mount anyway")
	}

	dev, err := s.mountFuse(s.fuseMountParams(req.MountPath, req.ReadOnly, req.VfsType))
	if err != nil {
		return response{}, SystemError(err, "mount fuse")
	}
	defer dev.Close()

	s.registry.Insert(req.MountPath, mount.KindFuse)
	return response{kind: protocol.KindRespMountFuse, fds: []int{int(dev.Fd())}}, nil
}

func (s *PrivHelperServer) handleMountNFS(body []byte, _ []int) (response, error) {
	var req protocol.MountNFSRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode MOUNT_NFS request: %v", err)
	}

	if err := s.sanityCheckMountPoint(req.MountPath, s.uid, s.gid); err != nil {
		return response{}, DomainError("%v", err)
	}
	if err := s.detectAndUnmountStale(req.MountPath, true); err != nil {
		s.log.WithError(err).WithField("path", req.MountPath).Warn("stale mount cleanup failed, attempting mount anyway")
	}

	opts := nfsOptionsFromWire(req.Options)
	if err := s.mountNFS(req.MountPath, opts); err != nil {
		return response{}, SystemError(err, "mount nfs")
	}

	s.registry.Insert(req.MountPath, mount.KindNFS)
	return emptyResponse()
}

func (s *PrivHelperServer) handleMountBind(body []byte, _ []int) (response, error) {
	var req protocol.MountBindRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode MOUNT_BIND request: %v", err)
	}

	if err := s.authorizeUnderMount(req.MountPath); err != nil {
		return response{}, err
	}

	if err := s.bindMount(req.ClientPath, req.MountPath); err != nil {
		return response{}, SystemError(err, "bind mount")
	}

	s.registry.Insert(req.MountPath, mount.KindBind)
	return emptyResponse()
}

func (s *PrivHelperServer) handleUnmountFuse(body []byte, _ []int) (response, error) {
	var req protocol.UnmountFuseRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode UNMOUNT_FUSE request: %v", err)
	}
	return s.unmountTopLevel(req.MountPath, unmountOptionsFromWire(req.Force, req.Detach, req.Expire))
}

func (s *PrivHelperServer) handleUnmountNFS(body []byte, _ []int) (response, error) {
	var req protocol.UnmountNFSRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode UNMOUNT_NFS request: %v", err)
	}
	return s.unmountTopLevel(req.MountPath, mount.UnmountOptions{Force: true, Detach: true})
}

// unmountTopLevel is shared by UNMOUNT_FUSE and UNMOUNT_NFS: both require
// the path to own (not merely live under) a registry entry, validate the
// unmount options, unmount, then drop the registry entry.
func (s *PrivHelperServer) unmountTopLevel(mountPath string, opts mount.UnmountOptions) (response, error) {
	if !s.registry.Contains(mountPath) {
		return response{}, DomainError("%s is not a mountpoint this broker owns", mountPath)
	}
	if err := opts.Validate(); err != nil {
		return response{}, ValidationError("%v", err)
	}
	if err := s.unmount(mountPath, opts); err != nil {
		return response{}, SystemError(err, "unmount")
	}
	s.registry.Remove(mountPath)
	return emptyResponse()
}

func (s *PrivHelperServer) handleUnmountBind(body []byte, _ []int) (response, error) {
	var req protocol.UnmountBindRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode UNMOUNT_BIND request: %v", err)
	}

	if err := s.authorizeUnderMount(req.MountPath); err != nil {
		return response{}, err
	}

	if err := s.bindUnmount(req.MountPath); err != nil {
		return response{}, SystemError(err, "bind unmount")
	}

	s.registry.Remove(req.MountPath)
	return emptyResponse()
}

// handleTakeoverStartup adopts a mountpoint (and its bind-mount paths) into
// the registry without performing any mount syscall, per SPEC_FULL.md
// section 4.4's "Takeover startup/shutdown": a successor broker process is
// inheriting an already-live mount from its predecessor.
func (s *PrivHelperServer) handleTakeoverStartup(body []byte, _ []int) (response, error) {
	var req protocol.TakeoverStartupRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode TAKEOVER_STARTUP request: %v", err)
	}

	if err := s.sanityCheckMountPoint(req.MountPath, s.uid, s.gid); err != nil {
		return response{}, DomainError("%v", err)
	}

	s.registry.Insert(req.MountPath, mount.KindFuse)
	for _, bindPath := range req.BindMountPaths {
		s.registry.Insert(bindPath, mount.KindBind)
	}
	return emptyResponse()
}

// handleTakeoverShutdown relinquishes a mountpoint from the registry
// without unmounting it, so a successor process can adopt it next.
func (s *PrivHelperServer) handleTakeoverShutdown(body []byte, _ []int) (response, error) {
	var req protocol.TakeoverShutdownRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode TAKEOVER_SHUTDOWN request: %v", err)
	}

	s.registry.Remove(req.MountPath)
	return emptyResponse()
}
