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
	"io"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/facebookexperimental/edenfs-privhelper/internal/mount"
	"github.com/facebookexperimental/edenfs-privhelper/internal/protocol"
)

// response is what a handler hands back to the loop: the response kind to
// tag the header with, the already-typed body to xdr-encode (nil for the
// handful of kinds whose response body is empty), and any file descriptors
// to attach as ancillary data (exactly one, for MOUNT_FUSE).
type response struct {
	kind protocol.Kind
	body interface{}
	fds  []int
}

func emptyResponse() (response, error) {
	return response{kind: protocol.KindRespEmpty}, nil
}

// handlerFunc is a handler's shape: it receives the still-xdr-encoded body
// and any fds that arrived as ancillary data alongside the request frame
// (only SET_LOG_FILE's handler looks at the latter), and returns exactly
// one response or one error -- spec.md section 4.2's "Failure of any
// handler produces a RESP_ERROR response... never a disconnect."
type handlerFunc func(s *PrivHelperServer, body []byte, fds []int) (response, error)

// handlers is the dispatch table implementing every row of spec.md section
// 4.2's request-kind table.
var handlers = map[protocol.Kind]handlerFunc{
	protocol.KindMountFuse:         (*PrivHelperServer).handleMountFuse,
	protocol.KindMountNFS:          (*PrivHelperServer).handleMountNFS,
	protocol.KindMountBind:         (*PrivHelperServer).handleMountBind,
	protocol.KindUnmountFuse:       (*PrivHelperServer).handleUnmountFuse,
	protocol.KindUnmountNFS:        (*PrivHelperServer).handleUnmountNFS,
	protocol.KindUnmountBind:       (*PrivHelperServer).handleUnmountBind,
	protocol.KindTakeoverStartup:   (*PrivHelperServer).handleTakeoverStartup,
	protocol.KindTakeoverShutdown:  (*PrivHelperServer).handleTakeoverShutdown,
	protocol.KindSetLogFile:        (*PrivHelperServer).handleSetLogFile,
	protocol.KindSetDaemonTimeout:  (*PrivHelperServer).handleSetDaemonTimeout,
	protocol.KindSetUseEdenFs:      (*PrivHelperServer).handleSetUseEdenFs,
	protocol.KindGetPid:            (*PrivHelperServer).handleGetPid,
	protocol.KindStartFam:          (*PrivHelperServer).handleStartFam,
	protocol.KindStopFam:           (*PrivHelperServer).handleStopFam,
	protocol.KindSetMemoryPriority: (*PrivHelperServer).handleSetMemoryPriority,
}

// Run drives the single-threaded cooperative event loop spec.md section
// 4.6 describes: receive a frame, decode it, dispatch to a handler, encode
// and send the response, repeat until the peer disconnects or the socket
// errors. It only returns a non-nil error for loop-terminal conditions --
// a handler failure never reaches here, it becomes a RESP_ERROR response
// on the wire instead. Every return path runs mount and FAM cleanup first.
func (s *PrivHelperServer) Run() error {
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM)

	defer s.cleanupMounts()
	defer s.fam.StopOnShutdown()

	for {
		frame, err := s.codec.Receive()
		if err != nil {
			if err == io.EOF {
				s.log.Info("peer closed control socket, shutting down")
				return nil
			}
			s.log.WithError(err).Warn("control socket receive failed, shutting down")
			return err
		}

		pkt, err := protocol.DecodePacket(frame.Payload)
		if err != nil {
			s.log.WithError(err).Warn("malformed packet, shutting down")
			return err
		}

		s.log.WithFields(logFields(pkt)).Debug("dispatching request")
		s.dispatch(pkt, frame.Fds)
	}
}

func logFields(pkt protocol.Packet) logrus.Fields {
	return logrus.Fields{"kind": pkt.Header.MessageKind, "txid": pkt.Header.TransactionID}
}

// dispatch runs one request through its handler and sends exactly one
// response frame, converting any handler error into a RESP_ERROR body
// instead of ever propagating it.
func (s *PrivHelperServer) dispatch(pkt protocol.Packet, fds []int) {
	if pkt.Header.Version > protocol.CurrentVersion {
		s.sendError(pkt.Header, ProtocolError("unsupported protocol version %d (newest supported is %d)", pkt.Header.Version, protocol.CurrentVersion))
		return
	}

	h, ok := handlers[protocol.Kind(pkt.Header.MessageKind)]
	if !ok {
		s.sendError(pkt.Header, ProtocolError("unknown message kind %d", pkt.Header.MessageKind))
		return
	}

	resp, err := h(s, pkt.Body, fds)
	if err != nil {
		s.sendError(pkt.Header, err)
		return
	}

	s.send(pkt.Header, resp)
}

func (s *PrivHelperServer) send(h protocol.Header, resp response) {
	var bodyBytes []byte
	if resp.body != nil {
		encoded, err := protocol.EncodeBody(resp.body)
		if err != nil {
			s.sendError(h, SystemError(err, "encode response body"))
			return
		}
		bodyBytes = encoded
	}

	respHeader := protocol.Header{
		Version:       h.Version,
		TransactionID: h.TransactionID,
		MessageKind:   uint32(resp.kind),
	}
	payload := protocol.EncodePacket(respHeader, bodyBytes)
	if err := s.codec.Send(protocol.Frame{Payload: payload, Fds: resp.fds}); err != nil {
		s.log.WithError(err).Warn("failed to send response frame")
	}
}

func (s *PrivHelperServer) sendError(h protocol.Header, err error) {
	s.log.WithError(err).WithField("txid", h.TransactionID).Warn("handler failed")
	body := toErrorBody(err)
	encoded, encErr := protocol.EncodeBody(&body)
	if encErr != nil {
		// Nothing sane to do if even the error body won't encode; drop the
		// frame rather than loop forever retrying.
		s.log.WithError(encErr).Error("failed to encode error response body")
		return
	}
	respHeader := protocol.Header{
		Version:       h.Version,
		TransactionID: h.TransactionID,
		MessageKind:   uint32(protocol.KindRespError),
	}
	payload := protocol.EncodePacket(respHeader, encoded)
	if sendErr := s.codec.Send(protocol.Frame{Payload: payload}); sendErr != nil {
		s.log.WithError(sendErr).Warn("failed to send error response frame")
	}
}

// cleanupMounts is the loop-exit step spec.md section 4.6 mandates: unmount
// every mountpoint still in the registry, logging but never failing on a
// per-mount basis (spec.md section 8 property 4).
func (s *PrivHelperServer) cleanupMounts() {
	paths := s.registry.Paths()
	var errs *multierror.Error
	for _, path := range paths {
		kind, ok := s.registry.Kind(path)
		if !ok {
			continue
		}
		var err error
		if kind == mount.KindBind {
			err = s.bindUnmount(path)
		} else {
			err = s.unmount(path, mount.UnmountOptions{Force: true, Detach: true})
		}
		if err != nil {
			s.log.WithError(err).WithField("path", path).Warn("cleanup unmount failed")
			errs = multierror.Append(errs, err)
		} else {
			s.log.WithField("path", path).Info("cleanup unmount succeeded")
		}
		s.registry.Remove(path)
	}
	if errs != nil {
		s.log.WithError(errs.ErrorOrNil()).Warn("one or more cleanup unmounts failed")
	}
}
