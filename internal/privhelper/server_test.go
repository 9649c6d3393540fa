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
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/facebookexperimental/edenfs-privhelper/internal/mount"
	"github.com/facebookexperimental/edenfs-privhelper/internal/protocol"
)

// newSocketpair mirrors the protocol package's own test helper: two
// connected *net.UnixConn endpoints backed by a real socketpair, needed
// here because the dispatcher exercises ancillary-fd transfer end to end.
func newSocketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	connFromFd := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			t.Fatalf("expected *net.UnixConn, got %T", c)
		}
		return uc
	}

	a := connFromFd(fds[0])
	b := connFromFd(fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// testHarness wires a PrivHelperServer driven by Run in a background
// goroutine to a client-side codec this test drives directly, with every
// mount backend field replaced by a fake that records its calls instead of
// touching the real filesystem.
type testHarness struct {
	server       *PrivHelperServer
	client       *protocol.Codec
	serverDone   chan error

	mu              sync.Mutex
	sanityCalls     []string
	mountFuseCalls  []string
	mountNFSCalls   []string
	bindMountCalls  []string
	unmountCalls    []string
	bindUnmountCalls []string

	failSanityCheck bool
	failMountFuse   bool
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	serverConn, clientConn := newSocketpair(t)

	serverCodec, err := protocol.NewCodec(serverConn)
	if err != nil {
		t.Fatalf("NewCodec (server): %v", err)
	}
	clientCodec, err := protocol.NewCodec(clientConn)
	if err != nil {
		t.Fatalf("NewCodec (client): %v", err)
	}

	log := logrus.NewEntry(logrus.New())
	h := &testHarness{client: clientCodec}

	srv := newServerWithCodec(serverCodec, 501, 20, log)
	srv.sanityCheckMountPoint = func(mountPoint string, uid, gid uint32) error {
		h.mu.Lock()
		h.sanityCalls = append(h.sanityCalls, mountPoint)
		fail := h.failSanityCheck
		h.mu.Unlock()
		if fail {
			return errStub
		}
		return nil
	}
	srv.detectAndUnmountStale = func(mountPoint string, isNFS bool) error { return nil }
	srv.mountFuse = func(p mount.FuseMountParams) (*os.File, error) {
		h.mu.Lock()
		h.mountFuseCalls = append(h.mountFuseCalls, p.MountPath)
		fail := h.failMountFuse
		h.mu.Unlock()
		if fail {
			return nil, errStub
		}
		return os.Open(os.DevNull)
	}
	srv.mountNFS = func(mountPath string, opts mount.NFSMountOptions) error {
		h.mu.Lock()
		h.mountNFSCalls = append(h.mountNFSCalls, mountPath)
		h.mu.Unlock()
		return nil
	}
	srv.bindMount = func(clientPath, mountPath string) error {
		h.mu.Lock()
		h.bindMountCalls = append(h.bindMountCalls, mountPath)
		h.mu.Unlock()
		return nil
	}
	srv.unmount = func(mountPath string, opts mount.UnmountOptions) error {
		h.mu.Lock()
		h.unmountCalls = append(h.unmountCalls, mountPath)
		h.mu.Unlock()
		return nil
	}
	srv.bindUnmount = func(mountPath string) error {
		h.mu.Lock()
		h.bindUnmountCalls = append(h.bindUnmountCalls, mountPath)
		h.mu.Unlock()
		return nil
	}
	srv.setMemoryPriorityForPid = func(pid, priority int) error { return nil }
	h.server = srv

	h.serverDone = make(chan error, 1)
	go func() { h.serverDone <- srv.Run() }()

	t.Cleanup(func() { clientCodec.Close() })
	return h
}

var errStub = domainStubError("stub backend failure")

type domainStubError string

func (e domainStubError) Error() string { return string(e) }

// roundTrip sends one request packet and returns the decoded response
// packet, matching the transaction id the caller supplied.
func (h *testHarness) roundTrip(t *testing.T, kind protocol.Kind, txid uint32, body interface{}) protocol.Packet {
	t.Helper()
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = protocol.EncodeBody(body)
		if err != nil {
			t.Fatalf("EncodeBody: %v", err)
		}
	}
	header := protocol.Header{Version: protocol.CurrentVersion, TransactionID: txid, MessageKind: uint32(kind)}
	payload := protocol.EncodePacket(header, encoded)
	if err := h.client.Send(protocol.Frame{Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frame, err := h.client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	pkt, err := protocol.DecodePacket(frame.Payload)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	return pkt
}

func TestMountFuseRegistersMountpointAndReturnsFd(t *testing.T) {
	// Scenario S1: MOUNT_FUSE {path:"/tmp/m1", readOnly:false, vfsType:"fuse"}
	// txid 7 -> registry becomes {"/tmp/m1"}, response txid 7, one fd.
	h := newTestHarness(t)

	req := protocol.MountFuseRequest{MountPath: "/tmp/m1", ReadOnly: false, VfsType: "fuse"}
	header := protocol.Header{Version: protocol.CurrentVersion, TransactionID: 7, MessageKind: uint32(protocol.KindMountFuse)}
	encoded, err := protocol.EncodeBody(&req)
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	payload := protocol.EncodePacket(header, encoded)
	if err := h.client.Send(protocol.Frame{Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frame, err := h.client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	pkt, err := protocol.DecodePacket(frame.Payload)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	if pkt.Header.MessageKind != uint32(protocol.KindRespMountFuse) {
		t.Fatalf("MessageKind = %d, want KindRespMountFuse", pkt.Header.MessageKind)
	}
	if pkt.Header.TransactionID != 7 {
		t.Fatalf("TransactionID = %d, want 7", pkt.Header.TransactionID)
	}
	if len(frame.Fds) != 1 {
		t.Fatalf("expected exactly one ancillary fd, got %d", len(frame.Fds))
	}
	syscall.Close(frame.Fds[0])

	if !h.server.registry.Contains("/tmp/m1") {
		t.Fatal("expected /tmp/m1 to be registered after a successful mount")
	}
}

func TestMountFuseFailsDomainErrorOnSanityCheckFailure(t *testing.T) {
	h := newTestHarness(t)
	h.failSanityCheck = true

	req := protocol.MountFuseRequest{MountPath: "/tmp/bad", ReadOnly: false, VfsType: "fuse"}
	pkt := h.roundTrip(t, protocol.KindMountFuse, 8, &req)

	if pkt.Header.MessageKind != uint32(protocol.KindRespError) {
		t.Fatalf("MessageKind = %d, want KindRespError", pkt.Header.MessageKind)
	}
	var body protocol.ErrorBody
	if err := protocol.DecodeBody(pkt.Body, &body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if body.Kind != uint32(protocol.ErrorKindDomain) {
		t.Fatalf("ErrorBody.Kind = %d, want ErrorKindDomain", body.Kind)
	}
	if len(h.mountFuseCalls) != 0 {
		t.Fatalf("expected the mount syscall to never run once the sanity check fails, got %v", h.mountFuseCalls)
	}
	if h.server.registry.Contains("/tmp/bad") {
		t.Fatal("expected /tmp/bad to not be registered after a failed mount")
	}
}

func TestMountFuseFailsSystemErrorOnBackendFailure(t *testing.T) {
	h := newTestHarness(t)
	h.failMountFuse = true

	req := protocol.MountFuseRequest{MountPath: "/tmp/bad2", ReadOnly: false, VfsType: "fuse"}
	pkt := h.roundTrip(t, protocol.KindMountFuse, 10, &req)

	if pkt.Header.MessageKind != uint32(protocol.KindRespError) {
		t.Fatalf("MessageKind = %d, want KindRespError", pkt.Header.MessageKind)
	}
	var body protocol.ErrorBody
	if err := protocol.DecodeBody(pkt.Body, &body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if body.Kind != uint32(protocol.ErrorKindSystem) {
		t.Fatalf("ErrorBody.Kind = %d, want ErrorKindSystem", body.Kind)
	}
	if h.server.registry.Contains("/tmp/bad2") {
		t.Fatal("expected /tmp/bad2 to not be registered after a failed mount")
	}
}

func TestUnmountFuseRemovesMountpoint(t *testing.T) {
	h := newTestHarness(t)
	h.server.registry.Insert("/tmp/m1", mount.KindFuse)

	req := protocol.UnmountFuseRequest{MountPath: "/tmp/m1", Force: true, Detach: true}
	pkt := h.roundTrip(t, protocol.KindUnmountFuse, 9, &req)

	if pkt.Header.MessageKind != uint32(protocol.KindRespEmpty) {
		t.Fatalf("MessageKind = %d, want KindRespEmpty", pkt.Header.MessageKind)
	}
	if pkt.Header.TransactionID != 9 {
		t.Fatalf("TransactionID = %d, want 9", pkt.Header.TransactionID)
	}
	if h.server.registry.Contains("/tmp/m1") {
		t.Fatal("expected /tmp/m1 to be removed from the registry")
	}
	if len(h.unmountCalls) != 1 || h.unmountCalls[0] != "/tmp/m1" {
		t.Fatalf("unmountCalls = %v, want exactly one call for /tmp/m1", h.unmountCalls)
	}
}

func TestUnmountUnregisteredMountpointFailsDomainErrorWithoutSyscall(t *testing.T) {
	// Scenario S2 / invariant 2: unmount of a path the registry doesn't
	// recognize fails without ever invoking the backend.
	h := newTestHarness(t)

	req := protocol.UnmountFuseRequest{MountPath: "/not/registered", Force: true, Detach: true}
	pkt := h.roundTrip(t, protocol.KindUnmountFuse, 3, &req)

	if pkt.Header.MessageKind != uint32(protocol.KindRespError) {
		t.Fatalf("MessageKind = %d, want KindRespError", pkt.Header.MessageKind)
	}
	var body protocol.ErrorBody
	if err := protocol.DecodeBody(pkt.Body, &body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if body.Kind != uint32(protocol.ErrorKindDomain) {
		t.Fatalf("ErrorBody.Kind = %d, want ErrorKindDomain", body.Kind)
	}
	if len(h.unmountCalls) != 0 {
		t.Fatalf("expected no unmount syscall to be attempted, got %v", h.unmountCalls)
	}
}

func TestMountBindRequiresOwningPrefix(t *testing.T) {
	// Scenario S3/S4: bind mount under an owned prefix succeeds; bind mount
	// outside any owned prefix is rejected before the backend runs.
	h := newTestHarness(t)
	h.server.registry.Insert("/tmp/m1", mount.KindFuse)

	ok := protocol.MountBindRequest{ClientPath: "/src", MountPath: "/tmp/m1/sub"}
	pkt := h.roundTrip(t, protocol.KindMountBind, 11, &ok)
	if pkt.Header.MessageKind != uint32(protocol.KindRespEmpty) {
		t.Fatalf("authorized bind: MessageKind = %d, want KindRespEmpty", pkt.Header.MessageKind)
	}
	if !h.server.registry.Contains("/tmp/m1/sub") {
		t.Fatal("expected /tmp/m1/sub to be registered")
	}

	bad := protocol.MountBindRequest{ClientPath: "/src", MountPath: "/etc"}
	pkt = h.roundTrip(t, protocol.KindMountBind, 12, &bad)
	if pkt.Header.MessageKind != uint32(protocol.KindRespError) {
		t.Fatalf("unauthorized bind: MessageKind = %d, want KindRespError", pkt.Header.MessageKind)
	}
	if len(h.bindMountCalls) != 1 {
		t.Fatalf("expected exactly one bind mount syscall (the authorized one), got %v", h.bindMountCalls)
	}
}

func TestGetPidRoundTrip(t *testing.T) {
	// Scenario S6: GET_PID txid 1 -> response body is exactly 4 big-endian
	// bytes equal to this process's pid.
	h := newTestHarness(t)

	pkt := h.roundTrip(t, protocol.KindGetPid, 1, nil)
	if pkt.Header.TransactionID != 1 {
		t.Fatalf("TransactionID = %d, want 1", pkt.Header.TransactionID)
	}
	if len(pkt.Body) != 4 {
		t.Fatalf("body length = %d, want 4", len(pkt.Body))
	}
	var got protocol.GetPidResponse
	if err := protocol.DecodeBody(pkt.Body, &got); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if int(got.Pid) != os.Getpid() {
		t.Fatalf("Pid = %d, want %d", got.Pid, os.Getpid())
	}
}

func TestTransactionIDIsEchoedOnEveryResponseKind(t *testing.T) {
	// Invariant 3: every response carries the request's transaction id,
	// including the error path.
	h := newTestHarness(t)

	okPkt := h.roundTrip(t, protocol.KindGetPid, 55, nil)
	if okPkt.Header.TransactionID != 55 {
		t.Fatalf("ok response txid = %d, want 55", okPkt.Header.TransactionID)
	}

	req := protocol.UnmountFuseRequest{MountPath: "/missing", Force: true, Detach: true}
	errPkt := h.roundTrip(t, protocol.KindUnmountFuse, 56, &req)
	if errPkt.Header.TransactionID != 56 {
		t.Fatalf("error response txid = %d, want 56", errPkt.Header.TransactionID)
	}
}

func TestSetLogFileRequiresExactlyOneFd(t *testing.T) {
	// Invariant 5: SET_LOG_FILE with zero or multiple ancillary fds fails
	// validation and leaves stdout/stderr untouched.
	h := newTestHarness(t)

	header := protocol.Header{Version: protocol.CurrentVersion, TransactionID: 20, MessageKind: uint32(protocol.KindSetLogFile)}
	payload := protocol.EncodePacket(header, nil)
	if err := h.client.Send(protocol.Frame{Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame, err := h.client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	pkt, err := protocol.DecodePacket(frame.Payload)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if pkt.Header.MessageKind != uint32(protocol.KindRespError) {
		t.Fatalf("MessageKind = %d, want KindRespError", pkt.Header.MessageKind)
	}
	var body protocol.ErrorBody
	if err := protocol.DecodeBody(pkt.Body, &body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if body.Kind != uint32(protocol.ErrorKindValidation) {
		t.Fatalf("ErrorBody.Kind = %d, want ErrorKindValidation", body.Kind)
	}
}

func TestPeerCloseCleansUpEveryRegisteredMountpoint(t *testing.T) {
	// Invariant 4 / scenario S5: peer EOF triggers exactly one cleanup
	// attempt per registered mountpoint, and a failure on one doesn't stop
	// the rest from being attempted.
	h := newTestHarness(t)
	h.server.registry.Insert("/tmp/a", mount.KindFuse)
	h.server.registry.Insert("/tmp/b", mount.KindBind)

	h.server.unmount = func(mountPath string, opts mount.UnmountOptions) error {
		h.mu.Lock()
		h.unmountCalls = append(h.unmountCalls, mountPath)
		h.mu.Unlock()
		return errStub
	}
	h.server.bindUnmount = func(mountPath string) error {
		h.mu.Lock()
		h.bindUnmountCalls = append(h.bindUnmountCalls, mountPath)
		h.mu.Unlock()
		return nil
	}

	h.client.Close()
	<-h.serverDone

	if len(h.unmountCalls) != 1 || h.unmountCalls[0] != "/tmp/a" {
		t.Fatalf("unmountCalls = %v, want exactly one call for /tmp/a", h.unmountCalls)
	}
	if len(h.bindUnmountCalls) != 1 || h.bindUnmountCalls[0] != "/tmp/b" {
		t.Fatalf("bindUnmountCalls = %v, want exactly one call for /tmp/b", h.bindUnmountCalls)
	}
	if h.server.registry.Len() != 0 {
		t.Fatalf("expected every mountpoint to be dropped from the registry even though one unmount failed, Len() = %d", h.server.registry.Len())
	}
}

func TestConcurrentStartFamRejected(t *testing.T) {
	// Invariant 6, first half: a second START_FAM while one is already
	// running is rejected rather than replacing the supervised child.
	h := newTestHarness(t)

	tmp, err := os.CreateTemp(t.TempDir(), "fam-*.log")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	h.server.fam.current = &famProcess{
		tmpOutputPath:   tmp.Name(),
		finalOutputPath: "/final/out.log",
		shouldUpload:    true,
		outputFile:      tmp,
	}

	req := protocol.StartFamRequest{PathPrefixes: []string{t.TempDir()}, TmpOutputPath: tmp.Name()}
	pkt := h.roundTrip(t, protocol.KindStartFam, 30, &req)
	if pkt.Header.MessageKind != uint32(protocol.KindRespError) {
		t.Fatalf("concurrent START_FAM: MessageKind = %d, want KindRespError", pkt.Header.MessageKind)
	}
}

func TestStopFamRoundTripsPathsAndUploadFlag(t *testing.T) {
	// Invariant 6, second half: STOP_FAM returns the bookkeeping recorded
	// at Start time and terminates the supervised child.
	h := newTestHarness(t)

	tmp, err := os.CreateTemp(t.TempDir(), "fam-*.log")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}

	h.server.fam.current = &famProcess{
		cmd:             cmd,
		tmpOutputPath:   tmp.Name(),
		finalOutputPath: "/final/out.log",
		shouldUpload:    true,
		outputFile:      tmp,
	}

	pkt := h.roundTrip(t, protocol.KindStopFam, 31, nil)
	if pkt.Header.MessageKind != uint32(protocol.KindRespStopFam) {
		t.Fatalf("MessageKind = %d, want KindRespStopFam", pkt.Header.MessageKind)
	}
	var got protocol.StopFamResponse
	if err := protocol.DecodeBody(pkt.Body, &got); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if got.TmpOutputPath != tmp.Name() || got.FinalOutputPath != "/final/out.log" || !got.Upload {
		t.Fatalf("got = %+v, want tmp=%s final=/final/out.log upload=true", got, tmp.Name())
	}
	if h.server.fam.Running() {
		t.Fatal("expected no FAM child to be supervised after STOP_FAM")
	}
}
