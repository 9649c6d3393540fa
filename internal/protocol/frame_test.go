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

package protocol

import (
	"bytes"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

// newSocketpair returns two connected *net.UnixConn endpoints, grounded on
// the syscall.Socketpair-based fd-passing test setup implied by the
// gcsfuse fusermount vendor snippet retrieved in the example pack.
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

func TestCodecSendReceiveRoundTrip(t *testing.T) {
	connA, connB := newSocketpair(t)

	codecA, err := NewCodec(connA)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	codecB, err := NewCodec(connB)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	want := Frame{Payload: []byte("hello, broker")}
	if err := codecA.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := codecB.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("Receive payload = %q, want %q", got.Payload, want.Payload)
	}
}

func TestCodecSendReceiveWithFd(t *testing.T) {
	connA, connB := newSocketpair(t)
	codecA, err := NewCodec(connA)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	codecB, err := NewCodec(connB)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	defer devNull.Close()

	if err := codecA.Send(Frame{Payload: []byte("fd coming"), Fds: []int{int(devNull.Fd())}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := codecB.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got.Fds) != 1 {
		t.Fatalf("expected exactly one transferred fd, got %d", len(got.Fds))
	}
	syscall.Close(got.Fds[0])
}

func TestCodecReceiveEOFOnPeerClose(t *testing.T) {
	connA, connB := newSocketpair(t)
	codecB, err := NewCodec(connB)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	connA.Close()

	_, err = codecB.Receive()
	if err != io.EOF {
		t.Fatalf("Receive after peer close = %v, want io.EOF", err)
	}
}
