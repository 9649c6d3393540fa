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

// Package protocol implements the privhelper wire protocol described in
// spec.md sections 4.1 and 4.2: a length-prefixed frame codec carrying an
// opaque payload plus optional transferred file descriptors, and a typed
// packet codec layered on top of it.
package protocol

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// lengthPrefixSize is the size, in bytes, of the frame's length prefix.
const lengthPrefixSize = 4

// maxFrameSize bounds how large a single frame's payload may be, guarding
// against a misbehaving or malicious peer driving an unbounded allocation.
const maxFrameSize = 64 << 20

// Frame is one length-prefixed message: an opaque payload plus any file
// descriptors transferred alongside it as ancillary SCM_RIGHTS data. The
// frame codec never interprets Payload -- that's the packet codec's job.
type Frame struct {
	Payload []byte
	Fds     []int
}

// Codec sends and receives whole Frames over a connected Unix stream
// socket. It is not safe for concurrent use by multiple goroutines; the
// dispatcher's single-threaded event loop is its only caller (spec.md
// section 5).
type Codec struct {
	conn *net.UnixConn
	raw  *rawUnixConn
}

// NewCodec wraps a connected Unix-domain stream socket.
func NewCodec(conn *net.UnixConn) (*Codec, error) {
	raw, err := newRawUnixConn(conn)
	if err != nil {
		return nil, err
	}
	return &Codec{conn: conn, raw: raw}, nil
}

// Send writes a whole frame: a 4-byte big-endian length prefix, the
// payload, and any ancillary file descriptors, in a single sendmsg call.
func (c *Codec) Send(f Frame) error {
	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(f.Payload)))
	out := append(header, f.Payload...)

	var oob []byte
	if len(f.Fds) > 0 {
		oob = unix.UnixRights(f.Fds...)
	}
	return c.raw.sendmsg(out, oob)
}

// Receive reads one whole frame, buffering partial reads until the
// length-prefixed payload is fully available. It returns io.EOF when the
// peer has closed its end of the socket, and a wrapped error for any
// other receive failure -- both of which are terminal to the dispatcher's
// event loop per spec.md section 4.6.
func (c *Codec) Receive() (Frame, error) {
	header, fds, err := c.raw.readFull(lengthPrefixSize, nil)
	if err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameSize {
		return Frame{}, errors.Errorf("frame length %d exceeds maximum of %d", length, maxFrameSize)
	}

	payload, fds, err := c.raw.readFull(int(length), fds)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Payload: payload, Fds: fds}, nil
}

// Close releases the underlying socket.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// rawUnixConn does the fd-level work ReadMsgUnix/WriteMsgUnix need:
// accumulating partial stream reads and collecting ancillary fds that may
// arrive attached to any of the underlying reads that make up one frame.
type rawUnixConn struct {
	conn *net.UnixConn
}

func newRawUnixConn(conn *net.UnixConn) (*rawUnixConn, error) {
	return &rawUnixConn{conn: conn}, nil
}

func (r *rawUnixConn) sendmsg(payload []byte, oob []byte) error {
	_, _, err := r.conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return errors.Wrap(err, "WriteMsgUnix")
	}
	return nil
}

// readFull reads exactly n bytes, appending any file descriptors found in
// ancillary data along the way to fds, and returns the accumulated
// descriptor list together with the n bytes read.
func (r *rawUnixConn) readFull(n int, fds []int) ([]byte, []int, error) {
	buf := make([]byte, n)
	read := 0
	oob := make([]byte, unix.CmsgSpace(64*4)) // room for a generous number of fds

	for read < n {
		nr, oobn, _, _, err := r.conn.ReadMsgUnix(buf[read:], oob)
		if nr == 0 && err == io.EOF {
			return nil, fds, io.EOF
		}
		if err != nil {
			if nr == 0 {
				return nil, fds, errors.Wrap(err, "ReadMsgUnix")
			}
			// Partial read alongside an error: fall through and retry on
			// the next iteration with what remains.
		}
		read += nr

		if oobn > 0 {
			scms, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				return nil, fds, errors.Wrap(err, "parse socket control message")
			}
			for _, scm := range scms {
				gotFds, err := unix.ParseUnixRights(&scm)
				if err != nil {
					return nil, fds, errors.Wrap(err, "parse unix rights")
				}
				fds = append(fds, gotFds...)
			}
		}

		if nr == 0 && oobn == 0 {
			return nil, fds, io.EOF
		}
	}
	return buf, fds, nil
}
