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
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// CurrentVersion is the newest protocol version this codec produces.
// Handlers accept any Header.Version up to and including this value and
// reply using the version the request named (spec.md section 4.2).
const CurrentVersion = 1

// Message kind tags. RespError is the sentinel error kind shared by every
// handler's failure path; the rest either name a request or its paired
// response.
const (
	KindMountFuse Kind = iota + 1
	KindMountNFS
	KindMountBind
	KindUnmountFuse
	KindUnmountNFS
	KindUnmountBind
	KindTakeoverStartup
	KindTakeoverShutdown
	KindSetLogFile
	KindSetDaemonTimeout
	KindSetUseEdenFs
	KindGetPid
	KindStartFam
	KindStopFam
	KindSetMemoryPriority

	KindRespEmpty
	KindRespMountFuse
	KindRespGetPid
	KindRespStartFam
	KindRespStopFam
	KindRespError
)

// Kind is the message_kind field of a packet header.
type Kind uint32

// Header is the fixed-size prefix of every packet payload (spec.md
// section 3, "Protocol packet").
type Header struct {
	Version       uint32
	TransactionID uint32
	MessageKind   uint32
}

const headerSize = 12

func (h Header) marshal() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Version)
	binary.BigEndian.PutUint32(buf[4:8], h.TransactionID)
	binary.BigEndian.PutUint32(buf[8:12], h.MessageKind)
	return buf
}

func unmarshalHeader(b []byte) (Header, []byte, error) {
	if len(b) < headerSize {
		return Header{}, nil, errors.Errorf("short packet: %d bytes, need at least %d", len(b), headerSize)
	}
	h := Header{
		Version:       binary.BigEndian.Uint32(b[0:4]),
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		MessageKind:   binary.BigEndian.Uint32(b[8:12]),
	}
	return h, b[headerSize:], nil
}

// Packet is a fully decoded request or response: its header plus the
// still-opaque body bytes, ready for EncodeBody/DecodeBody against a
// kind-specific struct.
type Packet struct {
	Header Header
	Body   []byte
}

// DecodePacket splits a frame payload into its header and body.
func DecodePacket(payload []byte) (Packet, error) {
	h, rest, err := unmarshalHeader(payload)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Body: rest}, nil
}

// EncodePacket serializes a header and an already-xdr-encoded body into
// one payload.
func EncodePacket(h Header, body []byte) []byte {
	return append(h.marshal(), body...)
}

// EncodeBody xdr-marshals v (a pointer to one of the kind-specific
// request/response structs below) into wire bytes, using reflection over
// its exported fields per RFC 4506 -- the same family of encoding the
// macOS NFS mount-args attribute list belongs to, but here driven
// generically instead of by hand, since these bodies are plain
// fixed-and-variable-length field sequences with no bitmap-shaped
// optionality (spec.md section 4.2; see DESIGN.md for why the NFS
// attribute list is the one exception).
func EncodeBody(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, errors.Wrap(err, "xdr marshal packet body")
	}
	return buf.Bytes(), nil
}

// DecodeBody xdr-unmarshals body into v, which must be a pointer to a
// kind-specific request/response struct.
func DecodeBody(body []byte, v interface{}) error {
	_, err := xdr.Unmarshal(bytes.NewReader(body), v)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "xdr unmarshal packet body")
	}
	return nil
}

// ErrorKind tags the taxonomy described in spec.md section 7.
type ErrorKind uint32

const (
	ErrorKindSystem ErrorKind = iota
	ErrorKindValidation
	ErrorKindDomain
	ErrorKindProtocol
	ErrorKindSubprocess
)

// ErrorBody is the RESP_ERROR body: an exception-like record carrying a
// kind tag, a human-readable message, and an optional errno.
type ErrorBody struct {
	Kind     uint32
	Message  string
	HasErrno bool
	Errno    int32
}

// --- Request/response bodies, one struct per kind in spec.md section 4.2's table ---

type EndpointWire struct {
	Family     uint32
	Address    string
	Port       uint32
	SocketPath string
}

type NFSOptionsWire struct {
	Mountd EndpointWire
	Nfsd   EndpointWire

	ReadIOSize     uint32
	WriteIOSize    uint32
	HasReaddirSize bool
	ReaddirIOSize  uint32
	ReadAheadSize  uint32

	RetransTimeoutTenths uint32
	RetransAttempts      uint32
	DeadTimeoutSeconds   uint32

	ReadOnly       bool
	SoftMount      bool
	UseReaddirPlus bool

	// DumbtimerSetting: 0 = unset, 1 = true, 2 = false.
	DumbtimerSetting uint32
}

type MountFuseRequest struct {
	MountPath string
	ReadOnly  bool
	VfsType   string
}

type MountNFSRequest struct {
	MountPath string
	Options   NFSOptionsWire
}

type MountBindRequest struct {
	ClientPath string
	MountPath  string
}

type UnmountFuseRequest struct {
	MountPath string
	Force     bool
	Detach    bool
	Expire    bool
}

type UnmountNFSRequest struct {
	MountPath string
}

type UnmountBindRequest struct {
	MountPath string
}

type TakeoverStartupRequest struct {
	MountPath      string
	BindMountPaths []string
}

type TakeoverShutdownRequest struct {
	MountPath string
}

// SetLogFileRequest's body is empty; the single fd arrives as frame
// ancillary data (spec.md section 4.2).
type SetLogFileRequest struct{}

type SetDaemonTimeoutRequest struct {
	DurationNanos uint64
}

type SetUseEdenFsRequest struct {
	Use bool
}

type GetPidRequest struct{}

// GetPidResponse's single field, xdr-marshaled, is exactly the 4
// big-endian bytes spec.md section 4.2 calls for.
type GetPidResponse struct {
	Pid uint32
}

type StartFamRequest struct {
	PathPrefixes    []string
	TmpOutputPath   string
	FinalOutputPath string
	Upload          bool
}

type StartFamResponse struct {
	Pid uint32
}

type StopFamRequest struct{}

type StopFamResponse struct {
	TmpOutputPath   string
	FinalOutputPath string
	Upload          bool
}

type SetMemoryPriorityRequest struct {
	Pid      uint32
	Priority int32
}
