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
	"syscall"

	"github.com/pkg/errors"

	"github.com/facebookexperimental/edenfs-privhelper/internal/protocol"
)

// taggedError pairs a wrapped cause with the error-taxonomy kind
// spec.md section 7 requires every handler failure to carry into its
// RESP_ERROR response.
type taggedError struct {
	kind  protocol.ErrorKind
	cause error
	errno int32
	hasErrno bool
}

func (e *taggedError) Error() string { return e.cause.Error() }
func (e *taggedError) Unwrap() error { return e.cause }

func newTaggedError(kind protocol.ErrorKind, cause error) *taggedError {
	return &taggedError{kind: kind, cause: cause}
}

// SystemError wraps an underlying syscall failure with context, per
// spec.md section 7. When the cause chain contains a syscall.Errno, its
// value is carried into the RESP_ERROR body.
func SystemError(cause error, context string) error {
	e := newTaggedError(protocol.ErrorKindSystem, errors.Wrap(cause, context))
	var errno syscall.Errno
	if errors.As(cause, &errno) {
		e.errno = int32(errno)
		e.hasErrno = true
	}
	return e
}

// ValidationError flags malformed arguments, oversized fixed buffers, or
// an unsupported platform feature, per spec.md section 7.
func ValidationError(format string, args ...interface{}) error {
	return newTaggedError(protocol.ErrorKindValidation, errors.Errorf(format, args...))
}

// DomainError flags a request referencing a mountpoint the broker does
// not own, or a failed prefix check, per spec.md section 7.
func DomainError(format string, args ...interface{}) error {
	return newTaggedError(protocol.ErrorKindDomain, errors.Errorf(format, args...))
}

// ProtocolError flags an unknown message kind, unsupported version, or
// malformed body, per spec.md section 7.
func ProtocolError(format string, args ...interface{}) error {
	return newTaggedError(protocol.ErrorKindProtocol, errors.Errorf(format, args...))
}

// SubprocessError flags a FAM child that failed to start, failed to
// terminate within its grace period, or returned an unexpected status,
// per spec.md section 7.
func SubprocessError(cause error, context string) error {
	return newTaggedError(protocol.ErrorKindSubprocess, errors.Wrap(cause, context))
}

// toErrorBody converts any handler error into the wire ErrorBody.
// Errors that were not produced by one of the constructors above are
// classified as system errors, matching the original's behavior of
// catching every handler exception at the dispatcher.
func toErrorBody(err error) protocol.ErrorBody {
	var tagged *taggedError
	if errors.As(err, &tagged) {
		body := protocol.ErrorBody{
			Kind:    uint32(tagged.kind),
			Message: tagged.Error(),
		}
		if tagged.hasErrno {
			body.HasErrno = true
			body.Errno = tagged.errno
		}
		return body
	}
	return protocol.ErrorBody{
		Kind:    uint32(protocol.ErrorKindSystem),
		Message: err.Error(),
	}
}
