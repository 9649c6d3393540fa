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
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/facebookexperimental/edenfs-privhelper/internal/protocol"
)

// handleSetLogFile implements spec.md section 4.7: require exactly one fd
// in ancillary data, dup2 it onto both stdout and stderr. Zero or multiple
// fds is a validation error that leaves stdout/stderr untouched (spec.md
// section 8 property 5).
func (s *PrivHelperServer) handleSetLogFile(body []byte, fds []int) (response, error) {
	if len(fds) != 1 {
		return response{}, ValidationError("SET_LOG_FILE requires exactly one ancillary fd, got %d", len(fds))
	}
	fd := fds[0]

	if err := unix.Dup2(fd, int(os.Stdout.Fd())); err != nil {
		return response{}, SystemError(err, "dup2 log fd onto stdout")
	}
	if err := unix.Dup2(fd, int(os.Stderr.Fd())); err != nil {
		return response{}, SystemError(err, "dup2 log fd onto stderr")
	}
	unix.Close(fd)

	return emptyResponse()
}

func (s *PrivHelperServer) handleSetDaemonTimeout(body []byte, _ []int) (response, error) {
	var req protocol.SetDaemonTimeoutRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode SET_DAEMON_TIMEOUT request: %v", err)
	}
	s.fuseDaemonTimeout = time.Duration(req.DurationNanos)
	return emptyResponse()
}

func (s *PrivHelperServer) handleSetUseEdenFs(body []byte, _ []int) (response, error) {
	var req protocol.SetUseEdenFsRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode SET_USE_EDENFS request: %v", err)
	}
	s.preferEdenFsDevice = req.Use
	return emptyResponse()
}

func (s *PrivHelperServer) handleGetPid(body []byte, _ []int) (response, error) {
	return response{
		kind: protocol.KindRespGetPid,
		body: &protocol.GetPidResponse{Pid: uint32(os.Getpid())},
	}, nil
}

func (s *PrivHelperServer) handleStartFam(body []byte, _ []int) (response, error) {
	var req protocol.StartFamRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode START_FAM request: %v", err)
	}

	pid, err := s.fam.Start(req.PathPrefixes, req.TmpOutputPath, req.FinalOutputPath, req.Upload)
	if err != nil {
		return response{}, err
	}

	return response{
		kind: protocol.KindRespStartFam,
		body: &protocol.StartFamResponse{Pid: uint32(pid)},
	}, nil
}

func (s *PrivHelperServer) handleStopFam(body []byte, _ []int) (response, error) {
	tmpPath, finalPath, upload, err := s.fam.Stop()
	if err != nil {
		return response{}, err
	}

	return response{
		kind: protocol.KindRespStopFam,
		body: &protocol.StopFamResponse{
			TmpOutputPath:   tmpPath,
			FinalOutputPath: finalPath,
			Upload:          upload,
		},
	}, nil
}

func (s *PrivHelperServer) handleSetMemoryPriority(body []byte, _ []int) (response, error) {
	var req protocol.SetMemoryPriorityRequest
	if err := protocol.DecodeBody(body, &req); err != nil {
		return response{}, ProtocolError("decode SET_MEMORY_PRIORITY request: %v", err)
	}

	if err := s.setMemoryPriorityForPid(int(req.Pid), int(req.Priority)); err != nil {
		return response{}, SystemError(err, "set memory priority")
	}
	return emptyResponse()
}
