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

package mount

import "github.com/pkg/errors"

// errUnsupportedUnmountOptions is returned by UnmountOptions.Validate. The
// original PrivHelperServer.cpp validates this with the condition
// `!detach || expire`, which XLOG-asserts rather than returning an error;
// we keep the assertion's intent (reject it) but surface it as a normal
// ValidationError instead of crashing the process.
var errUnsupportedUnmountOptions = errors.New(
	"unmount options: only force is honored; detach must be true and expire must be false")

// errKextNotLoaded is returned by the darwin osxfuse backend when the
// kernel extension could not be found or loaded, distinguishing this case
// from a generic device-open failure per spec.md section 4.4.
var errKextNotLoaded = errors.New("osxfuse/edenfs kernel extension is not loaded")

// ErrBindUnsupported is returned by BindMount on platforms (macOS) that do
// not support bind mounts, per spec.md section 4.4. BindUnmount on macOS
// does not return it; it performs a plain unmount instead.
var ErrBindUnsupported = errors.New("bind mounts are not supported on this platform")

// errStillMounted is an internal sentinel used by pollBindUnmount's
// backoff.Retry loop; it never escapes to a caller.
var errStillMounted = errors.New("bind unmount not yet observed")
