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

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// pollBindUnmount implements spec.md section 4.4's bind-unmount polling:
// success is either statvfs beginning to fail, or its reported fsid
// differing from the pre-unmount value. It gives up after
// DefaultBindUnmountTimeout with a warning rather than failing the
// operation, since by that point the plain unmount(2) call already
// succeeded or was a harmless no-op.
func pollBindUnmount(mountPath string) error {
	before, beforeID, err := statFsid(mountPath)

	op := func() error {
		ok, id, statErr := statFsid(mountPath)
		if !ok {
			// statvfs failing at all is one of the two success
			// conditions, independent of why it failed.
			return nil
		}
		if before && ok && id != beforeID {
			return nil
		}
		if statErr != nil {
			return nil
		}
		return errStillMounted
	}

	b := backoff.NewConstantBackOff(DefaultBindUnmountPollInterval)
	bounded := backoff.WithMaxElapsedTime(b, DefaultBindUnmountTimeout)
	if err := backoff.Retry(op, bounded); err != nil {
		logrus.WithField("mountPath", mountPath).
			WithError(err).
			Warn("bind-unmount poll did not observe completion within the grace period; proceeding anyway")
	}
	_ = err // pre-unmount stat failure is informational only
	return nil
}
