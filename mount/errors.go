/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package mount

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// Error is a library level failure. The codes never overlap with errno
// values.
type Error struct {
	code  int
	msg   string
	class error
}

func (e *Error) Error() string { return e.msg }

// Code returns the numeric code.
func (e *Error) Code() int { return e.code }

// Is matches the errdefs class of e.
func (e *Error) Is(target error) bool {
	return e.class != nil && target == e.class
}

var (
	ErrNoFstab     = &Error{5000, "can't find in fstab", errdefs.ErrNotFound}
	ErrNoFstype    = &Error{5001, "failed to detect filesystem type", errdefs.ErrInvalidArgument}
	ErrNoSource    = &Error{5002, "mount source not found", errdefs.ErrNotFound}
	ErrMountOpt    = &Error{5003, "failed to parse mount options", errdefs.ErrInvalidArgument}
	ErrApplyFlags  = &Error{5004, "failed to apply propagation flags", errdefs.ErrUnavailable}
	ErrAmbiFs      = &Error{5005, "ambivalent filesystem type", errdefs.ErrInvalidArgument}
	ErrLoopDev     = &Error{5006, "failed to setup loop device", errdefs.ErrUnavailable}
	ErrLoopOverlap = &Error{5007, "overlapping loop device exists", errdefs.ErrAlreadyExists}
	ErrLock        = &Error{5008, "locking failed", errdefs.ErrUnavailable}
	ErrNamespace   = &Error{5009, "failed to switch namespace", errdefs.ErrUnavailable}
	ErrOnlyOnce    = &Error{5010, "filesystem already mounted", errdefs.ErrAlreadyExists}
	ErrChown       = &Error{5011, "failed to change mount point owner", errdefs.ErrPermissionDenied}
	ErrChmod       = &Error{5012, "failed to change mount point mode", errdefs.ErrPermissionDenied}
	ErrIDMap       = &Error{5013, "failed to create idmapped mount", errdefs.ErrNotImplemented}
)

// wrapf attaches detail to a library error.
func wrapf(e *Error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprintf(format, args...))
}

// libError returns the library error in err, if any.
func libError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// errnoOf returns the errno in err, 0 when there is none.
func errnoOf(err error) unix.Errno {
	var en unix.Errno
	if errors.As(err, &en) {
		return en
	}
	return 0
}

// Excode is a mount(8)/umount(8) exit status.
type Excode int

const (
	ExSuccess  Excode = 0
	ExUsage    Excode = 1
	ExSyserr   Excode = 2
	ExSoftware Excode = 4
	ExUser     Excode = 8
	ExFileIO   Excode = 16
	ExFail     Excode = 32
	ExSomeOK   Excode = 64
)
