// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"errors"
	"syscall"

	"github.com/razorfs/razorfs/internal/raerr"
)

// errnoFor maps a raerr.Kind to the syscall.Errno the bridge expects back,
// the way the teacher's fs.go special-cases *gcs.PreconditionError into
// fuse.EEXIST: here every internal error kind gets a fixed mapping instead
// of one ad hoc case.
func errnoFor(k raerr.Kind) syscall.Errno {
	switch k {
	case raerr.NotFound:
		return syscall.ENOENT
	case raerr.NotDirectory:
		return syscall.ENOTDIR
	case raerr.IsDirectory:
		return syscall.EISDIR
	case raerr.Exists:
		return syscall.EEXIST
	case raerr.NotEmpty:
		return syscall.ENOTEMPTY
	case raerr.NoSpace:
		return syscall.ENOSPC
	case raerr.InvalidArgument:
		return syscall.EINVAL
	case raerr.ReadOnly:
		return syscall.EROFS
	case raerr.CrossDevice:
		return syscall.EXDEV
	case raerr.IOError:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// toErrno unwraps a *raerr.Error returned by the tree/payload layers into
// the syscall.Errno the bridge expects; anything else is an unexpected
// internal failure and surfaces as EIO.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	var rerr *raerr.Error
	if errors.As(err, &rerr) {
		return errnoFor(rerr.Kind)
	}
	return syscall.EIO
}
