// Copyright 2025 The vdisp Authors.
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

// Package vderr contains the driver error taxonomy exported as error
// interface pointers. This allows for fast comparison and return operations.
//
// The names keep their historical errno spellings, since that is how
// consumers of the dumb-buffer interface know them, but each maps to exactly
// one errors.Code: there is no reuse of one code for two conditions.
package vderr

import (
	"vdisp.dev/vdisp/pkg/errors"
)

var (
	// ENOMEM indicates allocation or mapping exhaustion. Always propagated,
	// never retried internally.
	ENOMEM = errors.New(errors.CodeNoMemory, "out of memory")

	// ENOENT indicates a lookup of a handle with no registered object.
	ENOENT = errors.New(errors.CodeNoObject, "no such object")

	// EAGAIN indicates a transient condition; the caller re-drives the
	// operation.
	EAGAIN = errors.New(errors.CodeTryAgain, "try again")

	// EINTR indicates the operation was interrupted; the caller re-drives
	// the operation. Callers historically treat EINTR and EAGAIN
	// identically, and the fault path maps both to the same outcome.
	EINTR = errors.New(errors.CodeInterrupted, "interrupted")

	// EFAULT indicates an unrecoverable addressing failure.
	EFAULT = errors.New(errors.CodeBadAddress, "bad address")

	// EINVAL indicates an invalid argument.
	EINVAL = errors.New(errors.CodeInvalidArgument, "invalid argument")

	// EBUSY indicates a mapping slot is already occupied by a different
	// page.
	EBUSY = errors.New(errors.CodeBusy, "resource busy")

	// ErrAttachFailed indicates a foreign buffer refused attachment.
	// Exporters usually surface their own error instead; this sentinel is
	// for exporters that fail without one.
	ErrAttachFailed = errors.New(errors.CodeAttachFailed, "buffer attachment failed")

	// ErrMapFailed indicates a foreign buffer's layout could not be mapped.
	ErrMapFailed = errors.New(errors.CodeMapFailed, "buffer mapping failed")
)

// IsRetryable returns true if err is one of the transient conditions after
// which the caller should simply re-drive the faulting operation.
func IsRetryable(err error) bool {
	return err == EAGAIN || err == EINTR
}
