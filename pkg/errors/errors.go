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

// Package errors holds the standardized error definition for the driver.
package errors

// Code classifies a driver error. Codes replace the small negative integers
// the wire-level driver interface historically used; callers compare against
// the sentinel errors in pkg/errors/vderr rather than against codes directly.
type Code uint32

// Driver error codes.
const (
	CodeNone Code = iota
	CodeNoMemory
	CodeNoObject
	CodeTryAgain
	CodeInterrupted
	CodeBadAddress
	CodeAttachFailed
	CodeMapFailed
	CodeInvalidArgument
	CodeBusy
)

// Error represents a driver error code with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying Code value.
func (e *Error) Code() Code { return e.code }
