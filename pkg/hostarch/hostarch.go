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

// Package hostarch contains host architecture constants and address
// arithmetic used by the graphics-memory subsystem.
package hostarch

import "golang.org/x/sys/unix"

const (
	// PageShift is the binary log of the device page size.
	PageShift = 12

	// PageSize is the device page size, in bytes. Buffer objects are sized
	// and mapped in units of PageSize.
	PageSize = 1 << PageShift

	// PageMask masks the offset of an address within a page.
	PageMask = PageSize - 1
)

func init() {
	// Pages handed out by the platform allocator alias host memory, so the
	// device page size must match the host's.
	if size := unix.Getpagesize(); size != PageSize {
		panic("host page size is not 4K")
	}
}
