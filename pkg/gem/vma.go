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

package gem

import (
	"unsafe"

	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
	"vdisp.dev/vdisp/pkg/sync"
)

// VMAFlags describe how a user mapping is faulted.
type VMAFlags uint32

const (
	// VMAIO marks the mapping as device memory.
	VMAIO VMAFlags = 1 << iota

	// VMAPfnMap maps a fixed physical range; no per-page faulting.
	VMAPfnMap

	// VMAMixedMap resolves pages individually through the fault handler.
	VMAMixedMap

	// VMADontExpand forbids growing the mapping.
	VMADontExpand
)

// VMA models one user-space mapping region backed by a buffer object. Page
// installation is driven by faults: the generic memory-mapping subsystem
// calls the object's FaultHandler, which installs pages one at a time.
type VMA struct {
	// start is the region's base address. Immutable.
	start uintptr

	// length is the region's length in bytes. Immutable.
	length uint64

	// writable is whether stores through the mapping are permitted.
	// Immutable.
	writable bool

	// handler resolves faults in the region. Immutable.
	handler FaultHandler

	// flags is guarded by mu.
	flags VMAFlags

	mu sync.Mutex

	// installed maps page index to the installed page view. Guarded by
	// mu.
	installed map[uint64][]byte

	// insertHook, if set, may inject a failure before a page is
	// installed. Tests use this to drive the fault outcome mapping.
	insertHook func(pageIndex uint64) error
}

// NewVMA creates a mapping region of the given base and length, faulting
// into handler. The region starts out as a fixed physical mapping;
// InstallMmapFlags switches it to per-page fault resolution.
func NewVMA(start uintptr, length uint64, writable bool, handler FaultHandler) *VMA {
	return &VMA{
		start:     start,
		length:    length,
		writable:  writable,
		handler:   handler,
		flags:     VMAIO | VMAPfnMap | VMADontExpand,
		installed: make(map[uint64][]byte),
	}
}

// InstallMmapFlags adjusts v from a fixed physical-address mapping to a
// per-page, fault-resolved mapping. Buffer-object pages need not be
// contiguous and are committed lazily, so they cannot be mapped eagerly at
// mmap time.
func InstallMmapFlags(v *VMA) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flags &^= VMAPfnMap
	v.flags |= VMAMixedMap
}

// Start returns the region's base address.
func (v *VMA) Start() uintptr {
	return v.start
}

// Length returns the region's length in bytes.
func (v *VMA) Length() uint64 {
	return v.length
}

// Writable returns whether stores through the mapping are permitted.
func (v *VMA) Writable() bool {
	return v.writable
}

// Flags returns the region's current flags.
func (v *VMA) Flags() VMAFlags {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flags
}

// InsertPage installs page at the page containing addr. Reinstalling the
// same page is a no-op; a different page in an occupied slot fails with
// vderr.EBUSY. The address must fall inside the region.
func (v *VMA) InsertPage(addr uintptr, page []byte) error {
	if addr < v.start || uint64(addr-v.start) >= v.length {
		return vderr.EFAULT
	}
	idx := uint64(hostarch.Addr(addr-v.start).RoundDown()) >> hostarch.PageShift

	if v.insertHook != nil {
		if err := v.insertHook(idx); err != nil {
			return err
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.installed[idx]; ok {
		if unsafe.SliceData(existing) != unsafe.SliceData(page) {
			return vderr.EBUSY
		}
		return nil
	}
	v.installed[idx] = page
	return nil
}

// InstalledPage returns the page installed at the given page index, if any.
func (v *VMA) InstalledPage(idx uint64) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pg, ok := v.installed[idx]
	return pg, ok
}

// NumInstalled returns the number of pages currently installed.
func (v *VMA) NumInstalled() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.installed)
}
