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
	"time"

	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
	"vdisp.dev/vdisp/pkg/log"
)

// faultWarnLog throttles bus-error logging. Faults arrive at memory access
// rates, and a broken mapping would otherwise flood the log.
var faultWarnLog = log.BasicRateLimitedLogger(30 * time.Second)

// FaultStatus is the outcome of resolving a page fault.
type FaultStatus int

const (
	// FaultResolved indicates the page is installed and the access may
	// proceed.
	FaultResolved FaultStatus = iota

	// FaultRetry indicates a transient condition; the caller re-drives
	// the fault. The historical "try again" and "interrupted" conditions
	// both map here, since the handler re-enters identically for either.
	FaultRetry

	// FaultOOM indicates resource exhaustion while installing the page.
	FaultOOM

	// FaultSigBus indicates an unrecoverable fault or an invariant
	// violation; the faulting context receives a bus error.
	FaultSigBus
)

// String implements fmt.Stringer.String.
func (s FaultStatus) String() string {
	switch s {
	case FaultResolved:
		return "Resolved"
	case FaultRetry:
		return "Retry"
	case FaultOOM:
		return "OOM"
	case FaultSigBus:
		return "SigBus"
	default:
		return "Unknown"
	}
}

// FaultHandler is the explicit dispatch surface a mappable object exposes to
// the generic memory-mapping subsystem.
type FaultHandler interface {
	// ResolveFault resolves a fault at addr within vma. It must not
	// block or sleep: every outcome is computed from already-resident
	// state.
	ResolveFault(vma *VMA, addr uintptr) FaultStatus

	// MmapOffset returns the object's cached mmap-offset token, if one
	// has been allocated.
	MmapOffset() (uint64, bool)
}

// ResolveFault implements FaultHandler.ResolveFault.
//
// The faulting page index is (addr - vma.Start()) / PageSize. Faulting an
// object whose pages were never materialized is an invariant violation (the
// object was mapped without its pages being committed) and yields
// FaultSigBus, not a retry.
func (bo *BufferObject) ResolveFault(vma *VMA, addr uintptr) FaultStatus {
	ps := bo.faultState.Load()
	if ps == nil {
		faultWarnLog.Warningf("Fault on %v with no materialized pages", bo)
		return FaultSigBus
	}

	if addr < vma.Start() {
		return FaultSigBus
	}
	idx := uint64(addr-vma.Start()) >> hostarch.PageShift
	if idx >= uint64(len(ps.views)) {
		return FaultSigBus
	}

	switch err := vma.InsertPage(addr, ps.views[idx]); {
	case err == nil:
		if ps.pages != nil {
			ps.pages[idx].SetAccessed()
			if vma.Writable() {
				ps.pages[idx].SetDirty()
			}
		}
		return FaultResolved
	case vderr.IsRetryable(err):
		return FaultRetry
	case err == vderr.ENOMEM:
		return FaultOOM
	default:
		faultWarnLog.Warningf("Failed to install page for %v: %v", bo, err)
		return FaultSigBus
	}
}

// MmapOffset implements FaultHandler.MmapOffset.
func (bo *BufferObject) MmapOffset() (uint64, bool) {
	off := bo.mmapOffset.Load()
	return off, off != 0
}
