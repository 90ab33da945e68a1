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
	"fmt"

	"vdisp.dev/vdisp/pkg/atomicbitops"
	"vdisp.dev/vdisp/pkg/refs"
)

// bufferObjectRefsLogging indicates whether reference-related events on
// buffer objects should be logged (with stack context). This should only be
// set to true for debugging, as it drastically degrades performance.
const bufferObjectRefsLogging = false

// BufferObjectRefs keeps a reference count for BufferObject using atomic
// operations and calls the destructor exactly once when the count reaches
// zero.
//
// Do not introduce additional fields; it must remain the same size as an
// int64.
type BufferObjectRefs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop.
	refCount atomicbitops.Int64
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *BufferObjectRefs) InitRefs() {
	r.refCount.Store(1)
	refs.Register(r)
}

// RefType implements refs.CheckedObject.RefType.
func (r *BufferObjectRefs) RefType() string {
	return "gem.BufferObject"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (r *BufferObjectRefs) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (r *BufferObjectRefs) LogRefs() bool {
	return bufferObjectRefsLogging
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *BufferObjectRefs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef implements refs.RefCounter.IncRef.
//
//go:nosplit
func (r *BufferObjectRefs) IncRef() {
	v := r.refCount.Add(1)
	if bufferObjectRefsLogging {
		refs.LogIncRef(r, v)
	}
	if v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef implements refs.TryRefCounter.TryIncRef.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to
// distinguish other TryIncRef calls from genuine references held.
//
//go:nosplit
func (r *BufferObjectRefs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	v := r.refCount.Add(-speculativeRef + 1)
	if bufferObjectRefsLogging {
		refs.LogTryIncRef(r, v)
	}
	return true
}

// DecRef implements refs.RefCounter.DecRef. The destructor runs for exactly
// one caller, the one that observes the transition to zero.
//
//go:nosplit
func (r *BufferObjectRefs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	if bufferObjectRefsLogging {
		refs.LogDecRef(r, v)
	}
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case v == 0:
		refs.Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
