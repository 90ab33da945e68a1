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

// Package gem implements the buffer-object memory manager of the virtual
// display adapter: allocation, page materialization, kernel and user
// mappings, and cross-device buffer import.
//
// A buffer object's pages live in exactly one of two ownership regimes.
// Locally-allocated objects own their pages and return them to the device's
// page pool. Imported objects borrow page views from a foreign buffer through
// its scatter-gather description and never free them locally. The regimes are
// separate backing implementations, so a local free cannot be applied to
// borrowed pages.
//
// Lock ordering: Device.mu -> BufferObject.mapMu. The fault path takes
// neither; it reads only state published by page materialization.
package gem

import (
	"fmt"
	"sync/atomic"

	"vdisp.dev/vdisp/pkg/atomicbitops"
	"vdisp.dev/vdisp/pkg/hostarch"
	"vdisp.dev/vdisp/pkg/pagepool"
	"vdisp.dev/vdisp/pkg/sync"
)

// BufferObject is a reference-counted GPU-visible memory object.
//
// Each registered handle holds one reference. The object is destroyed when
// the count reaches zero; destruction tears down, in order, the kernel
// mapping, the import relationship, any remaining pages, and the mmap-offset
// token.
type BufferObject struct {
	BufferObjectRefs

	// dev is the owning device. Immutable.
	dev *Device

	// size is the object size in bytes, always a multiple of the page
	// size. Immutable.
	size uint64

	// mapMu serializes page materialization and release and kernel
	// mapping changes for this object only. It is never held across a
	// page fault.
	mapMu sync.Mutex

	// backing holds the object's page ownership state. The variant
	// (local or imported) is fixed at creation; its page array is
	// guarded by mapMu.
	backing backing

	// kmap is the live kernel mapping, if any. Guarded by mapMu.
	kmap *KernelMapping

	// pins counts exporter-side scatter-gather maps whose importers borrow
	// the object's pages. Pages cannot be released while pins is nonzero.
	// Guarded by mapMu.
	pins int64

	// faultState is published by page materialization and cleared by page
	// release. The fault path reads it without locks.
	faultState atomic.Pointer[pageSet]

	// mmapOffset is the cached mmap-offset token, or 0 if none has been
	// allocated. Allocation is guarded by Device.mu; reads may come from
	// the fault-handler interface and are atomic.
	mmapOffset atomicbitops.Uint64
}

// pageSet is the immutable view of an object's materialized pages handed to
// the fault path.
type pageSet struct {
	// views has one page-sized entry per page of the object.
	views [][]byte

	// pages is the local page array, or nil for imported objects.
	pages []*pagepool.Page
}

// backing is the page-ownership variant of a buffer object.
type backing interface {
	// materialize ensures the page array is present and returns the
	// resulting page set. Idempotent; at most one call performs an
	// allocation.
	//
	// Preconditions: bo.mapMu must be locked.
	materialize(bo *BufferObject) (*pageSet, error)

	// release drops the page array. Local pages return to the device
	// pool; borrowed views are forgotten. Idempotent.
	//
	// Preconditions: bo.mapMu must be locked.
	release(bo *BufferObject)

	// hasPages returns whether the page array is present.
	//
	// Preconditions: bo.mapMu must be locked.
	hasPages() bool

	// imported returns whether the pages are borrowed from a foreign
	// buffer.
	imported() bool
}

// localBacking is the backing of an object whose pages come from the
// device's page pool.
type localBacking struct {
	pages []*pagepool.Page
}

// materialize implements backing.materialize.
func (l *localBacking) materialize(bo *BufferObject) (*pageSet, error) {
	if l.pages != nil {
		return bo.faultState.Load(), nil
	}
	pages, err := bo.dev.pool.AllocPages(bo.size>>hostarch.PageShift, pagepool.Buffer)
	if err != nil {
		return nil, err
	}
	views := make([][]byte, len(pages))
	for i, pg := range pages {
		views[i] = pg.Data()
	}
	l.pages = pages
	return &pageSet{views: views, pages: pages}, nil
}

// release implements backing.release.
func (l *localBacking) release(bo *BufferObject) {
	if l.pages == nil {
		return
	}
	bo.dev.pool.FreePages(l.pages)
	l.pages = nil
}

// hasPages implements backing.hasPages.
func (l *localBacking) hasPages() bool {
	return l.pages != nil
}

// imported implements backing.imported.
func (l *localBacking) imported() bool {
	return false
}

func newBufferObject(dev *Device, size uint64, b backing) *BufferObject {
	bo := &BufferObject{
		dev:     dev,
		size:    size,
		backing: b,
	}
	bo.InitRefs()
	return bo
}

// Size returns the object's size in bytes.
func (bo *BufferObject) Size() uint64 {
	return bo.size
}

// Imported returns whether the object's pages are borrowed from a foreign
// buffer.
func (bo *BufferObject) Imported() bool {
	return bo.backing.imported()
}

// String implements fmt.Stringer.String.
func (bo *BufferObject) String() string {
	return fmt.Sprintf("BufferObject{size: %d, imported: %t, refs: %d}", bo.size, bo.Imported(), bo.ReadRefs())
}

// DecRef drops a reference on bo, destroying it on the final drop.
//
// Preconditions: The caller must not hold bo.dev.mu.
func (bo *BufferObject) DecRef() {
	bo.BufferObjectRefs.DecRef(bo.destroy)
}

// destroy is the destructor run by the final DecRef. The order is
// load-bearing: the kernel mapping is removed first (which returns local
// pages), then the import relationship, then any pages a never-mapped local
// object still holds, and finally the mmap-offset token.
func (bo *BufferObject) destroy() {
	bo.mapMu.Lock()
	if bo.kmap != nil {
		bo.vunmapLocked()
	}
	if ib, ok := bo.backing.(*importBacking); ok {
		ib.releaseImport(bo)
		bo.faultState.Store(nil)
	} else if bo.backing.hasPages() {
		bo.putPagesLocked()
	}
	bo.mapMu.Unlock()

	bo.dev.freeMmapOffset(bo)
}

// materializePages ensures the object's pages are present. Idempotent, and
// safe to call from multiple paths concurrently: at most one caller performs
// the allocation, the rest observe the populated state.
func (bo *BufferObject) materializePages() error {
	bo.mapMu.Lock()
	defer bo.mapMu.Unlock()
	return bo.materializeLocked()
}

// Preconditions: bo.mapMu must be locked.
func (bo *BufferObject) materializeLocked() error {
	ps, err := bo.backing.materialize(bo)
	if err != nil {
		return err
	}
	bo.faultState.Store(ps)
	return nil
}

// putPagesLocked releases the object's pages. It is the only path through
// which locally-owned pages return to the pool, and is safe to call
// defensively: releasing an object with no pages is a no-op. Pinned pages are
// not released; they stay resident until the last pin drops and release is
// next driven by an unmap or by teardown.
//
// Preconditions: bo.mapMu must be locked. There must be no live kernel
// mapping.
func (bo *BufferObject) putPagesLocked() {
	if bo.kmap != nil {
		panic("releasing pages below a live kernel mapping")
	}
	if bo.pins > 0 {
		return
	}
	bo.backing.release(bo)
	bo.faultState.Store(nil)
}

// pinPages materializes the object's pages and pins them resident. Pinned
// pages survive a kernel unmap, so views handed to an importer stay valid for
// the life of its mapping.
func (bo *BufferObject) pinPages() (*pageSet, error) {
	bo.mapMu.Lock()
	defer bo.mapMu.Unlock()
	if err := bo.materializeLocked(); err != nil {
		return nil, err
	}
	bo.pins++
	return bo.faultState.Load(), nil
}

// unpinPages drops a pin taken by pinPages.
func (bo *BufferObject) unpinPages() {
	bo.mapMu.Lock()
	defer bo.mapMu.Unlock()
	if bo.pins == 0 {
		panic("unpinning pages that were never pinned")
	}
	bo.pins--
}
