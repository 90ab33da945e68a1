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
	"io"

	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
)

// KernelMapping is a kernel-side view spanning all of a buffer object's
// pages, in order. The mapping is non-executable and cache-coherent with the
// user mappings of the same pages, since every view aliases the same host
// memory.
type KernelMapping struct {
	// views holds one page-sized view per page.
	views [][]byte

	// foreign is set if the views were obtained from a foreign buffer's
	// own mapping primitive rather than from local pages.
	foreign bool
}

// NumPages returns the number of mapped pages.
func (m *KernelMapping) NumPages() int {
	return len(m.views)
}

// Len returns the mapping's length in bytes.
func (m *KernelMapping) Len() uint64 {
	return uint64(len(m.views)) << hostarch.PageShift
}

// Page returns the view of page i.
func (m *KernelMapping) Page(i int) []byte {
	return m.views[i]
}

// ReadAt implements io.ReaderAt.ReadAt, crossing page boundaries as needed.
func (m *KernelMapping) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for len(p) > 0 {
		if uint64(off) >= m.Len() {
			return done, io.EOF
		}
		view := m.views[uint64(off)>>hostarch.PageShift]
		n := copy(p, view[hostarch.Addr(off).PageOffset():])
		done += n
		off += int64(n)
		p = p[n:]
	}
	return done, nil
}

// WriteAt implements io.WriterAt.WriteAt, crossing page boundaries as
// needed.
func (m *KernelMapping) WriteAt(p []byte, off int64) (int, error) {
	done := 0
	for len(p) > 0 {
		if uint64(off) >= m.Len() {
			return done, io.ErrShortWrite
		}
		view := m.views[uint64(off)>>hostarch.PageShift]
		n := copy(view[hostarch.Addr(off).PageOffset():], p)
		done += n
		off += int64(n)
		p = p[n:]
	}
	return done, nil
}

// VmapKernel establishes the object's kernel mapping and returns it. At most
// one kernel mapping is live at a time; if one already exists it is
// returned. For imported objects the mapping comes from the foreign buffer's
// own mapping primitive and no local page acquisition occurs. For local
// objects pages are materialized first; a materialization failure leaves the
// object unmapped, and the caller may retry or release.
func (bo *BufferObject) VmapKernel() (*KernelMapping, error) {
	bo.mapMu.Lock()
	defer bo.mapMu.Unlock()

	if bo.kmap != nil {
		return bo.kmap, nil
	}

	if ib, ok := bo.backing.(*importBacking); ok {
		views := ib.attach.Buffer().Vmap()
		if views == nil {
			return nil, vderr.ENOMEM
		}
		bo.kmap = &KernelMapping{views: views, foreign: true}
		return bo.kmap, nil
	}

	if err := bo.materializeLocked(); err != nil {
		return nil, err
	}
	bo.kmap = &KernelMapping{views: bo.faultState.Load().views}
	return bo.kmap, nil
}

// VunmapKernel tears down the object's kernel mapping. For local objects it
// then returns the pages, unless an importer's pin holds them resident; this
// is the single path short of teardown through which locally-owned pages are
// released, so it is safe to call defensively even when no mapping exists,
// and a second call is a no-op.
func (bo *BufferObject) VunmapKernel() {
	bo.mapMu.Lock()
	defer bo.mapMu.Unlock()
	bo.vunmapLocked()
}

// Preconditions: bo.mapMu must be locked.
func (bo *BufferObject) vunmapLocked() {
	if bo.kmap != nil && bo.kmap.foreign {
		bo.backing.(*importBacking).attach.Buffer().Vunmap()
		bo.kmap = nil
		return
	}
	if bo.backing.imported() {
		// No foreign mapping to drop, and no local pages to return.
		return
	}

	bo.kmap = nil
	bo.putPagesLocked()
}
