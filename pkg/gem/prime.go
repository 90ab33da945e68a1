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
	"vdisp.dev/vdisp/pkg/cleanup"
	"vdisp.dev/vdisp/pkg/dmabuf"
	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
)

// importBacking is the backing of an object whose pages are borrowed from a
// foreign buffer. The page views derive from the attachment's scatter-gather
// description; they are never freed locally.
type importBacking struct {
	// attach is the live attachment to the foreign buffer.
	attach dmabuf.Attachment

	// sgl is the mapped scatter-gather description. Owned by the bridge;
	// the buffer object only references it.
	sgl *dmabuf.ScatterGatherList

	// views is the borrowed page array, or nil after release.
	views [][]byte
}

// materialize implements backing.materialize. An import's pages come only
// from the foreign attachment; this never allocates, it re-derives the view
// array from the scatter-gather description if it was released.
func (ib *importBacking) materialize(bo *BufferObject) (*pageSet, error) {
	if ib.views == nil {
		ib.views = ib.sgl.PageViews()[:bo.size>>hostarch.PageShift]
	}
	return &pageSet{views: ib.views}, nil
}

// release implements backing.release. Only the local view array is freed;
// the pages belong to the foreign owner.
func (ib *importBacking) release(*BufferObject) {
	ib.views = nil
}

// hasPages implements backing.hasPages.
func (ib *importBacking) hasPages() bool {
	return ib.views != nil
}

// imported implements backing.imported.
func (ib *importBacking) imported() bool {
	return true
}

// releaseImport tears down the import relationship from final object
// teardown. It runs strictly after mapping and page teardown, and releases
// in the reverse of acquisition order: scatter-gather unmap, foreign-buffer
// reference, attachment, and the device reference last.
func (ib *importBacking) releaseImport(bo *BufferObject) {
	ib.views = nil
	buf := ib.attach.Buffer()
	ib.attach.Unmap(ib.sgl, dmabuf.Bidirectional)
	buf.DecRef()
	ib.attach.Detach()
	bo.dev.Put()
}

// ImportBuffer creates a buffer object backed by the foreign buffer buf. The
// caller holds the returned object's only reference.
//
// Acquisition is strictly unwound on failure: a failure at any step releases
// exactly the resources acquired before it, in reverse order.
func (d *Device) ImportBuffer(buf dmabuf.Buffer) (*BufferObject, error) {
	d.Get()
	cu := cleanup.Make(func() { d.Put() })
	defer cu.Clean()

	attach, err := buf.Attach(d)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { attach.Detach() })

	buf.IncRef()
	cu.Add(func() { buf.DecRef() })

	sgl, err := attach.Map(dmabuf.Bidirectional)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { attach.Unmap(sgl, dmabuf.Bidirectional) })

	npages := buf.Size() >> hostarch.PageShift
	if npages == 0 || sgl.NumPages() < npages {
		return nil, vderr.ENOMEM
	}

	ib := &importBacking{
		attach: attach,
		sgl:    sgl,
		views:  sgl.PageViews()[:npages],
	}
	bo := newBufferObject(d, npages<<hostarch.PageShift, ib)
	// Imported pages exist from creation; publish them to the fault path.
	bo.faultState.Store(&pageSet{views: ib.views})

	cu.Release()
	return bo, nil
}

// primeAttachment is the attachment a BufferObject hands to a peer device
// importing it.
type primeAttachment struct {
	bo       *BufferObject
	importer dmabuf.Device
}

// Attach implements dmabuf.Buffer.Attach, making a BufferObject exportable
// to peer devices.
func (bo *BufferObject) Attach(dev dmabuf.Device) (dmabuf.Attachment, error) {
	return &primeAttachment{bo: bo, importer: dev}, nil
}

// Vmap implements dmabuf.Buffer.Vmap.
func (bo *BufferObject) Vmap() [][]byte {
	km, err := bo.VmapKernel()
	if err != nil {
		return nil
	}
	return km.views
}

// Vunmap implements dmabuf.Buffer.Vunmap.
func (bo *BufferObject) Vunmap() {
	bo.VunmapKernel()
}

// Buffer implements dmabuf.Attachment.Buffer.
func (a *primeAttachment) Buffer() dmabuf.Buffer {
	return a.bo
}

// Map implements dmabuf.Attachment.Map. The exporter's pages are
// materialized, pinned resident, and described as one page-sized segment
// each. The pin keeps the borrowed views valid even if the exporter tears
// down its own kernel mapping while the importer's mapping is live.
func (a *primeAttachment) Map(dir dmabuf.DataDirection) (*dmabuf.ScatterGatherList, error) {
	ps, err := a.bo.pinPages()
	if err != nil {
		return nil, err
	}
	sgl, err := dmabuf.NewScatterGatherList(ps.views)
	if err != nil {
		a.bo.unpinPages()
		return nil, err
	}
	return sgl, nil
}

// Unmap implements dmabuf.Attachment.Unmap, dropping the pin taken by Map.
// The pages themselves stay with the exporter.
func (a *primeAttachment) Unmap(*dmabuf.ScatterGatherList, dmabuf.DataDirection) {
	a.bo.unpinPages()
}

// Detach implements dmabuf.Attachment.Detach. The attachment holds no
// resources of its own.
func (a *primeAttachment) Detach() {
}
