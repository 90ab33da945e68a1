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

// Package dmabuf defines the interface between the graphics-memory core and
// foreign shared buffers.
//
// A Buffer is owned by its exporter. An importing device attaches to it,
// maps its scatter-gather description, and borrows page views from the
// result; it never owns the underlying pages. Teardown is strictly symmetric
// to acquisition: unmap, drop the buffer reference, detach, and only then
// release the importing device.
package dmabuf

import (
	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
)

// DataDirection is the direction of a scatter-gather mapping.
type DataDirection int

const (
	// Bidirectional allows both the importer and the exporter to access
	// the mapped range.
	Bidirectional DataDirection = iota

	// ToDevice allows the importing device to read the mapped range.
	ToDevice

	// FromDevice allows the importing device to write the mapped range.
	FromDevice
)

// String implements fmt.Stringer.String.
func (d DataDirection) String() string {
	switch d {
	case Bidirectional:
		return "Bidirectional"
	case ToDevice:
		return "ToDevice"
	case FromDevice:
		return "FromDevice"
	default:
		return "Unknown"
	}
}

// Device is the importing device's identity, presented to exporters on
// attach.
type Device interface {
	// Name returns a stable name for the device.
	Name() string
}

// Buffer is a shared buffer as seen by an importer.
//
// Buffers are reference counted by their exporter; an importer that wants to
// outlive its caller must take its own reference with IncRef.
type Buffer interface {
	// Size returns the buffer's size in bytes.
	Size() uint64

	// IncRef takes a reference on the buffer.
	IncRef()

	// DecRef drops a reference on the buffer.
	DecRef()

	// Attach prepares the buffer for access by dev. The returned
	// Attachment is valid until Detach.
	Attach(dev Device) (Attachment, error)

	// Vmap maps the buffer into the exporter's kernel address space and
	// returns its per-page views, or nil if the exporter cannot map it.
	Vmap() [][]byte

	// Vunmap releases a mapping established by Vmap.
	Vunmap()
}

// Attachment is a live connection between a Buffer and an importing device.
type Attachment interface {
	// Buffer returns the attached buffer.
	Buffer() Buffer

	// Map maps the buffer's memory layout for the importing device.
	Map(dir DataDirection) (*ScatterGatherList, error)

	// Unmap releases a mapping established by Map.
	Unmap(sgl *ScatterGatherList, dir DataDirection)

	// Detach ends the attachment. The attachment must not be mapped.
	Detach()
}

// ScatterGatherList describes a buffer's memory as an ordered run of
// page-aligned segments. The segments are views into the exporter's memory;
// holders of the list borrow them.
type ScatterGatherList struct {
	segs   [][]byte
	npages uint64
}

// NewScatterGatherList builds a ScatterGatherList from the given segments.
// Every segment must be a non-empty multiple of the page size.
func NewScatterGatherList(segs [][]byte) (*ScatterGatherList, error) {
	var npages uint64
	for _, seg := range segs {
		if len(seg) == 0 || len(seg)&hostarch.PageMask != 0 {
			return nil, vderr.EINVAL
		}
		npages += uint64(len(seg)) >> hostarch.PageShift
	}
	sgl := &ScatterGatherList{
		segs:   make([][]byte, len(segs)),
		npages: npages,
	}
	copy(sgl.segs, segs)
	return sgl, nil
}

// NumPages returns the number of pages the list describes.
func (sgl *ScatterGatherList) NumPages() uint64 {
	return sgl.npages
}

// PageViews expands the list into one view per page, in layout order. The
// views alias the exporter's memory and must be forgotten, never freed, when
// the mapping is torn down.
func (sgl *ScatterGatherList) PageViews() [][]byte {
	views := make([][]byte, 0, sgl.npages)
	for _, seg := range sgl.segs {
		for off := 0; off < len(seg); off += hostarch.PageSize {
			views = append(views, seg[off:off+hostarch.PageSize:off+hostarch.PageSize])
		}
	}
	return views
}
