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
	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
	"vdisp.dev/vdisp/pkg/log"
	"vdisp.dev/vdisp/pkg/pagepool"
	"vdisp.dev/vdisp/pkg/sync"
)

// Handle is the opaque identifier a buffer object is registered under.
// Handle 0 is never valid.
type Handle uint32

// DumbInfo is the result of a dumb-buffer creation request.
type DumbInfo struct {
	// Handle identifies the created object in the device's handle table.
	Handle Handle

	// Pitch is the stride of one row in bytes.
	Pitch uint32

	// Size is the object's size in bytes before page rounding.
	Size uint64
}

// Device is one virtual display adapter's graphics-memory state.
type Device struct {
	// name identifies the device to exporters. Immutable.
	name string

	// pool is the platform page allocator. Immutable.
	pool *pagepool.Pool

	// refs counts references on the device itself. Import relationships
	// pin the device, so it cannot disappear under a foreign-backed
	// object.
	refs atomicbitops.Int64

	// mu is the coarse per-device lock. It serializes object creation,
	// handle lookup, and mmap-offset allocation against each other. The
	// page-fault path never takes it.
	mu sync.Mutex

	// handles maps registered handles to objects. Every entry holds one
	// reference on its object.
	handles map[Handle]*BufferObject

	// lastHandle is the most recently assigned handle, used to quickly
	// find the next free one.
	lastHandle Handle

	// offsets allocates mmap-offset tokens.
	offsets *offsetManager
}

// NewDevice creates a Device drawing pages from pool.
func NewDevice(name string, pool *pagepool.Pool) *Device {
	d := &Device{
		name:    name,
		pool:    pool,
		refs:    atomicbitops.FromInt64(1),
		handles: make(map[Handle]*BufferObject),
		offsets: newOffsetManager(),
	}
	return d
}

// Name implements dmabuf.Device.Name.
func (d *Device) Name() string {
	return d.name
}

// Get takes a reference on the device.
func (d *Device) Get() {
	if v := d.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("taking reference on dead device %q", d.name))
	}
}

// Put drops a reference on the device.
func (d *Device) Put() {
	if v := d.refs.Add(-1); v < 0 {
		panic(fmt.Sprintf("dropping non-existent reference on device %q", d.name))
	}
}

// Pool returns the device's page pool.
func (d *Device) Pool() *pagepool.Pool {
	return d.pool
}

// AllocateBuffer creates an unregistered buffer object of at least size
// bytes, rounded up to the page size, with one reference held by the caller.
// Pages are not materialized until a mapping is requested.
func (d *Device) AllocateBuffer(size uint64) (*BufferObject, error) {
	if size == 0 {
		return nil, vderr.EINVAL
	}
	aligned, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return nil, vderr.ENOMEM
	}
	// Refuse objects the pool can never satisfy, so the failure surfaces
	// at creation rather than at first fault.
	if uint64(aligned)>>hostarch.PageShift > d.pool.TotalPages() {
		return nil, vderr.ENOMEM
	}
	return newBufferObject(d, uint64(aligned), &localBacking{}), nil
}

// CreateDumb services a dumb-buffer creation request. The pitch and size
// computation is wire-exact: pitch = width * ceil(bpp/8), size = pitch *
// height. The created object is registered in the device's handle table,
// which holds its long-lived reference.
func (d *Device) CreateDumb(width, height, bpp uint32) (DumbInfo, error) {
	pitch := width * ((bpp + 7) / 8)
	size := uint64(pitch) * uint64(height)

	bo, err := d.AllocateBuffer(size)
	if err != nil {
		return DumbInfo{}, err
	}

	d.mu.Lock()
	h, err := d.registerLocked(bo)
	d.mu.Unlock()
	if err != nil {
		bo.DecRef()
		return DumbInfo{}, err
	}

	// Drop the creation reference; the handle table now owns the object.
	bo.DecRef()
	return DumbInfo{Handle: h, Pitch: pitch, Size: size}, nil
}

// registerLocked assigns bo the next free handle and takes the table's
// reference on it.
//
// Preconditions: d.mu must be locked.
func (d *Device) registerLocked(bo *BufferObject) (Handle, error) {
	for h := d.lastHandle + 1; h != d.lastHandle; h++ {
		if h == 0 {
			continue
		}
		if d.handles[h] == nil {
			d.lastHandle = h
			bo.IncRef()
			d.handles[h] = bo
			return h, nil
		}
	}
	log.Warningf("Device %q handles exhausted; they may be leaking", d.name)
	return 0, vderr.ENOMEM
}

// RegisterBuffer registers bo in the device's handle table, which takes its
// own reference, and returns the new handle. Callers that only wanted the
// handle drop their reference afterwards.
func (d *Device) RegisterBuffer(bo *BufferObject) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerLocked(bo)
}

// LookupBuffer returns the object registered under h with a reference taken
// for the caller, who must drop it with DecRef.
func (d *Device) LookupBuffer(h Handle) (*BufferObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bo := d.handles[h]
	if bo == nil {
		return nil, vderr.ENOENT
	}
	bo.IncRef()
	return bo, nil
}

// CloseHandle removes h from the handle table, dropping the table's
// reference on its object.
func (d *Device) CloseHandle(h Handle) error {
	d.mu.Lock()
	bo := d.handles[h]
	if bo == nil {
		d.mu.Unlock()
		return vderr.ENOENT
	}
	delete(d.handles, h)
	d.mu.Unlock()

	bo.DecRef()
	return nil
}

// Release drops every handle on the device. Objects with no other references
// are destroyed.
func (d *Device) Release() {
	d.mu.Lock()
	objs := make([]*BufferObject, 0, len(d.handles))
	for h, bo := range d.handles {
		delete(d.handles, h)
		objs = append(objs, bo)
	}
	d.mu.Unlock()

	for _, bo := range objs {
		bo.DecRef()
	}
}

// PrepareUserMmap looks up h, materializes the object's pages, and returns
// the mmap-offset token user space passes to mmap. The token is allocated on
// first use and cached. The lookup reference is dropped before returning on
// every path.
func (d *Device) PrepareUserMmap(h Handle) (uint64, error) {
	d.mu.Lock()
	bo := d.handles[h]
	if bo == nil {
		d.mu.Unlock()
		return 0, vderr.ENOENT
	}
	bo.IncRef()
	off, err := d.prepareUserMmapLocked(bo)
	d.mu.Unlock()

	bo.DecRef()
	return off, err
}

// Preconditions: d.mu must be locked.
func (d *Device) prepareUserMmapLocked(bo *BufferObject) (uint64, error) {
	if err := bo.materializePages(); err != nil {
		return 0, err
	}
	if off := bo.mmapOffset.Load(); off != 0 {
		return off, nil
	}
	off := d.offsets.allocate(bo, bo.size)
	bo.mmapOffset.Store(off)
	return off, nil
}

// BufferAtOffset returns the object whose mmap-offset range contains off,
// with a reference taken for the caller. The generic memory-mapping
// subsystem uses this to resolve an mmap request back to its object.
//
// Offset nodes, unlike handle-table entries, hold no reference of their own:
// an object between its final DecRef and freeMmapOffset is still present in
// the range set, so the reference must be acquired speculatively.
func (d *Device) BufferAtOffset(off uint64) (*BufferObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bo, ok := d.offsets.lookup(off)
	if !ok || !bo.TryIncRef() {
		return nil, vderr.ENOENT
	}
	return bo, nil
}

// freeMmapOffset returns bo's offset token, if any. Called from object
// teardown.
func (d *Device) freeMmapOffset(bo *BufferObject) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off := bo.mmapOffset.Load(); off != 0 {
		d.offsets.free(off)
		bo.mmapOffset.Store(0)
	}
}
