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
	"bytes"
	"testing"

	"golang.org/x/sync/errgroup"

	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
	"vdisp.dev/vdisp/pkg/pagepool"
	"vdisp.dev/vdisp/pkg/refs"
)

const testPoolPages = 64

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	pool, err := pagepool.New(testPoolPages)
	if err != nil {
		t.Fatalf("pagepool.New failed: %v", err)
	}
	t.Cleanup(pool.Destroy)
	return NewDevice("vdisp0", pool)
}

// fakeRegion is an arbitrary base address for test VMAs.
const fakeRegion = uintptr(0x7f00_0000_0000)

func TestAllocateTeardownNoLeak(t *testing.T) {
	d := newTestDevice(t)
	for _, npages := range []uint64{1, 3, testPoolPages} {
		bo, err := d.AllocateBuffer(npages << hostarch.PageShift)
		if err != nil {
			t.Fatalf("AllocateBuffer(%d pages) failed: %v", npages, err)
		}
		if err := bo.materializePages(); err != nil {
			t.Fatalf("materializePages failed: %v", err)
		}
		if got := d.Pool().TotalUsage(); got != npages {
			t.Errorf("pool usage after materialize = %d, want %d", got, npages)
		}
		bo.DecRef()
		if got := d.Pool().TotalUsage(); got != 0 {
			t.Errorf("pool usage after teardown = %d, want 0", got)
		}
	}
}

func TestAllocateRoundsUp(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(1)
	if err != nil {
		t.Fatalf("AllocateBuffer(1) failed: %v", err)
	}
	defer bo.DecRef()
	if bo.Size() != hostarch.PageSize {
		t.Errorf("Size() = %d, want %d", bo.Size(), hostarch.PageSize)
	}
}

func TestAllocateErrors(t *testing.T) {
	d := newTestDevice(t)
	if _, err := d.AllocateBuffer(0); err != vderr.EINVAL {
		t.Errorf("AllocateBuffer(0) = %v, want EINVAL", err)
	}
	if _, err := d.AllocateBuffer((testPoolPages + 1) << hostarch.PageShift); err != vderr.ENOMEM {
		t.Errorf("oversized AllocateBuffer = %v, want ENOMEM", err)
	}
}

func TestCreateDumbWireFormat(t *testing.T) {
	for _, tc := range []struct {
		width, height, bpp uint32
		wantPitch          uint32
		wantSize           uint64
	}{
		{width: 100, height: 50, bpp: 32, wantPitch: 400, wantSize: 20000},
		{width: 1024, height: 768, bpp: 32, wantPitch: 4096, wantSize: 3145728},
		{width: 33, height: 10, bpp: 15, wantPitch: 66, wantSize: 660},
	} {
		d := newTestDevice(t)
		info, err := d.CreateDumb(tc.width, tc.height, tc.bpp)
		if err != nil {
			t.Fatalf("CreateDumb(%d, %d, %d) failed: %v", tc.width, tc.height, tc.bpp, err)
		}
		if info.Pitch != tc.wantPitch || info.Size != tc.wantSize {
			t.Errorf("CreateDumb(%d, %d, %d) = pitch %d size %d, want pitch %d size %d",
				tc.width, tc.height, tc.bpp, info.Pitch, info.Size, tc.wantPitch, tc.wantSize)
		}
		if info.Handle == 0 {
			t.Errorf("CreateDumb returned the invalid handle 0")
		}
		d.Release()
	}
}

func TestCreateDumbSingleReference(t *testing.T) {
	d := newTestDevice(t)
	info, err := d.CreateDumb(4, 4, 32)
	if err != nil {
		t.Fatalf("CreateDumb failed: %v", err)
	}
	bo, err := d.LookupBuffer(info.Handle)
	if err != nil {
		t.Fatalf("LookupBuffer failed: %v", err)
	}
	// One reference for the handle, one for the lookup borrow.
	if got := bo.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs() = %d, want 2", got)
	}
	bo.DecRef()
	if got := bo.ReadRefs(); got != 1 {
		t.Errorf("ReadRefs() after dropping borrow = %d, want 1", got)
	}
	if err := d.CloseHandle(info.Handle); err != nil {
		t.Fatalf("CloseHandle failed: %v", err)
	}
}

func TestHandleLifecycle(t *testing.T) {
	d := newTestDevice(t)
	info, err := d.CreateDumb(4, 4, 32)
	if err != nil {
		t.Fatalf("CreateDumb failed: %v", err)
	}
	if err := d.CloseHandle(info.Handle); err != nil {
		t.Fatalf("CloseHandle failed: %v", err)
	}
	if _, err := d.LookupBuffer(info.Handle); err != vderr.ENOENT {
		t.Errorf("LookupBuffer(closed handle) = %v, want ENOENT", err)
	}
	if err := d.CloseHandle(info.Handle); err != vderr.ENOENT {
		t.Errorf("second CloseHandle = %v, want ENOENT", err)
	}
}

func TestGetPagesIdempotent(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(4 << hostarch.PageShift)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()

	for i := 0; i < 3; i++ {
		if err := bo.materializePages(); err != nil {
			t.Fatalf("materializePages call %d failed: %v", i, err)
		}
	}
	if got := d.Pool().TotalUsage(); got != 4 {
		t.Errorf("pool usage after repeated materialization = %d, want 4", got)
	}
}

func TestConcurrentMaterializeAllocatesOnce(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(8 << hostarch.PageShift)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()

	var eg errgroup.Group
	for i := 0; i < 16; i++ {
		eg.Go(bo.materializePages)
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent materializePages failed: %v", err)
	}
	if got := d.Pool().TotalUsage(); got != 8 {
		t.Errorf("pool usage after concurrent materialization = %d, want 8", got)
	}
}

func TestVmapWriteRead(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(2 << hostarch.PageShift)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()

	km, err := bo.VmapKernel()
	if err != nil {
		t.Fatalf("VmapKernel failed: %v", err)
	}
	if km.NumPages() != 2 {
		t.Fatalf("NumPages() = %d, want 2", km.NumPages())
	}

	// Write a run crossing the page boundary and read it back.
	payload := bytes.Repeat([]byte{0xa5}, 64)
	off := int64(hostarch.PageSize - 32)
	if _, err := km.WriteAt(payload, off); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := km.ReadAt(got, off); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadAt returned %x, want %x", got, payload)
	}
}

func TestVmapReturnsSameMapping(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(hostarch.PageSize)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()

	km1, err := bo.VmapKernel()
	if err != nil {
		t.Fatalf("first VmapKernel failed: %v", err)
	}
	km2, err := bo.VmapKernel()
	if err != nil {
		t.Fatalf("second VmapKernel failed: %v", err)
	}
	if km1 != km2 {
		t.Errorf("second VmapKernel returned a different mapping")
	}
	if got := d.Pool().TotalUsage(); got != 1 {
		t.Errorf("pool usage = %d, want 1", got)
	}
}

func TestVunmapIdempotent(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(2 << hostarch.PageShift)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()

	if _, err := bo.VmapKernel(); err != nil {
		t.Fatalf("VmapKernel failed: %v", err)
	}
	bo.VunmapKernel()
	if got := d.Pool().TotalUsage(); got != 0 {
		t.Errorf("pool usage after unmap = %d, want 0", got)
	}
	// The second call is a no-op, not an error.
	bo.VunmapKernel()
	if got := d.Pool().TotalUsage(); got != 0 {
		t.Errorf("pool usage after second unmap = %d, want 0", got)
	}
}

// TestVunmapWithoutVmap covers the defensive teardown path: unmapping an
// object that was never mapped still releases whatever pages it holds.
func TestVunmapWithoutVmap(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(3 << hostarch.PageShift)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()

	if err := bo.materializePages(); err != nil {
		t.Fatalf("materializePages failed: %v", err)
	}
	bo.VunmapKernel()
	if got := d.Pool().TotalUsage(); got != 0 {
		t.Errorf("pool usage after defensive unmap = %d, want 0", got)
	}
}

func TestFaultBeforePagesIsBusError(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(hostarch.PageSize)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()

	vma := NewVMA(fakeRegion, bo.Size(), true, bo)
	InstallMmapFlags(vma)
	if got := bo.ResolveFault(vma, vma.Start()); got != FaultSigBus {
		t.Errorf("ResolveFault before materialization = %v, want SigBus", got)
	}
}

func TestFaultResolvesEachPageOnce(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(4 << hostarch.PageShift)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()

	if _, err := bo.VmapKernel(); err != nil {
		t.Fatalf("VmapKernel failed: %v", err)
	}
	vma := NewVMA(fakeRegion, bo.Size(), true, bo)
	InstallMmapFlags(vma)

	for i := uintptr(0); i < 4; i++ {
		addr := vma.Start() + i<<hostarch.PageShift
		if got := bo.ResolveFault(vma, addr); got != FaultResolved {
			t.Fatalf("ResolveFault(page %d) = %v, want Resolved", i, got)
		}
		// Re-faulting the same page resolves again without effect.
		if got := bo.ResolveFault(vma, addr); got != FaultResolved {
			t.Errorf("re-fault of page %d = %v, want Resolved", i, got)
		}
	}
	if got := vma.NumInstalled(); got != 4 {
		t.Errorf("NumInstalled() = %d, want 4", got)
	}
}

func TestFaultOutcomeMapping(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(hostarch.PageSize)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()
	if err := bo.materializePages(); err != nil {
		t.Fatalf("materializePages failed: %v", err)
	}

	for _, tc := range []struct {
		name   string
		inject error
		want   FaultStatus
	}{
		{name: "success", inject: nil, want: FaultResolved},
		{name: "again", inject: vderr.EAGAIN, want: FaultRetry},
		{name: "interrupted", inject: vderr.EINTR, want: FaultRetry},
		{name: "exhausted", inject: vderr.ENOMEM, want: FaultOOM},
		{name: "other", inject: vderr.EBUSY, want: FaultSigBus},
	} {
		vma := NewVMA(fakeRegion, bo.Size(), true, bo)
		InstallMmapFlags(vma)
		vma.insertHook = func(uint64) error { return tc.inject }
		if got := bo.ResolveFault(vma, vma.Start()); got != tc.want {
			t.Errorf("%s: ResolveFault = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFaultOutOfRange(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(hostarch.PageSize)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()
	if err := bo.materializePages(); err != nil {
		t.Fatalf("materializePages failed: %v", err)
	}

	// A region longer than the object: faulting past the last page must
	// not install anything.
	vma := NewVMA(fakeRegion, 2<<hostarch.PageShift, true, bo)
	InstallMmapFlags(vma)
	if got := bo.ResolveFault(vma, vma.Start()+hostarch.PageSize); got != FaultSigBus {
		t.Errorf("ResolveFault past object end = %v, want SigBus", got)
	}
	if got := bo.ResolveFault(vma, vma.Start()-hostarch.PageSize); got != FaultSigBus {
		t.Errorf("ResolveFault below region = %v, want SigBus", got)
	}
}

func TestFaultSetsPageTracking(t *testing.T) {
	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(hostarch.PageSize)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	defer bo.DecRef()
	if err := bo.materializePages(); err != nil {
		t.Fatalf("materializePages failed: %v", err)
	}

	vma := NewVMA(fakeRegion, bo.Size(), true, bo)
	InstallMmapFlags(vma)
	if got := bo.ResolveFault(vma, vma.Start()); got != FaultResolved {
		t.Fatalf("ResolveFault = %v, want Resolved", got)
	}
	ps := bo.faultState.Load()
	if !ps.pages[0].Accessed() || !ps.pages[0].Dirty() {
		t.Errorf("faulted page accessed=%t dirty=%t, want true/true",
			ps.pages[0].Accessed(), ps.pages[0].Dirty())
	}
}

func TestInstallMmapFlags(t *testing.T) {
	vma := NewVMA(fakeRegion, hostarch.PageSize, true, nil)
	if flags := vma.Flags(); flags&VMAPfnMap == 0 {
		t.Fatalf("new VMA missing VMAPfnMap: %#x", flags)
	}
	InstallMmapFlags(vma)
	flags := vma.Flags()
	if flags&VMAPfnMap != 0 {
		t.Errorf("VMAPfnMap still set after InstallMmapFlags: %#x", flags)
	}
	if flags&VMAMixedMap == 0 {
		t.Errorf("VMAMixedMap not set after InstallMmapFlags: %#x", flags)
	}
	if flags&VMAIO == 0 || flags&VMADontExpand == 0 {
		t.Errorf("unrelated flags were dropped: %#x", flags)
	}
}

func TestPrepareUserMmap(t *testing.T) {
	d := newTestDevice(t)
	info, err := d.CreateDumb(100, 50, 32)
	if err != nil {
		t.Fatalf("CreateDumb failed: %v", err)
	}

	off, err := d.PrepareUserMmap(info.Handle)
	if err != nil {
		t.Fatalf("PrepareUserMmap failed: %v", err)
	}
	if off == 0 {
		t.Fatalf("PrepareUserMmap returned the invalid offset 0")
	}

	// The token is cached: a second call returns the same offset.
	again, err := d.PrepareUserMmap(info.Handle)
	if err != nil {
		t.Fatalf("second PrepareUserMmap failed: %v", err)
	}
	if again != off {
		t.Errorf("second PrepareUserMmap = %#x, want %#x", again, off)
	}

	// The mapping subsystem can resolve the token back to the object.
	bo, err := d.BufferAtOffset(off)
	if err != nil {
		t.Fatalf("BufferAtOffset failed: %v", err)
	}
	if got, ok := bo.MmapOffset(); !ok || got != off {
		t.Errorf("MmapOffset() = %#x, %t; want %#x, true", got, ok, off)
	}

	// Resolve a fault at offset 0 of the mapping.
	vma := NewVMA(fakeRegion, bo.Size(), true, bo)
	InstallMmapFlags(vma)
	if got := bo.ResolveFault(vma, vma.Start()); got != FaultResolved {
		t.Errorf("ResolveFault = %v, want Resolved", got)
	}
	bo.DecRef()

	// Teardown through the handle leaves nothing outstanding.
	if err := d.CloseHandle(info.Handle); err != nil {
		t.Fatalf("CloseHandle failed: %v", err)
	}
	if got := d.Pool().TotalUsage(); got != 0 {
		t.Errorf("pool usage after teardown = %d, want 0", got)
	}
	if _, err := d.BufferAtOffset(off); err != vderr.ENOENT {
		t.Errorf("BufferAtOffset after teardown = %v, want ENOENT", err)
	}
}

func TestBufferAtOffsetDyingObject(t *testing.T) {
	d := newTestDevice(t)
	info, err := d.CreateDumb(4, 4, 32)
	if err != nil {
		t.Fatalf("CreateDumb failed: %v", err)
	}
	off, err := d.PrepareUserMmap(info.Handle)
	if err != nil {
		t.Fatalf("PrepareUserMmap failed: %v", err)
	}
	bo, err := d.LookupBuffer(info.Handle)
	if err != nil {
		t.Fatalf("LookupBuffer failed: %v", err)
	}
	bo.DecRef()

	// Tear the object down up to, but not including, the offset-node
	// removal: drop the table entry and the final reference without
	// running the destructor. This is the state a concurrent lookup can
	// observe between the final DecRef and the destructor reaching the
	// offset manager.
	d.mu.Lock()
	delete(d.handles, info.Handle)
	d.mu.Unlock()
	bo.BufferObjectRefs.DecRef(nil)

	if _, err := d.BufferAtOffset(off); err != vderr.ENOENT {
		t.Errorf("BufferAtOffset(dying object) = %v, want ENOENT", err)
	}

	// Finish teardown; the range is gone afterwards.
	bo.destroy()
	if got := d.Pool().TotalUsage(); got != 0 {
		t.Errorf("pool usage after teardown = %d, want 0", got)
	}
	if _, err := d.BufferAtOffset(off); err != vderr.ENOENT {
		t.Errorf("BufferAtOffset after teardown = %v, want ENOENT", err)
	}
}

func TestPrepareUserMmapBadHandle(t *testing.T) {
	d := newTestDevice(t)
	if _, err := d.PrepareUserMmap(Handle(42)); err != vderr.ENOENT {
		t.Errorf("PrepareUserMmap(bad handle) = %v, want ENOENT", err)
	}
}

func TestOffsetReuseAfterFree(t *testing.T) {
	d := newTestDevice(t)
	a, err := d.CreateDumb(4, 4, 32)
	if err != nil {
		t.Fatalf("CreateDumb failed: %v", err)
	}
	b, err := d.CreateDumb(4, 4, 32)
	if err != nil {
		t.Fatalf("CreateDumb failed: %v", err)
	}
	offA, err := d.PrepareUserMmap(a.Handle)
	if err != nil {
		t.Fatalf("PrepareUserMmap failed: %v", err)
	}
	if _, err := d.PrepareUserMmap(b.Handle); err != nil {
		t.Fatalf("PrepareUserMmap failed: %v", err)
	}
	if err := d.CloseHandle(a.Handle); err != nil {
		t.Fatalf("CloseHandle failed: %v", err)
	}

	// The freed range is found again by the first-fit scan.
	c, err := d.CreateDumb(4, 4, 32)
	if err != nil {
		t.Fatalf("CreateDumb failed: %v", err)
	}
	offC, err := d.PrepareUserMmap(c.Handle)
	if err != nil {
		t.Fatalf("PrepareUserMmap failed: %v", err)
	}
	if offC != offA {
		t.Errorf("reallocated offset = %#x, want reused %#x", offC, offA)
	}
	d.Release()
}

func TestDeviceRelease(t *testing.T) {
	d := newTestDevice(t)
	for i := 0; i < 4; i++ {
		info, err := d.CreateDumb(8, 8, 32)
		if err != nil {
			t.Fatalf("CreateDumb failed: %v", err)
		}
		if _, err := d.PrepareUserMmap(info.Handle); err != nil {
			t.Fatalf("PrepareUserMmap failed: %v", err)
		}
	}
	d.Release()
	if got := d.Pool().TotalUsage(); got != 0 {
		t.Errorf("pool usage after Release = %d, want 0", got)
	}
}

func TestRefLeakChecking(t *testing.T) {
	refs.SetLeakCheckEnabled(true)
	defer refs.SetLeakCheckEnabled(false)

	d := newTestDevice(t)
	bo, err := d.AllocateBuffer(hostarch.PageSize)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	if got := refs.DoLeakCheck(); got != 1 {
		t.Errorf("DoLeakCheck() with live object = %d, want 1", got)
	}
	bo.DecRef()
	if got := refs.DoLeakCheck(); got != 0 {
		t.Errorf("DoLeakCheck() after teardown = %d, want 0", got)
	}
}
