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

package pagepool

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
)

func newTestPool(t *testing.T, npages uint64) *Pool {
	t.Helper()
	p, err := New(npages)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", npages, err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func TestNewRejectsEmptyPool(t *testing.T) {
	if _, err := New(0); err != vderr.EINVAL {
		t.Errorf("New(0) = %v, want EINVAL", err)
	}
}

func TestAllocFreeAccounting(t *testing.T) {
	p := newTestPool(t, 8)

	sys, err := p.AllocPages(3, System)
	if err != nil {
		t.Fatalf("AllocPages(3, System) failed: %v", err)
	}
	buf, err := p.AllocPages(2, Buffer)
	if err != nil {
		t.Fatalf("AllocPages(2, Buffer) failed: %v", err)
	}

	if got := p.Usage(System); got != 3 {
		t.Errorf("Usage(System) = %d, want 3", got)
	}
	if got := p.Usage(Buffer); got != 2 {
		t.Errorf("Usage(Buffer) = %d, want 2", got)
	}
	if got := p.TotalUsage(); got != 5 {
		t.Errorf("TotalUsage() = %d, want 5", got)
	}

	p.FreePages(sys)
	if got := p.TotalUsage(); got != 2 {
		t.Errorf("TotalUsage() after freeing System pages = %d, want 2", got)
	}
	p.FreePages(buf)
	if got := p.TotalUsage(); got != 0 {
		t.Errorf("TotalUsage() after freeing all = %d, want 0", got)
	}
}

func TestAllocAllOrNothing(t *testing.T) {
	p := newTestPool(t, 4)

	held, err := p.AllocPages(3, Buffer)
	if err != nil {
		t.Fatalf("AllocPages(3) failed: %v", err)
	}

	// Two free pages cannot satisfy a request for three, and the failed
	// request must not consume the ones that were available.
	if _, err := p.AllocPages(3, Buffer); err != vderr.ENOMEM {
		t.Fatalf("AllocPages beyond capacity = %v, want ENOMEM", err)
	}
	if got := p.TotalUsage(); got != 3 {
		t.Errorf("TotalUsage() after failed allocation = %d, want 3", got)
	}

	rest, err := p.AllocPages(1, Buffer)
	if err != nil {
		t.Fatalf("AllocPages(1) after failed allocation failed: %v", err)
	}
	p.FreePages(held)
	p.FreePages(rest)
}

func TestPagesAreZeroed(t *testing.T) {
	p := newTestPool(t, 2)

	pages, err := p.AllocPages(2, Buffer)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}
	// Scribble and recycle; the next allocation of the same frames must
	// come back zeroed.
	for _, pg := range pages {
		data := pg.Data()
		for i := range data {
			data[i] = 0xff
		}
	}
	p.FreePages(pages)

	pages, err = p.AllocPages(2, Buffer)
	if err != nil {
		t.Fatalf("second AllocPages failed: %v", err)
	}
	defer p.FreePages(pages)
	for i, pg := range pages {
		for off, b := range pg.Data() {
			if b != 0 {
				t.Fatalf("page %d byte %d = %#x after recycling, want 0", i, off, b)
			}
		}
	}
}

func TestPageDataIsPageSized(t *testing.T) {
	p := newTestPool(t, 1)
	pages, err := p.AllocPages(1, Buffer)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}
	defer p.FreePages(pages)
	data := pages[0].Data()
	if len(data) != hostarch.PageSize || cap(data) != hostarch.PageSize {
		t.Errorf("Data() len %d cap %d, want %d/%d", len(data), cap(data), hostarch.PageSize, hostarch.PageSize)
	}
}

func TestDirtyAccessedTracking(t *testing.T) {
	p := newTestPool(t, 1)
	pages, err := p.AllocPages(1, Buffer)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}
	pg := pages[0]
	if pg.Accessed() || pg.Dirty() {
		t.Errorf("fresh page accessed=%t dirty=%t, want false/false", pg.Accessed(), pg.Dirty())
	}
	pg.SetAccessed()
	pg.SetDirty()
	if !pg.Accessed() || !pg.Dirty() {
		t.Errorf("tracked page accessed=%t dirty=%t, want true/true", pg.Accessed(), pg.Dirty())
	}
	p.FreePages(pages)

	// Tracking state does not survive recycling.
	pages, err = p.AllocPages(1, Buffer)
	if err != nil {
		t.Fatalf("second AllocPages failed: %v", err)
	}
	defer p.FreePages(pages)
	if pages[0].Accessed() || pages[0].Dirty() {
		t.Errorf("recycled page accessed=%t dirty=%t, want false/false", pages[0].Accessed(), pages[0].Dirty())
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	const (
		workers = 8
		rounds  = 50
	)
	p := newTestPool(t, workers*2)

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := 0; i < rounds; i++ {
				pages, err := p.AllocPages(2, Buffer)
				if err != nil {
					return err
				}
				pages[0].Data()[0] = 0xff
				p.FreePages(pages)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent alloc/free failed: %v", err)
	}
	if got := p.TotalUsage(); got != 0 {
		t.Errorf("TotalUsage() after churn = %d, want 0", got)
	}
}
