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

// Package pagepool implements the platform page allocator backing buffer
// objects.
//
// A Pool owns a single anonymous host mapping and hands out page-granularity
// views into it. The host commits backing frames lazily, so an idle pool
// costs address space, not memory.
package pagepool

import (
	"vdisp.dev/vdisp/pkg/atomicbitops"
	"vdisp.dev/vdisp/pkg/errors/vderr"
	"vdisp.dev/vdisp/pkg/hostarch"
	"vdisp.dev/vdisp/pkg/log"
	"vdisp.dev/vdisp/pkg/memutil"
	"vdisp.dev/vdisp/pkg/sync"
)

// MemoryKind distinguishes what a page allocation is used for, for
// accounting purposes.
type MemoryKind int

const (
	// System represents miscellaneous driver memory.
	System MemoryKind = iota

	// Buffer represents pages backing a locally-allocated buffer object.
	Buffer

	numKinds
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	switch k {
	case System:
		return "System"
	case Buffer:
		return "Buffer"
	default:
		return "Unknown"
	}
}

// Page is a single allocated page. It remains valid until returned to its
// Pool with FreePages.
type Page struct {
	pool  *Pool
	frame uint64
	kind  MemoryKind

	// dirty and accessed are set from the fault path, which may run
	// concurrently with any other operation on the owning object.
	dirty    atomicbitops.Bool
	accessed atomicbitops.Bool
}

// Data returns the page's contents as a byte slice of length
// hostarch.PageSize.
func (p *Page) Data() []byte {
	start := p.frame << hostarch.PageShift
	return p.pool.backing[start : start+hostarch.PageSize : start+hostarch.PageSize]
}

// SetDirty marks the page as written through a user mapping.
func (p *Page) SetDirty() {
	p.dirty.Store(true)
}

// Dirty returns whether the page has been written through a user mapping.
func (p *Page) Dirty() bool {
	return p.dirty.Load()
}

// SetAccessed marks the page as touched through a user mapping.
func (p *Page) SetAccessed() {
	p.accessed.Store(true)
}

// Accessed returns whether the page has been touched through a user mapping.
func (p *Page) Accessed() bool {
	return p.accessed.Load()
}

// Pool is a fixed-capacity page allocator.
type Pool struct {
	// backing is the host mapping all pages alias. Immutable.
	backing []byte

	// npages is the pool capacity. Immutable.
	npages uint64

	// mu protects all fields below. Allocation never sleeps while holding
	// mu; it either succeeds from the free list or fails.
	mu sync.Mutex

	// free holds the currently unallocated frame numbers.
	free []uint64

	// used counts outstanding pages per kind.
	used [numKinds]uint64

	destroyed bool
}

// New creates a Pool with a capacity of npages pages.
func New(npages uint64) (*Pool, error) {
	if npages == 0 {
		return nil, vderr.EINVAL
	}
	backing, err := memutil.MapSlice(npages << hostarch.PageShift)
	if err != nil {
		return nil, vderr.ENOMEM
	}
	free := make([]uint64, npages)
	for i := range free {
		free[i] = uint64(i)
	}
	return &Pool{
		backing: backing,
		npages:  npages,
		free:    free,
	}, nil
}

// TotalPages returns the pool capacity in pages.
func (p *Pool) TotalPages() uint64 {
	return p.npages
}

// Usage returns the number of outstanding pages of the given kind.
func (p *Pool) Usage(kind MemoryKind) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[kind]
}

// TotalUsage returns the number of outstanding pages of all kinds.
func (p *Pool) TotalUsage() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, n := range p.used {
		total += n
	}
	return total
}

// AllocPages allocates n pages of the given kind. Allocation is
// all-or-nothing: on vderr.ENOMEM no pages have been taken from the pool.
// Returned pages are zeroed.
func (p *Pool) AllocPages(n uint64, kind MemoryKind) ([]*Page, error) {
	if n == 0 {
		return nil, vderr.EINVAL
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		panic("AllocPages on destroyed Pool")
	}
	if uint64(len(p.free)) < n {
		p.mu.Unlock()
		return nil, vderr.ENOMEM
	}
	// Copy the frames out: once mu is dropped, a concurrent FreePages may
	// append over the free list's tail.
	frames := make([]uint64, n)
	copy(frames, p.free[uint64(len(p.free))-n:])
	p.free = p.free[:uint64(len(p.free))-n]
	p.used[kind] += n
	p.mu.Unlock()

	pages := make([]*Page, n)
	for i, frame := range frames {
		pg := &Page{pool: p, frame: frame, kind: kind}
		clear(pg.Data())
		pages[i] = pg
	}
	return pages, nil
}

// FreePages returns pages to the pool. Dirty and accessed state is discarded:
// the pool backs presentation buffers, so there is no write-back.
func (p *Pool) FreePages(pages []*Page) {
	if len(pages) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pg := range pages {
		if pg.pool != p {
			panic("freeing page into the wrong Pool")
		}
		pg.dirty.Store(false)
		pg.accessed.Store(false)
		p.free = append(p.free, pg.frame)
		if p.used[pg.kind] == 0 {
			panic("page freed more times than allocated")
		}
		p.used[pg.kind]--
	}
}

// Destroy releases the pool's host mapping. All pages must have been freed.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	for kind, n := range p.used {
		if n != 0 {
			log.Warningf("Pool destroyed with %d outstanding %v pages", n, MemoryKind(kind))
		}
	}
	p.destroyed = true
	if err := memutil.UnmapSlice(p.backing); err != nil {
		log.Warningf("Failed to unmap pool backing: %v", err)
	}
	p.backing = nil
	p.free = nil
}
