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
	"github.com/google/btree"
)

// mmapOffsetBase is the lowest byte offset handed out as an mmap-offset
// token, keeping tokens clear of offsets that ordinary file mappings use and
// making 0 an always-invalid token.
const mmapOffsetBase = uint64(1) << 32

// offsetNode is one allocated mmap-offset range.
type offsetNode struct {
	start  uint64
	length uint64
	bo     *BufferObject
}

func offsetNodeLess(a, b *offsetNode) bool {
	return a.start < b.start
}

// offsetManager hands out non-overlapping byte ranges in the device's
// fake-offset space, one per mappable object. Ranges are kept ordered by
// start offset so freed gaps are found and reused by a first-fit scan.
//
// All methods require the device lock.
type offsetManager struct {
	ranges *btree.BTreeG[*offsetNode]
}

func newOffsetManager() *offsetManager {
	return &offsetManager{
		ranges: btree.NewG(8, offsetNodeLess),
	}
}

// allocate reserves a range of the given length for bo and returns its start
// offset.
func (om *offsetManager) allocate(bo *BufferObject, length uint64) uint64 {
	prevEnd := mmapOffsetBase
	found := false
	var start uint64
	om.ranges.Ascend(func(n *offsetNode) bool {
		if n.start-prevEnd >= length {
			start = prevEnd
			found = true
			return false
		}
		prevEnd = n.start + n.length
		return true
	})
	if !found {
		start = prevEnd
	}
	om.ranges.ReplaceOrInsert(&offsetNode{start: start, length: length, bo: bo})
	return start
}

// free releases the range beginning at start.
func (om *offsetManager) free(start uint64) {
	om.ranges.Delete(&offsetNode{start: start})
}

// lookup returns the object whose range contains off.
func (om *offsetManager) lookup(off uint64) (*BufferObject, bool) {
	var hit *offsetNode
	om.ranges.DescendLessOrEqual(&offsetNode{start: off}, func(n *offsetNode) bool {
		hit = n
		return false
	})
	if hit == nil || off >= hit.start+hit.length {
		return nil, false
	}
	return hit.bo, true
}
