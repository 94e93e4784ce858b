// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"github.com/pkg/errors"

	"eliasnaur.com/kmem/machine"
)

const (
	ErrNodePoolFull kernError = "heap: node pool full"
	ErrBadNode      kernError = "heap: invalid node"
)

// nodeHandle names a slot of a nodePool.
type nodeHandle int

const noNode nodeHandle = -1

// A node occupies one slot in virtual memory:
//
//	0  region address
//	8  region size
//	16 next handle + 1, 0 at the end of the list
//	24 flags
const (
	nodeSize      = 32
	nodeAddrOff   = 0
	nodeSizeOff   = 8
	nodeNextOff   = 16
	nodeFlagsOff  = 24
	nodeFlagInUse = 1
)

// memoryAccessor reads and writes kernel virtual memory.
type memoryAccessor interface {
	Read64(vaddr uint64) uint64
	Write64(vaddr, v uint64)
	Zero(vaddr, n uint64)
}

// pageToucher faults in a page without reading its contents.
type pageToucher interface {
	Touch(vaddr uint64, kind machine.AccessKind) uint64
}

// nodePool hands out fixed size list node slots from a region of
// virtual memory. Slots below top have been used at some point; a
// free slot below top is reused before top grows. Slots below faulted
// are known to be mapped.
type nodePool struct {
	mem      memoryAccessor
	region   Region
	capacity int
	top      int
	used     int
	faulted  int
}

func newNodePool(mem memoryAccessor, region Region) *nodePool {
	return &nodePool{
		mem:      mem,
		region:   region,
		capacity: int(region.Size / nodeSize),
	}
}

func (p *nodePool) slotAddr(h nodeHandle) uint64 {
	return p.region.Addr + uint64(h)*nodeSize
}

func (p *nodePool) inUse(h nodeHandle) bool {
	return p.mem.Read64(p.slotAddr(h)+nodeFlagsOff)&nodeFlagInUse != 0
}

// alloc returns a zeroed slot marked in use.
func (p *nodePool) alloc() (nodeHandle, error) {
	h := noNode
	if p.used < p.top {
		for i := 0; i < p.top; i++ {
			if !p.inUse(nodeHandle(i)) {
				h = nodeHandle(i)
				break
			}
		}
	}
	if h == noNode {
		if p.top == p.capacity {
			return noNode, ErrNodePoolFull
		}
		h = nodeHandle(p.top)
		p.top++
	}
	addr := p.slotAddr(h)
	p.mem.Zero(addr, nodeSize)
	p.mem.Write64(addr+nodeFlagsOff, nodeFlagInUse)
	p.used++
	return h, nil
}

// free releases h. Freeing the topmost slot lowers top past every
// free slot beneath it.
func (p *nodePool) free(h nodeHandle) error {
	if h < 0 || int(h) >= p.top || !p.inUse(h) {
		return errors.Wrapf(ErrBadNode, "free node %d", h)
	}
	p.mem.Zero(p.slotAddr(h), nodeSize)
	p.used--
	for p.top > 0 && !p.inUse(nodeHandle(p.top-1)) {
		p.top--
	}
	return nil
}

// ready reports whether the slots the next n allocations may extend
// into are known to be mapped.
func (p *nodePool) ready(n int) bool {
	return min(p.top+n, p.capacity) <= p.faulted
}

// prefault faults in the pages of the n slots starting at from and
// returns the first slot past the last page it touched. It reads no
// pool state, so it may run without the lock guarding the pool; the
// result is recorded with markFaulted.
func (p *nodePool) prefault(from, n int) int {
	end := min(from+n, p.capacity)
	if end <= from {
		return from
	}
	for i := from; i < end; i++ {
		addr := p.slotAddr(nodeHandle(i))
		if t, ok := p.mem.(pageToucher); ok {
			t.Touch(addr, machine.AccessRead)
		} else {
			p.mem.Read64(addr)
		}
	}
	pageEnd := AlignDown(p.slotAddr(nodeHandle(end-1)), pageSize) + pageSize
	return min(int((pageEnd-p.region.Addr)/nodeSize), p.capacity)
}

// markFaulted records that the slots below end are mapped. Metadata
// pages are never unmapped, so faulted only grows.
func (p *nodePool) markFaulted(end int) {
	p.faulted = max(p.faulted, end)
}

func (p *nodePool) nodeRegion(h nodeHandle) Region {
	addr := p.slotAddr(h)
	return Region{Addr: p.mem.Read64(addr + nodeAddrOff), Size: p.mem.Read64(addr + nodeSizeOff)}
}

func (p *nodePool) setRegion(h nodeHandle, r Region) {
	addr := p.slotAddr(h)
	p.mem.Write64(addr+nodeAddrOff, r.Addr)
	p.mem.Write64(addr+nodeSizeOff, r.Size)
}

func (p *nodePool) next(h nodeHandle) nodeHandle {
	return nodeHandle(p.mem.Read64(p.slotAddr(h)+nodeNextOff)) - 1
}

func (p *nodePool) setNext(h, next nodeHandle) {
	p.mem.Write64(p.slotAddr(h)+nodeNextOff, uint64(next+1))
}
