// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const (
	ErrZeroSize      kernError = "heap: zero size allocation"
	ErrBadAlignment  kernError = "heap: alignment is not a power of two"
	ErrNoFit         kernError = "heap: no free region fits"
	ErrNotAllocated  kernError = "heap: pointer not allocated"
	ErrHeapExhausted kernError = "heap: size overflows the heap"
)

// HeapAlloc is a first fit allocator of whole pages of kernel virtual
// memory. Free and used regions are tracked in two heapLists whose
// nodes live in the demand paged heap metadata region. Pages are
// backed by fresh frames when allocated and released when freed.
type HeapAlloc struct {
	lock spinLock
	free *heapList
	used *heapList
	heap Region
	meta Region

	vmm   *VMM
	log   *slog.Logger
	fatal func(msg string)

	numAllocs int
}

// HeapStats summarizes the state of the heap.
type HeapStats struct {
	Allocs      int
	FreeBytes   uint64
	UsedBytes   uint64
	FreeRegions int
	UsedRegions int
	// FreeNodes and UsedNodes are the metadata slots in use by each
	// list.
	FreeNodes int
	UsedNodes int
}

// newHeapAlloc manages heap, keeping its bookkeeping in meta. The
// first half of meta holds the free list, the second the used list.
func newHeapAlloc(mem memoryAccessor, meta, heap Region, vmm *VMM, cpu *cpu, log *slog.Logger, fatal func(string)) (*HeapAlloc, error) {
	half := AlignDown(meta.Size/2, nodeSize)
	if half < nodeSize {
		return nil, kernError("initHeap: metadata region too small")
	}
	h := &HeapAlloc{
		free:  newHeapList(mem, Region{Addr: meta.Addr, Size: half}),
		used:  newHeapList(mem, Region{Addr: meta.Addr + half, Size: half}),
		heap:  heap,
		meta:  meta,
		vmm:   vmm,
		log:   log,
		fatal: fatal,
	}
	h.lock = spinLock{name: "heap", cpu: cpu}
	if _, err := h.free.add(heap, true); err != nil {
		return nil, errors.Wrap(err, "initHeap")
	}
	log.Info("heap ready",
		hexAttr("heapStart", heap.Addr), hexAttr("heapEnd", heap.End()),
		hexAttr("metaStart", meta.Addr), hexAttr("metaEnd", meta.End()))
	return h, nil
}

// canFit returns the offset into r where an allocation of size bytes
// aligned to align starts, and whether it ends inside r.
func canFit(r Region, size, align uint64) (uint64, bool) {
	start := AlignUp(r.Addr, align)
	if start < r.Addr {
		return 0, false
	}
	off := start - r.Addr
	if off > r.Size {
		return 0, false
	}
	return off, size <= r.Size-off
}

// alloc reserves size bytes rounded up to whole pages, aligned to
// align, and maps them with flags.
func (h *HeapAlloc) alloc(size, align uint64, flags PageFlags) (VirtualAddress, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}
	if align == 0 {
		align = pageSize
	}
	if !isPowerOfTwo(align) {
		return 0, errors.Wrapf(ErrBadAlignment, "alloc align %#x", align)
	}
	align = max(align, pageSize)
	if addOverflows(size, pageSize) || size > h.heap.Size {
		return 0, errors.Wrapf(ErrHeapExhausted, "alloc %#x bytes", size)
	}
	size = AlignUp(size, pageSize)

	// A split needs one slot of each pool.
	h.lockPrefaulted(1, 1)
	a, err := h.take(size, align)
	if err == nil {
		h.numAllocs++
	}
	h.lock.unlock()
	if err != nil {
		return 0, err
	}

	if err := h.vmm.MapRange(VirtualAddress(a.Addr), a.Size, flags); err != nil {
		h.fatal("kmalloc: " + err.Error())
		return 0, err
	}
	h.log.Debug("kmalloc", hexAttr("addr", a.Addr), hexAttr("size", a.Size), slog.String("perm", flags.Mode()))
	return VirtualAddress(a.Addr), nil
}

// take moves the first fitting piece of free memory to the used
// list. The free node is shrunk in place to what remains before and
// after the allocation. h.lock must be held.
func (h *HeapAlloc) take(size, align uint64) (Region, error) {
	n, off := noNode, uint64(0)
	var r Region
	h.free.each(func(fn nodeHandle, fr Region) bool {
		o, ok := canFit(fr, size, align)
		if ok {
			n, off, r = fn, o, fr
		}
		return !ok
	})
	if n == noNode {
		return Region{}, errors.Wrapf(ErrNoFit, "alloc %#x bytes aligned to %#x", size, align)
	}
	a := Region{Addr: r.Addr + off, Size: size}
	used, err := h.used.add(a, false)
	if err != nil {
		return Region{}, err
	}
	prefix := Region{Addr: r.Addr, Size: off}
	suffix := NewRegion(a.End(), r.End())
	switch {
	case prefix.Empty() && suffix.Empty():
		_, err = h.free.remove(n)
	case prefix.Empty():
		h.free.nodes.setRegion(n, suffix)
	case suffix.Empty():
		h.free.nodes.setRegion(n, prefix)
	default:
		h.free.nodes.setRegion(n, prefix)
		if _, err = h.free.add(suffix, false); err != nil {
			h.free.nodes.setRegion(n, r)
		}
	}
	if err != nil {
		if _, rerr := h.used.remove(used); rerr != nil {
			h.log.Error("alloc rollback", hexAttr("addr", a.Addr), slog.String("err", rerr.Error()))
		}
		return Region{}, err
	}
	return a, nil
}

// lockPrefaulted takes h.lock once the next free and used slots of
// the node pools are mapped, so the critical section never faults on
// metadata with interrupts masked. The pool tops are read under the
// lock and checked again after faulting, because an interrupt handler
// may allocate nodes while the lock is released.
func (h *HeapAlloc) lockPrefaulted(free, used int) {
	var freeEnd, usedEnd int
	for {
		h.lock.lock()
		h.free.nodes.markFaulted(freeEnd)
		h.used.nodes.markFaulted(usedEnd)
		if h.free.nodes.ready(free) && h.used.nodes.ready(used) {
			return
		}
		freeTop, usedTop := h.free.nodes.top, h.used.nodes.top
		h.lock.unlock()
		freeEnd = h.free.nodes.prefault(freeTop, free)
		usedEnd = h.used.nodes.prefault(usedTop, used)
	}
}

// dealloc frees the allocation starting in the page of ptr. The pages
// are unmapped before the region is returned to the free list, so a
// concurrent alloc never sees them mapped.
func (h *HeapAlloc) dealloc(ptr VirtualAddress) error {
	page := uint64(ptr.Align())

	h.lock.lock()
	n := h.used.findStart(page)
	if n == noNode {
		h.lock.unlock()
		return errors.Wrapf(ErrNotAllocated, "kfree %#x", uint64(ptr))
	}
	r, err := h.used.remove(n)
	h.lock.unlock()
	if err != nil {
		return err
	}

	if err := h.vmm.UnmapRange(VirtualAddress(r.Addr), r.Size); err != nil {
		h.fatal("kfree: " + err.Error())
		return err
	}

	h.lockPrefaulted(1, 0)
	_, err = h.free.add(r, true)
	h.numAllocs--
	h.lock.unlock()
	if err != nil {
		return errors.Wrapf(err, "kfree %#x", uint64(ptr))
	}
	h.log.Debug("kfree", hexAttr("addr", r.Addr), hexAttr("size", r.Size))
	return nil
}

// Kmalloc allocates size bytes of zeroed memory, rounded up to whole
// pages, with the given permissions.
func (h *HeapAlloc) Kmalloc(size uint64, flags PageFlags) (VirtualAddress, error) {
	return h.alloc(size, pageSize, flags)
}

// Kfree releases the allocation containing the page of ptr.
func (h *HeapAlloc) Kfree(ptr VirtualAddress) error {
	return h.dealloc(ptr)
}

// KmallocAligned is Kmalloc with the start of the allocation aligned
// to align, a power of two.
func (h *HeapAlloc) KmallocAligned(size, align uint64, flags PageFlags) (VirtualAddress, error) {
	return h.alloc(size, align, flags)
}

// Alloc is the allocation hook for general kernel code. Memory is
// writable and executable.
func (h *HeapAlloc) Alloc(size, align uint64) (VirtualAddress, error) {
	return h.alloc(size, align, PageFlagWritable)
}

// Free is the counterpart of Alloc.
func (h *HeapAlloc) Free(ptr VirtualAddress) error {
	return h.dealloc(ptr)
}

// Region returns the virtual memory managed by h.
func (h *HeapAlloc) Region() Region {
	return h.heap
}

// MetadataRegion returns the demand paged region holding h's lists.
func (h *HeapAlloc) MetadataRegion() Region {
	return h.meta
}

func (h *HeapAlloc) Stats() HeapStats {
	h.lock.lock()
	defer h.lock.unlock()
	return HeapStats{
		Allocs:      h.numAllocs,
		FreeBytes:   h.free.size(),
		UsedBytes:   h.used.size(),
		FreeRegions: h.free.len,
		UsedRegions: h.used.len,
		FreeNodes:   h.free.nodes.used,
		UsedNodes:   h.used.nodes.used,
	}
}

// FreeRegions returns the free list in address order.
func (h *HeapAlloc) FreeRegions() []Region {
	h.lock.lock()
	defer h.lock.unlock()
	return h.free.regions()
}

// UsedRegions returns the live allocations in address order.
func (h *HeapAlloc) UsedRegions() []Region {
	h.lock.lock()
	defer h.lock.unlock()
	return h.used.regions()
}

// LogAllocations logs every live allocation at debug level.
func (h *HeapAlloc) LogAllocations(log *slog.Logger) {
	for _, r := range h.UsedRegions() {
		log.Debug("allocation", hexAttr("addr", r.Addr), hexAttr("size", r.Size))
	}
}

// WriteDetailedMap writes the heap summary and both region lists to
// json.
func (h *HeapAlloc) WriteDetailedMap(json jwriter.ObjectState) {
	s := h.Stats()
	json.Name("allocations").Int(s.Allocs)
	json.Name("usedBytes").String(fmt.Sprintf("%#x", s.UsedBytes))
	json.Name("freeBytes").String(fmt.Sprintf("%#x", s.FreeBytes))
	writeRegions(json, "free", h.FreeRegions())
	writeRegions(json, "used", h.UsedRegions())
}

func writeRegions(json jwriter.ObjectState, name string, rs []Region) {
	arr := json.Name(name).Array()
	for _, r := range rs {
		obj := arr.Object()
		obj.Name("addr").String(fmt.Sprintf("%#x", r.Addr))
		obj.Name("size").String(fmt.Sprintf("%#x", r.Size))
		obj.End()
	}
	arr.End()
}
