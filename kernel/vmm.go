// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const ErrAlreadyMapped kernError = "vmm: page already mapped"

// VMM composes page table primitives into mapping policies. Lazy
// operations map caller supplied frames; eager operations take fresh
// frames from the frame allocator.
type VMM struct {
	lock   spinLock
	pt     pageTables
	frames *FrameAllocator
	log    *slog.Logger
	fatal  func(msg string)

	// demand holds the virtual ranges that are backed on first touch.
	demand virtMemory
	// idMapEnd is the end of the low identity mapping.
	idMapEnd uint64
}

// virtMemory tracks reserved virtual memory ranges and their flags.
type virtMemory struct {
	// ranges is the list of memory ranges, sorted by range.
	ranges []memoryRange
}

type memoryRange struct {
	Region
	flags PageFlags
}

func newVMM(as addressSpace, frames *FrameAllocator, cpu *cpu, log *slog.Logger, fatal func(string)) *VMM {
	v := &VMM{
		pt:     pageTables{as: as, frames: frames},
		frames: frames,
		log:    log,
		fatal:  fatal,
	}
	v.lock = spinLock{name: "vmm", cpu: cpu}
	return v
}

// init takes over the loader's page table: it installs the recursive
// entry, identity maps memory up to the end of the frame bitmap,
// unmaps the rest of the loader's identity mapping and reloads CR3.
func (v *VMM) init(bootIdentity uint64) error {
	pml4 := v.pt.as.CR3()
	// The top level table is reachable through the loader's identity
	// mapping until the recursive entry exists.
	v.pt.as.Write64(pml4+recursiveIndex*8, uint64(makeEntry(PhysicalAddress(pml4), PageFlagWritable)))

	v.idMapEnd = v.frames.MappableRegion().Addr
	if err := v.LazyMapRange(0, 0, v.idMapEnd, PageFlagWritable); err != nil {
		return errors.Wrap(err, "initVMM: identity map")
	}
	if v.idMapEnd < bootIdentity {
		if err := v.LazyUnmapRange(VirtualAddress(v.idMapEnd), bootIdentity-v.idMapEnd); err != nil {
			return errors.Wrap(err, "initVMM: unmap loader memory")
		}
	}
	v.pt.as.SetCR3(pml4)
	v.log.Info("vmm ready",
		hexAttr("pml4", pml4),
		hexAttr("identityEnd", v.idMapEnd),
		hexAttr("unmappedTo", max(bootIdentity, v.idMapEnd)))
	return nil
}

// LazyMap maps the page containing vaddr to the frame at addr.
func (v *VMM) LazyMap(vaddr VirtualAddress, addr PhysicalAddress, flags PageFlags) error {
	v.lock.lock()
	defer v.lock.unlock()
	return v.pt.mapPage(vaddr, addr, flags)
}

// LazyUnmap removes the mapping of the page containing vaddr. The
// frame stays allocated.
func (v *VMM) LazyUnmap(vaddr VirtualAddress) error {
	v.lock.lock()
	defer v.lock.unlock()
	return v.pt.unmapPage(vaddr)
}

// Map backs the page containing vaddr with a fresh zeroed frame.
// Running out of frames is fatal. Map refuses to replace an existing
// mapping.
func (v *VMM) Map(vaddr VirtualAddress, flags PageFlags) error {
	page := vaddr.Align()
	frame, err := v.frames.Alloc()
	if err != nil {
		v.fatal("map: " + err.Error())
		return err
	}
	v.lock.lock()
	if _, mapped := v.pt.flagsOf(page); mapped {
		err = errors.Wrapf(ErrAlreadyMapped, "map %#x", uint64(page))
	} else {
		err = v.pt.mapPage(page, frame, flags)
	}
	v.lock.unlock()
	if err != nil {
		v.freeFrame(frame)
		return err
	}
	v.pt.as.Zero(uint64(page), pageSize)
	v.log.Debug("map", hexAttr("vaddr", page), hexAttr("frame", frame), slog.String("perm", flags.Mode()))
	return nil
}

// Unmap removes the mapping of the page containing vaddr and frees
// its frame.
func (v *VMM) Unmap(vaddr VirtualAddress) error {
	page := vaddr.Align()
	v.lock.lock()
	frame, err := v.pt.translate(page)
	if err == nil {
		err = v.pt.unmapPage(page)
	}
	v.lock.unlock()
	if err != nil {
		return err
	}
	if v.frames.Contains(frame) {
		if err := v.frames.Free(frame); err != nil {
			return err
		}
	}
	v.log.Debug("unmap", hexAttr("vaddr", page), hexAttr("frame", frame))
	return nil
}

// IdentityMap maps the page containing addr to the frame with the
// same address. A managed frame is first claimed from the frame
// allocator so it is never handed out again.
func (v *VMM) IdentityMap(addr PhysicalAddress, flags PageFlags) error {
	frame := addr &^ (pageSize - 1)
	claimed := false
	if v.frames.Contains(frame) {
		if err := v.frames.AllocFrame(frame); err != nil {
			return err
		}
		claimed = true
	}
	if err := v.LazyMap(VirtualAddress(frame), frame, flags); err != nil {
		if claimed {
			v.freeFrame(frame)
		}
		return err
	}
	return nil
}

// freeFrame returns a frame that was never mapped.
func (v *VMM) freeFrame(frame PhysicalAddress) {
	if err := v.frames.Free(frame); err != nil {
		v.log.Error("free frame", hexAttr("frame", frame), slog.String("err", err.Error()))
	}
}

// VirtToPhys translates vaddr, keeping its page offset.
func (v *VMM) VirtToPhys(vaddr VirtualAddress) (PhysicalAddress, error) {
	v.lock.lock()
	defer v.lock.unlock()
	return v.pt.translate(vaddr)
}

// Mapped reports whether the page containing vaddr is mapped and with
// which permissions.
func (v *VMM) Mapped(vaddr VirtualAddress) (PageFlags, bool) {
	v.lock.lock()
	defer v.lock.unlock()
	return v.pt.flagsOf(vaddr)
}

// The range operations work page by page and stop at the first
// error, leaving earlier pages mapped or unmapped.

func (v *VMM) LazyMapRange(vaddr VirtualAddress, addr PhysicalAddress, size uint64, flags PageFlags) error {
	page, frame := vaddr.Align(), addr&^(pageSize-1)
	for i := uint64(0); i < numPages(uint64(vaddr), size); i++ {
		off := i * pageSize
		if err := v.LazyMap(page+VirtualAddress(off), frame+PhysicalAddress(off), flags); err != nil {
			return err
		}
	}
	return nil
}

func (v *VMM) LazyUnmapRange(vaddr VirtualAddress, size uint64) error {
	page := vaddr.Align()
	for i := uint64(0); i < numPages(uint64(vaddr), size); i++ {
		if err := v.LazyUnmap(page + VirtualAddress(i*pageSize)); err != nil {
			return err
		}
	}
	return nil
}

func (v *VMM) MapRange(vaddr VirtualAddress, size uint64, flags PageFlags) error {
	page := vaddr.Align()
	for i := uint64(0); i < numPages(uint64(vaddr), size); i++ {
		if err := v.Map(page+VirtualAddress(i*pageSize), flags); err != nil {
			return err
		}
	}
	return nil
}

func (v *VMM) UnmapRange(vaddr VirtualAddress, size uint64) error {
	page := vaddr.Align()
	for i := uint64(0); i < numPages(uint64(vaddr), size); i++ {
		if err := v.Unmap(page + VirtualAddress(i*pageSize)); err != nil {
			return err
		}
	}
	return nil
}

func (v *VMM) IdentityMapRange(addr PhysicalAddress, size uint64, flags PageFlags) error {
	frame := addr &^ (pageSize - 1)
	for i := uint64(0); i < numPages(uint64(addr), size); i++ {
		if err := v.IdentityMap(frame+PhysicalAddress(i*pageSize), flags); err != nil {
			return err
		}
	}
	return nil
}

// reserve marks r as demand paged: the first touch of any page in it
// maps a fresh frame with flags.
func (v *VMM) reserve(r Region, flags PageFlags) {
	v.lock.lock()
	defer v.lock.unlock()
	v.demand.mustAddRange(r, flags, v.fatal)
}

// demandRange returns the reserved range containing vaddr.
func (v *VMM) demandRange(vaddr VirtualAddress) (memoryRange, bool) {
	v.lock.lock()
	defer v.lock.unlock()
	return v.demand.rangeForAddress(uint64(vaddr))
}

// mustAddRange is like addRange but calls fatal if the range
// overlaps.
func (vm *virtMemory) mustAddRange(r Region, flags PageFlags, fatal func(string)) {
	if !vm.addRange(r, flags) {
		fatal("mustAddRange: adding overlapping range")
	}
}

// addRange adds a memory range to the map. If the range overlaps
// an existing range, addRange does nothing and returns false.
func (vm *virtMemory) addRange(r Region, flags PageFlags) bool {
	i := vm.closestRange(r.Addr)
	if i < len(vm.ranges) && vm.ranges[i].Overlaps(r) {
		return false
	}
	vm.ranges = append(vm.ranges, memoryRange{})
	copy(vm.ranges[i+1:], vm.ranges[i:])
	vm.ranges[i] = memoryRange{Region: r, flags: flags}
	return true
}

// rangeForAddress returns the range that contains addr.
func (vm *virtMemory) rangeForAddress(addr uint64) (memoryRange, bool) {
	i := vm.closestRange(addr)
	if i >= len(vm.ranges) || !vm.ranges[i].Includes(addr) {
		return memoryRange{}, false
	}
	return vm.ranges[i], true
}

// closestRange finds the lowest index i where vm.ranges[i].End() > addr.
func (vm *virtMemory) closestRange(addr uint64) int {
	i, j := 0, len(vm.ranges)
	for i < j {
		h := int(uint(i+j) >> 1)
		if vm.ranges[h].End() <= addr {
			i = h + 1
		} else {
			j = h
		}
	}
	return i
}
