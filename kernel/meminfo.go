// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"eliasnaur.com/kmem/machine"
)

// memInfo summarizes the boot memory map.
type memInfo struct {
	// kernelEnd is the first address past the kernel image and the
	// boot information block.
	kernelEnd uint64
	// memEnd is the end of the highest available memory area.
	memEnd uint64
	// usable is the available memory following the kernel.
	usable Region
}

func newMemInfo(info *machine.BootInfo) (memInfo, error) {
	var mi memInfo
	for _, s := range info.Sections {
		mi.kernelEnd = max(mi.kernelEnd, s.Addr+s.Size)
	}
	mi.kernelEnd = max(mi.kernelEnd, info.InfoAddr+info.InfoSize)
	var next *machine.MemoryArea
	for i := range info.MemoryMap {
		a := &info.MemoryMap[i]
		if a.Type != machine.MemoryAvailable {
			continue
		}
		mi.memEnd = max(mi.memEnd, a.End())
		if a.Base <= mi.kernelEnd && mi.kernelEnd < a.End() {
			mi.usable = NewRegion(mi.kernelEnd, a.End())
		}
		if a.Base > mi.kernelEnd && (next == nil || a.Base < next.Base) {
			next = a
		}
	}
	if mi.usable.Empty() && next != nil {
		mi.usable = NewRegion(next.Base, next.End())
	}
	if mi.usable.Empty() {
		return memInfo{}, kernError("initMem: no usable memory after the kernel")
	}
	return mi, nil
}
