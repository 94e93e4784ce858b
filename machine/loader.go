// SPDX-License-Identifier: Unlicense OR MIT

package machine

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MemoryType is the type of a physical memory map area, numbered
// like the multiboot2 memory map.
type MemoryType uint32

const (
	MemoryAvailable       MemoryType = 1
	MemoryReserved        MemoryType = 2
	MemoryACPIReclaimable MemoryType = 3
	MemoryNVS             MemoryType = 4
	MemoryDefective       MemoryType = 5
)

// MemoryArea is one entry of the physical memory map.
type MemoryArea struct {
	Base   uint64
	Length uint64
	Type   MemoryType
}

func (a MemoryArea) End() uint64 {
	return a.Base + a.Length
}

// Section is a loaded section of the kernel image.
type Section struct {
	Name string
	Addr uint64
	Size uint64
}

// Image describes the kernel image handed to the loader.
type Image struct {
	// Size is the size of the loaded code and data.
	Size uint64
}

// BootInfo is what the loader passes to the kernel.
type BootInfo struct {
	MemoryMap []MemoryArea
	Sections  []Section
	// InfoAddr and InfoSize locate the boot information block in
	// physical memory.
	InfoAddr uint64
	InfoSize uint64
	// IdentityMapped is the size of the low identity mapping the
	// loader left active.
	IdentityMapped uint64
}

const (
	// KernelBase is the physical load address of the kernel image.
	KernelBase = 0x100000

	lowMemoryEnd  = 0x9fc00
	biosAreaStart = 0xe0000

	pageSize2MB = 1 << 21
	pageSize1GB = 1 << 30

	// Size of one encoded memory map entry in the boot information
	// block.
	memoryAreaSize = 24
)

// Boot loads img at KernelBase, identity maps [0, identity) with 4 KiB
// pages using tables placed right after the image, writes the boot
// information block and loads CR3.
func (m *Machine) Boot(img Image, identity uint64) (*BootInfo, error) {
	if img.Size == 0 {
		return nil, errors.New("loader: empty kernel image")
	}
	if identity == 0 || identity%PageSize != 0 || identity > pageSize1GB {
		return nil, errors.Errorf("loader: invalid identity map size %#x", identity)
	}
	memSize := m.MemorySize()
	mmap := []MemoryArea{
		{Base: 0, Length: lowMemoryEnd, Type: MemoryAvailable},
		{Base: lowMemoryEnd, Length: 0xa0000 - lowMemoryEnd, Type: MemoryReserved},
		{Base: biosAreaStart, Length: KernelBase - biosAreaStart, Type: MemoryReserved},
	}
	if memSize > KernelBase {
		mmap = append(mmap, MemoryArea{Base: KernelBase, Length: memSize - KernelBase, Type: MemoryAvailable})
	}

	imgEnd := alignUp(KernelBase+img.Size, PageSize)
	text := alignUp(img.Size/2, PageSize)
	sections := []Section{
		{Name: ".text", Addr: KernelBase, Size: text},
		{Name: ".data", Addr: KernelBase + text, Size: imgEnd - KernelBase - text},
	}
	nPT := (identity + pageSize2MB - 1) / pageSize2MB
	tables := imgEnd
	tablesSize := (3 + nPT) * PageSize
	sections = append(sections, Section{Name: ".boot_tables", Addr: tables, Size: tablesSize})
	info := tables + tablesSize
	infoSize := 16 + uint64(len(mmap))*memoryAreaSize
	if info+infoSize > memSize {
		return nil, errors.Errorf("loader: %#x bytes of RAM cannot hold the kernel image", memSize)
	}
	if info+infoSize > identity {
		return nil, errors.Errorf("loader: identity map %#x does not cover the kernel", identity)
	}

	pml4 := tables
	pdp := pml4 + PageSize
	pd := pdp + PageSize
	m.ZeroPhys(tables, tablesSize)
	const flags = ptePresent | pteWritable
	m.WritePhys64(pml4, pdp|flags)
	m.WritePhys64(pdp, pd|flags)
	for i := uint64(0); i < nPT; i++ {
		pt := pd + (i+1)*PageSize
		m.WritePhys64(pd+i*8, pt|flags)
		for j := uint64(0); j < tableEntries; j++ {
			addr := (i*tableEntries + j) * PageSize
			if addr >= identity {
				break
			}
			m.WritePhys64(pt+j*8, addr|flags)
		}
	}

	buf := m.PhysSlice(info, infoSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(len(mmap)))
	binary.LittleEndian.PutUint64(buf[8:], memoryAreaSize)
	for i, a := range mmap {
		e := buf[16+i*memoryAreaSize:]
		binary.LittleEndian.PutUint64(e[0:], a.Base)
		binary.LittleEndian.PutUint64(e[8:], a.Length)
		binary.LittleEndian.PutUint32(e[16:], uint32(a.Type))
	}

	m.SetCR3(pml4)
	return &BootInfo{
		MemoryMap:      mmap,
		Sections:       sections,
		InfoAddr:       info,
		InfoSize:       infoSize,
		IdentityMapped: identity,
	}, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
