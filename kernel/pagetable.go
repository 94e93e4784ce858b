// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"github.com/pkg/errors"
)

const (
	ErrNonCanonical kernError = "pagetable: non-canonical address"
	ErrNotMapped    kernError = "pagetable: page not mapped"
)

// The last entry of the top level table points back to the table
// itself. Every table of the hierarchy then appears at a fixed
// virtual address inside the top 512 GiB of the address space.
const (
	recursiveIndex = pageTableSize - 1

	signExtension = 0xffff << 48

	ptStart   = signExtension | recursiveIndex<<39
	pdStart   = ptStart | recursiveIndex<<30
	pdpStart  = pdStart | recursiveIndex<<21
	pml4Start = pdpStart | recursiveIndex<<12
)

const (
	lowHalfEnd    = 0x0000_7fff_ffff_ffff
	highHalfStart = 0xffff_8000_0000_0000
)

const (
	// The physical frame address, bits 12 to 51.
	pteAddrMask = 0x000f_ffff_ffff_f000
)

// tableLevel identifies one of the four levels of page tables.
type tableLevel int

const (
	levelPT tableLevel = iota
	levelPD
	levelPDP
	levelPML4
)

var levelShifts = [...]uint{12, 21, 30, 39}

var levelNames = [...]string{"PT", "PD", "PDP", "PML4"}

func (l tableLevel) String() string {
	return levelNames[l]
}

// index returns the slot of vaddr in its table at level l.
func (l tableLevel) index(vaddr VirtualAddress) int {
	return int(uint64(vaddr)>>levelShifts[l]) & (pageTableSize - 1)
}

// pageSpan returns the amount of memory covered by one entry at
// level l.
func (l tableLevel) pageSpan() uint64 {
	return 1 << levelShifts[l]
}

// indexPath is the table indices of an address, top level first.
type indexPath [4]int

func pathOf(vaddr VirtualAddress) indexPath {
	return indexPath{
		levelPML4.index(vaddr),
		levelPDP.index(vaddr),
		levelPD.index(vaddr),
		levelPT.index(vaddr),
	}
}

// addr assembles the canonical address with the indices of p.
func (p indexPath) addr() VirtualAddress {
	var a uint64
	for i, idx := range p {
		a |= uint64(idx) << levelShifts[levelPML4-tableLevel(i)]
	}
	if a&(1<<47) != 0 {
		a |= signExtension
	}
	return VirtualAddress(a)
}

// tableAddr returns the virtual address of the table at level l on
// the path p. Each level below the top adds one pass through the
// recursive entry, shifting the path one level down.
func (p indexPath) tableAddr(l tableLevel) VirtualAddress {
	hops := int(l) + 1
	var q indexPath
	for i := range q {
		if i < hops {
			q[i] = recursiveIndex
		} else {
			q[i] = p[i-hops]
		}
	}
	return q.addr()
}

// tableAddr returns the virtual address of the level l table that
// covers vaddr.
func tableAddr(l tableLevel, vaddr VirtualAddress) VirtualAddress {
	return pathOf(vaddr).tableAddr(l)
}

// entryAddr returns the virtual address of the level l entry for
// vaddr.
func entryAddr(l tableLevel, vaddr VirtualAddress) VirtualAddress {
	return tableAddr(l, vaddr) + VirtualAddress(l.index(vaddr)*8)
}

// canonical reports whether the upper 16 bits of vaddr copy bit 47.
func canonical(vaddr VirtualAddress) bool {
	return vaddr <= lowHalfEnd || vaddr >= highHalfStart
}

// pageTableEntry is the hardware representation of a page table
// entry. The dirty and global bits only apply to leaf entries.
type pageTableEntry uint64

func makeEntry(addr PhysicalAddress, flags PageFlags) pageTableEntry {
	return pageTableEntry(uint64(addr)&pteAddrMask) | pageTableEntry(flags|pageFlagPresent)
}

func (e pageTableEntry) present() bool {
	return PageFlags(e)&pageFlagPresent != 0
}

func (e pageTableEntry) addr() PhysicalAddress {
	return PhysicalAddress(uint64(e) & pteAddrMask)
}

func (e *pageTableEntry) setAddr(addr PhysicalAddress) {
	*e = *e&^pteAddrMask | pageTableEntry(uint64(addr)&pteAddrMask)
}

// flags returns the permission bits of the entry.
func (e pageTableEntry) flags() PageFlags {
	return PageFlags(e) & mappingFlags
}

func (e pageTableEntry) accessed() bool {
	return PageFlags(e)&pageFlagAccessed != 0
}

func (e pageTableEntry) dirty() bool {
	return PageFlags(e)&pageFlagDirty != 0
}

func (e pageTableEntry) global() bool {
	return PageFlags(e)&pageFlagGlobal != 0
}

// addressSpace is the virtual memory the page table code runs in,
// along with the processor's translation controls.
type addressSpace interface {
	Read64(vaddr uint64) uint64
	Write64(vaddr, v uint64)
	Zero(vaddr, n uint64)
	Invlpg(vaddr uint64)
	CR3() uint64
	SetCR3(addr uint64)
}

// pageTables manipulates the live page tables through the recursive
// mapping. The tables are never freed; once created for a region
// they are kept for reuse.
type pageTables struct {
	as     addressSpace
	frames *FrameAllocator
}

func (pt *pageTables) entry(l tableLevel, vaddr VirtualAddress) pageTableEntry {
	return pageTableEntry(pt.as.Read64(uint64(entryAddr(l, vaddr))))
}

func (pt *pageTables) setEntry(l tableLevel, vaddr VirtualAddress, e pageTableEntry) {
	pt.as.Write64(uint64(entryAddr(l, vaddr)), uint64(e))
}

// makeTableIfNotPresent ensures the level l entry for vaddr points
// to a table. New tables are zeroed through their recursive address.
// Intermediate entries are writable and executable; the leaf decides
// the effective permissions. A user mapping needs user access at
// every level, so an existing entry gains it on demand.
func (pt *pageTables) makeTableIfNotPresent(l tableLevel, vaddr VirtualAddress, user bool) error {
	e := pt.entry(l, vaddr)
	if e.present() {
		if user && PageFlags(e)&PageFlagUserAccess == 0 {
			pt.setEntry(l, vaddr, e|pageTableEntry(PageFlagUserAccess))
		}
		return nil
	}
	frame, err := pt.frames.Alloc()
	if err != nil {
		return errors.Wrapf(err, "new %s table for %#x", l-1, uint64(vaddr))
	}
	flags := PageFlagWritable
	if user {
		flags |= PageFlagUserAccess
	}
	pt.setEntry(l, vaddr, makeEntry(frame, flags))
	table := tableAddr(l-1, vaddr)
	pt.as.Invlpg(uint64(table))
	pt.as.Zero(uint64(table), pageSize)
	return nil
}

// mapPage maps the page containing vaddr to the frame at addr.
// Tables created before a failure are left in place.
func (pt *pageTables) mapPage(vaddr VirtualAddress, addr PhysicalAddress, flags PageFlags) error {
	if !canonical(vaddr) {
		return errors.Wrapf(ErrNonCanonical, "map %#x", uint64(vaddr))
	}
	for l := levelPML4; l > levelPT; l-- {
		if err := pt.makeTableIfNotPresent(l, vaddr, flags.User()); err != nil {
			return err
		}
	}
	old := pt.entry(levelPT, vaddr)
	pt.setEntry(levelPT, vaddr, makeEntry(addr, flags&mappingFlags))
	if old.present() {
		pt.as.Invlpg(uint64(vaddr))
	}
	return nil
}

// leaf returns the leaf entry for vaddr, or false if any level of
// the walk is missing.
func (pt *pageTables) leaf(vaddr VirtualAddress) (pageTableEntry, bool) {
	for l := levelPML4; l >= levelPT; l-- {
		e := pt.entry(l, vaddr)
		if !e.present() {
			return 0, false
		}
		if l == levelPT {
			return e, true
		}
	}
	panic("unreachable")
}

// unmapPage clears the leaf entry for vaddr and invalidates its
// cached translation.
func (pt *pageTables) unmapPage(vaddr VirtualAddress) error {
	if !canonical(vaddr) {
		return errors.Wrapf(ErrNonCanonical, "unmap %#x", uint64(vaddr))
	}
	if _, ok := pt.leaf(vaddr); !ok {
		return errors.Wrapf(ErrNotMapped, "unmap %#x", uint64(vaddr))
	}
	pt.setEntry(levelPT, vaddr, 0)
	pt.as.Invlpg(uint64(vaddr))
	return nil
}

// translate returns the physical address vaddr maps to.
func (pt *pageTables) translate(vaddr VirtualAddress) (PhysicalAddress, error) {
	if !canonical(vaddr) {
		return 0, errors.Wrapf(ErrNonCanonical, "translate %#x", uint64(vaddr))
	}
	e, ok := pt.leaf(vaddr)
	if !ok {
		return 0, errors.Wrapf(ErrNotMapped, "translate %#x", uint64(vaddr))
	}
	return e.addr() | PhysicalAddress(vaddr.PageOffset()), nil
}

// flagsOf returns the leaf permissions of the page containing vaddr.
func (pt *pageTables) flagsOf(vaddr VirtualAddress) (PageFlags, bool) {
	if !canonical(vaddr) {
		return 0, false
	}
	e, ok := pt.leaf(vaddr)
	if !ok {
		return 0, false
	}
	return e.flags(), true
}
