// SPDX-License-Identifier: Unlicense OR MIT

package machine

import (
	"encoding/binary"
	"fmt"
)

// Hardware page table entry bits.
const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteUser     = 1 << 2
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6
	pteNX       = 1 << 63
	pteAddrMask = 0x000f_ffff_ffff_f000
)

// Canonical address bounds for 48-bit virtual addresses.
const (
	lowHalfEnd    = 0x0000_7fff_ffff_ffff
	highHalfStart = 0xffff_8000_0000_0000
)

// A faulting access is retried this many times before the machine
// gives up, the way a real CPU escalates to a double fault.
const maxFaultRetries = 4

// AccessKind describes a memory access.
type AccessKind uint8

const (
	AccessRead  AccessKind = 0
	AccessWrite AccessKind = 1 << 0
	AccessUser  AccessKind = 1 << 1
	AccessExec  AccessKind = 1 << 2
)

// tlbEntry is a cached leaf translation with the effective
// permissions of the whole walk.
type tlbEntry struct {
	frame    uint64
	writable bool
	user     bool
	nx       bool
	dirty    bool
}

// Canonical reports whether vaddr is a canonical 48-bit address.
func Canonical(vaddr uint64) bool {
	return vaddr <= lowHalfEnd || vaddr >= highHalfStart
}

func (e tlbEntry) permits(kind AccessKind, wp bool) bool {
	if kind&AccessUser != 0 && !e.user {
		return false
	}
	if kind&AccessWrite != 0 && !e.writable && (wp || kind&AccessUser != 0) {
		return false
	}
	if kind&AccessExec != 0 && e.nx {
		return false
	}
	return true
}

func faultCode(present bool, kind AccessKind) uint64 {
	var code uint64
	if present {
		code |= FaultPresent
	}
	if kind&AccessWrite != 0 {
		code |= FaultWrite
	}
	if kind&AccessUser != 0 {
		code |= FaultUser
	}
	if kind&AccessExec != 0 {
		code |= FaultFetch
	}
	return code
}

// walk translates the page containing vaddr by reading the page
// tables from physical memory. If update is set, it sets the
// accessed bits along the way and the dirty bit of the leaf for
// writes. It returns the fault error code if the walk fails. m.mu
// must be held.
func (m *Machine) walk(vaddr uint64, kind AccessKind, update bool) (tlbEntry, uint64, bool) {
	e := tlbEntry{writable: true, user: true}
	table := m.cr3
	for shift := 39; shift >= 12; shift -= 9 {
		idx := (vaddr >> shift) & (tableEntries - 1)
		addr := table + idx*8
		pte, err := m.ram.read64(addr)
		if err != nil {
			// Tables outside RAM read as empty.
			return tlbEntry{}, faultCode(false, kind), false
		}
		if pte&ptePresent == 0 {
			return tlbEntry{}, faultCode(false, kind), false
		}
		e.writable = e.writable && pte&pteWritable != 0
		e.user = e.user && pte&pteUser != 0
		e.nx = e.nx || pte&pteNX != 0
		if update {
			npte := pte | pteAccessed
			if shift == 12 && kind&AccessWrite != 0 && e.permits(kind, m.wp) {
				npte |= pteDirty
			}
			if npte != pte {
				_ = m.ram.write64(addr, npte)
			}
			pte = npte
		}
		if shift == 12 {
			e.dirty = pte&pteDirty != 0
		}
		table = pte & pteAddrMask
	}
	e.frame = table
	if !e.permits(kind, m.wp) {
		return tlbEntry{}, faultCode(true, kind), false
	}
	return e, 0, true
}

// translate returns the physical address for an access to vaddr,
// raising exceptions as the hardware would.
func (m *Machine) translate(vaddr uint64, kind AccessKind) uint64 {
	if !Canonical(vaddr) {
		m.exception(Trap{Vector: VectorGeneralProtection, Addr: vaddr})
		m.Halt(fmt.Sprintf("general protection fault at %#x", vaddr))
	}
	page := vaddr &^ (PageSize - 1)
	off := vaddr & (PageSize - 1)
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if e, ok := m.tlb[page]; ok && e.permits(kind, m.wp) && (kind&AccessWrite == 0 || e.dirty) {
			m.mu.Unlock()
			return e.frame | off
		}
		e, code, ok := m.walk(vaddr, kind, true)
		if ok {
			m.tlb[page] = e
			m.tlbFills++
			m.mu.Unlock()
			return e.frame | off
		}
		m.mu.Unlock()
		if attempt == maxFaultRetries {
			m.Halt(fmt.Sprintf("triple fault at %#x (error code %#x)", vaddr, code))
		}
		m.exception(Trap{Vector: VectorPageFault, ErrorCode: code, Addr: vaddr})
	}
}

// Translate walks the page tables for vaddr without faulting or
// touching accessed and dirty bits. It ignores the TLB.
func (m *Machine) Translate(vaddr uint64) (uint64, bool) {
	if !Canonical(vaddr) {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _, ok := m.walk(vaddr, AccessRead, false)
	if !ok {
		return 0, false
	}
	return e.frame | vaddr&(PageSize-1), true
}

// Touch performs an access of the given kind to vaddr, faulting as
// needed, and returns the physical address it resolved to.
func (m *Machine) Touch(vaddr uint64, kind AccessKind) uint64 {
	return m.translate(vaddr, kind)
}

// Read64 reads the word at vaddr in supervisor mode.
func (m *Machine) Read64(vaddr uint64) uint64 {
	if vaddr&7 != 0 {
		var b [8]byte
		m.Read(vaddr, b[:])
		return binary.LittleEndian.Uint64(b[:])
	}
	return m.ReadPhys64(m.translate(vaddr, AccessRead))
}

// Write64 writes the word at vaddr in supervisor mode.
func (m *Machine) Write64(vaddr, v uint64) {
	if vaddr&7 != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		m.Write(vaddr, b[:])
		return
	}
	m.WritePhys64(m.translate(vaddr, AccessWrite), v)
}

// Read copies len(p) bytes starting at vaddr into p.
func (m *Machine) Read(vaddr uint64, p []byte) {
	m.span(vaddr, uint64(len(p)), AccessRead, func(phys uint64, off, n uint64) {
		copy(p[off:off+n], m.PhysSlice(phys, n))
	})
}

// Write copies p to memory starting at vaddr.
func (m *Machine) Write(vaddr uint64, p []byte) {
	m.span(vaddr, uint64(len(p)), AccessWrite, func(phys uint64, off, n uint64) {
		copy(m.PhysSlice(phys, n), p[off:off+n])
	})
}

// Zero clears n bytes starting at vaddr.
func (m *Machine) Zero(vaddr, n uint64) {
	m.span(vaddr, n, AccessWrite, func(phys uint64, _, n uint64) {
		m.ZeroPhys(phys, n)
	})
}

// Fetch reads the instruction byte at vaddr.
func (m *Machine) Fetch(vaddr uint64) byte {
	phys := m.translate(vaddr, AccessExec)
	return m.PhysSlice(phys, 1)[0]
}

// span calls f for every page sized piece of [vaddr, vaddr+n).
func (m *Machine) span(vaddr, n uint64, kind AccessKind, f func(phys, off, n uint64)) {
	var off uint64
	for off < n {
		addr := vaddr + off
		chunk := min(n-off, PageSize-addr&(PageSize-1))
		f(m.translate(addr, kind), off, chunk)
		off += chunk
	}
}
