// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecursiveConstants(t *testing.T) {
	assert.Equal(t, uint64(0xffff_ff80_0000_0000), uint64(ptStart))
	assert.Equal(t, uint64(0xffff_ffff_c000_0000), uint64(pdStart))
	assert.Equal(t, uint64(0xffff_ffff_ffe0_0000), uint64(pdpStart))
	assert.Equal(t, uint64(0xffff_ffff_ffff_f000), uint64(pml4Start))
}

func TestPathOf(t *testing.T) {
	vaddr := VirtualAddress(0x0000_7f12_3456_7000)
	p := pathOf(vaddr)
	assert.Equal(t, indexPath{0xfe, 0x48, 0x1a2, 0x167}, p)
	assert.Equal(t, vaddr, p.addr())

	high := VirtualAddress(0xffff_8000_0020_1000)
	assert.Equal(t, indexPath{256, 0, 1, 1}, pathOf(high))
	assert.Equal(t, high, pathOf(high).addr(), "addr must sign extend")
}

func TestTableAddr(t *testing.T) {
	for _, vaddr := range []VirtualAddress{0, 0x1234_5678_9000, 0xffff_8000_0000_0000} {
		assert.Equal(t, VirtualAddress(pml4Start), tableAddr(levelPML4, vaddr))
	}
	assert.Equal(t, VirtualAddress(ptStart), tableAddr(levelPT, 0))
	assert.Equal(t, VirtualAddress(pdStart), tableAddr(levelPD, 0))
	assert.Equal(t, VirtualAddress(pdpStart), tableAddr(levelPDP, 0))

	// The leaf table of an address is one page in the PT window per
	// 2 MiB of address space.
	vaddr := VirtualAddress(3<<21 | 5<<12)
	assert.Equal(t, VirtualAddress(ptStart+3*pageSize), tableAddr(levelPT, vaddr))
	assert.Equal(t, VirtualAddress(ptStart+3*pageSize+5*8), entryAddr(levelPT, vaddr))
	assert.Equal(t, VirtualAddress(pdStart+3*8), entryAddr(levelPD, vaddr))

	// The top level entry of the recursive slot is the table itself.
	assert.Equal(t, VirtualAddress(pml4Start+511*8), entryAddr(levelPML4, pml4Start))
}

func TestCanonicalAddress(t *testing.T) {
	assert.True(t, canonical(0))
	assert.True(t, canonical(lowHalfEnd))
	assert.False(t, canonical(lowHalfEnd+1))
	assert.False(t, canonical(highHalfStart-1))
	assert.True(t, canonical(highHalfStart))
	assert.True(t, canonical(pml4Start))
}

func TestPageTableEntry(t *testing.T) {
	e := makeEntry(0x1234_5000, PageFlagWritable|PageFlagNX)
	assert.True(t, e.present())
	assert.Equal(t, PhysicalAddress(0x1234_5000), e.addr())
	assert.Equal(t, PageFlagWritable|PageFlagNX, e.flags())
	e.setAddr(0x7000)
	assert.Equal(t, PhysicalAddress(0x7000), e.addr())
	assert.Equal(t, PageFlagWritable|PageFlagNX, e.flags())
	assert.False(t, e.accessed())
	assert.False(t, e.dirty())
	assert.False(t, e.global())
	assert.False(t, pageTableEntry(0).present())
}

func TestTableLevel(t *testing.T) {
	assert.Equal(t, "PML4", levelPML4.String())
	assert.Equal(t, uint64(1<<30), levelPDP.pageSpan())
	assert.Equal(t, 3, levelPD.index(3<<21))
}
