// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Region is the address range [Addr, Addr+Size).
type Region struct {
	Addr uint64
	Size uint64
}

// NewRegion returns the region [start, end).
func NewRegion(start, end uint64) Region {
	if start > end {
		panic(fmt.Sprintf("NewRegion: start %#x > end %#x", start, end))
	}
	return Region{Addr: start, Size: end - start}
}

// NewAlignedRegion returns the largest region inside [start, end)
// whose bounds are multiples of align.
func NewAlignedRegion(start, end, align uint64) Region {
	astart, aend := AlignUp(start, align), AlignDown(end, align)
	if astart > aend {
		return Region{Addr: astart}
	}
	return NewRegion(astart, aend)
}

func (r Region) End() uint64 {
	return r.Addr + r.Size
}

func (r Region) Empty() bool {
	return r.Size == 0
}

// Includes reports whether addr lies inside r.
func (r Region) Includes(addr uint64) bool {
	return r.Addr <= addr && addr < r.End()
}

// Fits reports whether other lies entirely inside r.
func (r Region) Fits(other Region) bool {
	return r.Addr <= other.Addr && other.End() <= r.End()
}

func (r Region) Overlaps(other Region) bool {
	return r.Addr < other.End() && other.Addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Addr, r.End())
}

// AlignUp rounds v up to a multiple of align, a power of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align, a power of two.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

func isAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}

func isPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// numPages returns the number of pages touched by [addr, addr+size).
func numPages(addr, size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (AlignUp(addr+size, pageSize) - AlignDown(addr, pageSize)) / pageSize
}

// addOverflows reports whether a+b overflows.
func addOverflows(a, b uint64) bool {
	_, carry := bits.Add64(a, b, 0)
	return carry != 0
}
