// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"math/bits"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const (
	ErrNoFreeFrames kernError = "frame: out of physical memory"
	ErrFrameInUse   kernError = "frame: already in use"
	ErrInvalidFrame kernError = "frame: address outside managed memory"
)

// physicalMemory gives early boot code direct access to identity
// mapped physical memory.
type physicalMemory interface {
	PhysSlice(addr, n uint64) []byte
}

// FrameAllocator is a simple allocator for physical memory, tracking
// frames with a bitmap. The bitmap lives at the start of the memory
// it manages.
type FrameAllocator struct {
	lock spinLock
	log  *slog.Logger

	// start is the address of the first managed frame.
	start PhysicalAddress
	count uint64
	// The index into bits of the word last allocated from. Every word
	// before it is full.
	word int
	// bits represent each frame with one bit. 1 means allocated.
	bits []uint64
	used uint64
}

// newFrameAllocator manages count frames from start, tracked in bits.
// All frames start out free.
func newFrameAllocator(bits []uint64, start PhysicalAddress, count uint64) *FrameAllocator {
	f := &FrameAllocator{
		start: start,
		count: count,
		bits:  bits[:(count+63)/64],
		log:   slog.New(discardHandler{}),
	}
	f.lock.name = "frames"
	clear(f.bits)
	// Bits past the last frame are permanently in use.
	if tail := count % 64; tail != 0 {
		f.bits[len(f.bits)-1] = ^uint64(0) << tail
	}
	return f
}

// initFrames places the frame bitmap at the start of the usable
// region and manages the rest of it.
func initFrames(mem physicalMemory, usable Region) (*FrameAllocator, error) {
	bitmap := AlignUp(usable.Addr, pageSize)
	if bitmap >= usable.End() {
		return nil, kernError("initFrames: no usable memory")
	}
	// Size the bitmap for the whole region; the frames it occupies
	// make a few bits redundant.
	nframes := (usable.End() - bitmap) / pageSize
	nbytes := (nframes + 63) / 64 * 8
	start := AlignUp(bitmap+nbytes, pageSize)
	if start >= usable.End() {
		return nil, kernError("initFrames: memory bitmap doesn't fit in available memory")
	}
	count := (usable.End() - start) / pageSize
	if count == 0 {
		return nil, kernError("initFrames: no frames left after the bitmap")
	}
	words := (count + 63) / 64
	b := mem.PhysSlice(bitmap, words*8)
	w := unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), words)
	return newFrameAllocator(w, PhysicalAddress(start), count), nil
}

// Alloc allocates the lowest free frame at or after the search
// cursor.
func (f *FrameAllocator) Alloc() (PhysicalAddress, error) {
	f.lock.lock()
	defer f.lock.unlock()
	for i := f.word; i < len(f.bits); i++ {
		w := f.bits[i]
		if w == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^w)
		f.bits[i] = w | 1<<b
		f.word = i
		f.used++
		addr := f.start + PhysicalAddress((i*64+b)*pageSize)
		f.log.Debug("frame alloc", hexAttr("addr", addr))
		return addr, nil
	}
	return 0, ErrNoFreeFrames
}

// AllocFrame allocates the specific frame containing addr.
func (f *FrameAllocator) AllocFrame(addr PhysicalAddress) error {
	idx, ok := f.frameIndex(addr)
	if !ok {
		return errors.Wrapf(ErrInvalidFrame, "alloc frame %#x", uint64(addr))
	}
	f.lock.lock()
	defer f.lock.unlock()
	word, mask := idx/64, uint64(1)<<(idx%64)
	if f.bits[word]&mask != 0 {
		return errors.Wrapf(ErrFrameInUse, "alloc frame %#x", uint64(addr))
	}
	f.bits[word] |= mask
	f.used++
	return nil
}

// Free releases the frame containing addr. Freeing a free frame does
// nothing.
func (f *FrameAllocator) Free(addr PhysicalAddress) error {
	idx, ok := f.frameIndex(addr)
	if !ok {
		return errors.Wrapf(ErrInvalidFrame, "free frame %#x", uint64(addr))
	}
	f.lock.lock()
	defer f.lock.unlock()
	word, mask := int(idx/64), uint64(1)<<(idx%64)
	if f.bits[word]&mask == 0 {
		return nil
	}
	f.bits[word] &^= mask
	f.used--
	if word < f.word {
		f.word = word
	}
	f.log.Debug("frame free", hexAttr("addr", addr))
	return nil
}

// Contains reports whether addr lies in a managed frame.
func (f *FrameAllocator) Contains(addr PhysicalAddress) bool {
	_, ok := f.frameIndex(addr)
	return ok
}

// InUse reports whether the frame containing addr is allocated.
func (f *FrameAllocator) InUse(addr PhysicalAddress) bool {
	idx, ok := f.frameIndex(addr)
	if !ok {
		return false
	}
	f.lock.lock()
	defer f.lock.unlock()
	return f.bits[idx/64]&(1<<(idx%64)) != 0
}

func (f *FrameAllocator) frameIndex(addr PhysicalAddress) (uint64, bool) {
	if addr < f.start {
		return 0, false
	}
	idx := uint64(addr-f.start) / pageSize
	return idx, idx < f.count
}

// MappableRegion returns the physical memory handed out by f.
func (f *FrameAllocator) MappableRegion() Region {
	return Region{Addr: uint64(f.start), Size: f.count * pageSize}
}

// Count returns the number of managed frames.
func (f *FrameAllocator) Count() uint64 {
	return f.count
}

// Used returns the number of allocated frames.
func (f *FrameAllocator) Used() uint64 {
	f.lock.lock()
	defer f.lock.unlock()
	return f.used
}
