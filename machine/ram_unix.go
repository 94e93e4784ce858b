// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

package machine

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// newRAM maps size bytes of anonymous memory to serve as physical
// RAM. The kernel only ever sees it through physical addresses, so
// untouched pages never cost host memory.
func newRAM(size uint64) (ram, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return ram{}, errors.Wrapf(err, "machine: map %d bytes of RAM", size)
	}
	release := func() error {
		if mem == nil {
			return nil
		}
		err := unix.Munmap(mem)
		mem = nil
		return err
	}
	return ram{mem: mem, release: release}, nil
}

// Spans at least this large are handed back to the host instead of
// being cleared byte by byte. Only Linux guarantees that discarded
// private anonymous pages read back as zero.
const madviseThreshold = 64 << 10

func (r *ram) zero(addr, n uint64) error {
	b, err := r.bytes(addr, n)
	if err != nil {
		return err
	}
	ps := uint64(unix.Getpagesize())
	start := (addr + ps - 1) &^ (ps - 1)
	end := (addr + n) &^ (ps - 1)
	if runtime.GOOS != "linux" || end <= start || end-start < madviseThreshold {
		clear(b)
		return nil
	}
	clear(r.mem[addr:start])
	clear(r.mem[end : addr+n])
	if err := unix.Madvise(r.mem[start:end], unix.MADV_DONTNEED); err != nil {
		clear(r.mem[start:end])
	}
	return nil
}
