// SPDX-License-Identifier: Unlicense OR MIT

// Package kernel implements the memory management core of an x86_64
// kernel: a physical frame allocator, recursively mapped page
// tables, a virtual memory manager with demand paging and a page
// granular heap.
//
// The kernel runs on a machine.Machine. Every access to its own
// page tables and heap metadata goes through the simulated MMU, so
// the code below behaves as it would on hardware.
package kernel

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"eliasnaur.com/kmem/machine"
)

// kernError is an error type usable in kernel code.
type kernError string

// Kernel owns the memory subsystems of one machine. Its subsystems
// are initialized in dependency order by New: frames, then the VMM,
// then the heap.
type Kernel struct {
	m       *machine.Machine
	cfg     Config
	console io.Writer
	log     *slog.Logger
	cpu     *cpu

	mem    memInfo
	frames *FrameAllocator
	vmm    *VMM
	heap   *HeapAlloc

	ticks atomic.Uint64
}

// Boot creates a machine as described by cfg, runs the loader and
// initializes a kernel on it.
func Boot(cfg Config) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m, err := machine.New(cfg.MemorySize, cfg.Console)
	if err != nil {
		return nil, err
	}
	info, err := m.Boot(machine.Image{Size: cfg.KernelImageSize}, cfg.BootIdentitySize)
	if err != nil {
		m.Close()
		return nil, err
	}
	k, err := New(m, info, cfg)
	if err != nil {
		m.Close()
		return nil, err
	}
	return k, nil
}

// New initializes the kernel on a machine handed over by the loader.
func New(m *machine.Machine, info *machine.BootInfo, cfg Config) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		m:       m,
		cfg:     cfg,
		console: m.Console(),
		cpu:     &cpu{intr: m},
	}
	k.log = newLogger(cfg, k.console)
	if err := k.initKernel(info); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Kernel) initKernel(info *machine.BootInfo) error {
	mi, err := newMemInfo(info)
	if err != nil {
		return err
	}
	k.mem = mi
	k.log.Info("memory map",
		hexAttr("kernelEnd", mi.kernelEnd),
		hexAttr("memEnd", mi.memEnd),
		hexAttr("usableStart", mi.usable.Addr),
		hexAttr("usableEnd", mi.usable.End()))

	frames, err := initFrames(k.m, mi.usable)
	if err != nil {
		return err
	}
	frames.lock.cpu = k.cpu
	frames.log = k.log
	k.frames = frames
	k.log.Info("frames ready",
		hexAttr("framesStart", frames.start),
		slog.Uint64("framesCount", frames.count))

	k.vmm = newVMM(k.m, frames, k.cpu, k.log, k.fatal)
	if err := k.vmm.init(info.IdentityMapped); err != nil {
		return err
	}
	k.initInterrupts()

	idMapEnd := k.vmm.idMapEnd
	if idMapEnd >= k.cfg.HeapMetadataEnd {
		return kernError("initKernel: heap metadata overlaps the identity mapping")
	}
	meta := NewRegion(idMapEnd, k.cfg.HeapMetadataEnd)
	k.vmm.reserve(meta, PageFlagWritable)
	// The page table window below the top level table, which is
	// always mapped through the recursive entry.
	k.vmm.reserve(Region{Addr: ptStart, Size: 1<<39 - pageSize}, PageFlagWritable)

	heap, err := newHeapAlloc(k.m, meta, NewRegion(k.cfg.HeapMetadataEnd, k.cfg.HeapEnd), k.vmm, k.cpu, k.log, k.fatal)
	if err != nil {
		return err
	}
	k.heap = heap
	return nil
}

// Close releases the machine.
func (k *Kernel) Close() error {
	return k.m.Close()
}

func (k *Kernel) Machine() *machine.Machine {
	return k.m
}

func (k *Kernel) Frames() *FrameAllocator {
	return k.frames
}

func (k *Kernel) VMM() *VMM {
	return k.vmm
}

func (k *Kernel) Heap() *HeapAlloc {
	return k.heap
}

func (k *Kernel) Logger() *slog.Logger {
	return k.log
}

// IdentityMapEnd returns the end of the permanent low identity
// mapping, which is also the start of the managed frames.
func (k *Kernel) IdentityMapEnd() uint64 {
	return k.vmm.idMapEnd
}

// KernelEnd returns the end of the kernel image and boot information.
func (k *Kernel) KernelEnd() uint64 {
	return k.mem.kernelEnd
}

// Kmalloc allocates size bytes of zeroed kernel heap memory.
func (k *Kernel) Kmalloc(size uint64, flags PageFlags) (VirtualAddress, error) {
	return k.heap.Kmalloc(size, flags)
}

// Kfree releases memory returned by Kmalloc.
func (k *Kernel) Kfree(ptr VirtualAddress) error {
	return k.heap.Kfree(ptr)
}

func (k *Kernel) Map(vaddr VirtualAddress, flags PageFlags) error {
	return k.vmm.Map(vaddr, flags)
}

func (k *Kernel) Unmap(vaddr VirtualAddress) error {
	return k.vmm.Unmap(vaddr)
}

func (k *Kernel) VirtToPhys(vaddr VirtualAddress) (PhysicalAddress, error) {
	return k.vmm.VirtToPhys(vaddr)
}

// Read64 reads kernel virtual memory, faulting like any kernel access.
func (k *Kernel) Read64(vaddr VirtualAddress) uint64 {
	return k.m.Read64(uint64(vaddr))
}

// Write64 writes kernel virtual memory.
func (k *Kernel) Write64(vaddr VirtualAddress, v uint64) {
	k.m.Write64(uint64(vaddr), v)
}

func (k *Kernel) fatalError(err error) {
	// The only error type supported is kernError, possibly wrapped.
	var kerr kernError
	if errors.As(err, &kerr) {
		k.fatal(err.Error())
	}
	k.fatal("unsupported error: " + err.Error())
}

// fatal reports msg on the console and halts the machine.
func (k *Kernel) fatal(msg string) {
	fmt.Fprintf(k.console, "fatal error: %s\n", msg)
	k.log.Error("fatal error", slog.String("msg", msg))
	k.m.Halt(msg)
}

func (k kernError) Error() string {
	return string(k)
}
