// SPDX-License-Identifier: Unlicense OR MIT

// Package machine simulates the parts of an x86_64 computer that
// kernel memory management talks to: physical RAM, the control
// registers, the MMU with its TLB, the interrupt vector table and a
// minimal boot loader.
//
// The machine models a single hardware thread. Callers running on
// several goroutines must serialize through their own locks, exactly
// as interrupt handlers on a real CPU would.
package machine

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const (
	PageSize = 1 << 12

	// Page table entries per table.
	tableEntries = 512
)

// Vector is an interrupt vector number.
type Vector uint8

const (
	VectorDivideError       Vector = 0x0
	VectorGeneralProtection Vector = 0xd
	VectorPageFault         Vector = 0xe
	VectorTimer             Vector = 0x20
)

// Page fault error code bits pushed by the processor.
const (
	FaultPresent = 1 << 0
	FaultWrite   = 1 << 1
	FaultUser    = 1 << 2
	FaultFetch   = 1 << 4
)

// Trap describes an interrupt or exception delivered to a Handler.
type Trap struct {
	Vector    Vector
	ErrorCode uint64
	// Addr is the faulting linear address (CR2) for page faults and
	// the offending address for general protection faults.
	Addr uint64
}

// Handler is an entry in the interrupt vector table. It runs
// synchronously on the faulting or interrupted path.
type Handler func(t Trap)

// HaltError is the panic value of a halted machine.
type HaltError struct {
	Reason string
}

func (e *HaltError) Error() string {
	return "halt: " + e.Reason
}

// Machine is a simulated x86_64 computer.
type Machine struct {
	ram     ram
	console io.Writer

	// mu guards the registers, the TLB and the interrupt state.
	mu       sync.Mutex
	cr2      uint64
	cr3      uint64
	wp       bool
	tlb      map[uint64]tlbEntry
	vectors  [256]Handler
	pending  [256]bool
	intrOn   bool
	halted   bool
	flushes  int
	invlpgs  int
	tlbFills int
}

// New returns a machine with memSize bytes of RAM, rounded up to a
// whole page. Console output goes to console; a nil console discards
// it.
func New(memSize uint64, console io.Writer) (*Machine, error) {
	if memSize == 0 {
		return nil, errors.New("machine: no memory")
	}
	memSize = (memSize + PageSize - 1) &^ (PageSize - 1)
	r, err := newRAM(memSize)
	if err != nil {
		return nil, err
	}
	if console == nil {
		console = io.Discard
	}
	return &Machine{
		ram:     r,
		console: console,
		tlb:     make(map[uint64]tlbEntry),
	}, nil
}

// Close releases the machine's RAM. The machine must not be used
// afterwards.
func (m *Machine) Close() error {
	return m.ram.release()
}

// MemorySize returns the size of physical memory in bytes.
func (m *Machine) MemorySize() uint64 {
	return m.ram.size()
}

// Console returns the machine console.
func (m *Machine) Console() io.Writer {
	return m.console
}

// Halt stops the machine. It never returns.
func (m *Machine) Halt(reason string) {
	m.mu.Lock()
	m.halted = true
	m.intrOn = false
	m.mu.Unlock()
	panic(&HaltError{Reason: reason})
}

// Halted reports whether Halt was called.
func (m *Machine) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Machine) machineCheck(err error) {
	m.Halt(err.Error())
}

// ReadPhys64 reads the little-endian word at physical address addr.
func (m *Machine) ReadPhys64(addr uint64) uint64 {
	v, err := m.ram.read64(addr)
	if err != nil {
		m.machineCheck(err)
	}
	return v
}

// WritePhys64 writes v at physical address addr.
func (m *Machine) WritePhys64(addr, v uint64) {
	if err := m.ram.write64(addr, v); err != nil {
		m.machineCheck(err)
	}
}

// ZeroPhys clears n bytes of physical memory starting at addr.
func (m *Machine) ZeroPhys(addr, n uint64) {
	if err := m.ram.zero(addr, n); err != nil {
		m.machineCheck(err)
	}
}

// PhysSlice returns the n bytes of physical memory at addr. The slice
// aliases RAM; it is how early boot code reaches identity mapped
// memory.
func (m *Machine) PhysSlice(addr, n uint64) []byte {
	b, err := m.ram.bytes(addr, n)
	if err != nil {
		m.machineCheck(err)
	}
	return b
}

func (m *Machine) String() string {
	return fmt.Sprintf("machine{ram: %#x, cr3: %#x}", m.ram.size(), m.CR3())
}
