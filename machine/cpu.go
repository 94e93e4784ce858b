// SPDX-License-Identifier: Unlicense OR MIT

package machine

import "fmt"

// CR3 returns the physical address of the top level page table.
func (m *Machine) CR3() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cr3
}

// SetCR3 loads a new top level page table. Like the hardware
// instruction, it flushes every cached translation.
func (m *Machine) SetCR3(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cr3 = addr & pteAddrMask
	clear(m.tlb)
	m.flushes++
}

// CR2 returns the linear address of the last page fault.
func (m *Machine) CR2() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cr2
}

// SetWriteProtect sets CR0.WP. With WP clear, supervisor writes
// ignore the writable bit of page table entries.
func (m *Machine) SetWriteProtect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wp = enabled
	clear(m.tlb)
}

// Invlpg drops the cached translation of the page containing vaddr.
func (m *Machine) Invlpg(vaddr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tlb, vaddr&^(PageSize-1))
	m.invlpgs++
}

// TLBStats reports the number of full flushes, single page
// invalidations and TLB fills since boot.
func (m *Machine) TLBStats() (flushes, invlpgs, fills int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes, m.invlpgs, m.tlbFills
}

// Install sets the handler for vector.
func (m *Machine) Install(v Vector, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[v] = h
}

// DisableInterrupts clears the interrupt flag (cli).
func (m *Machine) DisableInterrupts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intrOn = false
}

// EnableInterrupts sets the interrupt flag (sti) and delivers the
// interrupts that were raised while it was clear.
func (m *Machine) EnableInterrupts() {
	m.mu.Lock()
	m.intrOn = true
	m.mu.Unlock()
	m.deliverPending()
}

// InterruptsEnabled reports the state of the interrupt flag.
func (m *Machine) InterruptsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intrOn
}

// Raise signals an external interrupt. It is delivered immediately
// if interrupts are enabled and held pending otherwise.
func (m *Machine) Raise(v Vector) {
	m.mu.Lock()
	if !m.intrOn {
		m.pending[v] = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.interrupt(v)
}

func (m *Machine) deliverPending() {
	for {
		m.mu.Lock()
		if !m.intrOn {
			m.mu.Unlock()
			return
		}
		v, ok := Vector(0), false
		for i, p := range m.pending {
			if p {
				v, ok = Vector(i), true
				m.pending[i] = false
				break
			}
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		m.interrupt(v)
	}
}

// interrupt runs the handler for an external interrupt through an
// interrupt gate: the interrupt flag is clear while it runs.
func (m *Machine) interrupt(v Vector) {
	m.mu.Lock()
	h := m.vectors[v]
	m.intrOn = false
	m.mu.Unlock()
	if h == nil {
		m.Halt(fmt.Sprintf("unexpected interrupt %#x", v))
	}
	h(Trap{Vector: v})
	m.mu.Lock()
	m.intrOn = true
	m.mu.Unlock()
	m.deliverPending()
}

// exception delivers a processor exception. Exceptions ignore the
// interrupt flag.
func (m *Machine) exception(t Trap) {
	m.mu.Lock()
	h := m.vectors[t.Vector]
	if t.Vector == VectorPageFault {
		m.cr2 = t.Addr
	}
	m.mu.Unlock()
	if h == nil {
		m.Halt(fmt.Sprintf("unhandled exception %#x at %#x (error code %#x)", t.Vector, t.Addr, t.ErrorCode))
	}
	h(t)
}
