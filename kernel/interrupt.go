// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"

	"eliasnaur.com/kmem/machine"
)

// initInterrupts installs the exception and timer handlers and
// enables interrupts.
func (k *Kernel) initInterrupts() {
	k.m.Install(machine.VectorDivideError, k.divFault)
	k.m.Install(machine.VectorGeneralProtection, k.gpFault)
	k.m.Install(machine.VectorPageFault, k.handlePageFault)
	k.m.Install(machine.VectorTimer, k.timerTick)
	k.m.EnableInterrupts()
}

func (k *Kernel) divFault(machine.Trap) {
	k.fatal("division by 0")
}

func (k *Kernel) gpFault(t machine.Trap) {
	fmt.Fprintf(k.console, "fault address: %#x\n", t.Addr)
	k.fatal("general protection fault")
}

// timerTick counts timer interrupts. It stands in for the scheduler,
// which would take the allocator locks from interrupt context.
func (k *Kernel) timerTick(machine.Trap) {
	k.ticks.Add(1)
}

// Ticks returns the number of timer interrupts handled.
func (k *Kernel) Ticks() uint64 {
	return k.ticks.Load()
}
