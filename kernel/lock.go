// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// interruptFlag is the processor interrupt enable flag.
type interruptFlag interface {
	DisableInterrupts()
	EnableInterrupts()
	InterruptsEnabled() bool
}

// cpu tracks nested interrupt masking. The interrupt flag is restored
// only when the outermost critical section ends.
type cpu struct {
	intr interruptFlag

	mu     sync.Mutex
	noff   int
	intena bool
}

// pushOff disables interrupts, remembering whether they were enabled
// if this is the outermost call.
func (c *cpu) pushOff() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.intr.InterruptsEnabled()
	c.intr.DisableInterrupts()
	if c.noff == 0 {
		c.intena = old
	}
	c.noff++
}

func (c *cpu) popOff() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.intr.InterruptsEnabled() {
		c.mu.Unlock()
		panic("popOff: interruptible")
	}
	if c.noff < 1 {
		c.mu.Unlock()
		panic("popOff: unbalanced")
	}
	c.noff--
	enable := c.noff == 0 && c.intena
	c.mu.Unlock()
	// Pending interrupts run now, outside c.mu, so their handlers may
	// take locks of their own.
	if enable {
		c.intr.EnableInterrupts()
	}
}

// spinLock is a mutual exclusion lock that masks interrupts while
// held, so that an interrupt handler never spins on a lock held by the
// code it interrupted.
type spinLock struct {
	name   string
	cpu    *cpu
	locked atomic.Bool
}

func (l *spinLock) lock() {
	l.cpu.pushOff()
	for !l.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *spinLock) unlock() {
	if !l.locked.CompareAndSwap(true, false) {
		panic("unlock of unlocked " + l.name)
	}
	l.cpu.popOff()
}

func (l *spinLock) holding() bool {
	return l.locked.Load()
}
