// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"

	"github.com/pkg/errors"

	"eliasnaur.com/kmem/machine"
)

const (
	errProtectionFault kernError = "handlePageFault: page protection fault"
	errNoExecFault     kernError = "handlePageFault: instruction fetch from no-exec page"
	errUserFault       kernError = "handlePageFault: page fault in user mode"
	errInvalidAccess   kernError = "faultPage: invalid memory access, must allocate first"
)

// pageFault is a decoded page fault.
type pageFault struct {
	addr    VirtualAddress
	present bool
	write   bool
	user    bool
	noExec  bool
}

func decodePageFault(errCode, addr uint64) pageFault {
	return pageFault{
		addr:    VirtualAddress(addr),
		present: errCode&machine.FaultPresent != 0,
		write:   errCode&machine.FaultWrite != 0,
		user:    errCode&machine.FaultUser != 0,
		noExec:  errCode&machine.FaultFetch != 0,
	}
}

// faultPage resolves a page fault. Only kernel accesses to missing
// pages inside a demand paged range are resolved, by mapping a fresh
// frame.
func (v *VMM) faultPage(f pageFault) error {
	switch {
	case f.present:
		return errProtectionFault
	case f.noExec:
		return errNoExecFault
	case f.user:
		return errUserFault
	}
	page := f.addr.Align()
	r, ok := v.demandRange(page)
	if !ok {
		return errInvalidAccess
	}
	err := v.Map(page, r.flags)
	if errors.Is(err, ErrAlreadyMapped) {
		// Another path mapped the page since the fault was raised.
		return nil
	}
	if err == nil {
		v.log.Debug("page fault resolved", hexAttr("addr", page))
	}
	return err
}

// handlePageFault is the page fault exception handler.
func (k *Kernel) handlePageFault(t machine.Trap) {
	if err := k.vmm.faultPage(decodePageFault(t.ErrorCode, t.Addr)); err != nil {
		fmt.Fprintf(k.console, "page fault address: %#x\n", t.Addr)
		k.fatalError(err)
	}
}
