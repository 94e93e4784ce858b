// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"github.com/spf13/cobra"

	"eliasnaur.com/kmem/kernel"
	"eliasnaur.com/kmem/machine"
)

var touchWrite bool

func init() {
	cmd := newTouchCmd()
	cmd.Flags().BoolVar(&touchWrite, "write", false, "Write instead of read")
	rootCmd.AddCommand(cmd)
}

func newTouchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "touch <addr>...",
		Short: "Access virtual addresses from kernel mode",
		Long: `The touch command accesses each address in kernel mode. Accesses to the
heap metadata region and the page table window are resolved by demand
paging; any other unmapped address halts the machine.

Example:
  kmem touch 0x200000 0xffffff8000000000
  kmem touch --write 0x50000000`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(func(k *kernel.Kernel) error {
				return runTouch(k, args)
			})
		},
	}
}

func runTouch(k *kernel.Kernel, args []string) error {
	kind := machine.AccessRead
	if touchWrite {
		kind = machine.AccessWrite
	}
	for _, arg := range args {
		addr, err := parseAddr(arg)
		if err != nil {
			return err
		}
		phys := k.Machine().Touch(uint64(addr), kind)
		printInfo("%#x -> %#x\n", uint64(addr), phys)
	}
	if jsonOut {
		return printStats(k)
	}
	return nil
}
