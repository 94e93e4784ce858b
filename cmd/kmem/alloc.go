// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"eliasnaur.com/kmem/kernel"
)

var (
	allocUser     bool
	allocReadOnly bool
	allocNoExec   bool
	allocAlign    string
	allocFree     bool
)

func init() {
	cmd := newAllocCmd()
	cmd.Flags().BoolVar(&allocUser, "user", false, "Make the memory user accessible")
	cmd.Flags().BoolVar(&allocReadOnly, "readonly", false, "Map the memory read-only")
	cmd.Flags().BoolVar(&allocNoExec, "noexec", false, "Map the memory no-execute")
	cmd.Flags().StringVar(&allocAlign, "align", "4K", "Alignment of each allocation")
	cmd.Flags().BoolVar(&allocFree, "free", false, "Free every allocation afterwards")
	rootCmd.AddCommand(cmd)
}

func newAllocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alloc <size>...",
		Short: "Allocate heap memory",
		Long: `The alloc command boots the machine and allocates one heap region per
size argument, then prints the addresses and the state of the heap.

Example:
  kmem alloc 4K 16K 1M
  kmem alloc 8K --align 2M --free --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(func(k *kernel.Kernel) error {
				return runAlloc(k, args)
			})
		},
	}
}

func runAlloc(k *kernel.Kernel, args []string) error {
	align, err := parseSize(allocAlign)
	if err != nil {
		return errors.Wrap(err, "--align")
	}
	perm := kernel.Perm(allocUser, !allocReadOnly, allocNoExec)
	h := k.Heap()
	var addrs []kernel.VirtualAddress
	for _, arg := range args {
		size, err := parseSize(arg)
		if err != nil {
			return errors.Wrapf(err, "size %q", arg)
		}
		addr, err := h.KmallocAligned(size, align, perm)
		if err != nil {
			return err
		}
		phys, err := k.VirtToPhys(addr)
		if err != nil {
			return err
		}
		flags, _ := k.VMM().Mapped(addr)
		printInfo("alloc %#x bytes: %#x -> %#x %s\n", size, uint64(addr), uint64(phys), flags.Mode())
		addrs = append(addrs, addr)
	}
	if allocFree {
		for _, addr := range addrs {
			if err := h.Kfree(addr); err != nil {
				return err
			}
			printInfo("free %#x\n", uint64(addr))
		}
	}
	if jsonOut {
		return printStats(k)
	}
	s := h.Stats()
	printInfo("heap: %d allocations, %#x bytes used, %d free regions\n", s.Allocs, s.UsedBytes, s.FreeRegions)
	printInfo("frames: %d of %d used\n", k.Frames().Used(), k.Frames().Count())
	return nil
}
