// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"github.com/spf13/cobra"

	"eliasnaur.com/kmem/kernel"
)

func init() {
	rootCmd.AddCommand(newBootCmd())
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the machine and show the memory layout",
		Long: `The boot command boots the simulated machine, initializes the frame
allocator, the virtual memory manager and the heap, and prints the
resulting memory layout.

Example:
  kmem boot
  kmem boot --memory 64M --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(runBoot)
		},
	}
}

func runBoot(k *kernel.Kernel) error {
	if jsonOut {
		return printStats(k)
	}
	f := k.Frames()
	h := k.Heap()
	printInfo("kernel end:      %#x\n", k.KernelEnd())
	printInfo("identity map:    [0x0, %#x)\n", k.IdentityMapEnd())
	printInfo("frames:          %v, %d frames, %d used\n", f.MappableRegion(), f.Count(), f.Used())
	printInfo("heap metadata:   %v\n", h.MetadataRegion())
	printInfo("heap:            %v\n", h.Region())
	return nil
}
