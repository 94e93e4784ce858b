// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"github.com/spf13/cobra"

	"eliasnaur.com/kmem/kernel"
)

var (
	ptAlloc  []string
	ptVerify bool
)

func init() {
	cmd := newPageTableCmd()
	cmd.Flags().StringSliceVar(&ptAlloc, "alloc", nil, "Allocate heap memory of these sizes first")
	cmd.Flags().BoolVar(&ptVerify, "verify", false, "Check that no frame is mapped twice")
	rootCmd.AddCommand(cmd)
}

func newPageTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pagetable",
		Short: "Dump the live page table",
		Long: `The pagetable command boots the machine and prints every mapping outside
the recursive page table window, merging contiguous runs.

Example:
  kmem pagetable
  kmem pagetable --alloc 16K,1M --verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(runPageTable)
		},
	}
}

func runPageTable(k *kernel.Kernel) error {
	for _, s := range ptAlloc {
		size, err := parseSize(s)
		if err != nil {
			return err
		}
		if _, err := k.Kmalloc(size, kernel.PageFlagWritable); err != nil {
			return err
		}
	}
	k.DumpPageTable(stdout)
	if ptVerify {
		if err := k.Verify(); err != nil {
			return err
		}
		printInfo("verify: ok\n")
	}
	return nil
}
