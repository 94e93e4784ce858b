// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"eliasnaur.com/kmem/kernel"
)

var dumpBinary bool

func init() {
	cmd := newDumpCmd()
	cmd.Flags().BoolVar(&dumpBinary, "binary", false, "Dump as binary instead of hex")
	rootCmd.AddCommand(cmd)
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <addr> <size>",
		Short: "Dump virtual memory",
		Long: `The dump command prints memory at a kernel virtual address.

Example:
  kmem dump 0x100000 64
  kmem dump --binary 0xfffffffffffff000 32`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(func(k *kernel.Kernel) error {
				return runDump(k, args)
			})
		},
	}
}

func runDump(k *kernel.Kernel, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	size, err := parseSize(args[1])
	if err != nil {
		return errors.Wrapf(err, "size %q", args[1])
	}
	if dumpBinary {
		return k.BinDump(stdout, addr, size)
	}
	return k.HexDump(stdout, addr, size)
}
