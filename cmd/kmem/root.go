// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"eliasnaur.com/kmem/kernel"
	"eliasnaur.com/kmem/machine"
)

var (
	// Global flags
	memorySize   string
	imageSize    string
	identitySize string
	logLevel     string
	verbose      bool
	jsonOut      bool
)

// Output streams, replaced by tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "kmem",
	Short: "Boot and exercise a kernel memory manager on a simulated x86_64 machine",
	Long: `kmem boots the kernel memory core on a simulated x86_64 machine with
its own RAM, MMU and interrupt controller, and runs frame allocation, page
mapping and heap operations against it.`,
	SilenceUsage: true,
}

func init() {
	def := kernel.DefaultConfig()
	rootCmd.PersistentFlags().StringVar(&memorySize, "memory", formatSize(def.MemorySize), "Physical memory size")
	rootCmd.PersistentFlags().StringVar(&imageSize, "image-size", formatSize(def.KernelImageSize), "Kernel image size")
	rootCmd.PersistentFlags().StringVar(&identitySize, "identity", formatSize(def.BootIdentitySize), "Size of the loader's identity mapping")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		os.Exit(1)
	}
}

// config builds the kernel configuration from the global flags.
func config() (kernel.Config, error) {
	cfg := kernel.DefaultConfig()
	var err error
	if cfg.MemorySize, err = parseSize(memorySize); err != nil {
		return cfg, errors.Wrap(err, "--memory")
	}
	if cfg.KernelImageSize, err = parseSize(imageSize); err != nil {
		return cfg, errors.Wrap(err, "--image-size")
	}
	if cfg.BootIdentitySize, err = parseSize(identitySize); err != nil {
		return cfg, errors.Wrap(err, "--identity")
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return cfg, errors.Wrap(err, "--log-level")
	}
	if verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	cfg.Console = stderr
	return cfg, nil
}

// withKernel boots a kernel and runs f with it. A machine halt inside
// f is reported as an error.
func withKernel(f func(k *kernel.Kernel) error) (err error) {
	cfg, err := config()
	if err != nil {
		return err
	}
	k, err := kernel.Boot(cfg)
	if err != nil {
		return errors.Wrap(err, "boot")
	}
	defer k.Close()
	defer func() {
		if r := recover(); r != nil {
			herr, ok := r.(*machine.HaltError)
			if !ok {
				panic(r)
			}
			err = herr
		}
	}()
	return f(k)
}

// parseSize parses a byte count with an optional K, M or G suffix.
// Plain numbers may be given in any base strconv understands.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	shift := 0
	switch {
	case strings.HasSuffix(s, "K"):
		shift = 10
	case strings.HasSuffix(s, "M"):
		shift = 20
	case strings.HasSuffix(s, "G"):
		shift = 30
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return v << shift, nil
}

func formatSize(v uint64) string {
	switch {
	case v != 0 && v%(1<<30) == 0:
		return fmt.Sprintf("%dG", v>>30)
	case v != 0 && v%(1<<20) == 0:
		return fmt.Sprintf("%dM", v>>20)
	case v != 0 && v%(1<<10) == 0:
		return fmt.Sprintf("%dK", v>>10)
	}
	return strconv.FormatUint(v, 10)
}

// parseAddr parses a virtual address.
func parseAddr(s string) (kernel.VirtualAddress, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid address %q", s)
	}
	return kernel.VirtualAddress(v), nil
}

// printInfo prints an info message unless JSON output is requested.
func printInfo(format string, args ...interface{}) {
	if !jsonOut {
		fmt.Fprintf(stdout, format, args...)
	}
}

// printStats writes the kernel state as JSON.
func printStats(k *kernel.Kernel) error {
	b, err := k.MarshalStats()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", b)
	return err
}
