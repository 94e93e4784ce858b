// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"io"

	"golang.org/x/exp/slog"
)

// Config describes the simulated machine and the kernel memory layout.
type Config struct {
	// MemorySize is the amount of physical RAM.
	MemorySize uint64
	// KernelImageSize is the size of the loaded kernel code and data.
	KernelImageSize uint64
	// BootIdentitySize is how much low memory the loader identity
	// maps before handing over.
	BootIdentitySize uint64
	// HeapMetadataEnd bounds the demand paged region that holds the
	// heap's own bookkeeping. It starts right after the frame bitmap.
	HeapMetadataEnd uint64
	// HeapEnd bounds the heap, which starts at HeapMetadataEnd.
	HeapEnd uint64

	LogLevel slog.Level
	// Logger overrides the default text logger on the console.
	Logger *slog.Logger
	// Console receives fatal error messages and, by default, logs.
	Console io.Writer
}

const (
	defaultMemorySize       = 32 << 20
	defaultKernelImageSize  = 512 << 10
	defaultBootIdentitySize = 8 << 20

	// Heap metadata ends at 4 GiB, where the heap begins.
	defaultHeapMetadataEnd = 0x1_0000_0000
	// The heap extends to the top of the lower canonical half.
	defaultHeapEnd = 0x7fff_ffff_ffff
)

// DefaultConfig returns the configuration used by the kmem command.
func DefaultConfig() Config {
	return Config{
		MemorySize:       defaultMemorySize,
		KernelImageSize:  defaultKernelImageSize,
		BootIdentitySize: defaultBootIdentitySize,
		HeapMetadataEnd:  defaultHeapMetadataEnd,
		HeapEnd:          defaultHeapEnd,
		LogLevel:         slog.LevelInfo,
	}
}

func (c Config) validate() error {
	switch {
	case c.MemorySize == 0:
		return kernError("config: no memory")
	case c.HeapMetadataEnd%pageSize != 0 || c.HeapEnd <= c.HeapMetadataEnd:
		return kernError("config: invalid heap bounds")
	case c.HeapEnd > lowHalfEnd:
		return kernError("config: heap must lie in the lower canonical half")
	}
	return nil
}
