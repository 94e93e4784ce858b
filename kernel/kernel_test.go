// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eliasnaur.com/kmem/machine"
)

// Layout of the test kernel:
//
//	image        [0x100000, 0x140000)
//	boot tables  [0x140000, 0x145000)
//	boot info    [0x145000, 0x145070)
//	frame bitmap [0x146000, 0x147000)
//	frames       [0x147000, 0x800000)
const (
	testMemorySize = 8 << 20
	testImageSize  = 256 << 10
	testIdentity   = 4 << 20
	testFrameStart = 0x147000
)

func testConfig(console io.Writer) Config {
	cfg := DefaultConfig()
	cfg.MemorySize = testMemorySize
	cfg.KernelImageSize = testImageSize
	cfg.BootIdentitySize = testIdentity
	cfg.Console = console
	return cfg
}

func newTestKernel(t *testing.T) (*Kernel, *bytes.Buffer) {
	t.Helper()
	console := new(bytes.Buffer)
	k, err := Boot(testConfig(console))
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k, console
}

// requireFatal runs f and checks that it halts the machine with a
// reason containing contains.
func requireFatal(t *testing.T, contains string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected fatal error")
		herr, ok := r.(*machine.HaltError)
		require.True(t, ok, "unexpected panic %v", r)
		assert.Contains(t, herr.Reason, contains)
	}()
	f()
}

func TestBoot_Layout(t *testing.T) {
	k, console := newTestKernel(t)

	assert.Equal(t, uint64(0x145070), k.KernelEnd())
	assert.Equal(t, uint64(testFrameStart), k.IdentityMapEnd())
	r := k.Frames().MappableRegion()
	assert.Equal(t, uint64(testFrameStart), r.Addr)
	assert.Equal(t, uint64(testMemorySize), r.End())
	assert.Equal(t, NewRegion(testFrameStart, defaultHeapMetadataEnd), k.Heap().MetadataRegion())
	assert.Equal(t, NewRegion(defaultHeapMetadataEnd, defaultHeapEnd), k.Heap().Region())

	assert.Contains(t, console.String(), "vmm ready")
	assert.Contains(t, console.String(), "heap ready")
	assert.True(t, k.Machine().InterruptsEnabled())
}

func TestBoot_Errors(t *testing.T) {
	cfg := testConfig(nil)
	cfg.MemorySize = 0
	_, err := Boot(cfg)
	assert.Error(t, err)

	cfg = testConfig(nil)
	cfg.HeapEnd = 1 << 48
	_, err = Boot(cfg)
	assert.Error(t, err)

	cfg = testConfig(nil)
	cfg.HeapMetadataEnd = 0x100000
	cfg.HeapEnd = 0x200000
	_, err = Boot(cfg)
	assert.ErrorContains(t, err, "heap metadata overlaps")
}

func TestFaultPolicy_ResolvesDemandRanges(t *testing.T) {
	k, _ := newTestKernel(t)
	m := k.Machine()

	addr := VirtualAddress(0x8000_0000)
	_, mapped := k.VMM().Mapped(addr)
	require.False(t, mapped)
	used := k.Frames().Used()

	assert.Zero(t, k.Read64(addr+8))
	flags, mapped := k.VMM().Mapped(addr)
	require.True(t, mapped)
	assert.True(t, flags.Writable())
	assert.False(t, flags.User())
	assert.Greater(t, k.Frames().Used(), used)

	// A second touch doesn't fault.
	k.Write64(addr+8, 42)
	assert.Equal(t, uint64(42), k.Read64(addr+8))

	// The page table window is backed on demand too: reading the
	// directory pointer table of an untouched region creates it.
	vaddr := VirtualAddress(0x0000_1000_0000_0000)
	tbl := tableAddr(levelPDP, vaddr)
	assert.Zero(t, m.Read64(uint64(tbl)))
	assert.True(t, k.VMM().pt.entry(levelPML4, vaddr).present())
}

func TestFaultPolicy_Fatal(t *testing.T) {
	tests := []struct {
		name     string
		contains string
		access   func(k *Kernel)
	}{
		{
			name:     "not allocated",
			contains: "invalid memory access, must allocate first",
			access:   func(k *Kernel) { k.Read64(0x5000_0000_0000) },
		},
		{
			name:     "protection",
			contains: "page protection fault",
			access: func(k *Kernel) {
				k.Machine().Touch(0x100000, machine.AccessUser)
			},
		},
		{
			name:     "fetch",
			contains: "instruction fetch",
			access:   func(k *Kernel) { k.Machine().Fetch(0x9000_0000) },
		},
		{
			name:     "user",
			contains: "user mode",
			access: func(k *Kernel) {
				k.Machine().Touch(0x9000_0000, machine.AccessUser|machine.AccessWrite)
			},
		},
		{
			name:     "non-canonical",
			contains: "general protection fault",
			access:   func(k *Kernel) { k.Read64(0x8000_0000_0000) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, console := newTestKernel(t)
			requireFatal(t, tt.contains, func() { tt.access(k) })
			assert.True(t, k.Machine().Halted())
			assert.Contains(t, console.String(), "fatal error: ")
		})
	}
}

func TestFaultPolicy_ReportsAddress(t *testing.T) {
	k, console := newTestKernel(t)
	requireFatal(t, "must allocate first", func() { k.Read64(0x5000_0000_0008) })
	assert.Contains(t, console.String(), "page fault address: 0x500000000008\n")
}

func TestDecodePageFault(t *testing.T) {
	f := decodePageFault(machine.FaultPresent|machine.FaultWrite, 0x1234)
	assert.Equal(t, pageFault{addr: 0x1234, present: true, write: true}, f)
	f = decodePageFault(machine.FaultUser|machine.FaultFetch, 0x5000)
	assert.Equal(t, pageFault{addr: 0x5000, user: true, noExec: true}, f)
}

func TestLock_DefersTimer(t *testing.T) {
	k, _ := newTestKernel(t)
	m := k.Machine()
	ticks := k.Ticks()

	k.VMM().lock.lock()
	k.Frames().lock.lock()
	assert.False(t, m.InterruptsEnabled())
	m.Raise(machine.VectorTimer)
	assert.Equal(t, ticks, k.Ticks())
	k.Frames().lock.unlock()
	assert.Equal(t, ticks, k.Ticks(), "inner unlock must keep interrupts masked")
	k.VMM().lock.unlock()

	assert.Equal(t, ticks+1, k.Ticks())
	assert.True(t, m.InterruptsEnabled())

	m.Raise(machine.VectorTimer)
	assert.Equal(t, ticks+2, k.Ticks())
}

func TestVerify(t *testing.T) {
	k, console := newTestKernel(t)
	a, err := k.Kmalloc(3*pageSize, PageFlagWritable)
	require.NoError(t, err)
	require.NoError(t, k.Verify())

	frame, err := k.VirtToPhys(a)
	require.NoError(t, err)
	require.NoError(t, k.VMM().LazyMap(0x2000_0000_0000, frame, PageFlagWritable))
	err = k.Verify()
	assert.ErrorIs(t, err, errOverlappingMappings)
	assert.Contains(t, console.String(), "overlapping range")
}

func TestDumpPageTable(t *testing.T) {
	k, _ := newTestKernel(t)
	_, err := k.Kmalloc(2*pageSize, Perm(false, true, true))
	require.NoError(t, err)

	var buf bytes.Buffer
	k.DumpPageTable(&buf)
	out := buf.String()
	// The identity mapping is one run, extended by the first heap
	// metadata page which happens to land on the first free frame.
	assert.Contains(t, out, "mapping vaddr: 0x0 paddr: 0x0 size 0x148000 -wx\n")
	assert.Contains(t, out, "mapping vaddr: 0x100000000 ")
	assert.Contains(t, out, "mapping vaddr: 0x100001000 ")
	assert.Equal(t, 2, strings.Count(out, " -w-\n"))
}

func TestMemoryDumps(t *testing.T) {
	k, _ := newTestKernel(t)
	a, err := k.Kmalloc(16, PageFlagWritable)
	require.NoError(t, err)
	k.Write64(a, 0x0102030405060708)

	var buf bytes.Buffer
	require.NoError(t, k.HexDump(&buf, a, 16))
	assert.Equal(t, "00000000  08 07 06 05 04 03 02 01  00 00 00 00 00 00 00 00  |................|\n", buf.String())

	buf.Reset()
	require.NoError(t, k.BinDump(&buf, a, 8))
	assert.Equal(t, "0000000100000000: 00001000 00000111 00000110 00000101 00000100 00000011 00000010 00000001\n", buf.String())
}

func TestMarshalStats(t *testing.T) {
	k, _ := newTestKernel(t)
	_, err := k.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)

	b, err := k.MarshalStats()
	require.NoError(t, err)
	var stats struct {
		IdentityMapEnd string
		Frames         struct {
			Start string
			Count int
			Used  int
		}
		Heap struct {
			Allocations int
			UsedBytes   string
			Used        []struct{ Addr, Size string }
			Free        []struct{ Addr, Size string }
		}
	}
	require.NoError(t, json.Unmarshal(b, &stats))
	assert.Equal(t, "0x147000", stats.IdentityMapEnd)
	assert.Equal(t, "0x147000", stats.Frames.Start)
	assert.Equal(t, 1721, stats.Frames.Count)
	assert.Positive(t, stats.Frames.Used)
	assert.Equal(t, 1, stats.Heap.Allocations)
	assert.Equal(t, "0x1000", stats.Heap.UsedBytes)
	require.Len(t, stats.Heap.Used, 1)
	assert.Equal(t, "0x100000000", stats.Heap.Used[0].Addr)
	require.Len(t, stats.Heap.Free, 1)
	assert.Equal(t, "0x100001000", stats.Heap.Free[0].Addr)
}
