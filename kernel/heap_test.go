// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"eliasnaur.com/kmem/machine"
)

const testHeapStart = VirtualAddress(defaultHeapMetadataEnd)

func TestCanFit(t *testing.T) {
	tests := []struct {
		name  string
		r     Region
		size  uint64
		align uint64
		off   uint64
		ok    bool
	}{
		{"exact", Region{Addr: 0x1000, Size: 0x2000}, 0x2000, 0x1000, 0, true},
		{"too big", Region{Addr: 0x1000, Size: 0x2000}, 0x2001, 0x1000, 0, false},
		{"aligned exact", Region{Addr: 0x1000, Size: 0x2000}, 0x1000, 0x2000, 0x1000, true},
		{"aligned too big", Region{Addr: 0x1000, Size: 0x2000}, 0x2000, 0x2000, 0x1000, false},
		{"padding exceeds region", Region{Addr: 0x1000, Size: 0x800}, 0x100, 0x2000, 0, false},
		{"padding fills region", Region{Addr: 0x1000, Size: 0x1000}, 0, 0x2000, 0x1000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			off, ok := canFit(tt.r, tt.size, tt.align)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.off, off)
			}
		})
	}
}

func TestKmalloc_Reuse(t *testing.T) {
	k, _ := newTestKernel(t)
	a1, err := k.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)
	a2, err := k.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)
	assert.Equal(t, testHeapStart, a1)
	assert.Equal(t, testHeapStart+pageSize, a2)

	k.Write64(a1, 0xfeed)
	require.NoError(t, k.Kfree(a1))
	_, mapped := k.VMM().Mapped(a1)
	assert.False(t, mapped)

	a3, err := k.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)
	assert.Equal(t, a1, a3)
	assert.Zero(t, k.Read64(a3), "reused memory must be zeroed")
}

func TestKmalloc_NoOverlap(t *testing.T) {
	k, _ := newTestKernel(t)
	h := k.Heap()
	sizes := []uint64{1, pageSize, pageSize + 1, 3 * pageSize, 100, 5 * pageSize}
	live := make(map[VirtualAddress]Region)
	for i, size := range sizes {
		a, err := h.Kmalloc(size, PageFlagWritable)
		require.NoError(t, err)
		assert.True(t, isAligned(uint64(a), pageSize))
		r := Region{Addr: uint64(a), Size: AlignUp(size, pageSize)}
		for _, other := range live {
			assert.False(t, r.Overlaps(other), "%v overlaps %v", r, other)
		}
		live[a] = r
		// Every allocated page is mapped and writable.
		for p := r.Addr; p < r.End(); p += pageSize {
			k.Write64(VirtualAddress(p), uint64(i))
		}
		// Free every other allocation to create holes.
		if i%2 == 1 {
			require.NoError(t, h.Kfree(a))
			delete(live, a)
		}
	}
	s := h.Stats()
	assert.Equal(t, len(live), s.Allocs)
	assert.Equal(t, len(live), s.UsedRegions)
	var used uint64
	for _, r := range live {
		used += r.Size
	}
	assert.Equal(t, used, s.UsedBytes)
	assert.Equal(t, h.Region().Size, s.UsedBytes+s.FreeBytes)
	assert.Equal(t, s.UsedRegions, s.UsedNodes)
	assert.Equal(t, s.FreeRegions, s.FreeNodes)
	require.NoError(t, k.Verify())
}

func TestKmalloc_FreeRestoresHeap(t *testing.T) {
	k, _ := newTestKernel(t)
	h := k.Heap()
	used := k.Frames().Used()

	var addrs []VirtualAddress
	for i := 0; i < 8; i++ {
		a, err := h.Kmalloc(uint64(i+1)*pageSize, PageFlagWritable)
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	for _, i := range []int{3, 0, 7, 5, 1, 2, 6, 4} {
		require.NoError(t, h.Kfree(addrs[i]))
	}
	assert.Equal(t, []Region{h.Region()}, h.FreeRegions())
	assert.Empty(t, h.UsedRegions())
	// Only page tables and metadata pages remain.
	assert.Less(t, k.Frames().Used()-used, uint64(8))
}

func TestAlloc_LargeAlignment(t *testing.T) {
	k, _ := newTestKernel(t)
	h := k.Heap()
	_, err := h.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)

	const align = 2 << 20
	a, err := h.Alloc(pageSize, align)
	require.NoError(t, err)
	assert.Equal(t, testHeapStart+align, a)
	assert.Equal(t, []Region{
		NewRegion(uint64(testHeapStart)+pageSize, uint64(testHeapStart)+align),
		NewRegion(uint64(testHeapStart)+align+pageSize, h.Region().End()),
	}, h.FreeRegions())

	// The prefix left over by the alignment is handed out first.
	b, err := h.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)
	assert.Equal(t, testHeapStart+pageSize, b)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(b))
	assert.Equal(t, []Region{
		NewRegion(uint64(testHeapStart)+pageSize, h.Region().End()),
	}, h.FreeRegions())
}

func TestKmalloc_Errors(t *testing.T) {
	k, _ := newTestKernel(t)
	h := k.Heap()

	_, err := h.Kmalloc(0, PageFlagWritable)
	assert.ErrorIs(t, err, ErrZeroSize)
	_, err = h.Alloc(pageSize, 3*pageSize)
	assert.ErrorIs(t, err, ErrBadAlignment)
	_, err = h.Kmalloc(h.Region().Size, PageFlagWritable)
	assert.ErrorIs(t, err, ErrNoFit)
	_, err = h.Kmalloc(^uint64(0), PageFlagWritable)
	assert.ErrorIs(t, err, ErrHeapExhausted)

	assert.ErrorIs(t, h.Kfree(testHeapStart), ErrNotAllocated)
	a, err := h.Kmalloc(2*pageSize, PageFlagWritable)
	require.NoError(t, err)
	// Only the start of an allocation identifies it.
	assert.ErrorIs(t, h.Kfree(a+pageSize), ErrNotAllocated)
	require.NoError(t, h.Kfree(a+0x10))
	assert.ErrorIs(t, h.Kfree(a), ErrNotAllocated)
	assert.Equal(t, 0, h.Stats().Allocs)
}

func TestKmalloc_OutOfMemoryIsFatal(t *testing.T) {
	k, console := newTestKernel(t)
	requireFatal(t, "out of physical memory", func() {
		k.Kmalloc(testMemorySize, PageFlagWritable)
	})
	assert.Contains(t, console.String(), "fatal error: ")
}

func TestKmalloc_Permissions(t *testing.T) {
	k, _ := newTestKernel(t)
	a, err := k.Kmalloc(pageSize, Perm(true, false, true))
	require.NoError(t, err)
	flags, ok := k.VMM().Mapped(a)
	require.True(t, ok)
	assert.Equal(t, "u--", flags.Mode())
}

func TestHeap_LogAllocations(t *testing.T) {
	k, _ := newTestKernel(t)
	_, err := k.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	k.Heap().LogAllocations(log)
	assert.Contains(t, buf.String(), "msg=allocation addr=0x100000000 size=0x1000")
}

func TestKmallocAligned_Permissions(t *testing.T) {
	k, _ := newTestKernel(t)
	h := k.Heap()
	_, err := h.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)

	const align = 2 << 20
	a, err := h.KmallocAligned(pageSize, align, Perm(true, false, true))
	require.NoError(t, err)
	assert.Equal(t, testHeapStart+align, a)
	flags, ok := k.VMM().Mapped(a)
	require.True(t, ok)
	assert.Equal(t, "u--", flags.Mode())
	require.NoError(t, h.Kfree(a))
}

// countHeapFaults wraps the page fault handler, counting every fault
// and the ones taken while the heap lock is held.
func countHeapFaults(k *Kernel, hook func(machine.Trap)) (total, locked *int) {
	total, locked = new(int), new(int)
	k.Machine().Install(machine.VectorPageFault, func(tr machine.Trap) {
		*total++
		if k.heap.lock.holding() {
			*locked++
		}
		if hook != nil {
			hook(tr)
		}
		k.handlePageFault(tr)
	})
	return total, locked
}

func TestHeap_MetadataFaultsOutsideLock(t *testing.T) {
	k, _ := newTestKernel(t)
	h := k.Heap()
	total, locked := countHeapFaults(k, nil)

	// Enough nodes to cross several metadata pages in both pools.
	var addrs []VirtualAddress
	for i := 0; i < 400; i++ {
		a, err := h.Kmalloc(pageSize, PageFlagWritable)
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	for i := 0; i < len(addrs); i += 2 {
		require.NoError(t, h.Kfree(addrs[i]))
	}
	for i := 0; i < 50; i++ {
		_, err := h.Kmalloc(2*pageSize, PageFlagWritable)
		require.NoError(t, err)
	}
	s := h.Stats()
	assert.Equal(t, 250, s.Allocs)
	assert.Equal(t, 201, s.FreeRegions)
	assert.Positive(t, *total)
	assert.Zero(t, *locked)
}

func TestHeap_InterruptAllocatesWhilePrefaulting(t *testing.T) {
	k, _ := newTestKernel(t)
	h := k.Heap()
	usedPool := h.used.nodes.region
	slotsPerPage := int(AlignUp(usedPool.Addr+1, pageSize)-usedPool.Addr) / nodeSize

	// The timer interrupts the first metadata fault of the used pool
	// and allocates until the pool top sits on the next, unmapped page.
	var nested []VirtualAddress
	var nestedErr error
	k.Machine().Install(machine.VectorTimer, func(machine.Trap) {
		for i := 0; i < slotsPerPage; i++ {
			a, err := h.Kmalloc(pageSize, PageFlagWritable)
			if err != nil {
				nestedErr = err
				return
			}
			nested = append(nested, a)
		}
	})
	raised := false
	total, locked := countHeapFaults(k, func(tr machine.Trap) {
		if !raised && usedPool.Includes(tr.Addr) {
			raised = true
			k.Machine().Raise(machine.VectorTimer)
		}
	})

	a, err := h.Kmalloc(pageSize, PageFlagWritable)
	require.NoError(t, err)
	require.NoError(t, nestedErr)
	require.True(t, raised)
	assert.Len(t, nested, slotsPerPage)
	assert.NotContains(t, nested, a)
	assert.Equal(t, slotsPerPage+1, h.Stats().UsedNodes)
	assert.GreaterOrEqual(t, *total, 2)
	assert.Zero(t, *locked)
}
