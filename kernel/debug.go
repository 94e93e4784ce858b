// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

const errOverlappingMappings kernError = "verify: frames mapped more than once"

type pageTableRange struct {
	vaddr VirtualAddress
	paddr PhysicalAddress
	size  uint64
	flags PageFlags
}

// Verify checks that no two virtual pages map the same frame. Every
// overlap is reported on the console.
func (k *Kernel) Verify() error {
	k.vmm.lock.lock()
	entries := k.vmm.pt.dump()
	k.vmm.lock.unlock()
	return verifyPageTable(k.console, entries)
}

func verifyPageTable(w io.Writer, entries []pageTableRange) error {
	sort.Slice(entries, func(i, j int) bool {
		r1, r2 := entries[i], entries[j]
		if r1.paddr != r2.paddr {
			return r1.paddr < r2.paddr
		}
		return r1.vaddr < r2.vaddr
	})
	n := 0
	for i := 0; i < len(entries)-1; i++ {
		r1, r2 := entries[i], entries[i+1]
		if uint64(r1.paddr)+r1.size > uint64(r2.paddr) {
			n++
			fmt.Fprintf(w, "overlapping range: vaddr %#x paddr %#x, vaddr %#x paddr %#x\n",
				uint64(r1.vaddr), uint64(r1.paddr), uint64(r2.vaddr), uint64(r2.paddr))
		}
	}
	if n > 0 {
		return errors.Wrapf(errOverlappingMappings, "%d overlaps", n)
	}
	return nil
}

// dump returns every 4 KiB mapping outside the recursive window, in
// address order.
func (pt *pageTables) dump() []pageTableRange {
	var entries []pageTableRange
	for i := 0; i < recursiveIndex; i++ {
		if !pt.entry(levelPML4, indexPath{i, 0, 0, 0}.addr()).present() {
			continue
		}
		for j := 0; j < pageTableSize; j++ {
			if !pt.entry(levelPDP, indexPath{i, j, 0, 0}.addr()).present() {
				continue
			}
			for k := 0; k < pageTableSize; k++ {
				if !pt.entry(levelPD, indexPath{i, j, k, 0}.addr()).present() {
					continue
				}
				for l := 0; l < pageTableSize; l++ {
					vaddr := indexPath{i, j, k, l}.addr()
					e := pt.entry(levelPT, vaddr)
					if !e.present() {
						continue
					}
					entries = append(entries, pageTableRange{vaddr, e.addr(), pageSize, e.flags()})
				}
			}
		}
	}
	return entries
}

// DumpPageTable writes the live mappings to w, merging runs of pages
// that are contiguous in both address spaces.
func (k *Kernel) DumpPageTable(w io.Writer) {
	k.vmm.lock.lock()
	entries := k.vmm.pt.dump()
	k.vmm.lock.unlock()
	for _, r := range coalesce(entries) {
		dumpPageEntry(w, r)
	}
}

func coalesce(entries []pageTableRange) []pageTableRange {
	var runs []pageTableRange
	for _, e := range entries {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.vaddr+VirtualAddress(last.size) == e.vaddr &&
				last.paddr+PhysicalAddress(last.size) == e.paddr &&
				last.flags == e.flags {
				last.size += e.size
				continue
			}
		}
		runs = append(runs, e)
	}
	return runs
}

func dumpPageEntry(w io.Writer, r pageTableRange) {
	fmt.Fprintf(w, "mapping vaddr: %#x paddr: %#x size %#x %s\n", uint64(r.vaddr), uint64(r.paddr), r.size, r.flags.Mode())
}

// HexDump writes n bytes of virtual memory at vaddr to w in the
// format of hexdump -C.
func (k *Kernel) HexDump(w io.Writer, vaddr VirtualAddress, n uint64) error {
	buf := make([]byte, n)
	k.m.Read(uint64(vaddr), buf)
	d := hex.Dumper(w)
	if _, err := d.Write(buf); err != nil {
		return err
	}
	return d.Close()
}

// BinDump writes n bytes of virtual memory at vaddr to w as binary,
// eight bytes per line.
func (k *Kernel) BinDump(w io.Writer, vaddr VirtualAddress, n uint64) error {
	buf := make([]byte, n)
	k.m.Read(uint64(vaddr), buf)
	var sb strings.Builder
	for off := 0; off < len(buf); off += 8 {
		sb.Reset()
		fmt.Fprintf(&sb, "%016x:", uint64(vaddr)+uint64(off))
		for _, b := range buf[off:min(off+8, len(buf))] {
			fmt.Fprintf(&sb, " %08b", b)
		}
		sb.WriteByte('\n')
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

// WriteStats writes the frame allocator counters to json.
func (f *FrameAllocator) WriteStats(json jwriter.ObjectState) {
	r := f.MappableRegion()
	json.Name("start").String(fmt.Sprintf("%#x", r.Addr))
	json.Name("end").String(fmt.Sprintf("%#x", r.End()))
	json.Name("count").Int(int(f.Count()))
	json.Name("used").Int(int(f.Used()))
}

// MarshalStats encodes the state of the memory subsystems as JSON.
func (k *Kernel) MarshalStats() ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("identityMapEnd").String(fmt.Sprintf("%#x", k.IdentityMapEnd()))

	frames := obj.Name("frames").Object()
	k.frames.WriteStats(frames)
	frames.End()

	heap := obj.Name("heap").Object()
	k.heap.WriteDetailedMap(heap)
	heap.End()

	flushes, invlpgs, fills := k.m.TLBStats()
	tlb := obj.Name("tlb").Object()
	tlb.Name("flushes").Int(flushes)
	tlb.Name("invlpgs").Int(invlpgs)
	tlb.Name("fills").Int(fills)
	tlb.End()

	obj.Name("ticks").Int(int(k.Ticks()))
	obj.End()
	return w.Bytes(), w.Error()
}
