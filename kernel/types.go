// SPDX-License-Identifier: Unlicense OR MIT

package kernel

const (
	pageSize      = 1 << 12
	pageTableSize = 512
)

type PhysicalAddress uint64

type VirtualAddress uint64

// PageFlags are the permission and caching bits of a mapping, laid
// out as in a hardware page table entry.
type PageFlags uint64

const (
	pageFlagPresent      PageFlags = 1 << 0
	PageFlagWritable     PageFlags = 1 << 1
	PageFlagUserAccess   PageFlags = 1 << 2
	PageFlagWriteThrough PageFlags = 1 << 3
	PageFlagNoCache      PageFlags = 1 << 4
	pageFlagAccessed     PageFlags = 1 << 5
	pageFlagDirty        PageFlags = 1 << 6
	pageFlagGlobal       PageFlags = 1 << 8
	PageFlagNX           PageFlags = 1 << 63

	// mappingFlags are the bits a caller may request for a mapping.
	mappingFlags = PageFlagWritable | PageFlagUserAccess | PageFlagWriteThrough | PageFlagNoCache | PageFlagNX
)

// Perm builds the flags for the three independent permission axes.
func Perm(user, writable, noExec bool) PageFlags {
	var f PageFlags
	if user {
		f |= PageFlagUserAccess
	}
	if writable {
		f |= PageFlagWritable
	}
	if noExec {
		f |= PageFlagNX
	}
	return f
}

func (f PageFlags) User() bool {
	return f&PageFlagUserAccess != 0
}

func (f PageFlags) Writable() bool {
	return f&PageFlagWritable != 0
}

func (f PageFlags) NoExec() bool {
	return f&PageFlagNX != 0
}

// Mode formats the permissions like "uwx", with - for a missing one.
func (f PageFlags) Mode() string {
	b := []byte("---")
	if f.User() {
		b[0] = 'u'
	}
	if f.Writable() {
		b[1] = 'w'
	}
	if !f.NoExec() {
		b[2] = 'x'
	}
	return string(b)
}

// Align the address downwards to the page size.
func (a VirtualAddress) Align() VirtualAddress {
	return a &^ VirtualAddress(pageSize-1)
}

// Align the address upwards to the page size.
func (a VirtualAddress) AlignUp() VirtualAddress {
	return (a + pageSize - 1) & ^VirtualAddress(pageSize-1)
}

func (a VirtualAddress) PageOffset() uint64 {
	return uint64(a) & (pageSize - 1)
}
