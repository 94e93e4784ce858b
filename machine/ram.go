// SPDX-License-Identifier: Unlicense OR MIT

package machine

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ram is the physical memory of the machine. Physical address 0 is
// the first byte of mem.
type ram struct {
	mem     []byte
	release func() error
}

func (r *ram) size() uint64 {
	return uint64(len(r.mem))
}

// bytes returns the n bytes of physical memory starting at addr.
func (r *ram) bytes(addr, n uint64) ([]byte, error) {
	end := addr + n
	if end < addr || end > r.size() {
		return nil, errors.Errorf("machine check: physical range [%#x, %#x) beyond RAM", addr, end)
	}
	return r.mem[addr:end:end], nil
}

func (r *ram) read64(addr uint64) (uint64, error) {
	b, err := r.bytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *ram) write64(addr, v uint64) error {
	b, err := r.bytes(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}
