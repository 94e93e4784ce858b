// SPDX-License-Identifier: Unlicense OR MIT

//go:build !unix

package machine

func newRAM(size uint64) (ram, error) {
	return ram{
		mem:     make([]byte, size),
		release: func() error { return nil },
	}, nil
}

func (r *ram) zero(addr, n uint64) error {
	b, err := r.bytes(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
