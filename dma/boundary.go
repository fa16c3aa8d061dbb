// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import "errors"

// AllocBoundary reserves size bytes aligned to align (a power of 2, 0
// meaning the package's default word alignment) such that the resulting
// physical range never crosses a multiple of boundary (0 disables the
// check). It retries at the next boundary-aligned offset, at most once,
// padding the request so the first-fit search is guaranteed a slot that
// starts past the crossing: this is sufficient because every caller in
// this repository asks for size <= boundary.
func (dma *Region) AllocBoundary(size int, align int, boundary int) (phys uint, buf []byte, err error) {
	if size <= 0 {
		return 0, nil, errors.New("invalid allocation size")
	}

	if boundary <= 0 {
		addr, b := dma.Reserve(size, align)
		return addr, b, nil
	}

	addr, b := dma.Reserve(size, align)

	if !crossesBoundary(addr, size, boundary) {
		return addr, b, nil
	}

	dma.Release(addr)

	// pad to the worst case: enough slack to slide the allocation
	// forward to the next boundary multiple.
	padded := size + boundary

	paddedAddr, paddedBuf := dma.Reserve(padded, align)

	start := alignUp(paddedAddr, uint(boundary))
	off := start - paddedAddr

	if crossesBoundary(start, size, boundary) {
		dma.Release(paddedAddr)
		return 0, nil, errors.New("unable to satisfy boundary constraint")
	}

	return start, paddedBuf[off : off+uint(size)], nil
}

func alignUp(addr uint, align uint) uint {
	if align == 0 {
		return addr
	}

	if r := addr % align; r != 0 {
		return addr + (align - r)
	}

	return addr
}

func crossesBoundary(addr uint, size int, boundary int) bool {
	if boundary <= 0 {
		return false
	}

	start := addr
	end := addr + uint(size) - 1

	return start/uint(boundary) != end/uint(boundary)
}
