// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/usbarmory/tamago/dma"
)

// Allocator is the DMA allocation seam used by every ring, context, and
// scratchpad buffer in this package. It is satisfied by *dma.Region (via
// newRegionAllocator), and by a fake in tests.
type Allocator interface {
	// Alloc reserves size bytes aligned to align (a power of 2, 0 for
	// the allocator's default) such that [phys, phys+size) never
	// crosses a multiple of boundary (0 disables the check), and
	// returns both the physical address, suitable for programming into
	// a hardware register or context field, and a slice over the same
	// memory for the CPU side to read and write.
	Alloc(size int, align int, boundary int) (phys uint64, buf []byte, err error)
}

// regionAllocator adapts a *dma.Region, whose Reserve()/AllocBoundary()
// panic on exhaustion, to Allocator's error-returning contract.
type regionAllocator struct {
	region *dma.Region
}

func newRegionAllocator(r *dma.Region) *regionAllocator {
	return &regionAllocator{region: r}
}

func (a *regionAllocator) Alloc(size int, align int, boundary int) (phys uint64, buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			phys, buf = 0, nil
			err = &Error{Kind: AllocationFailed, Op: "alloc", Err: asError(r)}
		}
	}()

	addr, b, err := a.region.AllocBoundary(size, align, boundary)
	if err != nil {
		return 0, nil, &Error{Kind: AllocationFailed, Op: "alloc", Err: err}
	}

	return uint64(addr), b, nil
}

func asError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}

	return fmt.Errorf("%v", r)
}
