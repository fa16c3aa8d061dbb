// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// +build tamago,amd64

// Command xhci-demo brings up the first xHCI host controller found on PCI
// bus 0, resets it, starts it, and fetches the device descriptor of
// whatever is attached to port 1.
package main

import (
	"log"

	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/intel/pci"
	"github.com/usbarmory/tamago/soc/intel/xhci"
)

// xHCI class code (base class 0x0c, sub-class 0x03, programming
// interface 0x30), PCI Local Bus Specification rev. 3.0 Appendix D.
const xhciClassCode = 0x0c0330

// dmaRegionStart/dmaRegionSize carve out a fixed window for ring, context,
// and scratchpad allocations; real placement is board-specific, but any
// RAM range the firmware leaves unused for the life of this demo works.
const (
	dmaRegionStart = 0x20000000
	dmaRegionSize  = 4 << 20
)

func findController() *pci.Device {
	for _, d := range pci.Devices(0) {
		if d.Read(0, pci.RevisionID)>>8 == xhciClassCode {
			return d
		}
	}
	return nil
}

// mapMMIO returns the BAR physical address unchanged: this platform runs
// with an identity-mapped low address space, so there is no separate
// virtual address to compute.
func mapMMIO(phys uint64, size int) (uint64, error) {
	return phys, nil
}

func main() {
	dev := findController()
	if dev == nil {
		log.Fatal("xhci-demo: no xHCI controller found on bus 0")
	}

	log.Printf("xhci-demo: found controller %04x:%04x at slot %d", dev.Vendor, dev.Device, dev.Slot)

	region, err := dma.NewRegion(dmaRegionStart, dmaRegionSize, true)
	if err != nil {
		log.Fatalf("xhci-demo: dma region: %v", err)
	}

	ctrl, err := xhci.New(xhci.Config{
		BAR:     uint64(dev.BaseAddress(0)),
		MapMMIO: mapMMIO,
		DMA:     xhci.NewRegionAllocator(region),
	})
	if err != nil {
		log.Fatalf("xhci-demo: new: %v", err)
	}

	if err := ctrl.Reset(); err != nil {
		log.Fatalf("xhci-demo: reset: %v", err)
	}

	if err := ctrl.Start(); err != nil {
		log.Fatalf("xhci-demo: start: %v", err)
	}

	log.Printf("xhci-demo: controller running, probing port 1")

	desc, err := ctrl.SetupDevice(0)
	if err != nil {
		log.Fatalf("xhci-demo: setup device: %v", err)
	}

	log.Printf("xhci-demo: device descriptor: %+v", desc)
}
