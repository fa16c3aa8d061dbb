// Intel Peripheral Component Interconnect (PCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

// CapabilityMSIX represents an MSI-X Capability Structure.
//
// Only discovery is implemented here: interrupt table programming is left
// to callers that need an interrupt-driven transport, as this driver family
// targets poll-based consumers.
type CapabilityMSIX struct {
	CapabilityHeader
	MessageControl uint16
	TableOffset    uint32
	PBAOffset      uint32

	device *Device
	off    uint32
}

// Unmarshal decodes a PCI Capability common fields from the argument device
// configuration space at function 0 and the given register offset.
func (msix *CapabilityMSIX) Unmarshal(d *Device, off uint32) (err error) {
	val := d.Read(0, off)
	msix.Vendor = uint8(val & 0xff)
	msix.Next = uint8(val >> 8)
	msix.MessageControl = uint16(val >> 16)

	msix.TableOffset = d.Read(0, off+4)
	msix.PBAOffset = d.Read(0, off+8)

	msix.device = d
	msix.off = off

	return
}

// TableSize returns the number of entries in the MSI-X table.
func (msix *CapabilityMSIX) TableSize() int {
	return int(msix.MessageControl&0x7ff) + 1
}

// BIR returns the BAR index (0-5) holding the MSI-X table for this
// capability, as encoded in the low 3 bits of TableOffset.
func (msix *CapabilityMSIX) BIR() int {
	return int(msix.TableOffset & 0b111)
}
