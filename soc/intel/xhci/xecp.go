// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "github.com/usbarmory/tamago/bits"

// xECP capability IDs (xHCI Extended Capabilities, section 7).
const (
	xcapUSBLegacySupport  = 1
	xcapSupportedProtocol = 2
)

// Supported Protocol Capability dword0 fields.
const (
	protoMinorRev = 16
	protoMinorRevMask = 0xff
	protoMajorRev = 24
	protoMajorRevMask = 0xff
)

// Supported Protocol Capability dword2 fields.
const (
	protoPortOffset = 0
	protoPortOffsetMask = 0xff
	protoPortCount  = 8
	protoPortCountMask = 0xff
)

// walkSupportedProtocols traverses the xECP linked list rooted at
// r.xecpOff, reading each Supported Protocol Capability encountered, and
// returns the protocol revision of every one of the numPorts root ports,
// indexed 0-based (port N hardware numbering is 1-based).
//
// Capability types other than Supported Protocol are skipped: this driver
// has no use for USB Legacy Support handoff (there is no legacy SMI owner
// on a PCIe-only target) or the vendor-defined capabilities some
// controllers append.
func (c *Controller) walkSupportedProtocols(numPorts int) []protocol {
	ports := make([]protocol, numPorts)

	off := c.regs.xecpOff

	for off != 0 {
		dw0 := c.bus.Read32(off)
		id := dw0 & 0xff
		next := (dw0 >> 8) & 0xff

		if id == xcapSupportedProtocol {
			major := bits.GetN(&dw0, protoMajorRev, protoMajorRevMask)

			dw2 := c.bus.Read32(off + 8)
			portOffset := int(bits.GetN(&dw2, protoPortOffset, protoPortOffsetMask))
			portCount := int(bits.GetN(&dw2, protoPortCount, protoPortCountMask))

			rev := protocolUSB2
			if major == 3 {
				rev = protocolUSB3
			}

			for i := 0; i < portCount; i++ {
				idx := portOffset - 1 + i
				if idx >= 0 && idx < numPorts {
					ports[idx] = rev
				}
			}
		}

		if next == 0 {
			break
		}

		off += next * 4
	}

	return ports
}
