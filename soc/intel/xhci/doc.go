// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xhci implements bring-up of a PCIe-attached USB 3.x host
// controller conforming to the eXtensible Host Controller Interface
// (xHCI) specification revision 1.0 and later: controller reset and
// configuration, command/transfer/event TRB ring management, device
// context and scratchpad allocation, root port reset, and the initial
// device enumeration sequence up to the first GET_DESCRIPTOR control
// transfer.
//
// This package stops at the first device descriptor fetch. USB class
// binding (HID, mass storage, hubs) is left to a higher layer.
//
// This package is only meant to be used with `GOOS=tamago GOARCH=amd64`
// as supported by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago. It is built against a PCIe
// device already enumerated by soc/intel/pci.
package xhci
