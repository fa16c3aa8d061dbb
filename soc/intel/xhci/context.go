// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"encoding/binary"

	"github.com/usbarmory/tamago/bits"
)

// A device, input, or slot context entry is 8 dwords (32 bytes) on
// controllers with CSZ=0, or 16 dwords (64 bytes, the upper half
// reserved) when CSZ=1 (HCCPARAMS1.CSZ, see registers.go). entrySize
// returns the stride of one context entry for the controller.
func entrySize(csz bool) int {
	if csz {
		return 64
	}
	return 32
}

// ctxWords is a fixed 8-dword context entry (slot, endpoint, or the
// control half of an input context), addressed dword-by-dword so that
// bitfields packed within a single dword use the same bits.GetN/SetN
// idiom as the MMIO register layouts in registers.go.
type ctxWords [8]uint32

func (w *ctxWords) marshal(buf []byte, csz bool) {
	for i, dw := range w {
		binary.LittleEndian.PutUint32(buf[i*4:], dw)
	}

	if csz {
		for i := 32; i < 64; i += 4 {
			binary.LittleEndian.PutUint32(buf[i:], 0)
		}
	}
}

func unmarshalWords(buf []byte) (w ctxWords) {
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return
}

// inputControlContext is entry 0 of an Input Context: it tells the
// Address/Configure/Evaluate Context commands which of the following
// slot/endpoint context entries to apply.
type inputControlContext struct {
	ctxWords
}

func (icc *inputControlContext) setAdd(ctxIndex int) {
	bits.SetN(&icc.ctxWords[1], ctxIndex, 1, 1)
}

func (icc *inputControlContext) setDrop(ctxIndex int) {
	bits.SetN(&icc.ctxWords[0], ctxIndex, 1, 1)
}

func (icc *inputControlContext) setConfigurationValue(v uint8) {
	bits.SetN(&icc.ctxWords[7], 0, 0xff, uint32(v))
}

// Slot Context dword fields (xHCI 1.2 section 6.2.2).
const (
	slotRouteString     = 0
	slotRouteStringMask = 0xfffff
	slotSpeed           = 20
	slotSpeedMask       = 0xf
	slotMTT             = 25
	slotHub             = 26
	slotContextEntries  = 27
	slotContextEntriesMask = 0x1f

	slotRootHubPortNum  = 16
	slotRootHubPortNumMask = 0xff
	slotNumberOfPorts   = 24
	slotNumberOfPortsMask  = 0xff

	slotInterrupterTarget = 22
	slotInterrupterTargetMask = 0x3ff

	slotUSBDeviceAddress = 0
	slotUSBDeviceAddressMask = 0xff
	slotSlotState        = 27
	slotSlotStateMask    = 0x1f
)

// slotContext is entry 1 of an Input Context and entry 0 of a Device
// Context.
type slotContext struct {
	ctxWords
}

func newSlotContext(routeString uint32, speed uint32, rootHubPort int, contextEntries int) *slotContext {
	sc := &slotContext{}

	bits.SetN(&sc.ctxWords[0], slotRouteString, slotRouteStringMask, routeString)
	bits.SetN(&sc.ctxWords[0], slotSpeed, slotSpeedMask, speed)
	bits.SetN(&sc.ctxWords[0], slotContextEntries, slotContextEntriesMask, uint32(contextEntries))

	bits.SetN(&sc.ctxWords[1], slotRootHubPortNum, slotRootHubPortNumMask, uint32(rootHubPort))

	return sc
}

func (sc *slotContext) slotState() uint32 {
	return bits.GetN(&sc.ctxWords[3], slotSlotState, slotSlotStateMask)
}

func (sc *slotContext) deviceAddress() uint8 {
	return uint8(bits.GetN(&sc.ctxWords[3], slotUSBDeviceAddress, slotUSBDeviceAddressMask))
}

// Endpoint Context dword fields (xHCI 1.2 section 6.2.3).
const (
	epState      = 0
	epStateMask  = 0x7
	epMult       = 8
	epMultMask   = 0x3
	epMaxPStreams = 10
	epMaxPStreamsMask = 0x1f
	epInterval   = 16
	epIntervalMask = 0xff

	epCErr       = 1
	epCErrMask   = 0x3
	epType       = 3
	epTypeMask   = 0x7
	epMaxBurstSize = 8
	epMaxBurstSizeMask = 0xff
	epMaxPacketSize = 16
	epMaxPacketSizeMask = 0xffff

	epAverageTRBLength = 0
	epAverageTRBLengthMask = 0xffff
)

// Endpoint Type field values (TR Dequeue Pointer direction is implied by
// endpoint number parity except for EP0, which is always Control).
const (
	EndpointTypeControl    = 4
	EndpointTypeIsochOut   = 1
	EndpointTypeBulkOut    = 2
	EndpointTypeInterruptOut = 3
	EndpointTypeIsochIn    = 5
	EndpointTypeBulkIn     = 6
	EndpointTypeInterruptIn = 7
)

// endpointContext is one endpoint's entry in an Input or Device Context
// (EP0 is entry 2 of an Input Context and entry 1 of a Device Context).
type endpointContext struct {
	ctxWords
}

func newEndpointContext(epType int, maxPacketSize uint16, cErr int, trDequeue uint64, dcs bool) *endpointContext {
	ec := &endpointContext{}

	bits.SetN(&ec.ctxWords[1], epCErr, epCErrMask, uint32(cErr))
	bits.SetN(&ec.ctxWords[1], epType, epTypeMask, uint32(epType))
	bits.SetN(&ec.ctxWords[1], epMaxPacketSize, epMaxPacketSizeMask, uint32(maxPacketSize))

	ptr := trDequeue &^ 0xf
	ec.ctxWords[2] = uint32(ptr)
	ec.ctxWords[3] = uint32(ptr >> 32)

	if dcs {
		ec.ctxWords[2] |= 1
	}

	bits.SetN(&ec.ctxWords[4], epAverageTRBLength, epAverageTRBLengthMask, 8)

	return ec
}

// dcbaaIndex is the EP context array offset for an endpoint number/direction
// pair: EP0 is always index 1, other endpoints are 2*epNum (+1 for IN).
func dcbaaIndex(epNum int, in bool) int {
	if epNum == 0 {
		return 1
	}

	idx := epNum * 2
	if in {
		idx++
	}

	return idx
}

// deviceContextArray owns the Device Context Base Address Array and the
// per-slot Output Device Contexts it references; index 0 of the DCBAA is
// reserved for the Scratchpad Buffer Array pointer.
type deviceContextArray struct {
	csz   bool
	dcbaaPhys uint64
	dcbaa     []byte

	slots map[int]uint64
}

func newDeviceContextArray(maxSlots int, csz bool, alloc Allocator) (*deviceContextArray, error) {
	size := (maxSlots + 1) * 8

	phys, buf, err := alloc.Alloc(size, 64, 4096)
	if err != nil {
		return nil, err
	}

	return &deviceContextArray{
		csz:       csz,
		dcbaaPhys: phys,
		dcbaa:     buf,
		slots:     make(map[int]uint64),
	}, nil
}

func (d *deviceContextArray) setScratchpad(phys uint64) {
	binary.LittleEndian.PutUint64(d.dcbaa[0:], phys)
}

func (d *deviceContextArray) setSlot(slotID int, phys uint64) {
	binary.LittleEndian.PutUint64(d.dcbaa[slotID*8:], phys)
	d.slots[slotID] = phys
}

func (d *deviceContextArray) outputContext(slotID int) uint64 {
	return d.slots[slotID]
}

// scratchpadArray allocates the controller's scratchpad buffers, as
// required whenever HCSPARAMS2 Max Scratchpad Buffers is non-zero, and
// returns the physical address of the pointer array to install at DCBAA
// index 0.
func newScratchpadArray(count int, alloc Allocator) (uint64, error) {
	if count == 0 {
		return 0, nil
	}

	arrPhys, arrBuf, err := alloc.Alloc(count*8, 64, 4096)
	if err != nil {
		return 0, err
	}

	for i := 0; i < count; i++ {
		phys, _, err := alloc.Alloc(4096, 4096, 4096)
		if err != nil {
			return 0, err
		}

		binary.LittleEndian.PutUint64(arrBuf[i*8:], phys)
	}

	return arrPhys, nil
}
