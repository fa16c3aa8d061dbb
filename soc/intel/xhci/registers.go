// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"github.com/usbarmory/tamago/bits"
	"github.com/usbarmory/tamago/internal/reg"
)

// Capability register offsets, relative to the MMIO base.
const (
	capLength   = 0x00
	capVersion  = 0x02
	capHCSPARAMS1 = 0x04
	capHCSPARAMS2 = 0x08
	capHCSPARAMS3 = 0x0c
	capHCCPARAMS1 = 0x10
	capDBOFF      = 0x14
	capRTSOFF     = 0x18
	capHCCPARAMS2 = 0x1c
)

// HCSPARAMS1 fields.
const (
	hcsp1MaxSlots = 0
	hcsp1MaxSlotsMask = 0xff
	hcsp1MaxIntrs = 8
	hcsp1MaxIntrsMask = 0x7ff
	hcsp1MaxPorts = 24
	hcsp1MaxPortsMask = 0xff
)

// HCSPARAMS2 fields.
const (
	hcsp2IST          = 0
	hcsp2ISTMask      = 0xf
	hcsp2ERSTMax      = 4
	hcsp2ERSTMaxMask  = 0xf
	hcsp2MaxScratchHi = 21
	hcsp2MaxScratchHiMask = 0x1f
	hcsp2SPR          = 26
	hcsp2MaxScratchLo = 27
	hcsp2MaxScratchLoMask = 0x1f
)

// HCCPARAMS1 fields.
const (
	hccp1AC64    = 0
	hccp1BNC     = 1
	hccp1CSZ     = 2
	hccp1PPC     = 3
	hccp1MaxPSASize     = 12
	hccp1MaxPSASizeMask = 0xf
	hccp1XECP           = 16
	hccp1XECPMask       = 0xffff
)

// Operational register offsets, relative to the operational base
// (MMIO base + CAPLENGTH).
const (
	opUSBCMD  = 0x00
	opUSBSTS  = 0x04
	opPAGESIZE = 0x08
	opDNCTRL  = 0x14
	opCRCR    = 0x18
	opDCBAAP  = 0x28
	opCONFIG  = 0x30

	opPortBase   = 0x400
	opPortStride = 0x10
)

// USBCMD bits.
const (
	usbcmdRS    = 0
	usbcmdHCRST = 1
	usbcmdINTE  = 2
	usbcmdHSEE  = 3
)

// USBSTS bits.
const (
	usbstsHCH  = 0
	usbstsHSE  = 2
	usbstsEINT = 3
	usbstsPCD  = 4
	usbstsCNR  = 11
	usbstsHCE  = 12
)

// usbstsRW1C is the mask of write-1-to-clear bits in USBSTS; a
// read-modify-write of this register must never carry any of these bits
// unless the intent is to clear them.
const usbstsRW1C = (1 << usbstsHSE) | (1 << usbstsEINT) | (1 << usbstsPCD) |
	(1 << 8) | (1 << 9) | (1 << 10) | (1 << usbstsHCE)

// CONFIG bits.
const (
	configMaxSlotsEn = 0
	configMaxSlotsEnMask = 0xff
)

// Runtime register offsets, relative to the runtime base (MMIO base +
// RTSOFF).
const (
	rtMFINDEX      = 0x00
	rtInterrupters = 0x20
	rtInterrupterStride = 0x20

	irIMAN   = 0x00
	irIMOD   = 0x04
	irERSTSZ = 0x08
	irERSTBA = 0x10
	irERDP   = 0x18
)

// IMAN bits.
const (
	imanIP = 0
	imanIE = 1
)

// ERDP bits.
const (
	erdpEHB = 3
)

// bus abstracts volatile access to the register window so that the
// lifecycle, port, and device orchestration code can be exercised
// against a fake without real MMIO.
type bus interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
	Read64(off uint32) uint64
	Write64(off uint32, val uint64)
}

// hwBus is a bus backed by real memory-mapped I/O at a fixed virtual base.
type hwBus struct {
	base uint64
}

func (b *hwBus) Read32(off uint32) uint32      { return reg.Read(b.base + uint64(off)) }
func (b *hwBus) Write32(off uint32, val uint32) { reg.Write(b.base+uint64(off), val) }
func (b *hwBus) Read64(off uint32) uint64      { return reg.Read64(b.base + uint64(off)) }
func (b *hwBus) Write64(off uint32, val uint64) { reg.Write64(b.base+uint64(off), val) }

// registers is a typed view over the capability, operational, runtime, and
// doorbell register blocks discovered from a single MMIO base.
type registers struct {
	bus bus

	capLen  uint32
	opBase  uint32
	rtBase  uint32
	dbBase  uint32

	maxSlots  int
	maxIntrs  int
	maxPorts  int
	maxERST   int
	maxScratch int
	ac64      bool
	csz       bool
	xecpOff   uint32
}

func newRegisters(b bus) *registers {
	r := &registers{bus: b}
	r.capLen = uint32(b.Read32(capLength) & 0xff)
	r.opBase = r.capLen
	r.dbBase = b.Read32(capDBOFF) &^ 0x3
	r.rtBase = b.Read32(capRTSOFF) &^ 0x1f

	hcsp1 := b.Read32(capHCSPARAMS1)
	r.maxSlots = int(bits.GetN(&hcsp1, hcsp1MaxSlots, hcsp1MaxSlotsMask))
	r.maxIntrs = int(bits.GetN(&hcsp1, hcsp1MaxIntrs, hcsp1MaxIntrsMask))
	r.maxPorts = int(bits.GetN(&hcsp1, hcsp1MaxPorts, hcsp1MaxPortsMask))

	hcsp2 := b.Read32(capHCSPARAMS2)
	r.maxERST = 1 << bits.GetN(&hcsp2, hcsp2ERSTMax, hcsp2ERSTMaxMask)
	hi := bits.GetN(&hcsp2, hcsp2MaxScratchHi, hcsp2MaxScratchHiMask)
	lo := bits.GetN(&hcsp2, hcsp2MaxScratchLo, hcsp2MaxScratchLoMask)
	r.maxScratch = int(hi<<5 | lo)

	hccp1 := b.Read32(capHCCPARAMS1)
	r.ac64 = bits.Get(&hccp1, hccp1AC64)
	r.csz = bits.Get(&hccp1, hccp1CSZ)
	r.xecpOff = bits.GetN(&hccp1, hccp1XECP, hccp1XECPMask) * 4

	return r
}

func (r *registers) op(off uint32) uint32  { return r.opBase + off }
func (r *registers) rt(off uint32) uint32  { return r.rtBase + off }
func (r *registers) db(off uint32) uint32  { return r.dbBase + off }

func (r *registers) usbcmd() uint32       { return r.bus.Read32(r.op(opUSBCMD)) }
func (r *registers) setUSBCMD(v uint32)   { r.bus.Write32(r.op(opUSBCMD), v) }
func (r *registers) usbsts() uint32       { return r.bus.Read32(r.op(opUSBSTS)) }

// setUSBSTSClearing clears exactly the RW1C bits set in mask, leaving all
// others at zero in the write (per RW1C semantics a 0 bit is a no-op).
func (r *registers) setUSBSTSClearing(mask uint32) {
	r.bus.Write32(r.op(opUSBSTS), mask&usbstsRW1C)
}

func (r *registers) dnctrl() uint32     { return r.bus.Read32(r.op(opDNCTRL)) }
func (r *registers) setDNCTRL(v uint32) { r.bus.Write32(r.op(opDNCTRL), v) }
func (r *registers) crcr() uint64       { return r.bus.Read64(r.op(opCRCR)) }
func (r *registers) setCRCR(v uint64)   { r.bus.Write64(r.op(opCRCR), v) }
func (r *registers) dcbaap() uint64     { return r.bus.Read64(r.op(opDCBAAP)) }
func (r *registers) setDCBAAP(v uint64) { r.bus.Write64(r.op(opDCBAAP), v) }
func (r *registers) config() uint32     { return r.bus.Read32(r.op(opCONFIG)) }
func (r *registers) setConfig(v uint32) { r.bus.Write32(r.op(opCONFIG), v) }

func (r *registers) portscOff(port int) uint32 {
	return r.op(opPortBase + uint32(port)*opPortStride)
}

func (r *registers) readPortsc(port int) portsc {
	return portsc(r.bus.Read32(r.portscOff(port)))
}

// writePortsc writes p verbatim. Callers build p with portsc.base() or
// one of the with*/ack* helpers built on it, so the only RW1C bits set in
// p are the ones meant to be cleared.
func (r *registers) writePortsc(port int, p portsc) {
	r.bus.Write32(r.portscOff(port), uint32(p))
}

func (r *registers) iman(intr int) uint32 {
	return r.bus.Read32(r.rt(rtInterrupters + uint32(intr)*rtInterrupterStride + irIMAN))
}

func (r *registers) ackInterruptPending(intr int) {
	off := r.rt(rtInterrupters + uint32(intr)*rtInterrupterStride + irIMAN)
	r.bus.Write32(off, 1<<imanIP)
}

func (r *registers) setERSTSZ(intr int, size uint32) {
	r.bus.Write32(r.rt(rtInterrupters+uint32(intr)*rtInterrupterStride+irERSTSZ), size)
}

func (r *registers) setERSTBA(intr int, addr uint64) {
	r.bus.Write64(r.rt(rtInterrupters+uint32(intr)*rtInterrupterStride+irERSTBA), addr)
}

func (r *registers) erdp(intr int) uint64 {
	return r.bus.Read64(r.rt(rtInterrupters + uint32(intr)*rtInterrupterStride + irERDP))
}

// setERDP publishes the dequeue pointer addr with the Event Handler Busy
// bit written as 1 (write-1-to-clear), as required after draining a burst
// of events.
func (r *registers) setERDP(intr int, addr uint64) {
	r.bus.Write64(r.rt(rtInterrupters+uint32(intr)*rtInterrupterStride+irERDP), addr|(1<<erdpEHB))
}

func (r *registers) ringDoorbell(slot int, value uint32) {
	r.bus.Write32(r.db(uint32(slot)*4), value)
}
