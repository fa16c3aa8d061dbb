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
	"time"
)

// fakeAllocator is a bump allocator over a flat byte slice, standing in for
// dma.Region in tests; it honors the same (size, align, boundary) contract
// as regionAllocator without pulling in real DMA machinery.
type fakeAllocator struct {
	base uint64
	mem  []byte
	next uint64
}

func newFakeAllocator(size int) *fakeAllocator {
	return &fakeAllocator{base: 0x1000, mem: make([]byte, size)}
}

func (a *fakeAllocator) Alloc(size int, align int, boundary int) (uint64, []byte, error) {
	if align == 0 {
		align = 4
	}

	off := a.next
	if r := off % uint64(align); r != 0 {
		off += uint64(align) - r
	}

	if boundary > 0 {
		start := a.base + off
		end := start + uint64(size) - 1

		if start/uint64(boundary) != end/uint64(boundary) {
			b := uint64(boundary)
			off = (((start / b) + 1) * b) - a.base
		}
	}

	if off+uint64(size) > uint64(len(a.mem)) {
		return 0, nil, fmt.Errorf("fake allocator exhausted")
	}

	a.next = off + uint64(size)
	phys := a.base + off

	return phys, a.mem[off : off+uint64(size)], nil
}

func (a *fakeAllocator) at(phys uint64, n int) []byte {
	off := phys - a.base
	return a.mem[off : off+uint64(n)]
}

// fakeBus is a map-backed register bank standing in for real MMIO, with a
// hook invoked after every 32-bit write so tests can model the controller
// side of register protocols (HCRST self-clear, Run/Stop, doorbells).
type fakeBus struct {
	mem     map[uint32]uint32
	onWrite func(off uint32, val uint32)
	// prev holds the value the most recent Write32 replaced, so onWrite
	// can model registers whose new value depends on the old one.
	prev uint32
}

func newFakeBus() *fakeBus {
	return &fakeBus{mem: make(map[uint32]uint32)}
}

func (b *fakeBus) Read32(off uint32) uint32 { return b.mem[off] }

func (b *fakeBus) Write32(off uint32, val uint32) {
	b.prev = b.mem[off]
	b.mem[off] = val
	if b.onWrite != nil {
		b.onWrite(off, val)
	}
}

func (b *fakeBus) Read64(off uint32) uint64 {
	return uint64(b.mem[off]) | uint64(b.mem[off+4])<<32
}

func (b *fakeBus) Write64(off uint32, val uint64) {
	b.mem[off] = uint32(val)
	b.mem[off+4] = uint32(val >> 32)
}

// Fixed capability layout used by every test in this package: capLength
// 0x20 bytes, doorbells at 0x2000, runtime registers at 0x1000, 8 slots, 1
// interrupter, 2 root ports, no extended capabilities, no scratchpad
// buffers, 32-byte (CSZ=0) contexts.
const (
	testCapLength  = 0x20
	testDBOFF      = 0x2000
	testRTSOFF     = 0x1000
	testMaxSlots   = 8
	testMaxIntrs   = 1
	testMaxPorts   = 2
)

func seedCapabilities(b *fakeBus) {
	b.mem[capLength] = testCapLength
	b.mem[capHCSPARAMS1] = testMaxSlots | (testMaxIntrs << hcsp1MaxIntrs) | (testMaxPorts << hcsp1MaxPorts)
	b.mem[capHCSPARAMS2] = 0
	b.mem[capHCSPARAMS3] = 0
	b.mem[capHCCPARAMS1] = 0
	b.mem[capDBOFF] = testDBOFF
	b.mem[capRTSOFF] = testRTSOFF
}

// testEnv wires a Controller to a fakeBus/fakeAllocator pair that models
// just enough hardware behavior (HCRST self-clear, Run/Stop, command and
// transfer doorbell processing) to drive Reset/Start/EnableSlot/SetupDevice
// without real MMIO or real timing.
type testEnv struct {
	ctrl  *Controller
	bus   *fakeBus
	alloc *fakeAllocator

	nextSlot uint8
	// descriptor is returned verbatim (truncated to the requested length)
	// by every GET_DESCRIPTOR(DEVICE) control transfer.
	descriptor []byte
	// commandCompletionCode is the completion code posted for every
	// Command Completion Event; tests override it to exercise
	// CommandFailed.
	commandCompletionCode uint32

	addressDeviceCalls int
}

func newTestEnv() *testEnv {
	env := &testEnv{
		bus:                   newFakeBus(),
		alloc:                 newFakeAllocator(1 << 20),
		descriptor:            fullDeviceDescriptor(64),
		commandCompletionCode: ccSuccess,
	}

	seedCapabilities(env.bus)

	env.bus.onWrite = func(off uint32, val uint32) {
		env.handleWrite(off, val)
	}

	ctrl := &Controller{
		cfg: Config{
			Sleep: func(time.Duration) {},
			Log:   func(string, ...any) {},
		},
		bus:   env.bus,
		alloc: env.alloc,
		slots: make(map[int]*slotState),
	}
	ctrl.regs = newRegisters(env.bus)
	env.ctrl = ctrl

	return env
}

func (env *testEnv) opOff(off uint32) uint32 { return testCapLength + off }

func (env *testEnv) portscOff(port int) uint32 {
	return env.opOff(opPortBase + uint32(port)*opPortStride)
}

func (env *testEnv) handleWrite(off uint32, val uint32) {
	if off == env.opOff(opUSBCMD) {
		if val&(1<<usbcmdHCRST) != 0 {
			env.bus.mem[env.opOff(opUSBCMD)] = val &^ (1 << usbcmdHCRST)
		}

		sts := env.bus.mem[env.opOff(opUSBSTS)]

		if val&(1<<usbcmdRS) != 0 {
			env.bus.mem[env.opOff(opUSBSTS)] = sts &^ (1 << usbstsHCH)
		} else {
			env.bus.mem[env.opOff(opUSBSTS)] = sts | (1 << usbstsHCH)
		}

		return
	}

	if off == testDBOFF {
		env.handleCommandDoorbell()
		return
	}

	if off > testDBOFF && (off-testDBOFF)%4 == 0 {
		slotID := int((off - testDBOFF) / 4)
		env.handleTransferDoorbell(slotID)
		return
	}

	portBase := env.opOff(opPortBase)
	if off >= portBase && (off-portBase)%opPortStride == 0 {
		port := int((off - portBase) / opPortStride)
		env.handlePortscWrite(port, val)
	}
}

// handlePortscWrite models the RW1C-plus-pulse semantics of a real PORTSC
// register: bits set in val clear the matching change bits, every other
// bit passes through verbatim, and asserting PR or WPR immediately
// resolves to a completed reset (PED set, PRC or WRC asserted), since this
// harness has no real link training to wait on.
func (env *testEnv) handlePortscWrite(port int, val uint32) {
	off := env.portscOff(port)
	cur := env.bus.prev

	next := cur &^ (val & portscRW1C)
	keep := ^uint32(portscRW1C)
	next = (next &^ keep) | (val & keep)

	if val&(1<<portsccPR) != 0 {
		next |= (1 << portsccPED) | (1 << portsccPRC)
		next &^= 1 << portsccPR
	}

	if val&(1<<portsccWPR) != 0 {
		next |= (1 << portsccPED) | (1 << portsccWRC)
		next &^= 1 << portsccWPR
	}

	env.bus.mem[off] = next
}

// setPortConnected seeds a root port's PORTSC as if a device of the given
// speed were attached (CCS set, PP left for resetPort to assert).
func (env *testEnv) setPortConnected(port int, speed uint32) {
	off := env.portscOff(port)
	env.bus.mem[off] = (1 << portsccCCS) | (speed&portsccSpeedMask)<<portsccSpeed
}

// handleCommandDoorbell inspects the most recently enqueued command TRB and
// posts a matching Command Completion Event, playing the role of hardware
// processing the command ring.
func (env *testEnv) handleCommandDoorbell() {
	c := env.ctrl
	idx := (c.commands.enqueue - 1 + c.commands.slots) % c.commands.slots
	cmdPhys := c.commands.phys + uint64(idx*trbSize)
	cmd := unmarshalTRB(c.commands.buf[idx*trbSize:])

	var slotID uint8

	switch cmd.trbType() {
	case trbEnableSlotCommand:
		env.nextSlot++
		slotID = env.nextSlot
	case trbAddressDeviceCommand:
		env.addressDeviceCalls++
		slotID = cmd.slotID()
	}

	env.postCommandCompletion(cmdPhys, slotID, env.commandCompletionCode)
}

// handleTransferDoorbell inspects the most recently enqueued Setup/Data/
// Event Data TRBs of the given slot's control endpoint, writes the
// configured descriptor into the Data Stage buffer, and posts a Transfer
// Event referencing the Event Data TRB's event-data pointer (its
// Parameter field, which is a status-sink address, not the TRB's own
// ring location).
func (env *testEnv) handleTransferDoorbell(slotID int) {
	c := env.ctrl
	st := c.slots[slotID]
	if st == nil {
		return
	}

	xfer := st.xfer
	eventDataIdx := (xfer.enqueue - 1 + xfer.slots) % xfer.slots
	dataIdx := (xfer.enqueue - 2 + xfer.slots) % xfer.slots

	eventData := unmarshalTRB(xfer.buf[eventDataIdx*trbSize:])
	data := unmarshalTRB(xfer.buf[dataIdx*trbSize:])

	length := int(data[2])
	dataPhys := data.parameter()

	buf := env.alloc.at(dataPhys, length)
	n := copy(buf, env.descriptor)
	for ; n < length; n++ {
		buf[n] = 0
	}

	env.postTransferCompletion(eventData.parameter(), ccSuccess)
}

func (env *testEnv) postCommandCompletion(cmdPhys uint64, slotID uint8, code uint32) {
	evt := trb{}
	evt.setParameter(cmdPhys)
	evt[2] = code << 24
	evt.setTRBType(trbCommandCompletionEvent)
	evt[3] |= uint32(slotID) << 24
	env.postEvent(evt)
}

func (env *testEnv) postTransferCompletion(trbPhys uint64, code uint32) {
	evt := trb{}
	evt.setParameter(trbPhys)
	evt[2] = code << 24
	evt.setTRBType(trbTransferEvent)
	env.postEvent(evt)
}

// postEvent writes evt at the event ring's current producer/consumer
// position: valid because this harness never has more than one event
// outstanding at a time (every test drains via waitForEvent before issuing
// the next command or transfer).
func (env *testEnv) postEvent(evt trb) {
	e := env.ctrl.events
	evt.setCycle(e.ccs)
	evt.marshal(e.buf[e.dequeue*trbSize:])
}

// reset drives the Controller through Reset() against the fake hardware.
func (env *testEnv) reset() error {
	return env.ctrl.Reset()
}

// start drives the Controller through Start() against the fake hardware.
func (env *testEnv) start() error {
	return env.ctrl.Start()
}

// fullDeviceDescriptor builds a canned 18-byte USB standard device
// descriptor reporting the given bMaxPacketSize0.
func fullDeviceDescriptor(maxPacketSize0 uint8) []byte {
	return []byte{
		18, 1, // bLength, bDescriptorType
		0x00, 0x02, // bcdUSB 2.00
		0, 0, 0, // class, subclass, protocol
		maxPacketSize0,
		0x34, 0x12, // idVendor
		0x78, 0x56, // idProduct
		0x01, 0x00, // bcdDevice
		0, 0, 0, // string indices
		1, // bNumConfigurations
	}
}
