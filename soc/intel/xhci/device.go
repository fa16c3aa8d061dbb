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
)

// USB standard request codes and descriptor types (USB 2.0 Chapter 9),
// limited to what GET_DESCRIPTOR(DEVICE) needs.
const (
	reqGetDescriptor  = 6
	descTypeDevice    = 1
)

const transferRingSlots = 16

// Port Speed ID values (xHCI 1.2 Table 7-13, default mapping used when no
// Supported Protocol Capability PSI dwords override it).
const (
	speedFull  = 1
	speedLow   = 2
	speedHigh  = 3
	speedSuper = 4
)

// ep0MaxPacketSize returns the EP0 max packet size the Input Context must
// carry for a device's first Address Device command, derived from the
// port speed reported in PORTSC: Low=8, Full/High=64, SuperSpeed and
// above=512 (USB 2.0/3.2 Chapter 9 bMaxPacketSize0 conventions).
func ep0MaxPacketSize(speed uint32) uint16 {
	switch speed {
	case speedLow:
		return 8
	case speedFull, speedHigh:
		return 64
	default:
		return 512
	}
}

// DeviceDescriptor is the subset of the USB standard Device Descriptor
// this core fetches. Fields past bMaxPacketSize0 are zero unless a full
// 18-byte fetch was performed (see Config.FetchFullDescriptor).
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USB               uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	Device            uint16
	NumConfigurations uint8

	// Full is true once the 18-byte descriptor has been retrieved; when
	// false only the fields through MaxPacketSize0 are populated.
	Full bool
}

func parseDeviceDescriptor(buf []byte) DeviceDescriptor {
	d := DeviceDescriptor{
		Length:         buf[0],
		DescriptorType: buf[1],
		USB:            binary.LittleEndian.Uint16(buf[2:]),
		DeviceClass:    buf[4],
		DeviceSubClass: buf[5],
		DeviceProtocol: buf[6],
		MaxPacketSize0: buf[7],
	}

	if len(buf) >= 18 {
		d.VendorID = binary.LittleEndian.Uint16(buf[8:])
		d.ProductID = binary.LittleEndian.Uint16(buf[10:])
		d.Device = binary.LittleEndian.Uint16(buf[12:])
		d.NumConfigurations = buf[17]
		d.Full = true
	}

	return d
}

// EnableSlot issues an Enable Slot Command and returns the slot ID the
// controller assigns.
func (c *Controller) EnableSlot() (int, error) {
	t := trb{}
	t.setTRBType(trbEnableSlotCommand)

	evt, err := c.sendCommand(t)
	if err != nil {
		return 0, err
	}

	slotID := int(evt.slotID())

	if slotID == 0 {
		return 0, &Error{Kind: NoSlotsAvailable, Op: "enable slot"}
	}

	return slotID, nil
}

// addressDevice issues an Address Device Command for slotID using the
// given Input Context, with the Block Set Address Request bit always
// left clear: this core always requests the controller assign and
// validate the USB address in the same command, never a BSR=1
// context-only step.
func (c *Controller) addressDevice(slotID int, inputCtxPhys uint64) (trb, error) {
	t := trb{}
	t.setParameter(inputCtxPhys &^ 0xf)
	t.setTRBType(trbAddressDeviceCommand)
	t[3] |= uint32(slotID) << 24

	return c.sendCommand(t)
}

// buildInputContext fills the Input Control Context, Slot Context, and
// EP0 Endpoint Context for a fresh Address Device command.
func (c *Controller) buildInputContext(buf []byte, portNum int, speed uint32, maxPacketSize uint16, ep0TR uint64) {
	stride := entrySize(c.regs.csz)

	icc := &inputControlContext{}
	icc.setAdd(0)
	icc.setAdd(1)
	var iccWords ctxWords = icc.ctxWords
	iccWords.marshal(buf[0:], c.regs.csz)

	sc := newSlotContext(0, speed, portNum, 1)
	var scWords ctxWords = sc.ctxWords
	scWords.marshal(buf[stride:], c.regs.csz)

	ec := newEndpointContext(EndpointTypeControl, maxPacketSize, 3, ep0TR, true)
	var ecWords ctxWords = ec.ctxWords
	ecWords.marshal(buf[stride*2:], c.regs.csz)
}

// SetupDevice drives a just-reset root port through Enable Slot, Address
// Device, and an initial control transfer that retrieves the device
// descriptor, per the xHCI enumeration sequence. portIndex identifies the
// root port (0-based); its protocol is whatever walkSupportedProtocols
// discovered at Reset time, not a caller-supplied value, since a port's
// protocol is a property of the hardware, not the call site.
func (c *Controller) SetupDevice(portIndex int) (*DeviceDescriptor, error) {
	portsc := c.regs.readPortsc(portIndex)
	speed := portsc.speed()

	slotID, err := c.EnableSlot()
	if err != nil {
		return nil, err
	}

	xfer, err := newProducerRing(c.alloc, transferRingSlots)
	if err != nil {
		return nil, err
	}

	stride := entrySize(c.regs.csz)
	inputPhys, inputBuf, err := c.alloc.Alloc(stride*3, 64, 4096)
	if err != nil {
		return nil, err
	}

	initialMaxPacketSize := ep0MaxPacketSize(speed)

	c.buildInputContext(inputBuf, portIndex+1, speed, initialMaxPacketSize, xfer.dequeuePointer())

	if _, err := c.addressDevice(slotID, inputPhys); err != nil {
		return nil, err
	}

	outputPhys, outputBuf, err := c.alloc.Alloc(stride*2, 64, 4096)
	if err != nil {
		return nil, err
	}
	c.dca.setSlot(slotID, outputPhys)
	_ = outputBuf

	st := &slotState{
		portNum:       portIndex + 1,
		speed:         speed,
		maxPacketSize: initialMaxPacketSize,
		xfer:          xfer,
		inputPhys:     inputPhys,
		inputBuf:      inputBuf,
	}
	c.slots[slotID] = st

	desc, err := c.getDeviceDescriptor(slotID, st, 8)
	if err != nil {
		return nil, err
	}

	if c.cfg.fetchFull() && uint16(desc.MaxPacketSize0) != st.maxPacketSize {
		st.maxPacketSize = uint16(desc.MaxPacketSize0)

		c.buildInputContext(inputBuf, st.portNum, st.speed, st.maxPacketSize, xfer.dequeuePointer())

		if _, err := c.addressDevice(slotID, inputPhys); err != nil {
			return nil, err
		}

		full, err := c.getDeviceDescriptor(slotID, st, 18)
		if err != nil {
			return nil, err
		}

		desc = full
	}

	return &desc, nil
}

// getDeviceDescriptor performs a single GET_DESCRIPTOR(DEVICE) control
// transfer of length bytes on the control endpoint of slotID.
func (c *Controller) getDeviceDescriptor(slotID int, st *slotState, length int) (DeviceDescriptor, error) {
	dataPhys, dataBuf, err := c.alloc.Alloc(length, 8, 4096)
	if err != nil {
		return DeviceDescriptor{}, err
	}

	setup := trb{}
	setup[0] = uint32(0x80) | uint32(reqGetDescriptor)<<8 | uint32(descTypeDevice)<<24
	setup[1] = uint32(length) << 16
	setup[2] = uint32(8)
	setup.setTRBType(trbSetupStage)
	setup[3] |= 1 << trbIDT
	setup[3] |= 3 << 16 // TRT: IN Data Stage

	data := trb{}
	data.setParameter(dataPhys)
	data[2] = uint32(length)
	data.setTRBType(trbDataStage)
	data[3] |= 1 << 16 // DIR: IN
	data[3] |= 1 << trbENT
	data[3] |= 1 << trbCH

	statusPhys, _, err := c.alloc.Alloc(8, 8, 4096)
	if err != nil {
		return DeviceDescriptor{}, err
	}

	eventData := trb{}
	eventData.setParameter(statusPhys)
	eventData.setTRBType(trbEventData)
	eventData[3] |= 1 << trbIOC

	dci := dcbaaIndex(0, false)

	st.xfer.enqueueTRB(setup)
	st.xfer.enqueueTRB(data)
	st.xfer.enqueueTRB(eventData)

	c.ringEndpointDoorbell(slotID, dci)

	evt, err := c.waitForEvent(commandTimeout, func(e trb) bool {
		return e.trbType() == trbTransferEvent && e.parameter() == statusPhys
	}, c.handleUnsolicitedEvent)

	if err != nil {
		return DeviceDescriptor{}, err
	}

	if cc := evt.completionCode(); cc != ccSuccess {
		return DeviceDescriptor{}, &Error{Kind: TransferFailed, Op: "get descriptor", Code: cc}
	}

	return parseDeviceDescriptor(dataBuf), nil
}
