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

// trbSize is the fixed size, in bytes, of every Transfer Request Block.
const trbSize = 16

// TRB Types (xHCI 1.2 Table 6-91), the subset this driver produces or
// consumes.
const (
	trbNormal            = 1
	trbSetupStage        = 2
	trbDataStage         = 3
	trbStatusStage       = 4
	trbEventData         = 7
	trbLink              = 6
	trbEnableSlotCommand = 9
	trbAddressDeviceCommand = 11
	trbConfigureEndpointCommand = 12
	trbNoOpCommand       = 23
	trbTransferEvent     = 32
	trbCommandCompletionEvent = 33
	trbPortStatusChangeEvent  = 34
)

// TRB Control dword (dword3) bit positions common to all TRB types.
const (
	trbC    = 0
	trbENT  = 1
	trbISP  = 2
	trbCH   = 4
	trbIOC  = 5
	trbIDT  = 6
	trbType = 10
	trbTypeMask = 0x3f
)

// Completion codes (xHCI 1.2 Table 6-90), the subset this driver
// distinguishes; anything else is reported as CommandFailed/TransferFailed
// carrying the raw code.
const (
	ccInvalid      = 0
	ccSuccess      = 1
	ccShortPacket  = 13
)

// trb is one 16-byte Transfer Request Block, addressed dword-by-dword.
type trb [4]uint32

func (t *trb) cycle() bool {
	return bits.Get(&t[3], trbC)
}

func (t *trb) setCycle(c bool) {
	bits.SetTo(&t[3], trbC, c)
}

func (t *trb) trbType() uint32 {
	return bits.GetN(&t[3], trbType, trbTypeMask)
}

func (t *trb) setTRBType(v uint32) {
	bits.SetN(&t[3], trbType, trbTypeMask, v)
}

func (t *trb) parameter() uint64 {
	return uint64(t[0]) | uint64(t[1])<<32
}

func (t *trb) setParameter(v uint64) {
	t[0] = uint32(v)
	t[1] = uint32(v >> 32)
}

func (t *trb) status() uint32 {
	return t[2]
}

func (t *trb) completionCode() uint32 {
	return t[2] >> 24
}

func (t *trb) slotID() uint8 {
	return uint8(t[3] >> 24)
}

func (t *trb) marshal(buf []byte) {
	for i, dw := range t {
		binary.LittleEndian.PutUint32(buf[i*4:], dw)
	}
}

func unmarshalTRB(buf []byte) (t trb) {
	for i := range t {
		t[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return
}

// producerRing is a single-segment command or transfer ring: software is
// the producer, the controller the consumer. The last slot is reserved
// for a Link TRB that points back to the first slot and toggles the
// ring's cycle state, so a ring of n TRB slots holds n-1 usable entries.
type producerRing struct {
	phys  uint64
	buf   []byte
	slots int

	enqueue int
	cycle   bool
}

func newProducerRing(alloc Allocator, slots int) (*producerRing, error) {
	phys, buf, err := alloc.Alloc(slots*trbSize, 64, 65536)
	if err != nil {
		return nil, err
	}

	r := &producerRing{
		phys:  phys,
		buf:   buf,
		slots: slots,
		cycle: true,
	}

	link := trb{}
	link.setParameter(phys)
	link.setTRBType(trbLink)
	bits.Set(&link[3], trbENT)
	link.marshal(r.buf[(slots-1)*trbSize:])

	return r, nil
}

func (r *producerRing) dequeuePointer() uint64 {
	return r.phys
}

// enqueueTRB writes t at the current producer position with the cycle
// bit set last, so the controller never observes a partially written
// TRB as valid, then advances past any Link TRB.
func (r *producerRing) enqueueTRB(t trb) (slotPhys uint64) {
	slotPhys = r.phys + uint64(r.enqueue*trbSize)

	t.setCycle(r.cycle)
	t.marshal(r.buf[r.enqueue*trbSize:])

	r.enqueue++

	if r.enqueue == r.slots-1 {
		link := unmarshalTRB(r.buf[(r.slots-1)*trbSize:])
		link.setCycle(r.cycle)
		link.marshal(r.buf[(r.slots-1)*trbSize:])

		r.enqueue = 0
		r.cycle = !r.cycle
	}

	return slotPhys
}

// eventRing is the single-segment, single-interrupter consumer ring used
// to reap Command Completion, Transfer, and Port Status Change events.
type eventRing struct {
	phys  uint64
	buf   []byte
	slots int

	erstPhys uint64
	erstBuf  []byte

	dequeue int
	ccs     bool
}

func newEventRing(alloc Allocator, slots int) (*eventRing, error) {
	phys, buf, err := alloc.Alloc(slots*trbSize, 64, 65536)
	if err != nil {
		return nil, err
	}

	erstPhys, erstBuf, err := alloc.Alloc(16, 64, 4096)
	if err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint64(erstBuf[0:], phys)
	binary.LittleEndian.PutUint32(erstBuf[8:], uint32(slots))

	return &eventRing{
		phys:     phys,
		buf:      buf,
		slots:    slots,
		erstPhys: erstPhys,
		erstBuf:  erstBuf,
		ccs:      true,
	}, nil
}

// dequeueAll drains every event currently owned by software (cycle bit
// matches ccs), invoking fn for each, and returns the dequeue pointer to
// publish to ERDP.
func (e *eventRing) dequeueAll(fn func(t trb)) (erdp uint64) {
	for {
		t := unmarshalTRB(e.buf[e.dequeue*trbSize:])

		if t.cycle() != e.ccs {
			break
		}

		fn(t)

		e.dequeue++

		if e.dequeue == e.slots {
			e.dequeue = 0
			e.ccs = !e.ccs
		}
	}

	return e.phys + uint64(e.dequeue*trbSize)
}
