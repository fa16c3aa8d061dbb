// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "time"

// commandTimeout bounds how long sendCommand waits for a Command
// Completion Event before giving up.
const commandTimeout = 500 * time.Millisecond

// eventPollStep is the spin interval used while waiting for an event, in
// the absence of an interrupt-driven wakeup.
const eventPollStep = 100 * time.Microsecond

// ringCommandDoorbell rings doorbell 0, the host controller command
// doorbell; the target/stream ID fields are reserved for this doorbell
// and always written zero.
func (c *Controller) ringCommandDoorbell() {
	c.regs.ringDoorbell(0, 0)
}

// ringEndpointDoorbell rings the doorbell for device context index dci of
// the device in slotID, requesting the controller service its transfer
// ring.
func (c *Controller) ringEndpointDoorbell(slotID int, dci int) {
	c.regs.ringDoorbell(slotID, uint32(dci))
}

// pollEvents drains any events currently posted to the event ring,
// publishing the new dequeue pointer and invoking fn for each, then
// acknowledges the interrupt pending bits so a later event is reliably
// observed by the next poll.
func (c *Controller) pollEvents(fn func(trb)) {
	erdp := c.events.dequeueAll(fn)
	c.regs.setERDP(0, erdp)
	c.regs.ackInterruptPending(0)
	c.regs.setUSBSTSClearing(1 << usbstsEINT)
}

// waitForEvent polls the event ring until match returns true for some
// event, or timeout elapses. Every event observed while waiting,
// including ones match rejects, is dispatched to fn if non-nil, so
// callers can process unrelated events (e.g. Port Status Change) that
// arrive interleaved with the one being awaited.
func (c *Controller) waitForEvent(timeout time.Duration, match func(trb) bool, fn func(trb)) (trb, error) {
	deadline := time.Now().Add(timeout)

	var found trb
	var ok bool

	for time.Now().Before(deadline) {
		c.pollEvents(func(t trb) {
			if ok {
				if fn != nil {
					fn(t)
				}
				return
			}

			if match(t) {
				found = t
				ok = true
				return
			}

			if fn != nil {
				fn(t)
			}
		})

		if ok {
			return found, nil
		}

		time.Sleep(eventPollStep)
	}

	return trb{}, &Error{Kind: Timeout, Op: "wait for event"}
}

// sendCommand enqueues t on the command ring, rings the command doorbell,
// and waits for the matching Command Completion Event (identified by its
// Command TRB Pointer), returning CommandFailed if the completion code is
// not Success.
func (c *Controller) sendCommand(t trb) (trb, error) {
	slotPhys := c.commands.enqueueTRB(t)
	c.ringCommandDoorbell()

	evt, err := c.waitForEvent(commandTimeout, func(e trb) bool {
		return e.trbType() == trbCommandCompletionEvent && e.parameter() == slotPhys
	}, c.handleUnsolicitedEvent)

	if err != nil {
		return trb{}, err
	}

	if cc := evt.completionCode(); cc != ccSuccess {
		return evt, &Error{Kind: CommandFailed, Op: "send command", Code: cc}
	}

	return evt, nil
}

// handleUnsolicitedEvent processes events observed while waiting on
// something else; today this is limited to logging Port Status Change
// Events, since port state is otherwise polled directly by port.go.
func (c *Controller) handleUnsolicitedEvent(t trb) {
	if t.trbType() == trbPortStatusChangeEvent {
		c.logf("unsolicited port status change event, port=%d", uint32(t.parameter()>>24))
	}
}
