// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "time"

// portsc is a typed view over a single PORTSC register value.
//
// PED and the change bits (CSC, PEC, WRC, OCC, PRC, PLC, CEC) are
// write-1-to-clear: a read-modify-write that carries the last readback
// verbatim would silently disable the port (PED) or swallow an unrelated
// pending change. Every write path in this file goes through base(), which
// strips those bits, before OR-ing in the one bit the caller actually means
// to set.
type portsc uint32

const (
	portsccCCS = 0
	portsccPED = 1
	portsccOCA = 3
	portsccPR  = 4
	portsccPLS = 5
	portsccPLSMask = 0xf
	portsccPP  = 9
	portsccSpeed = 10
	portsccSpeedMask = 0xf
	portsccPIC = 14
	portsccPICMask = 0x3
	portsccLWS = 16
	portsccCSC = 17
	portsccPEC = 18
	portsccWRC = 19
	portsccOCC = 20
	portsccPRC = 21
	portsccPLC = 22
	portsccCEC = 23
	portsccCAS = 24
	portsccWCE = 25
	portsccWDE = 26
	portsccWOE = 27
	portsccDR  = 30
	portsccWPR = 31
)

// portscRW1C is the mask of bits that must never be carried through a
// read-modify-write unless the intent is to assert them.
const portscRW1C = (1 << portsccPED) | (1 << portsccCSC) | (1 << portsccPEC) |
	(1 << portsccWRC) | (1 << portsccOCC) | (1 << portsccPRC) | (1 << portsccPLC) |
	(1 << portsccCEC)

// base returns p with all write-1-to-clear bits stripped, safe as the
// starting point for a write that asserts exactly one additional bit.
func (p portsc) base() portsc {
	return p &^ portscRW1C
}

func (p portsc) ccs() bool { return p&(1<<portsccCCS) != 0 }
func (p portsc) ped() bool { return p&(1<<portsccPED) != 0 }
func (p portsc) pr() bool  { return p&(1<<portsccPR) != 0 }
func (p portsc) pp() bool  { return p&(1<<portsccPP) != 0 }
func (p portsc) csc() bool { return p&(1<<portsccCSC) != 0 }
func (p portsc) prc() bool { return p&(1<<portsccPRC) != 0 }
func (p portsc) wrc() bool { return p&(1<<portsccWRC) != 0 }

func (p portsc) speed() uint32 {
	return (uint32(p) >> portsccSpeed) & portsccSpeedMask
}

// withPR returns a write value that requests a standard (USB2) port reset.
func (p portsc) withPR() portsc {
	return p.base() | (1 << portsccPR)
}

// withWPR returns a write value that requests a warm reset (USB3 only).
func (p portsc) withWPR() portsc {
	return p.base() | (1 << portsccWPR)
}

// withPP returns a write value that asserts port power.
func (p portsc) withPP() portsc {
	return p.base() | (1 << portsccPP)
}

// portscChange is the subset of portscRW1C that are change bits: every
// RW1C bit except PED, which a 1 write would disable.
const portscChange = portscRW1C &^ (1 << portsccPED)

// ackChanges returns a write value that clears exactly the change bits
// currently set in p, leaving every other bit untouched.
func (p portsc) ackChanges() portsc {
	return p.base() | (p & portscChange)
}

// ackCSC returns a write value that clears CSC alone, leaving PP and any
// other pending change bit untouched.
func (p portsc) ackCSC() portsc {
	return p.base() | (1 << portsccCSC)
}

// protocol identifies which root hub protocol revision a given port
// belongs to, as discovered from the Supported Protocol Capability
// (see xecp.go); it controls which reset primitive applies.
type protocol int

const (
	protocolUnknown protocol = iota
	protocolUSB2
	protocolUSB3
)

// portResetBudget is the maximum time a root port is polled for its reset
// sequence to complete before PortResetFailed is returned.
const portResetBudget = 100 * time.Millisecond

// portResetStep is the polling granularity used while waiting on PRC/WRC.
const portResetStep = 1 * time.Millisecond

// portPowerSettle is how long PP is given to take effect before PORTSC is
// re-read and checked.
const portPowerSettle = 20 * time.Millisecond

// portResetSettle is how long a detected PRC/WRC is given to settle before
// PED is checked.
const portResetSettle = 3 * time.Millisecond

// resetPort drives the reset state machine for root port index (0-based)
// of the given protocol, returning once the port reports Enabled or the
// reset budget is exhausted.
func (c *Controller) resetPort(index int, p protocol) error {
	portNum := index + 1

	cur := c.regs.readPortsc(index)

	if !cur.pp() {
		c.regs.writePortsc(index, cur.withPP())
		cur = c.pollPortscStable(index)

		if !cur.pp() {
			return &Error{Kind: PortResetFailed, Op: "reset port", Code: uint32(cur)}
		}
	}

	c.regs.writePortsc(index, cur.ackCSC())

	switch p {
	case protocolUSB3:
		c.regs.writePortsc(index, cur.withWPR())
	default:
		c.regs.writePortsc(index, cur.withPR())
	}

	deadline := time.Now().Add(portResetBudget)

	for time.Now().Before(deadline) {
		cur = c.regs.readPortsc(index)

		if cur.prc() || cur.wrc() {
			time.Sleep(portResetSettle)
			cur = c.regs.readPortsc(index)

			if cur.ped() {
				c.regs.writePortsc(index, cur.ackChanges())
				c.logf("port %d: reset complete, speed=%d", portNum, cur.speed())
				return nil
			}
		}

		time.Sleep(portResetStep)
	}

	return &Error{Kind: PortResetFailed, Op: "reset port", Code: uint32(cur)}
}

// pollPortscStable waits for PP to take effect after a power toggle and
// returns the latest readback.
func (c *Controller) pollPortscStable(index int) portsc {
	time.Sleep(portPowerSettle)
	return c.regs.readPortsc(index)
}

// resetAllPorts resets every root port named in protocols, in ascending
// port order, tolerating individual port failures (an empty or
// unpopulated port is expected to fail its reset and is simply skipped).
func (c *Controller) resetAllPorts(protocols []protocol) {
	for i, p := range protocols {
		if p == protocolUnknown {
			continue
		}

		cur := c.regs.readPortsc(i)

		if !cur.ccs() {
			continue
		}

		if err := c.resetPort(i, p); err != nil {
			c.logf("port %d: %v", i+1, err)
		}
	}
}
