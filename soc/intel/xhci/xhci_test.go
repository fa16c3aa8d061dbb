// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "testing"

func TestNewRegistersParsesCapabilities(t *testing.T) {
	bus := newFakeBus()
	seedCapabilities(bus)

	r := newRegisters(bus)

	if r.capLen != testCapLength {
		t.Errorf("capLen = %d, want %d", r.capLen, testCapLength)
	}
	if r.maxSlots != testMaxSlots {
		t.Errorf("maxSlots = %d, want %d", r.maxSlots, testMaxSlots)
	}
	if r.maxIntrs != testMaxIntrs {
		t.Errorf("maxIntrs = %d, want %d", r.maxIntrs, testMaxIntrs)
	}
	if r.maxPorts != testMaxPorts {
		t.Errorf("maxPorts = %d, want %d", r.maxPorts, testMaxPorts)
	}
	if r.dbBase != testDBOFF {
		t.Errorf("dbBase = %#x, want %#x", r.dbBase, uint32(testDBOFF))
	}
	if r.rtBase != testRTSOFF {
		t.Errorf("rtBase = %#x, want %#x", r.rtBase, uint32(testRTSOFF))
	}
	if r.maxScratch != 0 {
		t.Errorf("maxScratch = %d, want 0", r.maxScratch)
	}
	if r.csz {
		t.Error("csz = true, want false (HCCPARAMS1 seeded with CSZ clear)")
	}
}

// TestResetBringsUpRingsAndDCBAA exercises a cold reset against the fake
// controller: HCRST must self-clear (per the fake's hardware model), CNR
// must read clear, and Reset must come back having installed the command
// ring, event ring, and DCBAA.
func TestResetBringsUpRingsAndDCBAA(t *testing.T) {
	env := newTestEnv()

	if err := env.reset(); err != nil {
		t.Fatal(err)
	}

	if env.ctrl.commands == nil {
		t.Fatal("command ring not allocated after Reset")
	}
	if env.ctrl.events == nil {
		t.Fatal("event ring not allocated after Reset")
	}
	if env.ctrl.dca == nil {
		t.Fatal("device context array not allocated after Reset")
	}

	if got := env.ctrl.regs.dcbaap(); got != env.ctrl.dca.dcbaaPhys {
		t.Errorf("DCBAAP = %#x, want %#x", got, env.ctrl.dca.dcbaaPhys)
	}

	wantCRCR := (env.ctrl.commands.dequeuePointer() &^ 0x3f) | 1
	if got := env.ctrl.regs.crcr(); got != wantCRCR {
		t.Errorf("CRCR = %#x, want %#x", got, wantCRCR)
	}

	if len(env.ctrl.protocols) != testMaxPorts {
		t.Errorf("len(protocols) = %d, want %d", len(env.ctrl.protocols), testMaxPorts)
	}
}

// TestResetFailsWhenOperationalRegistersSurviveReset verifies the §4.6
// post-reset invariant: if USBCMD, DNCTRL, CRCR, DCBAAP, or CONFIG reads
// non-zero right after HCRST/CNR clear, Reset must fail with ResetFailed
// rather than proceed to install rings over stale state.
func TestResetFailsWhenOperationalRegistersSurviveReset(t *testing.T) {
	env := newTestEnv()

	// Simulate a controller whose CONFIG register didn't clear on HCRST.
	env.bus.mem[env.opOff(opCONFIG)] = 0xff

	err := env.reset()
	if err == nil {
		t.Fatal("expected an error when an operational register survives reset")
	}

	xerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error %v is not *Error", err)
	}
	if xerr.Kind != ResetFailed {
		t.Errorf("Kind = %v, want ResetFailed", xerr.Kind)
	}
}

// TestStartClearsHCHalted verifies that Start asserts Run/Stop and returns
// once the fake hardware reports HCHalted clear.
func TestStartClearsHCHalted(t *testing.T) {
	env := newTestEnv()

	if err := env.reset(); err != nil {
		t.Fatal(err)
	}
	if err := env.start(); err != nil {
		t.Fatal(err)
	}

	sts := env.ctrl.regs.usbsts()
	if sts&(1<<usbstsHCH) != 0 {
		t.Errorf("USBSTS.HCH still set after Start, sts=%#x", sts)
	}

	cmd := env.ctrl.regs.usbcmd()
	if cmd&(1<<usbcmdRS) == 0 {
		t.Errorf("USBCMD.RS not set after Start, cmd=%#x", cmd)
	}
}

func TestStopHalts(t *testing.T) {
	env := newTestEnv()

	if err := env.reset(); err != nil {
		t.Fatal(err)
	}
	if err := env.start(); err != nil {
		t.Fatal(err)
	}
	if err := env.ctrl.Stop(); err != nil {
		t.Fatal(err)
	}

	sts := env.ctrl.regs.usbsts()
	if sts&(1<<usbstsHCH) == 0 {
		t.Error("USBSTS.HCH not set after Stop")
	}
}
