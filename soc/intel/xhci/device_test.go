// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "testing"

func mustBringUp(t *testing.T, env *testEnv) {
	t.Helper()

	if err := env.reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := env.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestEnableSlotAssignsSlotID(t *testing.T) {
	env := newTestEnv()
	mustBringUp(t, env)

	slotID, err := env.ctrl.EnableSlot()
	if err != nil {
		t.Fatal(err)
	}
	if slotID != 1 {
		t.Errorf("slotID = %d, want 1", slotID)
	}

	slotID, err = env.ctrl.EnableSlot()
	if err != nil {
		t.Fatal(err)
	}
	if slotID != 2 {
		t.Errorf("second EnableSlot slotID = %d, want 2", slotID)
	}
}

func TestSendCommandReportsFailure(t *testing.T) {
	env := newTestEnv()
	mustBringUp(t, env)

	env.commandCompletionCode = 5 // arbitrary non-Success completion code

	_, err := env.ctrl.EnableSlot()
	if err == nil {
		t.Fatal("expected error from a command completion reporting a non-Success code")
	}

	xerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error %v is not *Error", err)
	}
	if xerr.Kind != CommandFailed {
		t.Errorf("Kind = %v, want CommandFailed", xerr.Kind)
	}
}

// TestSetupDeviceSinglePhase covers the case where the device reports the
// same bMaxPacketSize0 this core derives from the port speed (High speed
// here, hence 64), so only the initial 8-byte GET_DESCRIPTOR is needed.
func TestSetupDeviceSinglePhase(t *testing.T) {
	const wantMaxPacketSize0 = 64

	env := newTestEnv()
	env.descriptor = fullDeviceDescriptor(wantMaxPacketSize0)
	env.setPortConnected(0, speedHigh)
	mustBringUp(t, env)

	desc, err := env.ctrl.SetupDevice(0)
	if err != nil {
		t.Fatal(err)
	}

	if desc.MaxPacketSize0 != wantMaxPacketSize0 {
		t.Errorf("MaxPacketSize0 = %d, want %d", desc.MaxPacketSize0, wantMaxPacketSize0)
	}
	if desc.Full {
		t.Error("Full = true after only the 8-byte fetch ran")
	}
	if env.addressDeviceCalls != 1 {
		t.Errorf("addressDeviceCalls = %d, want 1 (no re-address expected)", env.addressDeviceCalls)
	}
}

// TestSetupDeviceTwoPhase covers the common real-world case: the device's
// actual bMaxPacketSize0 (64) differs from the 512 this core derives for a
// SuperSpeed port before it knows better, triggering a second Address
// Device and a full 18-byte GET_DESCRIPTOR.
func TestSetupDeviceTwoPhase(t *testing.T) {
	env := newTestEnv()
	env.descriptor = fullDeviceDescriptor(64)
	env.setPortConnected(0, speedSuper)
	mustBringUp(t, env)

	desc, err := env.ctrl.SetupDevice(0)
	if err != nil {
		t.Fatal(err)
	}

	if !desc.Full {
		t.Fatal("Full = false after the two-phase fetch should have run")
	}
	if desc.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", desc.MaxPacketSize0)
	}
	if desc.VendorID != 0x1234 {
		t.Errorf("VendorID = %#x, want 0x1234", desc.VendorID)
	}
	if desc.ProductID != 0x5678 {
		t.Errorf("ProductID = %#x, want 0x5678", desc.ProductID)
	}
	if env.addressDeviceCalls != 2 {
		t.Errorf("addressDeviceCalls = %d, want 2 (initial + re-address)", env.addressDeviceCalls)
	}
}

// TestSetupDeviceTwoPhaseDisabled verifies that Config.FetchFullDescriptor
// set to false skips the re-address and second fetch even when the
// 8-byte descriptor reports a different bMaxPacketSize0.
func TestSetupDeviceTwoPhaseDisabled(t *testing.T) {
	env := newTestEnv()
	env.descriptor = fullDeviceDescriptor(64)
	env.setPortConnected(0, speedSuper)

	disabled := false
	env.ctrl.cfg.FetchFullDescriptor = &disabled

	mustBringUp(t, env)

	desc, err := env.ctrl.SetupDevice(0)
	if err != nil {
		t.Fatal(err)
	}

	if desc.Full {
		t.Error("Full = true despite FetchFullDescriptor being disabled")
	}
	if env.addressDeviceCalls != 1 {
		t.Errorf("addressDeviceCalls = %d, want 1", env.addressDeviceCalls)
	}
}
