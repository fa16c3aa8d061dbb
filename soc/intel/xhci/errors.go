// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "fmt"

// Kind identifies the class of failure reported by an Error.
type Kind int

const (
	// Timeout indicates that hardware did not respond within its
	// allotted poll budget.
	Timeout Kind = iota
	// ResetFailed indicates that operational registers were non-zero
	// after a controller reset completed.
	ResetFailed
	// NoSlotsAvailable indicates that an Enable Slot command completed
	// without reporting a usable slot ID.
	NoSlotsAvailable
	// CommandFailed indicates that a Command Completion Event reported
	// a non-Success completion code.
	CommandFailed
	// TransferFailed indicates that a Transfer Event reported a
	// non-Success completion code.
	TransferFailed
	// PortResetFailed indicates that a port did not report PRC/WRC, or
	// PED, within its reset budget.
	PortResetFailed
	// AllocationFailed indicates that a DMA allocation could not satisfy
	// its size, alignment, or boundary requirement.
	AllocationFailed
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ResetFailed:
		return "reset failed"
	case NoSlotsAvailable:
		return "no slots available"
	case CommandFailed:
		return "command failed"
	case TransferFailed:
		return "transfer failed"
	case PortResetFailed:
		return "port reset failed"
	case AllocationFailed:
		return "allocation failed"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by core xHCI operations.
type Error struct {
	Kind Kind
	// Op names the operation that failed (e.g. "reset", "enable slot").
	Op string
	// Code carries a completion or register value relevant to Kind, when
	// applicable (a TRB completion code for CommandFailed/TransferFailed,
	// a USBSTS snapshot for ResetFailed/Timeout).
	Code uint32
	// Err wraps an underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xhci: %s: %s (code=%#x): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("xhci: %s: %s (code=%#x)", e.Op, e.Kind, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}
