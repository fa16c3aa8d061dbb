// Intel eXtensible Host Controller Interface (xHCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

// DefaultMMIOSize is used as the BAR mapping size when Config.BARSize is
// left zero: enough to cover the capability, operational, and runtime
// register blocks plus a doorbell array and per-port register sets for
// any controller this core is likely to meet.
const DefaultMMIOSize = 0x10000

// resolveMMIO maps cfg.BAR through cfg.MapMMIO when the caller has not
// already supplied a mapped virtual address in cfg.MMIO directly (the
// latter is how tests, and callers that map the BAR themselves, bypass
// this indirection).
func resolveMMIO(cfg *Config) error {
	if cfg.MMIO != 0 {
		return nil
	}

	if cfg.MapMMIO == nil || cfg.BAR == 0 {
		return &Error{Kind: ResetFailed, Op: "map mmio", Err: errNoMMIO}
	}

	size := cfg.BARSize
	if size == 0 {
		size = DefaultMMIOSize
	}

	virt, err := cfg.MapMMIO(cfg.BAR, size)
	if err != nil {
		return &Error{Kind: ResetFailed, Op: "map mmio", Err: err}
	}

	cfg.MMIO = virt

	return nil
}
