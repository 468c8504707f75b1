// Package guestpc defines the GuestPC type and the 32-bit guest address
// invariant enforced throughout the core (§3: "In 32-bit guest mode the
// upper 32 bits must be zero; all operations must enforce this").
package guestpc

import "github.com/dbtcore/dbtcore/pkg/dbterr"

// PC is a 64-bit guest program counter.
type PC uint64

// Mask32 returns pc with all bits above bit 31 cleared, for use when the
// core is running a 32-bit guest.
func (pc PC) Mask32() PC {
	return pc & 0xFFFFFFFF
}

// FitsIn32 reports whether pc has no bits set above bit 31.
func (pc PC) FitsIn32() bool {
	return pc&^0xFFFFFFFF == 0
}

// Check32 enforces the 32-bit guest invariant (boundary B3): it returns
// dbterr.ErrGuestPCOutOfRange if guestMode32 is set and pc has any bit
// above bit 31 set.
func Check32(pc PC, guestMode32 bool) error {
	if guestMode32 && !pc.FitsIn32() {
		return dbterr.ErrGuestPCOutOfRange
	}
	return nil
}
