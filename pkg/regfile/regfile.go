// Package regfile is the guest register file embedded in a
// ThreadContext. It is adapted from the teacher's
// pkg/sentry/arch.Context64 (amd64 register accessors: IP/SetIP,
// Stack/SetStack, TLS/SetTLS, Return/SetReturn) generalized from a
// ptrace-sampled host register struct to a plain in-memory guest
// register file that JIT'd code reads and writes directly relative to
// the owning ThreadContext's address (§4.4 point 2).
package regfile

import "github.com/dbtcore/dbtcore/pkg/guestpc"

// NumGPR is the number of general-purpose guest registers modeled
// (RAX..R15 plus RIP/RSP tracked separately below).
const NumGPR = 16

// NumFPR is the number of guest vector/FP registers modeled (XMM0-15
// equivalents).
const NumFPR = 16

// File is the guest CPU state: GPRs, vector registers, and the handful
// of scalar fields every Context64-style accessor exposes.
//
// +stateify savable (kept as a comment marker in the teacher's style;
// this module does not implement save/restore — see DESIGN.md).
type File struct {
	GPR [NumGPR]uint64
	FPR [NumFPR][2]uint64 // low/high 64 bits of each 128-bit lane

	rip guestpc.PC
	rsp uint64
	tls uint64

	// Flags holds the guest EFLAGS-equivalent condition bits used by
	// CondJump ops.
	Flags uint64
}

// IP returns the current guest instruction pointer.
func (f *File) IP() guestpc.PC { return f.rip }

// SetIP sets the current guest instruction pointer.
func (f *File) SetIP(v guestpc.PC) { f.rip = v }

// Stack returns the current guest stack pointer.
func (f *File) Stack() uint64 { return f.rsp }

// SetStack sets the current guest stack pointer.
func (f *File) SetStack(v uint64) { f.rsp = v }

// TLS returns the current guest TLS base.
func (f *File) TLS() uint64 { return f.tls }

// SetTLS sets the current guest TLS base.
func (f *File) SetTLS(v uint64) { f.tls = v }

// Return returns the current syscall return value (conventionally GPR 0
// / RAX).
func (f *File) Return() uint64 { return f.GPR[0] }

// SetReturn sets the current syscall return value.
func (f *File) SetReturn(v uint64) { f.GPR[0] = v }

// Fork returns an exact copy of f, for a new thread that inherits its
// parent's register state.
func (f *File) Fork() *File {
	cp := *f
	return &cp
}
