// Package jitbackend defines the CpuBackend contract (§4.4). Real
// per-host-arch emitters are out of scope (§1); the core only depends
// on this interface plus the reference implementation in
// pkg/jitbackend/interp used to exercise the rest of the pipeline in
// tests.
package jitbackend

import (
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/ir"
)

// HostCodePtr is an opaque handle into a JIT-owned code region. Never
// dereferenced by safe Go code outside the owning Backend.
type HostCodePtr uintptr

// DebugData carries the host code size and relocation list a Backend
// reports; the Dispatcher reads its sizes to fill in the BlockMapping it
// installs (§4.4 point 3).
type DebugData struct {
	HostCodeSize  uint64
	Relocations   []Relocation
	GuestCodeSize uint64
	GuestInsts    uint64
}

// Relocation is one patch site recorded by a Backend emit.
type Relocation struct {
	Offset uint64
	Target guestpc.PC
}

// CachedObjectCode is an opaque, previously-serialized block as stored
// by the optional AOT cache (§6 "Persisted state").
type CachedObjectCode []byte

// Backend is the JitBackend trait: it consumes IR plus register
// allocation data and returns a host code fragment (§4.4).
type Backend interface {
	// CompileCode emits machine code for ir, applies relocations, and
	// returns an entry pointer into the backend's own arena. gdbEnabled
	// requests debug-friendly codegen (unwind info, symbol names).
	CompileCode(pc guestpc.PC, listing *ir.Listing, debug *DebugData, raData any, gdbEnabled bool) (HostCodePtr, error)

	// RelocateJITObjectCode rehydrates a previously-serialized block
	// from an AOT cache. ok is false if the object couldn't be
	// rehydrated (e.g. a host feature mismatch).
	RelocateJITObjectCode(pc guestpc.PC, cached CachedObjectCode) (ptr HostCodePtr, ok bool)

	// ClearCache discards all previously-compiled code.
	ClearCache()

	// ClearRelocations discards any relocation bookkeeping without
	// discarding compiled code (used after a bulk AOT rehydrate).
	ClearRelocations()

	// Initialize prepares the backend for use (host feature detection,
	// arena setup).
	Initialize() error
}
