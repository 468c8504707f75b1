// Package interp is the reference JitBackend used to exercise the rest
// of the pipeline end to end (§4.4: "The core treats the back-end as
// opaque"). It doesn't emit host machine code; it stores the
// register-allocated IR listing itself behind an opaque HostCodePtr and
// walks it directly, the same role the original's interpreter/fallback
// core plays relative to the real JIT (Core.cpp's CompileFallbackBlock
// path).
package interp

import (
	"sync"

	"github.com/dbtcore/dbtcore/pkg/dbterr"
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/jitbackend"
	"github.com/dbtcore/dbtcore/pkg/regalloc"
	"github.com/dbtcore/dbtcore/pkg/regfile"
)

type fragment struct {
	listing *ir.Listing
	ra      *regalloc.Data
}

// Backend is a process-local table of compiled fragments keyed by an
// incrementing HostCodePtr. It implements jitbackend.Backend and
// jitbackend.Enterer.
type Backend struct {
	mu        sync.RWMutex
	fragments map[jitbackend.HostCodePtr]*fragment
	next      jitbackend.HostCodePtr
}

// New returns an initialized interpreter backend.
func New() *Backend {
	return &Backend{fragments: make(map[jitbackend.HostCodePtr]*fragment), next: 1}
}

// Initialize implements jitbackend.Backend.
func (b *Backend) Initialize() error { return nil }

// ClearCache implements jitbackend.Backend.
func (b *Backend) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fragments = make(map[jitbackend.HostCodePtr]*fragment)
}

// ClearRelocations implements jitbackend.Backend. The interpreter never
// tracks relocations separately from the listing itself.
func (b *Backend) ClearRelocations() {}

// CompileCode implements jitbackend.Backend.
func (b *Backend) CompileCode(pc guestpc.PC, listing *ir.Listing, debug *jitbackend.DebugData, raData any, gdbEnabled bool) (jitbackend.HostCodePtr, error) {
	if listing == nil || !listing.HasOps() {
		return 0, dbterr.ErrCompileFailure
	}
	ra, _ := raData.(*regalloc.Data)

	b.mu.Lock()
	ptr := b.next
	b.next++
	b.fragments[ptr] = &fragment{listing: listing, ra: ra}
	b.mu.Unlock()

	if debug != nil {
		debug.HostCodeSize = uint64(len(listing.Blocks)) * 32 // nominal, for arena/debug bookkeeping only
		debug.GuestCodeSize = listing.GuestLen
		debug.GuestInsts = listing.NumGuestIR
	}
	return ptr, nil
}

// RelocateJITObjectCode implements jitbackend.Backend. The interpreter
// has no serialized object-code format, so AOT rehydration always
// misses; a real backend implements the actual format.
func (b *Backend) RelocateJITObjectCode(pc guestpc.PC, cached jitbackend.CachedObjectCode) (jitbackend.HostCodePtr, bool) {
	return 0, false
}

// Enter implements jitbackend.Enterer by walking the captured listing's
// first block against regs, evaluating the handful of opcodes defined
// in pkg/ir, until it hits a control-transfer op.
func (b *Backend) Enter(ptr jitbackend.HostCodePtr, regs *regfile.File) (guestpc.PC, jitbackend.ExitKind) {
	b.mu.RLock()
	frag, ok := b.fragments[ptr]
	b.mu.RUnlock()
	if !ok || len(frag.listing.Blocks) == 0 {
		return regs.IP(), jitbackend.ExitError
	}

	values := make(map[ir.ValueID]uint64)
	block := frag.listing.Blocks[0]

	for _, op := range block.Ops {
		switch op.Opcode {
		case ir.OpStartBlock, ir.OpEndBlock, ir.OpValidateCode:
			// No interpreter-visible effect; a real backend's SMC guard
			// branches to a side exit on mismatch, modeled below as
			// ExitSMCInvalidate when the guard op carries Removes.
			if op.Opcode == ir.OpValidateCode && op.Removes {
				return op.Target, jitbackend.ExitSMCInvalidate
			}
		case ir.OpSyncRIP:
			regs.SetIP(guestpc.PC(op.Imm))
		case ir.OpConstGPR:
			values[op.Result] = op.Imm
		case ir.OpLoadGPR:
			values[op.Result] = regs.GPR[op.RegIndex%regfile.NumGPR]
		case ir.OpStoreGPR:
			regs.GPR[op.RegIndex%regfile.NumGPR] = values[op.Args[0]]
		case ir.OpAdd:
			values[op.Result] = values[op.Args[0]] + values[op.Args[1]]
		case ir.OpSub:
			values[op.Result] = values[op.Args[0]] - values[op.Args[1]]
		case ir.OpMul:
			values[op.Result] = values[op.Args[0]] * values[op.Args[1]]
		case ir.OpAnd:
			values[op.Result] = values[op.Args[0]] & values[op.Args[1]]
		case ir.OpOr:
			values[op.Result] = values[op.Args[0]] | values[op.Args[1]]
		case ir.OpXor:
			values[op.Result] = values[op.Args[0]] ^ values[op.Args[1]]
		case ir.OpDivU:
			if values[op.Args[1]] != 0 {
				values[op.Result] = values[op.Args[0]] / values[op.Args[1]]
			}
		case ir.OpCmpEq:
			if values[op.Args[0]] == values[op.Args[1]] {
				values[op.Result] = 1
			}
		case ir.OpCmpLt:
			if values[op.Args[0]] < values[op.Args[1]] {
				values[op.Result] = 1
			}
		case ir.OpCondJump:
			if values[op.Args[0]] != 0 {
				return op.Target, jitbackend.ExitReturn
			}
		case ir.OpJump:
			return op.Target, jitbackend.ExitReturn
		case ir.OpSyscall:
			return regs.IP(), jitbackend.ExitSyscall
		case ir.OpExit:
			return op.Target, jitbackend.ExitReturn
		}
	}
	return regs.IP(), jitbackend.ExitReturn
}
