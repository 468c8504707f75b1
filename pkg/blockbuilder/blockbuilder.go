// Package blockbuilder lifts a span of guest machine code into an IR
// Listing (§4.2, C2). It is grounded on the original's
// Context::CompileBlock: consult an installed custom-IR table first,
// otherwise decode, dispatch each instruction through an opcode table,
// stop early on the first dispatch failure, optionally guard against
// self-modifying code, and finalize through the pass pipeline.
package blockbuilder

import (
	"sync"

	"github.com/dbtcore/dbtcore/pkg/dbtconfig"
	"github.com/dbtcore/dbtcore/pkg/dbterr"
	"github.com/dbtcore/dbtcore/pkg/decoder"
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/passmgr"
)

// GenCtx is the per-block generation context an OpcodeDispatcher uses
// to emit IR; it wraps the Listing/Block pair being built so dispatch
// code never touches Builder's shared state directly.
type GenCtx struct {
	Listing *ir.Listing
	Block   *ir.Block
}

// NewValue allocates a fresh SSA value in the listing under
// construction.
func (g *GenCtx) NewValue(kind ir.ValueKind) ir.ValueID { return g.Listing.NewValue(kind) }

// Emit appends op to the block under construction.
func (g *GenCtx) Emit(op ir.Op) { g.Block.Emit(op) }

// OpcodeDispatcher lifts one decoded guest instruction into IR ops on
// ctx. Implementations are supplied by the embedding application, the
// same way Decoder is (§1): the real per-opcode semantic table is out
// of scope.
type OpcodeDispatcher interface {
	Dispatch(ctx *GenCtx, inst decoder.Instruction) error
}

// CustomIRHandler supplies a complete, already-finalized IR Listing for
// a guest entry point in place of decode+dispatch (§4.2 point 1, e.g.
// a hand-written syscall thunk or a JIT-replacement for a hot libc
// routine).
type CustomIRHandler func(pc guestpc.PC) (*ir.Listing, error)

// Config carries the knobs GenerateIR needs from dbtconfig without the
// rest of the package depending on the whole Config value.
type Config struct {
	MaxInstPerBlock uint64
	SMC             dbtconfig.SMCMode
}

// Builder is the BlockBuilder trait. Each ThreadContext gets its own
// Builder, because the pass manager it runs keeps per-run state (the
// register-allocation pass stores its last result). The custom-IR table
// is guarded by its own mutex so GenerateIR never blocks on a lock used
// by any other subsystem.
type Builder struct {
	dec    decoder.Decoder
	disp   OpcodeDispatcher
	passes *passmgr.Manager
	cfg    Config

	mu     sync.RWMutex
	custom map[guestpc.PC]CustomIRHandler
}

// New constructs a Builder. passes is run once per GenerateIR call to
// finalize the listing (§4.2 point 6).
func New(dec decoder.Decoder, disp OpcodeDispatcher, passes *passmgr.Manager, cfg Config) *Builder {
	return &Builder{
		dec:    dec,
		disp:   disp,
		passes: passes,
		cfg:    cfg,
		custom: make(map[guestpc.PC]CustomIRHandler),
	}
}

// AddCustomIREntrypoint installs a handler that replaces decode+dispatch
// for pc. Returns dbterr.ErrCustomIRInstalled if one is already
// installed at pc (§4.2 point 1, §7).
func (b *Builder) AddCustomIREntrypoint(pc guestpc.PC, h CustomIRHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.custom[pc]; exists {
		return dbterr.ErrCustomIRInstalled
	}
	b.custom[pc] = h
	return nil
}

// RemoveCustomIREntrypoint uninstalls any handler at pc. A no-op if none
// is installed.
func (b *Builder) RemoveCustomIREntrypoint(pc guestpc.PC) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.custom, pc)
}

func (b *Builder) customHandler(pc guestpc.PC) CustomIRHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.custom[pc]
}

// GenerateIRResult is what GenerateIR returns: the finalized listing
// plus whether it was produced entirely by a custom handler (skipping
// decode/dispatch and the SMC guard).
type GenerateIRResult struct {
	Listing      *ir.Listing
	FromCustomIR bool
}

// GenerateIR lifts guest code starting at pc into a finalized IR
// Listing, following §4.2's six steps. code must cover at least one
// instruction at pc. extendedDebug is accepted for interface
// compatibility and is not consulted by this implementation.
func (b *Builder) GenerateIR(pc guestpc.PC, code []byte, extendedDebug bool) (*GenerateIRResult, error) {
	if h := b.customHandler(pc); h != nil {
		listing, err := h(pc)
		if err != nil {
			return nil, err
		}
		return &GenerateIRResult{Listing: listing, FromCustomIR: true}, nil
	}

	blocks, err := b.dec.DecodeInstructionsAtEntry(code, pc, nil)
	if err != nil || len(blocks) == 0 {
		return nil, dbterr.ErrDecodeFailure
	}

	listing := ir.NewListing(pc)
	var totalInsts, totalLen uint64
	smcGuard := b.cfg.SMC == dbtconfig.SMCFull

	for _, db := range blocks {
		block := listing.NewBlock()
		ctx := &GenCtx{Listing: listing, Block: block}

		var instsThisBlock uint64
		dispatchFailed := false

		for _, inst := range db.Instructions {
			if smcGuard {
				ctx.Emit(ir.Op{Opcode: ir.OpValidateCode, Target: inst.PC, Imm: uint64(inst.Length)})
			}
			if b.cfg.MaxInstPerBlock != 0 && instsThisBlock >= b.cfg.MaxInstPerBlock {
				ctx.Emit(ir.Op{Opcode: ir.OpSyncRIP, Imm: uint64(inst.PC)})
				ctx.Emit(ir.Op{Opcode: ir.OpExit, Target: inst.PC})
				break
			}
			if err := b.disp.Dispatch(ctx, inst); err != nil {
				dispatchFailed = true
				ctx.Emit(ir.Op{Opcode: ir.OpSyncRIP, Imm: uint64(inst.PC)})
				ctx.Emit(ir.Op{Opcode: ir.OpExit, Target: inst.PC})
				break
			}
			instsThisBlock++
			totalInsts++
			totalLen += uint64(inst.Length)
		}

		if len(block.Ops) == 0 || !terminates(block) {
			// Fall-through block with no explicit side exit: the decoder
			// folded this into the next DecodedBlock, or we ran out of
			// instructions without a control transfer; close it out.
			ctx.Emit(ir.Op{Opcode: ir.OpEndBlock})
		}
		if dispatchFailed {
			break
		}
	}

	if !listing.HasOps() {
		return nil, dbterr.ErrDecodeFailure
	}

	listing.NumGuestIR = totalInsts
	listing.GuestLen = totalLen

	if err := b.passes.Run(listing); err != nil {
		return nil, err
	}

	return &GenerateIRResult{Listing: listing}, nil
}

func terminates(b *ir.Block) bool {
	switch b.Terminator() {
	case ir.OpJump, ir.OpCondJump, ir.OpExit, ir.OpEndBlock:
		return true
	default:
		return false
	}
}
