// Package ir defines the sea-of-nodes-style intermediate representation
// produced by BlockBuilder, consumed by PassManager and JitBackend.
//
// An IRListing is a tagged-discriminated-union of operations over typed
// SSA values, grounded the way the teacher models other dispatch tables
// (see pkg/sentry/arch's register-kind enums) and the opcode-union style
// used by the pack's tinyrange-rtg compiler (std/compiler/ir.go).
package ir

import (
	"fmt"

	"github.com/dbtcore/dbtcore/pkg/guestpc"
)

// ValueKind is the type of an SSA value.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindGPR
	KindFPR
	KindPredicate
)

func (k ValueKind) String() string {
	switch k {
	case KindGPR:
		return "gpr"
	case KindFPR:
		return "fpr"
	case KindPredicate:
		return "pred"
	default:
		return "none"
	}
}

// ValueID identifies an SSA value within a Listing. Zero is reserved for
// "no value" (the invalid ID).
type ValueID uint32

// Op is a single tagged IR operation. The core only defines the handful
// of opcodes needed to express block structure, register-file access,
// control transfer and the SMC guard; the thousands of real per-opcode
// semantic lifts are the out-of-scope decoder/back-end's concern (§1).
type Op struct {
	Opcode Opcode
	Result ValueID   // KindNone if the op has no result
	Args   []ValueID // operand SSA values, opcode-specific arity

	// Opcode-specific scalar payload. Not every field is used by every
	// opcode; this mirrors the teacher's preference for a uniform
	// struct header plus payload over per-opcode Go types, since the
	// real back-end dispatches on Opcode anyway.
	Imm      uint64
	RegIndex uint32  // GPR/FPR index for Load/StoreReg
	Target   GuestPC // branch/exit target
	Removes  bool    // on OpValidateCode: the guard fires and exits so the dispatcher drops this block's mapping
}

// Opcode tags an Op's semantics.
type Opcode uint16

const (
	OpInvalid Opcode = iota
	OpStartBlock
	OpSyncRIP      // snapshot current GuestPC into the thread's IP slot
	OpValidateCode // SMC guard: compare live guest bytes to lift-time bytes
	OpConstGPR
	OpLoadGPR
	OpStoreGPR
	OpAdd
	OpSub
	OpMul
	OpDivU  // unsigned divide, candidate for long-divide expansion
	OpDivS  // signed divide
	OpAnd
	OpOr
	OpXor
	OpCmpEq
	OpCmpLt
	OpJump     // unconditional, constant target: eligible for direct BlockLink
	OpCondJump // conditional: dispatcher re-entry, never direct-linked
	OpSyscall
	OpExit      // return to dispatcher at Target
	OpEndBlock
)

func (o Opcode) String() string {
	switch o {
	case OpStartBlock:
		return "start_block"
	case OpSyncRIP:
		return "sync_rip"
	case OpValidateCode:
		return "validate_code"
	case OpConstGPR:
		return "const_gpr"
	case OpLoadGPR:
		return "load_gpr"
	case OpStoreGPR:
		return "store_gpr"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDivU:
		return "divu"
	case OpDivS:
		return "divs"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpXor:
		return "xor"
	case OpCmpEq:
		return "cmp_eq"
	case OpCmpLt:
		return "cmp_lt"
	case OpJump:
		return "jump"
	case OpCondJump:
		return "cond_jump"
	case OpSyscall:
		return "syscall"
	case OpExit:
		return "exit"
	case OpEndBlock:
		return "end_block"
	default:
		return "invalid"
	}
}

// GuestPC is an alias for guestpc.PC, the canonical guest program
// counter type (see pkg/guestpc for the 32-bit guard).
type GuestPC = guestpc.PC

// Block is an ordered sequence of Ops with a single entry and, per the
// data model, one or more exits (expressed as OpJump/OpCondJump/OpExit
// ops rather than a separate successor list — matching the "ordered
// sequence of operations" shape of §3's IRListing).
type Block struct {
	ID  int
	Ops []Op
}

// Terminator returns the last op of the block, or OpInvalid if empty.
func (b *Block) Terminator() Opcode {
	if len(b.Ops) == 0 {
		return OpInvalid
	}
	return b.Ops[len(b.Ops)-1].Opcode
}

// Listing is an IRListing: an ordered set of basic blocks over SSA
// values of known type. It is owned by its producing BlockBuilder until
// GenerateIR returns it, after which it is treated as shared and read-only (Invariant
// 4 of §3, enforced by convention: callers must not mutate a Listing
// obtained from the IRCaptureCache).
type Listing struct {
	Blocks    []*Block
	ValueKind []ValueKind // indexed by ValueID; ValueKind[0] is always KindNone

	EntryPC    GuestPC
	NumGuestIR uint64 // total guest instructions lifted
	GuestLen   uint64 // total guest bytes covered
}

// NewListing returns an empty listing rooted at entryPC.
func NewListing(entryPC GuestPC) *Listing {
	return &Listing{
		EntryPC:   entryPC,
		ValueKind: []ValueKind{KindNone},
	}
}

// NewValue allocates a fresh SSA value of the given kind and returns its
// ID.
func (l *Listing) NewValue(kind ValueKind) ValueID {
	id := ValueID(len(l.ValueKind))
	l.ValueKind = append(l.ValueKind, kind)
	return id
}

// KindOf returns the kind of value id, or KindNone if out of range.
func (l *Listing) KindOf(id ValueID) ValueKind {
	if int(id) >= len(l.ValueKind) {
		return KindNone
	}
	return l.ValueKind[id]
}

// NewBlock appends and returns a fresh, empty block.
func (l *Listing) NewBlock() *Block {
	b := &Block{ID: len(l.Blocks)}
	l.Blocks = append(l.Blocks, b)
	return b
}

// Emit appends op to the end of block b.
func (b *Block) Emit(op Op) {
	b.Ops = append(b.Ops, op)
}

// HasOps reports whether the listing contains at least one op in any
// block. A BlockBuilder result with HasOps() == false is treated as a
// total lift failure (§4.2).
func (l *Listing) HasOps() bool {
	for _, b := range l.Blocks {
		if len(b.Ops) > 0 {
			return true
		}
	}
	return false
}

// String renders a human-readable dump, used by both debug logging and
// the optional "<hex_rip>-{pre,post}.ir" text dump (pkg/irdump).
func (l *Listing) String() string {
	s := fmt.Sprintf("; entry=0x%x guest_len=%d insts=%d\n", l.EntryPC, l.GuestLen, l.NumGuestIR)
	for _, b := range l.Blocks {
		s += fmt.Sprintf("block%d:\n", b.ID)
		for _, op := range b.Ops {
			s += fmt.Sprintf("  %%%d = %s", op.Result, op.Opcode)
			for _, a := range op.Args {
				s += fmt.Sprintf(" %%%d", a)
			}
			if op.Imm != 0 {
				s += fmt.Sprintf(" imm=%#x", op.Imm)
			}
			if op.Opcode == OpJump || op.Opcode == OpCondJump || op.Opcode == OpExit {
				s += fmt.Sprintf(" target=%#x", op.Target)
			}
			s += "\n"
		}
	}
	return s
}
