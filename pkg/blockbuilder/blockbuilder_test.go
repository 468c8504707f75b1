package blockbuilder

import (
	"errors"
	"testing"

	"github.com/dbtcore/dbtcore/pkg/dbtconfig"
	"github.com/dbtcore/dbtcore/pkg/decoder"
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/passmgr"
)

// fakeDecoder turns each byte of code into a one-byte "instruction".
type fakeDecoder struct{}

func (fakeDecoder) DecodeInstructionsAtEntry(code []byte, pc guestpc.PC, onRange decoder.RangeCoveredFunc) ([]decoder.DecodedBlock, error) {
	if len(code) == 0 {
		return nil, errors.New("empty code")
	}
	var insts []decoder.Instruction
	for i, c := range code {
		insts = append(insts, decoder.Instruction{PC: pc + guestpc.PC(i), Length: 1, TableInfo: c})
	}
	return []decoder.DecodedBlock{{EntryPC: pc, Instructions: insts, TotalLength: uint64(len(code))}}, nil
}

// fakeDispatcher treats byte value 0xFF as an undecodable opcode, and
// anything else as a no-op GPR constant load so generated blocks have
// at least one op to validate against.
type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx *GenCtx, inst decoder.Instruction) error {
	b := inst.TableInfo.(byte)
	if b == 0xFF {
		return errors.New("undecodable opcode")
	}
	v := ctx.NewValue(ir.KindGPR)
	ctx.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: v, Imm: uint64(b)})
	return nil
}

func newTestBuilder(cfg Config) *Builder {
	m := passmgr.New()
	m.RegisterPass(passmgr.ConstPropPass{})
	m.RegisterPass(passmgr.CompactPass{})
	return New(fakeDecoder{}, fakeDispatcher{}, m, cfg)
}

func TestGenerateIRProducesTerminatedBlock(t *testing.T) {
	b := newTestBuilder(Config{MaxInstPerBlock: 64})
	res, err := b.GenerateIR(0x1000, []byte{1, 2, 3}, false)
	if err != nil {
		t.Fatalf("GenerateIR failed: %v", err)
	}
	if res.FromCustomIR {
		t.Fatalf("expected decode path, not custom IR")
	}
	last := res.Listing.Blocks[len(res.Listing.Blocks)-1]
	if last.Terminator() != ir.OpEndBlock {
		t.Fatalf("expected terminated block, got %s", last.Terminator())
	}
}

func TestGenerateIRStopsOnDispatchFailure(t *testing.T) {
	b := newTestBuilder(Config{MaxInstPerBlock: 64})
	res, err := b.GenerateIR(0x2000, []byte{1, 0xFF, 3}, false)
	if err != nil {
		t.Fatalf("GenerateIR should recover via side exit, got error: %v", err)
	}
	last := res.Listing.Blocks[len(res.Listing.Blocks)-1]
	if last.Terminator() != ir.OpExit {
		t.Fatalf("expected an early OpExit side exit, got %s", last.Terminator())
	}
}

func TestGenerateIRTotalDecodeFailure(t *testing.T) {
	b := newTestBuilder(Config{MaxInstPerBlock: 64})
	if _, err := b.GenerateIR(0x3000, nil, false); err == nil {
		t.Fatalf("expected decode failure for empty code")
	}
}

func TestCustomIREntrypointTakesPrecedence(t *testing.T) {
	b := newTestBuilder(Config{MaxInstPerBlock: 64})
	called := false
	err := b.AddCustomIREntrypoint(0x4000, func(pc guestpc.PC) (*ir.Listing, error) {
		called = true
		l := ir.NewListing(pc)
		blk := l.NewBlock()
		blk.Emit(ir.Op{Opcode: ir.OpExit, Target: pc + 1})
		return l, nil
	})
	if err != nil {
		t.Fatalf("AddCustomIREntrypoint failed: %v", err)
	}

	res, err := b.GenerateIR(0x4000, []byte{1, 2, 3}, false)
	if err != nil {
		t.Fatalf("GenerateIR failed: %v", err)
	}
	if !called || !res.FromCustomIR {
		t.Fatalf("expected custom IR handler to be used")
	}
}

func TestCustomIREntrypointAlreadyInstalled(t *testing.T) {
	b := newTestBuilder(Config{MaxInstPerBlock: 64})
	h := func(pc guestpc.PC) (*ir.Listing, error) { return nil, nil }
	if err := b.AddCustomIREntrypoint(0x5000, h); err != nil {
		t.Fatalf("first install failed: %v", err)
	}
	if err := b.AddCustomIREntrypoint(0x5000, h); err == nil {
		t.Fatalf("expected ErrCustomIRInstalled on second install")
	}
	b.RemoveCustomIREntrypoint(0x5000)
	if err := b.AddCustomIREntrypoint(0x5000, h); err != nil {
		t.Fatalf("expected reinstall to succeed after removal: %v", err)
	}
}

func TestMaxInstPerBlockForcesSideExit(t *testing.T) {
	b := newTestBuilder(Config{MaxInstPerBlock: 2})
	res, err := b.GenerateIR(0x6000, []byte{1, 2, 3, 4}, false)
	if err != nil {
		t.Fatalf("GenerateIR failed: %v", err)
	}
	last := res.Listing.Blocks[len(res.Listing.Blocks)-1]
	if last.Terminator() != ir.OpExit {
		t.Fatalf("expected forced side exit once MaxInstPerBlock reached, got %s", last.Terminator())
	}
}

func TestSMCGuardInsertsValidateCode(t *testing.T) {
	b := newTestBuilder(Config{MaxInstPerBlock: 64, SMC: dbtconfig.SMCFull})
	res, err := b.GenerateIR(0x7000, []byte{1}, false)
	if err != nil {
		t.Fatalf("GenerateIR failed: %v", err)
	}
	found := false
	for _, block := range res.Listing.Blocks {
		for _, op := range block.Ops {
			if op.Opcode == ir.OpValidateCode {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected an OpValidateCode guard under SMCFull")
	}
}
