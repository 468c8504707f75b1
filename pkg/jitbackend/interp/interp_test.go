package interp

import (
	"testing"

	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/jitbackend"
	"github.com/dbtcore/dbtcore/pkg/regfile"
)

func buildAddBlock() *ir.Listing {
	l := ir.NewListing(0x4000)
	b := l.NewBlock()
	c1 := l.NewValue(ir.KindGPR)
	c2 := l.NewValue(ir.KindGPR)
	sum := l.NewValue(ir.KindGPR)
	b.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: c1, Imm: 7})
	b.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: c2, Imm: 35})
	b.Emit(ir.Op{Opcode: ir.OpAdd, Result: sum, Args: []ir.ValueID{c1, c2}})
	b.Emit(ir.Op{Opcode: ir.OpStoreGPR, RegIndex: 0, Args: []ir.ValueID{sum}})
	b.Emit(ir.Op{Opcode: ir.OpExit, Target: 0x4010})
	return l
}

func TestCompileAndEnterAddsConstants(t *testing.T) {
	backend := New()
	var debug jitbackend.DebugData
	ptr, err := backend.CompileCode(0x4000, buildAddBlock(), &debug, nil, false)
	if err != nil {
		t.Fatalf("CompileCode failed: %v", err)
	}

	regs := &regfile.File{}
	regs.SetIP(0x4000)
	next, exit := backend.Enter(ptr, regs)
	if exit != jitbackend.ExitReturn {
		t.Fatalf("expected ExitReturn, got %v", exit)
	}
	if next != 0x4010 {
		t.Fatalf("expected next pc 0x4010, got %#x", next)
	}
	if regs.GPR[0] != 42 {
		t.Fatalf("expected rax=42, got %d", regs.GPR[0])
	}
}

func TestCompileRejectsEmptyListing(t *testing.T) {
	backend := New()
	if _, err := backend.CompileCode(0x5000, ir.NewListing(0x5000), nil, nil, false); err == nil {
		t.Fatalf("expected compile failure for empty listing")
	}
}

func TestEnterUnknownFragmentIsError(t *testing.T) {
	backend := New()
	regs := &regfile.File{}
	regs.SetIP(0x9000)
	_, exit := backend.Enter(999, regs)
	if exit != jitbackend.ExitError {
		t.Fatalf("expected ExitError for unknown fragment, got %v", exit)
	}
}

func TestSMCGuardExitsInvalidate(t *testing.T) {
	l := ir.NewListing(0x6000)
	b := l.NewBlock()
	b.Emit(ir.Op{Opcode: ir.OpValidateCode, Removes: true, Target: 0x6000})
	b.Emit(ir.Op{Opcode: ir.OpExit, Target: 0x6010})

	backend := New()
	var debug jitbackend.DebugData
	ptr, err := backend.CompileCode(0x6000, l, &debug, nil, false)
	if err != nil {
		t.Fatalf("CompileCode failed: %v", err)
	}

	regs := &regfile.File{}
	next, exit := backend.Enter(ptr, regs)
	if exit != jitbackend.ExitSMCInvalidate {
		t.Fatalf("expected ExitSMCInvalidate, got %v", exit)
	}
	if next != 0x6000 {
		t.Fatalf("expected guard target 0x6000, got %#x", next)
	}
}
