package passmgr

import (
	"testing"

	"github.com/dbtcore/dbtcore/pkg/ir"
)

func buildSimpleListing() *ir.Listing {
	l := ir.NewListing(0x1000)
	b := l.NewBlock()
	c1 := l.NewValue(ir.KindGPR)
	c2 := l.NewValue(ir.KindGPR)
	sum := l.NewValue(ir.KindGPR)
	b.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: c1, Imm: 1})
	b.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: c2, Imm: 2})
	b.Emit(ir.Op{Opcode: ir.OpAdd, Result: sum, Args: []ir.ValueID{c1, c2}})
	b.Emit(ir.Op{Opcode: ir.OpStoreGPR, Args: []ir.ValueID{sum}})
	b.Emit(ir.Op{Opcode: ir.OpExit, Target: 0x1010})
	return l
}

func TestStandardPipelineSucceedsAndProducesRAData(t *testing.T) {
	l := buildSimpleListing()
	m := New()
	m.RegisterPass(ConstPropPass{})
	m.RegisterPass(LongDivideExpandPass{})
	m.RegisterPass(CompactPass{})
	ra := &RegAllocPass{NumGPR: 4, NumFPR: 4}
	m.RegisterPass(ra)
	m.RegisterPass(ValidationPass{})

	if err := m.Run(l); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	data := m.RAData()
	if data == nil {
		t.Fatalf("expected non-nil RAData")
	}
}

func TestConstPropFoldsAdd(t *testing.T) {
	l := buildSimpleListing()
	if err := (ConstPropPass{}).Run(l); err != nil {
		t.Fatalf("const-prop failed: %v", err)
	}
	found := false
	for _, op := range l.Blocks[0].Ops {
		if op.Opcode == ir.OpAdd {
			t.Fatalf("expected OpAdd to be folded away")
		}
		if op.Opcode == ir.OpConstGPR && op.Imm == 3 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a folded constant of 3")
	}
}

func TestValidationRejectsMissingTerminator(t *testing.T) {
	l := ir.NewListing(0)
	b := l.NewBlock()
	v := l.NewValue(ir.KindGPR)
	b.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: v})

	if err := (ValidationPass{}).Run(l); err == nil {
		t.Fatalf("expected validation error for missing terminator")
	}
}

func TestValidationRejectsUseBeforeDef(t *testing.T) {
	l := ir.NewListing(0)
	b := l.NewBlock()
	b.Emit(ir.Op{Opcode: ir.OpStoreGPR, Args: []ir.ValueID{99}})
	b.Emit(ir.Op{Opcode: ir.OpExit})

	if err := (ValidationPass{}).Run(l); err == nil {
		t.Fatalf("expected validation error for use before definition")
	}
}
