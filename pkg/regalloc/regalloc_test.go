package regalloc

import (
	"testing"

	"github.com/dbtcore/dbtcore/pkg/ir"
)

func TestAllocateAssignsEveryValue(t *testing.T) {
	l := ir.NewListing(0x1000)
	b := l.NewBlock()
	var vals []ir.ValueID
	for i := 0; i < 8; i++ {
		v := l.NewValue(ir.KindGPR)
		vals = append(vals, v)
		b.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: v, Imm: uint64(i)})
	}
	// Keep every value live until the end so allocation with only 2
	// physical registers is forced to spill.
	for _, v := range vals {
		b.Emit(ir.Op{Opcode: ir.OpStoreGPR, Args: []ir.ValueID{v}})
	}

	data := Allocate(l, 2, 2)
	if len(data.Assignment) != len(vals) {
		t.Fatalf("expected %d assignments, got %d", len(vals), len(data.Assignment))
	}
	if data.NumGPRSpills == 0 {
		t.Fatalf("expected spills with only 2 physical registers for 8 live values")
	}
	for _, v := range vals {
		if _, ok := data.Assignment[v]; !ok {
			t.Fatalf("value %d has no assignment", v)
		}
	}
}

func TestAllocateNoSpillsWhenRegistersSuffice(t *testing.T) {
	l := ir.NewListing(0)
	b := l.NewBlock()
	v1 := l.NewValue(ir.KindGPR)
	v2 := l.NewValue(ir.KindGPR)
	b.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: v1})
	b.Emit(ir.Op{Opcode: ir.OpConstGPR, Result: v2})
	b.Emit(ir.Op{Opcode: ir.OpAdd, Result: v1, Args: []ir.ValueID{v1, v2}})

	data := Allocate(l, 4, 4)
	if data.NumGPRSpills != 0 {
		t.Fatalf("expected no spills, got %d", data.NumGPRSpills)
	}
}
