package ir

import "testing"

func TestListingBasics(t *testing.T) {
	l := NewListing(0x1000)
	b := l.NewBlock()
	v := l.NewValue(KindGPR)
	if l.KindOf(v) != KindGPR {
		t.Fatalf("expected KindGPR, got %v", l.KindOf(v))
	}
	b.Emit(Op{Opcode: OpConstGPR, Result: v, Imm: 1})
	b.Emit(Op{Opcode: OpStoreGPR, Args: []ValueID{v}, RegIndex: 0})
	b.Emit(Op{Opcode: OpExit, Target: 0x1005})

	if !l.HasOps() {
		t.Fatalf("expected non-empty listing")
	}
	if b.Terminator() != OpExit {
		t.Fatalf("expected OpExit terminator, got %v", b.Terminator())
	}
	if s := l.String(); s == "" {
		t.Fatalf("expected non-empty dump")
	}
}

func TestEmptyListingHasNoOps(t *testing.T) {
	l := NewListing(0)
	l.NewBlock()
	if l.HasOps() {
		t.Fatalf("expected an empty listing to report HasOps() == false")
	}
}
