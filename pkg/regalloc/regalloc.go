// Package regalloc implements the register-allocation pass described in
// SPEC_FULL.md §4.3.1: a linear-scan allocator over SSA live ranges with
// two register classes (GPR, FPR), packing spill slots by size class.
package regalloc

import (
	"sort"

	"github.com/dbtcore/dbtcore/pkg/ir"
)

// Class is a physical register class.
type Class uint8

const (
	ClassGPR Class = iota
	ClassFPR
)

// Assignment is where a single SSA value lives after allocation: either
// a physical register (InReg true) or a spill slot index.
type Assignment struct {
	Class    Class
	InReg    bool
	Reg      int // physical register number, valid iff InReg
	SlotSize int // size class of the spill slot, valid iff !InReg
	Slot     int // spill slot index, valid iff !InReg
}

// Data is RAData: per-SSA-value assignment plus the total spill-slot
// count, produced by the register-allocation pass and owned by the
// JitBackend for the emit, or stored alongside the IRListing in the
// IRCaptureCache (§3).
type Data struct {
	Assignment   map[ir.ValueID]Assignment
	NumGPRSpills int
	NumFPRSpills int
}

// liveRange is the [def, lastUse] instruction-index interval for one
// value, computed in a single forward pass over the (already compacted)
// listing, numbering instructions across all blocks in listing order —
// sufficient for the straight-line-dominated blocks BlockBuilder
// produces (§4.2: direct linking is only used for fall-through/constant
// jumps, so cross-block liveness here is conservative-safe: a range
// that's "live" to the end of the listing is never under-allocated).
type liveRange struct {
	id       ir.ValueID
	class    Class
	def      int
	lastUse  int
}

// Allocate runs the allocator over l using nGPR/nFPR physical registers
// per class. It never fails: when registers are exhausted it spills,
// leaving the IR semantically equivalent per §4.3.1 ("Leaves the IR
// semantically equivalent; the back-end may assume each value has a
// valid assignment").
func Allocate(l *ir.Listing, nGPR, nFPR int) *Data {
	ranges := computeLiveRanges(l)

	data := &Data{Assignment: make(map[ir.ValueID]Assignment, len(ranges))}

	allocateClass(ranges, ClassGPR, nGPR, data)
	allocateClass(ranges, ClassFPR, nFPR, data)

	return data
}

func classOf(k ir.ValueKind) (Class, bool) {
	switch k {
	case ir.KindGPR, ir.KindPredicate:
		return ClassGPR, true
	case ir.KindFPR:
		return ClassFPR, true
	default:
		return 0, false
	}
}

func computeLiveRanges(l *ir.Listing) []*liveRange {
	byID := make(map[ir.ValueID]*liveRange)
	var order []*liveRange

	pos := 0
	touch := func(id ir.ValueID, isDef bool) {
		if id == 0 {
			return
		}
		cls, ok := classOf(l.KindOf(id))
		if !ok {
			return
		}
		r, seen := byID[id]
		if !seen {
			r = &liveRange{id: id, class: cls, def: pos, lastUse: pos}
			byID[id] = r
			order = append(order, r)
		}
		if isDef {
			r.def = pos
		}
		if pos > r.lastUse {
			r.lastUse = pos
		}
	}

	for _, b := range l.Blocks {
		for _, op := range b.Ops {
			for _, a := range op.Args {
				touch(a, false)
			}
			if op.Result != 0 {
				touch(op.Result, true)
			}
			pos++
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i].def < order[j].def })
	return order
}

// allocateClass runs a textbook linear-scan pass restricted to one
// register class, assigning spill slots packed by class when the
// register pool is exhausted.
func allocateClass(ranges []*liveRange, cls Class, nPhys int, data *Data) {
	type active struct {
		r   *liveRange
		reg int
	}
	var activeList []active
	freeRegs := make([]int, nPhys)
	for i := range freeRegs {
		freeRegs[i] = nPhys - 1 - i
	}
	nextSlot := 0

	expireOld := func(start int) {
		kept := activeList[:0]
		for _, a := range activeList {
			if a.r.lastUse < start {
				freeRegs = append(freeRegs, a.reg)
			} else {
				kept = append(kept, a)
			}
		}
		activeList = kept
	}

	for _, r := range ranges {
		if r.class != cls {
			continue
		}
		expireOld(r.def)

		if len(freeRegs) > 0 {
			reg := freeRegs[len(freeRegs)-1]
			freeRegs = freeRegs[:len(freeRegs)-1]
			activeList = append(activeList, active{r: r, reg: reg})
			data.Assignment[r.id] = Assignment{Class: cls, InReg: true, Reg: reg}
			continue
		}

		// Spill: evict the active value with the furthest lastUse (the
		// standard linear-scan spill heuristic), unless the new range
		// itself ends sooner — in which case spill the new range.
		victimIdx := -1
		for i, a := range activeList {
			if victimIdx == -1 || a.r.lastUse > activeList[victimIdx].r.lastUse {
				victimIdx = i
			}
		}
		if victimIdx >= 0 && activeList[victimIdx].r.lastUse > r.lastUse {
			victim := activeList[victimIdx]
			data.Assignment[victim.r.id] = spillSlot(cls, data, &nextSlot)
			activeList[victimIdx] = active{r: r, reg: victim.reg}
			data.Assignment[r.id] = Assignment{Class: cls, InReg: true, Reg: victim.reg}
		} else {
			data.Assignment[r.id] = spillSlot(cls, data, &nextSlot)
		}
	}
}

func spillSlot(cls Class, data *Data, nextSlot *int) Assignment {
	slot := *nextSlot
	*nextSlot++
	if cls == ClassGPR {
		data.NumGPRSpills++
	} else {
		data.NumFPRSpills++
	}
	return Assignment{Class: cls, InReg: false, SlotSize: 8, Slot: slot}
}
