// Package decoder defines the Decoder interface consumed by
// BlockBuilder. The guest instruction table and the actual x86/x86-64
// decode logic are deliberately out of scope (§1); this package only
// carries the contract and the DecodedBlock value it produces.
package decoder

import "github.com/dbtcore/dbtcore/pkg/guestpc"

// Instruction is one decoded guest instruction. TableInfo is an opaque
// handle into the (out-of-scope) opcode table; BlockBuilder passes it
// straight through to the opcode dispatcher it was configured with.
type Instruction struct {
	PC       guestpc.PC
	Length   uint8
	TableInfo any // opaque; real shape owned by the decoder implementation
}

// DecodedBlock is a sequence of decoded guest instructions plus entry
// PC, total length, and whether the block ended on an unconditional
// control transfer (§3).
type DecodedBlock struct {
	EntryPC              guestpc.PC
	Instructions         []Instruction
	TotalLength          uint64
	EndsUnconditionalJump bool
}

// RangeCoveredFunc is invoked by the Decoder as it decides block
// boundaries, so callers (e.g. a symbolizer) can observe which guest
// ranges were covered without waiting for the final DecodedBlock list.
type RangeCoveredFunc func(start guestpc.PC, length uint64)

// Decoder lifts guest machine code into DecodedBlocks. Implementations
// are supplied by the embedding application (§1, §6); the core only
// calls through this interface.
type Decoder interface {
	// DecodeInstructionsAtEntry decodes guest code starting at pc,
	// returning one or more DecodedBlocks (a decoder may fold
	// fall-through blocks into a single multi-block lift). onRangeCovered
	// may be nil.
	DecodeInstructionsAtEntry(code []byte, pc guestpc.PC, onRangeCovered RangeCoveredFunc) ([]DecodedBlock, error)
}
