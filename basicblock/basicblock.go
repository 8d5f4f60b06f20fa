// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basicblock

import (
	"fmt"

	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/core/address"
)

// Kind distinguishes the three flavors a BasicBlock can take (spec
// §3.3).
type Kind uint8

const (
	// Code holds a sequence of decoded Instructions and ends with zero,
	// one or two Successors.
	Code Kind = iota
	// Data holds raw bytes interpreted as data (e.g. a jump table), and
	// may itself carry References into other basic blocks.
	Data
	// Padding holds filler bytes (commonly INT3 or NOP) inserted by the
	// compiler purely for alignment; it carries no references.
	Padding
)

func (k Kind) String() string {
	switch k {
	case Code:
		return "BASIC_CODE"
	case Data:
		return "BASIC_DATA"
	case Padding:
		return "BASIC_PADDING"
	default:
		return "UNKNOWN"
	}
}

// BasicBlock is one node of a BasicBlockSubGraph: a contiguous run of
// either instructions, data bytes, or padding bytes, taken from a single
// source Block being decomposed (spec §3.3).
type BasicBlock struct {
	Kind Kind
	Name string

	// Code-only fields.
	Instructions []*Instruction
	Successors   []Successor

	// Data/Padding-only fields.
	Data       []byte
	references map[uint32]Reference

	Alignment uint32

	label          *string
	sourceRange    address.Range[address.RelativeAddress]
	hasSourceRange bool
}

// NewCodeBasicBlock builds an empty BASIC_CODE block.
func NewCodeBasicBlock(name string) *BasicBlock {
	return &BasicBlock{Kind: Code, Name: name, Alignment: 1}
}

// NewDataBasicBlock builds a BASIC_DATA block wrapping data.
func NewDataBasicBlock(name string, data []byte) *BasicBlock {
	return &BasicBlock{Kind: Data, Name: name, Data: data, Alignment: 1, references: make(map[uint32]Reference)}
}

// NewPaddingBasicBlock builds a BASIC_PADDING block wrapping filler
// bytes.
func NewPaddingBasicBlock(data []byte) *BasicBlock {
	return &BasicBlock{Kind: Padding, Name: "<padding>", Data: data, Alignment: 1}
}

// Size returns the basic block's encoded length in bytes: the sum of
// instruction lengths for BASIC_CODE, or len(Data) otherwise.
func (bb *BasicBlock) Size() int {
	if bb.Kind != Code {
		return len(bb.Data)
	}
	n := 0
	for _, inst := range bb.Instructions {
		n += inst.Len()
	}
	return n
}

// SetLabel attaches a name to the basic block's start offset.
func (bb *BasicBlock) SetLabel(name string) { bb.label = &name }

// Label returns the basic block's label, if any.
func (bb *BasicBlock) Label() (string, bool) {
	if bb.label == nil {
		return "", false
	}
	return *bb.label, true
}

// SetSourceRange records the on-disk RVA range the basic block's bytes
// were decoded from.
func (bb *BasicBlock) SetSourceRange(r address.Range[address.RelativeAddress]) {
	bb.sourceRange = r
	bb.hasSourceRange = true
}

// SourceRange returns the basic block's source range, if one was set.
func (bb *BasicBlock) SourceRange() (address.Range[address.RelativeAddress], bool) {
	return bb.sourceRange, bb.hasSourceRange
}

// SetReference attaches a reference at byteOffset within a BASIC_DATA
// block's bytes. It is an error to call this on a BASIC_CODE or
// BASIC_PADDING block -- code blocks carry references on their
// Instructions instead, and padding carries none.
func (bb *BasicBlock) SetReference(byteOffset uint32, ref Reference) error {
	if bb.Kind != Data {
		return fmt.Errorf("basicblock: SetReference is only valid on a %s block, not %s", Data, bb.Kind)
	}
	if uint64(byteOffset)+uint64(ref.Size) > uint64(len(bb.Data)) {
		return fmt.Errorf("basicblock: reference at offset %d size %d exceeds block length %d", byteOffset, ref.Size, len(bb.Data))
	}
	if bb.references == nil {
		bb.references = make(map[uint32]Reference)
	}
	bb.references[byteOffset] = ref
	return nil
}

// References returns a BASIC_DATA block's references keyed by byte
// offset.
func (bb *BasicBlock) References() map[uint32]Reference { return bb.references }

// AddInstruction appends inst to a BASIC_CODE block.
func (bb *BasicBlock) AddInstruction(inst *Instruction) {
	bb.Instructions = append(bb.Instructions, inst)
}

// SetSuccessors replaces a BASIC_CODE block's outgoing edges. A block
// with a conditional successor may have at most 2: exactly one
// conditional, alone or paired with one unconditional fall-through/branch
// (spec §3.3 invariant). A block with no conditional successor may carry any
// number of unconditional (Condition == True) ones: a plain jump has
// one, a jump-table dispatch has one per table entry (spec §4.4 step
// 14(b), scenario 5).
func (bb *BasicBlock) SetSuccessors(succs []Successor) error {
	if bb.Kind != Code {
		return fmt.Errorf("basicblock: SetSuccessors is only valid on a %s block, not %s", Code, bb.Kind)
	}
	var conditional, unconditional int
	for _, s := range succs {
		if s.Condition == True {
			unconditional++
		} else {
			conditional++
		}
	}
	switch {
	case conditional == 0:
		// Any number of unconditional edges: a fall-through, a plain
		// branch, or a jump table's N-way dispatch.
	case conditional == 1 && unconditional <= 1:
		// Jcc alone, or paired with its inverse fall-through/branch.
	default:
		return fmt.Errorf("basicblock: a basic block with a conditional successor must carry exactly one conditional and at most one unconditional, got %d conditional and %d unconditional", conditional, unconditional)
	}
	bb.Successors = succs
	return nil
}

func (bb *BasicBlock) String() string {
	return fmt.Sprintf("BasicBlock{kind=%s, name=%q, size=%d}", bb.Kind, bb.Name, bb.Size())
}

// blockTypeFor maps a basic block Kind to its committed-Block
// equivalent, used once BlockBuilder re-assembles basic blocks back
// into a single Block (spec §4.5).
func blockTypeFor(k Kind) blockgraph.BlockType {
	switch k {
	case Code:
		return blockgraph.BasicCodeBlock
	default:
		return blockgraph.BasicDataBlock
	}
}
