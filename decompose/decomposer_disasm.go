// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decompose

import (
	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
)

// fixupMode is one row of the reference-validation matrix spec §4.4 step
// 14 uses to cross-check a disassembly-synthesized reference against
// whether a PDB fixup exists at the same source offset.
type fixupMode uint8

const (
	fixupMayExist fixupMode = iota
	fixupMustExist
	fixupMustNotExist
)

// validationMode implements the matrix: a 4-byte PC-relative reference
// may or may not carry a fixup depending on the linker's whim, but a
// short (1/2-byte) PC-relative reference is always an intra-module jump
// that never gets one, and a 4-byte PC-relative reference crossing block
// boundaries always does.
func validationMode(typ blockgraph.ReferenceType, size uint8, crossBlock bool) fixupMode {
	if typ != blockgraph.PCRelative {
		return fixupMayExist
	}
	switch {
	case size < 4:
		return fixupMustNotExist
	case crossBlock:
		return fixupMustExist
	default:
		return fixupMayExist
	}
}

// disassembleCode implements step 14: for each basic-block-safe code
// block, seed the BasicBlockDecomposer with every CODE_LABEL offset,
// then fold the resulting subgraph's successors and jump-table labels
// back onto the committed block. finalizeReferences has already run by
// this point, so block.References() reflects every fixup the PDB
// supplied; disassembly only needs to fill in what fixups never cover
// (ordinary intra-module branches) and flag what shouldn't be there.
func (d *Decomposer) disassembleCode(graph *blockgraph.BlockGraph, refs []intermediateReference) error {
	for _, rb := range d.rvaBlocks {
		b := rb.block
		if b.Type != blockgraph.CodeBlock {
			continue
		}
		if !blockgraph.CodeBlockAttributesAreBasicBlockSafe(b.Attributes) {
			continue
		}

		var seeds []uint32
		for off, l := range b.Labels() {
			if l.Attributes.Has(blockgraph.LabelCode) {
				seeds = append(seeds, off)
			}
		}

		d.bbDecomposer.Strict = false
		res, err := d.bbDecomposer.Decompose(graph, b, seeds)
		if err != nil {
			if _, ok := err.(ErrUnsafeBlock); ok {
				continue
			}
			b.Attributes |= blockgraph.ErroredDisassembly
			continue
		}
		if res.Errored {
			b.Attributes |= blockgraph.ErroredDisassembly
		}
		if res.PastEnd {
			b.Attributes |= blockgraph.DisassembledPastEnd
		}

		d.commitSubGraph(b, res)
	}
	return nil
}

// commitSubGraph walks res.SubGraph's basic blocks and attaches back onto
// b whatever the disassembly pass discovered that the committed block
// did not already carry: a PC_RELATIVE reference for every intra- or
// cross-block branch/call successor (step 14(a)), and a JUMP_TABLE label
// for every jump table the sweep carved out (step 14(b)). It also marks
// INCOMPLETE_DISASSEMBLY when the subgraph does not cover every byte.
func (d *Decomposer) commitSubGraph(b *blockgraph.Block, res *Result) {
	offsetOf := make(map[*basicblock.BasicBlock]uint32, len(res.SubGraph.BasicBlocks()))
	covered := uint32(0)
	for _, bb := range res.SubGraph.BasicBlocks() {
		offsetOf[bb] = covered
		covered += uint32(bb.Size())
	}
	if covered < b.Size() {
		b.Attributes |= blockgraph.IncompleteDisassembly
	}

	for _, bb := range res.SubGraph.BasicBlocks() {
		start := offsetOf[bb]
		switch bb.Kind {
		case basicblock.Code:
			d.commitSuccessorReferences(b, start, offsetOf, bb)
		case basicblock.Data:
			if name, ok := bb.Label(); ok && name == "jump_table" {
				if err := b.SetLabel(start, blockgraph.Label{Name: name, Attributes: blockgraph.LabelJumpTable | blockgraph.LabelData}); err != nil {
					b.Attributes |= blockgraph.ErroredDisassembly
				}
			}
		}
	}
}

// commitSuccessorReferences validates and, where missing, synthesizes a
// committed Reference for every branch/call successor of a BASIC_CODE
// basic block starting at start within b (spec §4.4 step 14(a)).
// succ.BranchOffset only locates the branch instruction itself, so the
// instruction is re-decoded to find the PC-relative operand's own byte
// offset -- the coordinate every fixup and resolveBranchTarget's own
// lookup is keyed on.
func (d *Decomposer) commitSuccessorReferences(b *blockgraph.Block, start uint32, offsetOf map[*basicblock.BasicBlock]uint32, bb *basicblock.BasicBlock) {
	for _, succ := range bb.Successors {
		if !succ.HasBranch {
			continue
		}
		instrOff := start + succ.BranchOffset
		dec, err := d.bbDecomposer.Decoder.Decode(b.Data()[instrOff:])
		if err != nil || !dec.HasPCRel {
			// An indirect jump-table dispatch (or any other operand-less
			// branch) has no instruction-embedded operand to key a
			// reference on; its entries are each referenced in their own
			// right as part of the jump table's BASIC_DATA bytes.
			continue
		}
		srcOff := instrOff + uint32(dec.PCRelOffset)
		crossBlock := !succ.Reference.IsBasicBlockTarget()
		mode := validationMode(succ.Reference.Type, succ.Reference.Size, crossBlock)
		_, hasFixup := b.References()[srcOff]

		switch {
		case mode == fixupMustExist && !hasFixup:
			b.Attributes |= blockgraph.ErroredDisassembly
		case mode == fixupMustNotExist && hasFixup:
			b.Attributes |= blockgraph.ErroredDisassembly
		}

		if hasFixup {
			// Already resolved from the PDB's own fixup; keep it as-is
			// rather than overwrite it with our own derivation.
			continue
		}

		ref := referenceFromSuccessor(b, offsetOf, succ.Reference)
		if err := b.SetReference(srcOff, ref); err != nil {
			b.Attributes |= blockgraph.ErroredDisassembly
		}
	}
}

// referenceFromSuccessor converts a subgraph-local basicblock.Reference
// into the committed blockgraph.Reference it denotes, re-basing an
// intra-block target's Base/Offset (which arrive relative to the target
// basic block's own start) onto the owning block b's coordinate space.
func referenceFromSuccessor(b *blockgraph.Block, offsetOf map[*basicblock.BasicBlock]uint32, ref basicblock.Reference) blockgraph.Reference {
	if !ref.IsBasicBlockTarget() {
		return blockgraph.Reference{Type: ref.Type, Size: ref.Size, Target: ref.BlockTarget(), Base: ref.Base, Offset: ref.Offset}
	}
	targetStart := int32(offsetOf[ref.BasicBlockTarget()])
	return blockgraph.Reference{
		Type: ref.Type, Size: ref.Size, Target: b.ID(),
		Base: targetStart + ref.Base, Offset: targetStart + ref.Offset,
	}
}

// finalizeReferences implements step 15: resolve every intermediate
// reference collected from fixups into a block-to-block Reference, and
// step 16: any PC-relative fixup inside a code block that was never
// matched by a disassembled reference is tolerated (unreachable code is
// never disassembled), but any other unmatched fixup is a consistency
// error. It runs before disassembleCode (step 14) so the code
// disassembly pass can validate its own synthesized references, and
// detect jump tables, against every fixup the PDB actually supplied.
func (d *Decomposer) finalizeReferences(graph *blockgraph.BlockGraph, refs []intermediateReference) error {
	for _, ir := range refs {
		srcBlock, srcOff, ok := d.blockAt(ir.srcRVA)
		if !ok {
			continue
		}
		dstBlock, dstOff, ok := d.blockAt(ir.dstBase)
		if !ok {
			if srcBlock.Type == blockgraph.CodeBlock && ir.typ == blockgraph.PCRelative {
				continue
			}
			return ErrConsistency{Reason: "fixup at " + ir.srcRVA.String() + " has no covering destination block"}
		}
		if _, exists := srcBlock.References()[srcOff]; exists {
			continue
		}
		err := srcBlock.SetReference(srcOff, blockgraph.Reference{
			Type: ir.typ, Size: ir.size, Target: dstBlock.ID(),
			Base: int32(dstOff), Offset: int32(dstOff),
		})
		if err != nil {
			if srcBlock.Type == blockgraph.CodeBlock && ir.typ == blockgraph.PCRelative {
				continue
			}
			return ErrConsistency{Reason: err.Error()}
		}
	}
	return nil
}
