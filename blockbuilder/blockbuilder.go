// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockbuilder re-assembles a basicblock.SubGraph, whose layout a
// transform has rearranged, back into one or more committed
// blockgraph.Blocks (spec.md §4.5). It synthesizes the minimum branch
// encoding that reaches each successor, converging on final offsets via
// a monotone layout fixpoint exactly like a two-pass assembler's
// short/near jump promotion.
package blockbuilder

import (
	"fmt"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/core/address"
)

// ErrLayout is returned when the branch-reach fixpoint fails to converge
// or a branch's target cannot be reached by any encoding this package
// knows how to produce (spec §4.5, §9 Open Questions).
type ErrLayout struct{ Reason string }

func (e ErrLayout) Error() string { return "blockbuilder: " + e.Reason }

// branchState tracks one successor's synthesized branch across the
// layout fixpoint: its current provisional size, and whether its target
// lies outside the description being built (in which case its size is
// pinned at the safe encoding from the start, since the final distance
// is only known once the image is laid out and relocations applied).
type branchState struct {
	cond     basicblock.Condition
	ref      basicblock.Reference
	external bool // target is not a basic block of this same description.
	size     branchSize
}

// codeUnit is the per-basic-block layout state for one BASIC_CODE block.
type codeUnit struct {
	bb       *basicblock.BasicBlock
	body     []byte                          // bytes preceding any branch: kept instructions, verbatim.
	instRefs map[uint32]basicblock.Reference // offsets within body carrying an embedded reference.
	branches []*branchState                  // emitted after body, in order.
	offset   int                             // local offset within the new block; recomputed each pass.

	// trailingLabel carries the label of the original branch instruction
	// BlockBuilder discarded to resynthesize fresh bytes, if any. Since a
	// discarded branch contributes its provisional byte count either way
	// (zero when elided), attaching this at offset+len(body)+branchBytes
	// naturally lands it on the next real byte when the branch is elided
	// (spec §4.5 "labels on elided branches").
	trailingLabel *string
}

// dataUnit is the per-basic-block layout state for a BASIC_DATA or
// BASIC_PADDING block -- these never resize, so they need no fixpoint
// participation, only final reference/label placement.
type dataUnit struct {
	bb     *basicblock.BasicBlock
	offset int
}

// unit is either a codeUnit or a dataUnit; exactly one of the two
// pointers is non-nil.
type unit struct {
	code *codeUnit
	data *dataUnit
	desc int // index of the owning BlockDescription.
}

func (u *unit) bb() *basicblock.BasicBlock {
	if u.code != nil {
		return u.code.bb
	}
	return u.data.bb
}

func (u *unit) offset() int {
	if u.code != nil {
		return u.code.offset
	}
	return u.data.offset
}

func (u *unit) setOffset(off int) {
	if u.code != nil {
		u.code.offset = off
	} else {
		u.data.offset = off
	}
}

func (u *unit) encodedLen() int {
	if u.data != nil {
		return len(u.data.bb.Data)
	}
	n := len(u.code.body)
	for _, bs := range u.code.branches {
		n += encodedLen(bs.cond, bs.size)
	}
	return n
}

// Build re-assembles every BlockDescription in sg into a freshly
// committed blockgraph.Block, implementing spec §4.5 steps 1-6. It does
// not retire the subgraph's original block -- call Retire separately
// once the caller is ready to drop it (step 7).
func Build(graph *blockgraph.BlockGraph, sg *basicblock.SubGraph) ([]*blockgraph.Block, error) {
	if err := sg.Validate(); err != nil {
		return nil, err
	}

	descs := sg.BlockDescriptions()
	ownerDesc := make(map[*basicblock.BasicBlock]int, len(sg.BasicBlocks()))
	for di, d := range descs {
		for _, bb := range d.BasicBlocks() {
			ownerDesc[bb] = di
		}
	}

	unitsByDesc := make([][]unit, len(descs))
	bbUnit := make(map[*basicblock.BasicBlock]*unit, len(sg.BasicBlocks()))
	for di, d := range descs {
		units, err := buildUnits(d, ownerDesc, di)
		if err != nil {
			return nil, err
		}
		unitsByDesc[di] = units
		for i := range units {
			bbUnit[units[i].bb()] = &unitsByDesc[di][i]
		}
	}

	// Run each description's fixpoint and reserve its committed block
	// before any bytes are written, so that a branch crossing into a
	// description processed later can still resolve a real BlockID.
	blocks := make([]*blockgraph.Block, len(descs))
	for di, d := range descs {
		if err := runFixpoint(unitsByDesc[di], bbUnit); err != nil {
			return nil, fmt.Errorf("blockbuilder: description %q: %w", d.Name, err)
		}
		recomputeOffsets(unitsByDesc[di])
		total := 0
		if n := len(unitsByDesc[di]); n > 0 {
			last := unitsByDesc[di][n-1]
			total = last.offset() + last.encodedLen()
		}
		b := graph.AddBlock(d.Type, d.Name, uint32(total))
		b.Alignment = d.Alignment
		blocks[di] = b
	}

	for di, d := range descs {
		if err := emit(blocks[di], d, unitsByDesc[di], bbUnit, blocks, ownerDesc); err != nil {
			return nil, fmt.Errorf("blockbuilder: description %q: %w", d.Name, err)
		}
	}

	return blocks, nil
}

// buildUnits converts one description's basic blocks into layout units,
// determining which successors are elided (spec §4.5 step 2: "a
// successor whose target is the very next basic block in the order and
// whose condition is True is elided; a single conditional successor
// elides its paired fall-through").
func buildUnits(d *basicblock.BlockDescription, ownerDesc map[*basicblock.BasicBlock]int, di int) ([]unit, error) {
	list := d.BasicBlocks()
	units := make([]unit, len(list))
	for i, bb := range list {
		if bb.Kind != basicblock.Code {
			units[i] = unit{data: &dataUnit{bb: bb}, desc: di}
			continue
		}

		cu := &codeUnit{bb: bb, instRefs: map[uint32]basicblock.Reference{}}
		cum := uint32(0)
		branchOffsets := make(map[uint32]bool, len(bb.Successors))
		for _, s := range bb.Successors {
			if s.HasBranch {
				branchOffsets[s.BranchOffset] = true
			}
		}
		for _, inst := range bb.Instructions {
			if branchOffsets[cum] {
				if inst.Label != nil {
					cu.trailingLabel = inst.Label
				}
				break
			}
			base := uint32(len(cu.body))
			for off, ref := range inst.References() {
				cu.instRefs[base+off] = ref
			}
			cu.body = append(cu.body, inst.Bytes...)
			cum += uint32(len(inst.Bytes))
		}

		for _, s := range orderSuccessors(bb.Successors) {
			elide := s.Condition == basicblock.True && isNextInOrder(list, i, s)
			bs := &branchState{cond: s.Condition, ref: s.Reference}
			switch {
			case elide:
				bs.size = sizeElided
			case !s.Reference.IsBasicBlockTarget() || ownerDesc[s.Reference.BasicBlockTarget()] != di:
				if s.Condition.IsLoopFamily() {
					return nil, ErrLayout{fmt.Sprintf("%s branch cannot target a block outside its own description", s.Condition)}
				}
				bs.external = true
				bs.size = sizeNear
			default:
				bs.size = sizeShort
			}
			cu.branches = append(cu.branches, bs)
		}
		units[i] = unit{code: cu, desc: di}
	}
	return units, nil
}

// orderSuccessors returns a code basic block's successors with its
// conditional edge (if any) first and its True edge (fall-through or
// plain jmp) last: "Jcc, then jmp", never the reverse.
func orderSuccessors(succs []basicblock.Successor) []basicblock.Successor {
	var cond, uncond []basicblock.Successor
	for _, s := range succs {
		if s.Condition == basicblock.True {
			uncond = append(uncond, s)
		} else {
			cond = append(cond, s)
		}
	}
	return append(cond, uncond...)
}

func isNextInOrder(list []*basicblock.BasicBlock, i int, s basicblock.Successor) bool {
	if !s.Reference.IsBasicBlockTarget() {
		return false
	}
	return i+1 < len(list) && list[i+1] == s.Reference.BasicBlockTarget()
}

// runFixpoint implements spec §4.5 step 3: recompute every unit's offset
// from the current branch sizes, then promote any short branch whose
// target now falls outside rel8 range, repeating until a pass promotes
// nothing. Per spec §9's Open Question resolution, bounded at 2 times
// the description's branch count -- promotions are monotone (short ->
// near, never back), so a converging layout can never hit that bound.
func runFixpoint(units []unit, bbUnit map[*basicblock.BasicBlock]*unit) error {
	branchCount := 0
	for _, u := range units {
		if u.code != nil {
			branchCount += len(u.code.branches)
		}
	}
	maxIter := 2*branchCount + 1

	for iter := 0; ; iter++ {
		recomputeOffsets(units)
		changed := false
		for _, u := range units {
			if u.code == nil {
				continue
			}
			pos := u.code.offset + len(u.code.body)
			for _, bs := range u.code.branches {
				n := encodedLen(bs.cond, bs.size)
				if bs.size == sizeElided || bs.external {
					pos += n
					continue
				}
				end := pos + n
				target := bbUnit[bs.ref.BasicBlockTarget()]
				rel := int64(target.offset()) - int64(end)
				if bs.size == sizeShort && !fitsShort(rel) {
					bs.size = sizeNear
					changed = true
					n = encodedLen(bs.cond, bs.size)
				}
				pos += n
			}
		}
		if !changed {
			return nil
		}
		if iter >= maxIter {
			return ErrLayout{"branch-reach fixpoint did not converge"}
		}
	}
}

func recomputeOffsets(units []unit) {
	off := 0
	for i := range units {
		units[i].setOffset(off)
		off += units[i].encodedLen()
	}
}

// emit implements spec §4.5 steps 4-6 for one description, once every
// description's block has already been reserved in blocks: write final
// bytes (resolving intra-description branches to real PC-relative
// displacements and recording a symbolic Reference for every reference
// that targets another description or an already-external block),
// replay labels, and merge source ranges.
func emit(b *blockgraph.Block, d *basicblock.BlockDescription, units []unit, bbUnit map[*basicblock.BasicBlock]*unit, blocks []*blockgraph.Block, ownerDesc map[*basicblock.BasicBlock]int) error {
	buf := make([]byte, 0, b.Size())

	type pendingRef struct {
		offset uint32
		ref    blockgraph.Reference
	}
	var refs []pendingRef

	resolve := func(ref basicblock.Reference) (blockgraph.BlockID, int32, int32) {
		if !ref.IsBasicBlockTarget() {
			return ref.BlockTarget(), ref.Base, ref.Offset
		}
		target := bbUnit[ref.BasicBlockTarget()]
		tb := blocks[ownerDesc[ref.BasicBlockTarget()]]
		return tb.ID(), ref.Base + int32(target.offset()), ref.Offset + int32(target.offset())
	}

	for _, u := range units {
		base := uint32(len(buf))
		if u.data != nil {
			buf = append(buf, u.data.bb.Data...)
			for off, ref := range u.data.bb.References() {
				tid, base2, offset2 := resolve(ref)
				refs = append(refs, pendingRef{offset: base + off, ref: blockgraph.Reference{
					Type: ref.Type, Size: ref.Size, Target: tid, Base: base2, Offset: offset2,
				}})
			}
			continue
		}

		cu := u.code
		buf = append(buf, cu.body...)
		for off, ref := range cu.instRefs {
			tid, base2, offset2 := resolve(ref)
			refs = append(refs, pendingRef{offset: base + off, ref: blockgraph.Reference{
				Type: ref.Type, Size: ref.Size, Target: tid, Base: base2, Offset: offset2,
			}})
		}

		pos := int(base) + len(cu.body)
		for _, bs := range cu.branches {
			if bs.size == sizeElided {
				continue
			}
			n := encodedLen(bs.cond, bs.size)
			var rel int32
			if !bs.external {
				target := bbUnit[bs.ref.BasicBlockTarget()]
				rel = int32(int64(target.offset()) - int64(pos+n))
			}
			enc, relOff, err := encodeBranch(bs.cond, bs.size, rel)
			if err != nil {
				return ErrLayout{err.Error()}
			}
			buf = append(buf, enc...)
			if bs.external {
				tid, base2, offset2 := resolve(bs.ref)
				refs = append(refs, pendingRef{
					offset: uint32(pos + relOff),
					ref:    blockgraph.Reference{Type: blockgraph.PCRelative, Size: uint8(n - relOff), Target: tid, Base: base2, Offset: offset2},
				})
			}
			pos += n
		}
	}

	if err := b.SetData(buf, true); err != nil {
		return err
	}
	for _, pr := range refs {
		if err := b.SetReference(pr.offset, pr.ref); err != nil {
			return err
		}
	}
	attachLabelsAndRanges(b, units)
	return nil
}

// attachLabelsAndRanges replays every basic block's label and the label
// of each instruction it kept, and merges each basic block's and
// instruction's source range (when present) into the committed block's
// SourceRanges map.
func attachLabelsAndRanges(b *blockgraph.Block, units []unit) {
	for _, u := range units {
		bb := u.bb()
		if name, ok := bb.Label(); ok {
			_ = b.SetLabel(uint32(u.offset()), blockgraph.Label{Name: name, Attributes: labelAttrFor(bb)})
		}
		if r, ok := bb.SourceRange(); ok {
			b.SourceRanges().Push(address.NewRange(blockgraph.BlockOffset(u.offset()), uint32(u.encodedLen())), r)
		}
		if u.code == nil {
			continue
		}
		off := u.offset()
		kept := 0
		for _, inst := range u.code.bb.Instructions {
			if kept >= len(u.code.body) {
				break // the remaining instruction(s) were the discarded branch.
			}
			if inst.Label != nil {
				_ = b.SetLabel(uint32(off), blockgraph.Label{Name: *inst.Label, Attributes: blockgraph.LabelCode})
			}
			if inst.HasSourceRange {
				b.SourceRanges().Push(address.NewRange(blockgraph.BlockOffset(off), uint32(len(inst.Bytes))), inst.SourceRange)
			}
			off += len(inst.Bytes)
			kept += len(inst.Bytes)
		}
		if u.code.trailingLabel != nil {
			_ = b.SetLabel(uint32(u.offset()+u.encodedLen()), blockgraph.Label{Name: *u.code.trailingLabel, Attributes: blockgraph.LabelCode})
		}
	}
}

func labelAttrFor(bb *basicblock.BasicBlock) blockgraph.LabelAttr {
	if bb.Kind == basicblock.Code {
		return blockgraph.LabelCode
	}
	return blockgraph.LabelData
}
