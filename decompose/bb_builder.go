// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decompose

import (
	"fmt"
	"sort"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
)

// unit is one basic block's placement within the original block's byte
// range, used to resolve intra-block references and successors once
// every basic block has been constructed.
type unit struct {
	start, end uint32
	seg        *runSeg // non-nil for BASIC_CODE units
	bb         *basicblock.BasicBlock
}

// buildBasicBlocks turns the sweep's final code segments plus the
// original block's remaining bytes into BASIC_CODE/BASIC_DATA/
// BASIC_PADDING basic blocks (spec §4.3 steps 5-8), registering each
// with sg.
func buildBasicBlocks(sg *basicblock.SubGraph, sw *sweep, codeSegments []runSeg, block *blockgraph.Block, graph *blockgraph.BlockGraph) error {
	units, err := layoutUnits(codeSegments, block)
	if err != nil {
		return err
	}

	for i := range units {
		u := &units[i]
		switch {
		case u.seg != nil:
			u.bb = basicblock.NewCodeBasicBlock(fmt.Sprintf("%s+0x%x", block.Name, u.start))
		case jumpTableAt(sw.jumpTables, u.start, u.end):
			u.bb = basicblock.NewDataBasicBlock(fmt.Sprintf("%s+0x%x", block.Name, u.start), block.Data()[u.start:u.end])
			u.bb.SetLabel("jump_table")
		case hasDataLabel(block, u.start):
			u.bb = basicblock.NewDataBasicBlock(fmt.Sprintf("%s+0x%x", block.Name, u.start), block.Data()[u.start:u.end])
		default:
			u.bb = basicblock.NewPaddingBasicBlock(block.Data()[u.start:u.end])
		}
		sg.AddBasicBlock(u.bb)
	}

	for i := range units {
		u := &units[i]
		if u.seg != nil {
			if err := populateCodeUnit(u, units, sw, block); err != nil {
				return err
			}
		} else if u.bb.Kind == basicblock.Data {
			populateDataUnit(u, units, block)
		}
	}

	attachLabels(units, block)
	return nil
}

// layoutUnits merges codeSegments with the data/padding gaps between
// them (and before the first / after the last) so the result covers
// [0, block.Size()) with no gaps or overlaps (spec §4.3 invariant).
func layoutUnits(codeSegments []runSeg, block *blockgraph.Block) ([]unit, error) {
	var units []unit
	cur := uint32(0)
	size := block.Size()
	for i := range codeSegments {
		seg := &codeSegments[i]
		if seg.start > cur {
			units = append(units, unit{start: cur, end: seg.start})
		} else if seg.start < cur {
			return nil, fmt.Errorf("decompose: overlapping basic-block segment at offset %d", seg.start)
		}
		units = append(units, unit{start: seg.start, end: seg.end, seg: seg})
		cur = seg.end
	}
	if cur < size {
		units = append(units, unit{start: cur, end: size})
	}
	return units, nil
}

// jumpTableAt reports whether [start, end) exactly covers a jump table
// the sweep detected, so the gap is carved into a labeled BASIC_DATA
// block instead of falling back to the generic data/padding check.
func jumpTableAt(jts []jumpTable, start, end uint32) bool {
	for _, jt := range jts {
		if jt.start == start && jt.end == end {
			return true
		}
	}
	return false
}

func hasDataLabel(block *blockgraph.Block, off uint32) bool {
	l, ok := block.Labels()[off]
	return ok && l.Attributes.Has(blockgraph.LabelData)
}

func findUnit(units []unit, off uint32) *unit {
	i := sort.Search(len(units), func(i int) bool { return units[i].end > off })
	if i < len(units) {
		return &units[i]
	}
	return nil
}

// populateCodeUnit fills a BASIC_CODE block's instructions, embedded
// references and successors (spec §4.3 steps 6 and 8).
func populateCodeUnit(u *unit, units []unit, sw *sweep, block *blockgraph.Block) error {
	for _, off := range u.seg.instrs {
		dec := sw.instrs[off]
		bytes := append([]byte(nil), block.Data()[off:off+uint32(dec.length)]...)
		inst := basicblock.NewInstruction(bytes)
		for srcOff, ref := range block.References() {
			if srcOff >= off && srcOff < off+uint32(dec.length) {
				if err := inst.SetReference(srcOff-off, convertReference(units, block, ref)); err != nil {
					return err
				}
			}
		}
		u.bb.AddInstruction(inst)
	}

	var successors []basicblock.Successor
	for _, ps := range u.seg.successors {
		successors = append(successors, resolveSuccessor(units, sw, u, ps))
	}
	return u.bb.SetSuccessors(successors)
}

func populateDataUnit(u *unit, units []unit, block *blockgraph.Block) {
	for srcOff, ref := range block.References() {
		if srcOff >= u.start && srcOff < u.end {
			// SetReference on a BASIC_DATA block only fails if the
			// offset lies outside its bytes, which cannot happen here.
			_ = u.bb.SetReference(srcOff-u.start, convertReference(units, block, ref))
		}
	}
}

// convertReference re-bases a committed Block's reference onto the
// basic block that now owns its target offset.
func convertReference(units []unit, block *blockgraph.Block, ref blockgraph.Reference) basicblock.Reference {
	if ref.Target != block.ID() {
		return basicblock.NewBlockReference(ref.Type, ref.Size, ref.Target, ref.Base, ref.Offset)
	}
	target := findUnit(units, uint32(ref.Base))
	return basicblock.NewBasicBlockReference(ref.Type, ref.Size, target.bb, ref.Base-int32(target.start), ref.Offset-int32(target.start))
}

func resolveSuccessor(units []unit, sw *sweep, owner *unit, ps pendingSuccessor) basicblock.Successor {
	var ref basicblock.Reference
	switch {
	case ps.hasIntra:
		target := findUnit(units, ps.intraTarget)
		ref = basicblock.NewBasicBlockReference(ps.refType, ps.refSize, target.bb, ps.refBase-int32(target.start), ps.refOffset-int32(target.start))
	case ps.hasExternal:
		ref = basicblock.NewBlockReference(ps.refType, ps.refSize, ps.externalTarget, ps.refBase, ps.refOffset)
	}
	if ps.hasBranchInstr {
		dec := sw.instrs[ps.branchInstrOffset]
		return basicblock.NewBranch(ps.condition, ref, ps.branchInstrOffset-owner.start, uint8(dec.length))
	}
	return basicblock.NewFallThrough(ref)
}

// attachLabels replays every label from the original block onto exactly
// one of {basic block, instruction} (spec §4.3 step 8's sibling
// invariant: "every label ... appears on exactly one of basic block,
// instruction, or successor").
func attachLabels(units []unit, block *blockgraph.Block) {
	offsets := make([]uint32, 0, len(block.Labels()))
	for off := range block.Labels() {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	for _, off := range offsets {
		l := block.Labels()[off]
		u := findUnit(units, off)
		if u == nil {
			continue
		}
		if off == u.start {
			u.bb.SetLabel(l.Name)
			continue
		}
		if u.seg == nil {
			continue
		}
		for i, instrOff := range u.seg.instrs {
			if instrOff == off {
				name := l.Name
				u.bb.Instructions[i].Label = &name
				break
			}
		}
	}
}
