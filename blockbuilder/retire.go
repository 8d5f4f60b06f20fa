// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockbuilder

import (
	"fmt"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/core/address"
)

// Retire implements spec §4.5 step 7: redirect every external referrer
// of sg's original block onto the new blocks Build produced, then remove
// the original block once it carries no more incoming references.
//
// A referrer's Reference.Base is a byte offset local to the original
// block's own buffer -- a different coordinate space from the on-disk
// RVA that basicblock.BasicBlock.SourceRange reports. Retire bridges the
// two: sg.BasicBlocks(), in the linear order the BasicBlockDecomposer
// produced them, partitions the original block's bytes contiguously, so
// summing their sizes recovers each one's local-offset range in the
// original block and pairs it with the RVA range decoding it came from.
// The new blocks' SourceRanges (populated by attachLabelsAndRanges
// during emit) then map that same RVA to wherever the bytes landed after
// reassembly. A referrer whose offset cannot be carried across both
// translations is left untouched and the original block is kept rather
// than silently losing an incoming edge.
func Retire(graph *blockgraph.BlockGraph, sg *basicblock.SubGraph, newBlocks []*blockgraph.Block) error {
	original, ok := sg.OriginalBlock()
	if !ok {
		return nil
	}

	covers := buildCoverage(sg, newBlocks)

	var unresolved []blockgraph.Referrer
	for _, r := range original.Referrers() {
		if r.Block == original.ID() {
			continue // a self-reference dies with the original block below.
		}
		refBlock, ok2 := graph.GetBlockByID(r.Block)
		if !ok2 {
			unresolved = append(unresolved, r)
			continue
		}
		oldRef, ok3 := refBlock.References()[r.Offset]
		if !ok3 {
			unresolved = append(unresolved, r)
			continue
		}
		target, newOffset, found := covers.find(uint32(oldRef.Base))
		if !found {
			unresolved = append(unresolved, r)
			continue
		}
		delta := int32(newOffset) - oldRef.Base
		newRef := blockgraph.Reference{
			Type: oldRef.Type, Size: oldRef.Size, Target: target.ID(),
			Base: oldRef.Base + delta, Offset: oldRef.Offset + delta,
		}
		if err := refBlock.SetReference(r.Offset, newRef); err != nil {
			return fmt.Errorf("blockbuilder: retiring block %q: %w", original.Name, err)
		}
	}

	if len(unresolved) == 0 {
		for offset, ref := range original.References() {
			if ref.Target == original.ID() {
				original.RemoveReference(offset)
			}
		}
	}
	if len(unresolved) > 0 || len(original.Referrers()) > 0 {
		return fmt.Errorf("blockbuilder: cannot retire block %q: %d referrer(s) could not be redirected", original.Name, len(original.Referrers()))
	}
	return graph.RemoveBlock(original.ID())
}

// coverage maps an offset within the original block, by way of the RVA
// it was decoded from, to the new block and offset that now holds those
// bytes.
type coverage struct {
	origToRVA []origRVAEntry
	rvaToNew  []rvaNewEntry
}

type origRVAEntry struct {
	origStart, origEnd uint32
	rvaStart           address.RelativeAddress
}

type rvaNewEntry struct {
	rvaStart, rvaEnd address.RelativeAddress
	block            *blockgraph.Block
	newStart         uint32
}

func (c *coverage) find(originalOffset uint32) (*blockgraph.Block, uint32, bool) {
	for _, e := range c.origToRVA {
		if originalOffset < e.origStart || originalOffset >= e.origEnd {
			continue
		}
		rva := address.RelativeAddress(uint32(e.rvaStart) + (originalOffset - e.origStart))
		for _, n := range c.rvaToNew {
			if rva < n.rvaStart || rva >= n.rvaEnd {
				continue
			}
			return n.block, n.newStart + (uint32(rva) - uint32(n.rvaStart)), true
		}
		return nil, 0, false
	}
	return nil, 0, false
}

// buildCoverage derives both halves of coverage's translation: the
// original block's own linear byte layout (from sg.BasicBlocks(), in the
// decomposer's sweep order) paired with each basic block's source RVA,
// and each new block's SourceRanges (local offset -> RVA), inverted to
// RVA -> local offset.
func buildCoverage(sg *basicblock.SubGraph, newBlocks []*blockgraph.Block) *coverage {
	c := &coverage{}

	off := uint32(0)
	for _, bb := range sg.BasicBlocks() {
		size := uint32(bb.Size())
		if r, ok := bb.SourceRange(); ok {
			c.origToRVA = append(c.origToRVA, origRVAEntry{
				origStart: off, origEnd: off + size, rvaStart: r.Start(),
			})
		}
		off += size
	}

	for _, b := range newBlocks {
		inverse, _ := b.SourceRanges().ComputeInverse()
		for _, p := range inverse.Pairs() {
			c.rvaToNew = append(c.rvaToNew, rvaNewEntry{
				rvaStart: p.Src.Start(), rvaEnd: p.Src.End(),
				block: b, newStart: uint32(p.Dst.Start()),
			})
		}
	}

	return c
}
