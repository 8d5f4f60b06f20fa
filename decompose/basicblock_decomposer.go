// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decompose

import (
	"fmt"
	"sort"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/disasm"
)

// BasicBlockDecomposer implements spec §4.3: a linear-sweep disassembly
// of a single code Block into a basicblock.SubGraph, with successor
// targets resolved from the block's embedded References rather than
// trusted disassembler operands.
type BasicBlockDecomposer struct {
	Decoder disasm.Decoder

	// Strict aborts the whole decomposition on the first disassembly
	// failure or dangling branch reference. Non-strict mode (the
	// default, for "dirty" blocks produced by unrecognized compilers)
	// instead terminates only the current path and reports the
	// downgrade via the returned Result.
	Strict bool
}

// NewBasicBlockDecomposer returns a decomposer backed by decoder.
func NewBasicBlockDecomposer(decoder disasm.Decoder) *BasicBlockDecomposer {
	return &BasicBlockDecomposer{Decoder: decoder}
}

// Result carries the decomposed subgraph plus the attribute downgrades
// the caller must apply to the original Block (spec §4.4 step 14).
type Result struct {
	SubGraph *basicblock.SubGraph
	// Errored reports a non-strict disassembly failure occurred
	// somewhere in the block (ERRORED_DISASSEMBLY).
	Errored bool
	// PastEnd reports a non-branch instruction ran off the end of the
	// block (DISASSEMBLED_PAST_END).
	PastEnd bool
}

// ErrUnsafeBlock is returned when block's attributes fail
// blockgraph.CodeBlockAttributesAreBasicBlockSafe.
type ErrUnsafeBlock struct {
	Block blockgraph.BlockID
}

func (e ErrUnsafeBlock) Error() string {
	return fmt.Sprintf("decompose: block %d is not safe for basic-block decomposition", e.Block)
}

// Decompose runs spec §4.3's algorithm on block. graph resolves the
// block's referrers and the target blocks of any inter-block references
// it carries. seedOffsets supplies additional known entry points (e.g.
// CODE_LABEL offsets the Decomposer has already attached to the block,
// spec §4.4 step 14) beyond those implied by referrers.
func (d *BasicBlockDecomposer) Decompose(graph *blockgraph.BlockGraph, block *blockgraph.Block, seedOffsets []uint32) (*Result, error) {
	if !blockgraph.CodeBlockAttributesAreBasicBlockSafe(block.Attributes) {
		return nil, ErrUnsafeBlock{Block: block.ID()}
	}

	sw := newSweep(d.Decoder, block, graph, d.Strict)
	for off := range collectSeeds(graph, block, seedOffsets) {
		sw.jumpTargets[off] = true
		sw.queue = append(sw.queue, off)
	}
	sort.Slice(sw.queue, func(i, j int) bool { return sw.queue[i] < sw.queue[j] })

	if err := sw.run(); err != nil {
		return nil, err
	}

	segments, err := sw.segments()
	if err != nil {
		return nil, err
	}

	sg := basicblock.NewSubGraph(block)
	if err := buildBasicBlocks(sg, sw, segments, block, graph); err != nil {
		return nil, err
	}
	desc := sg.AddBlockDescription(block.Name, blockgraph.BasicCodeBlock, block.Alignment)
	for _, bb := range sg.BasicBlocks() {
		desc.AddBasicBlock(bb)
	}
	if err := sg.Validate(); err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	return &Result{SubGraph: sg, Errored: sw.errored, PastEnd: sw.pastEnd}, nil
}

// collectSeeds builds the initial jump-target set from every referrer
// whose reference points into block at an offset not preceded by a DATA
// label (spec §4.3 step 1), plus any caller-supplied seeds.
func collectSeeds(graph *blockgraph.BlockGraph, block *blockgraph.Block, extra []uint32) map[uint32]bool {
	seeds := make(map[uint32]bool)
	for _, off := range extra {
		seeds[off] = true
	}
	for _, r := range block.Referrers() {
		refBlock, ok := graph.GetBlockByID(r.Block)
		if !ok {
			continue
		}
		ref, ok := refBlock.References()[r.Offset]
		if !ok || ref.Target != block.ID() {
			continue
		}
		off := uint32(ref.Base)
		if precededByDataLabel(block, off) {
			continue
		}
		seeds[off] = true
	}
	// A block's own start is always a valid entry point even with no
	// internal referrer (e.g. a function reached only via an external
	// symbol attached after relocation).
	seeds[0] = true
	return seeds
}

// precededByDataLabel reports whether the nearest label at or before off
// is a pure DATA label (no CODE attribute), meaning off lies inside a
// data run and must not be treated as a code entry point.
func precededByDataLabel(block *blockgraph.Block, off uint32) bool {
	var nearest uint32
	found := false
	for labelOff := range block.Labels() {
		if labelOff <= off && (!found || labelOff > nearest) {
			nearest = labelOff
			found = true
		}
	}
	if !found {
		return false
	}
	l := block.Labels()[nearest]
	return l.Attributes.Has(blockgraph.LabelData) && !l.Attributes.Has(blockgraph.LabelCode)
}
