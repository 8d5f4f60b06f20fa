// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basicblock

import (
	"fmt"

	"github.com/google/syzygy/blockgraph"
)

// BlockDescription groups a contiguous run of basic blocks into the
// layout of one eventual committed Block (spec §3.3). A subgraph with a
// single description round-trips its original block; a transform that
// wants to split one block into several gives each piece its own
// description instead (spec §4.5 Design Notes).
type BlockDescription struct {
	Name      string
	Type      blockgraph.BlockType
	Alignment uint32

	basicBlocks []*BasicBlock
}

// AddBasicBlock appends bb to the end of the description's layout
// order.
func (d *BlockDescription) AddBasicBlock(bb *BasicBlock) {
	d.basicBlocks = append(d.basicBlocks, bb)
}

// BasicBlocks returns the description's basic blocks in layout order.
func (d *BlockDescription) BasicBlocks() []*BasicBlock { return d.basicBlocks }

// SubGraph is the fine-grained, per-block view of code a transform
// operates on: the BASIC_CODE/BASIC_DATA/BASIC_PADDING decomposition of
// a single source Block, plus a grouping of those basic blocks into one
// or more BlockDescriptions describing how they should be reassembled
// (spec §3.3).
type SubGraph struct {
	// original is the Block this subgraph was decomposed from, or nil if
	// it was synthesized outright by a transform with no corresponding
	// committed block yet.
	original *blockgraph.Block

	basicBlocks  []*BasicBlock
	descriptions []*BlockDescription
}

// NewSubGraph creates an empty subgraph decomposed from original
// (which may be nil).
func NewSubGraph(original *blockgraph.Block) *SubGraph {
	return &SubGraph{original: original}
}

// OriginalBlock returns the Block this subgraph was decomposed from, and
// whether one exists.
func (g *SubGraph) OriginalBlock() (*blockgraph.Block, bool) {
	return g.original, g.original != nil
}

// AddBasicBlock registers bb with the subgraph. It does not by itself
// place bb into any BlockDescription's layout; callers must also add it
// to exactly one description via BlockDescription.AddBasicBlock.
func (g *SubGraph) AddBasicBlock(bb *BasicBlock) {
	g.basicBlocks = append(g.basicBlocks, bb)
}

// BasicBlocks returns every basic block registered with the subgraph, in
// the order they were added (which is the order the BasicBlockDecomposer
// encountered them during its linear sweep, spec §4.3).
func (g *SubGraph) BasicBlocks() []*BasicBlock { return g.basicBlocks }

// AddBlockDescription appends a new, empty BlockDescription to the
// subgraph and returns it for the caller to populate.
func (g *SubGraph) AddBlockDescription(name string, typ blockgraph.BlockType, alignment uint32) *BlockDescription {
	d := &BlockDescription{Name: name, Type: typ, Alignment: alignment}
	g.descriptions = append(g.descriptions, d)
	return d
}

// BlockDescriptions returns the subgraph's block descriptions in the
// order they were added.
func (g *SubGraph) BlockDescriptions() []*BlockDescription { return g.descriptions }

// Validate checks the subgraph's structural invariants: every basic
// block referenced by a BlockDescription must have been registered via
// AddBasicBlock exactly once across all descriptions, and every
// registered basic block must appear in exactly one description.
func (g *SubGraph) Validate() error {
	seen := make(map[*BasicBlock]bool, len(g.basicBlocks))
	for _, bb := range g.basicBlocks {
		seen[bb] = false
	}
	for _, d := range g.descriptions {
		for _, bb := range d.basicBlocks {
			placed, registered := seen[bb]
			if !registered {
				return fmt.Errorf("basicblock: description %q references a basic block not registered with the subgraph", d.Name)
			}
			if placed {
				return fmt.Errorf("basicblock: basic block %q is placed in more than one description", bb.Name)
			}
			seen[bb] = true
		}
	}
	for bb, placed := range seen {
		if !placed {
			return fmt.Errorf("basicblock: basic block %q is registered but not placed in any description", bb.Name)
		}
	}
	return nil
}
