// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basicblock

import (
	"fmt"

	"github.com/google/syzygy/blockgraph"
)

// Reference is the subgraph-local analog of blockgraph.Reference: an
// edge whose target may be a BasicBlock still living inside the
// subgraph being built, or a Block already committed to the enclosing
// BlockGraph (spec §3.3 "BasicBlockReference"). Exactly one of
// basicBlock/block is set.
type Reference struct {
	Type blockgraph.ReferenceType
	Size uint8
	Base int32
	// Offset is the value actually encoded at the reference site, which
	// may differ from Base (e.g. a jump-table entry pointing partway
	// into a block).
	Offset int32

	basicBlock *BasicBlock
	block      blockgraph.BlockID
	hasBlock   bool
}

// NewBasicBlockReference builds a Reference that targets bb, another
// basic block within the same subgraph.
func NewBasicBlockReference(typ blockgraph.ReferenceType, size uint8, bb *BasicBlock, base, offset int32) Reference {
	return Reference{Type: typ, Size: size, Base: base, Offset: offset, basicBlock: bb}
}

// NewBlockReference builds a Reference that targets a Block already
// committed to the enclosing BlockGraph -- e.g. a call to a function
// that lies outside the block being decomposed.
func NewBlockReference(typ blockgraph.ReferenceType, size uint8, target blockgraph.BlockID, base, offset int32) Reference {
	return Reference{Type: typ, Size: size, Base: base, Offset: offset, block: target, hasBlock: true}
}

// IsBasicBlockTarget reports whether the reference targets a basic block
// within the same subgraph, as opposed to an external Block.
func (r Reference) IsBasicBlockTarget() bool { return r.basicBlock != nil }

// BasicBlockTarget returns the referenced BasicBlock. It panics if the
// reference targets an external Block; callers should check
// IsBasicBlockTarget first.
func (r Reference) BasicBlockTarget() *BasicBlock {
	if r.basicBlock == nil {
		panic("basicblock: Reference does not target a basic block")
	}
	return r.basicBlock
}

// BlockTarget returns the referenced external Block's id. It panics if
// the reference targets a BasicBlock; callers should check
// IsBasicBlockTarget first.
func (r Reference) BlockTarget() blockgraph.BlockID {
	if r.basicBlock != nil {
		panic("basicblock: Reference does not target an external block")
	}
	return r.block
}

func (r Reference) String() string {
	if r.basicBlock != nil {
		return fmt.Sprintf("Reference{type=%s, size=%d, target=basicblock(%p), base=%d, offset=%d}", r.Type, r.Size, r.basicBlock, r.Base, r.Offset)
	}
	return fmt.Sprintf("Reference{type=%s, size=%d, target=block(%d), base=%d, offset=%d}", r.Type, r.Size, r.block, r.Base, r.Offset)
}
