// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basicblock

import "fmt"

// Successor is a control-flow edge leaving a BASIC_CODE BasicBlock,
// taken when Condition holds (spec §3.3). A basic block carries at most
// two successors: a single True successor (an unconditional jump or a
// fall-through with no branch instruction at all), or a conditional
// successor paired with its inverse fall-through.
type Successor struct {
	Condition Condition
	Reference Reference

	// HasBranch reports whether this successor is materialized by an
	// explicit branch instruction at the end of the basic block, as
	// opposed to being an implicit fall-through with no encoded bytes of
	// its own. BranchOffset/BranchSize locate that instruction within the
	// basic block's decomposed source bytes; BlockBuilder reads
	// BranchOffset but never rewrites either field.
	HasBranch    bool
	BranchOffset uint32
	BranchSize   uint8
}

// NewFallThrough builds an implicit (no encoded bytes) unconditional
// successor to target.
func NewFallThrough(target Reference) Successor {
	return Successor{Condition: True, Reference: target}
}

// NewBranch builds a successor backed by an explicit branch instruction
// occupying [offset, offset+size) within the basic block's decomposed
// source bytes.
func NewBranch(cond Condition, target Reference, offset uint32, size uint8) Successor {
	return Successor{Condition: cond, Reference: target, HasBranch: true, BranchOffset: offset, BranchSize: size}
}

func (s Successor) String() string {
	if !s.HasBranch {
		return fmt.Sprintf("Successor{%s -> %s (fall-through)}", s.Condition, s.Reference)
	}
	return fmt.Sprintf("Successor{%s -> %s (branch at +%d, %d bytes)}", s.Condition, s.Reference, s.BranchOffset, s.BranchSize)
}
