// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockgraph

import "fmt"

// Violation describes a single broken invariant found by Validate.
type Violation struct {
	Block   BlockID
	Message string
}

func (v Violation) Error() string {
	return fmt.Sprintf("block %d: %s", v.Block, v.Message)
}

// Validate walks the whole graph and checks the universally quantified
// invariants of spec §3.2/§8. It never mutates the graph, and returns
// every violation found rather than stopping at the first one.
func Validate(g *BlockGraph) []Violation {
	var violations []Violation

	for _, b := range g.Blocks() {
		if b.dataSize > b.size {
			violations = append(violations, Violation{b.id, fmt.Sprintf("data_size %d exceeds size %d", b.dataSize, b.size)})
		}
		if b.data == nil && b.dataSize != 0 {
			violations = append(violations, Violation{b.id, "data is nil but data_size is non-zero"})
		}

		for offset, ref := range b.references {
			if uint64(offset)+uint64(ref.Size) > uint64(b.size) {
				violations = append(violations, Violation{b.id, fmt.Sprintf("reference at offset %d size %d exceeds block size %d", offset, ref.Size, b.size)})
			}
			target, ok := g.blocks[ref.Target]
			if !ok {
				violations = append(violations, Violation{b.id, fmt.Sprintf("reference at offset %d targets missing block %d", offset, ref.Target)})
				continue
			}
			if ref.Base < 0 || uint32(ref.Base) >= target.size {
				violations = append(violations, Violation{b.id, fmt.Sprintf("reference at offset %d has base %d outside target block of size %d", offset, ref.Base, target.size)})
			}
			if _, ok := target.referrers[Referrer{Block: b.id, Offset: offset}]; !ok {
				violations = append(violations, Violation{b.id, fmt.Sprintf("reference at offset %d not mirrored in target %d's referrers", offset, ref.Target)})
			}
		}

		for offset := range b.referrers {
			if src, ok := g.blocks[offset.Block]; ok {
				if _, ok := src.references[offset.Offset]; !ok {
					violations = append(violations, Violation{b.id, fmt.Sprintf("referrer (%d, %d) has no matching reference", offset.Block, offset.Offset)})
				}
			} else {
				violations = append(violations, Violation{b.id, fmt.Sprintf("referrer from missing block %d", offset.Block)})
			}
		}

		for offset, lbl := range b.labels {
			if offset > b.size {
				violations = append(violations, Violation{b.id, fmt.Sprintf("label %q at offset %d exceeds block size %d", lbl.Name, offset, b.size)})
			}
			if lbl.Attributes.Has(LabelJumpTable|LabelCaseTable) && !lbl.Attributes.Has(LabelData) {
				violations = append(violations, Violation{b.id, fmt.Sprintf("label %q at offset %d is a jump/case table but lacks DATA", lbl.Name, offset)})
			}
			if lbl.Attributes.impliesCode() && !lbl.Attributes.Has(LabelCode) {
				violations = append(violations, Violation{b.id, fmt.Sprintf("label %q at offset %d implies CODE but lacks it", lbl.Name, offset)})
			}
		}
	}

	return violations
}
