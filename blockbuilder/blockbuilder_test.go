// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockbuilder

import (
	"testing"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
)

// filler appends a code basic block whose body is n single-byte NOPs,
// standing in for whatever real instructions a transform left
// untouched; only their total length matters to the layout fixpoint.
func filler(name string, n int) *basicblock.BasicBlock {
	bb := basicblock.NewCodeBasicBlock(name)
	bb.AddInstruction(basicblock.NewInstruction(make([]byte, n)))
	return bb
}

// TestElideFallThrough checks that a True successor targeting the very
// next basic block in layout order costs zero bytes (spec §4.5 step 2).
func TestElideFallThrough(t *testing.T) {
	graph := blockgraph.New()
	head := filler("head", 2)
	tail := filler("tail", 1)

	sg := basicblock.NewSubGraph(nil)
	sg.AddBasicBlock(head)
	sg.AddBasicBlock(tail)
	d := sg.AddBlockDescription("func", blockgraph.CodeBlock, 1)
	d.AddBasicBlock(head)
	d.AddBasicBlock(tail)

	if err := head.SetSuccessors([]basicblock.Successor{
		basicblock.NewFallThrough(basicblock.NewBasicBlockReference(blockgraph.PCRelative, 0, tail, 0, 0)),
	}); err != nil {
		t.Fatalf("SetSuccessors: %v", err)
	}

	blocks, err := Build(graph, sg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.Size() != 3 {
		t.Fatalf("block size = %d, want 3 (no synthesized jmp)", b.Size())
	}
}

// TestConditionalKeepsShortBranch checks a conditional successor close
// enough to its target encodes as the 2-byte short Jcc form, and that
// its paired True/fall-through successor (landing on the immediately
// following basic block) stays elided.
func TestConditionalKeepsShortBranch(t *testing.T) {
	graph := blockgraph.New()
	head := filler("head", 1)
	adjacent := filler("adjacent", 1)
	far := filler("far", 1)

	sg := basicblock.NewSubGraph(nil)
	sg.AddBasicBlock(head)
	sg.AddBasicBlock(adjacent)
	sg.AddBasicBlock(far)
	d := sg.AddBlockDescription("func", blockgraph.CodeBlock, 1)
	d.AddBasicBlock(head)
	d.AddBasicBlock(adjacent)
	d.AddBasicBlock(far)

	err := head.SetSuccessors([]basicblock.Successor{
		{Condition: basicblock.Equal, Reference: basicblock.NewBasicBlockReference(blockgraph.PCRelative, 0, far, 0, 0)},
		basicblock.NewFallThrough(basicblock.NewBasicBlockReference(blockgraph.PCRelative, 0, adjacent, 0, 0)),
	})
	if err != nil {
		t.Fatalf("SetSuccessors: %v", err)
	}

	blocks, err := Build(graph, sg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b := blocks[0]
	// head(1) + je rel8(2) + adjacent(1) + far(1) == 5.
	if b.Size() != 5 {
		t.Fatalf("block size = %d, want 5", b.Size())
	}
	if b.Data()[1] != 0x74 { // JE short opcode (0x70 | cc=4).
		t.Fatalf("branch opcode = 0x%02x, want 0x74 (short JE)", b.Data()[1])
	}
}

// TestShortToNearPromotion grounds spec §8 scenario 2/3: a conditional
// branch whose target is initially assumed close (short encoding) but
// turns out to lie beyond the signed rel8 range once every other
// branch's provisional size is accounted for must be promoted to the
// near (6-byte) Jcc encoding, and the fixpoint must still converge.
func TestShortToNearPromotion(t *testing.T) {
	graph := blockgraph.New()
	head := filler("head", 1)
	// 130 bytes of filler between head's branch and its target pushes the
	// displacement past the rel8 range (127) even at the 2-byte short
	// encoding, forcing promotion.
	middle := filler("middle", 130)
	target := filler("target", 1)

	sg := basicblock.NewSubGraph(nil)
	sg.AddBasicBlock(head)
	sg.AddBasicBlock(middle)
	sg.AddBasicBlock(target)
	d := sg.AddBlockDescription("func", blockgraph.CodeBlock, 1)
	d.AddBasicBlock(head)
	d.AddBasicBlock(middle)
	d.AddBasicBlock(target)

	err := head.SetSuccessors([]basicblock.Successor{
		{Condition: basicblock.Greater, Reference: basicblock.NewBasicBlockReference(blockgraph.PCRelative, 0, target, 0, 0)},
		basicblock.NewFallThrough(basicblock.NewBasicBlockReference(blockgraph.PCRelative, 0, middle, 0, 0)),
	})
	if err != nil {
		t.Fatalf("SetSuccessors: %v", err)
	}

	blocks, err := Build(graph, sg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b := blocks[0]
	// head(1) + near Jcc(6) + middle(130) + target(1) == 138.
	if b.Size() != 138 {
		t.Fatalf("block size = %d, want 138 (promoted to near encoding)", b.Size())
	}
	if b.Data()[1] != 0x0f || b.Data()[2] != 0x8f { // near JG: 0F 8F.
		t.Fatalf("branch opcode = 0x%02x 0x%02x, want 0x0f 0x8f (near JG)", b.Data()[1], b.Data()[2])
	}
}

// TestLoopFamilyCannotCrossDescription checks that a loop/jecxz
// successor targeting a basic block placed in a different
// BlockDescription is rejected outright, since that family has no
// encoding beyond an 8-bit displacement and a cross-description target's
// final distance is unknowable at build time.
func TestLoopFamilyCannotCrossDescription(t *testing.T) {
	graph := blockgraph.New()
	head := filler("head", 1)
	other := filler("other", 1)

	sg := basicblock.NewSubGraph(nil)
	sg.AddBasicBlock(head)
	sg.AddBasicBlock(other)
	d1 := sg.AddBlockDescription("func1", blockgraph.CodeBlock, 1)
	d1.AddBasicBlock(head)
	d2 := sg.AddBlockDescription("func2", blockgraph.CodeBlock, 1)
	d2.AddBasicBlock(other)

	err := head.SetSuccessors([]basicblock.Successor{
		{Condition: basicblock.Loop, Reference: basicblock.NewBasicBlockReference(blockgraph.PCRelative, 0, other, 0, 0)},
	})
	if err != nil {
		t.Fatalf("SetSuccessors: %v", err)
	}

	if _, err := Build(graph, sg); err == nil {
		t.Fatalf("Build succeeded, want an ErrLayout for a cross-description loop branch")
	}
}

// TestCrossDescriptionBranchRecordsReference checks that a jmp crossing
// into a different BlockDescription is encoded at the safe (near) size
// and recorded as a real blockgraph.Reference rather than a raw
// computed displacement, since the two resulting blocks' final
// addresses aren't known until image layout.
func TestCrossDescriptionBranchRecordsReference(t *testing.T) {
	graph := blockgraph.New()
	head := filler("head", 1)
	other := filler("other", 1)

	sg := basicblock.NewSubGraph(nil)
	sg.AddBasicBlock(head)
	sg.AddBasicBlock(other)
	d1 := sg.AddBlockDescription("func1", blockgraph.CodeBlock, 1)
	d1.AddBasicBlock(head)
	d2 := sg.AddBlockDescription("func2", blockgraph.CodeBlock, 1)
	d2.AddBasicBlock(other)

	err := head.SetSuccessors([]basicblock.Successor{
		basicblock.NewFallThrough(basicblock.NewBasicBlockReference(blockgraph.PCRelative, 0, other, 0, 0)),
	})
	if err != nil {
		t.Fatalf("SetSuccessors: %v", err)
	}

	blocks, err := Build(graph, sg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	func1 := blocks[0]
	if func1.Size() != 6 { // 1 filler byte + E9 rel32.
		t.Fatalf("func1 size = %d, want 6", func1.Size())
	}
	refs := func1.References()
	ref, ok := refs[2] // 1 body byte + the E9 opcode byte precede the rel32 field.
	if !ok {
		t.Fatalf("expected a reference at offset 2 for the cross-description jmp")
	}
	if ref.Target != blocks[1].ID() {
		t.Fatalf("reference target = %d, want func2's id %d", ref.Target, blocks[1].ID())
	}
}
