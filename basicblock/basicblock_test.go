// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basicblock_test

import (
	"testing"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
)

func TestConditionInverse(t *testing.T) {
	pairs := []basicblock.Condition{
		basicblock.Above, basicblock.AboveOrEqual,
		basicblock.Equal, basicblock.NotEqual,
		basicblock.Greater, basicblock.GreaterOrEqual,
		basicblock.Overflow, basicblock.Parity, basicblock.Sign,
	}
	for _, c := range pairs {
		inv, ok := c.Inverse()
		if !ok {
			t.Fatalf("%s: expected an inverse", c)
		}
		back, ok := inv.Inverse()
		if !ok || back != c {
			t.Fatalf("%s: inverse of inverse = %s, want %s", c, back, c)
		}
	}
	if _, ok := basicblock.True.Inverse(); ok {
		t.Fatal("True should have no inverse")
	}
}

func TestSetSuccessorsRejectsTwoUnconditional(t *testing.T) {
	bb := basicblock.NewCodeBasicBlock("b1")
	target := basicblock.NewCodeBasicBlock("b2")
	ref := basicblock.NewBasicBlockReference(blockgraph.PCRelative, 4, target, 0, 0)
	err := bb.SetSuccessors([]basicblock.Successor{
		basicblock.NewFallThrough(ref),
		basicblock.NewFallThrough(ref),
	})
	if err == nil {
		t.Fatal("expected an error for two unconditional successors")
	}
}

func TestSetSuccessorsAcceptsConditionalPlusFallThrough(t *testing.T) {
	bb := basicblock.NewCodeBasicBlock("b1")
	taken := basicblock.NewCodeBasicBlock("taken")
	notTaken := basicblock.NewCodeBasicBlock("not_taken")
	takenRef := basicblock.NewBasicBlockReference(blockgraph.PCRelative, 1, taken, 0, 0)
	fallRef := basicblock.NewBasicBlockReference(blockgraph.PCRelative, 0, notTaken, 0, 0)

	err := bb.SetSuccessors([]basicblock.Successor{
		basicblock.NewBranch(basicblock.Equal, takenRef, 4, 2),
		basicblock.NewFallThrough(fallRef),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bb.Successors) != 2 {
		t.Fatalf("expected 2 successors, got %d", len(bb.Successors))
	}
}

func TestBasicBlockSizeSumsInstructionLengths(t *testing.T) {
	bb := basicblock.NewCodeBasicBlock("b1")
	bb.AddInstruction(basicblock.NewInstruction([]byte{0x55}))
	bb.AddInstruction(basicblock.NewInstruction([]byte{0x8b, 0xec}))
	if got, want := bb.Size(), 3; got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
}

func TestDataBasicBlockSetReferenceRejectsCodeBlock(t *testing.T) {
	bb := basicblock.NewCodeBasicBlock("b1")
	target := basicblock.NewCodeBasicBlock("b2")
	ref := basicblock.NewBasicBlockReference(blockgraph.Absolute, 4, target, 0, 0)
	if err := bb.SetReference(0, ref); err == nil {
		t.Fatal("expected an error setting a data reference on a code block")
	}
}

func TestDataBasicBlockSetReferenceOutOfBounds(t *testing.T) {
	bb := basicblock.NewDataBasicBlock("table", []byte{0, 0, 0, 0})
	target := basicblock.NewCodeBasicBlock("target")
	ref := basicblock.NewBasicBlockReference(blockgraph.Absolute, 4, target, 0, 0)
	if err := bb.SetReference(2, ref); err == nil {
		t.Fatal("expected an error for a reference exceeding the block's length")
	}
}

func TestSubGraphValidateCatchesUnplacedBasicBlock(t *testing.T) {
	g := basicblock.NewSubGraph(nil)
	bb := basicblock.NewCodeBasicBlock("b1")
	g.AddBasicBlock(bb)
	if err := g.Validate(); err == nil {
		t.Fatal("expected an error for a registered-but-unplaced basic block")
	}

	desc := g.AddBlockDescription("b1", blockgraph.CodeBlock, 1)
	desc.AddBasicBlock(bb)
	if err := g.Validate(); err != nil {
		t.Fatalf("unexpected error after placing the basic block: %v", err)
	}
}

func TestSubGraphValidateCatchesDoublePlacement(t *testing.T) {
	g := basicblock.NewSubGraph(nil)
	bb := basicblock.NewCodeBasicBlock("b1")
	g.AddBasicBlock(bb)

	d1 := g.AddBlockDescription("d1", blockgraph.CodeBlock, 1)
	d1.AddBasicBlock(bb)
	d2 := g.AddBlockDescription("d2", blockgraph.CodeBlock, 1)
	d2.AddBasicBlock(bb)

	if err := g.Validate(); err == nil {
		t.Fatal("expected an error for a basic block placed in two descriptions")
	}
}

func TestOriginalBlockRoundTrip(t *testing.T) {
	bg := blockgraph.New()
	orig := bg.AddBlock(blockgraph.CodeBlock, "func", 16)

	g := basicblock.NewSubGraph(orig)
	got, ok := g.OriginalBlock()
	if !ok || got != orig {
		t.Fatal("OriginalBlock did not return the block the subgraph was constructed with")
	}

	g2 := basicblock.NewSubGraph(nil)
	if _, ok := g2.OriginalBlock(); ok {
		t.Fatal("expected no original block for a synthesized subgraph")
	}
}
