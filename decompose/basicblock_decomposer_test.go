// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decompose

import (
	"testing"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/disasm"
)

func newTestBlock(graph *blockgraph.BlockGraph, data []byte) *blockgraph.Block {
	b := graph.AddBlock(blockgraph.CodeBlock, "test_func", uint32(len(data)))
	if err := b.SetData(data, false); err != nil {
		panic(err)
	}
	return b
}

// TestDecomposeStraightLine covers a function with no branches at all: a
// single BASIC_CODE block with zero successors.
func TestDecomposeStraightLine(t *testing.T) {
	// mov eax, 1; ret
	data := []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3}
	graph := blockgraph.New()
	block := newTestBlock(graph, data)

	d := NewBasicBlockDecomposer(disasm.X86Decoder{})
	res, err := d.Decompose(graph, block, nil)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	bbs := res.SubGraph.BasicBlocks()
	if len(bbs) != 1 {
		t.Fatalf("got %d basic blocks, want 1", len(bbs))
	}
	if bbs[0].Kind != basicblock.Code {
		t.Fatalf("got kind %s, want Code", bbs[0].Kind)
	}
	if len(bbs[0].Successors) != 0 {
		t.Fatalf("got %d successors, want 0", len(bbs[0].Successors))
	}
	if len(bbs[0].Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(bbs[0].Instructions))
	}
}

// TestDecomposeUnconditionalJumpBackward builds a two-instruction loop: a
// backward jmp forms a second basic block whose target is the first.
func TestDecomposeUnconditionalJumpBackward(t *testing.T) {
	// 0: nop
	// 1: jmp 0
	data := []byte{0x90, 0xeb, 0xfd}
	graph := blockgraph.New()
	block := newTestBlock(graph, data)

	d := NewBasicBlockDecomposer(disasm.X86Decoder{})
	res, err := d.Decompose(graph, block, nil)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	bbs := res.SubGraph.BasicBlocks()
	if len(bbs) != 1 {
		t.Fatalf("got %d basic blocks, want 1 (nop+jmp share one block since jmp's target is the block start)", len(bbs))
	}
	if len(bbs[0].Successors) != 1 {
		t.Fatalf("got %d successors, want 1", len(bbs[0].Successors))
	}
	succ := bbs[0].Successors[0]
	if succ.Condition != basicblock.True {
		t.Fatalf("got condition %s, want True", succ.Condition)
	}
	if !succ.Reference.IsBasicBlockTarget() {
		t.Fatalf("successor should target a basic block within the same subgraph")
	}
	if succ.Reference.BasicBlockTarget() != bbs[0] {
		t.Fatalf("jmp should target its own containing block (offset 0)")
	}
}

// TestDecomposeConditionalBranch checks that a Jcc produces two
// successors: the taken target and an implicit True fall-through,
// correctly paired per basicblock.BasicBlock.SetSuccessors's invariant.
func TestDecomposeConditionalBranch(t *testing.T) {
	data := []byte{
		0x85, 0xc0, // test eax, eax      (offset 0, len 2)
		0x74, 0x03, // je +3 -> target 7  (offset 2, len 2)
		0x90,       // nop                (offset 4, len 1)
		0x90,       // nop                (offset 5, len 1)
		0x90,       // nop                (offset 6, len 1)
		0xc3,       // ret                (offset 7, len 1)
	}
	graph := blockgraph.New()
	block := newTestBlock(graph, data)

	d := NewBasicBlockDecomposer(disasm.X86Decoder{})
	res, err := d.Decompose(graph, block, nil)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	bbs := res.SubGraph.BasicBlocks()
	// head (test+je), fall-through run (nop,nop,nop), and the je target (ret)
	// are three distinct basic blocks once boundary reconciliation clips
	// the fall-through run at the branch target (spec §4.3 step 4).
	if len(bbs) != 3 {
		t.Fatalf("got %d basic blocks, want 3", len(bbs))
	}
	head := bbs[0]
	if len(head.Successors) != 2 {
		t.Fatalf("got %d successors on head, want 2", len(head.Successors))
	}
	var sawTaken, sawFallThrough bool
	for _, s := range head.Successors {
		switch s.Condition {
		case basicblock.Equal:
			sawTaken = true
		case basicblock.True:
			sawFallThrough = true
		}
	}
	if !sawTaken || !sawFallThrough {
		t.Fatalf("head successors = %+v, want one Equal and one True", head.Successors)
	}
}

// TestDecomposeDataLabelBoundary verifies a BASIC_DATA label embedded
// mid-block terminates the preceding code run at that offset.
func TestDecomposeDataLabelBoundary(t *testing.T) {
	data := []byte{
		0xc3,                   // ret  (offset 0)
		0x01, 0x02, 0x03, 0x04, // 4 bytes of data (offset 1..5)
	}
	graph := blockgraph.New()
	block := newTestBlock(graph, data)
	if err := block.SetLabel(1, blockgraph.Label{Name: "table", Attributes: blockgraph.LabelData}); err != nil {
		t.Fatalf("SetLabel: %v", err)
	}

	d := NewBasicBlockDecomposer(disasm.X86Decoder{})
	res, err := d.Decompose(graph, block, nil)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	bbs := res.SubGraph.BasicBlocks()
	if len(bbs) != 2 {
		t.Fatalf("got %d basic blocks, want 2 (code then data)", len(bbs))
	}
	if bbs[0].Kind != basicblock.Code {
		t.Fatalf("first block kind = %s, want Code", bbs[0].Kind)
	}
	if bbs[1].Kind != basicblock.Data {
		t.Fatalf("second block kind = %s, want Data", bbs[1].Kind)
	}
	if len(bbs[1].Data) != 4 {
		t.Fatalf("data block size = %d, want 4", len(bbs[1].Data))
	}
}

// TestDecomposeUnsafeBlockRejected checks that a block carrying an unsafe
// attribute (e.g. inline assembly) is rejected outright.
func TestDecomposeUnsafeBlockRejected(t *testing.T) {
	data := []byte{0xc3}
	graph := blockgraph.New()
	block := newTestBlock(graph, data)
	block.Attributes |= blockgraph.HasInlineAssembly

	d := NewBasicBlockDecomposer(disasm.X86Decoder{})
	_, err := d.Decompose(graph, block, nil)
	if _, ok := err.(ErrUnsafeBlock); !ok {
		t.Fatalf("got error %v (%T), want ErrUnsafeBlock", err, err)
	}
}

// TestDecomposeJumpTable covers spec §8 scenario 5: a code block ending
// with an indirect jump through a jump table (jmp [eax*4+table])
// immediately followed by the table's reloc-backed entries. The 12
// table bytes must be carved into a BASIC_DATA block labeled
// "jump_table", and the jmp must gain one successor per entry.
func TestDecomposeJumpTable(t *testing.T) {
	data := []byte{
		0xff, 0x24, 0x85, 0x00, 0x00, 0x00, 0x00, // jmp [eax*4+0]   (offset 0, len 7)
		0, 0, 0, 0, // table entry 0 -> offset 19 (offset 7)
		0, 0, 0, 0, // table entry 1 -> offset 20 (offset 11)
		0, 0, 0, 0, // table entry 2 -> offset 21 (offset 15)
		0xc3, // ret (case 0, offset 19)
		0xc3, // ret (case 1, offset 20)
		0xc3, // ret (case 2, offset 21)
	}
	graph := blockgraph.New()
	block := newTestBlock(graph, data)
	for i, target := range []uint32{19, 20, 21} {
		off := uint32(7 + 4*i)
		if err := block.SetReference(off, blockgraph.Reference{
			Type: blockgraph.Absolute, Size: 4, Target: block.ID(), Base: int32(target), Offset: int32(target),
		}); err != nil {
			t.Fatalf("SetReference(%d): %v", off, err)
		}
	}

	d := NewBasicBlockDecomposer(disasm.X86Decoder{})
	res, err := d.Decompose(graph, block, nil)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	bbs := res.SubGraph.BasicBlocks()

	// jmp block, table block, and one ret block per case.
	if len(bbs) != 5 {
		t.Fatalf("got %d basic blocks, want 5 (jmp, table, 3 rets): %+v", len(bbs), bbs)
	}

	head := bbs[0]
	if head.Kind != basicblock.Code {
		t.Fatalf("head kind = %s, want Code", head.Kind)
	}
	if len(head.Successors) != 3 {
		t.Fatalf("got %d successors on the jmp block, want 3", len(head.Successors))
	}
	seen := make(map[*basicblock.BasicBlock]bool)
	for _, s := range head.Successors {
		if s.Condition != basicblock.True {
			t.Fatalf("jump-table successor condition = %s, want True", s.Condition)
		}
		if !s.Reference.IsBasicBlockTarget() {
			t.Fatalf("jump-table successor should target a basic block within the same subgraph")
		}
		seen[s.Reference.BasicBlockTarget()] = true
	}
	if len(seen) != 3 {
		t.Fatalf("jump-table successors target %d distinct basic blocks, want 3", len(seen))
	}

	table := bbs[1]
	if table.Kind != basicblock.Data {
		t.Fatalf("table kind = %s, want Data", table.Kind)
	}
	if len(table.Data) != 12 {
		t.Fatalf("table size = %d, want 12", len(table.Data))
	}
	if name, ok := table.Label(); !ok || name != "jump_table" {
		t.Fatalf("table label = %q, %v, want %q, true", name, ok, "jump_table")
	}

	for _, bb := range bbs[2:] {
		if bb.Kind != basicblock.Code || len(bb.Instructions) != 1 {
			t.Fatalf("case block %+v, want a single-instruction Code block", bb)
		}
	}
}

// TestDecomposeCallToNonReturnFunction checks that a call to a block
// carrying NonReturnFunction terminates the run with no fall-through.
func TestDecomposeCallToNonReturnFunction(t *testing.T) {
	graph := blockgraph.New()
	abort := graph.AddBlock(blockgraph.CodeBlock, "abort", 1)
	if err := abort.SetData([]byte{0xc3}, false); err != nil {
		t.Fatal(err)
	}
	abort.Attributes |= blockgraph.NonReturnFunction

	// call rel32 to abort, followed by a nop that should still be
	// disassembled (unreachable code after a non-return call) but not
	// connected as a fall-through successor.
	data := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0x90}
	caller := newTestBlock(graph, data)
	if err := caller.SetReference(1, blockgraph.Reference{
		Type: blockgraph.PCRelative, Size: 4, Target: abort.ID(), Base: 0, Offset: 0,
	}); err != nil {
		t.Fatal(err)
	}

	d := NewBasicBlockDecomposer(disasm.X86Decoder{})
	res, err := d.Decompose(graph, caller, nil)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	bbs := res.SubGraph.BasicBlocks()
	if len(bbs) != 2 {
		t.Fatalf("got %d basic blocks, want 2 (call block + unreachable tail)", len(bbs))
	}
	if len(bbs[0].Successors) != 1 {
		t.Fatalf("got %d successors on the call block, want 1", len(bbs[0].Successors))
	}
	succ := bbs[0].Successors[0]
	if succ.Reference.IsBasicBlockTarget() {
		t.Fatalf("call successor should target an external Block, not a basic block")
	}
	if succ.Reference.BlockTarget() != abort.ID() {
		t.Fatalf("call successor targets block %d, want %d", succ.Reference.BlockTarget(), abort.ID())
	}
}
