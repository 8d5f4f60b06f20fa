// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
)

func TestPdbPathFor(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"foo.dll", "foo.pdb"},
		{"dir/foo.dll", "dir/foo.pdb"},
		{"dir.with.dots/foo.dll", "dir.with.dots/foo.pdb"},
		{"noext", "noext.pdb"},
		{"dir/noext", "dir/noext.pdb"},
	} {
		if got := pdbPathFor(tc.in); got != tc.want {
			t.Errorf("pdbPathFor(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSnapshotCountsBlocksAndBytes(t *testing.T) {
	graph := blockgraph.New()
	graph.AddBlock(blockgraph.CodeBlock, "a", 4)
	graph.AddBlock(blockgraph.DataBlock, "b", 6)

	s := snapshot(graph)
	if s.blockCount != 2 {
		t.Errorf("blockCount = %d, want 2", s.blockCount)
	}
	if s.totalSize != 10 {
		t.Errorf("totalSize = %d, want 10", s.totalSize)
	}
	if len(s.ids) != 2 {
		t.Errorf("len(ids) = %d, want 2", len(s.ids))
	}
}

func TestRoundTripRejectsSubGraphWithoutOriginalBlock(t *testing.T) {
	var rt roundTrip
	if rt.Name() != "round-trip" {
		t.Errorf("Name() = %q, want %q", rt.Name(), "round-trip")
	}

	orphan := basicblock.NewSubGraph(nil)
	if err := rt.TransformBasicBlockSubGraph(orphan); err == nil {
		t.Errorf("TransformBasicBlockSubGraph succeeded on an orphan subgraph, want an error")
	}

	b := blockgraph.New().AddBlock(blockgraph.CodeBlock, "f", 1)
	attached := basicblock.NewSubGraph(b)
	if err := rt.TransformBasicBlockSubGraph(attached); err != nil {
		t.Errorf("TransformBasicBlockSubGraph failed on a subgraph with an original block: %v", err)
	}
}
