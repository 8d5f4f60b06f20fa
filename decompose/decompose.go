// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decompose turns a raw PE image (plus its matching PDB debug
// info) into a blockgraph.BlockGraph, and turns a single code Block
// within that graph into a fine-grained basicblock.SubGraph (spec.md
// §4.3, §4.4).
package decompose

import "fmt"

// ErrFormat is returned when a PE or PDB file fails a magic or length
// check (spec §7 "FormatError").
type ErrFormat struct {
	Reason string
}

func (e ErrFormat) Error() string { return fmt.Sprintf("decompose: format error: %s", e.Reason) }

// ErrConsistency is returned when fixups contradict relocs, or when a
// reference would leave the block graph in an inconsistent state (spec
// §7 "ConsistencyError").
type ErrConsistency struct {
	Reason string
}

func (e ErrConsistency) Error() string {
	return fmt.Sprintf("decompose: consistency error: %s", e.Reason)
}

// ErrDecomposition is returned when disassembly fails in a strict block,
// or a reference falls outside any known section (spec §7
// "DecompositionError").
type ErrDecomposition struct {
	Reason string
}

func (e ErrDecomposition) Error() string {
	return fmt.Sprintf("decompose: decomposition error: %s", e.Reason)
}
