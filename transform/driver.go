// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transform

import (
	"fmt"

	"github.com/google/syzygy/blockbuilder"
	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/decompose"
)

// ErrTransform reports a transform's own failure: a BlockGraphTransform
// returning an error, a BasicBlockSubGraphTransform returning an error,
// or an ImageLayoutTransform violating its add/remove/resize/reorder
// post-condition (spec §4.6, §7 "TransformError").
type ErrTransform struct {
	Transform string
	Reason    string
}

func (e ErrTransform) Error() string {
	return fmt.Sprintf("transform: %q: %s", e.Transform, e.Reason)
}

// ApplyBlockGraphTransform runs t once over the whole graph.
func ApplyBlockGraphTransform(graph *blockgraph.BlockGraph, header *blockgraph.Block, t BlockGraphTransform) error {
	if err := t.TransformBlockGraph(graph, header); err != nil {
		return ErrTransform{Transform: t.Name(), Reason: err.Error()}
	}
	return nil
}

// ApplyImageLayoutTransform runs t, capturing graph's layout first and
// verifying it was preserved once t returns (spec §4.6).
func ApplyImageLayoutTransform(graph *blockgraph.BlockGraph, t ImageLayoutTransform) error {
	layout := CaptureImageLayout(graph)
	if err := t.TransformImageLayout(graph, layout); err != nil {
		return ErrTransform{Transform: t.Name(), Reason: err.Error()}
	}
	if err := layout.verify(graph); err != nil {
		return ErrTransform{Transform: t.Name(), Reason: err.Error()}
	}
	return nil
}

// ApplyBasicBlockSubGraphTransform runs t over every basic-block-safe
// code block currently in graph, in id order (spec §4.6: "the driver
// iterates blocks in id order when applying per-block transforms").
//
// Each candidate block is decomposed eagerly with decomposer. A block
// that fails to decompose because its attributes rule out safe
// basic-block decomposition is left untouched; any other decomposition
// failure marks the block UNSUPPORTED_INSTRUCTIONS and skips it rather
// than failing the whole pass, matching spec §4.6's "if decomposition
// fails due to unsupported instructions, the block is marked ... and
// skipped". A block that does decompose is handed to t, then re-emitted
// via blockbuilder.Build and retired via blockbuilder.Retire.
//
// Blocks created by an earlier iteration's Build call are not
// themselves visited by this same pass -- they carry ids allocated
// after the snapshot of blocks this call started with.
func ApplyBasicBlockSubGraphTransform(graph *blockgraph.BlockGraph, decomposer *decompose.BasicBlockDecomposer, t BasicBlockSubGraphTransform) error {
	for _, b := range graph.Blocks() {
		if b.Type != blockgraph.CodeBlock {
			continue
		}
		if !blockgraph.CodeBlockAttributesAreBasicBlockSafe(b.Attributes) {
			continue
		}

		var seeds []uint32
		for off, l := range b.Labels() {
			if l.Attributes.Has(blockgraph.LabelCode) {
				seeds = append(seeds, off)
			}
		}

		res, err := decomposer.Decompose(graph, b, seeds)
		if err != nil {
			if _, ok := err.(decompose.ErrUnsafeBlock); ok {
				continue
			}
			b.Attributes |= blockgraph.UnsupportedInstructions
			continue
		}
		// Decompose leaves its single default description typed
		// BASIC_CODE, the decomposer's own internal bookkeeping type; a
		// description blockbuilder.Build commits back into the block
		// graph must carry the real CODE type the block it replaces had.
		for _, d := range res.SubGraph.BlockDescriptions() {
			d.Type = blockgraph.CodeBlock
		}

		if err := t.TransformBasicBlockSubGraph(res.SubGraph); err != nil {
			return ErrTransform{Transform: t.Name(), Reason: err.Error()}
		}

		newBlocks, err := blockbuilder.Build(graph, res.SubGraph)
		if err != nil {
			return ErrTransform{Transform: t.Name(), Reason: err.Error()}
		}
		if err := blockbuilder.Retire(graph, res.SubGraph, newBlocks); err != nil {
			return ErrTransform{Transform: t.Name(), Reason: err.Error()}
		}
	}
	return nil
}
