// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transform defines the three transform interfaces of spec.md
// §4.6 and the driver that applies them, re-emitting touched code blocks
// through blockbuilder once a basic-block transform has run.
package transform

import (
	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
)

// BlockGraphTransform mutates an entire BlockGraph: it may add, remove,
// or resize blocks and sections freely, but must not invalidate the
// id of header, the graph's header block.
type BlockGraphTransform interface {
	Name() string
	TransformBlockGraph(graph *blockgraph.BlockGraph, header *blockgraph.Block) error
}

// ImageLayoutTransform mutates the contents of existing blocks without
// adding, removing, resizing or reordering any block or section. layout
// is a snapshot of the graph taken before the transform runs; the
// driver uses it to verify the post-condition once the transform
// returns.
type ImageLayoutTransform interface {
	Name() string
	TransformImageLayout(graph *blockgraph.BlockGraph, layout *ImageLayout) error
}

// BasicBlockSubGraphTransform mutates one code block's basic-block
// decomposition -- reordering, rewriting, adding or removing basic
// blocks and BlockDescriptions freely. The driver re-emits the result
// via blockbuilder.Build/Retire once the transform returns.
type BasicBlockSubGraphTransform interface {
	Name() string
	TransformBasicBlockSubGraph(sg *basicblock.SubGraph) error
}
