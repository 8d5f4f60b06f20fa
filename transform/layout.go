// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transform

import (
	"fmt"

	"github.com/google/syzygy/blockgraph"
)

// ImageLayout is a snapshot of a BlockGraph's section and block
// ordering, captured before an ImageLayoutTransform runs so the driver
// can verify, afterward, that the transform only rewrote block contents
// (spec §4.6).
type ImageLayout struct {
	sections []blockgraph.SectionID
	blocks   []layoutEntry
}

type layoutEntry struct {
	id      blockgraph.BlockID
	section blockgraph.SectionID
	size    uint32
}

// CaptureImageLayout records graph's current section and block ordering
// (block order is graph.Blocks()'s id order, the same order the driver
// applies per-block transforms in).
func CaptureImageLayout(graph *blockgraph.BlockGraph) *ImageLayout {
	l := &ImageLayout{}
	for _, s := range graph.Sections() {
		l.sections = append(l.sections, s.ID())
	}
	for _, b := range graph.Blocks() {
		l.blocks = append(l.blocks, layoutEntry{id: b.ID(), section: b.SectionID, size: b.Size()})
	}
	return l
}

// verify reports an error if graph's current section/block ordering,
// membership or sizes differ from the ones l captured.
func (l *ImageLayout) verify(graph *blockgraph.BlockGraph) error {
	gotSections := graph.Sections()
	if len(gotSections) != len(l.sections) {
		return fmt.Errorf("section count changed from %d to %d", len(l.sections), len(gotSections))
	}
	for i, id := range l.sections {
		if gotSections[i].ID() != id {
			return fmt.Errorf("section order changed at position %d (was %d, now %d)", i, id, gotSections[i].ID())
		}
	}

	gotBlocks := graph.Blocks()
	if len(gotBlocks) != len(l.blocks) {
		return fmt.Errorf("block count changed from %d to %d", len(l.blocks), len(gotBlocks))
	}
	for i, e := range l.blocks {
		b := gotBlocks[i]
		if b.ID() != e.id {
			return fmt.Errorf("block order changed at position %d (was %d, now %d)", i, e.id, b.ID())
		}
		if b.SectionID != e.section {
			return fmt.Errorf("block %d moved from section %d to %d", b.ID(), e.section, b.SectionID)
		}
		if b.Size() != e.size {
			return fmt.Errorf("block %d resized from %d to %d", b.ID(), e.size, b.Size())
		}
	}
	return nil
}
