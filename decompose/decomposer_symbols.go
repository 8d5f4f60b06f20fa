// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decompose

import (
	"strings"

	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/core/address"
	"github.com/google/syzygy/pdb"
	"github.com/google/syzygy/pe"
)

// attachFunctionLabels implements step 6: attach a CODE_LABEL to each
// function/thunk symbol's covering block and propagate its name, plus
// the non-return-function allowlist.
func (d *Decomposer) attachFunctionLabels(graph *blockgraph.BlockGraph, syms []pdb.Symbol) {
	for _, s := range syms {
		b, off, ok := d.blockAt(s.RVA)
		if !ok {
			continue
		}
		b.SetLabel(off, blockgraph.Label{Name: s.Name, Attributes: blockgraph.LabelCode})
		for _, re := range nonReturnAllowlist {
			if re.MatchString(s.Name) {
				b.Attributes |= blockgraph.NonReturnFunction
			}
		}
	}
}

// attachDataLabels implements step 8: attach DATA_LABELs to static data
// symbols, creating a covering block if none exists yet. Zero-length
// symbols are forward declares and are ignored.
func (d *Decomposer) attachDataLabels(graph *blockgraph.BlockGraph, syms []pdb.Symbol, sectionOf func(address.RelativeAddress) (*blockgraph.Section, pe.SectionHeader, bool)) {
	for _, s := range syms {
		if s.Length == 0 {
			continue
		}
		b, off, ok := d.blockAt(s.RVA)
		if !ok {
			sec, _, secOK := sectionOf(s.RVA)
			if !secOK {
				continue
			}
			data, err := d.PE.ImageData(s.RVA, s.Length)
			if err != nil {
				continue
			}
			nb := graph.AddBlock(blockgraph.DataBlock, s.Name, s.Length)
			nb.SectionID = sec.ID()
			if err := nb.SetData(data, false); err != nil {
				continue
			}
			d.addRVABlock(s.RVA, s.Length, nb)
			b, off = nb, 0
		}
		b.SetLabel(off, blockgraph.Label{Name: s.Name, Attributes: blockgraph.LabelData})
	}
}

// attachCodeLabels implements step 9: attach CODE_LABELs for top-level
// label symbols.
func (d *Decomposer) attachCodeLabels(graph *blockgraph.BlockGraph, syms []pdb.Symbol) {
	for _, s := range syms {
		b, off, ok := d.blockAt(s.RVA)
		if !ok {
			continue
		}
		b.SetLabel(off, blockgraph.Label{Name: s.Name, Attributes: blockgraph.LabelCode})
	}
}

// fillGapBlocks implements step 10: for each section, synthesize a block
// of the section's default type (CODE for executable sections, DATA
// otherwise) covering every RVA range not already claimed by a block.
func (d *Decomposer) fillGapBlocks(graph *blockgraph.BlockGraph, sectionOf func(address.RelativeAddress) (*blockgraph.Section, pe.SectionHeader, bool)) {
	for _, hdr := range d.PE.Sections() {
		start := uint32(hdr.Addr)
		end := start + hdr.Size
		typ := blockgraph.DataBlock
		if isCodeCharacteristics(hdr.Characteristics) {
			typ = blockgraph.CodeBlock
		}
		cur := start
		for cur < end {
			b, boff, ok := d.blockAt(address.RelativeAddress(cur))
			if ok {
				// Skip past the block we landed inside.
				rb := d.rvaBlockFor(b)
				cur = uint32(rb.start) + rb.size
				_ = boff
				continue
			}
			// Find the next claimed block's start, if any, to size the gap.
			next := end
			for _, rb := range d.rvaBlocks {
				if uint32(rb.start) > cur && uint32(rb.start) < next {
					next = uint32(rb.start)
				}
			}
			size := next - cur
			if size == 0 {
				cur = next + 1
				continue
			}
			sec, _, secOK := sectionOf(address.RelativeAddress(cur))
			if !secOK {
				cur = next
				continue
			}
			data, err := d.PE.ImageData(address.RelativeAddress(cur), size)
			if err == nil {
				gb := graph.AddBlock(typ, "<gap>", size)
				gb.SectionID = sec.ID()
				if err := gb.SetData(data, false); err == nil {
					gb.Attributes |= blockgraph.GapBlock
					d.addRVABlock(address.RelativeAddress(cur), size, gb)
				}
			}
			cur = next
		}
	}
}

func (d *Decomposer) rvaBlockFor(b *blockgraph.Block) rvaBlock {
	for _, rb := range d.rvaBlocks {
		if rb.block == b {
			return rb
		}
	}
	return rvaBlock{}
}

// attachPublicLabels implements step 11: strip a single leading
// underscore and attach a CODE_LABEL or DATA_LABEL per the symbol's
// covering block type.
func (d *Decomposer) attachPublicLabels(graph *blockgraph.BlockGraph, syms []pdb.Symbol) {
	for _, s := range syms {
		b, off, ok := d.blockAt(s.RVA)
		if !ok {
			continue
		}
		name := strings.TrimPrefix(s.Name, "_")
		attr := blockgraph.LabelCode
		if b.Type == blockgraph.DataBlock {
			attr = blockgraph.LabelData
		}
		b.SetLabel(off, blockgraph.Label{Name: name, Attributes: attr})
	}
}

// mergeStaticInitializers implements step 12: merge every block between
// a matching bracket pair (inclusive of the endpoints) into one
// contiguous block, keyed by the regex group's captured prefix so that
// e.g. `__xc_a`/`__xc_z` only merges with each other, not `__xi_a`.
func (d *Decomposer) mergeStaticInitializers(graph *blockgraph.BlockGraph) {
	type endpoint struct {
		rva    address.RelativeAddress
		prefix string
		isEnd  bool
	}
	var starts, ends []endpoint
	for _, rb := range d.rvaBlocks {
		for off, l := range rb.block.Labels() {
			rva := address.RelativeAddress(uint32(rb.start) + off)
			for _, br := range d.Brackets {
				if m := br.start.FindStringSubmatch(l.Name); m != nil {
					starts = append(starts, endpoint{rva: rva, prefix: m[1]})
				}
				if m := br.end.FindStringSubmatch(l.Name); m != nil {
					ends = append(ends, endpoint{rva: rva, prefix: m[1]})
				}
			}
		}
	}
	for _, s := range starts {
		for _, e := range ends {
			if e.prefix == s.prefix && e.rva >= s.rva {
				d.mergeRange(graph, s.rva, e.rva)
				break
			}
		}
	}
}

// mergeRange merges every block whose RVA range lies within
// [from, to] (inclusive) into a single DATA block.
func (d *Decomposer) mergeRange(graph *blockgraph.BlockGraph, from, to address.RelativeAddress) {
	var merge []rvaBlock
	for _, rb := range d.rvaBlocks {
		if uint32(rb.start) >= uint32(from) && uint32(rb.start) <= uint32(to) {
			merge = append(merge, rb)
		}
	}
	if len(merge) < 2 {
		return
	}
	totalSize := uint32(0)
	for _, rb := range merge {
		totalSize += rb.size
	}
	var data []byte
	for _, rb := range merge {
		data = append(data, rb.block.Data()...)
	}
	first := merge[0]
	nb := graph.AddBlock(blockgraph.DataBlock, first.block.Name, totalSize)
	nb.SectionID = first.block.SectionID
	if err := nb.SetData(data, true); err != nil {
		return
	}

	baseOff := uint32(0)
	for _, rb := range merge {
		for off, l := range rb.block.Labels() {
			nb.SetLabel(baseOff+off, l)
		}
		baseOff += rb.size
		if len(rb.block.Referrers()) == 0 {
			graph.RemoveBlock(rb.block.ID())
		}
	}

	var kept []rvaBlock
	for _, rb := range d.rvaBlocks {
		if uint32(rb.start) >= uint32(from) && uint32(rb.start) <= uint32(to) {
			continue
		}
		kept = append(kept, rb)
	}
	kept = append(kept, rvaBlock{start: first.start, size: totalSize, block: nb})
	d.rvaBlocks = kept
	sortRVABlocks(d.rvaBlocks)
}

func sortRVABlocks(blocks []rvaBlock) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].start < blocks[j-1].start; j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}

// setDataAlignment implements step 13: each data block in a data section
// gets the largest power of two <= 16 dividing its original RVA.
func (d *Decomposer) setDataAlignment(graph *blockgraph.BlockGraph) {
	for _, rb := range d.rvaBlocks {
		if rb.block.Type != blockgraph.DataBlock {
			continue
		}
		rb.block.Alignment = largestAlignment(uint32(rb.start))
	}
}

func largestAlignment(rva uint32) uint32 {
	for a := uint32(16); a > 1; a /= 2 {
		if rva%a == 0 {
			return a
		}
	}
	return 1
}

// detectPadding implements step 17.
func (d *Decomposer) detectPadding(graph *blockgraph.BlockGraph) {
	for _, b := range graph.Blocks() {
		if len(b.Labels()) != 0 || len(b.References()) != 0 || len(b.Referrers()) != 0 {
			continue
		}
		if b.Type == blockgraph.CodeBlock && b.Attributes.Has(blockgraph.GapBlock) && isSingleRepeatedByte(b.Data(), 0xcc) {
			b.Attributes |= blockgraph.PaddingBlock
			continue
		}
		if b.Type == blockgraph.DataBlock && b.Attributes.Has(blockgraph.GapBlock) && (len(b.Data()) == 0 || isSingleRepeatedByte(b.Data(), 0x00)) {
			b.Attributes |= blockgraph.PaddingBlock
		}
	}
}

func isSingleRepeatedByte(data []byte, want byte) bool {
	if len(data) == 0 {
		return true
	}
	for _, b := range data {
		if b != want {
			return false
		}
	}
	return true
}
