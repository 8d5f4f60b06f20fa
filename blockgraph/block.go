// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockgraph

import (
	"fmt"

	"github.com/google/syzygy/core/address"
	"github.com/google/syzygy/core/addressmap"
)

// BlockID identifies a Block within a BlockGraph. Ids are dense and
// monotonically allocated; they are never reused within a graph's
// lifetime (spec §3.2, Design Notes "Intrusive back-edges" -- blocks are
// referred to by stable id, not pointer, precisely so a BlockGraph can
// be an arena).
type BlockID uint32

// InvalidBlockID is the sentinel for "no block".
const InvalidBlockID BlockID = 0xffffffff

// BlockType distinguishes code from data, at both the block-graph level
// and the basic-block-subgraph level.
type BlockType uint8

const (
	CodeBlock BlockType = iota
	DataBlock
	BasicCodeBlock
	BasicDataBlock
)

func (t BlockType) String() string {
	switch t {
	case CodeBlock:
		return "CODE"
	case DataBlock:
		return "DATA"
	case BasicCodeBlock:
		return "BASIC_CODE"
	case BasicDataBlock:
		return "BASIC_DATA"
	default:
		return "UNKNOWN"
	}
}

// Attributes is the per-block bitmask from spec §3.2. Attributes are
// monotone under merging -- if either merged block carries a bit, the
// merged block does too -- except PaddingBlock and BuiltBySyzygy, which
// are markers applied only after a merge completes.
type Attributes uint32

const (
	NonReturnFunction Attributes = 1 << iota
	GapBlock
	PEParsed
	SectionContrib
	PaddingBlock
	HasInlineAssembly
	BuiltByUnsupportedCompiler
	BuiltBySyzygy
	HasExceptionHandling
	ErroredDisassembly
	DisassembledPastEnd
	IncompleteDisassembly
	UnsupportedInstructions
)

// postMergeOnly is the set of attributes excluded from the monotone
// merge rule: they describe the result of a transform, not a property
// inherited from either input.
const postMergeOnly = PaddingBlock | BuiltBySyzygy

var attrNames = []struct {
	bit  Attributes
	name string
}{
	{NonReturnFunction, "NON_RETURN_FUNCTION"},
	{GapBlock, "GAP_BLOCK"},
	{PEParsed, "PE_PARSED"},
	{SectionContrib, "SECTION_CONTRIB"},
	{PaddingBlock, "PADDING_BLOCK"},
	{HasInlineAssembly, "HAS_INLINE_ASSEMBLY"},
	{BuiltByUnsupportedCompiler, "BUILT_BY_UNSUPPORTED_COMPILER"},
	{BuiltBySyzygy, "BUILT_BY_SYZYGY"},
	{HasExceptionHandling, "HAS_EXCEPTION_HANDLING"},
	{ErroredDisassembly, "ERRORED_DISASSEMBLY"},
	{DisassembledPastEnd, "DISASSEMBLED_PAST_END"},
	{IncompleteDisassembly, "INCOMPLETE_DISASSEMBLY"},
	{UnsupportedInstructions, "UNSUPPORTED_INSTRUCTIONS"},
}

func (a Attributes) Has(bit Attributes) bool { return a&bit != 0 }

func (a Attributes) String() string {
	s := ""
	for _, e := range attrNames {
		if a.Has(e.bit) {
			if s != "" {
				s += "|"
			}
			s += e.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// mergeAttributes implements the monotone-under-merge rule.
func mergeAttributes(a, b Attributes) Attributes {
	return (a | b) &^ postMergeOnly
}

// BlockOffset is a byte offset within a single Block's data, used as the
// Src type of a Block's SourceRanges map.
type BlockOffset uint32

// CodeBlockAttributesAreBasicBlockSafe reports whether a code block's
// attributes permit safe basic-block decomposition (spec §4.3): it must
// not be a gap, padding, or inline-assembly block, must not have been
// built by an unsupported compiler, and must not have already failed
// disassembly or have exception handling, which this engine does not
// model at the basic-block level.
func CodeBlockAttributesAreBasicBlockSafe(a Attributes) bool {
	const unsafe = GapBlock | PaddingBlock | HasInlineAssembly |
		BuiltByUnsupportedCompiler | ErroredDisassembly |
		HasExceptionHandling | DisassembledPastEnd
	return a&unsafe == 0
}

// Block is one contiguous, relocatable byte region: a node of the
// BlockGraph.
type Block struct {
	id        BlockID
	Type      BlockType
	size      uint32
	Alignment uint32
	Name      string
	SectionID SectionID
	Attributes

	dataOwned bool
	data      []byte
	dataSize  uint32

	references map[uint32]Reference
	referrers  map[Referrer]struct{}
	labels     map[uint32]Label

	sourceRanges *addressmap.Map[BlockOffset, address.RelativeAddress]

	graph *BlockGraph
}

func newBlock(graph *BlockGraph, id BlockID, t BlockType, name string, size uint32) *Block {
	return &Block{
		id:           id,
		Type:         t,
		size:         size,
		Alignment:    1,
		Name:         name,
		SectionID:    InvalidSectionID,
		references:   make(map[uint32]Reference),
		referrers:    make(map[Referrer]struct{}),
		labels:       make(map[uint32]Label),
		sourceRanges: addressmap.New[BlockOffset, address.RelativeAddress](),
		graph:        graph,
	}
}

// ID returns the block's stable id.
func (b *Block) ID() BlockID { return b.id }

// Size returns the block's virtual size in bytes.
func (b *Block) Size() uint32 { return b.size }

// DataSize returns the number of explicit bytes the block carries; the
// tail Size()-DataSize() bytes are implicitly zero (BSS).
func (b *Block) DataSize() uint32 { return b.dataSize }

// Data returns the block's explicit bytes (length DataSize()). The
// returned slice aliases borrowed storage and must not be mutated --
// call MakeDataOwned first to obtain an owned copy.
func (b *Block) Data() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[:b.dataSize]
}

// IsDataOwned reports whether the block's bytes are a private copy
// rather than borrowed from an external backing buffer (e.g. a
// memory-mapped PE image).
func (b *Block) IsDataOwned() bool { return b.dataOwned }

// SetData replaces the block's explicit bytes. owned must be true unless
// data is guaranteed to outlive the BlockGraph (e.g. it aliases a
// memory-mapped PE image) and will never be mutated by any other code
// path. len(data) must not exceed Size().
func (b *Block) SetData(data []byte, owned bool) error {
	if uint32(len(data)) > b.size {
		return fmt.Errorf("blockgraph: data of length %d exceeds block size %d", len(data), b.size)
	}
	b.data = data
	b.dataSize = uint32(len(data))
	b.dataOwned = owned
	return nil
}

// MakeDataOwned coerces borrowed data to an owned copy, a no-op if the
// block's data is already owned. Any transform that needs to edit a
// block's bytes in place must call this first (spec §5 "Shared
// resources").
func (b *Block) MakeDataOwned() {
	if b.dataOwned || b.data == nil {
		b.dataOwned = true
		return
	}
	owned := make([]byte, len(b.data))
	copy(owned, b.data)
	b.data = owned
	b.dataOwned = true
}

// SetReference attaches (or replaces) the reference at srcOffset,
// keeping the target block's Referrers set consistent in the same
// operation (spec §3.2 invariant 1). It fails if the reference's
// (Type, Size) pair or Base is invalid, if its source byte range does
// not lie within the block's Size, or if its target block does not
// exist in the same graph.
func (b *Block) SetReference(srcOffset uint32, ref Reference) error {
	target, ok := b.graph.GetBlockByID(ref.Target)
	if !ok {
		return fmt.Errorf("blockgraph: reference target block %d does not exist", ref.Target)
	}
	if err := ref.validate(target.size); err != nil {
		return err
	}
	if uint64(srcOffset)+uint64(ref.Size) > uint64(b.size) {
		return fmt.Errorf("blockgraph: reference at offset %d size %d exceeds block size %d", srcOffset, ref.Size, b.size)
	}
	if old, ok := b.references[srcOffset]; ok {
		if oldTarget, ok := b.graph.GetBlockByID(old.Target); ok {
			delete(oldTarget.referrers, Referrer{Block: b.id, Offset: srcOffset})
		}
	}
	b.references[srcOffset] = ref
	target.referrers[Referrer{Block: b.id, Offset: srcOffset}] = struct{}{}
	return nil
}

// RemoveReference removes the reference at srcOffset, if any, again
// keeping the target's Referrers set consistent.
func (b *Block) RemoveReference(srcOffset uint32) bool {
	ref, ok := b.references[srcOffset]
	if !ok {
		return false
	}
	if target, ok := b.graph.GetBlockByID(ref.Target); ok {
		delete(target.referrers, Referrer{Block: b.id, Offset: srcOffset})
	}
	delete(b.references, srcOffset)
	return true
}

// References returns the block's references keyed by source offset. The
// returned map must not be mutated; use SetReference/RemoveReference.
func (b *Block) References() map[uint32]Reference { return b.references }

// Referrers returns the set of (block, offset) pairs that reference this
// block.
func (b *Block) Referrers() []Referrer {
	out := make([]Referrer, 0, len(b.referrers))
	for r := range b.referrers {
		out = append(out, r)
	}
	return out
}

// SetLabel attaches a label at offset, merging with any label already
// present there (spec §9 "Overlapping scope labels"). It fails if offset
// is not within [0, Size].
func (b *Block) SetLabel(offset uint32, label Label) error {
	if offset > b.size {
		return fmt.Errorf("blockgraph: label offset %d exceeds block size %d", offset, b.size)
	}
	if existing, ok := b.labels[offset]; ok {
		merged := mergeLabels(existing, label)
		if merged.Attributes.Has(LabelCode) && merged.Attributes.Has(LabelData) {
			logger.Printf("block %d offset %d: label %q carries both CODE and DATA attributes after merge", b.id, offset, merged.Name)
		}
		b.labels[offset] = merged
		return nil
	}
	b.labels[offset] = label
	return nil
}

// RemoveLabel removes the label at offset, if any.
func (b *Block) RemoveLabel(offset uint32) bool {
	if _, ok := b.labels[offset]; !ok {
		return false
	}
	delete(b.labels, offset)
	return true
}

// Labels returns the block's labels keyed by offset. The returned map
// must not be mutated; use SetLabel/RemoveLabel.
func (b *Block) Labels() map[uint32]Label { return b.labels }

// SourceRanges returns the block's AddressRangeMap from local byte
// offsets to the on-disk RVA ranges the bytes came from.
func (b *Block) SourceRanges() *addressmap.Map[BlockOffset, address.RelativeAddress] {
	return b.sourceRanges
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{id=%d, type=%s, name=%q, size=%d, attrs=%s}", b.id, b.Type, b.Name, b.size, b.Attributes)
}
