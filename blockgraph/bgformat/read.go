// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgformat

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/core/address"
)

// Read deserializes a BlockGraph plus its RVA layout from r. All block
// data is owned (copied out of the stream); callers that want borrowed
// semantics restored against a PE image should walk each block's
// SourceRanges and re-slice the image's backing buffer themselves (spec
// Design Notes, "Borrowed vs owned data").
func Read(r io.Reader) (*blockgraph.BlockGraph, map[blockgraph.BlockID]address.RelativeAddress, error) {
	br := bufio.NewReader(r)

	magic, err := readU32(br)
	if err != nil {
		return nil, nil, err
	}
	if magic != Magic {
		return nil, nil, ErrVersionMismatch{Got: magic}
	}
	attrs, err := readU32(br)
	if err != nil {
		return nil, nil, err
	}

	g := blockgraph.New()

	numSections, err := readU32(br)
	if err != nil {
		return nil, nil, err
	}
	// Section ids are allocated densely starting at 0 by AddSection, so
	// replaying AddSection calls in stream order reproduces the original
	// ids as long as the stream was written by Write (which always
	// enumerates g.Sections() in id order).
	for i := uint32(0); i < numSections; i++ {
		if _, err := readU32(br); err != nil { // stored id, recomputed by AddSection
			return nil, nil, err
		}
		name, err := readString(br, Attr(attrs))
		if err != nil {
			return nil, nil, err
		}
		characteristics, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		g.AddSection(name, characteristics)
	}

	numBlocks, err := readU32(br)
	if err != nil {
		return nil, nil, err
	}
	// Two-pass: blocks can reference other blocks (including
	// forward-referenced ones), so allocate every block first, then fill
	// in references once every target id is known to exist.
	type pendingRef struct {
		block  blockgraph.BlockID
		offset uint32
		ref    blockgraph.Reference
	}
	var pending []pendingRef
	idMap := make(map[blockgraph.BlockID]blockgraph.BlockID, numBlocks)

	for i := uint32(0); i < numBlocks; i++ {
		storedID, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		typ, err := readU8(br)
		if err != nil {
			return nil, nil, err
		}
		size, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		alignment, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		name, err := readString(br, Attr(attrs))
		if err != nil {
			return nil, nil, err
		}
		sectionID, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		blockAttrs, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}

		block := g.AddBlock(blockgraph.BlockType(typ), name, size)
		block.Alignment = alignment
		block.SectionID = blockgraph.SectionID(sectionID)
		block.Attributes = blockgraph.Attributes(blockAttrs)
		idMap[blockgraph.BlockID(storedID)] = block.ID()

		dataLen, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		if dataLen > 0 {
			data := make([]byte, dataLen)
			if _, err := io.ReadFull(br, data); err != nil {
				return nil, nil, err
			}
			if err := block.SetData(data, true); err != nil {
				return nil, nil, err
			}
		}

		numLabels, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		for j := uint32(0); j < numLabels; j++ {
			offset, err := readU32(br)
			if err != nil {
				return nil, nil, err
			}
			labelName, err := readString(br, Attr(attrs))
			if err != nil {
				return nil, nil, err
			}
			labelAttrs, err := readU32(br)
			if err != nil {
				return nil, nil, err
			}
			if err := block.SetLabel(offset, blockgraph.Label{Name: labelName, Attributes: blockgraph.LabelAttr(labelAttrs)}); err != nil {
				return nil, nil, err
			}
		}

		numRefs, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		for j := uint32(0); j < numRefs; j++ {
			offset, err := readU32(br)
			if err != nil {
				return nil, nil, err
			}
			refType, err := readU8(br)
			if err != nil {
				return nil, nil, err
			}
			refSize, err := readU8(br)
			if err != nil {
				return nil, nil, err
			}
			target, err := readU32(br)
			if err != nil {
				return nil, nil, err
			}
			base, err := readU32(br)
			if err != nil {
				return nil, nil, err
			}
			off, err := readU32(br)
			if err != nil {
				return nil, nil, err
			}
			pending = append(pending, pendingRef{
				block:  block.ID(),
				offset: offset,
				ref: blockgraph.Reference{
					Type:   blockgraph.ReferenceType(refType),
					Size:   refSize,
					Target: blockgraph.BlockID(target), // remapped below
					Base:   int32(base),
					Offset: int32(off),
				},
			})
		}
	}

	for _, p := range pending {
		block, _ := g.GetBlockByID(p.block)
		ref := p.ref
		ref.Target = idMap[ref.Target]
		if err := block.SetReference(p.offset, ref); err != nil {
			return nil, nil, err
		}
	}

	numLayout, err := readU32(br)
	if err != nil {
		return nil, nil, err
	}
	layout := make(map[blockgraph.BlockID]address.RelativeAddress, numLayout)
	for i := uint32(0); i < numLayout; i++ {
		storedID, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		rva, err := readU32(br)
		if err != nil {
			return nil, nil, err
		}
		layout[idMap[blockgraph.BlockID(storedID)]] = address.RelativeAddress(rva)
	}

	return g, layout, nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readString(r io.Reader, attrs Attr) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
