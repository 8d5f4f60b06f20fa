// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bgformat (de)serializes a BlockGraph to the Syzygy
// block-graph PDB stream format (spec.md §6), a private named stream.
// The Decomposer does not read this format: every Decompose call parses
// the PE+PDB pair from scratch.
//
// All multi-byte integers are little-endian. Data pointers are never
// serialized; Read always returns blocks with owned data.
package bgformat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/core/address"
)

// Magic is the version tag written at the start of every stream. A
// mismatch on read means the stream predates (or postdates) an
// incompatible format change, and Read rejects the stream with
// ErrVersionMismatch (spec §7 SerializationError).
const Magic uint32 = 0x5a474253 // "SBGZ", little-endian on disk.

// Attr controls which optional sections of a block are omitted from the
// stream, trading fidelity for size.
type Attr uint32

const (
	// OmitData drops block byte contents; readers must re-bind against
	// the original PE image to recover them.
	OmitData Attr = 1 << iota
	// OmitStrings drops block and label names.
	OmitStrings
	// OmitLabels drops every label.
	OmitLabels
)

// ErrVersionMismatch is returned by Read when the stream's magic/version
// does not match Magic.
type ErrVersionMismatch struct{ Got uint32 }

func (e ErrVersionMismatch) Error() string {
	return fmt.Sprintf("bgformat: stream magic 0x%08x does not match expected 0x%08x", e.Got, Magic)
}

// Write serializes g, plus a placement of every block into RVA space
// (layout), to w using the given optional-section attributes.
func Write(w io.Writer, g *blockgraph.BlockGraph, layout map[blockgraph.BlockID]address.RelativeAddress, attrs Attr) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, Magic); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(attrs)); err != nil {
		return err
	}

	sections := g.Sections()
	if err := writeU32(bw, uint32(len(sections))); err != nil {
		return err
	}
	for _, s := range sections {
		if err := writeU32(bw, uint32(s.ID())); err != nil {
			return err
		}
		if err := writeString(bw, s.Name, attrs); err != nil {
			return err
		}
		if err := writeU32(bw, s.Characteristics); err != nil {
			return err
		}
	}

	blocks := g.Blocks()
	if err := writeU32(bw, uint32(len(blocks))); err != nil {
		return err
	}
	for _, b := range blocks {
		if err := writeBlock(bw, b, attrs); err != nil {
			return err
		}
	}

	if err := writeU32(bw, uint32(len(layout))); err != nil {
		return err
	}
	// Deterministic order: iterate blocks (already sorted by id) and
	// emit only those present in the layout.
	for _, b := range blocks {
		rva, ok := layout[b.ID()]
		if !ok {
			continue
		}
		if err := writeU32(bw, uint32(b.ID())); err != nil {
			return err
		}
		if err := writeU32(bw, uint32(rva)); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeBlock(w io.Writer, b *blockgraph.Block, attrs Attr) error {
	if err := writeU32(w, uint32(b.ID())); err != nil {
		return err
	}
	if err := writeU8(w, uint8(b.Type)); err != nil {
		return err
	}
	if err := writeU32(w, b.Size()); err != nil {
		return err
	}
	if err := writeU32(w, b.Alignment); err != nil {
		return err
	}
	if err := writeString(w, b.Name, attrs); err != nil {
		return err
	}
	if err := writeU32(w, uint32(b.SectionID)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(b.Attributes)); err != nil {
		return err
	}

	data := b.Data()
	if attrs&OmitData != 0 {
		if err := writeU32(w, 0); err != nil {
			return err
		}
	} else {
		if err := writeU32(w, uint32(len(data))); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}

	if attrs&OmitLabels != 0 {
		if err := writeU32(w, 0); err != nil {
			return err
		}
	} else {
		labels := b.Labels()
		if err := writeU32(w, uint32(len(labels))); err != nil {
			return err
		}
		for offset, lbl := range labels {
			if err := writeU32(w, offset); err != nil {
				return err
			}
			if err := writeString(w, lbl.Name, attrs); err != nil {
				return err
			}
			if err := writeU32(w, uint32(lbl.Attributes)); err != nil {
				return err
			}
		}
	}

	refs := b.References()
	if err := writeU32(w, uint32(len(refs))); err != nil {
		return err
	}
	for offset, ref := range refs {
		if err := writeU32(w, offset); err != nil {
			return err
		}
		if err := writeU8(w, uint8(ref.Type)); err != nil {
			return err
		}
		if err := writeU8(w, ref.Size); err != nil {
			return err
		}
		if err := writeU32(w, uint32(ref.Target)); err != nil {
			return err
		}
		if err := writeU32(w, uint32(ref.Base)); err != nil {
			return err
		}
		if err := writeU32(w, uint32(ref.Offset)); err != nil {
			return err
		}
	}

	return nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeString(w io.Writer, s string, attrs Attr) error {
	if attrs&OmitStrings != 0 {
		return writeU32(w, 0)
	}
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
