// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockgraph

import "fmt"

// ReferenceType is the wire semantics of a Reference: how the bytes at
// its source offset are interpreted to locate the target.
type ReferenceType uint8

const (
	// PCRelative references store a displacement relative to the address
	// immediately following the reference itself (an x86 rel8/rel32
	// branch/call operand).
	PCRelative ReferenceType = iota
	// Absolute references store a full virtual address.
	Absolute
	// Relative references store an RVA (offset from the module base).
	Relative
	// FileOffset references store a byte offset into the on-disk file.
	FileOffset
)

func (t ReferenceType) String() string {
	switch t {
	case PCRelative:
		return "PC_RELATIVE"
	case Absolute:
		return "ABSOLUTE"
	case Relative:
		return "RELATIVE"
	case FileOffset:
		return "FILE_OFFSET"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidReference is returned when a Reference's (Type, Size) pair
// or its Base is invalid (spec §3.2 "Reference validity").
type ErrInvalidReference struct {
	Ref    Reference
	Reason string
}

func (e ErrInvalidReference) Error() string {
	return fmt.Sprintf("blockgraph: invalid reference %+v: %s", e.Ref, e.Reason)
}

// validSizes lists, for each ReferenceType, the on-the-wire widths that
// are legal for it (spec §3.2).
var validSizes = map[ReferenceType]map[uint8]bool{
	PCRelative: {1: true, 2: true, 4: true},
	Absolute:   {4: true},
	Relative:   {4: true},
	FileOffset: {4: true},
}

// Reference is a typed edge from an offset inside one block to an offset
// inside another.
//
// Base is the offset into Target that is the conceptual "entity" being
// referenced; it must lie strictly inside the target block. Offset is
// the value actually encoded in the reference's bytes, and may lie
// outside [0, Target.Size) to represent an offset pointer into a table
// (Offset = Base + delta for some delta).
type Reference struct {
	Type   ReferenceType
	Size   uint8
	Target BlockID
	Base   int32
	Offset int32
}

// validate checks the (Type, Size) pair and, given the size of the
// target block, that Base lies strictly within it.
func (r Reference) validate(targetSize uint32) error {
	if !validSizes[r.Type][r.Size] {
		return ErrInvalidReference{r, fmt.Sprintf("size %d is not valid for type %s", r.Size, r.Type)}
	}
	if r.Base < 0 || uint32(r.Base) >= targetSize {
		return ErrInvalidReference{r, fmt.Sprintf("base %d is not strictly within target block of size %d", r.Base, targetSize)}
	}
	return nil
}

// Referrer is the inverse of a Reference: the (block, offset) pair that
// points at some target block.
type Referrer struct {
	Block  BlockID
	Offset uint32
}
