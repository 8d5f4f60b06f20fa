// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basicblock

import (
	"fmt"

	"github.com/google/syzygy/core/address"
)

// Instruction is a single decoded machine instruction living inside a
// BASIC_CODE BasicBlock (spec §3.3).
type Instruction struct {
	// Bytes is the instruction's raw encoding as originally decoded.
	// BlockBuilder may re-encode a branch instruction's trailing
	// displacement bytes in place; every other byte is immutable.
	Bytes []byte
	// Label, if non-nil, is attached to the instruction's start offset.
	Label *string
	// SourceRange is the on-disk RVA range the bytes were decoded from,
	// empty for synthesized instructions that have no disk image.
	SourceRange    address.Range[address.RelativeAddress]
	HasSourceRange bool

	// refs maps a byte offset within Bytes to the symbolic reference
	// embedded there, replacing whatever absolute/relative value the
	// disassembler decoded in place (spec §4.3 "successor resolution is
	// driven by embedded references, not disassembler-reported
	// operands").
	refs map[uint32]Reference
}

// NewInstruction wraps bytes into an Instruction with no label, source
// range or embedded references.
func NewInstruction(bytes []byte) *Instruction {
	return &Instruction{Bytes: bytes, refs: make(map[uint32]Reference)}
}

// Len returns the instruction's encoded length in bytes.
func (i *Instruction) Len() int { return len(i.Bytes) }

// SetReference attaches a symbolic reference at byteOffset within the
// instruction's encoding, replacing any reference already there.
func (i *Instruction) SetReference(byteOffset uint32, ref Reference) error {
	if uint64(byteOffset)+uint64(ref.Size) > uint64(len(i.Bytes)) {
		return fmt.Errorf("basicblock: reference at offset %d size %d exceeds instruction length %d", byteOffset, ref.Size, len(i.Bytes))
	}
	if i.refs == nil {
		i.refs = make(map[uint32]Reference)
	}
	i.refs[byteOffset] = ref
	return nil
}

// References returns the instruction's embedded references keyed by
// byte offset. The returned map must not be mutated.
func (i *Instruction) References() map[uint32]Reference { return i.refs }

func (i *Instruction) String() string {
	return fmt.Sprintf("Instruction{len=%d, refs=%d}", len(i.Bytes), len(i.refs))
}
