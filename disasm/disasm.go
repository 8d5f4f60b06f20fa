// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disasm decodes x86 machine code one instruction at a time,
// classifying each instruction's control-flow behavior so that a linear
// sweep (the BasicBlockDecomposer, spec §4.3) can find basic-block
// boundaries without itself knowing anything about instruction
// encoding.
package disasm

import (
	"fmt"

	"github.com/google/syzygy/basicblock"
)

// FlowClass categorizes how an instruction affects the instruction
// pointer.
type FlowClass uint8

const (
	// Sequential instructions fall through to the next instruction and
	// have no other successor.
	Sequential FlowClass = iota
	// Branch instructions (jmp) unconditionally transfer control
	// elsewhere and have no fall-through successor.
	Branch
	// ConditionalBranch instructions (Jcc, loop/loope/loopne, jecxz)
	// transfer control elsewhere if Condition holds, and otherwise fall
	// through.
	ConditionalBranch
	// Call instructions push a return address and transfer control
	// elsewhere, then (barring NonReturnFunction) fall through once the
	// callee returns.
	Call
	// Return instructions (ret, retf) have no successor within the
	// current function.
	Return
	// Interrupt instructions (int3) are routinely used by compilers as
	// padding filler and are treated as sequential by every caller that
	// does not care about trap semantics.
	Interrupt
)

func (f FlowClass) String() string {
	switch f {
	case Sequential:
		return "SEQUENTIAL"
	case Branch:
		return "BRANCH"
	case ConditionalBranch:
		return "CONDITIONAL_BRANCH"
	case Call:
		return "CALL"
	case Return:
		return "RETURN"
	case Interrupt:
		return "INTERRUPT"
	default:
		return "UNKNOWN"
	}
}

// Decoded is the result of decoding a single instruction.
type Decoded struct {
	// Len is the instruction's encoded length in bytes.
	Len int
	// Op is the instruction's mnemonic, for logging and disassembly
	// listings (e.g. "cmd/syzygy-dump -d").
	Op string
	// Flow classifies the instruction's effect on control flow.
	Flow FlowClass
	// Condition is meaningful only when Flow == ConditionalBranch.
	Condition basicblock.Condition

	// HasPCRel reports whether the instruction encodes a PC-relative
	// displacement (a branch/call target). PCRelOffset/PCRelSize then
	// locate it within the instruction's bytes, so that the
	// BasicBlockDecomposer can cross-check it against an embedded fixup
	// rather than trust the decoded displacement value directly (spec
	// §4.3, "successor resolution is driven by embedded references, not
	// disassembler-reported operands").
	HasPCRel    bool
	PCRelOffset int
	PCRelSize   int
}

// Decoder decodes a single instruction from the front of src. It must
// not read or assume anything about bytes beyond the returned length.
type Decoder interface {
	Decode(src []byte) (Decoded, error)
}

// ErrShortBuffer is returned when src is too short to contain a
// complete, validly-encoded instruction.
type ErrShortBuffer struct {
	Available int
}

func (e ErrShortBuffer) Error() string {
	return fmt.Sprintf("disasm: %d bytes is too short to decode a complete instruction", e.Available)
}

// ErrInvalidInstruction is returned when src's leading bytes do not form
// a valid x86 instruction encoding.
type ErrInvalidInstruction struct {
	Reason string
}

func (e ErrInvalidInstruction) Error() string {
	return fmt.Sprintf("disasm: invalid instruction: %s", e.Reason)
}
