// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package disasm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/google/syzygy/basicblock"
)

// X86Decoder decodes 32-bit x86 instructions using
// golang.org/x/arch/x86/x86asm. It is the Decoder every production
// caller in this module uses; Decoder exists as an interface mainly so
// tests can substitute a canned sequence of decodes.
type X86Decoder struct{}

// Decode implements Decoder.
func (X86Decoder) Decode(src []byte) (Decoded, error) {
	if len(src) == 0 {
		return Decoded{}, ErrShortBuffer{Available: 0}
	}
	inst, err := x86asm.Decode(src, 32)
	if err != nil {
		if len(src) < 15 {
			// x86asm.Decode cannot distinguish "ran out of input" from
			// "garbage opcode" on a short buffer; report the former.
			// Callers treat either error as a failed decode.
			return Decoded{}, ErrShortBuffer{Available: len(src)}
		}
		return Decoded{}, ErrInvalidInstruction{Reason: err.Error()}
	}

	d := Decoded{
		Len: inst.Len,
		Op:  inst.Op.String(),
	}
	if inst.PCRel > 0 {
		d.HasPCRel = true
		d.PCRelOffset = inst.PCRelOff
		d.PCRelSize = inst.PCRel
	}

	switch inst.Op {
	case x86asm.JMP:
		d.Flow = Branch
	case x86asm.CALL:
		d.Flow = Call
	case x86asm.RET, x86asm.IRET, x86asm.IRETD:
		d.Flow = Return
	case x86asm.INT:
		d.Flow = Interrupt
	default:
		if cond, ok := conditionFor(inst.Op); ok {
			d.Flow = ConditionalBranch
			d.Condition = cond
		} else {
			d.Flow = Sequential
		}
	}
	return d, nil
}

// conditionFor maps an x86asm conditional-jump/loop opcode to the
// basic-block Condition under which it is taken.
func conditionFor(op x86asm.Op) (basicblock.Condition, bool) {
	switch op {
	case x86asm.JA:
		return basicblock.Above, true
	case x86asm.JAE:
		return basicblock.AboveOrEqual, true
	case x86asm.JB:
		return basicblock.Below, true
	case x86asm.JBE:
		return basicblock.BelowOrEqual, true
	case x86asm.JE:
		return basicblock.Equal, true
	case x86asm.JG:
		return basicblock.Greater, true
	case x86asm.JGE:
		return basicblock.GreaterOrEqual, true
	case x86asm.JL:
		return basicblock.Less, true
	case x86asm.JLE:
		return basicblock.LessOrEqual, true
	case x86asm.JNE:
		return basicblock.NotEqual, true
	case x86asm.JNO:
		return basicblock.NotOverflow, true
	case x86asm.JNP:
		return basicblock.NotParity, true
	case x86asm.JNS:
		return basicblock.NotSign, true
	case x86asm.JO:
		return basicblock.Overflow, true
	case x86asm.JP:
		return basicblock.Parity, true
	case x86asm.JS:
		return basicblock.Sign, true
	case x86asm.LOOP:
		return basicblock.Loop, true
	case x86asm.LOOPE:
		return basicblock.LoopEqual, true
	case x86asm.LOOPNE:
		return basicblock.LoopNotEqual, true
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return basicblock.CounterIsZero, true
	default:
		return 0, false
	}
}
