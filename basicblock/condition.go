// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package basicblock implements the fine-grained, per-block view of code
// used while a single code Block is being transformed: instructions,
// successors and data/padding basic blocks, with symbolic references
// between them (spec.md §3.3).
package basicblock

import "fmt"

// Condition is the test a Successor's edge is taken under, mirroring the
// x86 Jcc condition codes plus the loop/counter pseudo-conditions (spec
// §3.3).
type Condition uint8

const (
	// True is an unconditional edge (plain jmp, or a fall-through).
	True Condition = iota
	Above
	AboveOrEqual
	Below
	BelowOrEqual
	Equal
	Greater
	GreaterOrEqual
	Less
	LessOrEqual
	NotEqual
	NotOverflow
	NotParity
	NotSign
	Overflow
	Parity
	Sign
	// Loop, LoopEqual and LoopNotEqual model the x86 loop/loope/loopne
	// instructions, which decrement ECX and branch on the result (and,
	// for the Equal/NotEqual variants, on ZF).
	Loop
	LoopEqual
	LoopNotEqual
	// CounterIsZero models jecxz: branch taken iff ECX == 0.
	CounterIsZero
)

var conditionNames = [...]string{
	True: "true", Above: "above", AboveOrEqual: "above_or_equal",
	Below: "below", BelowOrEqual: "below_or_equal", Equal: "equal",
	Greater: "greater", GreaterOrEqual: "greater_or_equal", Less: "less",
	LessOrEqual: "less_or_equal", NotEqual: "not_equal", NotOverflow: "not_overflow",
	NotParity: "not_parity", NotSign: "not_sign", Overflow: "overflow",
	Parity: "parity", Sign: "sign", Loop: "loop", LoopEqual: "loop_equal",
	LoopNotEqual: "loop_not_equal", CounterIsZero: "counter_is_zero",
}

func (c Condition) String() string {
	if int(c) < len(conditionNames) && conditionNames[c] != "" {
		return conditionNames[c]
	}
	return fmt.Sprintf("Condition(%d)", uint8(c))
}

// inverses pairs every condition with its logical negation, used when
// synthesizing the fall-through successor of a conditional branch (spec
// §4.3 step 2) and when the BlockBuilder elides a fall-through (spec
// §4.5 step 2).
var inverses = map[Condition]Condition{
	Above: BelowOrEqual, BelowOrEqual: Above,
	AboveOrEqual: Below, Below: AboveOrEqual,
	Equal: NotEqual, NotEqual: Equal,
	Greater: LessOrEqual, LessOrEqual: Greater,
	GreaterOrEqual: Less, Less: GreaterOrEqual,
	Overflow: NotOverflow, NotOverflow: Overflow,
	Parity: NotParity, NotParity: Parity,
	Sign: NotSign, NotSign: Sign,
	LoopEqual: LoopNotEqual, LoopNotEqual: LoopEqual,
}

// Inverse returns the logical negation of c. True and the bare Loop/
// CounterIsZero pseudo-conditions have no single-instruction inverse (a
// compiler wanting one synthesizes a two-instruction trampoline instead,
// spec §4.5 "Branch sizing choices"), so ok is false for those.
func (c Condition) Inverse() (Condition, bool) {
	inv, ok := inverses[c]
	return inv, ok
}

// IsLoopFamily reports whether c corresponds to an x86 loop/loope/
// loopne/jecxz instruction, which only ever has an 8-bit relative
// displacement form.
func (c Condition) IsLoopFamily() bool {
	return c == Loop || c == LoopEqual || c == LoopNotEqual || c == CounterIsZero
}
