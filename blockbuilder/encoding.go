// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockbuilder re-assembles a basicblock.SubGraph, whose layout a
// transform has rearranged, back into one or more committed
// blockgraph.Blocks (spec.md §4.5). It synthesizes the minimum branch
// encoding that reaches each successor, converging on final offsets via
// a monotone layout fixpoint exactly like a two-pass assembler's
// short/near jump promotion.
package blockbuilder

import (
	"fmt"

	"github.com/google/syzygy/basicblock"
)

// branchSize is the encoded length, in bytes, of one synthesized branch.
type branchSize uint8

const (
	sizeElided branchSize = 0
	sizeShort  branchSize = 1 // rel8
	sizeNear   branchSize = 2 // Jcc 0f8x rel32 (6 bytes) or jmp e9 rel32 (5 bytes); see encodedLen.
)

// ccBits maps a basicblock.Condition to the x86 Jcc condition-code
// nibble used by both the short (0x70 | cc) and near (0x0f, 0x80 | cc)
// encodings.
var ccBits = map[basicblock.Condition]byte{
	basicblock.Overflow:       0x0,
	basicblock.NotOverflow:    0x1,
	basicblock.Below:          0x2,
	basicblock.AboveOrEqual:   0x3,
	basicblock.Equal:          0x4,
	basicblock.NotEqual:       0x5,
	basicblock.BelowOrEqual:   0x6,
	basicblock.Above:          0x7,
	basicblock.Sign:           0x8,
	basicblock.NotSign:        0x9,
	basicblock.Parity:         0xa,
	basicblock.NotParity:      0xb,
	basicblock.Less:           0xc,
	basicblock.GreaterOrEqual: 0xd,
	basicblock.LessOrEqual:    0xe,
	basicblock.Greater:        0xf,
}

// loopOpcode maps the loop/jecxz family to their single-byte opcode.
// These instructions only ever have an 8-bit relative form.
var loopOpcode = map[basicblock.Condition]byte{
	basicblock.LoopNotEqual:  0xe0,
	basicblock.LoopEqual:     0xe1,
	basicblock.Loop:          0xe2,
	basicblock.CounterIsZero: 0xe3,
}

// encodedLen returns the byte length of cond's branch at size sz.
func encodedLen(cond basicblock.Condition, sz branchSize) int {
	if sz == sizeElided {
		return 0
	}
	if _, ok := loopOpcode[cond]; ok {
		return 2 // opcode + rel8; no long form exists.
	}
	if cond == basicblock.True {
		if sz == sizeShort {
			return 2 // EB rel8
		}
		return 5 // E9 rel32
	}
	if sz == sizeShort {
		return 2 // 7x rel8
	}
	return 6 // 0F 8x rel32
}

// encodeBranch writes cond's branch targeting the byte immediately
// following the branch (displacement already resolved to rel) into a
// freshly allocated slice of encodedLen(cond, sz) bytes. relOffset is the
// byte offset within the returned slice where the displacement begins.
func encodeBranch(cond basicblock.Condition, sz branchSize, rel int32) ([]byte, int, error) {
	if op, ok := loopOpcode[cond]; ok {
		if sz != sizeShort {
			return nil, 0, fmt.Errorf("blockbuilder: %s has no long encoding", cond)
		}
		if rel < -128 || rel > 127 {
			return nil, 0, fmt.Errorf("blockbuilder: %s branch displacement %d out of rel8 range", cond, rel)
		}
		return []byte{op, byte(int8(rel))}, 1, nil
	}
	if cond == basicblock.True {
		if sz == sizeShort {
			if rel < -128 || rel > 127 {
				return nil, 0, fmt.Errorf("blockbuilder: jmp displacement %d out of rel8 range", rel)
			}
			return []byte{0xeb, byte(int8(rel))}, 1, nil
		}
		b := []byte{0xe9, 0, 0, 0, 0}
		putRel32(b[1:], rel)
		return b, 1, nil
	}
	cc, ok := ccBits[cond]
	if !ok {
		return nil, 0, fmt.Errorf("blockbuilder: condition %s has no Jcc encoding", cond)
	}
	if sz == sizeShort {
		if rel < -128 || rel > 127 {
			return nil, 0, fmt.Errorf("blockbuilder: Jcc displacement %d out of rel8 range", rel)
		}
		return []byte{0x70 | cc, byte(int8(rel))}, 1, nil
	}
	b := []byte{0x0f, 0x80 | cc, 0, 0, 0, 0}
	putRel32(b[2:], rel)
	return b, 2, nil
}

func putRel32(b []byte, rel int32) {
	u := uint32(rel)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}

// fitsShort reports whether displacement rel is representable as a
// signed 8-bit relative branch.
func fitsShort(rel int64) bool { return rel >= -128 && rel <= 127 }
