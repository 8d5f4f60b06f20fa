// Copyright 2018 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package disasm_test

import (
	"testing"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/disasm"
)

func TestDecodeSequential(t *testing.T) {
	// push ebp; mov ebp, esp; pop ebp; ret
	d := disasm.X86Decoder{}
	code := []byte{0x55, 0x8b, 0xec, 0x5d, 0xc3}
	got, err := d.Decode(code)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Len != 1 {
		t.Fatalf("Len = %d, want 1 (push ebp)", got.Len)
	}
	if got.Flow != disasm.Sequential {
		t.Fatalf("Flow = %s, want SEQUENTIAL", got.Flow)
	}
}

func TestDecodeUnconditionalJump(t *testing.T) {
	d := disasm.X86Decoder{}
	// jmp rel8 +2
	got, err := d.Decode([]byte{0xeb, 0x02})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Len != 2 {
		t.Fatalf("Len = %d, want 2", got.Len)
	}
	if got.Flow != disasm.Branch {
		t.Fatalf("Flow = %s, want BRANCH", got.Flow)
	}
	if !got.HasPCRel || got.PCRelSize != 1 || got.PCRelOffset != 1 {
		t.Fatalf("unexpected PC-relative location: has=%v offset=%d size=%d", got.HasPCRel, got.PCRelOffset, got.PCRelSize)
	}
}

func TestDecodeConditionalJump(t *testing.T) {
	d := disasm.X86Decoder{}
	// je rel8 +4
	got, err := d.Decode([]byte{0x74, 0x04})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Flow != disasm.ConditionalBranch {
		t.Fatalf("Flow = %s, want CONDITIONAL_BRANCH", got.Flow)
	}
	if got.Condition != basicblock.Equal {
		t.Fatalf("Condition = %s, want Equal", got.Condition)
	}
}

func TestDecodeCallAndRet(t *testing.T) {
	d := disasm.X86Decoder{}
	call, err := d.Decode([]byte{0xe8, 0x00, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Decode call failed: %v", err)
	}
	if call.Flow != disasm.Call {
		t.Fatalf("Flow = %s, want CALL", call.Flow)
	}
	if !call.HasPCRel || call.PCRelSize != 4 {
		t.Fatalf("unexpected PC-relative location for call: has=%v size=%d", call.HasPCRel, call.PCRelSize)
	}

	ret, err := d.Decode([]byte{0xc3})
	if err != nil {
		t.Fatalf("Decode ret failed: %v", err)
	}
	if ret.Flow != disasm.Return {
		t.Fatalf("Flow = %s, want RETURN", ret.Flow)
	}
}

func TestDecodeInterruptPadding(t *testing.T) {
	d := disasm.X86Decoder{}
	got, err := d.Decode([]byte{0xcc, 0xcc, 0xcc})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Len != 1 {
		t.Fatalf("Len = %d, want 1", got.Len)
	}
	if got.Flow != disasm.Interrupt {
		t.Fatalf("Flow = %s, want INTERRUPT", got.Flow)
	}
}

func TestDecodeEmptyBufferIsShort(t *testing.T) {
	d := disasm.X86Decoder{}
	if _, err := d.Decode(nil); err == nil {
		t.Fatal("expected an error decoding an empty buffer")
	} else if _, ok := err.(disasm.ErrShortBuffer); !ok {
		t.Fatalf("expected ErrShortBuffer, got %T: %v", err, err)
	}
}
