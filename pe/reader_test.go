// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"

	"github.com/google/syzygy/core/address"
)

func buildRelocBlock(pageRVA uint32, entries []uint16) []byte {
	size := 8 + 2*len(entries)
	if size%4 != 0 {
		entries = append(entries, 0) // IMAGE_REL_BASED_ABSOLUTE padding entry
		size += 2
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], pageRVA)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	for i, e := range entries {
		binary.LittleEndian.PutUint16(buf[8+2*i:], e)
	}
	return buf
}

func TestParseBaseRelocationRVAsSingleBlock(t *testing.T) {
	const highLow = 3 << 12
	block := buildRelocBlock(0x1000, []uint16{highLow | 0x004, highLow | 0x010})

	rvas, err := parseBaseRelocationRVAs(block)
	if err != nil {
		t.Fatalf("parseBaseRelocationRVAs failed: %v", err)
	}
	want := []address.RelativeAddress{0x1004, 0x1010}
	if len(rvas) != len(want) {
		t.Fatalf("got %d rvas, want %d: %v", len(rvas), len(want), rvas)
	}
	for i := range want {
		if rvas[i] != want[i] {
			t.Errorf("rva[%d] = %s, want %s", i, rvas[i], want[i])
		}
	}
}

func TestParseBaseRelocationRVAsSkipsAbsolutePadding(t *testing.T) {
	const absolute = 0 << 12
	const highLow = 3 << 12
	block := buildRelocBlock(0x2000, []uint16{highLow | 0x008, absolute})

	rvas, err := parseBaseRelocationRVAs(block)
	if err != nil {
		t.Fatalf("parseBaseRelocationRVAs failed: %v", err)
	}
	if len(rvas) != 1 || rvas[0] != 0x2008 {
		t.Fatalf("got %v, want [0x2008]", rvas)
	}
}

func TestParseBaseRelocationRVAsMultipleBlocks(t *testing.T) {
	const highLow = 3 << 12
	var data []byte
	data = append(data, buildRelocBlock(0x1000, []uint16{highLow | 0x000})...)
	data = append(data, buildRelocBlock(0x2000, []uint16{highLow | 0x000})...)

	rvas, err := parseBaseRelocationRVAs(data)
	if err != nil {
		t.Fatalf("parseBaseRelocationRVAs failed: %v", err)
	}
	if len(rvas) != 2 || rvas[0] != 0x1000 || rvas[1] != 0x2000 {
		t.Fatalf("got %v", rvas)
	}
}

func TestParseBaseRelocationRVAsRejectsMalformedBlock(t *testing.T) {
	data := []byte{0x00, 0x10, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff}
	if _, err := parseBaseRelocationRVAs(data); err == nil {
		t.Fatal("expected an error for a block size exceeding the buffer")
	}
}
