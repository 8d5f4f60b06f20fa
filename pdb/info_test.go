// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdb

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseInfoStream(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(20000000)) // Version
	binary.Write(&buf, binary.LittleEndian, uint32(0xdeadbeef)) // Timestamp
	binary.Write(&buf, binary.LittleEndian, uint32(3))          // Age
	buf.Write(make([]byte, 16))                                 // GUID

	strBuf := []byte("syzygy/block-graph\x00other\x00")
	binary.Write(&buf, binary.LittleEndian, uint32(len(strBuf)))
	buf.Write(strBuf)

	// Hash table: 2 entries, capacity 2.
	binary.Write(&buf, binary.LittleEndian, uint32(2)) // Size
	binary.Write(&buf, binary.LittleEndian, uint32(2)) // Capacity
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // Present word count
	binary.Write(&buf, binary.LittleEndian, uint32(0b11)) // Present bits 0 and 1 set
	binary.Write(&buf, binary.LittleEndian, uint32(0))    // Deleted word count

	binary.Write(&buf, binary.LittleEndian, uint32(0))  // key -> "syzygy/block-graph"
	binary.Write(&buf, binary.LittleEndian, uint32(42)) // value: stream index
	binary.Write(&buf, binary.LittleEndian, uint32(19)) // key -> "other"
	binary.Write(&buf, binary.LittleEndian, uint32(7))  // value: stream index

	hdr, names, err := parseInfoStream(buf.Bytes())
	if err != nil {
		t.Fatalf("parseInfoStream failed: %v", err)
	}
	if hdr.Version != 20000000 || hdr.Timestamp != 0xdeadbeef || hdr.Age != 3 {
		t.Errorf("unexpected header: %+v", hdr)
	}
	if names["syzygy/block-graph"] != 42 {
		t.Errorf("names[syzygy/block-graph] = %d, want 42", names["syzygy/block-graph"])
	}
	if names["other"] != 7 {
		t.Errorf("names[other] = %d, want 7", names["other"])
	}
}
