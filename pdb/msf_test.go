// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdb

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildTestMSF assembles a minimal MSF container in memory with the
// given blockSize, placing each of streamData's entries in its own
// block range. Block 0 holds the magic+superblock, block 1 holds the
// (single-block) directory block-map, block 2 holds the directory
// content itself, and blocks 3.. hold stream content in order.
func buildTestMSF(t *testing.T, blockSize uint32, streamData [][]byte) []byte {
	t.Helper()

	var dir bytes.Buffer
	binary.Write(&dir, binary.LittleEndian, uint32(len(streamData)))
	for _, d := range streamData {
		binary.Write(&dir, binary.LittleEndian, uint32(len(d)))
	}
	nextBlock := uint32(3)
	var streamBlockLists [][]uint32
	for _, d := range streamData {
		n := ceilDiv(uint32(len(d)), blockSize)
		var blocks []uint32
		for i := uint32(0); i < n; i++ {
			blocks = append(blocks, nextBlock)
			nextBlock++
		}
		streamBlockLists = append(streamBlockLists, blocks)
	}
	for _, blocks := range streamBlockLists {
		for _, b := range blocks {
			binary.Write(&dir, binary.LittleEndian, b)
		}
	}

	totalBlocks := nextBlock
	buf := make([]byte, uint64(totalBlocks)*uint64(blockSize))

	copy(buf, msfMagic)
	sb := superBlock{
		BlockSize:         blockSize,
		FreeBlockMapBlock: 1,
		NumBlocks:         totalBlocks,
		NumDirectoryBytes: uint32(dir.Len()),
		BlockMapAddr:      1,
	}
	var sbBuf bytes.Buffer
	binary.Write(&sbBuf, binary.LittleEndian, &sb)
	copy(buf[len(msfMagic):], sbBuf.Bytes())

	// Block 1: the directory's own block-map (a single directory block
	// in this fixture, so just [2]).
	binary.LittleEndian.PutUint32(buf[1*blockSize:], 2)

	// Block 2: the directory content itself.
	copy(buf[2*blockSize:], dir.Bytes())

	// Blocks 3..: stream content.
	for i, blocks := range streamBlockLists {
		d := streamData[i]
		for j, b := range blocks {
			start := j * int(blockSize)
			end := start + int(blockSize)
			if end > len(d) {
				end = len(d)
			}
			copy(buf[uint64(b)*uint64(blockSize):], d[start:end])
		}
	}

	return buf
}

func TestMSFRoundTrip(t *testing.T) {
	streams := [][]byte{
		[]byte("hello stream zero"),
		[]byte("a second, different stream"),
	}
	raw := buildTestMSF(t, 512, streams)

	m, err := openMSF(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("openMSF failed: %v", err)
	}
	if m.NumStreams() != len(streams) {
		t.Fatalf("NumStreams() = %d, want %d", m.NumStreams(), len(streams))
	}
	for i, want := range streams {
		got, err := m.Stream(uint32(i))
		if err != nil {
			t.Fatalf("Stream(%d) failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Stream(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestMSFRejectsBadMagic(t *testing.T) {
	raw := make([]byte, 64)
	if _, err := openMSF(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected an error for a bad magic")
	}
}

func TestMSFMultiBlockStream(t *testing.T) {
	// A stream spanning 3 blocks at a tiny block size.
	data := bytes.Repeat([]byte("0123456789abcdef"), 10) // 160 bytes
	raw := buildTestMSF(t, 64, [][]byte{data})

	m, err := openMSF(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("openMSF failed: %v", err)
	}
	got, err := m.Stream(0)
	if err != nil {
		t.Fatalf("Stream(0) failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Stream(0) length %d did not round-trip", len(got))
	}
}
