// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pdb reads the Multi-Stream File (MSF) container and the PDB
// streams built on top of it, exposing just the surface the Decomposer
// needs (spec §6 "PDB reader" collaborator): named streams, the DBI
// stream's module/section/fixup/OMAP tables, and per-module symbol
// records.
package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// superBlock is the fixed-size header at the start of every MSF file.
type superBlock struct {
	BlockSize         uint32
	FreeBlockMapBlock uint32
	NumBlocks         uint32
	NumDirectoryBytes uint32
	Unknown           uint32
	BlockMapAddr      uint32
}

// msf is a parsed Multi-Stream File container: an array of
// fixed-size blocks, with each logical stream stored as a scattered list
// of block indices recorded in the stream directory.
type msf struct {
	r    io.ReaderAt
	sb   superBlock
	// streamBlocks[i] lists, in order, the block indices making up
	// stream i. A zero-length stream has an empty (non-nil) entry; a
	// "deleted"/absent stream is recorded with size 0xFFFFFFFF and is
	// omitted entirely.
	streamBlocks [][]uint32
	streamSize   []uint32
}

func openMSF(r io.ReaderAt) (*msf, error) {
	hdr := make([]byte, len(msfMagic))
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("pdb: reading MSF magic: %w", err)
	}
	if !bytes.Equal(hdr, msfMagic) {
		return nil, FormatError{Reason: "MSF magic does not match"}
	}

	var sb superBlock
	sbBuf := make([]byte, 24)
	if _, err := r.ReadAt(sbBuf, int64(len(msfMagic))); err != nil {
		return nil, fmt.Errorf("pdb: reading MSF superblock: %w", err)
	}
	if err := binary.Read(bytes.NewReader(sbBuf), binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("pdb: decoding MSF superblock: %w", err)
	}

	m := &msf{r: r, sb: sb}

	numDirBlocks := ceilDiv(sb.NumDirectoryBytes, sb.BlockSize)
	dirBlockList, err := m.readBlockNumbers(int64(sb.BlockMapAddr)*int64(sb.BlockSize), numDirBlocks)
	if err != nil {
		return nil, fmt.Errorf("pdb: reading directory block map: %w", err)
	}
	dirBytes, err := m.readBlocks(dirBlockList, sb.NumDirectoryBytes)
	if err != nil {
		return nil, fmt.Errorf("pdb: reading stream directory: %w", err)
	}

	if err := m.parseDirectory(dirBytes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *msf) parseDirectory(dir []byte) error {
	br := bytes.NewReader(dir)
	var numStreams uint32
	if err := binary.Read(br, binary.LittleEndian, &numStreams); err != nil {
		return fmt.Errorf("pdb: reading stream count: %w", err)
	}

	sizes := make([]uint32, numStreams)
	for i := range sizes {
		if err := binary.Read(br, binary.LittleEndian, &sizes[i]); err != nil {
			return fmt.Errorf("pdb: reading stream %d size: %w", i, err)
		}
	}

	m.streamSize = sizes
	m.streamBlocks = make([][]uint32, numStreams)
	for i, size := range sizes {
		if size == 0xffffffff {
			continue
		}
		n := ceilDiv(size, m.sb.BlockSize)
		blocks := make([]uint32, n)
		for j := range blocks {
			if err := binary.Read(br, binary.LittleEndian, &blocks[j]); err != nil {
				return fmt.Errorf("pdb: reading stream %d block list: %w", i, err)
			}
		}
		m.streamBlocks[i] = blocks
	}
	return nil
}

// readBlockNumbers reads n little-endian uint32 block indices starting
// at byte offset off.
func (m *msf) readBlockNumbers(off int64, n uint32) ([]uint32, error) {
	buf := make([]byte, n*4)
	if _, err := m.r.ReadAt(buf, off); err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out, nil
}

// readBlocks concatenates the given blocks' bytes, truncated to size.
func (m *msf) readBlocks(blocks []uint32, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	remaining := size
	for _, b := range blocks {
		n := m.sb.BlockSize
		if n > remaining {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := m.r.ReadAt(buf, int64(b)*int64(m.sb.BlockSize)); err != nil {
			return nil, err
		}
		out = append(out, buf...)
		remaining -= n
		if remaining == 0 {
			break
		}
	}
	return out, nil
}

// Stream returns the full contents of stream index i.
func (m *msf) Stream(i uint32) ([]byte, error) {
	if i >= uint32(len(m.streamBlocks)) {
		return nil, fmt.Errorf("pdb: stream index %d out of range (%d streams)", i, len(m.streamBlocks))
	}
	return m.readBlocks(m.streamBlocks[i], m.streamSize[i])
}

// NumStreams returns the number of streams recorded in the directory,
// including absent ones.
func (m *msf) NumStreams() int { return len(m.streamBlocks) }

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// openMSFFile opens path and wraps it as an MSF container.
func openMSFFile(path string) (*msf, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("pdb: %w", err)
	}
	m, err := openMSF(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return m, f, nil
}
