// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// infoStreamIndex is stream index 1: the PDB Info header plus the named
// stream map (spec §6 "streams()" and "header_info()").
const infoStreamIndex = 1

func parseInfoStream(data []byte) (HeaderInfo, map[string]uint32, error) {
	br := bytes.NewReader(data)
	var hdr struct {
		Version   uint32
		Timestamp uint32
		Age       uint32
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return HeaderInfo{}, nil, fmt.Errorf("pdb: reading info stream header: %w", err)
	}
	var guid [16]byte
	if _, err := br.Read(guid[:]); err != nil {
		return HeaderInfo{}, nil, fmt.Errorf("pdb: reading info stream GUID: %w", err)
	}

	var stringBufferSize uint32
	if err := binary.Read(br, binary.LittleEndian, &stringBufferSize); err != nil {
		return HeaderInfo{}, nil, fmt.Errorf("pdb: reading named stream buffer size: %w", err)
	}
	strBuf := make([]byte, stringBufferSize)
	if _, err := br.Read(strBuf); err != nil {
		return HeaderInfo{}, nil, fmt.Errorf("pdb: reading named stream buffer: %w", err)
	}

	names, err := parseNamedStreamHashTable(br, strBuf)
	if err != nil {
		return HeaderInfo{}, nil, err
	}

	return HeaderInfo{Version: hdr.Version, Timestamp: hdr.Timestamp, Age: hdr.Age, Signature: guid}, names, nil
}

// parseNamedStreamHashTable decodes the serialized hash table that maps
// private stream names (e.g. the Syzygy block-graph stream) to stream
// indices: a size/capacity pair, a present and a deleted bit vector, and
// one (key offset, value) pair per set bit in Present.
func parseNamedStreamHashTable(br *bytes.Reader, strBuf []byte) (map[string]uint32, error) {
	var size, capacity uint32
	if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("pdb: reading named stream hash table size: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &capacity); err != nil {
		return nil, fmt.Errorf("pdb: reading named stream hash table capacity: %w", err)
	}

	present, err := readBitVector(br)
	if err != nil {
		return nil, fmt.Errorf("pdb: reading present bit vector: %w", err)
	}
	if _, err := readBitVector(br); err != nil { // deleted bit vector, unused once present bits are known
		return nil, fmt.Errorf("pdb: reading deleted bit vector: %w", err)
	}

	out := make(map[string]uint32, size)
	for i := uint32(0); i < capacity; i++ {
		if !bitSet(present, i) {
			continue
		}
		var key, value uint32
		if err := binary.Read(br, binary.LittleEndian, &key); err != nil {
			return nil, fmt.Errorf("pdb: reading hash table entry %d key: %w", i, err)
		}
		if err := binary.Read(br, binary.LittleEndian, &value); err != nil {
			return nil, fmt.Errorf("pdb: reading hash table entry %d value: %w", i, err)
		}
		name, err := stringAt(strBuf, key)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

func readBitVector(br *bytes.Reader) ([]uint32, error) {
	var wordCount uint32
	if err := binary.Read(br, binary.LittleEndian, &wordCount); err != nil {
		return nil, err
	}
	words := make([]uint32, wordCount)
	for i := range words {
		if err := binary.Read(br, binary.LittleEndian, &words[i]); err != nil {
			return nil, err
		}
	}
	return words, nil
}

func bitSet(words []uint32, i uint32) bool {
	word := i / 32
	if int(word) >= len(words) {
		return false
	}
	return words[word]&(1<<(i%32)) != 0
}

// stringAt reads a NUL-terminated string starting at byte offset off
// within buf.
func stringAt(buf []byte, off uint32) (string, error) {
	if off > uint32(len(buf)) {
		return "", fmt.Errorf("pdb: string offset %d exceeds buffer of length %d", off, len(buf))
	}
	end := off
	for end < uint32(len(buf)) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end]), nil
}
