// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdb

import (
	"encoding/binary"

	"github.com/google/syzygy/core/address"
)

// CodeView symbol record kinds this package understands. Every other
// kind is skipped using its record's declared length, so an unsupported
// symbol never breaks the scan.
const (
	symLProc32 = 0x110f
	symGProc32 = 0x1110
	symThunk32 = 0x1102
	symLData32 = 0x110c
	symGData32 = 0x110d
	symPub32   = 0x110e
	symLabel32 = 0x1105
)

// decodeSymbolRecords walks a CodeView symbol substream: each record is
// a 2-byte length (excluding the length field itself) followed by a
// 2-byte kind and kind-specific data. The first 4 bytes (the module
// stream's CodeView signature) are skipped whenever data holds at least
// 4 bytes.
func decodeSymbolRecords(data []byte) ([]Symbol, error) {
	var out []Symbol
	off := 0
	if len(data) >= 4 {
		off = 4 // CV_SIGNATURE_C13
	}
	for off+4 <= len(data) {
		length := int(binary.LittleEndian.Uint16(data[off:]))
		kind := binary.LittleEndian.Uint16(data[off+2:])
		recEnd := off + 2 + length
		if length < 2 || recEnd > len(data) {
			break
		}
		body := data[off+4 : recEnd]

		if sym, ok := decodeOneSymbol(kind, body); ok {
			out = append(out, sym)
		}
		off = recEnd
	}
	return out, nil
}

// decodeOneSymbol decodes the handful of fixed-prefix record shapes
// this package cares about: procs and thunks begin with parent/end/next
// pointers that are skipped and carry a length; every shape carries an
// offset (used as the RVA), a uint16 section index and a NUL-terminated
// name.
func decodeOneSymbol(kind uint16, body []byte) (Symbol, bool) {
	switch kind {
	case symLProc32, symGProc32:
		return decodeProcLike(body, SymFunction)
	case symThunk32:
		return decodeThunk(body)
	case symLData32, symGData32:
		return decodeDataLike(body, SymData)
	case symPub32:
		return decodeDataLike(body, SymPublic)
	case symLabel32:
		return decodeLabel(body)
	default:
		return Symbol{}, false
	}
}

// decodeProcLike decodes S_LPROC32/S_GPROC32's fixed fields up to and
// including Offset/Segment; Length is the proc's byte length.
func decodeProcLike(body []byte, kind SymbolKind) (Symbol, bool) {
	// Pointp, Pend, Pnext (3*4=12), Length(4), DebugStart(4), DebugEnd(4),
	// TypeIndex(4), Offset(4), Segment(2), Flags(1) = 35 bytes prefix.
	const prefix = 35
	if len(body) < prefix+1 {
		return Symbol{}, false
	}
	length := binary.LittleEndian.Uint32(body[12:16])
	offset := binary.LittleEndian.Uint32(body[28:32])
	name := cstringNoErr(body[prefix:])
	return Symbol{Kind: kind, Name: name, RVA: address.RelativeAddress(offset), Length: length}, true
}

func decodeThunk(body []byte) (Symbol, bool) {
	// Pparent, Pend, Pnext (12), Offset(4), Segment(2), Length(2), Ord(1) = 21
	const prefix = 21
	if len(body) < prefix+1 {
		return Symbol{}, false
	}
	offset := binary.LittleEndian.Uint32(body[12:16])
	length := uint32(binary.LittleEndian.Uint16(body[18:20]))
	name := cstringNoErr(body[prefix:])
	return Symbol{Kind: SymThunk, Name: name, RVA: address.RelativeAddress(offset), Length: length}, true
}

func decodeDataLike(body []byte, kind SymbolKind) (Symbol, bool) {
	// TypeIndex(4), Offset(4), Segment(2) = 10
	const prefix = 10
	if len(body) < prefix+1 {
		return Symbol{}, false
	}
	offset := binary.LittleEndian.Uint32(body[4:8])
	name := cstringNoErr(body[prefix:])
	return Symbol{Kind: kind, Name: name, RVA: address.RelativeAddress(offset)}, true
}

func decodeLabel(body []byte) (Symbol, bool) {
	// Offset(4), Segment(2), Flags(1) = 7
	const prefix = 7
	if len(body) < prefix+1 {
		return Symbol{}, false
	}
	offset := binary.LittleEndian.Uint32(body[0:4])
	name := cstringNoErr(body[prefix:])
	return Symbol{Kind: SymLabel, Name: name, RVA: address.RelativeAddress(offset)}, true
}

func cstringNoErr(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
