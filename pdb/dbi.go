// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/syzygy/core/address"
)

// dbiHeader is the DBI stream's fixed 64-byte header.
type dbiHeader struct {
	VersionSignature       int32
	VersionHeader          uint32
	Age                    uint32
	GlobalStreamIndex      uint16
	BuildNumber            uint16
	PublicStreamIndex      uint16
	PdbDllVersion          uint16
	SymRecordStream        uint16
	PdbDllRbld             uint16
	ModInfoSize            int32
	SectionContributionSize int32
	SectionMapSize         int32
	SourceInfoSize         int32
	TypeServerMapSize      int32
	MFCTypeServerIndex     uint32
	OptionalDbgHeaderSize  int32
	ECSubstreamSize        int32
	Flags                  uint16
	Machine                uint16
	Padding                uint32
}

// optionalDebugHeaderCount is the number of stream-index slots in the
// DBI stream's trailing "optional debug header" array. Every slot is
// named and read; Reader.DBIStream uses only the fixup, OMAP and
// section-header slots.
const optionalDebugHeaderCount = 11

const (
	dbgFPO = iota
	dbgException
	dbgFixup
	dbgOmapToSrc
	dbgOmapFromSrc
	dbgSectionHdr
	dbgTokenRidMap
	dbgXdata
	dbgPdata
	dbgNewFPO
	dbgSectionHdrOrig
)

// parseDBIStream parses the DBI stream's header, module-info substream,
// section-contribution substream and optional-debug-header stream-index
// array. Fixups, OMAP tables and section headers live in the auxiliary
// streams the optional debug header points at, and are filled in by the
// caller once it has those streams' bytes (see Reader.DBIStream).
func parseDBIStream(data []byte) (dbiHeader, []Module, []SectionContrib, [optionalDebugHeaderCount]uint16, error) {
	var hdr dbiHeader
	br := bytes.NewReader(data)
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, nil, [optionalDebugHeaderCount]uint16{}, fmt.Errorf("pdb: reading DBI header: %w", err)
	}
	if hdr.VersionSignature != -1 {
		return hdr, nil, nil, [optionalDebugHeaderCount]uint16{}, FormatError{Reason: "DBI stream version signature is not -1"}
	}

	modData := make([]byte, hdr.ModInfoSize)
	if _, err := br.Read(modData); err != nil {
		return hdr, nil, nil, [optionalDebugHeaderCount]uint16{}, fmt.Errorf("pdb: reading DBI module-info substream: %w", err)
	}
	modules, err := parseModInfoSubstream(modData)
	if err != nil {
		return hdr, nil, nil, [optionalDebugHeaderCount]uint16{}, err
	}

	scData := make([]byte, hdr.SectionContributionSize)
	if _, err := br.Read(scData); err != nil {
		return hdr, nil, nil, [optionalDebugHeaderCount]uint16{}, fmt.Errorf("pdb: reading DBI section-contribution substream: %w", err)
	}
	contribs, err := parseSectionContribSubstream(scData)
	if err != nil {
		return hdr, nil, nil, [optionalDebugHeaderCount]uint16{}, err
	}

	skip := hdr.SectionMapSize + hdr.SourceInfoSize + hdr.TypeServerMapSize + hdr.ECSubstreamSize
	if _, err := br.Seek(int64(skip), 1); err != nil {
		return hdr, nil, nil, [optionalDebugHeaderCount]uint16{}, fmt.Errorf("pdb: seeking past DBI auxiliary substreams: %w", err)
	}

	var dbgStreams [optionalDebugHeaderCount]uint16
	n := int(hdr.OptionalDbgHeaderSize) / 2
	if n > optionalDebugHeaderCount {
		n = optionalDebugHeaderCount
	}
	for i := 0; i < n; i++ {
		if err := binary.Read(br, binary.LittleEndian, &dbgStreams[i]); err != nil {
			return hdr, nil, nil, [optionalDebugHeaderCount]uint16{}, fmt.Errorf("pdb: reading optional debug header slot %d: %w", i, err)
		}
	}
	return hdr, modules, contribs, dbgStreams, nil
}

// sectionContribEntry is the classic (version 0xeffe0000+1) 28-byte
// SectionContribEntry record: the DBI section-contribution substream is
// a 4-byte version tag followed by a flat array of these.
type sectionContribEntry struct {
	Section         uint16
	Padding1        uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
	Padding2        uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// parseSectionContribSubstream decodes the DBI stream's section
// contribution substream (spec §4.4 step 5's per-module section ranges).
// An empty substream (no debug info emitted for the image) is not an
// error: it simply yields no contributions.
func parseSectionContribSubstream(data []byte) ([]SectionContrib, error) {
	if len(data) < 4 {
		return nil, nil
	}
	data = data[4:] // skip the leading version tag.

	const recSize = 28
	var out []SectionContrib
	for off := 0; off+recSize <= len(data); off += recSize {
		var e sectionContribEntry
		if err := binary.Read(bytes.NewReader(data[off:off+recSize]), binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("pdb: reading section contribution entry: %w", err)
		}
		out = append(out, SectionContrib{
			Section:         e.Section,
			Offset:          e.Offset,
			Size:            e.Size,
			Characteristics: e.Characteristics,
			ModuleIndex:     e.ModuleIndex,
		})
	}
	return out, nil
}

// modInfoFixed is the fixed-size prefix of one ModInfo record; it is
// followed by two NUL-terminated strings (module name, object file
// name) and padding to a 4-byte boundary.
type modInfoFixed struct {
	Unused1             uint32
	SCSection           uint16
	_                   uint16
	SCOffset            int32
	SCSize              int32
	SCCharacteristics   uint32
	SCModuleIndex       uint16
	_                   uint16
	SCDataCrc           uint32
	SCRelocCrc          uint32
	Flags               uint16
	ModuleSymStream     uint16
	SymByteSize         uint32
	C11ByteSize         uint32
	C13ByteSize         uint32
	SourceFileCount     uint16
	Padding             uint16
	Unused2             uint32
	SourceFileNameIndex uint32
	PdbFilePathNameIndex uint32
}

func parseModInfoSubstream(data []byte) ([]Module, error) {
	var modules []Module
	for len(data) > 0 {
		if len(data) < binary.Size(modInfoFixed{}) {
			break
		}
		var fixed modInfoFixed
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &fixed); err != nil {
			return nil, fmt.Errorf("pdb: reading ModInfo record: %w", err)
		}
		rest := data[binary.Size(fixed):]

		name, nameLen, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		objName, objLen, err := readCString(rest[nameLen:])
		if err != nil {
			return nil, err
		}

		recLen := binary.Size(fixed) + nameLen + objLen
		recLen = alignUp4(recLen)
		if recLen > len(data) {
			recLen = len(data)
		}

		symStream := -1
		if fixed.ModuleSymStream != 0xffff {
			symStream = int(fixed.ModuleSymStream)
		}
		modules = append(modules, Module{Name: name, ObjFileName: objName, SymStream: symStream})

		data = data[recLen:]
	}
	return modules, nil
}

// readCString reads a NUL-terminated string from the front of buf,
// returning it and the byte count consumed including the terminator.
func readCString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), i + 1, nil
		}
	}
	return "", 0, FormatError{Reason: "unterminated string in DBI module-info substream"}
}

func alignUp4(n int) int {
	return (n + 3) &^ 3
}

// parseSectionHeaders decodes a stream holding a flat array of 40-byte
// IMAGE_SECTION_HEADER records (the DBI stream's "section headers" and
// "section headers original" auxiliary streams).
func parseSectionHeaders(data []byte) ([]SectionHeaderRecord, error) {
	const recSize = 40
	var out []SectionHeaderRecord
	for off := 0; off+recSize <= len(data); off += recSize {
		rec := data[off : off+recSize]
		name := bytes.TrimRight(rec[:8], "\x00")
		out = append(out, SectionHeaderRecord{
			Name:             string(name),
			VirtualSize:      binary.LittleEndian.Uint32(rec[8:12]),
			VirtualAddress:   address.RelativeAddress(binary.LittleEndian.Uint32(rec[12:16])),
			SizeOfRawData:    binary.LittleEndian.Uint32(rec[16:20]),
			PointerToRawData: binary.LittleEndian.Uint32(rec[20:24]),
			Characteristics:  binary.LittleEndian.Uint32(rec[36:40]),
		})
	}
	return out, nil
}

// parseOmapTable decodes a stream holding a flat array of (from, to)
// RVA pairs (spec §4.4 step 3's OMAP_FROM/OMAP_TO streams).
func parseOmapTable(data []byte) ([]OmapEntry, error) {
	const recSize = 8
	var out []OmapEntry
	for off := 0; off+recSize <= len(data); off += recSize {
		out = append(out, OmapEntry{
			From: address.RelativeAddress(binary.LittleEndian.Uint32(data[off : off+4])),
			To:   address.RelativeAddress(binary.LittleEndian.Uint32(data[off+4 : off+8])),
		})
	}
	return out, nil
}

// parseFixups decodes the private FIXUP stream: a flat array of
// 8-byte records (RVA, type, ref size, flags).
func parseFixups(data []byte) ([]FixupEntry, error) {
	const recSize = 8
	var out []FixupEntry
	for off := 0; off+recSize <= len(data); off += recSize {
		out = append(out, FixupEntry{
			RVA:           address.RelativeAddress(binary.LittleEndian.Uint32(data[off : off+4])),
			Type:          FixupType(data[off+4]),
			RefSize:       data[off+5],
			RefersToRdata: data[off+6] != 0,
		})
	}
	return out, nil
}
