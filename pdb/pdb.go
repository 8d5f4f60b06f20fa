// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdb

import (
	"fmt"

	"github.com/google/syzygy/core/address"
)

// FormatError is returned when a stream's structure does not match the
// expected PDB/MSF layout.
type FormatError struct{ Reason string }

func (e FormatError) Error() string { return fmt.Sprintf("pdb: format error: %s", e.Reason) }

// HeaderInfo is the PDB Info stream's fixed header (spec §6
// "header_info").
type HeaderInfo struct {
	Version   uint32
	Timestamp uint32
	Age       uint32
	Signature [16]byte // the PDB's unique GUID.
}

// OmapEntry maps one address to another, used for both directions of
// the post-link OMAP translation table (spec §4.4 step 3 "OMAP-aware
// fixup translation").
type OmapEntry struct {
	From address.RelativeAddress
	To   address.RelativeAddress
}

// FixupEntry is one record of the PDB's private FIXUP stream: an
// instruction location the linker patched, together with the reference
// kind it used to do so.
type FixupEntry struct {
	RVA           address.RelativeAddress
	Type          FixupType
	RefSize       uint8
	RefersToRdata bool
}

// FixupType mirrors the linker's internal fixup-kind enumeration, which
// the Decomposer cross-checks disassembled references against (spec
// §4.4 step 14 reference-validation matrix).
type FixupType uint8

const (
	FixupAbsolute FixupType = iota
	FixupRelative
	FixupPCRelative
)

// Module describes one object file's contribution as recorded in the
// DBI stream's module-info substream.
type Module struct {
	Name        string
	ObjFileName string
	SymStream   int // -1 if the module has no private symbol stream.
}

// SectionContrib records which module contributed which byte range of
// which section (spec §4.4 step 5 "section contributions").
type SectionContrib struct {
	Section         uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
}

// DBIInfo is the parsed content of the DBI stream (spec §6
// "dbi_stream").
type DBIInfo struct {
	Sections        []SectionHeaderRecord
	Modules         []Module
	Fixups          []FixupEntry
	OmapFrom        []OmapEntry
	OmapTo          []OmapEntry
	SectionContribs []SectionContrib
}

// SectionHeaderRecord is one IMAGE_SECTION_HEADER-equivalent record from
// the section headers stream named by the DBI optional debug header's
// SectionHdr slot.
type SectionHeaderRecord struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   address.RelativeAddress
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

// SymbolKind distinguishes the handful of CodeView symbol record kinds
// the Decomposer reads (spec §4.4 steps 6-10).
type SymbolKind uint8

const (
	SymFunction SymbolKind = iota
	SymThunk
	SymData
	SymPublic
	SymLabel
)

// Symbol is one CodeView symbol record relevant to decomposition.
type Symbol struct {
	Kind   SymbolKind
	Name   string
	RVA    address.RelativeAddress
	Length uint32
}

// File is the collaborator surface the Decomposer reads PDB debug
// information through (spec §6 "PDB reader").
type File interface {
	Streams() map[string]uint32
	HeaderInfo() HeaderInfo
	DBIStream() (DBIInfo, error)
	SymbolsFor(module Module) ([]Symbol, error)
	FindFunctions() ([]Symbol, error)
	FindThunks() ([]Symbol, error)
	FindSectionContribs() ([]SectionContrib, error)
	FindPublicSymbols() ([]Symbol, error)
	FindData() ([]Symbol, error)
	FindLabels() ([]Symbol, error)
}
