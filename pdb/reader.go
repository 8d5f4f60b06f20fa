// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdb

import (
	"fmt"
	"os"
)

// Reader is the production File implementation: an MSF container opened
// from a .pdb file, with the Info and DBI streams parsed eagerly at
// Open time (spec §6 "open(path) -> PdbFile").
type Reader struct {
	f   *os.File
	msf *msf

	header HeaderInfo
	names  map[string]uint32

	dbiHdr     dbiHeader
	modules    []Module
	contribs   []SectionContrib
	dbgStreams [optionalDebugHeaderCount]uint16
}

// Open parses the PDB at path.
func Open(path string) (*Reader, error) {
	m, f, err := openMSFFile(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f, msf: m}

	info, err := m.Stream(infoStreamIndex)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("pdb: reading info stream: %w", err)
	}
	r.header, r.names, err = parseInfoStream(info)
	if err != nil {
		r.Close()
		return nil, err
	}

	// The DBI stream's index is fixed at stream 3 by convention; it is
	// not looked up through the named stream map (which holds
	// auxiliary streams like "/names" and Syzygy's own private stream).
	const dbiStreamIndex = 3
	dbi, err := m.Stream(dbiStreamIndex)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("pdb: reading DBI stream: %w", err)
	}
	r.dbiHdr, r.modules, r.contribs, r.dbgStreams, err = parseDBIStream(dbi)
	if err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}

// Streams implements File.
func (r *Reader) Streams() map[string]uint32 { return r.names }

// HeaderInfo implements File.
func (r *Reader) HeaderInfo() HeaderInfo { return r.header }

func (r *Reader) auxStream(idx uint16) ([]byte, bool) {
	if idx == 0xffff {
		return nil, false
	}
	data, err := r.msf.Stream(uint32(idx))
	if err != nil {
		return nil, false
	}
	return data, true
}

// DBIStream implements File.
func (r *Reader) DBIStream() (DBIInfo, error) {
	info := DBIInfo{Modules: r.modules, SectionContribs: r.contribs}

	if data, ok := r.auxStream(r.dbgStreams[dbgSectionHdr]); ok {
		sections, err := parseSectionHeaders(data)
		if err != nil {
			return DBIInfo{}, err
		}
		info.Sections = sections
	}
	if data, ok := r.auxStream(r.dbgStreams[dbgFixup]); ok {
		fixups, err := parseFixups(data)
		if err != nil {
			return DBIInfo{}, err
		}
		info.Fixups = fixups
	}
	if data, ok := r.auxStream(r.dbgStreams[dbgOmapFromSrc]); ok {
		omap, err := parseOmapTable(data)
		if err != nil {
			return DBIInfo{}, err
		}
		info.OmapFrom = omap
	}
	if data, ok := r.auxStream(r.dbgStreams[dbgOmapToSrc]); ok {
		omap, err := parseOmapTable(data)
		if err != nil {
			return DBIInfo{}, err
		}
		info.OmapTo = omap
	}
	return info, nil
}

// SymbolsFor implements File by reading module.SymStream's private
// symbol substream. The substream's leading 4-byte CodeView signature is
// skipped; what follows is a flat sequence of (length, kind, ...)
// records this reader decodes just far enough to recover name/RVA/length
// for the record kinds the Decomposer consumes.
func (r *Reader) SymbolsFor(module Module) ([]Symbol, error) {
	if module.SymStream < 0 {
		return nil, nil
	}
	data, err := r.msf.Stream(uint32(module.SymStream))
	if err != nil {
		return nil, fmt.Errorf("pdb: reading module symbol stream: %w", err)
	}
	return decodeSymbolRecords(data)
}

// FindFunctions implements File by filtering every module's symbols for
// function records.
func (r *Reader) FindFunctions() ([]Symbol, error) { return r.findKind(SymFunction) }

// FindThunks implements File.
func (r *Reader) FindThunks() ([]Symbol, error) { return r.findKind(SymThunk) }

// FindData implements File.
func (r *Reader) FindData() ([]Symbol, error) { return r.findKind(SymData) }

// FindLabels implements File.
func (r *Reader) FindLabels() ([]Symbol, error) { return r.findKind(SymLabel) }

func (r *Reader) findKind(kind SymbolKind) ([]Symbol, error) {
	var out []Symbol
	for _, m := range r.modules {
		syms, err := r.SymbolsFor(m)
		if err != nil {
			return nil, err
		}
		for _, s := range syms {
			if s.Kind == kind {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// FindPublicSymbols implements File by reading the DBI header's public
// symbol stream.
func (r *Reader) FindPublicSymbols() ([]Symbol, error) {
	if r.dbiHdr.PublicStreamIndex == 0xffff {
		return nil, nil
	}
	data, err := r.msf.Stream(uint32(r.dbiHdr.PublicStreamIndex))
	if err != nil {
		return nil, fmt.Errorf("pdb: reading public symbol stream: %w", err)
	}
	syms, err := decodeSymbolRecords(data)
	if err != nil {
		return nil, err
	}
	for i := range syms {
		syms[i].Kind = SymPublic
	}
	return syms, nil
}

// FindSectionContribs implements File by returning the DBI stream's
// parsed section-contribution substream: one entry per contiguous range
// of a section contributed by a single module (spec §4.4 step 5).
func (r *Reader) FindSectionContribs() ([]SectionContrib, error) {
	return r.contribs, nil
}
