// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pe

import (
	debugpe "debug/pe"
	"encoding/binary"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/google/syzygy/core/address"
)

// Reader is the production File implementation: it memory-maps the
// image file once and serves every subsequent read as a borrowed slice
// of that mapping, so that blocks built from section contributions can
// alias it directly rather than copy (spec §3.2 Design Notes, "Borrowed
// vs owned data").
type Reader struct {
	path string
	f    *os.File
	data mmap.MMap
	pe   *debugpe.File

	sections  []SectionHeader
	nt        NTHeaders
	imageBase uint64
}

// NewReader opens and memory-maps the PE image at path.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pe: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pe: mmap %s: %w", path, err)
	}

	pf, err := debugpe.NewFile(f)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("pe: parse %s: %w", path, err)
	}

	r := &Reader{path: path, f: f, data: data, pe: pf}
	if err := r.init(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) init() error {
	switch oh := r.pe.OptionalHeader.(type) {
	case *debugpe.OptionalHeader32:
		r.imageBase = uint64(oh.ImageBase)
		r.nt = NTHeaders{
			EntryPoint:          address.RelativeAddress(oh.AddressOfEntryPoint),
			ImageBase:           r.imageBase,
			SectionAlignment:    oh.SectionAlignment,
			FileAlignment:       oh.FileAlignment,
			SizeOfImage:         oh.SizeOfImage,
			SizeOfHeaders:       oh.SizeOfHeaders,
			CheckSum:            oh.CheckSum,
			NumberOfRvaAndSizes: oh.NumberOfRvaAndSizes,
		}
	case *debugpe.OptionalHeader64:
		r.imageBase = oh.ImageBase
		r.nt = NTHeaders{
			EntryPoint:          address.RelativeAddress(oh.AddressOfEntryPoint),
			ImageBase:           r.imageBase,
			SectionAlignment:    oh.SectionAlignment,
			FileAlignment:       oh.FileAlignment,
			SizeOfImage:         oh.SizeOfImage,
			SizeOfHeaders:       oh.SizeOfHeaders,
			CheckSum:            oh.CheckSum,
			NumberOfRvaAndSizes: oh.NumberOfRvaAndSizes,
		}
	default:
		return fmt.Errorf("pe: %s: unsupported or missing optional header", r.path)
	}
	r.nt.Machine = r.pe.FileHeader.Machine
	r.nt.TimeDateStamp = r.pe.FileHeader.TimeDateStamp

	for _, s := range r.pe.Sections {
		r.sections = append(r.sections, SectionHeader{
			Name:            s.Name,
			Addr:            address.RelativeAddress(s.VirtualAddress),
			Size:            s.VirtualSize,
			RawOffset:       address.FileOffsetAddress(s.Offset),
			RawSize:         s.Size,
			Characteristics: s.Characteristics,
		})
	}
	return nil
}

// Close releases the mapped image. The Reader and any block data
// borrowed from it must not be used afterwards.
func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		err = r.data.Unmap()
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Sections implements File.
func (r *Reader) Sections() []SectionHeader { return r.sections }

// NTHeaders implements File.
func (r *Reader) NTHeaders() NTHeaders { return r.nt }

// Signature implements File.
func (r *Reader) Signature() Signature {
	return Signature{
		Path:                r.path,
		ModuleSize:          r.nt.SizeOfImage,
		ModuleChecksum:      r.nt.CheckSum,
		ModuleTimeDateStamp: r.nt.TimeDateStamp,
		ModuleBaseAddress:   address.AbsoluteAddress(r.imageBase),
	}
}

// ToAbsolute implements File.
func (r *Reader) ToAbsolute(rel address.RelativeAddress) address.AbsoluteAddress {
	return address.AbsoluteAddress(r.imageBase + uint64(rel))
}

// ToRelative implements File.
func (r *Reader) ToRelative(abs address.AbsoluteAddress) (address.RelativeAddress, error) {
	a := uint64(abs)
	if a < r.imageBase || a-r.imageBase >= uint64(r.nt.SizeOfImage) {
		return 0, ErrNotMapped{Abs: abs}
	}
	return address.RelativeAddress(a - r.imageBase), nil
}

// fileOffsetForRVA finds the raw file offset backing rva, by locating
// the section (or the header region below the first section) that
// contains it. Returns ok=false if rva is not backed by any mapped
// region (e.g. it falls in the tail of a section's virtual-only BSS
// padding).
func (r *Reader) fileOffsetForRVA(rva address.RelativeAddress) (off uint32, ok bool) {
	if uint32(rva) < r.nt.SizeOfHeaders {
		return uint32(rva), true
	}
	for _, s := range r.sections {
		start := uint32(s.Addr)
		if uint32(rva) < start || uint32(rva)-start >= s.RawSize {
			continue
		}
		return uint32(s.RawOffset) + (uint32(rva) - start), true
	}
	return 0, false
}

// ImageData implements File.
func (r *Reader) ImageData(rva address.RelativeAddress, length uint32) ([]byte, error) {
	off, ok := r.fileOffsetForRVA(rva)
	if !ok {
		return nil, ErrOutOfRange{RVA: rva, Length: length}
	}
	end := uint64(off) + uint64(length)
	if end > uint64(len(r.data)) {
		return nil, ErrOutOfRange{RVA: rva, Length: length}
	}
	return r.data[off:end], nil
}

// baseRelocationType values from the PE spec; only HIGHLOW (a full
// 32-bit absolute fixup, the only kind a 32-bit image written by a
// supported toolchain emits) carries an entry this reader acts on.
const imageRelBasedHighLow = 3

// ReadRelocs implements File by walking the .reloc section's
// IMAGE_BASE_RELOCATION block chain.
func (r *Reader) ReadRelocs() (map[address.RelativeAddress]address.AbsoluteAddress, error) {
	dir := r.baseRelocDirectory()
	if dir.Size == 0 {
		return map[address.RelativeAddress]address.AbsoluteAddress{}, nil
	}
	data, err := r.ImageData(address.RelativeAddress(dir.VirtualAddress), dir.Size)
	if err != nil {
		return nil, fmt.Errorf("pe: reading base relocation directory: %w", err)
	}

	rvas, err := parseBaseRelocationRVAs(data)
	if err != nil {
		return nil, err
	}
	out := make(map[address.RelativeAddress]address.AbsoluteAddress, len(rvas))
	for _, rva := range rvas {
		raw, err := r.ImageData(rva, 4)
		if err != nil {
			continue
		}
		out[rva] = address.AbsoluteAddress(binary.LittleEndian.Uint32(raw))
	}
	return out, nil
}

// parseBaseRelocationRVAs walks an IMAGE_BASE_RELOCATION block chain and
// returns the RVA of every HIGHLOW (32-bit absolute) fixup site. It is a
// pure function of the directory's bytes so it can be exercised directly
// in tests, independent of a real mapped image.
func parseBaseRelocationRVAs(data []byte) ([]address.RelativeAddress, error) {
	var out []address.RelativeAddress
	for len(data) >= 8 {
		pageRVA := binary.LittleEndian.Uint32(data[0:4])
		blockSize := binary.LittleEndian.Uint32(data[4:8])
		if blockSize < 8 || uint64(blockSize) > uint64(len(data)) {
			return nil, fmt.Errorf("pe: malformed base relocation block (size %d)", blockSize)
		}
		entries := data[8:blockSize]
		for i := 0; i+2 <= len(entries); i += 2 {
			entry := binary.LittleEndian.Uint16(entries[i:])
			typ := entry >> 12
			ofs := uint32(entry & 0xfff)
			if typ != imageRelBasedHighLow {
				continue
			}
			out = append(out, address.RelativeAddress(pageRVA+ofs))
		}
		data = data[blockSize:]
	}
	return out, nil
}

func (r *Reader) baseRelocDirectory() debugpe.DataDirectory {
	const imageDirectoryEntryBaseReloc = 5
	switch oh := r.pe.OptionalHeader.(type) {
	case *debugpe.OptionalHeader32:
		return oh.DataDirectory[imageDirectoryEntryBaseReloc]
	case *debugpe.OptionalHeader64:
		return oh.DataDirectory[imageDirectoryEntryBaseReloc]
	default:
		return debugpe.DataDirectory{}
	}
}
