// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pe reads the PE headers, sections and base-relocation table of
// a Windows image, exposing just the surface the Decomposer needs (spec
// §6 "PE reader" collaborator).
package pe

import (
	"fmt"

	"github.com/google/syzygy/core/address"
)

// SectionHeader describes one image section, in the coordinate space and
// field set the Decomposer consumes directly.
type SectionHeader struct {
	Name            string
	Addr            address.RelativeAddress
	Size            uint32 // virtual size
	RawOffset       address.FileOffsetAddress
	RawSize         uint32
	Characteristics uint32
}

// NTHeaders is the subset of the PE optional header the Decomposer and
// BlockBuilder consult: entry point, preferred base, and the section/file
// alignment the BlockGraph's header block must reproduce on reassembly.
type NTHeaders struct {
	Machine             uint16
	EntryPoint          address.RelativeAddress
	ImageBase           uint64
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	CheckSum            uint32
	TimeDateStamp       uint32
	NumberOfRvaAndSizes uint32
}

// Signature uniquely identifies a PE module on disk, independent of its
// load address (spec §6 "get_signature").
type Signature struct {
	Path                string
	ModuleSize          uint32
	ModuleChecksum      uint32
	ModuleTimeDateStamp uint32
	ModuleBaseAddress   address.AbsoluteAddress
}

// File is the collaborator surface the Decomposer reads a PE image
// through. Reader is the production implementation; tests may supply a
// fake.
type File interface {
	Sections() []SectionHeader
	// ImageData returns the length bytes of image data starting at rva.
	// The returned slice aliases the File's backing storage and must
	// never be mutated.
	ImageData(rva address.RelativeAddress, length uint32) ([]byte, error)
	// ToRelative converts an absolute virtual address to an RVA, failing
	// if abs does not lie within the module's preferred load range.
	ToRelative(abs address.AbsoluteAddress) (address.RelativeAddress, error)
	// ToAbsolute converts an RVA to an absolute virtual address.
	ToAbsolute(rel address.RelativeAddress) address.AbsoluteAddress
	// ReadRelocs returns every base relocation as an RVA -> absolute
	// target mapping (spec §6 "read_relocs").
	ReadRelocs() (map[address.RelativeAddress]address.AbsoluteAddress, error)
	NTHeaders() NTHeaders
	Signature() Signature
}

// ErrOutOfRange is returned when a requested image range does not lie
// within any mapped section or header region.
type ErrOutOfRange struct {
	RVA    address.RelativeAddress
	Length uint32
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("pe: range [%s, +%d) is not backed by any section or header", e.RVA, e.Length)
}

// ErrNotMapped is returned by ToRelative when an absolute address does
// not lie within the module's preferred load range.
type ErrNotMapped struct {
	Abs address.AbsoluteAddress
}

func (e ErrNotMapped) Error() string {
	return fmt.Sprintf("pe: absolute address %s does not lie within the module's image", e.Abs)
}
