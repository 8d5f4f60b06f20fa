// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decompose

import (
	"testing"

	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/core/address"
	"github.com/google/syzygy/pdb"
	"github.com/google/syzygy/pe"
)

// fakePE is a minimal in-memory pe.File for Decomposer tests.
type fakePE struct {
	sections []pe.SectionHeader
	data     []byte // the whole image, indexed directly by RVA.
	base     uint64
}

func (f *fakePE) Sections() []pe.SectionHeader { return f.sections }

func (f *fakePE) ImageData(rva address.RelativeAddress, length uint32) ([]byte, error) {
	start, end := uint32(rva), uint32(rva)+length
	if end > uint32(len(f.data)) {
		return nil, pe.ErrOutOfRange{RVA: rva, Length: length}
	}
	return f.data[start:end], nil
}

func (f *fakePE) ToRelative(abs address.AbsoluteAddress) (address.RelativeAddress, error) {
	return address.RelativeAddress(uint64(abs) - f.base), nil
}

func (f *fakePE) ToAbsolute(rel address.RelativeAddress) address.AbsoluteAddress {
	return address.AbsoluteAddress(f.base + uint64(rel))
}

func (f *fakePE) ReadRelocs() (map[address.RelativeAddress]address.AbsoluteAddress, error) {
	return nil, nil
}

func (f *fakePE) NTHeaders() pe.NTHeaders { return pe.NTHeaders{} }
func (f *fakePE) Signature() pe.Signature { return pe.Signature{} }

// fakePDB is a minimal in-memory pdb.File for Decomposer tests.
type fakePDB struct {
	dbi       pdb.DBIInfo
	functions []pdb.Symbol
	publics   []pdb.Symbol
	data      []pdb.Symbol
	labels    []pdb.Symbol
}

func (f *fakePDB) Streams() map[string]uint32      { return nil }
func (f *fakePDB) HeaderInfo() pdb.HeaderInfo       { return pdb.HeaderInfo{} }
func (f *fakePDB) DBIStream() (pdb.DBIInfo, error)  { return f.dbi, nil }
func (f *fakePDB) SymbolsFor(pdb.Module) ([]pdb.Symbol, error) { return nil, nil }
func (f *fakePDB) FindFunctions() ([]pdb.Symbol, error)       { return f.functions, nil }
func (f *fakePDB) FindThunks() ([]pdb.Symbol, error)          { return nil, nil }
func (f *fakePDB) FindSectionContribs() ([]pdb.SectionContrib, error) {
	return f.dbi.SectionContribs, nil
}
func (f *fakePDB) FindPublicSymbols() ([]pdb.Symbol, error) { return f.publics, nil }
func (f *fakePDB) FindData() ([]pdb.Symbol, error)          { return f.data, nil }
func (f *fakePDB) FindLabels() ([]pdb.Symbol, error)        { return f.labels, nil }

// TestDecomposerSimpleFunction builds a tiny one-section image with a
// single ret-only function contributed by module 0, and checks that
// Decompose produces a 1-byte CODE block carrying the function's label,
// with the section's remaining bytes captured by a gap block.
func TestDecomposerSimpleFunction(t *testing.T) {
	image := []byte{0xc3, 0x90, 0x90, 0x90} // ret; nop; nop; nop (the nops form the section's gap tail).
	fpe := &fakePE{
		sections: []pe.SectionHeader{
			{Name: ".text", Addr: 0, Size: uint32(len(image)), Characteristics: 0x60000020},
		},
		data: image,
	}
	fpdb := &fakePDB{
		dbi: pdb.DBIInfo{
			Sections: []pdb.SectionHeaderRecord{{Name: ".text", VirtualAddress: 0, VirtualSize: uint32(len(image))}},
			Modules:  []pdb.Module{{Name: "a.obj", SymStream: -1}},
			SectionContribs: []pdb.SectionContrib{
				{Section: 1, Offset: 0, Size: 1, Characteristics: 0x60000020, ModuleIndex: 0},
			},
		},
		functions: []pdb.Symbol{{Kind: pdb.SymFunction, Name: "my_func", RVA: 0, Length: 1}},
	}

	d := NewDecomposer(fpe, fpdb)
	graph, err := d.Decompose()
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	var funcBlock *blockgraph.Block
	for _, b := range graph.Blocks() {
		if l, ok := b.Labels()[0]; ok && l.Name == "my_func" {
			funcBlock = b
		}
	}
	if funcBlock == nil {
		t.Fatalf("no block carries the my_func label; blocks: %+v", graph.Blocks())
	}
	if funcBlock.Type != blockgraph.CodeBlock {
		t.Fatalf("my_func block type = %s, want CODE", funcBlock.Type)
	}
	if funcBlock.Size() != 1 {
		t.Fatalf("my_func block size = %d, want 1", funcBlock.Size())
	}

	// The trailing 3 NOP bytes must have been captured by a gap block.
	var sawGap bool
	for _, b := range graph.Blocks() {
		if b.Attributes.Has(blockgraph.GapBlock) {
			sawGap = true
		}
	}
	if !sawGap {
		t.Fatalf("expected a gap block covering the trailing bytes")
	}
}

// TestDecomposerSynthesizesIntraBlockBranchReference checks that an
// ordinary intra-module conditional jump with no PDB fixup backing it
// (the common case: the linker never emits a fixup for a short,
// same-module displacement) still ends up as a committed Reference on
// the function's block, per spec §4.4 step 14(a)'s validation matrix
// row "1/2-byte PC_REL (must be intra-block) -> FIXUP_MUST_NOT_EXIST".
func TestDecomposerSynthesizesIntraBlockBranchReference(t *testing.T) {
	image := []byte{
		0x83, 0xf8, 0x00, // cmp eax, 0   (offset 0, len 3)
		0x75, 0x02, // jne +2 -> target 7 (offset 3, len 2)
		0x90, // nop                 (offset 5, len 1)
		0x90, // nop                 (offset 6, len 1)
		0xc3, // ret                 (offset 7, len 1, jne target)
	}
	fpe := &fakePE{
		sections: []pe.SectionHeader{
			{Name: ".text", Addr: 0, Size: uint32(len(image)), Characteristics: 0x60000020},
		},
		data: image,
	}
	fpdb := &fakePDB{
		dbi: pdb.DBIInfo{
			Sections: []pdb.SectionHeaderRecord{{Name: ".text", VirtualAddress: 0, VirtualSize: uint32(len(image))}},
			Modules:  []pdb.Module{{Name: "a.obj", SymStream: -1}},
			SectionContribs: []pdb.SectionContrib{
				{Section: 1, Offset: 0, Size: int32(len(image)), Characteristics: 0x60000020, ModuleIndex: 0},
			},
		},
		functions: []pdb.Symbol{{Kind: pdb.SymFunction, Name: "my_func", RVA: 0, Length: uint32(len(image))}},
	}

	d := NewDecomposer(fpe, fpdb)
	graph, err := d.Decompose()
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	var funcBlock *blockgraph.Block
	for _, b := range graph.Blocks() {
		if l, ok := b.Labels()[0]; ok && l.Name == "my_func" {
			funcBlock = b
		}
	}
	if funcBlock == nil {
		t.Fatalf("no block carries the my_func label; blocks: %+v", graph.Blocks())
	}
	if funcBlock.Attributes.Has(blockgraph.ErroredDisassembly) {
		t.Fatalf("funcBlock.Attributes = %s, did not want ERRORED_DISASSEMBLY", funcBlock.Attributes)
	}

	ref, ok := funcBlock.References()[4]
	if !ok {
		t.Fatalf("funcBlock has no reference at offset 4 (the jne's displacement byte); references: %+v", funcBlock.References())
	}
	if ref.Type != blockgraph.PCRelative || ref.Size != 1 {
		t.Fatalf("ref = %+v, want type PC_RELATIVE size 1", ref)
	}
	if ref.Target != funcBlock.ID() || ref.Base != 7 {
		t.Fatalf("ref = %+v, want target %d base 7", ref, funcBlock.ID())
	}
}

// TestDecomposerPublicSymbolStripsUnderscore checks step 11's leading-
// underscore stripping.
func TestDecomposerPublicSymbolStripsUnderscore(t *testing.T) {
	image := []byte{0xc3}
	fpe := &fakePE{
		sections: []pe.SectionHeader{{Name: ".text", Addr: 0, Size: 1, Characteristics: 0x60000020}},
		data:     image,
	}
	fpdb := &fakePDB{
		dbi: pdb.DBIInfo{
			Sections: []pdb.SectionHeaderRecord{{Name: ".text", VirtualAddress: 0, VirtualSize: 1}},
			Modules:  []pdb.Module{{Name: "a.obj", SymStream: -1}},
			SectionContribs: []pdb.SectionContrib{
				{Section: 1, Offset: 0, Size: 1, Characteristics: 0x60000020, ModuleIndex: 0},
			},
		},
		publics: []pdb.Symbol{{Kind: pdb.SymPublic, Name: "_exported_func", RVA: 0}},
	}

	d := NewDecomposer(fpe, fpdb)
	graph, err := d.Decompose()
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	var found bool
	for _, b := range graph.Blocks() {
		if l, ok := b.Labels()[0]; ok && l.Name == "exported_func" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a label named %q (underscore stripped)", "exported_func")
	}
}
