// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decompose

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/core/address"
	"github.com/google/syzygy/disasm"
	"github.com/google/syzygy/pdb"
	"github.com/google/syzygy/pe"
)

// initializerBracket is one configurable regex pair bracketing a run of
// static-initializer blocks that must never be split apart (spec §4.4
// step 12).
type initializerBracket struct {
	start, end *regexp.Regexp
}

// defaultInitializerBrackets mirrors the linker's well-known
// bracketing-symbol conventions.
func defaultInitializerBrackets() []initializerBracket {
	pairs := [][2]string{
		{`^(__x.*)_a$`, `^(__x.*)_z$`},
		{`^(__rtc_[it])aa$`, `^(__rtc_[it])zz$`},
		{`^(__pobjMapEntry)First$`, `^(__pobjMapEntry)Last$`},
		{`^(_tls_)start$`, `^(_tls_)end$`},
	}
	out := make([]initializerBracket, len(pairs))
	for i, p := range pairs {
		out[i] = initializerBracket{start: regexp.MustCompile(p[0]), end: regexp.MustCompile(p[1])}
	}
	return out
}

// nonReturnAllowlist lists well-known function names the linker never
// annotates as non-returning but which are, in practice (spec §4.4 step
// 6).
var nonReturnAllowlist = []*regexp.Regexp{
	regexp.MustCompile(`^_CxxThrowException$`),
	regexp.MustCompile(`^_abort$`),
	regexp.MustCompile(`^__std_terminate$`),
}

// Decomposer implements spec §4.4: building a blockgraph.BlockGraph from
// a PE image plus its matching PDB debug information.
type Decomposer struct {
	PE  pe.File
	PDB pdb.File

	// Brackets configures the static-initializer merging pass (step 12).
	// Callers may override it for images with non-default symbol
	// conventions; NewDecomposer sets it to defaultInitializerBrackets(),
	// and a nil Brackets merges nothing.
	Brackets []initializerBracket

	bbDecomposer *BasicBlockDecomposer

	// rvaBlocks is every block so far created, sorted by starting RVA, so
	// that later steps can find "the block covering this RVA" without a
	// linear rescan of the whole graph each time.
	rvaBlocks []rvaBlock
}

// rvaBlock records the RVA range a block occupies in the original image,
// used by every step after section-contribution carving to map a symbol
// or fixup's RVA back to its covering block.
type rvaBlock struct {
	start address.RelativeAddress
	size  uint32
	block *blockgraph.Block
}

// blockAt returns the block covering rva, if any.
func (d *Decomposer) blockAt(rva address.RelativeAddress) (*blockgraph.Block, uint32, bool) {
	i := sort.Search(len(d.rvaBlocks), func(i int) bool { return d.rvaBlocks[i].start > rva }) - 1
	if i < 0 {
		return nil, 0, false
	}
	rb := d.rvaBlocks[i]
	if uint32(rva)-uint32(rb.start) >= rb.size {
		return nil, 0, false
	}
	return rb.block, uint32(rva) - uint32(rb.start), true
}

// addRVABlock registers a newly-created block for future blockAt lookups,
// keeping rvaBlocks sorted.
func (d *Decomposer) addRVABlock(start address.RelativeAddress, size uint32, b *blockgraph.Block) {
	i := sort.Search(len(d.rvaBlocks), func(i int) bool { return d.rvaBlocks[i].start >= start })
	d.rvaBlocks = append(d.rvaBlocks, rvaBlock{})
	copy(d.rvaBlocks[i+1:], d.rvaBlocks[i:])
	d.rvaBlocks[i] = rvaBlock{start: start, size: size, block: b}
}

// NewDecomposer returns a Decomposer reading image through peFile and
// debug information through pdbFile.
func NewDecomposer(peFile pe.File, pdbFile pdb.File) *Decomposer {
	return &Decomposer{
		PE:           peFile,
		PDB:          pdbFile,
		Brackets:     defaultInitializerBrackets(),
		bbDecomposer: NewBasicBlockDecomposer(disasm.X86Decoder{}),
	}
}

// intermediateReference is a not-yet-resolved reference discovered from
// a fixup or a disassembled instruction: it names its destination by RVA
// rather than by BlockID, since the destination block may not exist yet
// (spec §4.4 step 3 "intermediate reference").
type intermediateReference struct {
	srcRVA   address.RelativeAddress
	typ      blockgraph.ReferenceType
	size     uint8
	dstBase  address.RelativeAddress
	dstDelta int32 // dst_offset - dst_base, i.e. ref.Offset - ref.Base once resolved.
}

// Decompose runs spec §4.4's algorithm and returns the resulting graph.
func (d *Decomposer) Decompose() (*blockgraph.BlockGraph, error) {
	graph := blockgraph.New()

	sectionOf := d.createSections(graph)

	refs, err := d.loadFixups()
	if err != nil {
		return nil, err
	}

	if err := d.createSectionContribBlocks(graph, sectionOf); err != nil {
		return nil, err
	}

	funcs, err := d.PDB.FindFunctions()
	if err != nil {
		return nil, ErrFormat{Reason: "reading function symbols: " + err.Error()}
	}
	thunks, err := d.PDB.FindThunks()
	if err != nil {
		return nil, ErrFormat{Reason: "reading thunk symbols: " + err.Error()}
	}
	d.attachFunctionLabels(graph, append(append([]pdb.Symbol{}, funcs...), thunks...))

	dataSyms, err := d.PDB.FindData()
	if err != nil {
		return nil, ErrFormat{Reason: "reading data symbols: " + err.Error()}
	}
	d.attachDataLabels(graph, dataSyms, sectionOf)

	labels, err := d.PDB.FindLabels()
	if err != nil {
		return nil, ErrFormat{Reason: "reading global labels: " + err.Error()}
	}
	d.attachCodeLabels(graph, labels)

	d.fillGapBlocks(graph, sectionOf)

	pubs, err := d.PDB.FindPublicSymbols()
	if err != nil {
		return nil, ErrFormat{Reason: "reading public symbols: " + err.Error()}
	}
	d.attachPublicLabels(graph, pubs)

	d.mergeStaticInitializers(graph)
	d.setDataAlignment(graph)

	// finalizeReferences (step 15) runs before disassembleCode (step 14)
	// so that every fixup-backed reference is already present in
	// block.References() by the time the code disassembly pass validates
	// its own synthesized references against them, and so jump-table
	// detection (step 14(b)) can find a table's reloc-backed entries the
	// same way (DESIGN.md "decompose").
	if err := d.finalizeReferences(graph, refs); err != nil {
		return nil, err
	}

	if err := d.disassembleCode(graph, refs); err != nil {
		return nil, err
	}

	d.detectPadding(graph)

	return graph, nil
}

// createSections implements step 2, returning a lookup from RVA to the
// Section covering it.
func (d *Decomposer) createSections(graph *blockgraph.BlockGraph) func(address.RelativeAddress) (*blockgraph.Section, pe.SectionHeader, bool) {
	type entry struct {
		hdr     pe.SectionHeader
		section *blockgraph.Section
	}
	var entries []entry
	for _, h := range d.PE.Sections() {
		s := graph.AddSection(h.Name, h.Characteristics)
		entries = append(entries, entry{hdr: h, section: s})
	}
	return func(rva address.RelativeAddress) (*blockgraph.Section, pe.SectionHeader, bool) {
		for _, e := range entries {
			start := uint32(e.hdr.Addr)
			if uint32(rva) >= start && uint32(rva) < start+e.hdr.Size {
				return e.section, e.hdr, true
			}
		}
		return nil, pe.SectionHeader{}, false
	}
}

// loadFixups implements step 3: read the FIXUP stream (translating
// through OMAP if present) and emit one intermediateReference per entry.
// References landing at or beyond a trailing .rsrc section are dropped,
// since post-link resource munging invalidates them.
func (d *Decomposer) loadFixups() ([]intermediateReference, error) {
	dbi, err := d.PDB.DBIStream()
	if err != nil {
		return nil, ErrFormat{Reason: "reading DBI stream: " + err.Error()}
	}

	omap := newOmapTranslator(dbi.OmapFrom)
	rsrcStart, hasRsrcTail := d.rsrcTailStart()

	var refs []intermediateReference
	for _, fx := range dbi.Fixups {
		loc := omap.translate(fx.RVA)
		if hasRsrcTail && uint32(loc) >= rsrcStart {
			continue
		}
		data, err := d.PE.ImageData(loc, uint32(fx.RefSize))
		if err != nil {
			continue
		}
		value := decodeFixupValue(data, fx.RefSize)

		var base address.RelativeAddress
		var typ blockgraph.ReferenceType
		switch fx.Type {
		case pdb.FixupAbsolute:
			typ = blockgraph.Absolute
			abs, err := d.PE.ToRelative(address.AbsoluteAddress(value))
			if err != nil {
				continue
			}
			base = abs
		case pdb.FixupRelative:
			typ = blockgraph.Relative
			base = address.RelativeAddress(value)
		case pdb.FixupPCRelative:
			typ = blockgraph.PCRelative
			base = address.RelativeAddress(uint32(loc) + uint32(fx.RefSize) + value)
		}
		base = omap.translate(base)

		refs = append(refs, intermediateReference{
			srcRVA: loc, typ: typ, size: fx.RefSize, dstBase: base, dstDelta: 0,
		})
	}
	return refs, nil
}

// rsrcTailStart reports the RVA at which a trailing .rsrc section
// begins, if .rsrc is not the image's last section.
func (d *Decomposer) rsrcTailStart() (uint32, bool) {
	secs := d.PE.Sections()
	for i, s := range secs {
		if strings.EqualFold(s.Name, ".rsrc") && i != len(secs)-1 {
			return uint32(s.Addr), true
		}
	}
	return 0, false
}

func decodeFixupValue(data []byte, size uint8) uint32 {
	var v uint32
	for i := uint8(0); i < size && int(i) < len(data); i++ {
		v |= uint32(data[i]) << (8 * i)
	}
	return v
}

// omapTranslator implements OMAP-aware RVA translation (spec §4.4 step
// 3). A nil/empty table is the identity translation.
type omapTranslator struct {
	entries []pdb.OmapEntry
}

func newOmapTranslator(entries []pdb.OmapEntry) *omapTranslator {
	sorted := append([]pdb.OmapEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })
	return &omapTranslator{entries: sorted}
}

// translate maps rva through the table, using the nearest entry at or
// before rva (the standard OMAP convention: entries partition the
// address space into runs sharing a constant delta).
func (o *omapTranslator) translate(rva address.RelativeAddress) address.RelativeAddress {
	if len(o.entries) == 0 {
		return rva
	}
	i := sort.Search(len(o.entries), func(i int) bool { return o.entries[i].From > rva }) - 1
	if i < 0 {
		return rva
	}
	e := o.entries[i]
	delta := int64(e.To) - int64(e.From)
	return address.RelativeAddress(int64(rva) + delta)
}

// createSectionContribBlocks implements step 5.
func (d *Decomposer) createSectionContribBlocks(graph *blockgraph.BlockGraph, sectionOf func(address.RelativeAddress) (*blockgraph.Section, pe.SectionHeader, bool)) error {
	contribs, err := d.PDB.FindSectionContribs()
	if err != nil {
		return ErrFormat{Reason: "reading section contributions: " + err.Error()}
	}
	dbi, err := d.PDB.DBIStream()
	if err != nil {
		return ErrFormat{Reason: "reading DBI stream: " + err.Error()}
	}

	for _, c := range contribs {
		if c.Size <= 0 || int(c.Section) < 1 || int(c.Section) > len(dbi.Sections) {
			continue
		}
		hdr := dbi.Sections[c.Section-1] // DBI section indices are 1-based.
		rva := address.RelativeAddress(uint32(hdr.VirtualAddress) + uint32(c.Offset))
		size := uint32(c.Size)

		sec, _, ok := sectionOf(rva)
		if !ok {
			continue
		}
		typ := blockgraph.DataBlock
		if isCodeCharacteristics(c.Characteristics) {
			typ = blockgraph.CodeBlock
		}
		data, err := d.PE.ImageData(rva, size)
		if err != nil {
			continue
		}
		b := graph.AddBlock(typ, sectionSymbolicName(rva, c.ModuleIndex), size)
		b.SectionID = sec.ID()
		b.Attributes |= blockgraph.SectionContrib
		if int(c.ModuleIndex) >= len(dbi.Modules) || dbi.Modules[c.ModuleIndex].Name == "" {
			b.Attributes |= blockgraph.BuiltByUnsupportedCompiler
		}
		if err := b.SetData(data, false); err != nil {
			return ErrConsistency{Reason: err.Error()}
		}
		d.addRVABlock(rva, size, b)
	}
	return nil
}

// images IMAGE_SCN_CNT_CODE.
const imageSCNCntCode = 0x00000020

func isCodeCharacteristics(c uint32) bool { return c&imageSCNCntCode != 0 }

func sectionSymbolicName(rva address.RelativeAddress, module uint16) string {
	return rva.String()
}
