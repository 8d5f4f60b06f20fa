// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command syzygy-dump decomposes a PE image plus its matching PDB debug
// information into a block graph and prints it, in the style of
// cmd/wasm-dump.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/decompose"
	"github.com/google/syzygy/disasm"
	"github.com/google/syzygy/pdb"
	"github.com/google/syzygy/pe"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: syzygy-dump [options] file1.dll [file2.dll [...]]

ex:
 $> syzygy-dump -h ./file1.dll

options:
`,
		)
		flag.PrintDefaults()
		os.Exit(1)
	}
}

var (
	flagVerbose = flag.Bool("v", false, "enable/disable verbose mode")
	flagHeaders = flag.Bool("h", false, "print section headers")
	flagBlocks  = flag.Bool("s", false, "print every block in the graph")
	flagDis     = flag.Bool("d", false, "disassemble code blocks")
)

func main() {
	log.SetPrefix("syzygy-dump: ")
	log.SetFlags(0)

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
	}
	if !*flagHeaders && !*flagBlocks && !*flagDis {
		flag.Usage()
		log.Printf("At least one of -d, -h or -s must be given")
		os.Exit(1)
	}

	blockgraph.PrintDebugInfo = *flagVerbose

	for i, fname := range flag.Args() {
		if i > 0 {
			fmt.Printf("\n")
		}
		process(fname)
	}
}

// process locates fname's matching .pdb alongside it (same convention
// cmd/wasm-dump uses for a module's path: the PDB must sit next to the
// binary, named by swapping the extension).
func process(fname string) {
	peReader, err := pe.NewReader(fname)
	if err != nil {
		log.Fatalf("could not open %q: %v", fname, err)
	}
	defer peReader.Close()

	pdbPath := pdbPathFor(fname)
	pdbReader, err := pdb.Open(pdbPath)
	if err != nil {
		log.Fatalf("could not open %q: %v", pdbPath, err)
	}
	defer pdbReader.Close()

	d := decompose.NewDecomposer(peReader, pdbReader)
	graph, err := d.Decompose()
	if err != nil {
		log.Fatalf("could not decompose %q: %v", fname, err)
	}

	if *flagHeaders {
		printHeaders(fname, peReader)
	}
	if *flagBlocks {
		printBlocks(fname, graph)
	}
	if *flagDis {
		printDis(fname, graph)
	}
}

func pdbPathFor(fname string) string {
	for i := len(fname) - 1; i >= 0; i-- {
		switch fname[i] {
		case '.':
			return fname[:i] + ".pdb"
		case '/', '\\':
			return fname + ".pdb"
		}
	}
	return fname + ".pdb"
}

func printHeaders(fname string, r *pe.Reader) {
	nt := r.NTHeaders()
	fmt.Printf("%s: machine=0x%04x entry=%s image_base=0x%x size_of_image=0x%x\n\n",
		fname, nt.Machine, nt.EntryPoint, nt.ImageBase, nt.SizeOfImage)

	fmt.Printf("sections:\n\n")
	for _, s := range r.Sections() {
		fmt.Printf("%8s addr=%s size=0x%08x raw_offset=%s raw_size=0x%08x characteristics=0x%08x\n",
			s.Name, s.Addr, s.Size, s.RawOffset, s.RawSize, s.Characteristics)
	}
}

func printBlocks(fname string, graph *blockgraph.BlockGraph) {
	fmt.Printf("%s: block graph (%d blocks)\n\n", fname, graph.BlockCount())
	for _, b := range graph.Blocks() {
		fmt.Printf("block[%d] %-8s %-32q size=%d section=%d attrs=%s\n",
			b.ID(), b.Type, b.Name, b.Size(), b.SectionID, b.Attributes)
	}
}

func printDis(fname string, graph *blockgraph.BlockGraph) {
	fmt.Printf("%s: code disassembly\n\n", fname)
	dec := disasm.X86Decoder{}
	for _, b := range graph.Blocks() {
		if b.Type != blockgraph.CodeBlock {
			continue
		}
		fmt.Printf("\nblock[%d] %q:\n", b.ID(), b.Name)
		labels := b.Labels()
		offsets := make([]uint32, 0, len(labels))
		for off := range labels {
			offsets = append(offsets, off)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		labelAt := 0

		data := b.Data()
		for off := 0; off < len(data); {
			for labelAt < len(offsets) && offsets[labelAt] == uint32(off) {
				fmt.Printf(" %s:\n", labels[offsets[labelAt]].Name)
				labelAt++
			}
			dec2, err := dec.Decode(data[off:])
			if err != nil {
				fmt.Printf(" %06x: <decode error: %v>\n", off, err)
				break
			}
			fmt.Printf(" %06x: %-6s %x\n", off, dec2.Op, data[off:off+dec2.Len])
			off += dec2.Len
		}
	}
}
