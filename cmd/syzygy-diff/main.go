// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command syzygy-diff decomposes a PE image plus its matching PDB, runs
// every eligible code block through a basic-block decompose/rebuild round
// trip via the transform driver, and reports how the block graph changed.
//
// It does not write a new PE or PDB: spec.md's data-flow diagram marks the
// image writer stage "(external)", so the frontends in this module stop at
// reporting the resulting BlockGraph rather than serializing one.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/decompose"
	"github.com/google/syzygy/disasm"
	"github.com/google/syzygy/pdb"
	"github.com/google/syzygy/pe"
	"github.com/google/syzygy/transform"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: syzygy-diff [options] file1.dll [file2.dll [...]]

Decomposes each file, round-trips every eligible code block through
decompose -> transform -> blockbuilder, and reports the resulting change
in the block graph. No output image is written.

ex:
 $> syzygy-diff ./file1.dll

options:
`,
		)
		flag.PrintDefaults()
		os.Exit(1)
	}
}

var flagVerbose = flag.Bool("v", false, "enable/disable verbose mode")

func main() {
	log.SetPrefix("syzygy-diff: ")
	log.SetFlags(0)

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
	}

	blockgraph.PrintDebugInfo = *flagVerbose

	for i, fname := range flag.Args() {
		if i > 0 {
			fmt.Printf("\n")
		}
		process(fname)
	}
}

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

	before := snapshot(graph)

	decomposer := decompose.NewBasicBlockDecomposer(disasm.X86Decoder{})
	if err := transform.ApplyBasicBlockSubGraphTransform(graph, decomposer, roundTrip{}); err != nil {
		log.Fatalf("round trip failed for %q: %v", fname, err)
	}

	after := snapshot(graph)

	fmt.Printf("%s:\n", fname)
	printDiff(before, after)
}

// roundTrip is a BasicBlockSubGraphTransform that makes no change to the
// decomposed subgraph, so applying it exercises decompose ->
// blockbuilder.Build -> blockbuilder.Retire for every eligible code block
// without altering program behavior.
type roundTrip struct{}

func (roundTrip) Name() string { return "round-trip" }
func (roundTrip) TransformBasicBlockSubGraph(sg *basicblock.SubGraph) error {
	if _, ok := sg.OriginalBlock(); !ok {
		return fmt.Errorf("subgraph has no original block")
	}
	return nil
}

// graphSnapshot is the subset of BlockGraph state this command reports on.
type graphSnapshot struct {
	blockCount int
	totalSize  uint64
	ids        map[blockgraph.BlockID]bool
}

func snapshot(graph *blockgraph.BlockGraph) graphSnapshot {
	s := graphSnapshot{ids: make(map[blockgraph.BlockID]bool)}
	for _, b := range graph.Blocks() {
		s.blockCount++
		s.totalSize += uint64(b.Size())
		s.ids[b.ID()] = true
	}
	return s
}

func printDiff(before, after graphSnapshot) {
	fmt.Printf("  blocks:      %d -> %d\n", before.blockCount, after.blockCount)
	fmt.Printf("  total bytes: %d -> %d\n", before.totalSize, after.totalSize)

	var retired, added int
	for id := range before.ids {
		if !after.ids[id] {
			retired++
		}
	}
	for id := range after.ids {
		if !before.ids[id] {
			added++
		}
	}
	fmt.Printf("  retired:     %d\n", retired)
	fmt.Printf("  added:       %d\n", added)
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
