// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decompose

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/syzygy/basicblock"
	"github.com/google/syzygy/blockgraph"
	"github.com/google/syzygy/disasm"
)

// decodedInstr memoizes one decoded instruction, keyed by its absolute
// offset within the block being decomposed.
type decodedInstr struct {
	length      int
	flow        disasm.FlowClass
	condition   basicblock.Condition
	hasPCRel    bool
	pcRelOffset int
	pcRelSize   int
}

// pendingSuccessor is a Successor whose target basic block may not exist
// yet (spec §4.3 step 3: "if the reference points inside this block, the
// successor is intra-block and deferred"). It is resolved into a real
// basicblock.Successor once every basic block has been built.
type pendingSuccessor struct {
	condition basicblock.Condition

	hasIntra    bool
	intraTarget uint32

	hasExternal    bool
	externalTarget blockgraph.BlockID

	refType   blockgraph.ReferenceType
	refSize   uint8
	refBase   int32
	refOffset int32

	// hasBranchInstr reports this successor is backed by a real decoded
	// branch/call instruction at branchInstrOffset, as opposed to an
	// implicit fall-through with no encoded bytes of its own.
	hasBranchInstr    bool
	branchInstrOffset uint32
}

// runSeg is one contiguous disassembled path discovered by the sweep,
// before boundary reconciliation (spec §4.3 step 4) splits it further.
type runSeg struct {
	start, end uint32
	instrs     []uint32
	successors []pendingSuccessor
}

// jumpTableEntry is one resolved slot of a detected jump table: the
// reference already attached to the block at that slot.
type jumpTableEntry struct {
	refType           blockgraph.ReferenceType
	refSize           uint8
	target            uint32 // intra-block offset the entry resolves to.
	refBase, refOffset int32
}

// jumpTable records a jump-table data region discovered immediately
// after an indirect branch instruction (spec §4.4 step 14(b)): a run of
// same-size references with no gap between them, starting exactly where
// the branch instruction ends.
type jumpTable struct {
	start, end uint32
	entries    []jumpTableEntry
}

// sweep holds the mutable state of one BasicBlockDecomposer.Decompose
// call's linear-sweep disassembly pass.
type sweep struct {
	decoder disasm.Decoder
	strict  bool
	block   *blockgraph.Block
	graph   *blockgraph.BlockGraph

	data []byte
	size uint32
	refs map[uint32]blockgraph.Reference

	instrs      map[uint32]decodedInstr
	jumpTargets map[uint32]bool
	started     map[uint32]bool
	queue       []uint32
	runs        []runSeg

	jumpTables []jumpTable

	errored bool
	pastEnd bool
}

func newSweep(decoder disasm.Decoder, block *blockgraph.Block, graph *blockgraph.BlockGraph, strict bool) *sweep {
	return &sweep{
		decoder:     decoder,
		strict:      strict,
		block:       block,
		graph:       graph,
		data:        block.Data(),
		size:        block.Size(),
		refs:        block.References(),
		instrs:      make(map[uint32]decodedInstr),
		jumpTargets: make(map[uint32]bool),
		started:     make(map[uint32]bool),
	}
}

// run drains the sweep's worklist, disassembling from every not-yet-seen
// jump target until no new targets are discovered (spec §4.3 step 2).
func (s *sweep) run() error {
	for len(s.queue) > 0 {
		start := s.queue[0]
		s.queue = s.queue[1:]
		if s.started[start] || start >= s.size {
			continue
		}
		s.started[start] = true

		seg, newTargets, err := s.sweepFrom(start)
		if err != nil {
			if s.strict {
				return err
			}
			s.errored = true
			continue
		}
		s.runs = append(s.runs, *seg)
		for _, t := range newTargets {
			s.jumpTargets[t] = true
			if !s.started[t] {
				s.queue = append(s.queue, t)
			}
		}
	}
	return nil
}

// sweepFrom disassembles one path starting at start until it hits a
// terminating event (spec §4.3 step 2).
func (s *sweep) sweepFrom(start uint32) (*runSeg, []uint32, error) {
	seg := &runSeg{start: start}
	cur := start
	var newTargets []uint32

	for i := 0; ; i++ {
		if cur >= s.size {
			s.pastEnd = true
			seg.end = s.size
			return seg, newTargets, nil
		}
		if i > 0 {
			if l, ok := s.block.Labels()[cur]; ok && l.Attributes.Has(blockgraph.LabelData) && !l.Attributes.Has(blockgraph.LabelCode) {
				seg.end = cur
				return seg, newTargets, nil
			}
		}

		dec, err := s.decoder.Decode(s.data[cur:])
		if err != nil {
			return nil, nil, fmt.Errorf("decompose: decoding instruction at offset %d: %w", cur, err)
		}
		if dec.Len <= 0 {
			return nil, nil, fmt.Errorf("decompose: zero-length instruction at offset %d", cur)
		}
		s.instrs[cur] = decodedInstr{
			length: dec.Len, flow: dec.Flow, condition: dec.Condition,
			hasPCRel: dec.HasPCRel, pcRelOffset: dec.PCRelOffset, pcRelSize: dec.PCRelSize,
		}
		seg.instrs = append(seg.instrs, cur)
		next := cur + uint32(dec.Len)

		switch dec.Flow {
		case disasm.Sequential, disasm.Interrupt:
			cur = next
			continue

		case disasm.Call:
			if ps, ok := s.resolveBranchTarget(cur, dec); ok && s.isNonReturnTarget(ps) {
				ps.condition = basicblock.True
				ps.hasBranchInstr, ps.branchInstrOffset = true, cur
				seg.successors = append(seg.successors, ps)
				seg.end = next
				newTargets = append(newTargets, next)
				return seg, newTargets, nil
			}
			cur = next
			continue

		case disasm.Branch:
			seg.end = next
			if ps, ok := s.resolveBranchTarget(cur, dec); ok {
				ps.condition = basicblock.True
				ps.hasBranchInstr, ps.branchInstrOffset = true, cur
				seg.successors = append(seg.successors, ps)
				if ps.hasIntra {
					newTargets = append(newTargets, ps.intraTarget)
				}
				return seg, newTargets, nil
			}
			if !dec.HasPCRel {
				if jt, ok := s.detectJumpTable(next); ok {
					s.jumpTables = append(s.jumpTables, jt)
					for _, e := range jt.entries {
						ps := pendingSuccessor{
							condition: basicblock.True, hasIntra: true, intraTarget: e.target,
							refType: e.refType, refSize: e.refSize, refBase: e.refBase, refOffset: e.refOffset,
							hasBranchInstr: true, branchInstrOffset: cur,
						}
						seg.successors = append(seg.successors, ps)
						newTargets = append(newTargets, e.target)
					}
				}
			}
			return seg, newTargets, nil

		case disasm.Return:
			seg.end = next
			return seg, newTargets, nil

		case disasm.ConditionalBranch:
			seg.end = next
			if ps, ok := s.resolveBranchTarget(cur, dec); ok {
				ps.condition = dec.Condition
				ps.hasBranchInstr, ps.branchInstrOffset = true, cur
				seg.successors = append(seg.successors, ps)
				if ps.hasIntra {
					newTargets = append(newTargets, ps.intraTarget)
				}
			}
			seg.successors = append(seg.successors, pendingSuccessor{
				condition: basicblock.True, hasIntra: true, intraTarget: next,
			})
			newTargets = append(newTargets, next)
			return seg, newTargets, nil

		default:
			cur = next
		}
	}
}

// resolveBranchTarget locates the destination of a branch/call/jcc
// instruction at offset cur from the block's embedded Reference at that
// instruction's PC-relative operand, falling back to decoding the raw
// displacement when no reference has been attached yet (spec §4.3 step
// 3: "successor resolution ... from the embedded reference rather than
// from the disassembler's operand").
func (s *sweep) resolveBranchTarget(cur uint32, dec disasm.Decoded) (pendingSuccessor, bool) {
	if !dec.HasPCRel {
		return pendingSuccessor{}, false
	}
	key := cur + uint32(dec.PCRelOffset)
	if ref, ok := s.refs[key]; ok {
		return s.refToPending(ref), true
	}
	if target, ok := s.rawPCRelTarget(cur, dec); ok {
		return pendingSuccessor{
			hasIntra: true, intraTarget: target,
			refType: blockgraph.PCRelative, refSize: uint8(dec.PCRelSize),
			refBase: int32(target), refOffset: int32(target),
		}, true
	}
	return pendingSuccessor{}, false
}

func (s *sweep) refToPending(ref blockgraph.Reference) pendingSuccessor {
	if ref.Target == s.block.ID() {
		return pendingSuccessor{hasIntra: true, intraTarget: uint32(ref.Base), refType: ref.Type, refSize: ref.Size, refBase: ref.Base, refOffset: ref.Offset}
	}
	return pendingSuccessor{hasExternal: true, externalTarget: ref.Target, refType: ref.Type, refSize: ref.Size, refBase: ref.Base, refOffset: ref.Offset}
}

// rawPCRelTarget decodes a raw signed PC-relative displacement from the
// instruction's own bytes when no fixup/reference is attached yet.
func (s *sweep) rawPCRelTarget(cur uint32, dec disasm.Decoded) (uint32, bool) {
	off := cur + uint32(dec.PCRelOffset)
	if int(off)+dec.PCRelSize > len(s.data) {
		return 0, false
	}
	var rel int64
	switch dec.PCRelSize {
	case 1:
		rel = int64(int8(s.data[off]))
	case 2:
		rel = int64(int16(binary.LittleEndian.Uint16(s.data[off:])))
	case 4:
		rel = int64(int32(binary.LittleEndian.Uint32(s.data[off:])))
	default:
		return 0, false
	}
	target := int64(cur) + int64(dec.Len) + rel
	if target < 0 || target >= int64(s.size) {
		return 0, false
	}
	return uint32(target), true
}

// detectJumpTable looks for a jump-table data region starting exactly at
// off, the offset immediately following an indirect branch instruction
// with no PC-relative operand of its own (spec §4.4 step 14(b)): a
// contiguous run of same-size references already attached to the block,
// each targeting an offset inside this same block (a switch body lives
// in the same function as its dispatch). It stops at the first offset
// lacking a matching reference, a size mismatch, or a reference to
// another block (not representable as an intra-block successor).
func (s *sweep) detectJumpTable(off uint32) (jumpTable, bool) {
	jt := jumpTable{start: off}
	cur := off
	var size uint8
	for {
		ref, ok := s.refs[cur]
		if !ok {
			break
		}
		if len(jt.entries) == 0 {
			size = ref.Size
		} else if ref.Size != size {
			break
		}
		if ref.Target != s.block.ID() {
			break
		}
		if ref.Base < 0 || uint32(ref.Base) >= s.size {
			break
		}
		jt.entries = append(jt.entries, jumpTableEntry{
			refType: ref.Type, refSize: ref.Size, target: uint32(ref.Base),
			refBase: ref.Base, refOffset: ref.Offset,
		})
		cur += uint32(size)
	}
	if len(jt.entries) == 0 {
		return jumpTable{}, false
	}
	jt.end = cur
	return jt, true
}

func (s *sweep) isNonReturnTarget(ps pendingSuccessor) bool {
	if !ps.hasExternal {
		return false
	}
	target, ok := s.graph.GetBlockByID(ps.externalTarget)
	return ok && target.Attributes.Has(blockgraph.NonReturnFunction)
}

// segments clips every run at any jump target landing strictly inside it
// (spec §4.3 step 4), returning the final, non-overlapping, sorted
// sequence of code ranges.
func (s *sweep) segments() ([]runSeg, error) {
	var out []runSeg
	for _, r := range s.runs {
		cuts := s.interiorCuts(r)
		cur := r
		for _, cut := range cuts {
			if cut <= cur.start || cut >= cur.end {
				continue
			}
			head := runSeg{start: cur.start, end: cut}
			var tailInstrs []uint32
			for _, off := range cur.instrs {
				if off < cut {
					head.instrs = append(head.instrs, off)
				} else {
					tailInstrs = append(tailInstrs, off)
				}
			}
			head.successors = []pendingSuccessor{{condition: basicblock.True, hasIntra: true, intraTarget: cut}}
			out = append(out, head)
			cur = runSeg{start: cut, end: cur.end, instrs: tailInstrs, successors: cur.successors}
		}
		out = append(out, cur)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].start < out[j].start })
	var dedup []runSeg
	seen := make(map[uint32]bool)
	for _, r := range out {
		if seen[r.start] {
			continue
		}
		seen[r.start] = true
		dedup = append(dedup, r)
	}
	return dedup, nil
}

func (s *sweep) interiorCuts(r runSeg) []uint32 {
	var cuts []uint32
	for t := range s.jumpTargets {
		if t > r.start && t < r.end {
			cuts = append(cuts, t)
		}
	}
	sort.Slice(cuts, func(i, j int) bool { return cuts[i] < cuts[j] })
	return cuts
}
