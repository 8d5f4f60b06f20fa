// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addressmap implements AddressRangeMap: an ordered mapping
// between two address spaces that automatically merges adjacent linear
// ranges, used to translate bytes between an original image and a
// rearranged one (e.g. OMAP data, or synthesized-branch source ranges).
package addressmap

import (
	"sort"

	"github.com/google/syzygy/core/address"
)

// Pair is one (src, dst) correspondence held by a Map.
type Pair[Src, Dst address.Addr] struct {
	Src address.Range[Src]
	Dst address.Range[Dst]
}

// Map is an ordered list of Pairs with disjoint Src ranges, maintaining
// the minimality invariant: no two adjacent pairs are both linear
// (same size on both sides) and contiguous in both spaces -- such pairs
// are always merged into one.
type Map[Src, Dst address.Addr] struct {
	pairs []Pair[Src, Dst]
}

// New returns an empty AddressRangeMap.
func New[Src, Dst address.Addr]() *Map[Src, Dst] {
	return &Map[Src, Dst]{}
}

// Pairs returns the map's pairs in ascending Src order. The returned
// slice must not be mutated.
func (m *Map[Src, Dst]) Pairs() []Pair[Src, Dst] { return m.pairs }

// Len returns the number of pairs held by the map.
func (m *Map[Src, Dst]) Len() int { return len(m.pairs) }

// linear reports whether p's src and dst ranges have equal size -- a
// prerequisite for merging with a neighbor.
func linear[Src, Dst address.Addr](p Pair[Src, Dst]) bool {
	return p.Src.Size() == p.Dst.Size()
}

// mergeable reports whether a followed immediately by b (a.Src.End() ==
// b.Src.Start()) can be collapsed into one pair: both must be linear and
// contiguous in both spaces.
func mergeable[Src, Dst address.Addr](a, b Pair[Src, Dst]) bool {
	return uint32(a.Src.End()) == uint32(b.Src.Start()) &&
		uint32(a.Dst.End()) == uint32(b.Dst.Start()) &&
		linear(a) && linear(b)
}

func merge[Src, Dst address.Addr](a, b Pair[Src, Dst]) Pair[Src, Dst] {
	return Pair[Src, Dst]{
		Src: address.NewRange(a.Src.Start(), a.Src.Size()+b.Src.Size()),
		Dst: address.NewRange(a.Dst.Start(), a.Dst.Size()+b.Dst.Size()),
	}
}

func (m *Map[Src, Dst]) indexOf(srcStart Src) int {
	return sort.Search(len(m.pairs), func(i int) bool {
		return uint32(m.pairs[i].Src.Start()) >= uint32(srcStart)
	})
}

// Insert adds (src, dst) at its sorted position, merging with an
// adjacent predecessor and/or successor as the minimality invariant
// requires. It fails if src overlaps an existing pair's Src range.
func (m *Map[Src, Dst]) Insert(src address.Range[Src], dst address.Range[Dst]) bool {
	i := m.indexOf(src.Start())
	if i > 0 && m.pairs[i-1].Src.Intersects(src) {
		return false
	}
	if i < len(m.pairs) && m.pairs[i].Src.Intersects(src) {
		return false
	}
	m.pairs = append(m.pairs, Pair[Src, Dst]{})
	copy(m.pairs[i+1:], m.pairs[i:])
	m.pairs[i] = Pair[Src, Dst]{Src: src, Dst: dst}
	m.reconcile(i)
	return true
}

// reconcile merges the pair at i with its neighbors if the minimality
// invariant requires it, and normalizes the resulting index.
func (m *Map[Src, Dst]) reconcile(i int) {
	if i+1 < len(m.pairs) && mergeable(m.pairs[i], m.pairs[i+1]) {
		m.pairs[i] = merge(m.pairs[i], m.pairs[i+1])
		m.pairs = append(m.pairs[:i+1], m.pairs[i+2:]...)
	}
	if i > 0 && mergeable(m.pairs[i-1], m.pairs[i]) {
		m.pairs[i-1] = merge(m.pairs[i-1], m.pairs[i])
		m.pairs = append(m.pairs[:i], m.pairs[i+1:]...)
	}
}

// Push appends (src, dst) to the end of the map, assuming src sorts
// after every existing pair, merging with the last pair if the
// minimality invariant requires it.
func (m *Map[Src, Dst]) Push(src address.Range[Src], dst address.Range[Dst]) bool {
	if len(m.pairs) > 0 && uint32(m.pairs[len(m.pairs)-1].Src.End()) > uint32(src.Start()) {
		return false
	}
	p := Pair[Src, Dst]{Src: src, Dst: dst}
	if n := len(m.pairs); n > 0 && mergeable(m.pairs[n-1], p) {
		m.pairs[n-1] = merge(m.pairs[n-1], p)
		return true
	}
	m.pairs = append(m.pairs, p)
	return true
}

// InsertUnmappedRange widens the Src address space by u.Size() bytes
// starting at u.Start(): every pair entirely at or after u.Start() is
// shifted right by u.Size(); a pair straddling u.Start() is split into a
// left half (kept linear where possible) and a right half that is
// shifted.
func (m *Map[Src, Dst]) InsertUnmappedRange(u address.Range[Src]) {
	var out []Pair[Src, Dst]
	for _, p := range m.pairs {
		switch {
		case uint32(p.Src.End()) <= uint32(u.Start()):
			out = append(out, p)
		case uint32(p.Src.Start()) >= uint32(u.Start()):
			out = append(out, Pair[Src, Dst]{
				Src: address.NewRange(Src(uint32(p.Src.Start())+u.Size()), p.Src.Size()),
				Dst: p.Dst,
			})
		default:
			left, right := splitAtSrc(p, u.Start())
			right.Src = address.NewRange(Src(uint32(right.Src.Start())+u.Size()), right.Src.Size())
			if !left.Src.IsEmpty() {
				out = append(out, left)
			}
			out = append(out, right)
		}
	}
	m.pairs = out
}

// RemoveMappedRange removes r.Size() bytes of Src address space starting
// at r.Start(): pairs fully inside r are dropped; a pair straddling an
// endpoint of r is split the same way InsertUnmappedRange splits; pairs
// beyond r.End() are shifted left by r.Size().
func (m *Map[Src, Dst]) RemoveMappedRange(r address.Range[Src]) {
	var out []Pair[Src, Dst]
	for _, p := range m.pairs {
		switch {
		case r.Contains(p.Src):
			continue
		case uint32(p.Src.End()) <= uint32(r.Start()):
			out = append(out, p)
		case uint32(p.Src.Start()) >= uint32(r.End()):
			out = append(out, Pair[Src, Dst]{
				Src: address.NewRange(Src(uint32(p.Src.Start())-r.Size()), p.Src.Size()),
				Dst: p.Dst,
			})
		case uint32(p.Src.Start()) < uint32(r.Start()):
			left, rest := splitAtSrc(p, r.Start())
			if !left.Src.IsEmpty() {
				out = append(out, left)
			}
			if uint32(rest.Src.End()) > uint32(r.End()) {
				_, right := splitAtSrc(rest, r.End())
				right.Src = address.NewRange(Src(uint32(right.Src.Start())-r.Size()), right.Src.Size())
				out = append(out, right)
			}
		default: // p.Src.Start() is inside r but p.Src.End() is beyond r.End()
			_, right := splitAtSrc(p, r.End())
			right.Src = address.NewRange(Src(uint32(right.Src.Start())-r.Size()), right.Src.Size())
			out = append(out, right)
		}
	}
	m.pairs = out
}

// splitAtSrc splits p at src address 'at' (which must lie strictly
// inside p.Src) into a left and right pair, preferring to keep the left
// half linear. If the destination range cannot be split without leaving
// an empty side, the 1-byte destination range is duplicated across both
// halves (per the original implementation's handling of byte-granular
// OMAP entries).
func splitAtSrc[Src, Dst address.Addr](p Pair[Src, Dst], at Src) (left, right Pair[Src, Dst]) {
	prefixSize := uint32(at) - uint32(p.Src.Start())
	dstSize := p.Dst.Size()

	leftDstSize := prefixSize
	if leftDstSize > dstSize {
		leftDstSize = dstSize
	}
	if dstSize > 0 && leftDstSize == dstSize && prefixSize < p.Src.Size() {
		// Splitting would leave nothing on the right; keep at least one
		// destination byte there.
		if dstSize == 1 {
			// A single destination byte cannot be split linearly at all;
			// duplicate it across both halves.
			left = Pair[Src, Dst]{
				Src: address.NewRange(p.Src.Start(), prefixSize),
				Dst: p.Dst,
			}
			right = Pair[Src, Dst]{
				Src: address.NewRange(at, p.Src.Size()-prefixSize),
				Dst: p.Dst,
			}
			return left, right
		}
		leftDstSize = dstSize - 1
	}

	left = Pair[Src, Dst]{
		Src: address.NewRange(p.Src.Start(), prefixSize),
		Dst: address.NewRange(p.Dst.Start(), leftDstSize),
	}
	right = Pair[Src, Dst]{
		Src: address.NewRange(at, p.Src.Size()-prefixSize),
		Dst: address.NewRange(Dst(uint32(p.Dst.Start())+leftDstSize), dstSize-leftDstSize),
	}
	return left, right
}

// ComputeInverse returns a new Map with every pair flipped (dst, src),
// plus the count of source ranges dropped because two or more original
// pairs mapped to the same (or overlapping) destination range.
func (m *Map[Src, Dst]) ComputeInverse() (*Map[Dst, Src], int) {
	flipped := make([]Pair[Dst, Src], len(m.pairs))
	for i, p := range m.pairs {
		flipped[i] = Pair[Dst, Src]{Src: p.Dst, Dst: p.Src}
	}
	sort.Slice(flipped, func(i, j int) bool {
		a, b := flipped[i], flipped[j]
		if a.Src.Start() != b.Src.Start() {
			return uint32(a.Src.Start()) < uint32(b.Src.Start())
		}
		if a.Src.Size() != b.Src.Size() {
			return a.Src.Size() < b.Src.Size()
		}
		if a.Dst.Start() != b.Dst.Start() {
			return uint32(a.Dst.Start()) < uint32(b.Dst.Start())
		}
		return a.Dst.Size() < b.Dst.Size()
	})

	inverse := New[Dst, Src]()
	conflicts := 0
	for _, p := range flipped {
		if !inverse.Insert(p.Src, p.Dst) {
			conflicts++
		}
	}
	return inverse, conflicts
}
