// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package address

import "sort"

// entry is one (range, value) pair held by a Space.
type entry[A Addr, V any] struct {
	rng   Range[A]
	value V
}

// Space is a sorted mapping from non-overlapping, non-empty Ranges to
// values of type V. Position lookups are binary searches (O(log N)) and
// scans over intersecting ranges are O(log N + k); FindContaining scans
// from the lowest range, and inserts and removals shift the backing
// slice, so those are O(N).
//
// Space is not safe for concurrent use; callers needing concurrent
// decompositions should hold one Space per goroutine (spec §5).
type Space[A Addr, V any] struct {
	entries []entry[A, V]
}

// New returns an empty address space.
func New[A Addr, V any]() *Space[A, V] {
	return &Space[A, V]{}
}

// index returns the position of the first entry whose range is not Less
// than rng -- i.e. the insertion point for rng under the Range order.
func (s *Space[A, V]) index(rng Range[A]) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].rng.Less(rng)
	})
}

// Insert adds (rng, value), failing if rng is empty or collides with any
// existing range (per Range.Equal/Less).
func (s *Space[A, V]) Insert(rng Range[A], value V) bool {
	if rng.IsEmpty() {
		return false
	}
	i := s.index(rng)
	if i < len(s.entries) && s.entries[i].rng.Equal(rng) {
		return false
	}
	s.insertAt(i, rng, value)
	return true
}

func (s *Space[A, V]) insertAt(i int, rng Range[A], value V) {
	s.entries = append(s.entries, entry[A, V]{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = entry[A, V]{rng: rng, value: value}
}

// SubsumeInsert inserts rng, failing if it partially intersects (rather
// than wholly containing or being wholly contained by) any existing
// range. If rng strictly contains one or more existing ranges, those are
// removed and replaced by rng. If an existing range already contains
// rng, nothing is inserted and ok reports false with the containing
// range returned.
func (s *Space[A, V]) SubsumeInsert(rng Range[A], value V) (existing Range[A], ok bool) {
	if rng.IsEmpty() {
		return Range[A]{}, false
	}
	start, end := s.intersectingIndices(rng)
	if start == end {
		s.insertAt(s.index(rng), rng, value)
		return rng, true
	}
	if end-start == 1 && s.entries[start].rng.Contains(rng) && !rng.Contains(s.entries[start].rng) {
		return s.entries[start].rng, false
	}
	for i := start; i < end; i++ {
		if !rng.Contains(s.entries[i].rng) {
			// Partial overlap with something rng does not wholly contain.
			return Range[A]{}, false
		}
	}
	s.entries = append(s.entries[:start], s.entries[end:]...)
	s.insertAt(s.index(rng), rng, value)
	return rng, true
}

// MergeInsert absorbs every range intersecting rng into one composite
// range spanning the union, associated with value. It never fails for a
// non-empty rng.
func (s *Space[A, V]) MergeInsert(rng Range[A], value V) Range[A] {
	if rng.IsEmpty() {
		return rng
	}
	start, end := s.intersectingIndices(rng)
	minStart, maxEnd := uint32(rng.Start()), uint32(rng.End())
	for i := start; i < end; i++ {
		if uint32(s.entries[i].rng.Start()) < minStart {
			minStart = uint32(s.entries[i].rng.Start())
		}
		if uint32(s.entries[i].rng.End()) > maxEnd {
			maxEnd = uint32(s.entries[i].rng.End())
		}
	}
	merged := NewRange(A(minStart), maxEnd-minStart)
	s.entries = append(s.entries[:start], s.entries[end:]...)
	s.insertAt(s.index(merged), merged, value)
	return merged
}

// Remove deletes the entry whose range equals rng exactly, reporting
// whether one was found.
func (s *Space[A, V]) Remove(rng Range[A]) bool {
	i := s.index(rng)
	if i < len(s.entries) && s.entries[i].rng.Equal(rng) {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		return true
	}
	return false
}

// FindContaining returns the value and range of the unique entry
// containing rng entirely, if any.
func (s *Space[A, V]) FindContaining(rng Range[A]) (Range[A], V, bool) {
	for _, e := range s.entries {
		if e.rng.Contains(rng) {
			return e.rng, e.value, true
		}
		if uint32(e.rng.Start()) > uint32(rng.Start()) {
			break
		}
	}
	var zero V
	return Range[A]{}, zero, false
}

// FindContainingAddress returns the entry containing address a, if any.
func (s *Space[A, V]) FindContainingAddress(a A) (Range[A], V, bool) {
	return s.FindContaining(NewRange(a, 1))
}

// intersectingIndices returns the half-open index range [start, end)
// into s.entries of every entry intersecting rng. Because entries are
// sorted by the Range order and ranges never overlap each other, this is
// always a contiguous run.
func (s *Space[A, V]) intersectingIndices(rng Range[A]) (start, end int) {
	if rng.IsEmpty() {
		return 0, 0
	}
	lo := sort.Search(len(s.entries), func(i int) bool {
		return uint32(s.entries[i].rng.End()) > uint32(rng.Start())
	})
	hi := lo
	for hi < len(s.entries) && uint32(s.entries[hi].rng.Start()) < uint32(rng.End()) {
		hi++
	}
	return lo, hi
}

// FindFirstIntersection returns the intersecting range with the smallest
// start address, or !ok if nothing intersects rng.
func (s *Space[A, V]) FindFirstIntersection(rng Range[A]) (Range[A], V, bool) {
	start, end := s.intersectingIndices(rng)
	if start == end {
		var zero V
		return Range[A]{}, zero, false
	}
	return s.entries[start].rng, s.entries[start].value, true
}

// FindIntersecting returns every entry intersecting rng, in ascending
// start-address order.
func (s *Space[A, V]) FindIntersecting(rng Range[A]) []Range[A] {
	start, end := s.intersectingIndices(rng)
	out := make([]Range[A], 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, s.entries[i].rng)
	}
	return out
}

// Len returns the number of ranges held by the space.
func (s *Space[A, V]) Len() int { return len(s.entries) }

// Ranges returns every range in the space in ascending start-address
// order. The returned slice must not be mutated.
func (s *Space[A, V]) Ranges() []Range[A] {
	out := make([]Range[A], len(s.entries))
	for i, e := range s.entries {
		out[i] = e.rng
	}
	return out
}

// At returns the i'th (range, value) pair in ascending order.
func (s *Space[A, V]) At(i int) (Range[A], V) {
	return s.entries[i].rng, s.entries[i].value
}
