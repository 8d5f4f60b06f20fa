// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package address_test

import (
	"testing"

	"github.com/google/syzygy/core/address"
)

func TestRangeOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b address.Range[address.RelativeAddress]
		less bool
	}{
		{"disjoint", address.NewRange[address.RelativeAddress](0, 4), address.NewRange[address.RelativeAddress](4, 4), true},
		{"overlap-same-start-smaller", address.NewRange[address.RelativeAddress](0, 2), address.NewRange[address.RelativeAddress](0, 4), true},
		{"equal", address.NewRange[address.RelativeAddress](0, 4), address.NewRange[address.RelativeAddress](0, 4), false},
		{"colliding-partial", address.NewRange[address.RelativeAddress](0, 4), address.NewRange[address.RelativeAddress](2, 4), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.less {
				t.Errorf("Less() = %v, want %v", got, tt.less)
			}
		})
	}
}

func TestRangeContainsIntersects(t *testing.T) {
	r := address.NewRange[address.RelativeAddress](10, 10) // [10,20)
	if !r.Contains(address.NewRange[address.RelativeAddress](10, 10)) {
		t.Error("range should contain itself")
	}
	if !r.Contains(address.NewRange[address.RelativeAddress](12, 4)) {
		t.Error("range should contain a sub-range")
	}
	if r.Contains(address.NewRange[address.RelativeAddress](15, 10)) {
		t.Error("range should not contain a straddling range")
	}
	if !r.Intersects(address.NewRange[address.RelativeAddress](19, 5)) {
		t.Error("adjacent-minus-one ranges should intersect")
	}
	if r.Intersects(address.NewRange[address.RelativeAddress](20, 5)) {
		t.Error("adjacent ranges should not intersect")
	}
}

func TestSpaceInsert(t *testing.T) {
	s := address.New[address.RelativeAddress, string]()
	if !s.Insert(address.NewRange[address.RelativeAddress](0, 10), "a") {
		t.Fatal("first insert should succeed")
	}
	if s.Insert(address.NewRange[address.RelativeAddress](5, 10), "b") {
		t.Fatal("overlapping insert should fail")
	}
	if !s.Insert(address.NewRange[address.RelativeAddress](10, 10), "b") {
		t.Fatal("adjacent insert should succeed")
	}
	if s.Insert(address.NewRange[address.RelativeAddress](0, 0), "c") {
		t.Fatal("empty range insert should fail")
	}
	if s.Insert(address.NewRange[address.RelativeAddress](0, 10), "dup") {
		t.Fatal("duplicate range insert should fail")
	}
}

func TestSpaceSubsumeInsert(t *testing.T) {
	s := address.New[address.RelativeAddress, string]()
	s.Insert(address.NewRange[address.RelativeAddress](10, 10), "inner")

	// Straddling range should fail.
	if _, ok := s.SubsumeInsert(address.NewRange[address.RelativeAddress](15, 10), "straddle"); ok {
		t.Fatal("partial overlap should fail")
	}

	// A containing existing range should fail and return it.
	if existing, ok := s.SubsumeInsert(address.NewRange[address.RelativeAddress](12, 2), "contained"); ok || existing.Start() != 10 {
		t.Fatalf("contained insert should fail and return the existing range, got %v, %v", existing, ok)
	}

	// A range that strictly contains the existing one should subsume it.
	if _, ok := s.SubsumeInsert(address.NewRange[address.RelativeAddress](0, 40), "outer"); !ok {
		t.Fatal("strictly containing insert should succeed")
	}
	if s.Len() != 1 {
		t.Fatalf("expected the inner range to be subsumed, got %d entries", s.Len())
	}
}

func TestSpaceMergeInsert(t *testing.T) {
	s := address.New[address.RelativeAddress, int]()
	s.Insert(address.NewRange[address.RelativeAddress](0, 10), 1)
	s.Insert(address.NewRange[address.RelativeAddress](20, 10), 2)

	merged := s.MergeInsert(address.NewRange[address.RelativeAddress](5, 20), 3)
	if merged.Start() != 0 || merged.End() != 30 {
		t.Fatalf("merged range = %v, want [0,30)", merged)
	}
	if s.Len() != 1 {
		t.Fatalf("expected a single merged entry, got %d", s.Len())
	}
}

func TestSpaceFindFirstIntersection(t *testing.T) {
	s := address.New[address.RelativeAddress, int]()
	s.Insert(address.NewRange[address.RelativeAddress](0, 10), 1)
	s.Insert(address.NewRange[address.RelativeAddress](20, 10), 2)
	s.Insert(address.NewRange[address.RelativeAddress](40, 10), 3)

	rng, v, ok := s.FindFirstIntersection(address.NewRange[address.RelativeAddress](15, 100))
	if !ok || v != 2 || rng.Start() != 20 {
		t.Fatalf("FindFirstIntersection = %v, %v, %v", rng, v, ok)
	}

	if _, _, ok := s.FindFirstIntersection(address.NewRange[address.RelativeAddress](10, 10)); ok {
		t.Fatal("gap range should not intersect")
	}
}

func TestSpaceFindContaining(t *testing.T) {
	s := address.New[address.RelativeAddress, string]()
	s.Insert(address.NewRange[address.RelativeAddress](100, 50), "block")

	if _, _, ok := s.FindContainingAddress(120); !ok {
		t.Error("expected address inside block to be found")
	}
	if _, _, ok := s.FindContainingAddress(200); ok {
		t.Error("expected address outside block to be missing")
	}
}
