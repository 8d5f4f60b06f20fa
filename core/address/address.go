// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package address provides the three disjoint address types the rest of
// the block-graph engine is built on (RelativeAddress, AbsoluteAddress,
// FileOffsetAddress), and the generic AddressRange/AddressSpace
// primitives used to map disjoint byte ranges to values.
package address

import "fmt"

// invalid is the sentinel value used by all three address types to mean
// "no address". It is the maximum representable value, which in practice
// never occurs as a real RVA/VA/file offset for the images this engine
// decomposes.
const invalid uint32 = 0xffffffff

// RelativeAddress is an offset in bytes from a module's load base (an
// RVA). It is a distinct type from AbsoluteAddress and FileOffsetAddress
// so that the two can never be mixed without an explicit, named
// translation step.
type RelativeAddress uint32

// InvalidRelativeAddress is the sentinel for "no relative address".
const InvalidRelativeAddress RelativeAddress = RelativeAddress(invalid)

// IsValid reports whether a is not the sentinel value.
func (a RelativeAddress) IsValid() bool { return a != InvalidRelativeAddress }

func (a RelativeAddress) String() string { return fmt.Sprintf("RVA:0x%08x", uint32(a)) }

// AbsoluteAddress is a virtual address as it will appear once the image
// is loaded at its preferred (or relocated) base.
type AbsoluteAddress uint32

// InvalidAbsoluteAddress is the sentinel for "no absolute address".
const InvalidAbsoluteAddress AbsoluteAddress = AbsoluteAddress(invalid)

// IsValid reports whether a is not the sentinel value.
func (a AbsoluteAddress) IsValid() bool { return a != InvalidAbsoluteAddress }

func (a AbsoluteAddress) String() string { return fmt.Sprintf("VA:0x%08x", uint32(a)) }

// FileOffsetAddress is a byte offset into the on-disk image file.
type FileOffsetAddress uint32

// InvalidFileOffsetAddress is the sentinel for "no file offset".
const InvalidFileOffsetAddress FileOffsetAddress = FileOffsetAddress(invalid)

// IsValid reports whether a is not the sentinel value.
func (a FileOffsetAddress) IsValid() bool { return a != InvalidFileOffsetAddress }

func (a FileOffsetAddress) String() string { return fmt.Sprintf("FileOffset:0x%08x", uint32(a)) }

// Addr is satisfied by the three address types above. It is the type
// parameter constraint used by Range/AddressSpace so that a single
// generic implementation serves RelativeAddress, AbsoluteAddress and
// FileOffsetAddress ranges without letting callers mix them.
type Addr interface {
	~uint32
}

// Range is a half-open byte range [Start, Start+Size) in some address
// space A. The zero value is the empty range at address 0.
//
// Ranges are totally ordered for use as AddressSpace keys: r1 < r2 iff
// r1.End() <= r2.Start(), or r1.Start() == r2.Start() and r1.Size() <
// r2.Size(). Two ranges that are neither less than the other by this
// rule are considered equal (colliding) by an AddressSpace, even if
// their sizes differ.
type Range[A Addr] struct {
	start A
	size  uint32
}

// NewRange constructs a Range. A zero size is permitted; IsEmpty will
// report true for it.
func NewRange[A Addr](start A, size uint32) Range[A] {
	return Range[A]{start: start, size: size}
}

// Start returns the range's start address.
func (r Range[A]) Start() A { return r.start }

// Size returns the range's size in bytes.
func (r Range[A]) Size() uint32 { return r.size }

// End returns the address one past the last byte in the range.
func (r Range[A]) End() A { return A(uint32(r.start) + r.size) }

// IsEmpty reports whether the range spans zero bytes.
func (r Range[A]) IsEmpty() bool { return r.size == 0 }

// Contains reports whether r fully contains o (o may equal r).
func (r Range[A]) Contains(o Range[A]) bool {
	if o.IsEmpty() {
		return uint32(r.start) <= uint32(o.start) && uint32(o.start) <= uint32(r.End())
	}
	return uint32(r.start) <= uint32(o.start) && uint32(o.End()) <= uint32(r.End())
}

// ContainsAddress reports whether a lies within r.
func (r Range[A]) ContainsAddress(a A) bool {
	return uint32(a) >= uint32(r.start) && uint32(a) < uint32(r.End())
}

// Intersects reports whether r and o share at least one byte.
func (r Range[A]) Intersects(o Range[A]) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return false
	}
	return uint32(r.start) < uint32(o.End()) && uint32(o.start) < uint32(r.End())
}

// Less implements the total order AddressSpace sorts and collides on:
// r < o iff r.End() <= o.Start(), or r.Start() == o.Start() and r.Size()
// < o.Size().
func (r Range[A]) Less(o Range[A]) bool {
	if uint32(r.End()) <= uint32(o.start) {
		return true
	}
	if uint32(r.start) == uint32(o.start) {
		return r.size < o.size
	}
	return false
}

// Equal reports whether r and o collide under the AddressSpace order,
// i.e. neither is Less than the other.
func (r Range[A]) Equal(o Range[A]) bool {
	return !r.Less(o) && !o.Less(r)
}

func (r Range[A]) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", uint32(r.start), uint32(r.End()))
}
