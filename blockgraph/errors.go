// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockgraph

import "fmt"

// ErrBlockNotFound is returned when an operation names a block id that
// does not exist in the graph.
type ErrBlockNotFound BlockID

func (e ErrBlockNotFound) Error() string {
	return fmt.Sprintf("blockgraph: no block with id %d", BlockID(e))
}

// ErrSectionNotFound is returned when an operation names a section id
// that does not exist in the graph.
type ErrSectionNotFound SectionID

func (e ErrSectionNotFound) Error() string {
	return fmt.Sprintf("blockgraph: no section with id %d", SectionID(e))
}

// ErrBlockHasReferrers is returned by RemoveBlock when the block being
// removed still has incoming references; removing it would leave those
// references dangling.
type ErrBlockHasReferrers struct {
	Block     BlockID
	Referrers []Referrer
}

func (e ErrBlockHasReferrers) Error() string {
	return fmt.Sprintf("blockgraph: block %d still has %d referrer(s)", e.Block, len(e.Referrers))
}
