// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockgraph

import "strings"

// LabelAttr is a bitmask describing what a Label marks.
type LabelAttr uint32

const (
	LabelCode LabelAttr = 1 << iota
	LabelData
	LabelDebugStart
	LabelDebugEnd
	LabelScopeStart
	LabelScopeEnd
	LabelCallSite
	LabelJumpTable
	LabelCaseTable
	LabelPadding
)

var labelAttrNames = []struct {
	bit  LabelAttr
	name string
}{
	{LabelCode, "CODE"},
	{LabelData, "DATA"},
	{LabelDebugStart, "DEBUG_START"},
	{LabelDebugEnd, "DEBUG_END"},
	{LabelScopeStart, "SCOPE_START"},
	{LabelScopeEnd, "SCOPE_END"},
	{LabelCallSite, "CALL_SITE"},
	{LabelJumpTable, "JUMP_TABLE"},
	{LabelCaseTable, "CASE_TABLE"},
	{LabelPadding, "PADDING"},
}

func (a LabelAttr) Has(bit LabelAttr) bool { return a&bit != 0 }

func (a LabelAttr) String() string {
	var names []string
	for _, e := range labelAttrNames {
		if a.Has(e.bit) {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// impliesCode/impliesData report the attribute-consistency rule from
// spec §3.2 invariant 5.
func (a LabelAttr) impliesCode() bool {
	return a.Has(LabelDebugStart | LabelDebugEnd | LabelScopeStart | LabelScopeEnd | LabelCallSite)
}

func (a LabelAttr) impliesData() bool {
	return a.Has(LabelJumpTable | LabelCaseTable)
}

// Label is a named, typed marker at an offset within a Block.
type Label struct {
	Name       string
	Attributes LabelAttr
}

// merge combines two labels found to collide at the same offset (spec
// §9 Open Questions: "merge attributes and concatenate names"), used
// when overlapping PDB scope labels land on the same byte.
func mergeLabels(a, b Label) Label {
	name := a.Name
	switch {
	case name == "":
		name = b.Name
	case b.Name != "" && b.Name != a.Name:
		name = a.Name + "; " + b.Name
	}
	return Label{Name: name, Attributes: a.Attributes | b.Attributes}
}
