// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logic models logical expressions: the necessary and sufficient
// conditions that define a concept.
//
// An Expression is an arena of tagged nodes. Node 0 is always the root;
// children are referenced by arena index, which is also how the binary
// encoding refers to them. The root's children are set nodes (necessary,
// sufficient or property set), each holding a single AND whose children are
// the expression's relationship roots.
package logic

import (
	"fmt"
	"slices"
)

// Kind is the node kind.
type Kind uint8

const (
	KindRoot Kind = iota + 1
	KindNecessarySet
	KindSufficientSet
	KindPropertySet
	KindAnd
	KindOr
	KindConcept
	KindRoleSome
	KindRoleAll
	KindFeature
	KindLiteralBoolean
	KindLiteralFloat
	KindLiteralInteger
	KindLiteralString
	KindSubstitution
	KindPropertyPatternImplication
)

var kindNames = map[Kind]string{
	KindRoot:                       "ROOT",
	KindNecessarySet:               "NECESSARY_SET",
	KindSufficientSet:              "SUFFICIENT_SET",
	KindPropertySet:                "PROPERTY_SET",
	KindAnd:                        "AND",
	KindOr:                         "OR",
	KindConcept:                    "CONCEPT",
	KindRoleSome:                   "ROLE_SOME",
	KindRoleAll:                    "ROLE_ALL",
	KindFeature:                    "FEATURE",
	KindLiteralBoolean:             "LITERAL_BOOLEAN",
	KindLiteralFloat:               "LITERAL_FLOAT",
	KindLiteralInteger:             "LITERAL_INTEGER",
	KindLiteralString:              "LITERAL_STRING",
	KindSubstitution:               "SUBSTITUTION",
	KindPropertyPatternImplication: "PROPERTY_PATTERN_IMPLICATION",
}

// String returns the kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// IsSet reports whether k is one of the set kinds.
func (k Kind) IsSet() bool {
	return k == KindNecessarySet || k == KindSufficientSet || k == KindPropertySet
}

// IsLiteral reports whether k is a literal kind.
func (k Kind) IsLiteral() bool {
	return k >= KindLiteralBoolean && k <= KindLiteralString
}

// Operator is a concrete domain comparison used by FEATURE nodes.
type Operator uint8

const (
	OpEqual Operator = iota
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
)

// Node is one expression node. Only the fields relevant to Kind are set.
type Node struct {
	Kind     Kind
	Children []int

	// ConceptNid is the referenced concept (CONCEPT) or the implied concept
	// (PROPERTY_PATTERN_IMPLICATION).
	ConceptNid int32

	// TypeNid is the role type (ROLE_SOME, ROLE_ALL) or feature type (FEATURE).
	TypeNid int32

	// Operator is the FEATURE comparison.
	Operator Operator

	// PropertyPattern is the role chain of a PROPERTY_PATTERN_IMPLICATION.
	PropertyPattern []int32

	Bool    bool
	Integer int64
	Float   float64

	// String holds LITERAL_STRING values and SUBSTITUTION field names.
	String string
}

// Expression is an immutable logical expression.
type Expression struct {
	nodes []Node
}

// Len returns the number of nodes.
func (e *Expression) Len() int {
	return len(e.nodes)
}

// Node returns the node at index i. It panics if i is out of range.
func (e *Expression) Node(i int) Node {
	return e.nodes[i]
}

// Root returns the root node.
func (e *Expression) Root() Node {
	return e.nodes[0]
}

// Sets returns the indexes of the root's set children of kind k, in order.
func (e *Expression) Sets(k Kind) []int {
	var out []int
	for _, c := range e.nodes[0].Children {
		if e.nodes[c].Kind == k {
			out = append(out, c)
		}
	}
	return out
}

// SetRoots returns the relationship roots held by the set at index set.
func (e *Expression) SetRoots(set int) []int {
	n := e.nodes[set]
	if !n.Kind.IsSet() || len(n.Children) != 1 {
		return nil
	}
	and := e.nodes[n.Children[0]]
	return slices.Clone(and.Children)
}

// RelationshipRoots returns the relationship roots under the necessary sets,
// or under every set when the expression has no necessary set.
func (e *Expression) RelationshipRoots() []int {
	sets := e.Sets(KindNecessarySet)
	if len(sets) == 0 {
		sets = slices.Clone(e.nodes[0].Children)
	}
	var out []int
	for _, s := range sets {
		out = append(out, e.SetRoots(s)...)
	}
	return out
}

// Equal reports whether two expressions are structurally identical,
// ignoring node numbering.
func (e *Expression) Equal(other *Expression) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.subtreeHash(0) == other.subtreeHash(0)
}

// Walk calls fn for every node reachable from the root in depth-first order.
func (e *Expression) Walk(fn func(i int, n Node)) {
	var visit func(i int)
	visit = func(i int) {
		fn(i, e.nodes[i])
		for _, c := range e.nodes[i].Children {
			visit(c)
		}
	}
	visit(0)
}
