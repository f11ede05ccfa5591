// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logic

import "slices"

// Builder assembles an Expression bottom-up.
//
// # Description
//
// Each method appends one node and returns its index, which is passed to
// the methods building its parent. Set methods attach directly to the root.
//
// # Example
//
//	b := logic.NewBuilder()
//	b.NecessarySet(b.And(
//	    b.ConceptRef(parentNid),
//	    b.SomeRole(roleGroupNid, b.And(b.SomeRole(findingSiteNid, b.ConceptRef(siteNid)))),
//	))
//	expr, err := b.Build()
//
// # Thread Safety
//
// Not safe for concurrent use.
type Builder struct {
	nodes []Node
}

// NewBuilder returns a builder holding only the root.
func NewBuilder() *Builder {
	return &Builder{nodes: []Node{{Kind: KindRoot}}}
}

func (b *Builder) add(n Node) int {
	b.nodes = append(b.nodes, n)
	return len(b.nodes) - 1
}

func (b *Builder) set(k Kind, and int) int {
	i := b.add(Node{Kind: k, Children: []int{and}})
	b.nodes[0].Children = append(b.nodes[0].Children, i)
	return i
}

// NecessarySet attaches a necessary set holding and to the root.
func (b *Builder) NecessarySet(and int) int { return b.set(KindNecessarySet, and) }

// SufficientSet attaches a sufficient set holding and to the root.
func (b *Builder) SufficientSet(and int) int { return b.set(KindSufficientSet, and) }

// PropertySet attaches a property set holding and to the root.
func (b *Builder) PropertySet(and int) int { return b.set(KindPropertySet, and) }

func (b *Builder) And(children ...int) int {
	return b.add(Node{Kind: KindAnd, Children: slices.Clone(children)})
}

func (b *Builder) Or(children ...int) int {
	return b.add(Node{Kind: KindOr, Children: slices.Clone(children)})
}

// ConceptRef references a concept, making an is-a assertion when it sits
// directly under a set's AND.
func (b *Builder) ConceptRef(conceptNid int32) int {
	return b.add(Node{Kind: KindConcept, ConceptNid: conceptNid})
}

// SomeRole is an existential restriction over typeNid.
func (b *Builder) SomeRole(typeNid int32, restriction int) int {
	return b.add(Node{Kind: KindRoleSome, TypeNid: typeNid, Children: []int{restriction}})
}

// AllRole is a universal restriction over typeNid.
func (b *Builder) AllRole(typeNid int32, restriction int) int {
	return b.add(Node{Kind: KindRoleAll, TypeNid: typeNid, Children: []int{restriction}})
}

// Feature is a concrete domain restriction comparing typeNid to a literal.
func (b *Builder) Feature(typeNid int32, op Operator, literal int) int {
	return b.add(Node{Kind: KindFeature, TypeNid: typeNid, Operator: op, Children: []int{literal}})
}

func (b *Builder) BooleanLiteral(v bool) int {
	return b.add(Node{Kind: KindLiteralBoolean, Bool: v})
}

func (b *Builder) FloatLiteral(v float64) int {
	return b.add(Node{Kind: KindLiteralFloat, Float: v})
}

func (b *Builder) IntegerLiteral(v int64) int {
	return b.add(Node{Kind: KindLiteralInteger, Integer: v})
}

func (b *Builder) StringLiteral(v string) int {
	return b.add(Node{Kind: KindLiteralString, String: v})
}

// Substitution is a placeholder filled in by a named field.
func (b *Builder) Substitution(field string) int {
	return b.add(Node{Kind: KindSubstitution, String: field})
}

// PropertyPatternImplication states that the role chain pattern implies
// impliedNid.
func (b *Builder) PropertyPatternImplication(pattern []int32, impliedNid int32) int {
	return b.add(Node{Kind: KindPropertyPatternImplication, PropertyPattern: slices.Clone(pattern), ConceptNid: impliedNid})
}

// Build validates and returns the expression. The builder may keep being
// used; later changes do not affect the returned expression.
func (b *Builder) Build() (*Expression, error) {
	nodes := make([]Node, len(b.nodes))
	for i, n := range b.nodes {
		n.Children = slices.Clone(n.Children)
		n.PropertyPattern = slices.Clone(n.PropertyPattern)
		nodes[i] = n
	}
	e := &Expression{nodes: nodes}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
