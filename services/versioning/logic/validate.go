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

import (
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every validation failure.
var ErrMalformed = errors.New("malformed logical expression")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Validate checks the structural rules of an expression.
//
// # Description
//
// The expression must be a tree rooted at index 0: every other node has
// exactly one parent and is reachable from the root. The root holds only
// set nodes, each set holds exactly one AND, and every node has the arity
// and fields its kind requires. Concept and type references must be
// negative nids.
//
// # Outputs
//
//   - error: Wraps ErrMalformed describing the first violation, or nil.
func (e *Expression) Validate() error {
	if len(e.nodes) == 0 {
		return malformed("no nodes")
	}
	if e.nodes[0].Kind != KindRoot {
		return malformed("node 0 is %s, not ROOT", e.nodes[0].Kind)
	}

	parent := make([]int, len(e.nodes))
	for i := range parent {
		parent[i] = -1
	}
	for i, n := range e.nodes {
		if i > 0 && n.Kind == KindRoot {
			return malformed("second ROOT at node %d", i)
		}
		for _, c := range n.Children {
			if c <= 0 || c >= len(e.nodes) {
				return malformed("node %d references child %d out of range", i, c)
			}
			if parent[c] != -1 {
				return malformed("node %d has two parents (%d and %d)", c, parent[c], i)
			}
			parent[c] = i
		}
		if err := e.checkNode(i, n); err != nil {
			return err
		}
	}

	visited := make([]bool, len(e.nodes))
	stack := []int{0}
	reached := 0
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[i] {
			return malformed("cycle through node %d", i)
		}
		visited[i] = true
		reached++
		stack = append(stack, e.nodes[i].Children...)
	}
	if reached != len(e.nodes) {
		for i, v := range visited {
			if !v {
				return malformed("node %d is not reachable from the root", i)
			}
		}
	}
	return nil
}

func (e *Expression) checkNode(i int, n Node) error {
	arity := func(want int) error {
		if len(n.Children) != want {
			return malformed("%s node %d has %d children, want %d", n.Kind, i, len(n.Children), want)
		}
		return nil
	}
	nid := func(name string, v int32) error {
		if v >= 0 {
			return malformed("%s node %d has non-negative %s %d", n.Kind, i, name, v)
		}
		return nil
	}

	switch n.Kind {
	case KindRoot:
		if len(n.Children) == 0 {
			return malformed("ROOT has no sets")
		}
		for _, c := range n.Children {
			if c > 0 && c < len(e.nodes) && !e.nodes[c].Kind.IsSet() {
				return malformed("ROOT child %d is %s, not a set", c, e.nodes[c].Kind)
			}
		}
	case KindNecessarySet, KindSufficientSet, KindPropertySet:
		if err := arity(1); err != nil {
			return err
		}
		if c := n.Children[0]; c > 0 && c < len(e.nodes) && e.nodes[c].Kind != KindAnd {
			return malformed("%s node %d holds %s, not AND", n.Kind, i, e.nodes[c].Kind)
		}
	case KindAnd, KindOr:
		if len(n.Children) == 0 {
			return malformed("%s node %d has no children", n.Kind, i)
		}
		for _, c := range n.Children {
			if c > 0 && c < len(e.nodes) && e.nodes[c].Kind.IsSet() {
				return malformed("%s node %d holds a set", n.Kind, i)
			}
		}
	case KindConcept:
		if err := arity(0); err != nil {
			return err
		}
		return nid("concept", n.ConceptNid)
	case KindRoleSome, KindRoleAll:
		if err := arity(1); err != nil {
			return err
		}
		return nid("type", n.TypeNid)
	case KindFeature:
		if err := arity(1); err != nil {
			return err
		}
		if c := n.Children[0]; c > 0 && c < len(e.nodes) {
			if k := e.nodes[c].Kind; !k.IsLiteral() && k != KindSubstitution {
				return malformed("FEATURE node %d compares against %s", i, k)
			}
		}
		if n.Operator > OpGreaterOrEqual {
			return malformed("FEATURE node %d has unknown operator %d", i, n.Operator)
		}
		return nid("type", n.TypeNid)
	case KindLiteralBoolean, KindLiteralFloat, KindLiteralInteger, KindLiteralString:
		return arity(0)
	case KindSubstitution:
		if err := arity(0); err != nil {
			return err
		}
		if n.String == "" {
			return malformed("SUBSTITUTION node %d has no field name", i)
		}
	case KindPropertyPatternImplication:
		if err := arity(0); err != nil {
			return err
		}
		if len(n.PropertyPattern) == 0 {
			return malformed("PROPERTY_PATTERN_IMPLICATION node %d has an empty pattern", i)
		}
		for _, p := range n.PropertyPattern {
			if err := nid("pattern", p); err != nil {
				return err
			}
		}
		return nid("implied concept", n.ConceptNid)
	default:
		return malformed("node %d has unknown kind %d", i, uint8(n.Kind))
	}
	return nil
}
