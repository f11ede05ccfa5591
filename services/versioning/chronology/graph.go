// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chronology

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/stampvc/services/versioning/stamp"
)

// StampSource resolves stamp sequences. *stamp.Registry satisfies it.
type StampSource interface {
	Stamp(seq int32) (stamp.Stamp, error)
}

// GraphNode is one committed version placed in the version graph.
type GraphNode struct {
	Version  Version
	Stamp    stamp.Stamp
	Parent   int
	Children []int
}

// Graph arranges the committed versions of a chronology into a forest.
//
// # Description
//
// A version's parent is the closest preceding version on the same path,
// or failing that the latest strictly earlier version on any path. Nodes
// are stored in (time, stamp sequence) order, so every parent precedes its
// children and versions sharing an instant and a path form a chain in
// sequence order. Only versions on different paths can be siblings.
type Graph struct {
	Nodes []GraphNode
	Roots []int
}

// BuildGraph builds the version graph of c. Uncommitted and canceled
// versions are left out.
func BuildGraph(c *Chronology, stamps StampSource) (*Graph, error) {
	g := &Graph{}
	for _, v := range c.Versions {
		s, err := stamps.Stamp(v.StampSequence)
		if err != nil {
			return nil, fmt.Errorf("building version graph of %d: %w", c.Nid, err)
		}
		if s.IsUncommitted() || s.IsCanceled() {
			continue
		}
		g.Nodes = append(g.Nodes, GraphNode{Version: v, Stamp: s, Parent: -1})
	}
	sort.SliceStable(g.Nodes, func(i, j int) bool {
		a, b := g.Nodes[i], g.Nodes[j]
		if a.Stamp.Time != b.Stamp.Time {
			return a.Stamp.Time < b.Stamp.Time
		}
		return a.Version.StampSequence < b.Version.StampSequence
	})

	for i := range g.Nodes {
		p := g.parentOf(i)
		g.Nodes[i].Parent = p
		if p < 0 {
			g.Roots = append(g.Roots, i)
			continue
		}
		g.Nodes[p].Children = append(g.Nodes[p].Children, i)
	}
	return g, nil
}

func (g *Graph) parentOf(i int) int {
	n := g.Nodes[i]
	samePath, anyPath := -1, -1
	for j := i - 1; j >= 0; j-- {
		cand := g.Nodes[j]
		if cand.Stamp.PathNid == n.Stamp.PathNid {
			samePath = j
			break
		}
		if anyPath < 0 && cand.Stamp.Time < n.Stamp.Time {
			anyPath = j
		}
	}
	if samePath >= 0 {
		return samePath
	}
	return anyPath
}

// Walk visits every node in parent-before-child order. parent is nil for
// roots.
func (g *Graph) Walk(fn func(node, parent *GraphNode) error) error {
	for i := range g.Nodes {
		var parent *GraphNode
		if p := g.Nodes[i].Parent; p >= 0 {
			parent = &g.Nodes[p]
		}
		if err := fn(&g.Nodes[i], parent); err != nil {
			return err
		}
	}
	return nil
}
