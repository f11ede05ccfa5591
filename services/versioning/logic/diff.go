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
	"encoding/binary"
	"math"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Root is one relationship root located in an expression.
type Root struct {
	// Set is the kind of set holding the root.
	Set Kind

	// Index is the root's node index in its own expression.
	Index int

	// Hash identifies the root's subtree regardless of node numbering.
	Hash uint64

	// PathHash combines Hash with the enclosing set kind.
	PathHash uint64
}

// DiffResult is the outcome of Diff.
//
// Added and Shared index into the next expression; Deleted indexes into
// the previous one. Each slice is ordered by Index.
type DiffResult struct {
	Added   []Root
	Shared  []Root
	Deleted []Root
}

// Roots returns every relationship root with its hashes, set by set.
func (e *Expression) Roots() []Root {
	var out []Root
	for _, s := range e.nodes[0].Children {
		set := e.nodes[s].Kind
		for _, r := range e.SetRoots(s) {
			h := e.subtreeHash(r)
			out = append(out, Root{Set: set, Index: r, Hash: h, PathHash: pathHash(set, h)})
		}
	}
	return out
}

// Diff matches the relationship roots of two expressions by path hash.
//
// # Description
//
// Two roots match when they sit in the same kind of set and their subtrees
// are isomorphic; node indexes play no part, so renumbering between versions
// is tolerated. Duplicates are matched one-for-one. A root that moves
// between a necessary and a sufficient set appears both in Deleted and in
// Added with the same Hash.
//
// prev may be nil, in which case every root of next is Added.
//
// # Thread Safety
//
// Pure function; safe for concurrent use.
func Diff(prev, next *Expression) DiffResult {
	var res DiffResult
	pool := make(map[uint64][]Root)
	if prev != nil {
		for _, r := range prev.Roots() {
			pool[r.PathHash] = append(pool[r.PathHash], r)
		}
	}
	for _, r := range next.Roots() {
		if matches := pool[r.PathHash]; len(matches) > 0 {
			pool[r.PathHash] = matches[1:]
			res.Shared = append(res.Shared, r)
			continue
		}
		res.Added = append(res.Added, r)
	}
	for _, rs := range pool {
		res.Deleted = append(res.Deleted, rs...)
	}

	byIndex := func(rs []Root) {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Index < rs[j].Index })
	}
	byIndex(res.Added)
	byIndex(res.Shared)
	byIndex(res.Deleted)
	return res
}

func pathHash(set Kind, content uint64) uint64 {
	var buf [9]byte
	buf[0] = byte(set)
	binary.BigEndian.PutUint64(buf[1:], content)
	return xxhash.Sum64(buf[:])
}

// subtreeHash hashes the subtree at i. Children of commutative nodes are
// hashed as a sorted multiset.
func (e *Expression) subtreeHash(i int) uint64 {
	n := e.nodes[i]
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(n.Kind))

	switch n.Kind {
	case KindConcept:
		buf = binary.BigEndian.AppendUint32(buf, uint32(n.ConceptNid))
	case KindRoleSome, KindRoleAll:
		buf = binary.BigEndian.AppendUint32(buf, uint32(n.TypeNid))
	case KindFeature:
		buf = binary.BigEndian.AppendUint32(buf, uint32(n.TypeNid))
		buf = append(buf, byte(n.Operator))
	case KindLiteralBoolean:
		if n.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindLiteralFloat:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(n.Float))
	case KindLiteralInteger:
		buf = binary.BigEndian.AppendUint64(buf, uint64(n.Integer))
	case KindLiteralString, KindSubstitution:
		buf = append(buf, n.String...)
	case KindPropertyPatternImplication:
		for _, p := range n.PropertyPattern {
			buf = binary.BigEndian.AppendUint32(buf, uint32(p))
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(n.ConceptNid))
	}

	children := make([]uint64, len(n.Children))
	for j, c := range n.Children {
		children[j] = e.subtreeHash(c)
	}
	if n.Kind == KindAnd || n.Kind == KindOr || n.Kind == KindRoot {
		slices.Sort(children)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(children)))
	for _, h := range children {
		buf = binary.BigEndian.AppendUint64(buf, h)
	}
	return xxhash.Sum64(buf)
}
