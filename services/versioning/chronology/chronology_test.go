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
	"testing"

	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddVersion_KeepsOrderAndReplaces(t *testing.T) {
	c := NewConcept(-1, uuid.New(), -100)
	c.AddVersion(Version{StampSequence: 5})
	c.AddVersion(Version{StampSequence: 2})
	c.AddVersion(Version{StampSequence: 9, Data: []byte("a")})
	c.AddVersion(Version{StampSequence: 9, Data: []byte("b")})

	assert.Equal(t, []int32{2, 5, 9}, c.StampSequences())
	v, ok := c.Version(9)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), v.Data)
	_, ok = c.Version(3)
	assert.False(t, ok)
	require.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, NewConcept(5, uuid.New(), 0).Validate(), ErrInvalidChronology)
	assert.ErrorIs(t, NewSemantic(-2, uuid.New(), -3, 0, SemanticLogicGraph).Validate(), ErrInvalidChronology)

	c := NewConcept(-1, uuid.New(), 0)
	c.Versions = []Version{{StampSequence: 0}}
	assert.ErrorIs(t, c.Validate(), ErrInvalidChronology)
}

func TestMerge_UnionsVersions(t *testing.T) {
	id := uuid.New()
	a := NewSemantic(-2, id, -3, -1, SemanticDescription)
	a.AddVersion(Version{StampSequence: 1, Data: []byte("one")})
	a.AddVersion(Version{StampSequence: 3, Data: []byte("three")})

	b := NewSemantic(-2, id, -3, -1, SemanticDescription)
	b.AddVersion(Version{StampSequence: 2, Data: []byte("two")})
	b.AddVersion(Version{StampSequence: 3, Data: []byte("THREE")})

	m, err := Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, m.StampSequences())
	v, _ := m.Version(3)
	assert.Equal(t, []byte("THREE"), v.Data)
	assert.Len(t, a.Versions, 2, "inputs untouched")

	_, err = Merge(a, NewConcept(-9, uuid.New(), 0))
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	fromNil, err := Merge(nil, b)
	require.NoError(t, err)
	assert.Equal(t, b.StampSequences(), fromNil.StampSequences())
}

func TestCodec_RoundTrip(t *testing.T) {
	c := NewSemantic(-2, uuid.New(), -3, -1, SemanticLogicGraph)
	c.AddVersion(Version{StampSequence: 4, Data: []byte{1, 2, 3}})
	c.AddVersion(Version{StampSequence: 7, Data: []byte{9}})

	data, err := Encode(c)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestCodec_DetectsCorruption(t *testing.T) {
	c := NewConcept(-1, uuid.New(), 0)
	c.AddVersion(Version{StampSequence: 1, Data: []byte("x")})
	data, err := Encode(c)
	require.NoError(t, err)

	data[len(data)-1] ^= 0xff
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func graphFixture(t *testing.T, stamps []stamp.Stamp) (*Chronology, *stamp.Registry, []int32) {
	t.Helper()
	reg := stamp.NewRegistry(nil)
	c := NewConcept(-1, uuid.New(), 0)
	seqs := make([]int32, len(stamps))
	for i, s := range stamps {
		seq, err := reg.SequenceFor(s)
		require.NoError(t, err)
		seqs[i] = seq
		c.AddVersion(Version{StampSequence: seq})
	}
	return c, reg, seqs
}

func TestBuildGraph_LinearHistory(t *testing.T) {
	c, reg, seqs := graphFixture(t, []stamp.Stamp{
		{Status: stamp.StatusActive, Time: 30, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
		{Status: stamp.StatusActive, Time: 10, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
		{Status: stamp.StatusInactive, Time: 20, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
	})

	g, err := BuildGraph(c, reg)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, []int{0}, g.Roots)
	assert.Equal(t, seqs[1], g.Nodes[0].Version.StampSequence)
	assert.Equal(t, 0, g.Nodes[1].Parent)
	assert.Equal(t, 1, g.Nodes[2].Parent)
}

func TestBuildGraph_EqualTimesChainOnOnePath(t *testing.T) {
	c, reg, seqs := graphFixture(t, []stamp.Stamp{
		{Status: stamp.StatusActive, Time: 20, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
		{Status: stamp.StatusActive, Time: 20, AuthorNid: -5, ModuleNid: -2, PathNid: -3},
		{Status: stamp.StatusActive, Time: 20, AuthorNid: -6, ModuleNid: -2, PathNid: -3},
	})

	g, err := BuildGraph(c, reg)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, g.Roots, "a same-instant redefinition is not a second root")
	assert.Equal(t, seqs[0], g.Nodes[0].Version.StampSequence)
	assert.Equal(t, 0, g.Nodes[1].Parent)
	assert.Equal(t, 1, g.Nodes[2].Parent)
}

func TestBuildGraph_EqualTimesOnOtherPathsAreSiblings(t *testing.T) {
	c, reg, _ := graphFixture(t, []stamp.Stamp{
		{Status: stamp.StatusActive, Time: 10, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
		{Status: stamp.StatusActive, Time: 20, AuthorNid: -1, ModuleNid: -2, PathNid: -4},
		{Status: stamp.StatusActive, Time: 20, AuthorNid: -1, ModuleNid: -2, PathNid: -7},
	})

	g, err := BuildGraph(c, reg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, g.Nodes[0].Children)
	assert.Equal(t, 0, g.Nodes[1].Parent)
	assert.Equal(t, 0, g.Nodes[2].Parent)
}

func TestBuildGraph_PrefersSamePath(t *testing.T) {
	c, reg, _ := graphFixture(t, []stamp.Stamp{
		{Status: stamp.StatusActive, Time: 10, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
		{Status: stamp.StatusActive, Time: 20, AuthorNid: -1, ModuleNid: -2, PathNid: -4},
		{Status: stamp.StatusActive, Time: 30, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
	})

	g, err := BuildGraph(c, reg)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Nodes[1].Parent, "no earlier version on its path")
	assert.Equal(t, 0, g.Nodes[2].Parent, "same path wins over the later branch")
}

func TestBuildGraph_SkipsUncommittedAndWalksInOrder(t *testing.T) {
	c, reg, _ := graphFixture(t, []stamp.Stamp{
		{Status: stamp.StatusActive, Time: 10, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
		{Status: stamp.StatusActive, Time: 20, AuthorNid: -1, ModuleNid: -2, PathNid: -3},
	})
	pending, err := reg.GetStampSequenceForTransaction(uuid.New(), stamp.StatusActive, -1, -2, -3)
	require.NoError(t, err)
	c.AddVersion(Version{StampSequence: pending})

	g, err := BuildGraph(c, reg)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)

	var times []int64
	require.NoError(t, g.Walk(func(n, parent *GraphNode) error {
		if parent != nil {
			assert.Less(t, parent.Stamp.Time, n.Stamp.Time)
		}
		times = append(times, n.Stamp.Time)
		return nil
	}))
	assert.Equal(t, []int64{10, 20}, times)
}
