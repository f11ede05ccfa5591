// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinate

import (
	"sync"
	"testing"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	master  = int32(-50)
	dev     = int32(-51)
	author  = int32(-1)
	modCore = int32(-60)
	modExt  = int32(-61)
)

type fixture struct {
	t     *testing.T
	reg   *stamp.Registry
	paths StaticPaths
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:   t,
		reg: stamp.NewRegistry(nil),
		paths: StaticPaths{}.
			Add(StampPath{PathNid: master}).
			Add(StampPath{PathNid: dev, Origins: []StampPosition{{Time: 100, PathNid: master}}}),
	}
}

func (f *fixture) seq(status stamp.Status, tm int64, module, path int32) int32 {
	f.t.Helper()
	s, err := f.reg.GetStampSequence(status, tm, author, module, path)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) calc(coord StampCoordinate) *Calculator {
	f.t.Helper()
	c, err := NewCalculator(coord, f.paths, f.reg)
	require.NoError(f.t, err)
	return c
}

func devAt(tm int64) StampCoordinate {
	return StampCoordinate{Position: StampPosition{Time: tm, PathNid: dev}}
}

func TestCalculator_OnRoute(t *testing.T) {
	f := newFixture(t)
	beforeBranch := f.seq(stamp.StatusActive, 50, modCore, master)
	afterBranch := f.seq(stamp.StatusActive, 150, modCore, master)
	onDev := f.seq(stamp.StatusActive, 200, modCore, dev)
	future := f.seq(stamp.StatusActive, 2000, modCore, dev)
	elsewhere := f.seq(stamp.StatusActive, 10, modCore, -99)
	pending, err := f.reg.GetStampSequenceForTransaction(uuid.New(), stamp.StatusActive, author, modCore, dev)
	require.NoError(t, err)

	c := f.calc(devAt(1000))
	assert.True(t, c.OnRoute(beforeBranch), "origin path visible up to the branch time")
	assert.False(t, c.OnRoute(afterBranch))
	assert.True(t, c.OnRoute(onDev))
	assert.False(t, c.OnRoute(future))
	assert.False(t, c.OnRoute(elsewhere))
	assert.False(t, c.OnRoute(pending))
	assert.False(t, c.OnRoute(9999), "unknown sequence")
}

func TestCalculator_ModuleFilter(t *testing.T) {
	f := newFixture(t)
	core := f.seq(stamp.StatusActive, 200, modCore, dev)
	ext := f.seq(stamp.StatusActive, 200, modExt, dev)

	coord := devAt(1000)
	coord.ModuleNids = []int32{modExt}
	c := f.calc(coord)
	assert.False(t, c.OnRoute(core))
	assert.True(t, c.OnRoute(ext))
}

func TestCalculator_RelationPrecedence(t *testing.T) {
	f := newFixture(t)
	onMaster := f.seq(stamp.StatusActive, 90, modCore, master)
	onDev := f.seq(stamp.StatusActive, 80, modCore, dev)

	byPath := f.calc(devAt(1000))
	assert.Equal(t, RelationBefore, byPath.Relation(onMaster, onDev))
	assert.Equal(t, RelationAfter, byPath.Relation(onDev, onMaster))

	coord := devAt(1000)
	coord.Precedence = PrecedenceTime
	byTime := f.calc(coord)
	assert.Equal(t, RelationAfter, byTime.Relation(onMaster, onDev))

	assert.Equal(t, RelationEqual, byPath.Relation(onDev, onDev))
	late := f.seq(stamp.StatusActive, 5000, modCore, dev)
	assert.Equal(t, RelationUnreachable, byPath.Relation(onDev, late))
}

func TestCalculator_LatestStamps(t *testing.T) {
	f := newFixture(t)
	old := f.seq(stamp.StatusActive, 50, modCore, master)
	mid := f.seq(stamp.StatusInactive, 200, modCore, dev)
	newest := f.seq(stamp.StatusActive, 300, modCore, dev)
	hidden := f.seq(stamp.StatusActive, 3000, modCore, dev)

	c := f.calc(devAt(1000))
	assert.Equal(t, []int32{newest}, c.LatestStamps([]int32{old, mid, newest, hidden, newest}))
	assert.Empty(t, c.LatestStamps([]int32{hidden}))
}

func TestCalculator_ModuleConflictKeepsBoth(t *testing.T) {
	f := newFixture(t)
	core := f.seq(stamp.StatusActive, 200, modCore, dev)
	coreOld := f.seq(stamp.StatusActive, 150, modCore, dev)
	ext := f.seq(stamp.StatusInactive, 300, modExt, dev)

	coord := devAt(1000)
	coord.ModulePreference = []int32{modCore, modExt}
	c := f.calc(coord)

	latest := c.LatestStamps([]int32{core, coreOld, ext})
	assert.ElementsMatch(t, []int32{core, ext}, latest)

	resolved, ok := c.ResolveModulePreference(latest)
	require.True(t, ok)
	assert.Equal(t, core, resolved, "preferred module wins over the more recent one")

	noPref := f.calc(devAt(1000))
	resolved, ok = noPref.ResolveModulePreference(latest)
	require.True(t, ok)
	assert.Equal(t, ext, resolved, "without preference the most recent wins")

	_, ok = c.ResolveModulePreference(nil)
	assert.False(t, ok)
}

func TestCalculator_ContradictionAtSameInstant(t *testing.T) {
	f := newFixture(t)
	a, err := f.reg.GetStampSequence(stamp.StatusActive, 200, -1, modCore, dev)
	require.NoError(t, err)
	b, err := f.reg.GetStampSequence(stamp.StatusActive, 200, -2, modCore, dev)
	require.NoError(t, err)

	c := f.calc(devAt(1000))
	assert.Equal(t, RelationContradiction, c.Relation(a, b))
	assert.ElementsMatch(t, []int32{a, b}, c.LatestStamps([]int32{a, b}))
}

func TestCalculator_LatestVersion(t *testing.T) {
	f := newFixture(t)
	active := f.seq(stamp.StatusActive, 200, modCore, dev)
	retired := f.seq(stamp.StatusInactive, 300, modCore, dev)

	chr := chronology.NewConcept(-5, uuid.New(), 0)
	chr.AddVersion(chronology.Version{StampSequence: active})
	chr.AddVersion(chronology.Version{StampSequence: retired})

	coord := devAt(1000)
	coord.AllowedStatuses = []stamp.Status{stamp.StatusActive}
	c := f.calc(coord)

	latest, ok := c.LatestVersion(chr)
	require.True(t, ok)
	assert.Equal(t, retired, latest.Resolved.StampSequence)
	assert.False(t, latest.Visible)
	assert.False(t, latest.IsContradiction())

	earlier := f.calc(StampCoordinate{
		Position:        StampPosition{Time: 250, PathNid: dev},
		AllowedStatuses: []stamp.Status{stamp.StatusActive},
	})
	latest, ok = earlier.LatestVersion(chr)
	require.True(t, ok)
	assert.Equal(t, active, latest.Resolved.StampSequence)
	assert.True(t, latest.Visible)

	_, ok = f.calc(devAt(10)).LatestVersion(chr)
	assert.False(t, ok)
}

func TestLatestOn(t *testing.T) {
	f := newFixture(t)
	onDev := f.seq(stamp.StatusActive, 5000, modCore, dev)
	onMaster := f.seq(stamp.StatusActive, 50, modCore, master)

	c := f.calc(LatestOn(dev))
	assert.True(t, c.OnRoute(onDev))
	assert.True(t, c.OnRoute(onMaster))
	assert.Equal(t, []int32{onDev}, c.LatestStamps([]int32{onMaster, onDev}))
}

func TestNewCalculator_RejectsCycles(t *testing.T) {
	paths := StaticPaths{}.
		Add(StampPath{PathNid: -1, Origins: []StampPosition{{Time: 1, PathNid: -2}}}).
		Add(StampPath{PathNid: -2, Origins: []StampPosition{{Time: 1, PathNid: -1}}})
	_, err := NewCalculator(StampCoordinate{Position: StampPosition{Time: 10, PathNid: -1}}, paths, stamp.NewRegistry(nil))
	assert.ErrorIs(t, err, ErrPathCycle)
}

func TestCalculator_ConcurrentReads(t *testing.T) {
	f := newFixture(t)
	seqs := []int32{
		f.seq(stamp.StatusActive, 50, modCore, master),
		f.seq(stamp.StatusActive, 200, modCore, dev),
		f.seq(stamp.StatusActive, 300, modExt, dev),
	}
	c := f.calc(devAt(1000))
	want := c.LatestStamps(seqs)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, c.LatestStamps(seqs))
		}()
	}
	wg.Wait()
}
