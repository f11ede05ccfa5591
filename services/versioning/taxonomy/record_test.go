// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taxonomy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_PackIsCanonical(t *testing.T) {
	a := NewRecord(
		Entry{DestinationNid: -5, TypeNid: -1, StampSequence: 3, Flags: FlagStated},
		Entry{DestinationNid: -9, TypeNid: -1, StampSequence: 2, Flags: FlagInferred},
		Entry{DestinationNid: -5, TypeNid: -1, StampSequence: 3, Flags: FlagInferred},
	)
	b := NewRecord(
		Entry{DestinationNid: -5, TypeNid: -1, StampSequence: 3, Flags: FlagInferred | FlagStated},
		Entry{DestinationNid: -9, TypeNid: -1, StampSequence: 2, Flags: FlagInferred},
	)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, a.Pack(), b.Pack())
	assert.Len(t, a.Pack(), 2*entrySize)

	got, err := Unpack(a.Pack())
	require.NoError(t, err)
	assert.Equal(t, a.Entries(), got.Entries())
	assert.Equal(t, int32(-9), got.Entries()[0].DestinationNid)
}

func TestRecord_AddReportsChange(t *testing.T) {
	r := &Record{}
	e := Entry{DestinationNid: -1, TypeNid: -2, StampSequence: 1, Flags: FlagStated}
	assert.True(t, r.Add(e))
	assert.False(t, r.Add(e))
	e.Flags = FlagInferred
	assert.True(t, r.Add(e))
	assert.Equal(t, FlagStated|FlagInferred, r.Entries()[0].Flags)
}

func TestRecord_Edges(t *testing.T) {
	r := NewRecord(
		Entry{DestinationNid: -5, TypeNid: -1, StampSequence: 3},
		Entry{DestinationNid: -5, TypeNid: -1, StampSequence: 1},
		Entry{DestinationNid: -5, TypeNid: -2, StampSequence: 1},
		Entry{DestinationNid: -4, TypeNid: -1, StampSequence: 1},
	)
	edges := r.Edges(-5, -1)
	require.Len(t, edges, 2)
	assert.Equal(t, int32(1), edges[0].StampSequence)
	assert.Equal(t, int32(3), edges[1].StampSequence)
	assert.Empty(t, r.Edges(-7, -1))
}

func TestUnpack_RejectsCorruptInput(t *testing.T) {
	_, err := Unpack([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorruptRecord)

	r := NewRecord(Entry{DestinationNid: -2, StampSequence: 1}, Entry{DestinationNid: -1, StampSequence: 1})
	packed := r.Pack()
	reversed := make([]byte, 0, len(packed))
	reversed = append(reversed, packed[entrySize:]...)
	reversed = append(reversed, packed[:entrySize]...)
	_, err = Unpack(reversed)
	assert.ErrorIs(t, err, ErrCorruptRecord, "entries out of order")

	duplicated := make([]byte, 0, len(packed))
	duplicated = append(duplicated, packed[:entrySize]...)
	duplicated = append(duplicated, packed[:entrySize]...)
	_, err = Unpack(duplicated)
	assert.ErrorIs(t, err, ErrCorruptRecord, "duplicate triple")

	empty, err := Unpack(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
}

func randomRecord(rng *rand.Rand) []byte {
	r := &Record{}
	for i := rng.Intn(12) + 1; i > 0; i-- {
		r.Add(Entry{
			DestinationNid: -int32(rng.Intn(4) + 1),
			TypeNid:        -int32(rng.Intn(2) + 1),
			StampSequence:  int32(rng.Intn(6) + 1),
			Flags:          Flags(1 << rng.Intn(3)),
		})
	}
	return r.Pack()
}

func TestMerge_IsMonotonicAndCommutative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a, b, c := randomRecord(rng), randomRecord(rng), randomRecord(rng)

		ab, err := Merge(a, b)
		require.NoError(t, err)
		ba, err := Merge(b, a)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(ab), max(len(a), len(b)))
		assert.Equal(t, ab, ba)

		abc, err := Merge(ab, c)
		require.NoError(t, err)
		bc, err := Merge(b, c)
		require.NoError(t, err)
		aBC, err := Merge(a, bc)
		require.NoError(t, err)
		assert.Equal(t, abc, aBC, "associative")

		self, err := Merge(a, a)
		require.NoError(t, err)
		assert.Equal(t, a, self, "idempotent")
	}
}

func TestMerge_EmptySides(t *testing.T) {
	a := NewRecord(Entry{DestinationNid: -1, StampSequence: 1}).Pack()
	got, err := Merge(nil, a)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = Merge(a, nil)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = Merge(nil, a)
	require.NoError(t, err)
	got[0] ^= 0xff
	assert.Equal(t, NewRecord(Entry{DestinationNid: -1, StampSequence: 1}).Pack(), a, "result does not alias incoming")

	_, err = Merge(nil, []byte{9})
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestFlags_String(t *testing.T) {
	assert.Equal(t, "NONE", Flags(0).String())
	assert.Equal(t, "STATED|CONCEPT_STATUS", (FlagStated | FlagConceptStatus).String())
}
