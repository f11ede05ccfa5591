// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/identity"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	vbadger "github.com/AleutianAI/stampvc/services/versioning/storage/badger"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := vbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil)
}

func TestKeyOrdering_NegativeBeforePositive(t *testing.T) {
	neg := chronologyKey(-5)
	pos := chronologyKey(5)
	assert.Less(t, string(chronologyKey(-10)), string(neg))
	assert.Less(t, string(neg), string(pos))
	assert.Equal(t, int32(-5), readInt32(neg[2:]))
}

func TestStore_ChronologyNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Chronology(context.Background(), -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutChronologyMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	first := chronology.NewConcept(-7, id, -2)
	first.AddVersion(chronology.Version{StampSequence: 1, Data: []byte("a")})
	_, changed, err := s.PutChronology(ctx, first)
	require.NoError(t, err)
	assert.True(t, changed)

	second := chronology.NewConcept(-7, id, -2)
	second.AddVersion(chronology.Version{StampSequence: 2, Data: []byte("b")})
	merged, changed, err := s.PutChronology(ctx, second)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []int32{1, 2}, merged.StampSequences())

	_, changed, err = s.PutChronology(ctx, second)
	require.NoError(t, err)
	assert.False(t, changed, "re-putting a known version changes nothing")

	got, err := s.Chronology(ctx, -7)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, got.StampSequences())
}

func TestStore_PutChronologyRejectsIdentityMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.PutChronology(ctx, chronology.NewConcept(-7, uuid.New(), -2))
	require.NoError(t, err)
	_, _, err = s.PutChronology(ctx, chronology.NewConcept(-7, uuid.New(), -2))
	assert.ErrorIs(t, err, chronology.ErrIdentityMismatch)
}

func TestStore_ForEachChronology(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, nid := range []int32{-3, -9, -1} {
		_, _, err := s.PutChronology(ctx, chronology.NewConcept(nid, uuid.New(), -2))
		require.NoError(t, err)
	}

	var nids []int32
	require.NoError(t, s.ForEachChronology(ctx, func(c *chronology.Chronology) error {
		nids = append(nids, c.Nid)
		return nil
	}))
	assert.Equal(t, []int32{-9, -3, -1}, nids)
}

func TestStore_WriteCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	txID := uuid.New()

	st, err := stamp.New(stamp.StatusActive, 1000, -1, -2, -3)
	require.NoError(t, err)
	c := chronology.NewConcept(-20, uuid.New(), -2)
	c.AddVersion(chronology.Version{StampSequence: 4})

	require.NoError(t, s.WriteCommit(ctx, CommitBatch{
		Chronologies:  []*chronology.Chronology{c},
		Stamps:        map[int32]stamp.Stamp{4: st},
		Aliases:       []AliasRow{{StampSequence: 4, AliasSequence: 9}},
		Comments:      map[int32]string{4: "initial load"},
		Record:        []byte("record-1"),
		CommitTime:    1000,
		TransactionID: txID,
	}))

	stamps, err := s.LoadStamps(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int32]stamp.Stamp{4: st}, stamps)

	got, err := s.Chronology(ctx, -20)
	require.NoError(t, err)
	assert.Equal(t, []int32{4}, got.StampSequences())

	aliases, err := s.Aliases(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []int32{9}, aliases)

	comment, ok, err := s.Comment(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "initial load", comment)
}

func TestStore_WriteCommitIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.PutChronology(ctx, chronology.NewConcept(-20, uuid.New(), -2))
	require.NoError(t, err)

	st, err := stamp.New(stamp.StatusActive, 1000, -1, -2, -3)
	require.NoError(t, err)
	err = s.WriteCommit(ctx, CommitBatch{
		Chronologies: []*chronology.Chronology{
			chronology.NewConcept(-21, uuid.New(), -2),
			chronology.NewConcept(-20, uuid.New(), -2), // identity mismatch
		},
		Stamps:     map[int32]stamp.Stamp{1: st},
		Record:     []byte("never"),
		CommitTime: 1000,
	})
	require.ErrorIs(t, err, chronology.ErrIdentityMismatch)

	_, err = s.Chronology(ctx, -21)
	assert.ErrorIs(t, err, ErrNotFound)
	stamps, err := s.LoadStamps(ctx)
	require.NoError(t, err)
	assert.Empty(t, stamps)
	log, err := s.CommitLog(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestStore_CommitLogNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, tm := range []int64{300, 100, 200} {
		require.NoError(t, s.WriteCommit(ctx, CommitBatch{
			Record:        []byte{byte(i)},
			CommitTime:    tm,
			TransactionID: uuid.New(),
		}))
	}

	all, err := s.CommitLog(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0}, {2}, {1}}, all)

	newest, err := s.CommitLog(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0}}, newest)
}

func TestStore_Taxonomy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Taxonomy(ctx, -1, -5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutTaxonomy(ctx, []TaxonomyRow{
		{AssemblageNid: -1, ConceptNid: -5, Data: []byte{1, 2}},
		{AssemblageNid: -1, ConceptNid: -6, Data: []byte{3}},
	}))
	data, ok, err := s.Taxonomy(ctx, -1, -5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2}, data)
}

func TestStore_Identities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	svc := identity.NewService(s, nil)
	id := uuid.New()
	nid, err := svc.AssignNid(ctx, id, identity.KindConcept, 0)
	require.NoError(t, err)

	reloaded := identity.NewService(s, nil)
	require.NoError(t, reloaded.Load(ctx))
	got, err := reloaded.NidFor(id)
	require.NoError(t, err)
	assert.Equal(t, nid, got)
	kind, err := reloaded.KindOf(nid)
	require.NoError(t, err)
	assert.Equal(t, identity.KindConcept, kind)
}

func TestStore_LoadStampsRejectsCorruptRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.DB().WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(stampKey(1), []byte{0, 3, 'B', 'A', 'D'})
	}))
	_, err := s.LoadStamps(ctx)
	assert.Error(t, err)
}
