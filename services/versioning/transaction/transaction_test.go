// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"sync"
	"testing"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_StampSequenceIsCached(t *testing.T) {
	reg := stamp.NewRegistry(nil)
	tx := New("edit", CheckerModeActive, true, reg)

	a, err := tx.StampSequence(stamp.StatusActive, -1, -2, -3)
	require.NoError(t, err)
	again, err := tx.StampSequence(stamp.StatusActive, -1, -2, -3)
	require.NoError(t, err)
	b, err := tx.StampSequence(stamp.StatusInactive, -1, -2, -3)
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.Equal(t, []int32{a, b}, tx.StampsForTransaction())
	assert.True(t, reg.IsUncommitted(a))
}

func TestTransaction_TransactionsDoNotShareStamps(t *testing.T) {
	reg := stamp.NewRegistry(nil)
	tx1 := New("", CheckerModeActive, false, reg)
	tx2 := New("", CheckerModeActive, false, reg)

	a, err := tx1.StampSequence(stamp.StatusActive, -1, -2, -3)
	require.NoError(t, err)
	b, err := tx2.StampSequence(stamp.StatusActive, -1, -2, -3)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTransaction_WorkingSet(t *testing.T) {
	tx := New("", CheckerModeActive, false, stamp.NewRegistry(nil))
	c := chronology.NewConcept(-9, uuid.New(), -2)
	c.AddVersion(chronology.Version{StampSequence: 1, Data: []byte("x")})
	require.NoError(t, tx.Put(c))

	c.AddVersion(chronology.Version{StampSequence: 2})
	got, ok := tx.Chronology(-9)
	require.True(t, ok)
	assert.Equal(t, []int32{1}, got.StampSequences(), "Put stores a copy")

	got.AddVersion(chronology.Version{StampSequence: 3})
	again, _ := tx.Chronology(-9)
	assert.Equal(t, []int32{1}, again.StampSequences(), "Chronology returns a copy")

	_, ok = tx.Chronology(-10)
	assert.False(t, ok)
	assert.Equal(t, []int32{-9}, tx.ComponentNids())
	assert.Len(t, tx.Chronologies(), 1)

	assert.Error(t, tx.Put(chronology.NewConcept(5, uuid.New(), -2)), "invalid chronology rejected")
}

func TestTransaction_Lifecycle(t *testing.T) {
	tx := New("", CheckerModeActive, false, stamp.NewRegistry(nil))
	assert.Equal(t, StateOpen, tx.State())

	require.NoError(t, tx.BeginCommit())
	assert.ErrorIs(t, tx.BeginCommit(), ErrWrongState, "cannot commit twice")
	assert.ErrorIs(t, tx.MarkCanceled(), ErrWrongState, "cannot cancel mid-commit")
	_, err := tx.StampSequence(stamp.StatusActive, -1, -2, -3)
	assert.ErrorIs(t, err, ErrWrongState)

	require.NoError(t, tx.Reopen())
	assert.Equal(t, StateOpen, tx.State())

	require.NoError(t, tx.BeginCommit())
	require.NoError(t, tx.MarkCommitted())
	assert.Equal(t, StateCommitted, tx.State())
	assert.ErrorIs(t, tx.Put(chronology.NewConcept(-1, uuid.New(), -2)), ErrWrongState)
}

func TestTransaction_ConcurrentBeginCommit(t *testing.T) {
	tx := New("", CheckerModeActive, false, stamp.NewRegistry(nil))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tx.BeginCommit() == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	minter := stamp.NewRegistry(nil)
	first := New("first", CheckerModeActive, false, minter)
	second := New("second", CheckerModeInactive, false, minter)

	reg.Add(first)
	reg.Add(second)
	reg.Add(first)
	assert.Equal(t, 2, reg.Len())

	got, ok := reg.Get(second.ID())
	require.True(t, ok)
	assert.Same(t, second, got)

	pending := reg.Pending()
	require.Len(t, pending, 2)
	assert.ElementsMatch(t, []*Transaction{first, second}, pending)

	assert.True(t, reg.Remove(first.ID()))
	assert.False(t, reg.Remove(first.ID()))
	_, ok = reg.Get(first.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestStateAndModeNames(t *testing.T) {
	assert.Equal(t, "committing", StateCommitting.String())
	assert.Equal(t, "inactive", CheckerModeInactive.String())
	assert.Contains(t, New("named", CheckerModeActive, false, nil).String(), `"named"`)
}
