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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/stampvc/services/versioning/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend that counts loads.
type memBackend struct {
	mu    sync.Mutex
	rows  map[recordKey][]byte
	loads atomic.Int32
	fail  atomic.Bool
}

func newMemBackend() *memBackend {
	return &memBackend{rows: make(map[recordKey][]byte)}
}

func (m *memBackend) Taxonomy(_ context.Context, asm, concept int32) ([]byte, bool, error) {
	m.loads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[recordKey{asm, concept}]
	return b, ok, nil
}

func (m *memBackend) PutTaxonomy(_ context.Context, rows []store.TaxonomyRow) error {
	if m.fail.Load() {
		return errors.New("write failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.rows[recordKey{r.AssemblageNid, r.ConceptNid}] = r.Data
	}
	return nil
}

func edge(dest int32, seq int32) []byte {
	return NewRecord(Entry{DestinationNid: dest, TypeNid: -1, StampSequence: seq, Flags: FlagStated}).Pack()
}

func TestStore_AccumulateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemBackend(), nil)

	got, err := s.AccumulateAndGet(ctx, -100, -1, edge(-2, 1), Merge)
	require.NoError(t, err)
	assert.Equal(t, edge(-2, 1), got)

	got, err = s.AccumulateAndGet(ctx, -100, -1, edge(-3, 1), Merge)
	require.NoError(t, err)
	rec, err := Unpack(got)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Len())
	assert.Equal(t, 1, s.Dirty())

	stored, ok, err := s.Get(ctx, -100, -1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, got, stored)

	_, ok, err = s.Get(ctx, -100, -99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CallerBufferReuseLeavesRecordIntact(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemBackend(), nil)

	buf := edge(-2, 1)
	_, err := s.AccumulateAndGet(ctx, -100, -1, buf, Merge)
	require.NoError(t, err)
	clear(buf)

	stored, ok, err := s.Get(ctx, -100, -1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, edge(-2, 1), stored)
}

func TestStore_UnchangedMergeIsNotDirty(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemBackend(), nil)
	_, err := s.AccumulateAndGet(ctx, -100, -1, edge(-2, 1), Merge)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	_, err = s.AccumulateAndGet(ctx, -100, -1, edge(-2, 1), Merge)
	require.NoError(t, err)
	assert.Zero(t, s.Dirty())
}

func TestStore_ShrinkingMergeIsRejected(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemBackend(), nil)
	before, err := s.AccumulateAndGet(ctx, -100, -1, edge(-2, 1), Merge)
	require.NoError(t, err)

	truncate := func(existing, incoming []byte) ([]byte, error) { return existing[:1], nil }
	_, err = s.AccumulateAndGet(ctx, -100, -1, edge(-3, 1), truncate)
	require.ErrorIs(t, err, ErrAccumulateShrank)

	after, _, err := s.Get(ctx, -100, -1)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected merge leaves the record untouched")
}

func TestStore_MergeErrorPropagates(t *testing.T) {
	s := NewStore(newMemBackend(), nil)
	_, err := s.AccumulateAndGet(context.Background(), -100, -1, []byte{1}, Merge)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

// TestStore_ConcurrentAccumulationLosesNothing races many writers on one
// concept and on distinct concepts.
func TestStore_ConcurrentAccumulationLosesNothing(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	s := NewStore(backend, nil)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AccumulateAndGet(ctx, -100, -1, edge(-int32(i+2), int32(i+1)), Merge)
			assert.NoError(t, err)
			_, err = s.AccumulateAndGet(ctx, -100, -int32(i+1000), edge(-1, int32(i+1)), Merge)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.Record(ctx, -100, -1)
	require.NoError(t, err)
	assert.Equal(t, writers, rec.Len())
	assert.Equal(t, int32(writers+1), backend.loads.Load(), "each key loads once")
}

func TestStore_LazyLoadAndFlush(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	backend.rows[recordKey{-100, -1}] = edge(-2, 1)

	s := NewStore(backend, nil)
	got, err := s.AccumulateAndGet(ctx, -100, -1, edge(-3, 2), Merge)
	require.NoError(t, err)
	rec, err := Unpack(got)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Len(), "persisted entries are merged, not replaced")

	backend.fail.Store(true)
	require.Error(t, s.Flush(ctx))
	assert.Equal(t, 1, s.Dirty(), "failed flush keeps records dirty")

	backend.fail.Store(false)
	require.NoError(t, s.Flush(ctx))
	assert.Zero(t, s.Dirty())
	assert.Equal(t, got, backend.rows[recordKey{-100, -1}])

	s.Reset()
	loadsBefore := backend.loads.Load()
	again, ok, err := s.Get(ctx, -100, -1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, got, again)
	assert.Equal(t, loadsBefore+1, backend.loads.Load())
}

func TestStore_AgainstBadger(t *testing.T) {
	ctx := context.Background()
	st := newBadgerStore(t)

	s := NewStore(st, nil)
	_, err := s.AccumulateAndGet(ctx, -100, -1, edge(-2, 1), Merge)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	raw, ok, err := st.Taxonomy(ctx, -100, -1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, edge(-2, 1), raw)
}
