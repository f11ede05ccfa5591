// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu      sync.Mutex
	entries map[int32]Entry
	fail    bool
}

func newMemPersister() *memPersister {
	return &memPersister{entries: make(map[int32]Entry)}
}

func (m *memPersister) PutIdentity(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.entries[e.Nid] = e
	return nil
}

func (m *memPersister) LoadIdentities(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func TestService_AssignNid(t *testing.T) {
	ctx := context.Background()
	s := NewService(nil, nil)

	a := uuid.New()
	nid, err := s.AssignNid(ctx, a, KindConcept, 0)
	require.NoError(t, err)
	assert.Equal(t, FirstNid, nid)

	again, err := s.AssignNid(ctx, a, KindConcept, 0)
	require.NoError(t, err)
	assert.Equal(t, nid, again)

	b, err := s.AssignNid(ctx, uuid.New(), KindSemantic, nid)
	require.NoError(t, err)
	assert.Equal(t, nid+1, b)
	assert.Less(t, b, int32(0))

	got, err := s.UUIDFor(nid)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	kind, err := s.KindOf(b)
	require.NoError(t, err)
	assert.Equal(t, KindSemantic, kind)

	asm, err := s.AssemblageOf(b)
	require.NoError(t, err)
	assert.Equal(t, nid, asm)
}

func TestService_KindMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewService(nil, nil)
	id := uuid.New()
	_, err := s.AssignNid(ctx, id, KindConcept, 0)
	require.NoError(t, err)

	_, err = s.AssignNid(ctx, id, KindSemantic, 0)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestService_FillsAssemblageLater(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	s := NewService(p, nil)
	id := uuid.New()

	nid, err := s.AssignNid(ctx, id, KindConcept, 0)
	require.NoError(t, err)
	_, err = s.AssignNid(ctx, id, KindConcept, -7)
	require.NoError(t, err)

	asm, err := s.AssemblageOf(nid)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), asm)
	assert.Equal(t, int32(-7), p.entries[nid].AssemblageNid)
}

func TestService_UnknownLookups(t *testing.T) {
	s := NewService(nil, nil)
	_, err := s.NidFor(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownUUID)
	_, err = s.UUIDFor(-5)
	assert.ErrorIs(t, err, ErrUnknownNid)
}

func TestService_LoadResumesAfterHighestNid(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()

	first := NewService(p, nil)
	for i := 0; i < 3; i++ {
		_, err := first.AssignNid(ctx, uuid.New(), KindConcept, 0)
		require.NoError(t, err)
	}

	second := NewService(p, nil)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, 3, second.Len())

	nid, err := second.AssignNid(ctx, uuid.New(), KindConcept, 0)
	require.NoError(t, err)
	assert.Equal(t, FirstNid+3, nid)
}

func TestService_PersistFailureDoesNotAssign(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	p.fail = true
	s := NewService(p, nil)

	id := uuid.New()
	_, err := s.AssignNid(ctx, id, KindConcept, 0)
	require.Error(t, err)

	_, err = s.NidFor(id)
	assert.ErrorIs(t, err, ErrUnknownUUID)
	assert.Zero(t, s.Len())
}
