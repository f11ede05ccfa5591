// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity assigns internal nids to component UUIDs.
//
// Every versioned component (concept or semantic) is addressed internally by
// a negative int32 nid. The service hands out nids from math.MinInt32+1
// upward, remembers the UUID, kind and owning assemblage of each, and
// persists assignments through a Persister so they survive restarts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Kind is the kind of component a nid names.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConcept
	KindSemantic
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConcept:
		return "concept"
	case KindSemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// FirstNid is the first nid the service issues.
const FirstNid int32 = math.MinInt32 + 1

var (
	// ErrUnknownUUID is returned when a UUID has no nid.
	ErrUnknownUUID = errors.New("uuid has no nid")

	// ErrUnknownNid is returned when a nid was never assigned.
	ErrUnknownNid = errors.New("nid was never assigned")

	// ErrKindMismatch is returned when a UUID is reassigned with another kind.
	ErrKindMismatch = errors.New("uuid already assigned with a different kind")

	// ErrNidSpaceExhausted is returned when no negative nids remain.
	ErrNidSpaceExhausted = errors.New("negative nid space exhausted")
)

// Entry is one nid assignment.
type Entry struct {
	Nid           int32
	UUID          uuid.UUID
	Kind          Kind
	AssemblageNid int32
}

// Persister stores nid assignments.
type Persister interface {
	PutIdentity(ctx context.Context, e Entry) error
	LoadIdentities(ctx context.Context) ([]Entry, error)
}

// Service maps UUIDs to nids and back.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Service struct {
	mu     sync.RWMutex
	byUUID map[uuid.UUID]int32
	byNid  map[int32]Entry
	next   int32

	persister Persister
	logger    *slog.Logger
}

// NewService creates an identifier service. persister may be nil for a
// purely in-memory service.
func NewService(persister Persister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		byUUID:    make(map[uuid.UUID]int32),
		byNid:     make(map[int32]Entry),
		next:      FirstNid,
		persister: persister,
		logger:    logger.With("component", "identity.Service"),
	}
}

// Load restores persisted assignments. The next issued nid follows the
// highest loaded one.
func (s *Service) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	entries, err := s.persister.LoadIdentities(ctx)
	if err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Nid >= 0 {
			return fmt.Errorf("loading identities: nid %d for %s is not negative", e.Nid, e.UUID)
		}
		s.byUUID[e.UUID] = e.Nid
		s.byNid[e.Nid] = e
		if e.Nid >= s.next {
			s.next = e.Nid + 1
		}
	}
	s.logger.Info("identities loaded", "count", len(entries))
	return nil
}

// AssignNid returns the nid for id, assigning a new one on first use.
//
// # Description
//
// Assignment is idempotent. Reassigning an existing UUID with a different
// kind fails. A zero assemblageNid on an existing entry is filled in by a
// later call that supplies one.
//
// # Inputs
//
//   - ctx: Context for persistence.
//   - id: Component UUID.
//   - kind: Component kind.
//   - assemblageNid: Owning assemblage, or 0 if none.
//
// # Outputs
//
//   - int32: The nid, always negative.
//   - error: ErrKindMismatch, ErrNidSpaceExhausted, or a persistence error.
func (s *Service) AssignNid(ctx context.Context, id uuid.UUID, kind Kind, assemblageNid int32) (int32, error) {
	s.mu.RLock()
	nid, ok := s.byUUID[id]
	existing := s.byNid[nid]
	s.mu.RUnlock()
	if ok && existing.Kind == kind && (assemblageNid == 0 || existing.AssemblageNid == assemblageNid) {
		return nid, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if nid, ok := s.byUUID[id]; ok {
		e := s.byNid[nid]
		if e.Kind != kind {
			return 0, fmt.Errorf("%w: %s is %s, not %s", ErrKindMismatch, id, e.Kind, kind)
		}
		if e.AssemblageNid == 0 && assemblageNid != 0 {
			e.AssemblageNid = assemblageNid
			if err := s.persist(ctx, e); err != nil {
				return 0, err
			}
			s.byNid[nid] = e
		}
		return nid, nil
	}

	if s.next >= 0 {
		return 0, ErrNidSpaceExhausted
	}
	e := Entry{Nid: s.next, UUID: id, Kind: kind, AssemblageNid: assemblageNid}
	if err := s.persist(ctx, e); err != nil {
		return 0, err
	}
	s.next++
	s.byUUID[id] = e.Nid
	s.byNid[e.Nid] = e
	return e.Nid, nil
}

func (s *Service) persist(ctx context.Context, e Entry) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.PutIdentity(ctx, e); err != nil {
		return fmt.Errorf("persisting nid %d: %w", e.Nid, err)
	}
	return nil
}

// NidFor returns the nid assigned to id.
func (s *Service) NidFor(id uuid.UUID) (int32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nid, ok := s.byUUID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUUID, id)
	}
	return nid, nil
}

// UUIDFor returns the UUID of nid.
func (s *Service) UUIDFor(nid int32) (uuid.UUID, error) {
	e, err := s.entry(nid)
	return e.UUID, err
}

// AssemblageOf returns the owning assemblage of nid (0 if none).
func (s *Service) AssemblageOf(nid int32) (int32, error) {
	e, err := s.entry(nid)
	return e.AssemblageNid, err
}

// KindOf returns the kind of nid.
func (s *Service) KindOf(nid int32) (Kind, error) {
	e, err := s.entry(nid)
	return e.Kind, err
}

func (s *Service) entry(nid int32) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byNid[nid]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrUnknownNid, nid)
	}
	return e, nil
}

// Len returns the number of assigned nids.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byNid)
}
