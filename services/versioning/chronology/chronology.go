// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chronology holds the version history of one component.
//
// A Chronology is append-only: versions are keyed by stamp sequence and a
// merge of two copies is the union of their versions. Concepts carry empty
// version payloads (their status lives in the stamp); semantics carry a
// payload whose meaning depends on SemanticType.
package chronology

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/stampvc/services/versioning/identity"
	"github.com/google/uuid"
)

var (
	// ErrIdentityMismatch is returned when merging chronologies of
	// different components.
	ErrIdentityMismatch = errors.New("chronologies describe different components")

	// ErrInvalidChronology is wrapped by Validate failures.
	ErrInvalidChronology = errors.New("invalid chronology")
)

// SemanticType is the payload kind of a semantic chronology.
type SemanticType uint8

const (
	SemanticNone SemanticType = iota
	SemanticLogicGraph
	SemanticDescription
	SemanticMembership
)

// String returns the semantic type name.
func (t SemanticType) String() string {
	switch t {
	case SemanticLogicGraph:
		return "logic-graph"
	case SemanticDescription:
		return "description"
	case SemanticMembership:
		return "membership"
	default:
		return "none"
	}
}

// Version is one stamped revision.
type Version struct {
	StampSequence int32
	Data          []byte
}

// Chronology is the version history of one component.
type Chronology struct {
	Nid                    int32
	UUID                   uuid.UUID
	Kind                   identity.Kind
	AssemblageNid          int32
	ReferencedComponentNid int32
	SemanticType           SemanticType
	Versions               []Version
}

// NewConcept returns an empty concept chronology.
func NewConcept(nid int32, id uuid.UUID, assemblageNid int32) *Chronology {
	return &Chronology{Nid: nid, UUID: id, Kind: identity.KindConcept, AssemblageNid: assemblageNid}
}

// NewSemantic returns an empty semantic chronology referencing
// referencedNid.
func NewSemantic(nid int32, id uuid.UUID, assemblageNid, referencedNid int32, t SemanticType) *Chronology {
	return &Chronology{
		Nid:                    nid,
		UUID:                   id,
		Kind:                   identity.KindSemantic,
		AssemblageNid:          assemblageNid,
		ReferencedComponentNid: referencedNid,
		SemanticType:           t,
	}
}

// Clone returns a deep copy.
func (c *Chronology) Clone() *Chronology {
	out := *c
	out.Versions = make([]Version, len(c.Versions))
	for i, v := range c.Versions {
		out.Versions[i] = Version{StampSequence: v.StampSequence, Data: bytes.Clone(v.Data)}
	}
	return &out
}

// AddVersion adds v, replacing any version with the same stamp sequence.
// Versions stay ordered by stamp sequence.
func (c *Chronology) AddVersion(v Version) {
	i := sort.Search(len(c.Versions), func(i int) bool { return c.Versions[i].StampSequence >= v.StampSequence })
	if i < len(c.Versions) && c.Versions[i].StampSequence == v.StampSequence {
		c.Versions[i] = v
		return
	}
	c.Versions = slices.Insert(c.Versions, i, v)
}

// Version returns the version stamped seq.
func (c *Chronology) Version(seq int32) (Version, bool) {
	i := sort.Search(len(c.Versions), func(i int) bool { return c.Versions[i].StampSequence >= seq })
	if i < len(c.Versions) && c.Versions[i].StampSequence == seq {
		return c.Versions[i], true
	}
	return Version{}, false
}

// StampSequences returns the stamp sequence of every version, ascending.
func (c *Chronology) StampSequences() []int32 {
	out := make([]int32, len(c.Versions))
	for i, v := range c.Versions {
		out[i] = v.StampSequence
	}
	return out
}

// IsConcept reports whether c is a concept chronology.
func (c *Chronology) IsConcept() bool { return c.Kind == identity.KindConcept }

// Validate checks identity fields and version keys.
func (c *Chronology) Validate() error {
	if c.Nid >= 0 {
		return fmt.Errorf("%w: nid %d is not negative", ErrInvalidChronology, c.Nid)
	}
	switch c.Kind {
	case identity.KindConcept:
	case identity.KindSemantic:
		if c.ReferencedComponentNid >= 0 {
			return fmt.Errorf("%w: semantic %d references %d", ErrInvalidChronology, c.Nid, c.ReferencedComponentNid)
		}
	default:
		return fmt.Errorf("%w: nid %d has kind %s", ErrInvalidChronology, c.Nid, c.Kind)
	}
	for i, v := range c.Versions {
		if v.StampSequence <= 0 {
			return fmt.Errorf("%w: nid %d version %d has stamp sequence %d", ErrInvalidChronology, c.Nid, i, v.StampSequence)
		}
		if i > 0 && c.Versions[i-1].StampSequence >= v.StampSequence {
			return fmt.Errorf("%w: nid %d versions out of order", ErrInvalidChronology, c.Nid)
		}
	}
	return nil
}

// Merge returns the union of two copies of the same chronology.
//
// # Description
//
// Versions are unioned by stamp sequence. When both sides carry the same
// sequence, incoming's payload is kept. Neither input is modified.
//
// # Outputs
//
//   - *Chronology: The merged chronology.
//   - error: ErrIdentityMismatch if the inputs describe different components.
func Merge(existing, incoming *Chronology) (*Chronology, error) {
	if existing == nil {
		return incoming.Clone(), nil
	}
	if existing.Nid != incoming.Nid || existing.Kind != incoming.Kind ||
		(existing.UUID != uuid.Nil && incoming.UUID != uuid.Nil && existing.UUID != incoming.UUID) {
		return nil, fmt.Errorf("%w: %d and %d", ErrIdentityMismatch, existing.Nid, incoming.Nid)
	}
	out := existing.Clone()
	if out.UUID == uuid.Nil {
		out.UUID = incoming.UUID
	}
	for _, v := range incoming.Versions {
		out.AddVersion(Version{StampSequence: v.StampSequence, Data: bytes.Clone(v.Data)})
	}
	return out, nil
}
