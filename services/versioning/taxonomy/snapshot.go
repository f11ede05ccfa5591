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
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/stampvc/services/versioning/coordinate"
	"github.com/AleutianAI/stampvc/services/versioning/terms"
)

// Premise selects stated or inferred relationships.
type Premise uint8

const (
	PremiseStated Premise = iota
	PremiseInferred
)

// String returns the premise name.
func (p Premise) String() string {
	if p == PremiseInferred {
		return "INFERRED"
	}
	return "STATED"
}

// Flag returns the edge flag for p.
func (p Premise) Flag() Flags {
	if p == PremiseInferred {
		return FlagInferred
	}
	return FlagStated
}

// ParsePremise parses "stated" or "inferred", case-insensitively.
func ParsePremise(s string) (Premise, error) {
	switch strings.ToLower(s) {
	case "", "stated":
		return PremiseStated, nil
	case "inferred":
		return PremiseInferred, nil
	}
	return 0, fmt.Errorf("unknown premise %q", s)
}

// Relationship is one active non-taxonomic edge.
type Relationship struct {
	TypeNid        int32 `json:"type_nid"`
	DestinationNid int32 `json:"destination_nid"`
}

// Snapshot answers taxonomy questions at one coordinate.
//
// # Description
//
// An edge is present when, among its stamps visible to the coordinate, the
// latest one is active. Retractions are recorded as inactive stamps, so an
// edge removed in a later version drops out of later views but is still
// present in views positioned before the removal.
//
// # Thread Safety
//
// Safe for concurrent use.
type Snapshot struct {
	records *Store
	calc    *coordinate.Calculator
	premise Premise
	tn      terms.Nids
}

// NewSnapshot creates a snapshot view.
func NewSnapshot(records *Store, calc *coordinate.Calculator, tn terms.Nids, premise Premise) *Snapshot {
	return &Snapshot{records: records, calc: calc, premise: premise, tn: tn}
}

// Premise returns the snapshot premise.
func (s *Snapshot) Premise() Premise { return s.premise }

type edgeKey struct {
	destination int32
	typeNid     int32
}

// activeEdges returns every edge of nid's record whose latest visible stamp
// is active, considering only entries that carry want.
func (s *Snapshot) activeEdges(ctx context.Context, nid int32, want Flags) ([]edgeKey, error) {
	rec, err := s.records.Record(ctx, s.tn.Of(terms.ConceptAssemblage), nid)
	if err != nil {
		return nil, err
	}

	stamps := make(map[edgeKey][]int32)
	var order []edgeKey
	for _, e := range rec.entries {
		if !e.Flags.Has(want) {
			continue
		}
		k := edgeKey{destination: e.DestinationNid, typeNid: e.TypeNid}
		if _, ok := stamps[k]; !ok {
			order = append(order, k)
		}
		stamps[k] = append(stamps[k], e.StampSequence)
	}

	var out []edgeKey
	for _, k := range order {
		if _, st, ok := s.calc.Resolve(stamps[k]); ok && st.Status.IsActive() {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Snapshot) destinations(ctx context.Context, nid, typeNid int32) ([]int32, error) {
	edges, err := s.activeEdges(ctx, nid, s.premise.Flag())
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, e := range edges {
		if e.typeNid == typeNid {
			out = append(out, e.destination)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Parents returns the active is-a destinations of nid, ascending.
func (s *Snapshot) Parents(ctx context.Context, nid int32) ([]int32, error) {
	return s.destinations(ctx, nid, s.tn.Of(terms.IsA))
}

// Children returns the concepts with an active is-a edge to nid, ascending.
func (s *Snapshot) Children(ctx context.Context, nid int32) ([]int32, error) {
	return s.destinations(ctx, nid, s.tn.Of(terms.ChildOf))
}

// Roles returns the active role relationships of nid.
func (s *Snapshot) Roles(ctx context.Context, nid int32) ([]Relationship, error) {
	edges, err := s.activeEdges(ctx, nid, s.premise.Flag())
	if err != nil {
		return nil, err
	}
	isa, childOf := s.tn.Of(terms.IsA), s.tn.Of(terms.ChildOf)
	var out []Relationship
	for _, e := range edges {
		if e.typeNid == isa || e.typeNid == childOf {
			continue
		}
		out = append(out, Relationship{TypeNid: e.typeNid, DestinationNid: e.destination})
	}
	slices.SortFunc(out, func(a, b Relationship) int {
		if a.TypeNid != b.TypeNid {
			return int(a.TypeNid) - int(b.TypeNid)
		}
		return int(a.DestinationNid) - int(b.DestinationNid)
	})
	return out, nil
}

// IsKindOf reports whether child reaches parent through active is-a edges.
// Every concept is a kind of itself.
func (s *Snapshot) IsKindOf(ctx context.Context, child, parent int32) (bool, error) {
	if child == parent {
		return true, nil
	}
	seen := map[int32]struct{}{child: {}}
	queue := []int32{child}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		parents, err := s.Parents(ctx, next)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			if p == parent {
				return true, nil
			}
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

// IsActive reports whether the concept's latest visible status is active.
func (s *Snapshot) IsActive(ctx context.Context, nid int32) (bool, error) {
	edges, err := s.activeEdges(ctx, nid, FlagConceptStatus)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.destination == nid {
			return true, nil
		}
	}
	return false, nil
}
