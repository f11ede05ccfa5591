// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package terms names the well-known metadata concepts the versioning core
// depends on (paths, authors, modules, relationship types, assemblages).
//
// Each term has a fixed name-based UUID. A Context resolves terms to nids
// against an identifier service once and caches the result until Reset,
// which the engine calls when the store is reopened.
package terms

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/stampvc/services/versioning/identity"
	"github.com/google/uuid"
)

// namespace is the UUID namespace for term UUIDs.
var namespace = uuid.MustParse("8c0f6d5e-2f7a-5a3e-9b1d-6c4e2a9f0b17")

// Term identifies one well-known concept.
type Term int

const (
	ConceptAssemblage Term = iota
	StatedLogicAssemblage
	InferredLogicAssemblage
	DescriptionAssemblage
	IsA
	ChildOf
	RoleGroup
	UserAuthor
	PrimordialModule
	DevelopmentPath
	MasterPath
	termCount
)

var termNames = [termCount]string{
	ConceptAssemblage:       "concept assemblage",
	StatedLogicAssemblage:   "stated logical expression assemblage",
	InferredLogicAssemblage: "inferred logical expression assemblage",
	DescriptionAssemblage:   "description assemblage",
	IsA:                     "is a",
	ChildOf:                 "child of",
	RoleGroup:               "role group",
	UserAuthor:              "user",
	PrimordialModule:        "primordial module",
	DevelopmentPath:         "development path",
	MasterPath:              "master path",
}

// All returns every term in declaration order.
func All() []Term {
	out := make([]Term, termCount)
	for i := range out {
		out[i] = Term(i)
	}
	return out
}

// String returns the term's name.
func (t Term) String() string {
	if t < 0 || t >= termCount {
		return fmt.Sprintf("term(%d)", int(t))
	}
	return termNames[t]
}

// UUID returns the term's fixed UUID.
func (t Term) UUID() uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(t.String()))
}

// Assigner resolves UUIDs to nids. identity.Service satisfies it.
type Assigner interface {
	AssignNid(ctx context.Context, id uuid.UUID, kind identity.Kind, assemblageNid int32) (int32, error)
}

// Nids holds the resolved nid of every term.
type Nids struct {
	byTerm [termCount]int32
}

// Of returns the nid of t.
func (n Nids) Of(t Term) int32 {
	return n.byTerm[t]
}

// Context caches term nids for one store lifetime.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Context struct {
	mu       sync.Mutex
	assigner Assigner
	nids     Nids
	resolved bool
}

// NewContext creates a term context backed by assigner.
func NewContext(assigner Assigner) *Context {
	return &Context{assigner: assigner}
}

// Resolve returns the nid of every term, assigning them on first use.
func (c *Context) Resolve(ctx context.Context) (Nids, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return c.nids, nil
	}

	var nids Nids
	asm, err := c.assigner.AssignNid(ctx, ConceptAssemblage.UUID(), identity.KindConcept, 0)
	if err != nil {
		return Nids{}, fmt.Errorf("resolving %s: %w", ConceptAssemblage, err)
	}
	nids.byTerm[ConceptAssemblage] = asm
	for t := ConceptAssemblage + 1; t < termCount; t++ {
		nid, err := c.assigner.AssignNid(ctx, t.UUID(), identity.KindConcept, asm)
		if err != nil {
			return Nids{}, fmt.Errorf("resolving %s: %w", t, err)
		}
		nids.byTerm[t] = nid
	}
	// The concept assemblage is a member of itself.
	if _, err := c.assigner.AssignNid(ctx, ConceptAssemblage.UUID(), identity.KindConcept, asm); err != nil {
		return Nids{}, fmt.Errorf("resolving %s: %w", ConceptAssemblage, err)
	}

	c.nids = nids
	c.resolved = true
	return nids, nil
}

// Reset drops cached nids. The next Resolve reassigns them.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nids = Nids{}
	c.resolved = false
}
