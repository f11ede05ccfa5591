// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/commit"
	"github.com/AleutianAI/stampvc/services/versioning/identity"
	"github.com/AleutianAI/stampvc/services/versioning/logic"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/AleutianAI/stampvc/services/versioning/taxonomy"
	"github.com/AleutianAI/stampvc/services/versioning/terms"
	"github.com/AleutianAI/stampvc/services/versioning/transaction"
	"github.com/google/uuid"
)

var (
	// ErrNoParents is returned for a definition with no parents.
	ErrNoParents = errors.New("definition needs at least one parent")

	// ErrNotConcept is returned when an edit names a nid that is not a
	// concept.
	ErrNotConcept = errors.New("not a concept")
)

// Definition is the stated logical definition of a concept: necessary
// is-a parents plus existential roles.
type Definition struct {
	Parents []int32
	Roles   []taxonomy.Relationship
}

// IsZero reports whether d defines nothing. A concept created with a zero
// definition is primitive and has no stated definition semantic.
func (d Definition) IsZero() bool {
	return len(d.Parents) == 0 && len(d.Roles) == 0
}

func (d Definition) expression() (*logic.Expression, error) {
	if len(d.Parents) == 0 {
		return nil, ErrNoParents
	}
	b := logic.NewBuilder()
	refs := make([]int, 0, len(d.Parents)+len(d.Roles))
	for _, p := range d.Parents {
		refs = append(refs, b.ConceptRef(p))
	}
	for _, r := range d.Roles {
		refs = append(refs, b.SomeRole(r.TypeNid, b.ConceptRef(r.DestinationNid)))
	}
	b.NecessarySet(b.And(refs...))
	return b.Build()
}

// definitionUUID derives the UUID of a concept's stated definition
// semantic, so the semantic can be found again from the concept alone.
func definitionUUID(concept uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(concept, []byte("stated-definition"))
}

// DefineConcept creates a concept with def as its stated definition and
// commits both in one transaction. A zero def creates a primitive concept.
//
// # Outputs
//
//   - int32: The new concept's nid.
//   - *commit.CommitRecord: The commit.
//   - error: ErrNoParents, a checker veto, or a persistence failure. On
//     failure the transaction is canceled.
func (e *Engine) DefineConcept(ctx context.Context, def Definition, comment string, opts ...commit.CommitOption) (int32, *commit.CommitRecord, error) {
	if err := e.checkOpen(); err != nil {
		return 0, nil, err
	}
	if !def.IsZero() {
		if _, err := def.expression(); err != nil {
			return 0, nil, err
		}
	}
	id := uuid.New()
	nid, err := e.ids.AssignNid(ctx, id, identity.KindConcept, e.nids.Of(terms.ConceptAssemblage))
	if err != nil {
		return 0, nil, err
	}
	rec, err := e.edit(ctx, "define concept", comment, opts, func(tx *transaction.Transaction, seq int32) error {
		if err := e.putConceptVersion(ctx, tx, nid, seq); err != nil {
			return err
		}
		if def.IsZero() {
			return nil
		}
		return e.putDefinition(ctx, tx, nid, def, seq)
	})
	if err != nil {
		return 0, nil, err
	}
	return nid, rec, nil
}

// Redefine commits def as the next stated definition of concept.
// Relationships absent from def are retired by the taxonomy accumulator.
func (e *Engine) Redefine(ctx context.Context, concept int32, def Definition, comment string, opts ...commit.CommitOption) (*commit.CommitRecord, error) {
	if _, err := def.expression(); err != nil {
		return nil, err
	}
	return e.edit(ctx, "redefine concept", comment, opts, func(tx *transaction.Transaction, seq int32) error {
		if err := e.putConceptVersion(ctx, tx, concept, seq); err != nil {
			return err
		}
		return e.putDefinition(ctx, tx, concept, def, seq)
	})
}

// RetireConcept commits an inactive version of concept.
func (e *Engine) RetireConcept(ctx context.Context, concept int32, comment string, opts ...commit.CommitOption) (*commit.CommitRecord, error) {
	return e.editWithStatus(ctx, "retire concept", comment, stamp.StatusInactive, opts, func(tx *transaction.Transaction, seq int32) error {
		return e.putConceptVersion(ctx, tx, concept, seq)
	})
}

// IsConcept reports whether nid was assigned to a concept.
func (e *Engine) IsConcept(nid int32) bool {
	kind, err := e.ids.KindOf(nid)
	return err == nil && kind == identity.KindConcept
}

func (e *Engine) edit(ctx context.Context, name, comment string, opts []commit.CommitOption, fn func(*transaction.Transaction, int32) error) (*commit.CommitRecord, error) {
	return e.editWithStatus(ctx, name, comment, stamp.StatusActive, opts, fn)
}

// editWithStatus runs fn in a new transaction with one stamp of status by
// the user author on the development path, then commits.
func (e *Engine) editWithStatus(ctx context.Context, name, comment string, status stamp.Status, opts []commit.CommitOption, fn func(*transaction.Transaction, int32) error) (*commit.CommitRecord, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := e.commits.NewTransaction(name, transaction.CheckerModeActive, true)
	if err != nil {
		return nil, err
	}
	seq, err := tx.StampSequence(status,
		e.nids.Of(terms.UserAuthor), e.nids.Of(terms.PrimordialModule), e.nids.Of(terms.DevelopmentPath))
	if err == nil {
		err = fn(tx, seq)
	}
	if err != nil {
		e.cancel(ctx, tx)
		return nil, err
	}

	rec, err := e.commits.Commit(ctx, tx, comment, opts...).Wait(ctx)
	if err != nil {
		e.cancel(ctx, tx)
		return nil, err
	}
	return rec, nil
}

func (e *Engine) checkOpen() error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (e *Engine) cancel(ctx context.Context, tx *transaction.Transaction) {
	if err := e.commits.Cancel(ctx, tx); err != nil {
		e.logger.Warn("cancel after failed edit", "tx_id", tx.ID().String(), "error", err)
	}
}

func (e *Engine) putConceptVersion(ctx context.Context, tx *transaction.Transaction, nid, seq int32) error {
	if !e.IsConcept(nid) {
		return fmt.Errorf("%w: %d", ErrNotConcept, nid)
	}
	id, err := e.ids.UUIDFor(nid)
	if err != nil {
		return err
	}
	c := chronology.NewConcept(nid, id, e.nids.Of(terms.ConceptAssemblage))
	c.AddVersion(chronology.Version{StampSequence: seq})
	return e.commits.AddUncommitted(ctx, tx, c)
}

func (e *Engine) putDefinition(ctx context.Context, tx *transaction.Transaction, concept int32, def Definition, seq int32) error {
	expr, err := def.expression()
	if err != nil {
		return err
	}
	data, err := expr.MarshalBinary()
	if err != nil {
		return err
	}
	conceptID, err := e.ids.UUIDFor(concept)
	if err != nil {
		return err
	}
	asm := e.nids.Of(terms.StatedLogicAssemblage)
	semID := definitionUUID(conceptID)
	semNid, err := e.ids.AssignNid(ctx, semID, identity.KindSemantic, asm)
	if err != nil {
		return err
	}
	sem := chronology.NewSemantic(semNid, semID, asm, concept, chronology.SemanticLogicGraph)
	sem.AddVersion(chronology.Version{StampSequence: seq, Data: data})
	return e.commits.AddUncommitted(ctx, tx, sem)
}
