// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commit

import (
	"context"
	"fmt"
	"slices"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/logic"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/AleutianAI/stampvc/services/versioning/transaction"
)

// CheckedVersion is one uncommitted version under review.
type CheckedVersion struct {
	Chronology *chronology.Chronology
	Version    chronology.Version
	Stamp      stamp.Stamp
}

// ChangeChecker validates versions before they are committed.
//
// # Description
//
// Checkers run in ascending Rank order; equal ranks run in registration
// order. Check must not modify global state. It may read committed data and
// the transaction's own stamps. Returning nil means no finding.
type ChangeChecker interface {
	Name() string
	Rank() int
	Check(ctx context.Context, v CheckedVersion, tx *transaction.Transaction) *Alert
}

type rankedChecker struct {
	checker ChangeChecker
	rank    int
}

// checkerChain is the ordered set of registered checkers.
type checkerChain struct {
	subscribers[rankedChecker]
}

func (c *checkerChain) register(ch ChangeChecker) *Subscription {
	return c.add(rankedChecker{checker: ch, rank: ch.Rank()})
}

// ordered returns the checkers sorted by rank, then registration order.
func (c *checkerChain) ordered() []ChangeChecker {
	entries := c.snapshot()
	slices.SortStableFunc(entries, func(a, b subscriber[rankedChecker]) int {
		return a.value.rank - b.value.rank
	})
	out := make([]ChangeChecker, len(entries))
	for i, e := range entries {
		out[i] = e.value.checker
	}
	return out
}

// run checks every version and returns all alerts. A checker panic becomes
// a blocking ERROR alert.
func (c *checkerChain) run(ctx context.Context, versions []CheckedVersion, tx *transaction.Transaction) []Alert {
	checkers := c.ordered()
	var alerts []Alert
	for _, v := range versions {
		for _, ch := range checkers {
			a := safeCheck(ctx, ch, v, tx)
			if a == nil {
				continue
			}
			a.Checker = ch.Name()
			a.ComponentNid = v.Chronology.Nid
			a.StampSequence = v.Version.StampSequence
			alerts = append(alerts, *a)
		}
	}
	return alerts
}

func safeCheck(ctx context.Context, ch ChangeChecker, v CheckedVersion, tx *transaction.Transaction) (a *Alert) {
	defer func() {
		if r := recover(); r != nil {
			a = ErrorAlert("checker panicked: %v", r)
		}
	}()
	return ch.Check(ctx, v, tx)
}

// NidSignChecker rejects versions whose identifiers are not negative.
type NidSignChecker struct{}

func (NidSignChecker) Name() string { return "nid-sign" }
func (NidSignChecker) Rank() int    { return 0 }

func (NidSignChecker) Check(_ context.Context, v CheckedVersion, _ *transaction.Transaction) *Alert {
	c := v.Chronology
	switch {
	case c.Nid >= 0:
		return ErrorAlert("component nid %d is not negative", c.Nid)
	case c.AssemblageNid > 0:
		return ErrorAlert("assemblage nid %d is positive", c.AssemblageNid)
	case !c.IsConcept() && c.ReferencedComponentNid >= 0:
		return ErrorAlert("referenced component nid %d is not negative", c.ReferencedComponentNid)
	case v.Stamp.AuthorNid >= 0 || v.Stamp.ModuleNid >= 0 || v.Stamp.PathNid >= 0:
		return ErrorAlert("stamp %s has a non-negative nid", v.Stamp)
	}
	return nil
}

// LogicGraphWellFormedChecker rejects logic graph versions whose payload
// does not decode to a valid expression.
type LogicGraphWellFormedChecker struct{}

func (LogicGraphWellFormedChecker) Name() string { return "logic-graph-well-formed" }
func (LogicGraphWellFormedChecker) Rank() int    { return 10 }

func (LogicGraphWellFormedChecker) Check(_ context.Context, v CheckedVersion, _ *transaction.Transaction) *Alert {
	if v.Chronology.SemanticType != chronology.SemanticLogicGraph {
		return nil
	}
	if _, err := logic.Decode(v.Version.Data); err != nil {
		return ErrorAlert("%v", err)
	}
	return nil
}

// CheckerFunc adapts a function to ChangeChecker.
type CheckerFunc struct {
	CheckerName string
	CheckerRank int
	Fn          func(ctx context.Context, v CheckedVersion, tx *transaction.Transaction) *Alert
}

func (f CheckerFunc) Name() string { return f.CheckerName }
func (f CheckerFunc) Rank() int    { return f.CheckerRank }

func (f CheckerFunc) Check(ctx context.Context, v CheckedVersion, tx *transaction.Transaction) *Alert {
	return f.Fn(ctx, v, tx)
}

func (f CheckerFunc) String() string {
	return fmt.Sprintf("checker %s (rank %d)", f.CheckerName, f.CheckerRank)
}
