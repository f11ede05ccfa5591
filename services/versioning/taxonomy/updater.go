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
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/commit"
	"github.com/AleutianAI/stampvc/services/versioning/logic"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/AleutianAI/stampvc/services/versioning/store"
	"github.com/AleutianAI/stampvc/services/versioning/terms"
	"golang.org/x/sync/errgroup"
)

// ChronologySource reads committed chronologies. *store.Store satisfies it.
type ChronologySource interface {
	Chronology(ctx context.Context, nid int32) (*chronology.Chronology, error)
}

// StampFlusher persists stamps interned outside a commit.
// *commit.Service satisfies it.
type StampFlusher interface {
	FlushStamps(ctx context.Context) error
}

// TermResolver resolves well-known concept nids. *terms.Context satisfies
// it.
type TermResolver interface {
	Resolve(ctx context.Context) (terms.Nids, error)
	Reset()
}

// UpdaterConfig configures an Updater.
type UpdaterConfig struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Parallelism bounds how many chronologies are processed at once.
	// Defaults to GOMAXPROCS.
	Parallelism int
}

// Updater keeps taxonomy records in step with committed content.
//
// # Description
//
// Registered as a commit listener and as an import post-processor. For each
// touched logic graph it walks the version graph: a root version
// contributes every relationship root of its expression; any later version
// contributes only what changed against its parent, with removed
// relationships recorded at the retired form of the version's stamp.
// Concept chronologies contribute their status history.
//
// Every change reaches the Store through AccumulateAndGet, so updates from
// concurrent commits never overwrite one another.
//
// # Thread Safety
//
// Safe for concurrent use.
type Updater struct {
	store        *Store
	chronologies ChronologySource
	stamps       *stamp.Registry
	terms        TermResolver
	flusher      StampFlusher
	parallelism  int
	logger       *slog.Logger
}

// NewUpdater creates an updater.
//
// # Inputs
//
//   - records: Where accumulated records go.
//   - chronologies: Committed chronology reads.
//   - stamps: Resolves version stamps and mints retired stamps.
//   - tc: Well-known concept nids.
//   - flusher: Persists retired stamps before records that reference them
//     are flushed. May be nil when the stamp registry is not persisted.
//   - cfg: Options.
func NewUpdater(records *Store, chronologies ChronologySource, stamps *stamp.Registry, tc TermResolver, flusher StampFlusher, cfg UpdaterConfig) *Updater {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Updater{
		store:        records,
		chronologies: chronologies,
		stamps:       stamps,
		terms:        tc,
		flusher:      flusher,
		parallelism:  parallelism,
		logger:       logger.With("component", "taxonomy.Updater"),
	}
}

// ListenerName implements commit.CommitListener and
// commit.ImportPostProcessor.
func (u *Updater) ListenerName() string { return "taxonomy" }

// HandleCommit implements commit.CommitListener.
func (u *Updater) HandleCommit(ctx context.Context, rec commit.CommitRecord) error {
	nids := make([]int32, 0, len(rec.ConceptNids)+len(rec.SemanticNids))
	nids = append(nids, rec.ConceptNids...)
	nids = append(nids, rec.SemanticNids...)
	return u.update(ctx, "commit", nids)
}

// PostProcessImport implements commit.ImportPostProcessor.
func (u *Updater) PostProcessImport(ctx context.Context, nids []int32) error {
	return u.update(ctx, "import", nids)
}

// Update recomputes taxonomy contributions for the given chronologies.
func (u *Updater) Update(ctx context.Context, nids []int32) error {
	return u.update(ctx, "direct", nids)
}

// Reset drops cached term nids and records. The engine calls it when the
// underlying store is reopened.
func (u *Updater) Reset() {
	u.terms.Reset()
	u.store.Reset()
}

func (u *Updater) update(ctx context.Context, source string, nids []int32) (err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		updates.WithLabelValues(source, status).Inc()
		updateDuration.Observe(time.Since(start).Seconds())
	}()
	if len(nids) == 0 {
		return nil
	}

	tn, err := u.terms.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("taxonomy update: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.parallelism)
	for _, nid := range nids {
		g.Go(func() error {
			if err := u.process(gctx, tn, nid); err != nil {
				return fmt.Errorf("taxonomy update of %d: %w", nid, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		u.logger.Error("taxonomy update failed", "source", source, "error", err)
		return err
	}

	if u.flusher != nil {
		if err := u.flusher.FlushStamps(ctx); err != nil {
			return err
		}
	}
	if err := u.store.Flush(ctx); err != nil {
		return err
	}
	u.logger.Debug("taxonomy updated", "source", source, "chronologies", len(nids))
	return nil
}

func (u *Updater) process(ctx context.Context, tn terms.Nids, nid int32) error {
	c, err := u.chronologies.Chronology(ctx, nid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if c.IsConcept() {
		return u.processConceptStatus(ctx, tn, c)
	}
	if c.SemanticType != chronology.SemanticLogicGraph {
		return nil
	}
	var flag Flags
	switch c.AssemblageNid {
	case tn.Of(terms.StatedLogicAssemblage):
		flag = FlagStated
	case tn.Of(terms.InferredLogicAssemblage):
		flag = FlagInferred
	default:
		return nil
	}
	return u.processLogicGraph(ctx, tn, c, flag)
}

// processConceptStatus records one CONCEPT_STATUS entry per committed
// concept version.
func (u *Updater) processConceptStatus(ctx context.Context, tn terms.Nids, c *chronology.Chronology) error {
	asm := tn.Of(terms.ConceptAssemblage)
	rec := &Record{}
	for _, v := range c.Versions {
		s, err := u.stamps.Stamp(v.StampSequence)
		if err != nil {
			return err
		}
		if s.IsUncommitted() || s.IsCanceled() {
			continue
		}
		rec.Add(Entry{DestinationNid: c.Nid, TypeNid: asm, StampSequence: v.StampSequence, Flags: FlagConceptStatus})
	}
	if rec.Len() == 0 {
		return nil
	}
	_, err := u.store.AccumulateAndGet(ctx, asm, c.Nid, rec.Pack(), Merge)
	return err
}

// edgeSet collects the records touched by one logic graph.
type edgeSet struct {
	tn      terms.Nids
	concept int32
	flag    Flags
	records map[int32]*Record
}

func (e *edgeSet) record(nid int32) *Record {
	r, ok := e.records[nid]
	if !ok {
		r = &Record{}
		e.records[nid] = r
	}
	return r
}

// addRoot records the taxonomy effect of the relationship root at idx.
func (e *edgeSet) addRoot(expr *logic.Expression, idx int, seq int32) {
	n := expr.Node(idx)
	switch n.Kind {
	case logic.KindConcept:
		e.record(e.concept).Add(Entry{DestinationNid: n.ConceptNid, TypeNid: e.tn.Of(terms.IsA), StampSequence: seq, Flags: e.flag})
		e.record(n.ConceptNid).Add(Entry{DestinationNid: e.concept, TypeNid: e.tn.Of(terms.ChildOf), StampSequence: seq, Flags: e.flag})
	case logic.KindRoleSome:
		if len(n.Children) != 1 {
			return
		}
		restriction := expr.Node(n.Children[0])
		if n.TypeNid == e.tn.Of(terms.RoleGroup) {
			if restriction.Kind == logic.KindAnd {
				for _, c := range restriction.Children {
					e.addRoot(expr, c, seq)
				}
				return
			}
			e.addRoot(expr, n.Children[0], seq)
			return
		}
		if restriction.Kind == logic.KindConcept {
			e.record(e.concept).Add(Entry{DestinationNid: restriction.ConceptNid, TypeNid: n.TypeNid, StampSequence: seq, Flags: e.flag})
		}
	case logic.KindAnd:
		for _, c := range n.Children {
			e.addRoot(expr, c, seq)
		}
	}
}

// processLogicGraph walks the version graph of one logic graph semantic.
func (u *Updater) processLogicGraph(ctx context.Context, tn terms.Nids, c *chronology.Chronology, flag Flags) error {
	graph, err := chronology.BuildGraph(c, u.stamps)
	if err != nil {
		return err
	}

	edges := &edgeSet{tn: tn, concept: c.ReferencedComponentNid, flag: flag, records: make(map[int32]*Record)}
	exprs := make(map[int32]*logic.Expression, len(graph.Nodes))
	decode := func(v chronology.Version) (*logic.Expression, error) {
		if e, ok := exprs[v.StampSequence]; ok {
			return e, nil
		}
		e, err := logic.Decode(v.Data)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", v.StampSequence, err)
		}
		exprs[v.StampSequence] = e
		return e, nil
	}

	err = graph.Walk(func(node, parent *chronology.GraphNode) error {
		expr, err := decode(node.Version)
		if err != nil {
			return err
		}
		seq := node.Version.StampSequence

		if parent == nil {
			for _, idx := range expr.RelationshipRoots() {
				edges.addRoot(expr, idx, seq)
			}
			return nil
		}

		prev, err := decode(parent.Version)
		if err != nil {
			return err
		}
		diff := logic.Diff(prev, expr)
		readded := make(map[uint64]struct{}, len(diff.Added))
		for _, r := range diff.Added {
			readded[r.Hash] = struct{}{}
			if counts(expr, r) {
				edges.addRoot(expr, r.Index, seq)
			}
		}
		if len(diff.Deleted) == 0 {
			return nil
		}
		retired, err := u.stamps.RetiredStampSequence(seq)
		if err != nil {
			return err
		}
		for _, r := range diff.Deleted {
			if _, ok := readded[r.Hash]; ok {
				continue
			}
			if counts(prev, r) {
				edges.addRoot(prev, r.Index, retired)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	asm := tn.Of(terms.ConceptAssemblage)
	nids := make([]int32, 0, len(edges.records))
	for nid := range edges.records {
		nids = append(nids, nid)
	}
	slices.Sort(nids)
	for _, nid := range nids {
		if _, err := u.store.AccumulateAndGet(ctx, asm, nid, edges.records[nid].Pack(), Merge); err != nil {
			return err
		}
	}
	return nil
}

// counts reports whether a root contributes to the taxonomy: roots under a
// necessary set do, and so does every root of an expression without one.
func counts(expr *logic.Expression, r logic.Root) bool {
	return r.Set == logic.KindNecessarySet || len(expr.Sets(logic.KindNecessarySet)) == 0
}
