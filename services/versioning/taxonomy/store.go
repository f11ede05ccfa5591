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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/stampvc/services/versioning/store"
	"golang.org/x/sync/singleflight"
)

// ErrAccumulateShrank is returned when a merge produced fewer bytes than one
// of its non-empty inputs. The merged value is discarded.
var ErrAccumulateShrank = errors.New("taxonomy accumulate shrank")

// MergeFunc combines the current packed record with an incoming one.
// existing is nil when the concept has no record yet.
type MergeFunc func(existing, incoming []byte) ([]byte, error)

// Backend persists packed records. *store.Store satisfies it.
type Backend interface {
	Taxonomy(ctx context.Context, assemblageNid, conceptNid int32) ([]byte, bool, error)
	PutTaxonomy(ctx context.Context, rows []store.TaxonomyRow) error
}

type recordKey struct {
	assemblageNid int32
	conceptNid    int32
}

func (k recordKey) String() string {
	return strconv.Itoa(int(k.assemblageNid)) + "/" + strconv.Itoa(int(k.conceptNid))
}

// Store caches packed taxonomy records and applies accumulations to them.
//
// # Description
//
// Each record lives behind its own atomic pointer. AccumulateAndGet reads
// the pointer, merges, and compare-and-swaps the result in, retrying when
// another writer got there first. Writers on different concepts never
// contend; writers on the same concept serialize only through the CAS.
//
// Records are loaded from the backend on first use and written back by
// Flush.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	backend Backend
	cells   sync.Map // recordKey -> *atomic.Pointer[[]byte]
	loads   singleflight.Group

	dirtyMu sync.Mutex
	dirty   map[recordKey]struct{}

	// flushMu orders flushes so an older value never overwrites a newer one.
	flushMu sync.Mutex

	logger *slog.Logger
}

// NewStore creates a taxonomy store over backend.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		dirty:   make(map[recordKey]struct{}),
		logger:  logger.With("component", "taxonomy.Store"),
	}
}

// cell returns the pointer holding k's record, loading it from the backend
// on first use. Concurrent first uses share one load.
func (s *Store) cell(ctx context.Context, k recordKey) (*atomic.Pointer[[]byte], error) {
	if v, ok := s.cells.Load(k); ok {
		return v.(*atomic.Pointer[[]byte]), nil
	}
	v, err, _ := s.loads.Do(k.String(), func() (any, error) {
		if v, ok := s.cells.Load(k); ok {
			return v, nil
		}
		data, found, err := s.backend.Taxonomy(ctx, k.assemblageNid, k.conceptNid)
		if err != nil {
			return nil, fmt.Errorf("loading taxonomy %s: %w", k, err)
		}
		p := new(atomic.Pointer[[]byte])
		if found {
			p.Store(&data)
		}
		actual, loaded := s.cells.LoadOrStore(k, p)
		if !loaded {
			cachedRecords.Inc()
		}
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*atomic.Pointer[[]byte]), nil
}

// AccumulateAndGet merges incoming into the record of one concept.
//
// # Description
//
// Runs a compare-and-swap loop: load the current bytes, merge, and swap the
// result in if nothing changed underneath. A merge that returns the current
// bytes unchanged does not mark the record dirty.
//
// # Inputs
//
//   - ctx: Used only for the first load of the record.
//   - assemblageNid: The taxonomy assemblage.
//   - conceptNid: The concept whose record is updated.
//   - incoming: Packed bytes to merge in.
//   - merge: Combines current and incoming bytes. Must be pure; it may run
//     more than once.
//
// # Outputs
//
//   - []byte: The record after the merge. Callers must not modify it.
//   - error: The merge error, a load error, or ErrAccumulateShrank when the
//     merged bytes are shorter than a non-empty input.
func (s *Store) AccumulateAndGet(ctx context.Context, assemblageNid, conceptNid int32, incoming []byte, merge MergeFunc) ([]byte, error) {
	k := recordKey{assemblageNid: assemblageNid, conceptNid: conceptNid}
	p, err := s.cell(ctx, k)
	if err != nil {
		return nil, err
	}

	for {
		cur := p.Load()
		var existing []byte
		if cur != nil {
			existing = *cur
		}

		merged, err := merge(existing, incoming)
		if err != nil {
			return nil, fmt.Errorf("merging taxonomy %s: %w", k, err)
		}
		if len(existing) > 0 && len(incoming) > 0 && len(merged) < max(len(existing), len(incoming)) {
			shrinkTotal.Inc()
			s.logger.Error("taxonomy accumulate shrank",
				"assemblage_nid", assemblageNid,
				"concept_nid", conceptNid,
				"existing_len", len(existing),
				"incoming_len", len(incoming),
				"merged_len", len(merged))
			return nil, fmt.Errorf("%w: %s merged %d and %d bytes into %d",
				ErrAccumulateShrank, k, len(existing), len(incoming), len(merged))
		}
		if cur != nil && bytes.Equal(merged, existing) {
			accumulations.WithLabelValues("unchanged").Inc()
			return existing, nil
		}

		if p.CompareAndSwap(cur, &merged) {
			s.markDirty(k)
			accumulations.WithLabelValues("merged").Inc()
			return merged, nil
		}
		casRetries.Inc()
	}
}

func (s *Store) markDirty(k recordKey) {
	s.dirtyMu.Lock()
	s.dirty[k] = struct{}{}
	s.dirtyMu.Unlock()
}

// Get returns the packed record of one concept.
func (s *Store) Get(ctx context.Context, assemblageNid, conceptNid int32) ([]byte, bool, error) {
	p, err := s.cell(ctx, recordKey{assemblageNid: assemblageNid, conceptNid: conceptNid})
	if err != nil {
		return nil, false, err
	}
	cur := p.Load()
	if cur == nil {
		return nil, false, nil
	}
	return *cur, true, nil
}

// Record returns the decoded record of one concept. A concept without a
// record yields an empty one.
func (s *Store) Record(ctx context.Context, assemblageNid, conceptNid int32) (*Record, error) {
	b, _, err := s.Get(ctx, assemblageNid, conceptNid)
	if err != nil {
		return nil, err
	}
	return Unpack(b)
}

// Flush writes every record changed since the last flush to the backend in
// one transaction. On failure the records stay dirty.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.dirtyMu.Lock()
	pending := s.dirty
	s.dirty = make(map[recordKey]struct{})
	s.dirtyMu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	rows := make([]store.TaxonomyRow, 0, len(pending))
	for k := range pending {
		v, ok := s.cells.Load(k)
		if !ok {
			continue
		}
		cur := v.(*atomic.Pointer[[]byte]).Load()
		if cur == nil {
			continue
		}
		rows = append(rows, store.TaxonomyRow{AssemblageNid: k.assemblageNid, ConceptNid: k.conceptNid, Data: *cur})
	}

	if err := s.backend.PutTaxonomy(ctx, rows); err != nil {
		s.dirtyMu.Lock()
		for k := range pending {
			s.dirty[k] = struct{}{}
		}
		s.dirtyMu.Unlock()
		return fmt.Errorf("flushing %d taxonomy records: %w", len(rows), err)
	}
	flushedRecords.Add(float64(len(rows)))
	s.logger.Debug("taxonomy flushed", "records", len(rows))
	return nil
}

// Dirty returns the number of records awaiting Flush.
func (s *Store) Dirty() int {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	return len(s.dirty)
}

// Reset drops every cached record and pending flush. Call Flush first to
// keep unflushed changes.
func (s *Store) Reset() {
	s.dirtyMu.Lock()
	s.dirty = make(map[recordKey]struct{})
	s.dirtyMu.Unlock()
	s.cells.Range(func(k, _ any) bool {
		s.cells.Delete(k)
		return true
	})
	cachedRecords.Set(0)
}
