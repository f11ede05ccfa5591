// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stamp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownStampSequence is returned (or panicked with, from the *For
// accessors) when a sequence was never issued by the registry.
var ErrUnknownStampSequence = errors.New("unknown stamp sequence")

// Registry interns STAMP tuples into stamp sequences.
//
// # Description
//
// Committed stamps are content-addressed: identical tuples always map to the
// same sequence. Uncommitted stamps are additionally keyed by the minting
// transaction (see UncommittedStamp) and live in the pending map until the
// commit pipeline promotes them.
//
// Promotion keeps the sequence number: the registry rewrites the slot for
// that sequence from the uncommitted stamp to the committed one, so versions
// written during the transaction need no rewriting at commit.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Lookups take a read lock;
// allocation double-checks under the write lock so two goroutines interning
// the same tuple always receive the same sequence.
type Registry struct {
	mu sync.RWMutex

	// bySeq[seq] is the current stamp for seq. Index 0 is never issued.
	bySeq []Stamp

	// byStamp maps committed and canceled tuples to their sequence.
	byStamp map[Stamp]int32

	pending    map[UncommittedStamp]int32
	pendingSeq map[int32]UncommittedStamp

	// dirty holds committed sequences not yet handed to persistence.
	dirty map[int32]struct{}

	logger *slog.Logger
}

// NewRegistry creates an empty registry. Sequences start at 1.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bySeq:      make([]Stamp, 1, 1024),
		byStamp:    make(map[Stamp]int32),
		pending:    make(map[UncommittedStamp]int32),
		pendingSeq: make(map[int32]UncommittedStamp),
		dirty:      make(map[int32]struct{}),
		logger:     logger.With("component", "stamp.Registry"),
	}
}

// Restore loads persisted committed stamps, typically once at store open.
//
// # Description
//
// Each entry is placed at its original sequence. The next allocated sequence
// follows the highest restored one. Restored stamps are not marked dirty.
//
// # Outputs
//
//   - error: Non-nil if a stamp is invalid, uncommitted, or the sequence is
//     not positive.
func (r *Registry) Restore(stamps map[int32]Stamp) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for seq, s := range stamps {
		if seq <= 0 {
			return fmt.Errorf("restore stamp: sequence %d is not positive", seq)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("restore stamp %d: %w", seq, err)
		}
		if s.IsUncommitted() {
			return fmt.Errorf("restore stamp %d: persisted stamp is uncommitted", seq)
		}
		r.growLocked(seq)
		r.bySeq[seq] = s
		if owner, exists := r.byStamp[s]; !exists || seq < owner {
			r.byStamp[s] = seq
		}
	}
	r.logger.Info("stamps restored", "count", len(stamps), "next_sequence", len(r.bySeq))
	return nil
}

func (r *Registry) growLocked(seq int32) {
	for int32(len(r.bySeq)) <= seq {
		r.bySeq = append(r.bySeq, Stamp{})
	}
}

func (r *Registry) allocateLocked(s Stamp) int32 {
	seq := int32(len(r.bySeq))
	r.bySeq = append(r.bySeq, s)
	return seq
}

// GetStampSequence returns the sequence for a committed or canceled tuple,
// allocating one on first use.
//
// # Description
//
// An uncommitted time (TimeUncommitted) is routed to the pending map under
// the nil transaction id; code running inside a transaction should call
// GetStampSequenceForTransaction instead.
//
// # Outputs
//
//   - int32: The stamp sequence, always >= 1.
//   - error: ErrInvalidNid if a nid is not negative.
func (r *Registry) GetStampSequence(status Status, t int64, authorNid, moduleNid, pathNid int32) (int32, error) {
	if t == TimeUncommitted {
		return r.GetStampSequenceForTransaction(uuid.Nil, status, authorNid, moduleNid, pathNid)
	}
	s, err := New(status, t, authorNid, moduleNid, pathNid)
	if err != nil {
		return 0, err
	}
	return r.intern(s), nil
}

// SequenceFor interns an already-built committed stamp.
func (r *Registry) SequenceFor(s Stamp) (int32, error) {
	return r.GetStampSequence(s.Status, s.Time, s.AuthorNid, s.ModuleNid, s.PathNid)
}

func (r *Registry) intern(s Stamp) int32 {
	r.mu.RLock()
	seq, ok := r.byStamp[s]
	r.mu.RUnlock()
	if ok {
		return seq
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if seq, ok := r.byStamp[s]; ok {
		return seq
	}
	seq = r.allocateLocked(s)
	r.byStamp[s] = seq
	if !s.IsCanceled() {
		r.dirty[seq] = struct{}{}
	}
	stampAllocations.WithLabelValues("committed").Inc()
	return seq
}

// GetStampSequenceForTransaction returns the pending sequence for a tuple
// minted inside the given transaction, allocating one on first use.
func (r *Registry) GetStampSequenceForTransaction(txID uuid.UUID, status Status, authorNid, moduleNid, pathNid int32) (int32, error) {
	us, err := NewUncommitted(txID, status, authorNid, moduleNid, pathNid)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	seq, ok := r.pending[us]
	r.mu.RUnlock()
	if ok {
		return seq, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if seq, ok := r.pending[us]; ok {
		return seq, nil
	}
	seq = r.allocateLocked(us.Stamp)
	r.pending[us] = seq
	r.pendingSeq[seq] = us
	stampAllocations.WithLabelValues("uncommitted").Inc()
	pendingStamps.Set(float64(len(r.pending)))
	return seq, nil
}

// Stamp returns the current tuple for seq.
func (r *Registry) Stamp(seq int32) (Stamp, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stampLocked(seq)
}

func (r *Registry) stampLocked(seq int32) (Stamp, error) {
	if seq <= 0 || int(seq) >= len(r.bySeq) || !r.bySeq[seq].issued() {
		return Stamp{}, fmt.Errorf("%w: %d", ErrUnknownStampSequence, seq)
	}
	return r.bySeq[seq], nil
}

// MustStamp is like Stamp but panics on an unknown sequence.
func (r *Registry) MustStamp(seq int32) Stamp {
	s, err := r.Stamp(seq)
	if err != nil {
		r.logger.Error("stamp lookup on unissued sequence", "sequence", seq)
		panic(err)
	}
	return s
}

// StatusFor returns the status of seq. Panics if seq was never issued.
func (r *Registry) StatusFor(seq int32) Status { return r.MustStamp(seq).Status }

// TimeFor returns the time of seq. Panics if seq was never issued.
func (r *Registry) TimeFor(seq int32) int64 { return r.MustStamp(seq).Time }

// AuthorFor returns the author nid of seq. Panics if seq was never issued.
func (r *Registry) AuthorFor(seq int32) int32 { return r.MustStamp(seq).AuthorNid }

// ModuleFor returns the module nid of seq. Panics if seq was never issued.
func (r *Registry) ModuleFor(seq int32) int32 { return r.MustStamp(seq).ModuleNid }

// PathFor returns the path nid of seq. Panics if seq was never issued.
func (r *Registry) PathFor(seq int32) int32 { return r.MustStamp(seq).PathNid }

// IsUncommitted reports whether seq is still pending.
func (r *Registry) IsUncommitted(seq int32) bool { return r.MustStamp(seq).IsUncommitted() }

// IsCanceled reports whether seq was canceled.
func (r *Registry) IsCanceled(seq int32) bool { return r.MustStamp(seq).IsCanceled() }

// Describe renders seq for logs; unknown sequences render as such.
func (r *Registry) Describe(seq int32) string {
	s, err := r.Stamp(seq)
	if err != nil {
		return fmt.Sprintf("<%d: unknown>", seq)
	}
	return fmt.Sprintf("<%d: %s>", seq, s)
}

// ActivatedStampSequence returns a sequence identical to seq except with
// status ACTIVE, interning it if needed.
func (r *Registry) ActivatedStampSequence(seq int32) (int32, error) {
	return r.withStatus(seq, StatusActive)
}

// RetiredStampSequence returns a sequence identical to seq except with
// status INACTIVE, interning it if needed.
func (r *Registry) RetiredStampSequence(seq int32) (int32, error) {
	return r.withStatus(seq, StatusInactive)
}

func (r *Registry) withStatus(seq int32, status Status) (int32, error) {
	r.mu.RLock()
	s, err := r.stampLocked(seq)
	us, isPending := r.pendingSeq[seq]
	r.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	if s.Status == status {
		return seq, nil
	}
	if isPending {
		return r.GetStampSequenceForTransaction(us.TransactionID, status, s.AuthorNid, s.ModuleNid, s.PathNid)
	}
	return r.intern(s.WithStatus(status)), nil
}

// StampSequencesEqualExceptAuthorAndTime reports whether two sequences carry
// the same status, module and path.
func (r *Registry) StampSequencesEqualExceptAuthorAndTime(a, b int32) bool {
	if a == b {
		return true
	}
	sa := r.MustStamp(a)
	sb := r.MustStamp(b)
	return sa.Status == sb.Status && sa.ModuleNid == sb.ModuleNid && sa.PathNid == sb.PathNid
}

// Len returns the number of sequence slots issued, including unused gaps.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySeq) - 1
}

// LatestTime returns the greatest commit time among committed stamps, or 0
// when there are none.
func (r *Registry) LatestTime() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest int64
	for _, s := range r.bySeq[1:] {
		if s.issued() && !s.IsUncommitted() && !s.IsCanceled() && s.Time > latest {
			latest = s.Time
		}
	}
	return latest
}

// DrainDirty returns committed stamps not yet persisted and clears the set.
//
// # Description
//
// Callers persist the result. If persistence fails they must hand the map
// back with MarkDirty so the stamps are retried.
func (r *Registry) DrainDirty() map[int32]Stamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dirty) == 0 {
		return nil
	}
	out := make(map[int32]Stamp, len(r.dirty))
	for seq := range r.dirty {
		s := r.bySeq[seq]
		if s.IsUncommitted() || s.IsCanceled() {
			continue
		}
		out[seq] = s
	}
	r.dirty = make(map[int32]struct{})
	return out
}

// Unpersisted returns the committed stamps among seqs that are still
// waiting to be written. The dirty set is left alone; call MarkPersisted
// once the write succeeds.
func (r *Registry) Unpersisted(seqs []int32) map[int32]Stamp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int32]Stamp)
	for _, seq := range seqs {
		if _, ok := r.dirty[seq]; !ok {
			continue
		}
		s, err := r.stampLocked(seq)
		if err != nil || s.IsUncommitted() || s.IsCanceled() {
			continue
		}
		out[seq] = s
	}
	return out
}

// MarkPersisted clears the dirty flag of stamps that were written.
func (r *Registry) MarkPersisted(stamps map[int32]Stamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for seq, s := range stamps {
		if r.bySeq[seq] == s {
			delete(r.dirty, seq)
		}
	}
}

// MarkDirty re-queues stamps whose persistence failed.
func (r *Registry) MarkDirty(stamps map[int32]Stamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for seq := range stamps {
		r.dirty[seq] = struct{}{}
	}
}

// Committed returns the stamp values for the given sequences, skipping any
// that are still pending or canceled.
func (r *Registry) Committed(seqs []int32) map[int32]Stamp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int32]Stamp, len(seqs))
	for _, seq := range seqs {
		s, err := r.stampLocked(seq)
		if err != nil || s.IsUncommitted() || s.IsCanceled() {
			continue
		}
		out[seq] = s
	}
	return out
}

// Sequences returns every issued sequence in ascending order.
func (r *Registry) Sequences() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int32, 0, len(r.bySeq))
	for i := 1; i < len(r.bySeq); i++ {
		if r.bySeq[i].issued() {
			out = append(out, int32(i))
		}
	}
	return out
}
