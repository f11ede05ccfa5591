// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction groups uncommitted changes for atomic publication.
//
// A Transaction owns the stamp sequences it minted, the nids of the
// components written under it, and its working copies of those components'
// chronologies. Nothing in a transaction is visible to other transactions
// until the commit pipeline promotes its stamps.
//
// # Lifecycle
//
//	Open ──BeginCommit──▶ Committing ──MarkCommitted──▶ Committed
//	  │                      │
//	  │                      └──Reopen (veto / persistence failure)──▶ Open
//	  └──MarkCanceled──▶ Canceled
//
// Transitions use compare-and-swap, so a transaction cannot be committed
// twice or canceled mid-commit.
package transaction

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/google/uuid"
)

// State is a transaction lifecycle state.
type State int32

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateCanceled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CheckerMode selects whether change checkers run at commit.
type CheckerMode uint8

const (
	// CheckerModeActive runs the change checker chain at commit.
	CheckerModeActive CheckerMode = iota

	// CheckerModeInactive skips checkers. Used for bulk loads.
	CheckerModeInactive
)

// String returns the mode name.
func (m CheckerMode) String() string {
	if m == CheckerModeInactive {
		return "inactive"
	}
	return "active"
}

// ErrWrongState is returned when an operation is not allowed in the
// transaction's current state.
var ErrWrongState = errors.New("transaction in wrong state")

// StampMinter issues uncommitted stamp sequences. *stamp.Registry
// satisfies it.
type StampMinter interface {
	GetStampSequenceForTransaction(txID uuid.UUID, status stamp.Status, authorNid, moduleNid, pathNid int32) (int32, error)
}

// Transaction is one unit of uncommitted work.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Transaction struct {
	id            uuid.UUID
	name          string
	mode          CheckerMode
	indexOnCommit bool
	createdAt     time.Time
	minter        StampMinter

	state atomic.Int32

	mu         sync.Mutex
	stamps     map[int32]struct{}
	components map[int32]struct{}
	working    map[int32]*chronology.Chronology
}

// New creates an open transaction with a random id.
//
// # Inputs
//
//   - name: Optional label for logs and the commit record.
//   - mode: Whether checkers run at commit.
//   - indexOnCommit: Whether commit listeners should index the changes.
//   - minter: Issues the transaction's uncommitted stamps.
func New(name string, mode CheckerMode, indexOnCommit bool, minter StampMinter) *Transaction {
	return &Transaction{
		id:            uuid.New(),
		name:          name,
		mode:          mode,
		indexOnCommit: indexOnCommit,
		createdAt:     time.Now(),
		minter:        minter,
		stamps:        make(map[int32]struct{}),
		components:    make(map[int32]struct{}),
		working:       make(map[int32]*chronology.Chronology),
	}
}

func (t *Transaction) ID() uuid.UUID            { return t.id }
func (t *Transaction) Name() string             { return t.name }
func (t *Transaction) CheckerMode() CheckerMode { return t.mode }
func (t *Transaction) IndexOnCommit() bool      { return t.indexOnCommit }
func (t *Transaction) CreatedAt() time.Time     { return t.createdAt }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return State(t.state.Load()) }

// String renders the transaction for logs.
func (t *Transaction) String() string {
	if t.name == "" {
		return fmt.Sprintf("tx %s (%s)", t.id, t.State())
	}
	return fmt.Sprintf("tx %q %s (%s)", t.name, t.id, t.State())
}

func (t *Transaction) requireOpen(op string) error {
	if s := t.State(); s != StateOpen {
		return fmt.Errorf("%s on %s: %w", op, t, ErrWrongState)
	}
	return nil
}

// StampSequence returns the uncommitted stamp sequence for the tuple in this
// transaction, minting it on first use.
func (t *Transaction) StampSequence(status stamp.Status, authorNid, moduleNid, pathNid int32) (int32, error) {
	if err := t.requireOpen("stamp sequence"); err != nil {
		return 0, err
	}
	seq, err := t.minter.GetStampSequenceForTransaction(t.id, status, authorNid, moduleNid, pathNid)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.stamps[seq] = struct{}{}
	t.mu.Unlock()
	return seq, nil
}

// StampsForTransaction returns the sequences minted by this transaction,
// ascending.
func (t *Transaction) StampsForTransaction() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.stamps)
}

// ComponentNids returns the nids written under this transaction, ascending.
func (t *Transaction) ComponentNids() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.components)
}

// Put stores a working copy of c, replacing any earlier copy.
func (t *Transaction) Put(c *chronology.Chronology) error {
	if err := t.requireOpen("put"); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.working[c.Nid] = c.Clone()
	t.components[c.Nid] = struct{}{}
	return nil
}

// Chronology returns a copy of the working chronology for nid.
func (t *Transaction) Chronology(nid int32) (*chronology.Chronology, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.working[nid]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Chronologies returns copies of every working chronology in nid order.
func (t *Transaction) Chronologies() []*chronology.Chronology {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*chronology.Chronology, 0, len(t.working))
	for _, nid := range sortedKeys(t.components) {
		if c, ok := t.working[nid]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (t *Transaction) transition(from, to State) error {
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%s -> %s on %s: %w", from, to, t, ErrWrongState)
	}
	return nil
}

// BeginCommit moves an open transaction to committing.
func (t *Transaction) BeginCommit() error { return t.transition(StateOpen, StateCommitting) }

// Reopen returns a committing transaction to open after a failed commit.
func (t *Transaction) Reopen() error { return t.transition(StateCommitting, StateOpen) }

// MarkCommitted finishes a commit.
func (t *Transaction) MarkCommitted() error { return t.transition(StateCommitting, StateCommitted) }

// MarkCanceled cancels an open transaction.
func (t *Transaction) MarkCanceled() error { return t.transition(StateOpen, StateCanceled) }

func sortedKeys(m map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Registry tracks pending transactions process-wide.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	txs map[uuid.UUID]*Transaction
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{txs: make(map[uuid.UUID]*Transaction)}
}

// Add registers tx. Adding the same transaction twice is a no-op.
func (r *Registry) Add(tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[tx.ID()] = tx
}

// Remove unregisters the transaction with id. It reports whether one was
// registered.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.txs[id]
	delete(r.txs, id)
	return ok
}

// Get returns the pending transaction with id.
func (r *Registry) Get(id uuid.UUID) (*Transaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txs[id]
	return tx, ok
}

// Pending returns every registered transaction, oldest first.
func (r *Registry) Pending() []*Transaction {
	r.mu.RLock()
	out := make([]*Transaction, 0, len(r.txs))
	for _, tx := range r.txs {
		out = append(out, tx)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Transaction) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		return slices.Compare(a.id[:], b.id[:])
	})
	return out
}

// Len returns the number of pending transactions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txs)
}
