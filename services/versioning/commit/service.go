// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package commit publishes transactions atomically.
//
// # Pipeline
//
// Commit runs, on its own goroutine:
//
//  1. Collect every working-set version stamped by the transaction.
//  2. Run the change checker chain. A blocking ERROR alert vetoes the
//     commit: nothing is written and the transaction stays open.
//  3. Promote the transaction's stamps to the commit time.
//  4. Write chronologies, stamps and the commit record in one Badger
//     transaction. On failure the promotion is undone and the transaction
//     stays open.
//  5. Notify commit listeners, then chronology change listeners. Listener
//     failures are logged and never unwind the commit.
//  6. Remove the transaction from the pending registry.
//
// # Thread Safety
//
// Service is safe for concurrent use. Commits of different transactions
// proceed in parallel; the only shared critical sections are the stamp
// registry's promotion and Badger's own commit.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/AleutianAI/stampvc/services/versioning/store"
	"github.com/AleutianAI/stampvc/services/versioning/task"
	"github.com/AleutianAI/stampvc/services/versioning/telemetry"
	"github.com/AleutianAI/stampvc/services/versioning/transaction"
	"github.com/google/uuid"
)

// ObjectStore is the persistence the pipeline needs. *store.Store
// satisfies it.
type ObjectStore interface {
	Chronology(ctx context.Context, nid int32) (*chronology.Chronology, error)
	PutChronology(ctx context.Context, c *chronology.Chronology) (*chronology.Chronology, bool, error)
	PutStamps(ctx context.Context, stamps map[int32]stamp.Stamp) error
	WriteCommit(ctx context.Context, b store.CommitBatch) error
	PutAlias(ctx context.Context, seq, alias int32) error
	Aliases(ctx context.Context, seq int32) ([]int32, error)
	PutComment(ctx context.Context, seq int32, comment string) error
	Comment(ctx context.Context, seq int32) (string, bool, error)
}

// Config configures a Service.
type Config struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock returns the default commit time. Defaults to time.Now.
	Clock func() time.Time

	MetricsEnabled bool
	TracingEnabled bool
}

// Service is the commit pipeline and transaction factory.
type Service struct {
	stamps  *stamp.Registry
	store   ObjectStore
	pending *transaction.Registry

	checkers        checkerChain
	commitListeners subscribers[CommitListener]
	changeListeners subscribers[ChronologyChangeListener]
	postProcessors  subscribers[ImportPostProcessor]

	deferredMu sync.Mutex
	deferred   map[int32]struct{}

	closed atomic.Bool
	clock  func() time.Time

	// lastTime is the most recent commit time handed out or observed.
	lastTime atomic.Int64

	logger *slog.Logger
	tracer *Tracer
}

// NewService creates a commit service.
//
// # Inputs
//
//   - stamps: The stamp registry shared by every transaction.
//   - objects: Durable storage.
//   - cfg: Options. The zero value is usable.
//
// # Outputs
//
//   - *Service: Ready-to-use service with no checkers or listeners.
func NewService(stamps *stamp.Registry, objects ObjectStore, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "commit.Service")
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	SetMetricsEnabled(cfg.MetricsEnabled)

	s := &Service{
		stamps:   stamps,
		store:    objects,
		pending:  transaction.NewRegistry(),
		deferred: make(map[int32]struct{}),
		clock:    clock,
		logger:   logger,
		tracer:   NewTracer(logger, cfg.TracingEnabled),
	}
	s.lastTime.Store(stamps.LatestTime())
	return s
}

// Stamps returns the stamp registry.
func (s *Service) Stamps() *stamp.Registry { return s.stamps }

// Pending returns the registry of open transactions.
func (s *Service) Pending() *transaction.Registry { return s.pending }

// NewTransaction opens a transaction and registers it as pending.
func (s *Service) NewTransaction(name string, mode transaction.CheckerMode, indexOnCommit bool) (*transaction.Transaction, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	tx := transaction.New(name, mode, indexOnCommit, s.stamps)
	s.pending.Add(tx)
	incActive(context.Background())
	s.logger.Debug("transaction opened", "tx_id", tx.ID().String(), "tx_name", name)
	return tx, nil
}

// AddChangeChecker registers a checker. Drop the returned subscription to
// remove it.
func (s *Service) AddChangeChecker(c ChangeChecker) *Subscription {
	return s.checkers.register(c)
}

// AddCommitListener registers a commit listener.
func (s *Service) AddCommitListener(l CommitListener) *Subscription {
	return s.commitListeners.add(l)
}

// AddChangeListener registers a chronology change listener.
func (s *Service) AddChangeListener(l ChronologyChangeListener) *Subscription {
	return s.changeListeners.add(l)
}

// AddImportPostProcessor registers work to run in PostProcessImportNoChecks.
func (s *Service) AddImportPostProcessor(p ImportPostProcessor) *Subscription {
	return s.postProcessors.add(p)
}

// AddUncommitted registers a mutated chronology with tx.
//
// # Description
//
// c replaces the transaction's working copy. Change listeners are told about
// the uncommitted change. Versions must be stamped with sequences minted by
// tx.StampSequence to be checked and promoted at commit.
func (s *Service) AddUncommitted(ctx context.Context, tx *transaction.Transaction, c *chronology.Chronology) error {
	if err := tx.Put(c); err != nil {
		return err
	}
	s.notifyChange(ctx, []*chronology.Chronology{c}, false)
	return nil
}

// Chronology returns nid as seen by tx: the stored chronology merged with
// tx's working copy. tx may be nil.
func (s *Service) Chronology(ctx context.Context, tx *transaction.Transaction, nid int32) (*chronology.Chronology, error) {
	stored, err := s.store.Chronology(ctx, nid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if tx == nil {
		return stored, err
	}
	working, ok := tx.Chronology(nid)
	if !ok {
		return stored, err
	}
	return chronology.Merge(stored, working)
}

// CommitOption customizes a commit.
type CommitOption func(*commitOptions)

type commitOptions struct {
	commitTime int64
	hasTime    bool
	alerts     *AlertCollection
	aliases    []AliasPair
}

// WithCommitTime sets the commit time in epoch milliseconds instead of now.
// Used to give several transactions one logical commit instant.
func WithCommitTime(ms int64) CommitOption {
	return func(o *commitOptions) {
		o.commitTime = ms
		o.hasTime = true
	}
}

// WithAlerts collects every checker alert, advisory ones included, into c.
func WithAlerts(c *AlertCollection) CommitOption {
	return func(o *commitOptions) { o.alerts = c }
}

// WithAlias records alias pairs as part of the commit.
func WithAlias(pairs ...AliasPair) CommitOption {
	return func(o *commitOptions) { o.aliases = append(o.aliases, pairs...) }
}

// Commit publishes tx asynchronously.
//
// # Outputs
//
//   - *task.Task[*CommitRecord]: Completes with the record on success, a
//     *VetoError if a checker blocked the commit, an ErrPersistence error if
//     the write failed, or transaction.ErrWrongState if tx is not open. In
//     the veto and persistence cases tx is open again and may be retried.
func (s *Service) Commit(ctx context.Context, tx *transaction.Transaction, comment string, opts ...CommitOption) *task.Task[*CommitRecord] {
	var o commitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return task.Run("commit "+tx.ID().String(), func() (*CommitRecord, error) {
		return s.commit(ctx, tx, comment, o)
	})
}

func (s *Service) commit(ctx context.Context, tx *transaction.Transaction, comment string, o commitOptions) (rec *CommitRecord, err error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	ctx, span := s.tracer.StartCommit(ctx, tx, comment)
	components := 0
	defer func() {
		s.tracer.EndCommit(span, rec, err)
		outcome := "success"
		var veto *VetoError
		switch {
		case errors.As(err, &veto):
			outcome = "vetoed"
		case err != nil:
			outcome = "error"
		}
		recordCommit(ctx, time.Since(start), components, outcome)
	}()

	if err := tx.BeginCommit(); err != nil {
		return nil, err
	}
	s.tracer.RecordStateTransition(ctx, tx, transaction.StateOpen, transaction.StateCommitting)
	logger := telemetry.LoggerWithTrace(ctx, s.logger).With("tx_id", tx.ID().String())

	txStamps := tx.StampsForTransaction()
	working := tx.Chronologies()
	components = len(working)

	// Steps 1-2.
	if tx.CheckerMode() == transaction.CheckerModeActive {
		alerts, err := s.check(ctx, tx, txStamps, working)
		if err != nil {
			s.reopen(ctx, tx)
			return nil, err
		}
		if o.alerts != nil {
			for _, a := range alerts {
				o.alerts.Add(a)
			}
		}
		if slices.ContainsFunc(alerts, Alert.PreventsCheckerPass) {
			s.reopen(ctx, tx)
			logger.Info("commit vetoed", "alerts", len(alerts))
			return nil, &VetoError{Alerts: alerts}
		}
	}

	// Step 3.
	commitTime := o.commitTime
	if !o.hasTime {
		commitTime = s.nextCommitTime()
	}
	promoted, err := s.stamps.PromoteTransaction(tx.ID(), commitTime)
	if err != nil {
		s.reopen(ctx, tx)
		return nil, err
	}
	if o.hasTime {
		s.observeTime(commitTime)
	}

	record := CommitRecord{
		CommitTime:      commitTime,
		AliasPairs:      slices.Clone(o.aliases),
		Comment:         comment,
		TransactionName: tx.Name(),
		TransactionID:   tx.ID(),
	}
	for _, seq := range promoted {
		record.StampSequences = append(record.StampSequences, seq)
	}
	slices.Sort(record.StampSequences)
	for _, c := range working {
		if c.IsConcept() {
			record.ConceptNids = append(record.ConceptNids, c.Nid)
		} else {
			record.SemanticNids = append(record.SemanticNids, c.Nid)
		}
	}

	// Step 4.
	if err := s.persist(ctx, record, working); err != nil {
		s.stamps.RestorePending(promoted)
		s.reopen(ctx, tx)
		logger.Error("commit persistence failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := tx.MarkCommitted(); err != nil {
		logger.Error("transaction changed state during commit", "error", err)
	}
	s.tracer.RecordStateTransition(ctx, tx, transaction.StateCommitting, transaction.StateCommitted)

	// Step 5.
	s.notifyCommit(ctx, record)
	s.notifyChange(ctx, working, true)

	// Step 6.
	if s.pending.Remove(tx.ID()) {
		decActive(ctx)
	}
	logger.Info("transaction committed",
		"commit_time", commitTime,
		"stamps", len(record.StampSequences),
		"concepts", len(record.ConceptNids),
		"semantics", len(record.SemanticNids))
	return &record, nil
}

// nextCommitTime returns the clock reading, bumped past the previous commit
// time so no two commits share an instant.
func (s *Service) nextCommitTime() int64 {
	for {
		last := s.lastTime.Load()
		next := max(s.clock().UnixMilli(), last+1)
		if s.lastTime.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (s *Service) observeTime(t int64) {
	for {
		last := s.lastTime.Load()
		if t <= last || s.lastTime.CompareAndSwap(last, t) {
			return
		}
	}
}

func (s *Service) reopen(ctx context.Context, tx *transaction.Transaction) {
	if err := tx.Reopen(); err != nil {
		s.logger.Error("reopening transaction", "tx_id", tx.ID().String(), "error", err)
		return
	}
	s.tracer.RecordStateTransition(ctx, tx, transaction.StateCommitting, transaction.StateOpen)
}

// check runs the checker chain over every version stamped by tx.
func (s *Service) check(ctx context.Context, tx *transaction.Transaction, txStamps []int32, working []*chronology.Chronology) (alerts []Alert, err error) {
	ctx, span := s.tracer.StartStep(ctx, "check")
	defer func() { s.tracer.EndStep(span, err) }()

	var versions []CheckedVersion
	for _, c := range working {
		for _, v := range c.Versions {
			if _, ok := slices.BinarySearch(txStamps, v.StampSequence); !ok {
				continue
			}
			st, err := s.stamps.Stamp(v.StampSequence)
			if err != nil {
				return nil, err
			}
			versions = append(versions, CheckedVersion{Chronology: c, Version: v, Stamp: st})
		}
	}
	alerts = s.checkers.run(ctx, versions, tx)
	recordAlerts(ctx, alerts)
	return alerts, nil
}

// persist writes the commit in one store transaction.
func (s *Service) persist(ctx context.Context, record CommitRecord, working []*chronology.Chronology) (err error) {
	ctx, span := s.tracer.StartStep(ctx, "persist")
	defer func() { s.tracer.EndStep(span, err) }()

	encoded, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	// Promoted stamps are written only here. Older stamps the working set
	// references go along if they are still queued.
	var seqs []int32
	for _, c := range working {
		seqs = append(seqs, c.StampSequences()...)
	}
	queued := s.stamps.Unpersisted(seqs)
	stamps := s.stamps.Committed(record.StampSequences)
	maps.Copy(stamps, queued)
	batch := store.CommitBatch{
		Chronologies:  working,
		Stamps:        stamps,
		Record:        encoded,
		CommitTime:    record.CommitTime,
		TransactionID: record.TransactionID,
	}
	for _, p := range record.AliasPairs {
		batch.Aliases = append(batch.Aliases, store.AliasRow{StampSequence: p.StampSequence, AliasSequence: p.Alias})
	}
	if err := s.store.WriteCommit(ctx, batch); err != nil {
		return err
	}
	s.stamps.MarkPersisted(queued)
	return nil
}

func (s *Service) notifyCommit(ctx context.Context, record CommitRecord) {
	ctx, span := s.tracer.StartStep(ctx, "notify")
	defer s.tracer.EndStep(span, nil)

	for _, l := range s.commitListeners.snapshot() {
		name := l.value.ListenerName()
		err := safeCall(func() error { return l.value.HandleCommit(ctx, record.Clone()) })
		if err != nil {
			recordListenerError(ctx, "commit", name)
			s.logger.Error("commit listener failed", "listener", name, "error", err)
		}
	}
}

func (s *Service) notifyChange(ctx context.Context, changed []*chronology.Chronology, committed bool) {
	for _, l := range s.changeListeners.snapshot() {
		name := l.value.ListenerName()
		for _, c := range changed {
			err := safeCall(func() error {
				l.value.HandleChange(ctx, c.Clone(), committed)
				return nil
			})
			if err != nil {
				recordListenerError(ctx, "change", name)
				s.logger.Error("chronology change listener failed", "listener", name, "nid", c.Nid, "error", err)
			}
		}
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Cancel abandons tx: its pending stamps are canceled and it leaves the
// pending registry.
func (s *Service) Cancel(ctx context.Context, tx *transaction.Transaction) error {
	if err := tx.MarkCanceled(); err != nil {
		return err
	}
	n := s.stamps.CancelTransaction(tx.ID())
	if s.pending.Remove(tx.ID()) {
		decActive(ctx)
	}
	s.logger.Info("transaction canceled", "tx_id", tx.ID().String(), "stamps", n)
	return nil
}

// FlushStamps persists committed stamps interned outside a commit, such as
// retired stamps minted by listeners.
func (s *Service) FlushStamps(ctx context.Context) error {
	dirty := s.stamps.DrainDirty()
	if len(dirty) == 0 {
		return nil
	}
	if err := s.store.PutStamps(ctx, dirty); err != nil {
		s.stamps.MarkDirty(dirty)
		return fmt.Errorf("flush stamps: %w", err)
	}
	return nil
}

// ImportNoChecks merges trusted content straight into the store.
//
// # Description
//
// Checkers and commit listeners are skipped. The nid is queued for
// PostProcessImportNoChecks, which must run before the store is
// consistent. Versions must carry committed stamp sequences.
func (s *Service) ImportNoChecks(ctx context.Context, c *chronology.Chronology) error {
	_, err := s.importChronology(ctx, c)
	return err
}

// ImportIfContentChanged imports c only when it adds content to what is
// stored. It reports whether anything changed.
func (s *Service) ImportIfContentChanged(ctx context.Context, c *chronology.Chronology) (bool, error) {
	return s.importChronology(ctx, c)
}

func (s *Service) importChronology(ctx context.Context, c *chronology.Chronology) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	for _, seq := range c.StampSequences() {
		st, err := s.stamps.Stamp(seq)
		if err != nil {
			return false, fmt.Errorf("import %d: %w", c.Nid, err)
		}
		if st.IsUncommitted() {
			return false, fmt.Errorf("import %d: stamp %d is uncommitted", c.Nid, seq)
		}
	}
	if stamps := s.stamps.Unpersisted(c.StampSequences()); len(stamps) > 0 {
		if err := s.store.PutStamps(ctx, stamps); err != nil {
			return false, fmt.Errorf("import %d: %w", c.Nid, err)
		}
		s.stamps.MarkPersisted(stamps)
	}
	merged, changed, err := s.store.PutChronology(ctx, c)
	if err != nil {
		return false, fmt.Errorf("import %d: %w", c.Nid, err)
	}
	recordImport(ctx, changed)
	if !changed {
		return false, nil
	}

	s.deferredMu.Lock()
	s.deferred[c.Nid] = struct{}{}
	s.deferredMu.Unlock()
	s.notifyChange(ctx, []*chronology.Chronology{merged}, true)
	return true, nil
}

// PostProcessImportNoChecks runs registered import post-processors over
// every nid imported since the last call.
//
// # Outputs
//
//   - int: Number of nids processed.
//   - error: Joined post-processor errors. Failed nids are queued again.
func (s *Service) PostProcessImportNoChecks(ctx context.Context) (int, error) {
	s.deferredMu.Lock()
	nids := make([]int32, 0, len(s.deferred))
	for nid := range s.deferred {
		nids = append(nids, nid)
	}
	s.deferred = make(map[int32]struct{})
	s.deferredMu.Unlock()
	slices.Sort(nids)
	if len(nids) == 0 {
		return 0, nil
	}

	var errs []error
	for _, p := range s.postProcessors.snapshot() {
		name := p.value.ListenerName()
		if err := safeCall(func() error { return p.value.PostProcessImport(ctx, nids) }); err != nil {
			recordListenerError(ctx, "import", name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.deferredMu.Lock()
		for _, nid := range nids {
			s.deferred[nid] = struct{}{}
		}
		s.deferredMu.Unlock()
		return 0, err
	}
	s.logger.Info("import post-processing complete", "nids", len(nids))
	return len(nids), nil
}

// DeferredImports returns the number of imported nids awaiting
// PostProcessImportNoChecks.
func (s *Service) DeferredImports() int {
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()
	return len(s.deferred)
}

// AddAlias records alias as an alias of seq, with an optional comment on
// the alias.
func (s *Service) AddAlias(ctx context.Context, seq, alias int32, comment string) error {
	if _, err := s.stamps.Stamp(seq); err != nil {
		return err
	}
	if _, err := s.stamps.Stamp(alias); err != nil {
		return err
	}
	if err := s.store.PutAlias(ctx, seq, alias); err != nil {
		return fmt.Errorf("add alias %d for %d: %w", alias, seq, err)
	}
	if comment != "" {
		return s.SetComment(ctx, alias, comment)
	}
	return nil
}

// Aliases returns the aliases of seq.
func (s *Service) Aliases(ctx context.Context, seq int32) ([]int32, error) {
	return s.store.Aliases(ctx, seq)
}

// SetComment sets the comment attached to seq.
func (s *Service) SetComment(ctx context.Context, seq int32, comment string) error {
	if err := s.store.PutComment(ctx, seq, comment); err != nil {
		return fmt.Errorf("comment on %d: %w", seq, err)
	}
	return nil
}

// Comment returns the comment attached to seq.
func (s *Service) Comment(ctx context.Context, seq int32) (string, bool, error) {
	return s.store.Comment(ctx, seq)
}

// Close drops every checker and listener registration. Pending transactions
// are left as they are; their stamps stay uncommitted.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	dropped := s.checkers.clear() + s.commitListeners.clear() + s.changeListeners.clear() + s.postProcessors.clear()
	s.logger.Info("commit service closed",
		"registrations_dropped", dropped,
		"pending_transactions", s.pending.Len())
	return nil
}

// PendingTransaction returns the open transaction with id.
func (s *Service) PendingTransaction(id uuid.UUID) (*transaction.Transaction, bool) {
	return s.pending.Get(id)
}
