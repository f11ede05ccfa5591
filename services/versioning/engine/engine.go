// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine assembles a running stampvc instance.
//
// # Lifecycle
//
// Open performs, in order:
//
//  1. Open the Badger database (GC starts when configured).
//  2. Restore the stamp registry and identifier service from the store.
//  3. Resolve the well-known term nids, creating them on first open.
//  4. Build the commit service and register the built-in checkers.
//  5. Register the taxonomy updater and the NATS broadcaster as listeners.
//
// Close flushes stamps and taxonomy records, drops every listener and closes
// the database. Open transactions do not survive Close; their stamps were
// never persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/broadcast"
	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/commit"
	"github.com/AleutianAI/stampvc/services/versioning/config"
	"github.com/AleutianAI/stampvc/services/versioning/coordinate"
	"github.com/AleutianAI/stampvc/services/versioning/identity"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	vbadger "github.com/AleutianAI/stampvc/services/versioning/storage/badger"
	"github.com/AleutianAI/stampvc/services/versioning/store"
	"github.com/AleutianAI/stampvc/services/versioning/taxonomy"
	"github.com/AleutianAI/stampvc/services/versioning/terms"
	"github.com/AleutianAI/stampvc/services/versioning/transaction"
)

var (
	// ErrClosed is returned by operations on a closed Engine.
	ErrClosed = errors.New("engine closed")

	// ErrTaxonomyDisabled is returned by taxonomy queries when the
	// accumulator is turned off.
	ErrTaxonomyDisabled = errors.New("taxonomy disabled")
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	clock         func() time.Time
	broadcastConn broadcast.Conn
}

// WithLogger sets the logger for every component. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the default commit clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithBroadcastConn publishes over conn instead of dialing
// cfg.Broadcast.URL. The engine does not close conn.
func WithBroadcastConn(conn broadcast.Conn) Option {
	return func(o *options) { o.broadcastConn = conn }
}

// Engine owns the database and every service built on it.
//
// # Thread Safety
//
// Safe for concurrent use. Close must not race with Open of the same
// data directory.
type Engine struct {
	cfg    config.Config
	db     *vbadger.DB
	store  *store.Store
	stamps *stamp.Registry
	ids    *identity.Service
	terms  *terms.Context
	nids   terms.Nids
	paths  coordinate.StaticPaths

	commits     *commit.Service
	records     *taxonomy.Store
	updater     *taxonomy.Updater
	broadcaster *broadcast.Broadcaster

	logger    *slog.Logger
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open builds an Engine from cfg.
//
// # Inputs
//
//   - ctx: Bounds the restore work.
//   - cfg: Validated before use.
//   - opts: Logger, clock and broadcast overrides.
//
// # Outputs
//
//   - *Engine: Ready for transactions. Call Close when done.
//   - error: Invalid config, storage failure, or NATS connection failure.
//     Nothing is left open on error.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "engine.Engine")

	db, err := vbadger.OpenDB(vbadger.Config{
		Path:            cfg.ResolvedDataDir(),
		InMemory:        cfg.Storage.InMemory,
		SyncWrites:      cfg.Storage.SyncWrites,
		Logger:          o.logger,
		GCInterval:      cfg.Storage.GCInterval,
		GCDiscardRatio:  cfg.Storage.GCDiscardRatio,
		ConflictRetries: cfg.Storage.ConflictRetries,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		db:     db,
		store:  store.New(db, o.logger),
		stamps: stamp.NewRegistry(o.logger),
		logger: logger,
		closed: make(chan struct{}),
	}
	if err := e.restore(ctx, o.logger); err != nil {
		db.Close()
		return nil, err
	}

	e.commits = commit.NewService(e.stamps, e.store, commit.Config{
		Logger:         o.logger,
		Clock:          o.clock,
		MetricsEnabled: cfg.Commit.MetricsEnabled,
		TracingEnabled: cfg.Commit.TracingEnabled,
	})
	if cfg.Commit.BuiltinCheckers {
		e.commits.AddChangeChecker(commit.NidSignChecker{})
		e.commits.AddChangeChecker(commit.LogicGraphWellFormedChecker{})
	}

	if cfg.Taxonomy.Enabled {
		e.records = taxonomy.NewStore(e.store, o.logger)
		e.updater = taxonomy.NewUpdater(e.records, e.store, e.stamps, e.terms, e.commits, taxonomy.UpdaterConfig{
			Logger:      o.logger,
			Parallelism: cfg.Taxonomy.Parallelism,
		})
		e.commits.AddCommitListener(e.updater)
		e.commits.AddImportPostProcessor(e.updater)
	}

	if cfg.Broadcast.Enabled {
		if o.broadcastConn != nil {
			e.broadcaster = broadcast.New(o.broadcastConn, cfg.Broadcast.SubjectPrefix, o.logger)
		} else {
			e.broadcaster, err = broadcast.Connect(cfg.Broadcast.URL, cfg.Broadcast.SubjectPrefix, o.logger)
			if err != nil {
				e.commits.Close()
				db.Close()
				return nil, err
			}
		}
		e.commits.AddCommitListener(e.broadcaster)
	}

	logger.Info("engine opened",
		"data_dir", db.Path(),
		"in_memory", db.InMemory(),
		"stamps", e.stamps.Len(),
		"identities", e.ids.Len(),
		"taxonomy", cfg.Taxonomy.Enabled,
		"broadcast", cfg.Broadcast.Enabled,
	)
	return e, nil
}

func (e *Engine) restore(ctx context.Context, logger *slog.Logger) error {
	persisted, err := e.store.LoadStamps(ctx)
	if err != nil {
		return err
	}
	if err := e.stamps.Restore(persisted); err != nil {
		return err
	}

	e.ids = identity.NewService(e.store, logger)
	if err := e.ids.Load(ctx); err != nil {
		return err
	}

	e.terms = terms.NewContext(e.ids)
	e.nids, err = e.terms.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve terms: %w", err)
	}

	master, dev := e.nids.Of(terms.MasterPath), e.nids.Of(terms.DevelopmentPath)
	e.paths = coordinate.StaticPaths{}.
		Add(coordinate.StampPath{PathNid: master}).
		Add(coordinate.StampPath{
			PathNid: dev,
			Origins: []coordinate.StampPosition{{Time: math.MaxInt64 - 1, PathNid: master}},
		})
	return nil
}

// Commits returns the commit pipeline.
func (e *Engine) Commits() *commit.Service { return e.commits }

// Stamps returns the stamp registry.
func (e *Engine) Stamps() *stamp.Registry { return e.stamps }

// Identity returns the identifier service.
func (e *Engine) Identity() *identity.Service { return e.ids }

// Terms returns the resolved well-known nids.
func (e *Engine) Terms() terms.Nids { return e.nids }

// Store returns the object store.
func (e *Engine) Store() *store.Store { return e.store }

// Broadcaster returns the NATS broadcaster, or nil when disabled.
func (e *Engine) Broadcaster() *broadcast.Broadcaster { return e.broadcaster }

// Stamp returns the stamp for seq.
func (e *Engine) Stamp(seq int32) (stamp.Stamp, error) { return e.stamps.Stamp(seq) }

// StampCount returns the number of stamp sequences issued.
func (e *Engine) StampCount() int { return e.stamps.Len() }

// Pending returns the open transactions, oldest first.
func (e *Engine) Pending() []*transaction.Transaction {
	return e.commits.Pending().Pending()
}

// CommitLog returns up to limit decoded commit records, newest first.
func (e *Engine) CommitLog(ctx context.Context, limit int) ([]commit.CommitRecord, error) {
	raw, err := e.store.CommitLog(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]commit.CommitRecord, 0, len(raw))
	for _, b := range raw {
		rec, err := commit.DecodeRecord(b)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Calculator returns a position calculator on the development path.
// at <= 0 means the latest time.
func (e *Engine) Calculator(at int64) (*coordinate.Calculator, error) {
	coord := coordinate.LatestOn(e.nids.Of(terms.DevelopmentPath))
	if at > 0 {
		coord.Position.Time = at
	}
	return coordinate.NewCalculator(coord, e.paths, e.stamps)
}

// TaxonomySnapshot returns a taxonomy view at time at (<= 0 for latest).
func (e *Engine) TaxonomySnapshot(premise taxonomy.Premise, at int64) (*taxonomy.Snapshot, error) {
	if e.records == nil {
		return nil, ErrTaxonomyDisabled
	}
	calc, err := e.Calculator(at)
	if err != nil {
		return nil, err
	}
	return taxonomy.NewSnapshot(e.records, calc, e.nids, premise), nil
}

// RebuildTaxonomy recomputes taxonomy records for every stored chronology.
func (e *Engine) RebuildTaxonomy(ctx context.Context) (int, error) {
	if e.updater == nil {
		return 0, ErrTaxonomyDisabled
	}
	var nids []int32
	err := e.store.ForEachChronology(ctx, func(c *chronology.Chronology) error {
		nids = append(nids, c.Nid)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := e.updater.Update(ctx, nids); err != nil {
		return 0, err
	}
	return len(nids), nil
}

// Flush persists dirty stamps and taxonomy records and syncs the database.
func (e *Engine) Flush(ctx context.Context) error {
	var errs []error
	if err := e.commits.FlushStamps(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.records != nil {
		if err := e.records.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.db.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Done is closed when Close begins.
func (e *Engine) Done() <-chan struct{} { return e.closed }

// Close flushes and releases everything. Safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.closed)
		if n := len(e.Pending()); n > 0 {
			e.logger.Warn("closing with open transactions; their edits are discarded", "pending", n)
		}
		var errs []error
		if e.broadcaster != nil {
			if err := e.broadcaster.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := e.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := e.commits.Close(); err != nil {
			errs = append(errs, err)
		}
		if e.updater != nil {
			e.updater.Reset()
		} else {
			e.terms.Reset()
		}
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine closed", "error", e.closeErr)
	})
	return e.closeErr
}
