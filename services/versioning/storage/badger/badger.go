// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the BadgerDB instance behind the
// versioning object store.
//
// Everything the engine persists lives in one database: chronologies,
// committed stamps, the commit log, stamp aliases and comments, taxonomy
// records and nid assignments. Commits write all of their rows in a single
// Badger transaction; UpdateWithRetry re-runs that transaction when Badger
// reports a write conflict with a concurrent commit.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNoPath is returned when a persistent database has no directory.
var ErrNoPath = errors.New("badger: path is required for persistent database")

// Config holds configuration for the store database.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory keeps all data in memory. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit before it is acknowledged.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a value log rewrite.
	GCDiscardRatio float64

	// ConflictRetries bounds UpdateWithRetry attempts after ErrConflict.
	ConflictRetries int
}

// DefaultConfig returns durable settings: synchronous writes, value log
// GC every 5 minutes at a 0.5 discard ratio, and up to 8 retries on commit
// conflicts. Path must still be set.
func DefaultConfig() Config {
	return Config{
		SyncWrites:      true,
		GCInterval:      5 * time.Minute,
		GCDiscardRatio:  0.5,
		ConflictRetries: 8,
	}
}

// InMemoryConfig returns a test configuration with GC disabled.
func InMemoryConfig() Config {
	return Config{InMemory: true, ConflictRetries: 8}
}

// slogAdapter routes BadgerDB's printf-style logging to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) log(level slog.Level, format string, args []any) {
	a.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (a slogAdapter) Errorf(format string, args ...any)   { a.log(slog.LevelError, format, args) }
func (a slogAdapter) Warningf(format string, args ...any) { a.log(slog.LevelWarn, format, args) }
func (a slogAdapter) Infof(format string, args ...any)    { a.log(slog.LevelInfo, format, args) }
func (a slogAdapter) Debugf(format string, args ...any)   { a.log(slog.LevelDebug, format, args) }

func (cfg Config) options() (badger.Options, error) {
	if cfg.InMemory {
		return badger.DefaultOptions("").WithInMemory(true), nil
	}
	if cfg.Path == "" {
		return badger.Options{}, ErrNoPath
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return badger.Options{}, fmt.Errorf("mkdir %s: %w", cfg.Path, err)
	}
	return badger.DefaultOptions(cfg.Path), nil
}

// GCRunner periodically rewrites value log files whose garbage ratio
// exceeds the configured threshold.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine. Stop is idempotent.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// NewGCRunner validates its inputs and returns a stopped runner.
//
// # Inputs
//
//   - db: Must not be nil.
//   - interval: Must be positive.
//   - ratio: Discard ratio in [0, 1].
//   - logger: Optional; nil drops GC log lines.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	switch {
	case db == nil:
		return nil, errors.New("db must not be nil")
	case interval <= 0:
		return nil, errors.New("interval must be positive")
	case ratio < 0 || ratio > 1:
		return nil, errors.New("ratio must be between 0 and 1")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the GC goroutine. Later calls do nothing.
func (r *GCRunner) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.loop()
	}
}

// Stop cancels the runner and waits for an in-flight GC pass to finish.
func (r *GCRunner) Stop() {
	r.cancel()
	if r.started.Load() {
		<-r.done
	}
}

func (r *GCRunner) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

// collect keeps rewriting while Badger finds a file worth rewriting.
func (r *GCRunner) collect() {
	for rewrites := 0; r.ctx.Err() == nil; rewrites++ {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			continue
		}
		if r.logger != nil {
			if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
				r.logger.Debug("value log gc pass done", slog.Int("rewrites", rewrites))
			} else {
				r.logger.Warn("value log gc failed", slog.String("error", err.Error()))
			}
		}
		return
	}
}

// DB is the store database with lifecycle management.
//
// # Thread Safety
//
// Safe for concurrent use.
type DB struct {
	*badger.DB
	gc        *GCRunner
	path      string
	inMemory  bool
	retries   int
	closeOnce sync.Once
	closeErr  error
}

// OpenDB opens the database described by cfg and starts value log GC when
// cfg.GCInterval is set on a persistent database. Call Close when done.
func OpenDB(cfg Config) (*DB, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(nil)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger.With("component", "badger")})
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	db := &DB{
		DB:       bdb,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
		retries:  max(cfg.ConflictRetries, 0),
	}
	if cfg.InMemory || cfg.GCInterval <= 0 {
		return db, nil
	}

	db.gc, err = NewGCRunner(bdb, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("value log gc: %w", err)
	}
	db.gc.Start()
	return db, nil
}

// OpenInMemory opens an in-memory database for tests.
func OpenInMemory() (*DB, error) {
	return OpenDB(InMemoryConfig())
}

// Close stops GC and closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gc != nil {
			d.gc.Stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string { return d.path }

// InMemory reports whether the database is in-memory.
func (d *DB) InMemory() bool { return d.inMemory }

// Sync flushes pending writes to disk. No-op in memory.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.DB.Sync()
}

// WithTxn runs fn in a read-write transaction and commits if fn succeeds.
//
// # Description
//
// The transaction is discarded when fn returns an error. A commit rejected
// with badger.ErrConflict is returned as is; UpdateWithRetry re-runs fn in
// that case.
//
// # Outputs
//
//   - error: ctx.Err() wrapped, fn's error, or the commit error.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return d.DB.Update(fn)
}

// UpdateWithRetry runs WithTxn, re-running fn from scratch while the commit
// fails with badger.ErrConflict, up to the configured retry count.
//
// fn must be safe to run more than once: it should derive every write from
// what it reads inside txn.
func (d *DB) UpdateWithRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	attempts := 0
	for {
		err := d.WithTxn(ctx, fn)
		attempts++
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempts > d.retries {
			return fmt.Errorf("giving up after %d conflicting attempts: %w", attempts, err)
		}
	}
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("view: %w", err)
	}
	return d.DB.View(fn)
}

// Get reads key inside txn. A missing key returns (nil, false, nil).
func Get(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// ScanPrefix calls fn with every key and value under prefix in key order,
// or in reverse key order when reverse is set. Returning false from fn
// stops the scan.
func ScanPrefix(txn *badger.Txn, prefix []byte, reverse bool, fn func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if reverse {
		// Reverse Seek lands on the last key <= start.
		start = prefixEnd(prefix)
	}
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(item.KeyCopy(nil), val)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key under prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return append(end, bytes.Repeat([]byte{0xff}, 32)...)
}
