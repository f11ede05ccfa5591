// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestOpenDB_PersistsAcrossReopen verifies on-disk data survives a reopen.
func TestOpenDB_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("s/1"), []byte("stamp"))
	}))
	require.NoError(t, db.Close())

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.WithReadTxn(ctx, func(txn *badger.Txn) error {
		val, ok, err := Get(txn, []byte("s/1"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("stamp"), val)
		return nil
	}))
	assert.Equal(t, cfg.Path, db2.Path())
	assert.False(t, db2.InMemory())
}

// TestOpenDB_RequiresPath verifies that persistent mode requires a path.
func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig is durable", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
		assert.Positive(t, cfg.ConflictRetries)
	})

	t.Run("InMemoryConfig disables GC", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Zero(t, cfg.GCInterval)
	})
}

// TestDB_WithTxn_RollbackOnError verifies nothing is written when fn fails.
func TestDB_WithTxn_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("c/1"), []byte("should-not-persist")); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, ok, err := Get(txn, []byte("c/1"))
		assert.False(t, ok)
		return err
	}))
}

func TestDB_WithTxn_ContextCancelled(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	assert.ErrorIs(t, err, context.Canceled)

	err = db.WithReadTxn(ctx, func(*badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// TestDB_UpdateWithRetry_ReRunsOnConflict forces one conflicting commit and
// checks the second attempt lands.
func TestDB_UpdateWithRetry_ReRunsOnConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := []byte("c/42")

	attempts := 0
	err := db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		attempts++
		cur, _, err := Get(txn, key)
		if err != nil {
			return err
		}
		if attempts == 1 {
			// A concurrent writer commits the key we just read.
			if err := db.WithTxn(ctx, func(other *badger.Txn) error {
				return other.Set(key, []byte("other"))
			}); err != nil {
				return err
			}
		}
		return txn.Set(key, append(cur, '+'))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		val, _, err := Get(txn, key)
		assert.Equal(t, []byte("other+"), val)
		return err
	}))
}

func TestDB_UpdateWithRetry_GivesUp(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.ConflictRetries = 1
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	key := []byte("c/7")

	attempts := 0
	err = db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		attempts++
		if _, _, err := Get(txn, key); err != nil {
			return err
		}
		if err := db.WithTxn(ctx, func(other *badger.Txn) error {
			return other.Set(key, []byte{byte(attempts)})
		}); err != nil {
			return err
		}
		return txn.Set(key, []byte("mine"))
	})
	assert.True(t, errors.Is(err, badger.ErrConflict))
	assert.Equal(t, 2, attempts)
}

func TestScanPrefix(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"a/1", "l/1", "l/2", "l/3", "m/1"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return txn.Set([]byte{'l', '/', 0xff, 0xff}, []byte("high"))
	}))

	collect := func(reverse bool, limit int) []string {
		var out []string
		require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			return ScanPrefix(txn, []byte("l/"), reverse, func(_, val []byte) (bool, error) {
				out = append(out, string(val))
				return len(out) < limit, nil
			})
		}))
		return out
	}

	assert.Equal(t, []string{"l/1", "l/2", "l/3", "high"}, collect(false, 10))
	assert.Equal(t, []string{"high", "l/3", "l/2", "l/1"}, collect(true, 10))
	assert.Equal(t, []string{"high", "l/3"}, collect(true, 2))
}

func TestDB_CloseTwice(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.NoError(t, db.Close())
}

func TestGCRunner(t *testing.T) {
	t.Run("rejects nil db", func(t *testing.T) {
		_, err := NewGCRunner(nil, time.Second, 0.5, nil)
		assert.ErrorContains(t, err, "db must not be nil")
	})

	t.Run("rejects invalid interval", func(t *testing.T) {
		db := openTestDB(t)
		_, err := NewGCRunner(db.DB, 0, 0.5, nil)
		assert.ErrorContains(t, err, "interval must be positive")
	})

	t.Run("rejects invalid ratio", func(t *testing.T) {
		db := openTestDB(t)
		_, err := NewGCRunner(db.DB, time.Second, 1.5, nil)
		assert.ErrorContains(t, err, "ratio must be between 0 and 1")
	})

	t.Run("starts and stops", func(t *testing.T) {
		db := openTestDB(t)
		runner, err := NewGCRunner(db.DB, 10*time.Millisecond, 0.5, nil)
		require.NoError(t, err)

		runner.Start()
		runner.Start()
		time.Sleep(25 * time.Millisecond)
		runner.Stop()
		runner.Stop()
	})

	t.Run("stop without start", func(t *testing.T) {
		db := openTestDB(t)
		runner, err := NewGCRunner(db.DB, time.Second, 0.5, nil)
		require.NoError(t, err)
		runner.Stop()
	})
}
