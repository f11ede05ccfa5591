// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists the versioned object store in BadgerDB.
//
// # Key Layout
//
// All keys share one database and are separated by a one-byte table prefix:
//
//	c/<nid>                 chronology ([CRC32][gob])
//	s/<seq>                 committed stamp (binary stamp encoding)
//	l/<time><txid>          commit log entry (binary CommitRecord)
//	a/<seq><alias>          stamp alias (empty value)
//	m/<seq>                 stamp comment (UTF)
//	t/<assemblage><concept> taxonomy record
//	i/<nid>                 nid assignment
//
// Integers are big-endian with the sign bit flipped so negative nids sort
// before positive ones.
//
// # Thread Safety
//
// Store is safe for concurrent use. Commits touching the same keys are
// serialized by Badger's optimistic conflict detection; WriteCommit retries
// on conflict.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/identity"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	vbadger "github.com/AleutianAI/stampvc/services/versioning/storage/badger"
	"github.com/AleutianAI/stampvc/services/versioning/wire"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a chronology does not exist.
var ErrNotFound = errors.New("not found")

const (
	prefixChronology = 'c'
	prefixStamp      = 's'
	prefixCommitLog  = 'l'
	prefixAlias      = 'a'
	prefixComment    = 'm'
	prefixTaxonomy   = 't'
	prefixIdentity   = 'i'
)

func table(p byte) []byte { return []byte{p, '/'} }

func appendInt32(b []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v)^0x80000000)
}

func appendInt64(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v)^(1<<63))
}

func readInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b) ^ 0x80000000)
}

func chronologyKey(nid int32) []byte   { return appendInt32(table(prefixChronology), nid) }
func stampKey(seq int32) []byte        { return appendInt32(table(prefixStamp), seq) }
func commentKey(seq int32) []byte      { return appendInt32(table(prefixComment), seq) }
func identityKey(nid int32) []byte     { return appendInt32(table(prefixIdentity), nid) }
func aliasPrefix(seq int32) []byte     { return appendInt32(table(prefixAlias), seq) }
func aliasKey(seq, alias int32) []byte { return appendInt32(aliasPrefix(seq), alias) }

func taxonomyKey(assemblageNid, conceptNid int32) []byte {
	return appendInt32(appendInt32(table(prefixTaxonomy), assemblageNid), conceptNid)
}

func commitLogKey(commitTime int64, txID uuid.UUID) []byte {
	return append(appendInt64(table(prefixCommitLog), commitTime), txID[:]...)
}

// Store is the durable object store.
type Store struct {
	db     *vbadger.DB
	logger *slog.Logger
}

// New wraps an open database.
func New(db *vbadger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store.Store")}
}

// DB returns the underlying database.
func (s *Store) DB() *vbadger.DB {
	return s.db
}

// Chronology loads the chronology for nid.
//
// # Outputs
//
//   - *chronology.Chronology: The stored chronology.
//   - error: ErrNotFound if nid has never been written; chronology.ErrCorrupted
//     if the entry fails its checksum.
func (s *Store) Chronology(ctx context.Context, nid int32) (*chronology.Chronology, error) {
	var out *chronology.Chronology
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		c, err := readChronology(txn, nid)
		out = c
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("chronology %d: %w", nid, ErrNotFound)
	}
	return out, nil
}

func readChronology(txn *badger.Txn, nid int32) (*chronology.Chronology, error) {
	val, ok, err := vbadger.Get(txn, chronologyKey(nid))
	if err != nil || !ok {
		return nil, err
	}
	c, err := chronology.Decode(val)
	if err != nil {
		return nil, fmt.Errorf("chronology %d: %w", nid, err)
	}
	return c, nil
}

// mergeChronology merges c into whatever is stored for c.Nid inside txn.
// It reports whether the stored bytes changed.
func mergeChronology(txn *badger.Txn, c *chronology.Chronology) (*chronology.Chronology, bool, error) {
	key := chronologyKey(c.Nid)
	prev, found, err := vbadger.Get(txn, key)
	if err != nil {
		return nil, false, err
	}
	var existing *chronology.Chronology
	if found {
		if existing, err = chronology.Decode(prev); err != nil {
			return nil, false, fmt.Errorf("chronology %d: %w", c.Nid, err)
		}
	}
	merged, err := chronology.Merge(existing, c)
	if err != nil {
		return nil, false, err
	}
	if err := merged.Validate(); err != nil {
		return nil, false, err
	}
	encoded, err := chronology.Encode(merged)
	if err != nil {
		return nil, false, err
	}
	if found && bytes.Equal(prev[4:], encoded[4:]) {
		return merged, false, nil
	}
	return merged, true, txn.Set(key, encoded)
}

// PutChronology merges c into the stored chronology outside of a commit.
//
// # Outputs
//
//   - *chronology.Chronology: The merged chronology as stored.
//   - bool: Whether the stored content changed.
//   - error: Non-nil on identity mismatch or write failure.
func (s *Store) PutChronology(ctx context.Context, c *chronology.Chronology) (*chronology.Chronology, bool, error) {
	var (
		merged  *chronology.Chronology
		changed bool
	)
	err := s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		var err error
		merged, changed, err = mergeChronology(txn, c)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("put chronology %d: %w", c.Nid, err)
	}
	return merged, changed, nil
}

// ForEachChronology calls fn for every stored chronology in nid order.
func (s *Store) ForEachChronology(ctx context.Context, fn func(*chronology.Chronology) error) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return vbadger.ScanPrefix(txn, table(prefixChronology), false, func(key, val []byte) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			c, err := chronology.Decode(val)
			if err != nil {
				return false, fmt.Errorf("chronology %d: %w", readInt32(key[2:]), err)
			}
			return true, fn(c)
		})
	})
}

// LoadStamps returns every persisted committed stamp keyed by sequence.
func (s *Store) LoadStamps(ctx context.Context) (map[int32]stamp.Stamp, error) {
	out := make(map[int32]stamp.Stamp)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return vbadger.ScanPrefix(txn, table(prefixStamp), false, func(key, val []byte) (bool, error) {
			seq := readInt32(key[2:])
			var st stamp.Stamp
			if err := st.UnmarshalBinary(val); err != nil {
				return false, fmt.Errorf("stamp %d: %w", seq, err)
			}
			out[seq] = st
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load stamps: %w", err)
	}
	return out, nil
}

func putStamps(txn *badger.Txn, stamps map[int32]stamp.Stamp) error {
	for seq, st := range stamps {
		b, err := st.MarshalBinary()
		if err != nil {
			return fmt.Errorf("stamp %d: %w", seq, err)
		}
		if err := txn.Set(stampKey(seq), b); err != nil {
			return err
		}
	}
	return nil
}

// PutStamps persists committed stamps outside of a commit.
func (s *Store) PutStamps(ctx context.Context, stamps map[int32]stamp.Stamp) error {
	if len(stamps) == 0 {
		return nil
	}
	return s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		return putStamps(txn, stamps)
	})
}

// AliasRow records AliasSequence as an alias of StampSequence.
type AliasRow struct {
	StampSequence int32
	AliasSequence int32
}

// CommitBatch is everything one commit persists.
type CommitBatch struct {
	Chronologies  []*chronology.Chronology
	Stamps        map[int32]stamp.Stamp
	Aliases       []AliasRow
	Comments      map[int32]string
	Record        []byte
	CommitTime    int64
	TransactionID uuid.UUID
}

// WriteCommit persists a commit in a single Badger transaction.
//
// # Description
//
// Chronologies are merged with what is stored (union by stamp sequence),
// so two commits touching the same chronology both land even when Badger
// re-runs one after a conflict. The commit record is appended to the commit
// log under (CommitTime, TransactionID).
//
// # Outputs
//
//   - error: Non-nil if any row fails; nothing is written in that case.
func (s *Store) WriteCommit(ctx context.Context, b CommitBatch) error {
	err := s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		for _, c := range b.Chronologies {
			if _, _, err := mergeChronology(txn, c); err != nil {
				return err
			}
		}
		if err := putStamps(txn, b.Stamps); err != nil {
			return err
		}
		for _, a := range b.Aliases {
			if err := txn.Set(aliasKey(a.StampSequence, a.AliasSequence), nil); err != nil {
				return err
			}
		}
		for seq, comment := range b.Comments {
			if err := putComment(txn, seq, comment); err != nil {
				return err
			}
		}
		if b.Record != nil {
			return txn.Set(commitLogKey(b.CommitTime, b.TransactionID), b.Record)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write commit %s: %w", b.TransactionID, err)
	}
	s.logger.Debug("commit written",
		"transaction_id", b.TransactionID.String(),
		"chronologies", len(b.Chronologies),
		"stamps", len(b.Stamps))
	return nil
}

// CommitLog returns up to limit encoded commit records, newest first.
// limit <= 0 returns every record.
func (s *Store) CommitLog(ctx context.Context, limit int) ([][]byte, error) {
	var out [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return vbadger.ScanPrefix(txn, table(prefixCommitLog), true, func(_, val []byte) (bool, error) {
			out = append(out, val)
			return limit <= 0 || len(out) < limit, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read commit log: %w", err)
	}
	return out, nil
}

// PutAlias records alias as an alias of seq.
func (s *Store) PutAlias(ctx context.Context, seq, alias int32) error {
	return s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		return txn.Set(aliasKey(seq, alias), nil)
	})
}

// Aliases returns the aliases recorded for seq, ascending.
func (s *Store) Aliases(ctx context.Context, seq int32) ([]int32, error) {
	var out []int32
	prefix := aliasPrefix(seq)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return vbadger.ScanPrefix(txn, prefix, false, func(key, _ []byte) (bool, error) {
			out = append(out, readInt32(key[len(prefix):]))
			return true, nil
		})
	})
	return out, err
}

func putComment(txn *badger.Txn, seq int32, comment string) error {
	w := wire.NewWriter(len(comment) + 2)
	w.UTF(comment)
	b, err := w.Bytes()
	if err != nil {
		return fmt.Errorf("comment on stamp %d: %w", seq, err)
	}
	return txn.Set(commentKey(seq), b)
}

// PutComment sets the comment on seq, replacing any earlier one.
func (s *Store) PutComment(ctx context.Context, seq int32, comment string) error {
	return s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		return putComment(txn, seq, comment)
	})
}

// Comment returns the comment on seq.
func (s *Store) Comment(ctx context.Context, seq int32) (string, bool, error) {
	var (
		comment string
		found   bool
	)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		val, ok, err := vbadger.Get(txn, commentKey(seq))
		if err != nil || !ok {
			return err
		}
		r := wire.NewReader(val)
		comment, found = r.UTF(), true
		return r.Err()
	})
	return comment, found, err
}

// TaxonomyRow is one packed taxonomy record to persist.
type TaxonomyRow struct {
	AssemblageNid int32
	ConceptNid    int32
	Data          []byte
}

// Taxonomy returns the packed taxonomy record for a concept.
func (s *Store) Taxonomy(ctx context.Context, assemblageNid, conceptNid int32) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, found, err = vbadger.Get(txn, taxonomyKey(assemblageNid, conceptNid))
		return err
	})
	return out, found, err
}

// PutTaxonomy persists taxonomy records in one transaction.
//
// Taxonomy records only grow, and the accumulator always flushes the
// latest merged bytes, so last write wins.
func (s *Store) PutTaxonomy(ctx context.Context, rows []TaxonomyRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		for _, r := range rows {
			if err := txn.Set(taxonomyKey(r.AssemblageNid, r.ConceptNid), r.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutIdentity persists one nid assignment. Implements identity.Persister.
func (s *Store) PutIdentity(ctx context.Context, e identity.Entry) error {
	return s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		return txn.Set(identityKey(e.Nid), encodeIdentity(e))
	})
}

// LoadIdentities returns every persisted nid assignment. Implements
// identity.Persister.
func (s *Store) LoadIdentities(ctx context.Context) ([]identity.Entry, error) {
	var out []identity.Entry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return vbadger.ScanPrefix(txn, table(prefixIdentity), false, func(key, val []byte) (bool, error) {
			e, err := decodeIdentity(val)
			if err != nil {
				return false, fmt.Errorf("identity %d: %w", readInt32(key[2:]), err)
			}
			out = append(out, e)
			return true, nil
		})
	})
	return out, err
}

func encodeIdentity(e identity.Entry) []byte {
	w := wire.NewWriter(4 + 16 + 1 + 4)
	w.Int32(e.Nid)
	w.Raw(e.UUID[:])
	w.Uint8(uint8(e.Kind))
	w.Int32(e.AssemblageNid)
	b, _ := w.Bytes()
	return b
}

func decodeIdentity(b []byte) (identity.Entry, error) {
	r := wire.NewReader(b)
	var e identity.Entry
	e.Nid = r.Int32()
	hi, lo := r.Uint64(), r.Uint64()
	binary.BigEndian.PutUint64(e.UUID[:8], hi)
	binary.BigEndian.PutUint64(e.UUID[8:], lo)
	e.Kind = identity.Kind(r.Uint8())
	e.AssemblageNid = r.Int32()
	if err := r.Err(); err != nil {
		return identity.Entry{}, err
	}
	if r.Remaining() != 0 {
		return identity.Entry{}, fmt.Errorf("%d trailing bytes", r.Remaining())
	}
	return e, nil
}
