// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taxonomy derives and stores the is-a and role graph of concepts.
//
// Each concept has one packed Record per taxonomy assemblage. A Record is a
// set of stamped edges; records are only ever merged, never rewritten, so the
// full history of the graph stays queryable at any coordinate.
package taxonomy

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/stampvc/services/versioning/wire"
)

// ErrCorruptRecord is returned when packed bytes do not decode.
var ErrCorruptRecord = errors.New("corrupt taxonomy record")

// Flags qualify an edge.
type Flags uint8

const (
	// FlagStated marks an edge derived from a stated logical expression.
	FlagStated Flags = 1 << iota

	// FlagInferred marks an edge derived from an inferred expression.
	FlagInferred

	// FlagConceptStatus marks a concept status entry rather than an edge.
	FlagConceptStatus
)

// Has reports whether every bit of want is set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// String renders the flags for logs.
func (f Flags) String() string {
	var parts []string
	if f.Has(FlagStated) {
		parts = append(parts, "STATED")
	}
	if f.Has(FlagInferred) {
		parts = append(parts, "INFERRED")
	}
	if f.Has(FlagConceptStatus) {
		parts = append(parts, "CONCEPT_STATUS")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Entry is one stamped fact about a concept.
type Entry struct {
	DestinationNid int32
	TypeNid        int32
	StampSequence  int32
	Flags          Flags
}

// entrySize is the packed size of one Entry.
const entrySize = 4 + 4 + 4 + 1

func compareEntries(a, b Entry) int {
	if c := cmp.Compare(a.DestinationNid, b.DestinationNid); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TypeNid, b.TypeNid); c != 0 {
		return c
	}
	return cmp.Compare(a.StampSequence, b.StampSequence)
}

// Record is the set of entries for one concept, ordered by
// (destination, type, stamp). Each triple appears once.
type Record struct {
	entries []Entry
}

// NewRecord builds a record from entries in any order. Entries with the same
// triple are combined by OR-ing their flags.
func NewRecord(entries ...Entry) *Record {
	r := &Record{}
	for _, e := range entries {
		r.Add(e)
	}
	return r
}

// Add inserts e, OR-ing flags into an existing entry with the same triple.
// It reports whether the record changed.
func (r *Record) Add(e Entry) bool {
	i, found := slices.BinarySearchFunc(r.entries, e, compareEntries)
	if found {
		merged := r.entries[i].Flags | e.Flags
		if merged == r.entries[i].Flags {
			return false
		}
		r.entries[i].Flags = merged
		return true
	}
	r.entries = slices.Insert(r.entries, i, e)
	return true
}

// Len returns the number of distinct triples.
func (r *Record) Len() int { return len(r.entries) }

// Entries returns a copy of the entries in canonical order.
func (r *Record) Entries() []Entry { return slices.Clone(r.entries) }

// Edges returns the entries towards destinationNid with typeNid.
func (r *Record) Edges(destinationNid, typeNid int32) []Entry {
	lo, _ := slices.BinarySearchFunc(r.entries, Entry{DestinationNid: destinationNid, TypeNid: typeNid, StampSequence: minInt32}, compareEntries)
	var out []Entry
	for _, e := range r.entries[lo:] {
		if e.DestinationNid != destinationNid || e.TypeNid != typeNid {
			break
		}
		out = append(out, e)
	}
	return out
}

// Pack encodes the record. The encoding is canonical: equal sets of entries
// always pack to equal bytes.
func (r *Record) Pack() []byte {
	w := wire.NewWriter(len(r.entries) * entrySize)
	for _, e := range r.entries {
		w.Int32(e.DestinationNid)
		w.Int32(e.TypeNid)
		w.Int32(e.StampSequence)
		w.Uint8(uint8(e.Flags))
	}
	b, _ := w.Bytes()
	return b
}

// Unpack decodes packed bytes. nil and empty input decode to an empty
// record.
func Unpack(b []byte) (*Record, error) {
	if len(b)%entrySize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrCorruptRecord, len(b), entrySize)
	}
	r := &Record{entries: make([]Entry, 0, len(b)/entrySize)}
	rd := wire.NewReader(b)
	for rd.Remaining() > 0 {
		e := Entry{
			DestinationNid: rd.Int32(),
			TypeNid:        rd.Int32(),
			StampSequence:  rd.Int32(),
			Flags:          Flags(rd.Uint8()),
		}
		if n := len(r.entries); n > 0 && compareEntries(r.entries[n-1], e) >= 0 {
			return nil, fmt.Errorf("%w: entries out of order at %d", ErrCorruptRecord, n)
		}
		r.entries = append(r.entries, e)
	}
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return r, nil
}

// Merge is the MergeFunc for packed records: the union of both entry sets
// with flags OR-ed. It is commutative and associative, and the result is
// never shorter than either input.
func Merge(existing, incoming []byte) ([]byte, error) {
	if len(existing) == 0 {
		if _, err := Unpack(incoming); err != nil {
			return nil, err
		}
		return bytes.Clone(incoming), nil
	}
	a, err := Unpack(existing)
	if err != nil {
		return nil, err
	}
	b, err := Unpack(incoming)
	if err != nil {
		return nil, err
	}
	changed := false
	for _, e := range b.entries {
		if a.Add(e) {
			changed = true
		}
	}
	if !changed {
		return existing, nil
	}
	return a.Pack(), nil
}

const minInt32 = -1 << 31
