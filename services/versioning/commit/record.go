// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commit

import (
	"errors"
	"fmt"
	"slices"

	"github.com/AleutianAI/stampvc/services/versioning/wire"
	"github.com/google/uuid"
)

// Record encoding versions.
const (
	recordVersion1 uint16 = 1
	recordVersion2 uint16 = 2

	// RecordVersion is the version written by MarshalBinary.
	RecordVersion = recordVersion2
)

// ErrUnsupportedRecordVersion is returned when decoding an unknown record
// version.
var ErrUnsupportedRecordVersion = errors.New("unsupported commit record version")

// AliasPair records Alias as an alias of StampSequence.
type AliasPair struct {
	StampSequence int32
	Alias         int32
}

// CommitRecord describes one successful commit.
//
// Records are passed by value. Listeners receive their own copy and may not
// observe each other's mutations.
type CommitRecord struct {
	// CommitTime is the commit instant in epoch milliseconds.
	CommitTime int64

	// StampSequences are the stamps promoted by the commit, ascending.
	StampSequences []int32

	AliasPairs []AliasPair

	// ConceptNids and SemanticNids are the components written, ascending.
	ConceptNids  []int32
	SemanticNids []int32

	Comment string

	// TransactionName and TransactionID identify the originating
	// transaction. Empty and uuid.Nil when absent.
	TransactionName string
	TransactionID   uuid.UUID
}

// Clone returns a deep copy.
func (r CommitRecord) Clone() CommitRecord {
	r.StampSequences = slices.Clone(r.StampSequences)
	r.AliasPairs = slices.Clone(r.AliasPairs)
	r.ConceptNids = slices.Clone(r.ConceptNids)
	r.SemanticNids = slices.Clone(r.SemanticNids)
	return r
}

// Touches reports whether the commit wrote nid.
func (r CommitRecord) Touches(nid int32) bool {
	_, inConcepts := slices.BinarySearch(r.ConceptNids, nid)
	_, inSemantics := slices.BinarySearch(r.SemanticNids, nid)
	return inConcepts || inSemantics
}

// MarshalBinary encodes r at RecordVersion.
//
// Layout: uint16 version, int64 commit time, stamp array, int32 alias count
// followed by (stamp, alias) pairs, UTF comment, concept array, semantic
// array, then (version 2) UTF transaction name and UTF transaction id.
// Arrays are an int32 count followed by int32 values.
func (r CommitRecord) MarshalBinary() ([]byte, error) {
	return r.encode(RecordVersion)
}

func (r CommitRecord) encode(version uint16) ([]byte, error) {
	w := wire.NewWriter(64 + 4*(len(r.StampSequences)+len(r.ConceptNids)+len(r.SemanticNids)) + 8*len(r.AliasPairs) + len(r.Comment))
	w.Uint16(version)
	w.Int64(r.CommitTime)
	w.Int32s(r.StampSequences)
	w.Int32(int32(len(r.AliasPairs)))
	for _, p := range r.AliasPairs {
		w.Int32(p.StampSequence)
		w.Int32(p.Alias)
	}
	w.UTF(r.Comment)
	w.Int32s(r.ConceptNids)
	w.Int32s(r.SemanticNids)
	if version >= recordVersion2 {
		w.UTF(r.TransactionName)
		id := ""
		if r.TransactionID != uuid.Nil {
			id = r.TransactionID.String()
		}
		w.UTF(id)
	}
	b, err := w.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode commit record: %w", err)
	}
	return b, nil
}

// UnmarshalBinary decodes a record of any supported version.
func (r *CommitRecord) UnmarshalBinary(data []byte) error {
	decoded, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}

// DecodeRecord decodes a record written by MarshalBinary. Version 1 records
// decode with no transaction name or id.
func DecodeRecord(data []byte) (CommitRecord, error) {
	rd := wire.NewReader(data)
	version := rd.Uint16()
	if rd.Err() == nil && version != recordVersion1 && version != recordVersion2 {
		return CommitRecord{}, fmt.Errorf("%w: %d", ErrUnsupportedRecordVersion, version)
	}

	var r CommitRecord
	r.CommitTime = rd.Int64()
	r.StampSequences = rd.Int32s()
	n := rd.Int32()
	if n < 0 {
		return CommitRecord{}, fmt.Errorf("decode commit record: %w", wire.ErrNegativeCount)
	}
	if rd.Err() == nil && int(n) > rd.Remaining()/8 {
		return CommitRecord{}, fmt.Errorf("decode commit record: %w", wire.ErrShortBuffer)
	}
	if n > 0 {
		r.AliasPairs = make([]AliasPair, n)
		for i := range r.AliasPairs {
			r.AliasPairs[i] = AliasPair{StampSequence: rd.Int32(), Alias: rd.Int32()}
		}
	}
	r.Comment = rd.UTF()
	r.ConceptNids = rd.Int32s()
	r.SemanticNids = rd.Int32s()
	if version >= recordVersion2 {
		r.TransactionName = rd.UTF()
		if id := rd.UTF(); id != "" && rd.Err() == nil {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return CommitRecord{}, fmt.Errorf("decode commit record: transaction id: %w", err)
			}
			r.TransactionID = parsed
		}
	}
	if err := rd.Err(); err != nil {
		return CommitRecord{}, fmt.Errorf("decode commit record: %w", err)
	}
	if rd.Remaining() != 0 {
		return CommitRecord{}, fmt.Errorf("decode commit record: %d trailing bytes", rd.Remaining())
	}
	return r, nil
}
