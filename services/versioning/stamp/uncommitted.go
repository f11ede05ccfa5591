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
	"encoding/binary"
	"fmt"

	"github.com/AleutianAI/stampvc/services/versioning/wire"
	"github.com/google/uuid"
)

// UncommittedStamp is a pending stamp scoped to the transaction that minted it.
//
// Two transactions minting identical (status, author, module, path) content
// produce distinct UncommittedStamps because TransactionID differs. The
// embedded Stamp always has Time == TimeUncommitted.
type UncommittedStamp struct {
	Stamp
	TransactionID uuid.UUID
}

// NewUncommitted builds a validated pending stamp for a transaction.
func NewUncommitted(txID uuid.UUID, status Status, authorNid, moduleNid, pathNid int32) (UncommittedStamp, error) {
	s, err := New(status, TimeUncommitted, authorNid, moduleNid, pathNid)
	if err != nil {
		return UncommittedStamp{}, err
	}
	return UncommittedStamp{Stamp: s, TransactionID: txID}, nil
}

// TransactionHalves splits the transaction id into its high and low 64 bits.
func (u UncommittedStamp) TransactionHalves() (hi, lo int64) {
	hi = int64(binary.BigEndian.Uint64(u.TransactionID[:8]))
	lo = int64(binary.BigEndian.Uint64(u.TransactionID[8:]))
	return hi, lo
}

// String renders the pending stamp with its transaction.
func (u UncommittedStamp) String() string {
	return fmt.Sprintf("%s tx:%s", u.Stamp.String(), u.TransactionID)
}

// Encode appends the stamp followed by the transaction id halves.
func (u UncommittedStamp) Encode(w *wire.Writer) {
	u.Stamp.Encode(w)
	hi, lo := u.TransactionHalves()
	w.Int64(hi)
	w.Int64(lo)
}

// DecodeUncommitted reads an UncommittedStamp written by Encode.
func DecodeUncommitted(r *wire.Reader) (UncommittedStamp, error) {
	s, err := DecodeStamp(r)
	if err != nil {
		return UncommittedStamp{}, err
	}
	hi := r.Int64()
	lo := r.Int64()
	if err := r.Err(); err != nil {
		return UncommittedStamp{}, fmt.Errorf("decode uncommitted stamp: %w", err)
	}
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], uint64(hi))
	binary.BigEndian.PutUint64(id[8:], uint64(lo))
	return UncommittedStamp{Stamp: s, TransactionID: id}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (u UncommittedStamp) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(48)
	u.Encode(w)
	return w.Bytes()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (u *UncommittedStamp) UnmarshalBinary(data []byte) error {
	decoded, err := DecodeUncommitted(wire.NewReader(data))
	if err != nil {
		return err
	}
	*u = decoded
	return nil
}
