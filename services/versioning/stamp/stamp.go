// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stamp implements the STAMP versioning primitive.
//
// A STAMP is the (Status, Time, Author, Module, Path) tuple attached to every
// version of every component. Stamps are interned by the Registry into small
// positive integers ("stamp sequences") so versions carry a single int32
// rather than the full tuple.
//
// # Identifiers
//
// Author, module and path are concept nids. Nids are always negative; a
// Stamp carrying a zero or positive nid is invalid. This lets a zero-valued
// Stamp double as "never issued" inside the registry.
//
// # Time Sentinels
//
//   - TimeUncommitted (math.MaxInt64): the version belongs to an open
//     transaction and has no commit time yet.
//   - TimeCanceled (math.MinInt64): the uncommitted work was abandoned.
//
// # Thread Safety
//
// Stamp and UncommittedStamp are immutable values. Registry is safe for
// concurrent use.
package stamp

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/wire"
)

const (
	// TimeUncommitted marks a stamp minted inside an open transaction.
	TimeUncommitted int64 = math.MaxInt64

	// TimeCanceled marks a stamp whose transaction was canceled.
	TimeCanceled int64 = math.MinInt64
)

var (
	// ErrInvalidNid is returned when an author, module or path nid is not negative.
	ErrInvalidNid = errors.New("stamp nids must be negative")

	// ErrUnknownStatus is returned when decoding an unrecognized status name.
	ErrUnknownStatus = errors.New("unknown status")
)

// Status is the lifecycle state recorded in a stamp.
//
// The numeric order is part of the stamp ordering and must not change.
type Status uint8

const (
	StatusPrimordial Status = iota
	StatusCanceled
	StatusInactive
	StatusActive
	StatusWithdrawn
)

var statusNames = [...]string{
	StatusPrimordial: "PRIMORDIAL",
	StatusCanceled:   "CANCELED",
	StatusInactive:   "INACTIVE",
	StatusActive:     "ACTIVE",
	StatusWithdrawn:  "WITHDRAWN",
}

// String returns the canonical upper-case status name.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// IsActive reports whether the status counts as active content.
func (s Status) IsActive() bool {
	return s == StatusActive || s == StatusPrimordial
}

// ParseStatus converts a canonical status name back to a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}

// Stamp is one interned STAMP tuple.
type Stamp struct {
	Status    Status
	Time      int64
	AuthorNid int32
	ModuleNid int32
	PathNid   int32
}

// New builds a validated Stamp.
//
// # Outputs
//
//   - Stamp: The tuple.
//   - error: ErrInvalidNid if author, module or path is not negative.
func New(status Status, t int64, authorNid, moduleNid, pathNid int32) (Stamp, error) {
	s := Stamp{Status: status, Time: t, AuthorNid: authorNid, ModuleNid: moduleNid, PathNid: pathNid}
	if err := s.Validate(); err != nil {
		return Stamp{}, err
	}
	return s, nil
}

// Validate checks the negative-nid invariant.
func (s Stamp) Validate() error {
	if s.AuthorNid >= 0 || s.ModuleNid >= 0 || s.PathNid >= 0 {
		return fmt.Errorf("%w: author=%d module=%d path=%d", ErrInvalidNid, s.AuthorNid, s.ModuleNid, s.PathNid)
	}
	return nil
}

// issued reports whether the slot holding s was ever assigned.
func (s Stamp) issued() bool {
	return s.AuthorNid != 0
}

// IsUncommitted reports whether the stamp has no commit time.
func (s Stamp) IsUncommitted() bool { return s.Time == TimeUncommitted }

// IsCanceled reports whether the stamp was canceled.
func (s Stamp) IsCanceled() bool { return s.Time == TimeCanceled }

// WithStatus returns a copy with the status replaced.
func (s Stamp) WithStatus(status Status) Stamp {
	s.Status = status
	return s
}

// WithTime returns a copy with the time replaced.
func (s Stamp) WithTime(t int64) Stamp {
	s.Time = t
	return s
}

// String renders the stamp for logs and CLI output.
func (s Stamp) String() string {
	var when string
	switch s.Time {
	case TimeUncommitted:
		when = "uncommitted"
	case TimeCanceled:
		when = "canceled"
	default:
		when = time.UnixMilli(s.Time).UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("[%s %s a:%d m:%d p:%d]", s.Status, when, s.AuthorNid, s.ModuleNid, s.PathNid)
}

// Compare orders stamps by time, status ordinal, author, module, then path.
func Compare(a, b Stamp) int {
	if c := cmp.Compare(a.Time, b.Time); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Status, b.Status); c != 0 {
		return c
	}
	if c := cmp.Compare(a.AuthorNid, b.AuthorNid); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ModuleNid, b.ModuleNid); c != 0 {
		return c
	}
	return cmp.Compare(a.PathNid, b.PathNid)
}

// Encode appends the binary form of s to w.
//
// Layout: UTF status name, int64 time, int32 author, int32 module, int32 path.
func (s Stamp) Encode(w *wire.Writer) {
	w.UTF(s.Status.String())
	w.Int64(s.Time)
	w.Int32(s.AuthorNid)
	w.Int32(s.ModuleNid)
	w.Int32(s.PathNid)
}

// DecodeStamp reads a Stamp written by Encode and validates it.
func DecodeStamp(r *wire.Reader) (Stamp, error) {
	name := r.UTF()
	t := r.Int64()
	author := r.Int32()
	module := r.Int32()
	path := r.Int32()
	if err := r.Err(); err != nil {
		return Stamp{}, fmt.Errorf("decode stamp: %w", err)
	}
	status, err := ParseStatus(name)
	if err != nil {
		return Stamp{}, fmt.Errorf("decode stamp: %w", err)
	}
	return New(status, t, author, module, path)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s Stamp) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(32)
	s.Encode(w)
	return w.Bytes()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *Stamp) UnmarshalBinary(data []byte) error {
	decoded, err := DecodeStamp(wire.NewReader(data))
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}
