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
	"sort"
	"testing"

	"github.com/AleutianAI/stampvc/services/versioning/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsNonNegativeNids(t *testing.T) {
	tests := []struct {
		name                 string
		author, module, path int32
	}{
		{"zero author", 0, -2, -3},
		{"positive module", -1, 5, -3},
		{"positive path", -1, -2, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(StatusActive, 1000, tt.author, tt.module, tt.path)
			assert.ErrorIs(t, err, ErrInvalidNid)
		})
	}
}

func TestStamp_BinaryRoundTrip(t *testing.T) {
	for _, tm := range []int64{0, 1_700_000_000_000, TimeUncommitted, TimeCanceled} {
		s, err := New(StatusInactive, tm, -10, -20, -30)
		require.NoError(t, err)

		b, err := s.MarshalBinary()
		require.NoError(t, err)

		var got Stamp
		require.NoError(t, got.UnmarshalBinary(b))
		assert.Equal(t, s, got)
	}
}

func TestStamp_EncodingLayout(t *testing.T) {
	s, err := New(StatusActive, 5, -1, -2, -3)
	require.NoError(t, err)
	b, err := s.MarshalBinary()
	require.NoError(t, err)

	// 2-byte length + "ACTIVE" + 8-byte time + 3 x 4-byte nids.
	assert.Len(t, b, 2+len("ACTIVE")+8+12)
	assert.Equal(t, []byte{0, 6}, b[:2])
	assert.Equal(t, "ACTIVE", string(b[2:8]))
}

func TestUncommittedStamp_BinaryRoundTrip(t *testing.T) {
	txID := uuid.New()
	us, err := NewUncommitted(txID, StatusActive, -4, -5, -6)
	require.NoError(t, err)

	b, err := us.MarshalBinary()
	require.NoError(t, err)

	var got UncommittedStamp
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, us, got)
	assert.Equal(t, txID, got.TransactionID)
	assert.True(t, got.IsUncommitted())
}

func TestDecodeStamp_UnknownStatus(t *testing.T) {
	w := wire.NewWriter(32)
	w.UTF("RETIRED")
	w.Int64(1)
	w.Int32(-1)
	w.Int32(-1)
	w.Int32(-1)
	b, err := w.Bytes()
	require.NoError(t, err)

	_, err = DecodeStamp(wire.NewReader(b))
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestCompare_TotalOrder(t *testing.T) {
	stamps := []Stamp{
		{StatusActive, 20, -1, -1, -1},
		{StatusInactive, 10, -1, -1, -1},
		{StatusActive, 10, -2, -1, -1},
		{StatusActive, 10, -1, -1, -1},
		{StatusActive, 10, -1, -2, -1},
		{StatusActive, 10, -1, -1, -2},
	}
	sort.Slice(stamps, func(i, j int) bool { return Compare(stamps[i], stamps[j]) < 0 })

	want := []Stamp{
		{StatusInactive, 10, -1, -1, -1},
		{StatusActive, 10, -2, -1, -1},
		{StatusActive, 10, -1, -2, -1},
		{StatusActive, 10, -1, -1, -2},
		{StatusActive, 10, -1, -1, -1},
		{StatusActive, 20, -1, -1, -1},
	}
	assert.Equal(t, want, stamps)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusPrimordial, StatusCanceled, StatusInactive, StatusActive, StatusWithdrawn} {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseStatus("active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got)
}
