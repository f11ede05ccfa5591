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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() CommitRecord {
	return CommitRecord{
		CommitTime:      1_700_000_000_000,
		StampSequences:  []int32{3, 4, 9},
		AliasPairs:      []AliasPair{{StampSequence: 3, Alias: 12}},
		ConceptNids:     []int32{-40, -12},
		SemanticNids:    []int32{-7},
		Comment:         "add parent",
		TransactionName: "classifier run",
		TransactionID:   uuid.MustParse("7d1c9b0e-3f2a-4c4e-8a55-0d6f1e2b3c4d"),
	}
}

func TestCommitRecord_RoundTrip(t *testing.T) {
	rec := sampleRecord()
	b, err := rec.MarshalBinary()
	require.NoError(t, err)

	var got CommitRecord
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, rec, got)
}

func TestCommitRecord_AbsentTransactionFields(t *testing.T) {
	rec := CommitRecord{CommitTime: 5, Comment: "bulk"}
	b, err := rec.MarshalBinary()
	require.NoError(t, err)

	got, err := DecodeRecord(b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.Equal(t, uuid.Nil, got.TransactionID)
}

func TestCommitRecord_DecodesVersion1(t *testing.T) {
	rec := sampleRecord()
	b, err := rec.encode(recordVersion1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, b[:2])

	got, err := DecodeRecord(b)
	require.NoError(t, err)
	want := rec
	want.TransactionName = ""
	want.TransactionID = uuid.Nil
	assert.Equal(t, want, got)
}

func TestCommitRecord_RejectsBadInput(t *testing.T) {
	good, err := sampleRecord().MarshalBinary()
	require.NoError(t, err)

	t.Run("unknown version", func(t *testing.T) {
		bad := append([]byte{0, 9}, good[2:]...)
		_, err := DecodeRecord(bad)
		assert.ErrorIs(t, err, ErrUnsupportedRecordVersion)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := DecodeRecord(good[:len(good)-3])
		assert.Error(t, err)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := DecodeRecord(append(append([]byte(nil), good...), 0))
		assert.ErrorContains(t, err, "trailing")
	})

	t.Run("huge alias count", func(t *testing.T) {
		rec := CommitRecord{CommitTime: 1}
		b, err := rec.MarshalBinary()
		require.NoError(t, err)
		// version(2) + time(8) + empty stamp array(4) puts the alias count at 14.
		b[14], b[15], b[16], b[17] = 0x00, 0xff, 0xff, 0xff
		_, err = DecodeRecord(b)
		assert.Error(t, err)
	})
}

func TestCommitRecord_CloneIsDeep(t *testing.T) {
	rec := sampleRecord()
	c := rec.Clone()
	c.StampSequences[0] = 99
	c.AliasPairs[0].Alias = 99
	assert.Equal(t, int32(3), rec.StampSequences[0])
	assert.Equal(t, int32(12), rec.AliasPairs[0].Alias)
}

func TestCommitRecord_Touches(t *testing.T) {
	rec := sampleRecord()
	assert.True(t, rec.Touches(-12))
	assert.True(t, rec.Touches(-7))
	assert.False(t, rec.Touches(-8))
}

func TestAlert_PreventsCheckerPass(t *testing.T) {
	assert.True(t, ErrorAlert("x").PreventsCheckerPass())
	assert.False(t, Alert{Type: AlertError}.PreventsCheckerPass(), "non-blocking error")
	assert.False(t, Alert{Type: AlertWarning, Blocking: true}.PreventsCheckerPass())
	assert.False(t, WarningAlert("w").PreventsCheckerPass())

	var c AlertCollection
	c.Add(*WarningAlert("w"))
	assert.False(t, c.Blocking())
	c.Add(*ErrorAlert("e"))
	assert.True(t, c.Blocking())
	assert.Equal(t, 2, c.Len())
}
