// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsResult(t *testing.T) {
	tk := Run("sum", func() (int, error) { return 42, nil })

	v, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, "sum", tk.Name())
}

func TestRun_PropagatesError(t *testing.T) {
	want := errors.New("boom")
	tk := Run("fail", func() (string, error) { return "", want })

	_, err := tk.Get()
	assert.ErrorIs(t, err, want)
}

func TestRun_RecoversPanic(t *testing.T) {
	tk := Run("panics", func() (int, error) { panic("bad") })

	_, err := tk.Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestWait_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	tk := Run("slow", func() (int, error) {
		<-release
		return 1, nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tk.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompleted(t *testing.T) {
	tk := Completed("done", 7, nil)

	select {
	case <-tk.Done():
	default:
		t.Fatal("completed task should be done")
	}
	v, err := tk.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
