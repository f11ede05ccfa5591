// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package task provides a minimal handle for work running on another goroutine.
//
// Commit and cancel operations in the versioning service are asynchronous:
// they return a *Task immediately and complete in the background. Callers
// that need synchronous behavior call Wait.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The result is published exactly
// once and is visible to every waiter after Done() is closed.
package task

import (
	"context"
	"fmt"
)

// Task is the handle for one asynchronous computation producing a T.
type Task[T any] struct {
	name   string
	done   chan struct{}
	result T
	err    error
}

// Run starts fn on a new goroutine and returns its handle.
//
// # Inputs
//
//   - name: Human-readable task name, used in error messages.
//   - fn: The work. A panic inside fn is converted into an error.
//
// # Outputs
//
//   - *Task[T]: Handle that completes when fn returns.
func Run[T any](name string, fn func() (T, error)) *Task[T] {
	t := &Task[T]{name: name, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("task %s panicked: %v", name, r)
			}
		}()
		t.result, t.err = fn()
	}()
	return t
}

// Completed returns a task that has already finished with the given outcome.
func Completed[T any](name string, result T, err error) *Task[T] {
	t := &Task[T]{name: name, done: make(chan struct{}), result: result, err: err}
	close(t.done)
	return t
}

// Name returns the task name.
func (t *Task[T]) Name() string {
	return t.name
}

// Done returns a channel closed when the task completes.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes or ctx is cancelled.
//
// # Outputs
//
//   - T: The task result (zero value on error).
//   - error: The task error, or ctx.Err() if the wait was abandoned. An
//     abandoned wait does not stop the task.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until completion regardless of context.
func (t *Task[T]) Get() (T, error) {
	<-t.done
	return t.result, t.err
}
