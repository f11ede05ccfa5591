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
	"context"
	"sync"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
)

// CommitListener is told about every successful commit.
//
// HandleCommit runs on the committing goroutine after the commit is durable.
// A returned error or panic is logged and counted; it never fails the
// commit.
type CommitListener interface {
	ListenerName() string
	HandleCommit(ctx context.Context, rec CommitRecord) error
}

// ChronologyChangeListener is told about chronology changes.
//
// committed is false for changes registered with AddUncommitted and true for
// changes that were committed or imported.
type ChronologyChangeListener interface {
	ListenerName() string
	HandleChange(ctx context.Context, c *chronology.Chronology, committed bool)
}

// ImportPostProcessor completes work deferred by ImportNoChecks.
type ImportPostProcessor interface {
	ListenerName() string
	PostProcessImport(ctx context.Context, nids []int32) error
}

// Subscription is the handle returned when registering a checker or
// listener. Drop unregisters it.
type Subscription struct {
	once sync.Once
	drop func()
}

// Drop unregisters the subscription. Safe to call more than once.
func (s *Subscription) Drop() {
	if s == nil {
		return
	}
	s.once.Do(s.drop)
}

type subscriber[T any] struct {
	id    uint64
	value T
}

// subscribers is a registration-ordered set of T.
type subscribers[T any] struct {
	mu      sync.RWMutex
	next    uint64
	entries []subscriber[T]
}

func (s *subscribers[T]) add(v T) *Subscription {
	s.mu.Lock()
	s.next++
	id := s.next
	s.entries = append(s.entries, subscriber[T]{id: id, value: v})
	s.mu.Unlock()
	return &Subscription{drop: func() { s.remove(id) }}
}

func (s *subscribers[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// snapshot returns the current entries in registration order.
func (s *subscribers[T]) snapshot() []subscriber[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]subscriber[T](nil), s.entries...)
}

func (s *subscribers[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *subscribers[T]) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = nil
	return n
}
