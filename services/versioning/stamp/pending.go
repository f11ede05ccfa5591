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
	"fmt"
	"maps"

	"github.com/AleutianAI/stampvc/services/versioning/task"
	"github.com/google/uuid"
)

// PendingStampsForCommit returns a copy of the pending map.
//
// # Description
//
// The map covers every transaction system-wide. It is a snapshot: later
// changes to the registry do not show through, and mutating it has no
// effect until handed back to SetPendingStampsForCommit.
func (r *Registry) PendingStampsForCommit() map[UncommittedStamp]int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.pending)
}

// SetPendingStampsForCommit atomically replaces the pending map.
//
// # Description
//
// Used to roll back a failed commit attempt to an earlier snapshot from
// PendingStampsForCommit. Every sequence in the new map is reset to its
// uncommitted stamp, undoing any promotion that happened after the snapshot.
//
// # Thread Safety
//
// Atomic with respect to all other registry operations.
func (r *Registry) SetPendingStampsForCommit(pending map[UncommittedStamp]int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = make(map[UncommittedStamp]int32, len(pending))
	r.pendingSeq = make(map[int32]UncommittedStamp, len(pending))
	for us, seq := range pending {
		r.revertLocked(us, seq)
	}
	pendingStamps.Set(float64(len(r.pending)))
}

// revertLocked puts seq back into the pending state as us.
func (r *Registry) revertLocked(us UncommittedStamp, seq int32) {
	r.growLocked(seq)
	current := r.bySeq[seq]
	if !current.IsUncommitted() {
		if owner, ok := r.byStamp[current]; ok && owner == seq {
			delete(r.byStamp, current)
		}
		delete(r.dirty, seq)
	}
	r.bySeq[seq] = us.Stamp
	r.pending[us] = seq
	r.pendingSeq[seq] = us
}

// PendingForTransaction returns the pending entries minted by txID.
func (r *Registry) PendingForTransaction(txID uuid.UUID) map[UncommittedStamp]int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[UncommittedStamp]int32)
	for us, seq := range r.pending {
		if us.TransactionID == txID {
			out[us] = seq
		}
	}
	return out
}

// PendingCount returns the number of pending stamps across all transactions.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// PromoteTransaction commits every pending stamp minted by txID.
//
// # Description
//
// In one critical section: removes the transaction's entries from the
// pending map and rewrites each sequence to the committed stamp (same
// tuple, Time = commitTime). The sequences are not queued for DrainDirty;
// the committing caller writes them with its batch. Readers never observe
// a partially promoted transaction.
//
// # Inputs
//
//   - txID: The transaction whose stamps are promoted.
//   - commitTime: Commit time in epoch milliseconds. Must not be a sentinel.
//
// # Outputs
//
//   - map[UncommittedStamp]int32: The removed entries. Pass to RestorePending
//     to undo the promotion.
//   - error: Non-nil if commitTime is a sentinel.
func (r *Registry) PromoteTransaction(txID uuid.UUID, commitTime int64) (map[UncommittedStamp]int32, error) {
	if commitTime == TimeUncommitted || commitTime == TimeCanceled {
		return nil, fmt.Errorf("promote transaction %s: commit time %d is a sentinel", txID, commitTime)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	promoted := make(map[UncommittedStamp]int32)
	for us, seq := range r.pending {
		if us.TransactionID != txID {
			continue
		}
		committed := us.Stamp.WithTime(commitTime)
		r.bySeq[seq] = committed
		if _, exists := r.byStamp[committed]; !exists {
			r.byStamp[committed] = seq
		}
		delete(r.pending, us)
		delete(r.pendingSeq, seq)
		promoted[us] = seq
	}
	pendingStamps.Set(float64(len(r.pending)))
	return promoted, nil
}

// RestorePending undoes PromoteTransaction for the given entries.
func (r *Registry) RestorePending(entries map[UncommittedStamp]int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for us, seq := range entries {
		r.revertLocked(us, seq)
	}
	pendingStamps.Set(float64(len(r.pending)))
}

// Cancel asynchronously cancels every pending stamp authored by authorNid.
//
// # Description
//
// Each matching sequence is rewritten to the canceled time and removed from
// the pending map. Pending stamps of other authors are untouched, so this is
// safe while other transactions commit.
//
// # Outputs
//
//   - *task.Task[int]: Completes with the number of stamps canceled.
func (r *Registry) Cancel(authorNid int32) *task.Task[int] {
	return task.Run(fmt.Sprintf("cancel author %d", authorNid), func() (int, error) {
		n := r.cancelMatching(func(us UncommittedStamp) bool { return us.AuthorNid == authorNid })
		r.logger.Info("pending stamps canceled", "author_nid", authorNid, "count", n)
		return n, nil
	})
}

// CancelTransaction synchronously cancels every pending stamp of txID.
func (r *Registry) CancelTransaction(txID uuid.UUID) int {
	return r.cancelMatching(func(us UncommittedStamp) bool { return us.TransactionID == txID })
}

func (r *Registry) cancelMatching(match func(UncommittedStamp) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for us, seq := range r.pending {
		if !match(us) {
			continue
		}
		r.bySeq[seq] = us.Stamp.WithTime(TimeCanceled)
		delete(r.pending, us)
		delete(r.pendingSeq, seq)
		n++
	}
	if n > 0 {
		stampCancellations.Add(float64(n))
	}
	pendingStamps.Set(float64(len(r.pending)))
	return n
}
