// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package vclock implements the per-room vector clock used to establish a
// partial causal order over canvas operations. A clock is a map from user id
// to a monotone counter; comparison is over the union of keys, so a user
// absent from one side counts as zero.
package vclock

import (
	"sort"

	"github.com/element-hq/scrawl/canvasapi/types"
)

// VectorClock maps user ids to monotone non-negative counters. The zero
// value of a missing key is 0, so clocks from different participant sets
// compare cleanly.
type VectorClock map[string]int64

// New returns an empty clock.
func New() VectorClock {
	return make(VectorClock)
}

// Copy returns a detached copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Increment raises the counter for userID by one and returns a frozen
// snapshot of the whole clock, suitable for stamping onto an operation.
func (vc VectorClock) Increment(userID string) VectorClock {
	vc[userID]++
	return vc.Copy()
}

// Merge folds a remote clock into this one, taking the componentwise
// maximum. Keys only present remotely are adopted.
func (vc VectorClock) Merge(remote map[string]int64) {
	for k, v := range remote {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Compare establishes the causal relation between two clocks:
//
//	-1  a happens-before b
//	+1  b happens-before a
//	 0  equal or concurrent
func Compare(a, b map[string]int64) int {
	aLess, bLess := false, false
	for k, av := range a {
		bv := b[k]
		if av < bv {
			aLess = true
		} else if av > bv {
			bLess = true
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; ok {
			continue // already compared above
		}
		if bv > 0 {
			aLess = true
		}
	}
	switch {
	case aLess && !bLess:
		return -1
	case bLess && !aLess:
		return 1
	default:
		return 0
	}
}

// SortOperations orders ops causally in place: happens-before pairs keep
// their causal order, concurrent pairs are tied deterministically by
// timestamp and then by id. The sort is stable, so repeated sorting of the
// same input yields identical output.
func SortOperations(ops []*types.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		switch Compare(ops[i].VectorClock, ops[j].VectorClock) {
		case -1:
			return true
		case 1:
			return false
		}
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].ID < ops[j].ID
	})
}
