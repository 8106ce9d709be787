// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package oplog implements the per-room operation log. The log is
// append-only with tombstoned undo/redo: undone operations stay in the log
// with State flipped to "undone" so that concurrent duplicate requests are
// idempotent and late joiners can replay the authoritative history.
package oplog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/element-hq/scrawl/canvasapi/types"
	"github.com/element-hq/scrawl/canvasapi/vclock"
)

// DefaultMaxOperations caps a room's log; trimming drops the oldest
// entries regardless of state, accepting that very old undos become
// unredoable.
const DefaultMaxOperations = 1000

var (
	// ErrNotFound is returned when the target operation is not in the log,
	// including operations that have been trimmed away.
	ErrNotFound = errors.New("operation not found")
	// ErrWrongState is returned when undoing an already-undone operation or
	// redoing an active one. Callers treat this as a silent no-op.
	ErrWrongState = errors.New("operation is in the wrong state")
	// ErrRoomMismatch is returned by Import when the export belongs to a
	// different room.
	ErrRoomMismatch = errors.New("export is for a different room")
)

// Log is the tombstoned operation log for a single room. All methods are
// safe for concurrent use; the room's single-writer discipline means
// contention is low in practice.
type Log struct {
	mu        sync.Mutex
	roomID    string
	ops       []*types.Operation
	byID      map[string]*types.Operation
	clock     vclock.VectorClock
	createdAt time.Time
	maxOps    int
}

// Snapshot is the full ordered state of a log, sent to late joiners and
// used for export.
type Snapshot struct {
	Operations  []*types.Operation `json:"operations"`
	VectorClock map[string]int64   `json:"vectorClock"`
	CreatedAt   int64              `json:"createdAt"`
}

// Export is a Snapshot bound to its room id, the hook for a future
// persistence layer.
type Export struct {
	RoomID string `json:"roomId"`
	Snapshot
}

// New returns an empty log for roomID. maxOps <= 0 selects
// DefaultMaxOperations.
func New(roomID string, maxOps int) *Log {
	if maxOps <= 0 {
		maxOps = DefaultMaxOperations
	}
	return &Log{
		roomID:    roomID,
		byID:      make(map[string]*types.Operation),
		clock:     vclock.New(),
		createdAt: time.Now(),
		maxOps:    maxOps,
	}
}

// RoomID returns the id of the room this log belongs to.
func (l *Log) RoomID() string {
	return l.roomID
}

// Len returns the number of operations currently held, tombstones included.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

// newOperationID builds a room-unique id. The format is informational
// only; consumers must treat ids as opaque strings.
func newOperationID(userID string, ts int64) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", userID, ts, nonce)
}

// Append records a new operation authored by userID: the room clock ticks
// for the author, the operation is stamped with the resulting snapshot and
// the current wall time, and the log is trimmed to its cap.
func (l *Log) Append(userID string, typ types.OpType, stroke *types.Stroke, clear *types.ClearInfo) *types.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(userID, typ, stroke, clear)
}

func (l *Log) appendLocked(userID string, typ types.OpType, stroke *types.Stroke, clear *types.ClearInfo) *types.Operation {
	now := time.Now().UnixMilli()
	op := &types.Operation{
		ID:          newOperationID(userID, now),
		Type:        typ,
		Stroke:      stroke,
		Clear:       clear,
		UserID:      userID,
		State:       types.StateActive,
		VectorClock: l.clock.Increment(userID),
		Timestamp:   now,
	}
	l.ops = append(l.ops, op)
	l.byID[op.ID] = op
	l.trimLocked()
	return op
}

// Undo flips an active operation to undone, recording the actor. Returns
// ErrNotFound or ErrWrongState; both are expected under concurrent
// duplicates and must not be surfaced to clients.
func (l *Log) Undo(operationID, actingUserID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.byID[operationID]
	if !ok {
		return ErrNotFound
	}
	if op.State != types.StateActive {
		return ErrWrongState
	}
	op.State = types.StateUndone
	op.UndoneBy = actingUserID
	op.UndoneAt = time.Now().UnixMilli()
	return nil
}

// Redo flips an undone operation back to active. Redoing a clear does not
// restore the operations that clear tombstoned; the post-clear state is
// what the clear recorded.
func (l *Log) Redo(operationID, actingUserID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.byID[operationID]
	if !ok {
		return ErrNotFound
	}
	if op.State != types.StateUndone {
		return ErrWrongState
	}
	op.State = types.StateActive
	op.RedoneBy = actingUserID
	op.RedoneAt = time.Now().UnixMilli()
	return nil
}

// Clear appends a clear operation and then tombstones every previously
// active operation, all attributed to the actor. The clear itself is
// undoable and redoable like any other operation.
func (l *Log) Clear(actingUserID string) *types.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()

	cleared := 0
	for _, op := range l.ops {
		if op.State == types.StateActive {
			cleared++
		}
	}
	clearOp := l.appendLocked(actingUserID, types.OpClear, nil, &types.ClearInfo{ClearedCount: cleared})

	now := time.Now().UnixMilli()
	for _, op := range l.ops {
		if op == clearOp || op.State != types.StateActive {
			continue
		}
		op.State = types.StateUndone
		op.UndoneBy = actingUserID
		op.UndoneAt = now
	}
	return clearOp
}

// LastActive returns the newest active operation, or nil. Used to resolve
// an undo request that names no target; the choice of the newest active
// operation regardless of author (global undo) is deliberate.
func (l *Log) LastActive() *types.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.ops) - 1; i >= 0; i-- {
		if l.ops[i].State == types.StateActive {
			return l.ops[i]
		}
	}
	return nil
}

// LastUndone returns the newest undone operation, or nil.
func (l *Log) LastUndone() *types.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.ops) - 1; i >= 0; i-- {
		if l.ops[i].State == types.StateUndone {
			return l.ops[i]
		}
	}
	return nil
}

// Merge folds externally-held operations into the log, deduplicating by
// id. New operations contribute their clocks to the room clock and the
// whole log is re-sorted causally, so late-arriving history from a
// rejoining peer lands before anything it happens-before. Merge is
// idempotent: merging the same set twice leaves the log unchanged.
func (l *Log) Merge(external []*types.Operation) (merged, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, op := range external {
		if op == nil || op.ID == "" {
			continue
		}
		if _, exists := l.byID[op.ID]; exists {
			continue
		}
		cp := *op
		if cp.State != types.StateUndone {
			cp.State = types.StateActive
		}
		l.clock.Merge(cp.VectorClock)
		l.ops = append(l.ops, &cp)
		l.byID[cp.ID] = &cp
		merged++
	}
	if merged > 0 {
		vclock.SortOperations(l.ops)
		l.trimLocked()
	}
	return merged, len(l.ops)
}

// Snapshot returns the ordered operation list and a detached copy of the
// room clock. The operation pointers are shared with the log; callers
// must treat them as read-only.
func (l *Log) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := make([]*types.Operation, len(l.ops))
	copy(ops, l.ops)
	return Snapshot{
		Operations:  ops,
		VectorClock: l.clock.Copy(),
		CreatedAt:   l.createdAt.UnixMilli(),
	}
}

// ExportState captures the log for hand-off to a store or archive.
func (l *Log) ExportState() Export {
	return Export{
		RoomID:   l.roomID,
		Snapshot: l.Snapshot(),
	}
}

// Import restores a previously exported log. The export must belong to
// the same room; existing contents are replaced wholesale.
func (l *Log) Import(exported Export) error {
	if exported.RoomID != l.roomID {
		return fmt.Errorf("%w: have %q, export is %q", ErrRoomMismatch, l.roomID, exported.RoomID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ops = make([]*types.Operation, 0, len(exported.Operations))
	l.byID = make(map[string]*types.Operation, len(exported.Operations))
	l.clock = vclock.New()
	l.clock.Merge(exported.VectorClock)
	for _, op := range exported.Operations {
		if op == nil || op.ID == "" {
			continue
		}
		cp := *op
		l.ops = append(l.ops, &cp)
		l.byID[cp.ID] = &cp
		l.clock.Merge(cp.VectorClock)
	}
	if exported.CreatedAt > 0 {
		l.createdAt = time.UnixMilli(exported.CreatedAt)
	}
	l.trimLocked()
	return nil
}

// trimLocked enforces the cap by dropping from the front. Trimmed
// operations are gone for good: an undo or redo naming one returns
// ErrNotFound.
func (l *Log) trimLocked() {
	if len(l.ops) <= l.maxOps {
		return
	}
	drop := len(l.ops) - l.maxOps
	for _, op := range l.ops[:drop] {
		delete(l.byID, op.ID)
	}
	l.ops = append(l.ops[:0], l.ops[drop:]...)
}
