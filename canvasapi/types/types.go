// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
)

// OpType labels the kind of canvas mutation an Operation records.
type OpType string

const (
	OpStroke OpType = "stroke"
	OpClear  OpType = "clear"
)

// OpState is the tombstone state of an Operation. Operations are never
// deleted from the log by undo; they flip between the two states.
type OpState string

const (
	StateActive OpState = "active"
	StateUndone OpState = "undone"
)

// Tool identifies the drawing tool a stroke was made with.
type Tool string

const (
	ToolBrush  Tool = "brush"
	ToolEraser Tool = "eraser"
)

// Point is a single sampled position on the canvas, coordinates are
// canvas-local. Pressure is in [0,1] and may be zero for devices that
// don't report it.
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"pressure,omitempty"`
}

// Stroke is a completed (or in-flight) sequence of points with its style.
type Stroke struct {
	Points     []Point `json:"points"`
	Color      string  `json:"color"`
	Width      int     `json:"width"`
	Tool       Tool    `json:"tool"`
	IsComplete bool    `json:"isComplete"`
}

// ClearInfo is the payload recorded by a clear operation: how many
// operations were active at the moment the canvas was wiped.
type ClearInfo struct {
	ClearedCount int `json:"clearedCount"`
}

// Operation is one entry in a room's operation log. Everything except
// State and the audit fields is frozen at append time.
type Operation struct {
	ID          string           `json:"id"`
	Type        OpType           `json:"type"`
	Stroke      *Stroke          `json:"stroke,omitempty"`
	Clear       *ClearInfo       `json:"clear,omitempty"`
	UserID      string           `json:"userId"`
	State       OpState          `json:"state"`
	VectorClock map[string]int64 `json:"vectorClock"`
	Timestamp   int64            `json:"timestamp"` // wall-clock millis, tiebreaker only

	UndoneBy string `json:"undoneBy,omitempty"`
	UndoneAt int64  `json:"undoneAt,omitempty"`
	RedoneBy string `json:"redoneBy,omitempty"`
	RedoneAt int64  `json:"redoneAt,omitempty"`
}

// UserInfo is the public view of a session shared with room peers.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Envelope is the wire framing for both directions: a tagged event name,
// an optional client-assigned sequence number for ack correlation, and
// the event-specific payload left undecoded until the event is known.
type Envelope struct {
	Event   string          `json:"event"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client→server event names.
const (
	EventJoinRoom    = "join_room"
	EventDrawStart   = "draw_start"
	EventDrawBatch   = "draw_batch"
	EventDrawEnd     = "draw_end"
	EventUndo        = "undo"
	EventRedo        = "redo"
	EventClearCanvas = "clear_canvas"
	EventCursorMove  = "cursor_move"
	EventMergeState  = "merge_state"
)

// Server→client event names.
const (
	EventAck             = "ack"
	EventError           = "error"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventUsersList       = "users_list"
	EventRemoteDrawBatch = "remote_draw_batch"
	EventRemoteDrawEnd   = "remote_draw_end"
	EventRemoteUndo      = "remote_undo"
	EventRemoteRedo      = "remote_redo"
	EventRemoteClear     = "remote_clear"
	EventRemoteCursor    = "remote_cursor"
	EventSyncState       = "sync_state"
	EventMergeResult     = "merge_result"
)

// JoinRoomRequest asks for admission to a room. Username is optional; the
// server invents one when it is absent.
type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
}

// JoinRoomAck is the payload of the ack envelope answering join_room.
type JoinRoomAck struct {
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	UserID  string    `json:"userId,omitempty"`
	User    *UserInfo `json:"user,omitempty"`
	Room    *RoomInfo `json:"room,omitempty"`
}

// RoomInfo summarises a room for the joiner's ack.
type RoomInfo struct {
	ID        string `json:"id"`
	UserCount int    `json:"userCount"`
	OpCount   int    `json:"opCount"`
}

type DrawStart struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Color     string  `json:"color"`
	Width     int     `json:"width"`
	Tool      Tool    `json:"tool"`
	Timestamp int64   `json:"timestamp"`
}

type DrawBatch struct {
	Points    []Point `json:"points"`
	Timestamp int64   `json:"timestamp"`
}

type DrawEnd struct {
	Stroke    *Stroke `json:"stroke"`
	Timestamp int64   `json:"timestamp"`
}

// UndoRedo carries an optional explicit target. Without one the server
// resolves the newest active (undo) or newest undone (redo) operation.
type UndoRedo struct {
	OperationID string `json:"operationId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

type CursorMove struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

// MergeState is a rejoining client's local history offered for merge.
type MergeState struct {
	Operations []*Operation `json:"operations"`
}

type RemoteDrawBatch struct {
	UserID    string  `json:"userId"`
	Points    []Point `json:"points"`
	Color     string  `json:"color,omitempty"`
	Width     int     `json:"width,omitempty"`
	Tool      Tool    `json:"tool,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

type RemoteDrawEnd struct {
	UserID      string  `json:"userId"`
	Stroke      *Stroke `json:"stroke"`
	OperationID string  `json:"operationId"`
	Timestamp   int64   `json:"timestamp"`
}

type RemoteStateChange struct {
	UserID      string `json:"userId"`
	OperationID string `json:"operationId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

type RemoteCursor struct {
	UserID    string  `json:"userId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

type UserJoined struct {
	User UserInfo `json:"user"`
}

type UserLeft struct {
	User UserInfo `json:"user"`
}

type UsersList struct {
	Users []UserInfo `json:"users"`
}

type SyncState struct {
	Operations []*Operation `json:"operations"`
	Timestamp  int64        `json:"timestamp"`
}

type MergeResult struct {
	Merged int `json:"merged"`
	Total  int `json:"total"`
}

type ErrorMessage struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"msg"`
}

// Critical reports whether an outbound event must survive send-queue
// backpressure. In-flight drawing and cursor traffic is best-effort and
// may be dropped; everything else carries authoritative state.
func Critical(event string) bool {
	switch event {
	case EventRemoteDrawBatch, EventRemoteCursor:
		return false
	default:
		return true
	}
}
