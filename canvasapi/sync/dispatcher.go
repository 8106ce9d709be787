// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sync is the wire side of the canvas engine: it upgrades
// websocket connections, decodes the tagged event envelopes and translates
// them into room mutations and broadcasts.
package sync

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/scrawl/canvasapi/rooms"
	"github.com/element-hq/scrawl/canvasapi/types"
	"github.com/element-hq/scrawl/ip"
	"github.com/element-hq/scrawl/setup/config"
)

// Dispatcher owns the per-connection message loops. One Dispatcher serves
// every connection in the process; per-connection state lives on the
// connection itself and in the room manager's session index.
type Dispatcher struct {
	cfg     *config.Sync
	rooms   *rooms.Manager
	sentry  bool
	upgrade websocket.Upgrader
}

func NewDispatcher(cfg *config.Sync, manager *rooms.Manager, sentryEnabled bool) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		rooms:  manager,
		sentry: sentryEnabled,
		upgrade: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The canvas client is served from arbitrary origins in
			// development; admission control happens at join_room.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and runs the connection's read loop until
// it disconnects. preboundRoomID, when non-empty, is used for a join_room
// that names no room (the /ws/{roomID} form).
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request, preboundRoomID string) {
	ws, err := d.upgrade.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	conn := newConnection(ws, d.cfg)
	openConnections.Inc()
	defer openConnections.Dec()
	log.WithFields(log.Fields{
		"conn":   conn.key,
		"remote": ip.RemoteAddr(r),
	}).Debug("Websocket connected")

	go conn.writePump()
	d.readPump(conn, preboundRoomID)
}

// readPump decodes frames off the socket and dispatches them. A panic in
// a handler is recovered, reported, and kills only this connection. On
// any exit the disconnect path runs so the session never outlives the
// socket.
func (d *Dispatcher) readPump(conn *connection, preboundRoomID string) {
	defer func() {
		if rec := recover(); rec != nil {
			dispatcherPanics.Inc()
			log.WithFields(log.Fields{
				"conn":  conn.key,
				"panic": rec,
			}).Error("Recovered panic in connection dispatcher")
			if d.sentry {
				sentry.CurrentHub().Recover(rec)
			}
		}
		conn.close()
		d.disconnect(conn)
	}()

	conn.ws.SetReadLimit(d.cfg.MaxMessageBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(d.cfg.PongTimeout.Std()))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(d.cfg.PongTimeout.Std()))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("conn", conn.key).Debug("Websocket read error")
			}
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.Send(types.EventError, &types.ErrorMessage{Code: "bad_envelope", Message: "could not decode message"})
			continue
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(d.cfg.PongTimeout.Std()))
		d.dispatch(conn, &env, preboundRoomID)
	}
}

func (d *Dispatcher) dispatch(conn *connection, env *types.Envelope, preboundRoomID string) {
	messagesReceived.WithLabelValues(env.Event).Inc()

	if env.Event == types.EventJoinRoom {
		d.handleJoin(conn, env, preboundRoomID)
		return
	}

	// Every other event needs a session. An unknown session is expected
	// (pre-join traffic, raced disconnects) and dropped without side
	// effects.
	session := d.rooms.SessionFor(conn.key)
	if session == nil {
		return
	}
	room := d.rooms.Room(session.RoomID)
	if room == nil {
		return
	}
	d.rooms.Touch(conn.key)

	switch env.Event {
	case types.EventDrawStart:
		d.handleDrawStart(session, room, env.Payload)
	case types.EventDrawBatch:
		d.handleDrawBatch(session, room, env.Payload)
	case types.EventDrawEnd:
		d.handleDrawEnd(session, room, env.Payload)
	case types.EventUndo:
		d.handleUndoRedo(session, room, env.Payload, false)
	case types.EventRedo:
		d.handleUndoRedo(session, room, env.Payload, true)
	case types.EventClearCanvas:
		d.handleClear(session, room)
	case types.EventCursorMove:
		d.handleCursorMove(session, room, env.Payload)
	case types.EventMergeState:
		d.handleMergeState(session, room, env.Payload)
	default:
		log.WithFields(log.Fields{
			"conn":  conn.key,
			"event": env.Event,
		}).Debug("Ignoring unknown event")
	}
}

// handleJoin runs admission and, on success, the join choreography in its
// fixed order: user_joined to the others, then users_list to the joiner,
// then sync_state if there is history to replay. The ack always goes out,
// success or failure, so the client's join waiter never stalls.
func (d *Dispatcher) handleJoin(conn *connection, env *types.Envelope, preboundRoomID string) {
	var req types.JoinRoomRequest
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			conn.sendAck(env.Seq, &types.JoinRoomAck{Success: false, Error: "bad_request"})
			return
		}
	}
	if req.RoomID == "" {
		req.RoomID = preboundRoomID
	}
	if req.RoomID == "" {
		conn.sendAck(env.Seq, &types.JoinRoomAck{Success: false, Error: "missing_room_id"})
		return
	}

	session, room, err := d.rooms.Join(conn, req.RoomID, req.Username)
	if err != nil {
		reason := "join_failed"
		switch {
		case errors.Is(err, rooms.ErrRoomFull):
			reason = "room_full"
		case errors.Is(err, rooms.ErrAlreadyJoined):
			reason = "already_joined"
		}
		conn.sendAck(env.Seq, &types.JoinRoomAck{Success: false, Error: reason})
		return
	}

	room.Serialize(func() {
		conn.sendAck(env.Seq, &types.JoinRoomAck{
			Success: true,
			UserID:  session.ID,
			User:    ptr(session.Info()),
			Room:    room.Info(),
		})
		room.Broadcast(types.EventUserJoined, &types.UserJoined{User: session.Info()}, session.ID)
		conn.Send(types.EventUsersList, &types.UsersList{Users: room.Roster()})
		if snapshot := room.Log().Snapshot(); len(snapshot.Operations) > 0 {
			conn.Send(types.EventSyncState, &types.SyncState{
				Operations: snapshot.Operations,
				Timestamp:  time.Now().UnixMilli(),
			})
		}
	})
}

// handleDrawStart relays the first point of an in-flight stroke. Nothing
// is logged: only draw_end materialises a log entry.
func (d *Dispatcher) handleDrawStart(session *rooms.Session, room *rooms.Room, payload json.RawMessage) {
	var req types.DrawStart
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	room.Broadcast(types.EventRemoteDrawBatch, &types.RemoteDrawBatch{
		UserID:    session.ID,
		Points:    []types.Point{{X: req.X, Y: req.Y}},
		Color:     req.Color,
		Width:     req.Width,
		Tool:      req.Tool,
		Timestamp: req.Timestamp,
	}, session.ID)
}

func (d *Dispatcher) handleDrawBatch(session *rooms.Session, room *rooms.Room, payload json.RawMessage) {
	var req types.DrawBatch
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Points) == 0 {
		return
	}
	room.Broadcast(types.EventRemoteDrawBatch, &types.RemoteDrawBatch{
		UserID:    session.ID,
		Points:    req.Points,
		Timestamp: req.Timestamp,
	}, session.ID)
}

// handleDrawEnd appends the completed stroke and announces it to the
// other members. The sender drew optimistically and must not get an echo.
func (d *Dispatcher) handleDrawEnd(session *rooms.Session, room *rooms.Room, payload json.RawMessage) {
	var req types.DrawEnd
	if err := json.Unmarshal(payload, &req); err != nil || req.Stroke == nil || len(req.Stroke.Points) == 0 {
		return
	}
	sanitizeStroke(req.Stroke)

	room.Serialize(func() {
		op := room.Log().Append(session.ID, types.OpStroke, req.Stroke, nil)
		operationsAppended.WithLabelValues(string(types.OpStroke)).Inc()
		room.Broadcast(types.EventRemoteDrawEnd, &types.RemoteDrawEnd{
			UserID:      session.ID,
			Stroke:      req.Stroke,
			OperationID: op.ID,
			Timestamp:   op.Timestamp,
		}, session.ID)
	})
}

// handleUndoRedo flips an operation's tombstone state. Without an
// explicit target, undo resolves to the newest active operation and redo
// to the newest undone one (global undo, regardless of author). The
// resulting state change is broadcast to everyone including the sender:
// it is the authoritative confirmation the sender's own client applies.
// A failed flip is a silent no-op; duplicates are expected.
func (d *Dispatcher) handleUndoRedo(session *rooms.Session, room *rooms.Room, payload json.RawMessage, redo bool) {
	var req types.UndoRedo
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
	}

	room.Serialize(func() {
		logStore := room.Log()
		targetID := req.OperationID
		if targetID == "" {
			var target *types.Operation
			if redo {
				target = logStore.LastUndone()
			} else {
				target = logStore.LastActive()
			}
			if target == nil {
				return
			}
			targetID = target.ID
		}

		var err error
		event := types.EventRemoteUndo
		if redo {
			err = logStore.Redo(targetID, session.ID)
			event = types.EventRemoteRedo
		} else {
			err = logStore.Undo(targetID, session.ID)
		}
		if err != nil {
			// operation_not_found / wrong_state: no broadcast, no client
			// error. Concurrent duplicates have to be idempotent.
			log.WithError(err).WithFields(log.Fields{
				"room_id":      room.ID,
				"user_id":      session.ID,
				"operation_id": targetID,
			}).Debug("Ignoring failed state flip")
			return
		}
		room.Broadcast(event, &types.RemoteStateChange{
			UserID:      session.ID,
			OperationID: targetID,
			Timestamp:   time.Now().UnixMilli(),
		}, "")
	})
}

// handleClear appends a clear operation, tombstones everything active,
// and tells every member including the sender.
func (d *Dispatcher) handleClear(session *rooms.Session, room *rooms.Room) {
	room.Serialize(func() {
		op := room.Log().Clear(session.ID)
		operationsAppended.WithLabelValues(string(types.OpClear)).Inc()
		room.Broadcast(types.EventRemoteClear, &types.RemoteStateChange{
			UserID:      session.ID,
			OperationID: op.ID,
			Timestamp:   op.Timestamp,
		}, "")
	})
}

func (d *Dispatcher) handleCursorMove(session *rooms.Session, room *rooms.Room, payload json.RawMessage) {
	var req types.CursorMove
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	room.Broadcast(types.EventRemoteCursor, &types.RemoteCursor{
		UserID:    session.ID,
		X:         req.X,
		Y:         req.Y,
		Timestamp: req.Timestamp,
	}, session.ID)
}

// handleMergeState folds a rejoining client's local history into the log
// and then re-syncs every member from the re-sorted result, so all
// replicas converge on the same causal order.
func (d *Dispatcher) handleMergeState(session *rooms.Session, room *rooms.Room, payload json.RawMessage) {
	var req types.MergeState
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Operations) == 0 {
		return
	}

	room.Serialize(func() {
		merged, total := room.Log().Merge(req.Operations)
		session.Client.Send(types.EventMergeResult, &types.MergeResult{Merged: merged, Total: total})
		if merged == 0 {
			return
		}
		snapshot := room.Log().Snapshot()
		room.Broadcast(types.EventSyncState, &types.SyncState{
			Operations: snapshot.Operations,
			Timestamp:  time.Now().UnixMilli(),
		}, "")
	})
}

// disconnect runs the leave path for a dropped connection and tells the
// remaining members who left and what the roster now looks like.
func (d *Dispatcher) disconnect(conn *connection) {
	session, room := d.rooms.Leave(conn.key)
	if session == nil || room == nil {
		return
	}
	room.Serialize(func() {
		room.Broadcast(types.EventUserLeft, &types.UserLeft{
			User: types.UserInfo{ID: session.ID, Name: session.Name},
		}, "")
		room.Broadcast(types.EventUsersList, &types.UsersList{Users: room.Roster()}, "")
	})
}

// sanitizeStroke clamps stroke fields into their contract ranges so an
// append never fails after admission.
func sanitizeStroke(s *types.Stroke) {
	if s.Width < 1 {
		s.Width = 1
	} else if s.Width > 50 {
		s.Width = 50
	}
	if s.Tool != types.ToolEraser {
		s.Tool = types.ToolBrush
	}
	s.IsComplete = true
	for i := range s.Points {
		if s.Points[i].Pressure < 0 {
			s.Points[i].Pressure = 0
		} else if s.Points[i].Pressure > 1 {
			s.Points[i].Pressure = 1
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
