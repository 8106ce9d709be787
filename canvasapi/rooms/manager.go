// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package rooms

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/scrawl/canvasapi/oplog"
	"github.com/element-hq/scrawl/setup/config"
	"github.com/element-hq/scrawl/setup/process"
)

var (
	// ErrRoomFull rejects admission to a room at capacity.
	ErrRoomFull = errors.New("room_full")
	// ErrAlreadyJoined rejects a second join_room on a connection that
	// already holds a session.
	ErrAlreadyJoined = errors.New("already_joined")
)

// Manager is the process-wide directory of rooms and sessions. It handles
// admission, routing of broadcasts, the empty-room grace timers and the
// periodic reaper. Rooms are created lazily on first join and revived from
// the snapshot archive when one with the same id was reaped recently.
type Manager struct {
	cfg     *config.Rooms
	process *process.ProcessContext

	mu          sync.RWMutex
	rooms       map[string]*Room
	sessions    map[string]*Session // connection key → session
	graceTimers map[string]*time.Timer

	// archive holds exported logs of deleted rooms for a short TTL, so a
	// rejoin within the window restores the drawing. This is the concrete
	// consumer of the log's export/import hooks; nothing here outlives the
	// process.
	archive *gocache.Cache

	startedAt  time.Time
	totalJoins atomic.Int64
}

// NewManager creates a Manager. Call Start to run the reaper.
func NewManager(processCtx *process.ProcessContext, cfg *config.Rooms) *Manager {
	return &Manager{
		cfg:         cfg,
		process:     processCtx,
		rooms:       make(map[string]*Room),
		sessions:    make(map[string]*Session),
		graceTimers: make(map[string]*time.Timer),
		archive:     gocache.New(cfg.ArchiveTTL.Std(), 10*time.Minute),
		startedAt:   time.Now(),
	}
}

func newUserID() string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("user_%d_%s", time.Now().UnixMilli(), nonce)
}

// Join admits a connection to roomID, creating or reviving the room if
// necessary. An empty username gets a generated display name. Returns
// ErrRoomFull or ErrAlreadyJoined on rejection; the connection stays open
// either way.
func (m *Manager) Join(client Client, roomID, username string) (*Session, *Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[client.Key()]; ok {
		joinRejections.WithLabelValues("already_joined").Inc()
		return nil, nil, ErrAlreadyJoined
	}

	room, ok := m.rooms[roomID]
	if !ok {
		room = newRoom(roomID, m.cfg.MaxOperations)
		m.restoreFromArchive(room)
		m.rooms[roomID] = room
		activeRooms.Set(float64(len(m.rooms)))
		log.WithField("room_id", roomID).Info("Created room")
	}
	// A rejoin within the grace period revives the room: cancel the
	// pending delete.
	if timer, ok := m.graceTimers[roomID]; ok {
		timer.Stop()
		delete(m.graceTimers, roomID)
	}

	if room.MemberCount() >= m.cfg.MaxUsersPerRoom {
		joinRejections.WithLabelValues("room_full").Inc()
		return nil, nil, ErrRoomFull
	}

	if username == "" {
		username = generateName()
	}
	session := &Session{
		ID:           newUserID(),
		Client:       client,
		Name:         username,
		Color:        room.assignColor(),
		RoomID:       roomID,
		JoinedAt:     time.Now(),
		LastActivity: time.Now(),
	}
	room.addMember(session)
	m.sessions[client.Key()] = session
	m.totalJoins.Inc()
	joinsTotal.Inc()
	activeSessions.Set(float64(len(m.sessions)))

	log.WithFields(log.Fields{
		"room_id": roomID,
		"user_id": session.ID,
		"name":    session.Name,
		"members": room.MemberCount(),
	}).Info("User joined room")
	return session, room, nil
}

// Leave tears down the session held by the connection, if any, and returns
// it together with its room. Emptied rooms are scheduled for deletion
// after the grace period.
func (m *Manager) Leave(clientKey string) (*Session, *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[clientKey]
	if !ok {
		return nil, nil
	}
	delete(m.sessions, clientKey)
	activeSessions.Set(float64(len(m.sessions)))

	room := m.rooms[session.RoomID]
	if room == nil {
		return session, nil
	}
	room.removeMember(session.ID)
	log.WithFields(log.Fields{
		"room_id": room.ID,
		"user_id": session.ID,
		"members": room.MemberCount(),
	}).Info("User left room")

	if room.MemberCount() == 0 {
		m.scheduleGraceDeleteLocked(room.ID)
	}
	return session, room
}

// scheduleGraceDeleteLocked arms the empty-room timer. The delete fires
// only if the room is still empty and has seen no activity for the whole
// grace period; a join in the meantime disarms it.
func (m *Manager) scheduleGraceDeleteLocked(roomID string) {
	if timer, ok := m.graceTimers[roomID]; ok {
		timer.Stop()
	}
	grace := m.cfg.EmptyRoomGrace.Std()
	m.graceTimers[roomID] = time.AfterFunc(grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.graceTimers, roomID)
		room, ok := m.rooms[roomID]
		if !ok || room.MemberCount() > 0 {
			return
		}
		// Activity during the grace period defers deletion: re-arm
		// instead of dropping the check.
		if time.Since(room.LastActivity()) < grace {
			m.scheduleGraceDeleteLocked(roomID)
			return
		}
		m.deleteRoomLocked(room, "empty_grace")
	})
}

// deleteRoomLocked removes the room, archives its log if it has one, and
// drops any sessions that still referenced it. Callers hold m.mu.
func (m *Manager) deleteRoomLocked(room *Room, reason string) {
	for _, s := range room.Members() {
		delete(m.sessions, s.Client.Key())
		room.removeMember(s.ID)
	}
	delete(m.rooms, room.ID)
	activeRooms.Set(float64(len(m.rooms)))
	activeSessions.Set(float64(len(m.sessions)))
	roomsDeleted.WithLabelValues(reason).Inc()

	if room.log.Len() > 0 {
		m.archive.Set(room.ID, room.log.ExportState(), gocache.DefaultExpiration)
	}
	log.WithFields(log.Fields{
		"room_id": room.ID,
		"reason":  reason,
		"ops":     room.log.Len(),
	}).Info("Deleted room")
}

// restoreFromArchive imports an archived export into a freshly created
// room, if one exists for its id.
func (m *Manager) restoreFromArchive(room *Room) {
	v, ok := m.archive.Get(room.ID)
	if !ok {
		return
	}
	m.archive.Delete(room.ID)
	exported, ok := v.(oplog.Export)
	if !ok {
		return
	}
	if err := room.log.Import(exported); err != nil {
		log.WithError(err).WithField("room_id", room.ID).Warn("Failed to restore archived room")
		return
	}
	archiveRestores.Inc()
	log.WithFields(log.Fields{
		"room_id": room.ID,
		"ops":     room.log.Len(),
	}).Info("Restored room from archive")
}

// Room returns the live room with the given id, or nil.
func (m *Manager) Room(roomID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID]
}

// SessionFor returns the session bound to a connection, or nil. Unknown
// connections are normal (pre-join traffic) and not an error.
func (m *Manager) SessionFor(clientKey string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[clientKey]
}

// BroadcastToRoom fans an event out to the members of roomID, excluding
// excludeUserID when non-empty. Broadcasts to a deleted room are silent
// no-ops.
func (m *Manager) BroadcastToRoom(roomID, event string, payload interface{}, excludeUserID string) {
	room := m.Room(roomID)
	if room == nil {
		return
	}
	room.Broadcast(event, payload, excludeUserID)
}

// BroadcastToAll sends an event to every session in every room.
func (m *Manager) BroadcastToAll(event string, payload interface{}) {
	m.mu.RLock()
	roomsSnapshot := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		roomsSnapshot = append(roomsSnapshot, r)
	}
	m.mu.RUnlock()
	for _, r := range roomsSnapshot {
		r.Broadcast(event, payload, "")
	}
}

// Touch records activity for the session bound to a connection.
func (m *Manager) Touch(clientKey string) {
	session := m.SessionFor(clientKey)
	if session == nil {
		return
	}
	if room := m.Room(session.RoomID); room != nil {
		room.touchMember(session.ID)
	}
}

// Start launches the periodic reaper. It stops when the process context
// is cancelled.
func (m *Manager) Start() {
	m.process.ComponentStarted()
	go func() {
		defer m.process.ComponentFinished()
		ticker := time.NewTicker(m.cfg.ReaperInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-m.process.WaitForShutdown():
				m.stopTimers()
				return
			case <-ticker.C:
				m.reap()
			}
		}
	}()
}

// reap deletes rooms that have been empty for at least the idle window,
// and rooms with no activity for the stale window even if they still hold
// sessions. The latter sweeps rooms kept alive only by dead connections.
func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, room := range m.rooms {
		idle := now.Sub(room.LastActivity())
		switch {
		case room.MemberCount() == 0 && idle >= m.cfg.IdleRoomReap.Std():
			m.deleteRoomLocked(room, "idle_empty")
		case idle >= m.cfg.StaleRoomReap.Std():
			m.deleteRoomLocked(room, "stale")
		}
	}
}

func (m *Manager) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.graceTimers {
		timer.Stop()
		delete(m.graceTimers, id)
	}
}

// RoomStats describes one live room in the stats output.
type RoomStats struct {
	ID           string `json:"id"`
	Users        int    `json:"users"`
	Operations   int    `json:"operations"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
}

// Stats is the payload of the /stats endpoint.
type Stats struct {
	Rooms         int         `json:"rooms"`
	Sessions      int         `json:"sessions"`
	TotalJoins    int64       `json:"totalJoins"`
	ArchivedRooms int         `json:"archivedRooms"`
	UptimeSeconds int64       `json:"uptimeSeconds"`
	RoomList      []RoomStats `json:"roomList"`
}

// Stats returns a point-in-time view of the manager.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Rooms:         len(m.rooms),
		Sessions:      len(m.sessions),
		TotalJoins:    m.totalJoins.Load(),
		ArchivedRooms: m.archive.ItemCount(),
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
		RoomList:      make([]RoomStats, 0, len(m.rooms)),
	}
	for _, room := range m.rooms {
		stats.RoomList = append(stats.RoomList, RoomStats{
			ID:           room.ID,
			Users:        room.MemberCount(),
			Operations:   room.log.Len(),
			CreatedAt:    room.CreatedAt().UnixMilli(),
			LastActivity: room.LastActivity().UnixMilli(),
		})
	}
	return stats
}
