// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package rooms owns the lifecycle of collaborative canvas rooms: admission
// and capacity, color assignment, activity tracking, broadcast fan-out and
// the reaping of idle rooms.
package rooms

import (
	"fmt"
	"sync"
	"time"

	"github.com/element-hq/scrawl/canvasapi/oplog"
	"github.com/element-hq/scrawl/canvasapi/types"
)

// Palette is the fixed set of member colors. When a room has more members
// than palette entries, further members get a generated hue.
var Palette = [...]string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// Client is the transport-side handle for one connection. Send queues an
// event for delivery and reports whether the connection could still accept
// it; the rooms package never blocks on a peer.
type Client interface {
	Key() string
	Send(event string, payload interface{}) bool
}

// Session binds a connection to a room membership.
type Session struct {
	ID       string
	Client   Client
	Name     string
	Color    string
	RoomID   string
	JoinedAt time.Time
	// LastActivity is guarded by the owning room's lock.
	LastActivity time.Time
}

// Info returns the public view of the session shared with peers.
func (s *Session) Info() types.UserInfo {
	return types.UserInfo{ID: s.ID, Name: s.Name, Color: s.Color}
}

// Room binds one operation log to a membership and an activity clock.
type Room struct {
	ID string

	mu           sync.RWMutex
	members      map[string]*Session // user id → session
	log          *oplog.Log
	createdAt    time.Time
	lastActivity time.Time
	colorSeed    int

	// writer serializes log mutation + broadcast enqueue across the
	// connections of this room, so authoritative events form one linear
	// sequence observed identically by every peer.
	writer sync.Mutex
}

func newRoom(id string, maxOps int) *Room {
	now := time.Now()
	return &Room{
		ID:           id,
		members:      make(map[string]*Session),
		log:          oplog.New(id, maxOps),
		createdAt:    now,
		lastActivity: now,
	}
}

// Log returns the room's operation log.
func (r *Room) Log() *oplog.Log {
	return r.log
}

// Serialize runs fn under the room's writer lock. Dispatcher handlers use
// this for any step that mutates the log and enqueues broadcasts, which
// gives the room its single-writer discipline without holding the
// membership lock across fan-out.
func (r *Room) Serialize(fn func()) {
	r.writer.Lock()
	defer r.writer.Unlock()
	fn()
}

func (r *Room) addMember(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[s.ID] = s
	r.lastActivity = time.Now()
}

func (r *Room) removeMember(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.members[userID]
	delete(r.members, userID)
	r.lastActivity = time.Now()
	return s
}

// Members returns a point-in-time snapshot of the membership, so fan-out
// can iterate while joins and leaves proceed.
func (r *Room) Members() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, s)
	}
	return out
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Roster returns the public user list, for users_list payloads.
func (r *Room) Roster() []types.UserInfo {
	members := r.Members()
	users := make([]types.UserInfo, 0, len(members))
	for _, s := range members {
		users = append(users, s.Info())
	}
	return users
}

// Broadcast fans event out to every member except excludeUserID (empty
// string excludes nobody). Delivery is enqueue-only; slow peers shed
// best-effort traffic in their own send queues.
func (r *Room) Broadcast(event string, payload interface{}, excludeUserID string) {
	for _, s := range r.Members() {
		if s.ID == excludeUserID {
			continue
		}
		if !s.Client.Send(event, payload) {
			sendFailures.WithLabelValues(event).Inc()
		}
	}
}

// Touch bumps the room's activity clock.
func (r *Room) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Room) touchMember(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.members[userID]; ok {
		s.LastActivity = time.Now()
	}
	r.lastActivity = time.Now()
}

// LastActivity returns the time of the last member-originated event.
func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// Info summarises the room for a join ack.
func (r *Room) Info() *types.RoomInfo {
	return &types.RoomInfo{
		ID:        r.ID,
		UserCount: r.MemberCount(),
		OpCount:   r.log.Len(),
	}
}

// assignColor picks a color for a new member. Availability is derived
// from the current membership on every call rather than from a free-list,
// so membership churn cannot leave the pool out of step. Once the palette
// is exhausted, a rotating seed generates a deterministic fallback hue.
func (r *Room) assignColor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	inUse := make(map[string]struct{}, len(r.members))
	for _, s := range r.members {
		inUse[s.Color] = struct{}{}
	}
	for _, c := range Palette {
		if _, used := inUse[c]; !used {
			return c
		}
	}
	// Golden-angle rotation keeps successive fallback hues far apart.
	hue := (r.colorSeed * 137) % 360
	r.colorSeed++
	return fmt.Sprintf("hsl(%d, 70%%, 55%%)", hue)
}
