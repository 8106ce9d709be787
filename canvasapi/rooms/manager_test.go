// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package rooms

import (
	"fmt"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/scrawl/canvasapi/types"
	"github.com/element-hq/scrawl/setup/config"
	"github.com/element-hq/scrawl/setup/process"
)

type fakeEvent struct {
	Event   string
	Payload interface{}
}

type fakeClient struct {
	key string

	mu     gosync.Mutex
	events []fakeEvent
}

func newFakeClient(key string) *fakeClient {
	return &fakeClient{key: key}
}

func (f *fakeClient) Key() string { return f.key }

func (f *fakeClient) Send(event string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{Event: event, Payload: payload})
	return true
}

func (f *fakeClient) received(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func testConfig() *config.Rooms {
	cfg := &config.Rooms{}
	cfg.Defaults()
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Rooms) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	return NewManager(process.NewProcessContext(), cfg)
}

func TestJoinCreatesRoomLazily(t *testing.T) {
	m := newTestManager(t, nil)
	require.Nil(t, m.Room("r1"))

	session, room, err := m.Join(newFakeClient("c1"), "r1", "Alice")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "r1", room.ID)
	assert.Equal(t, "Alice", session.Name)
	assert.True(t, strings.HasPrefix(session.ID, "user_"))
	assert.Equal(t, 1, room.MemberCount())
	assert.Same(t, room, m.Room("r1"))
}

func TestJoinGeneratesDisplayName(t *testing.T) {
	m := newTestManager(t, nil)
	session, _, err := m.Join(newFakeClient("c1"), "r1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Name)
}

func TestJoinRejectsSecondJoinOnSameConnection(t *testing.T) {
	m := newTestManager(t, nil)
	client := newFakeClient("c1")
	_, _, err := m.Join(client, "r1", "")
	require.NoError(t, err)
	_, _, err = m.Join(client, "r2", "")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestJoinRoomFullAndReadmission(t *testing.T) {
	cfg := testConfig()
	m := newTestManager(t, cfg)

	clients := make([]*fakeClient, cfg.MaxUsersPerRoom)
	for i := range clients {
		clients[i] = newFakeClient(fmt.Sprintf("c%d", i))
		_, _, err := m.Join(clients[i], "r1", "")
		require.NoError(t, err)
	}

	// The 21st join is rejected and nothing is broadcast for it.
	late := newFakeClient("late")
	_, _, err := m.Join(late, "r1", "")
	require.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, cfg.MaxUsersPerRoom, m.Room("r1").MemberCount())

	// A leave frees the slot.
	m.Leave(clients[0].Key())
	_, _, err = m.Join(late, "r1", "")
	assert.NoError(t, err)
}

func TestColorsAreUniqueWithinPalette(t *testing.T) {
	m := newTestManager(t, nil)
	seen := make(map[string]struct{})
	for i := 0; i < len(Palette); i++ {
		session, _, err := m.Join(newFakeClient(fmt.Sprintf("c%d", i)), "r1", "")
		require.NoError(t, err)
		_, dup := seen[session.Color]
		require.False(t, dup, "duplicate color %s", session.Color)
		seen[session.Color] = struct{}{}
	}

	// Beyond the palette, members get generated fallback hues.
	session, _, err := m.Join(newFakeClient("c-extra"), "r1", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(session.Color, "hsl("), "expected fallback hue, got %s", session.Color)
}

func TestColorReturnsToPoolOnLeave(t *testing.T) {
	m := newTestManager(t, nil)
	first, _, err := m.Join(newFakeClient("c1"), "r1", "")
	require.NoError(t, err)
	_, _, err = m.Join(newFakeClient("c2"), "r1", "")
	require.NoError(t, err)

	m.Leave("c1")
	// Availability is derived from membership: the freed color is the
	// first unused palette entry again.
	third, _, err := m.Join(newFakeClient("c3"), "r1", "")
	require.NoError(t, err)
	assert.Equal(t, first.Color, third.Color)
}

func TestLeaveRemovesBothIndices(t *testing.T) {
	m := newTestManager(t, nil)
	client := newFakeClient("c1")
	session, _, err := m.Join(client, "r1", "")
	require.NoError(t, err)

	left, room := m.Leave(client.Key())
	require.NotNil(t, left)
	assert.Equal(t, session.ID, left.ID)
	assert.Equal(t, 0, room.MemberCount())
	assert.Nil(t, m.SessionFor(client.Key()))

	// A second leave for the same connection is a no-op.
	left, room = m.Leave(client.Key())
	assert.Nil(t, left)
	assert.Nil(t, room)
}

func TestEmptyRoomDeletedAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyRoomGrace = config.Duration(20 * time.Millisecond)
	m := newTestManager(t, cfg)

	client := newFakeClient("c1")
	_, _, err := m.Join(client, "r1", "")
	require.NoError(t, err)
	m.Leave(client.Key())

	require.Eventually(t, func() bool {
		return m.Room("r1") == nil
	}, time.Second, 5*time.Millisecond, "empty room should be deleted after the grace period")
}

func TestRejoinWithinGraceRevivesRoom(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyRoomGrace = config.Duration(50 * time.Millisecond)
	m := newTestManager(t, cfg)

	client := newFakeClient("c1")
	_, room, err := m.Join(client, "r1", "")
	require.NoError(t, err)
	room.Log().Append("someone", types.OpStroke, &types.Stroke{Points: []types.Point{{X: 1, Y: 1}}}, nil)
	m.Leave(client.Key())

	// Rejoin before the grace expires: same room, history intact, and the
	// pending delete is cancelled.
	_, revived, err := m.Join(newFakeClient("c2"), "r1", "")
	require.NoError(t, err)
	assert.Same(t, room, revived)

	time.Sleep(100 * time.Millisecond)
	assert.Same(t, room, m.Room("r1"))
	assert.Equal(t, 1, room.Log().Len())
}

func TestReaperDeletesIdleEmptyRooms(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyRoomGrace = config.Duration(time.Hour) // keep the grace timer out of the way
	cfg.IdleRoomReap = config.Duration(10 * time.Millisecond)
	m := newTestManager(t, cfg)

	client := newFakeClient("c1")
	_, _, err := m.Join(client, "r1", "")
	require.NoError(t, err)
	m.Leave(client.Key())

	time.Sleep(20 * time.Millisecond)
	m.reap()
	assert.Nil(t, m.Room("r1"))
}

func TestReaperSweepsStaleInhabitedRooms(t *testing.T) {
	cfg := testConfig()
	cfg.IdleRoomReap = config.Duration(time.Minute)
	cfg.StaleRoomReap = config.Duration(10 * time.Millisecond)
	m := newTestManager(t, cfg)

	client := newFakeClient("c1")
	_, _, err := m.Join(client, "r1", "")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.reap()
	// The stale sweep applies even though a session is still joined, and
	// it drops the session from the global index too.
	assert.Nil(t, m.Room("r1"))
	assert.Nil(t, m.SessionFor(client.Key()))
}

func TestReaperKeepsActiveRooms(t *testing.T) {
	cfg := testConfig()
	m := newTestManager(t, cfg)
	_, _, err := m.Join(newFakeClient("c1"), "r1", "")
	require.NoError(t, err)
	m.reap()
	assert.NotNil(t, m.Room("r1"))
}

func TestArchiveRestoresReapedRoom(t *testing.T) {
	cfg := testConfig()
	cfg.IdleRoomReap = config.Duration(time.Nanosecond)
	m := newTestManager(t, cfg)

	client := newFakeClient("c1")
	_, room, err := m.Join(client, "r1", "")
	require.NoError(t, err)
	op := room.Log().Append("someone", types.OpStroke, &types.Stroke{Points: []types.Point{{X: 1, Y: 1}}}, nil)
	m.Leave(client.Key())

	time.Sleep(time.Millisecond)
	m.reap()
	require.Nil(t, m.Room("r1"))

	// A later join with the same room id revives the drawing from the
	// snapshot archive.
	_, revived, err := m.Join(newFakeClient("c2"), "r1", "")
	require.NoError(t, err)
	require.Equal(t, 1, revived.Log().Len())
	assert.Equal(t, op.ID, revived.Log().LastActive().ID)
}

func TestBroadcastToDeletedRoomIsNoOp(t *testing.T) {
	m := newTestManager(t, nil)
	assert.NotPanics(t, func() {
		m.BroadcastToRoom("nope", types.EventRemoteClear, nil, "")
	})
}

func TestBroadcastExcludesSender(t *testing.T) {
	m := newTestManager(t, nil)
	c1, c2 := newFakeClient("c1"), newFakeClient("c2")
	s1, room, err := m.Join(c1, "r1", "")
	require.NoError(t, err)
	_, _, err = m.Join(c2, "r1", "")
	require.NoError(t, err)

	room.Broadcast(types.EventRemoteCursor, nil, s1.ID)
	assert.Equal(t, 0, c1.received(types.EventRemoteCursor))
	assert.Equal(t, 1, c2.received(types.EventRemoteCursor))

	room.Broadcast(types.EventRemoteUndo, nil, "")
	assert.Equal(t, 1, c1.received(types.EventRemoteUndo))
	assert.Equal(t, 1, c2.received(types.EventRemoteUndo))
}

func TestTouchBumpsActivity(t *testing.T) {
	m := newTestManager(t, nil)
	client := newFakeClient("c1")
	_, room, err := m.Join(client, "r1", "")
	require.NoError(t, err)

	before := room.LastActivity()
	time.Sleep(2 * time.Millisecond)
	m.Touch(client.Key())
	assert.True(t, room.LastActivity().After(before))
}

func TestStats(t *testing.T) {
	m := newTestManager(t, nil)
	_, room, err := m.Join(newFakeClient("c1"), "r1", "")
	require.NoError(t, err)
	room.Log().Append("someone", types.OpStroke, &types.Stroke{Points: []types.Point{{X: 1, Y: 1}}}, nil)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, int64(1), stats.TotalJoins)
	require.Len(t, stats.RoomList, 1)
	assert.Equal(t, "r1", stats.RoomList[0].ID)
	assert.Equal(t, 1, stats.RoomList[0].Operations)
}
