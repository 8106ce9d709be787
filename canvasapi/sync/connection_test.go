// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/scrawl/canvasapi/types"
	"github.com/element-hq/scrawl/setup/config"
)

func testSyncConfig() *config.Sync {
	return &config.Sync{
		SendQueueSize:      4,
		SendQueueHardLimit: 8,
		PongTimeout:        config.Duration(time.Minute),
		MaxMessageBytes:    64 * 1024,
	}
}

// queuedEvents snapshots the event names currently queued, oldest first.
func queuedEvents(c *connection) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.queue))
	for _, m := range c.queue {
		out = append(out, m.event)
	}
	return out
}

func TestSendQueuesInFIFOOrder(t *testing.T) {
	c := newConnection(nil, testSyncConfig())
	require.True(t, c.Send(types.EventUserJoined, nil))
	require.True(t, c.Send(types.EventUsersList, nil))
	assert.Equal(t, []string{types.EventUserJoined, types.EventUsersList}, queuedEvents(c))
}

func TestOverflowShedsOldestDroppableFirst(t *testing.T) {
	c := newConnection(nil, testSyncConfig())

	require.True(t, c.Send(types.EventRemoteCursor, nil))    // droppable, oldest
	require.True(t, c.Send(types.EventRemoteDrawEnd, nil))   // critical
	require.True(t, c.Send(types.EventRemoteDrawBatch, nil)) // droppable
	require.True(t, c.Send(types.EventRemoteUndo, nil))      // critical
	// Fifth message overflows the soft limit of 4: the oldest droppable
	// goes, the critical ones all stay.
	require.True(t, c.Send(types.EventRemoteClear, nil))

	assert.Equal(t, []string{
		types.EventRemoteDrawEnd,
		types.EventRemoteDrawBatch,
		types.EventRemoteUndo,
		types.EventRemoteClear,
	}, queuedEvents(c))
}

func TestCriticalMessagesAreNeverShed(t *testing.T) {
	c := newConnection(nil, testSyncConfig())
	for i := 0; i < 6; i++ {
		require.True(t, c.Send(types.EventRemoteUndo, nil))
	}
	// Nothing droppable: the queue runs past the soft limit untouched.
	assert.Len(t, queuedEvents(c), 6)
}

func TestAllCriticalOverflowClosesSlowConsumer(t *testing.T) {
	c := newConnection(nil, testSyncConfig())
	for i := 0; i < 8; i++ {
		require.True(t, c.Send(types.EventRemoteUndo, nil))
	}
	// Crossing the hard limit with an undroppable queue tears the
	// connection down instead of losing authoritative state silently.
	assert.False(t, c.Send(types.EventRemoteUndo, nil))
	assert.False(t, c.Send(types.EventUsersList, nil), "closed connection must refuse further sends")
}

func TestSendAfterCloseReturnsFalse(t *testing.T) {
	c := newConnection(nil, testSyncConfig())
	c.close()
	assert.False(t, c.Send(types.EventUsersList, nil))
	assert.Empty(t, queuedEvents(c))
}

func TestCriticalClassification(t *testing.T) {
	assert.False(t, types.Critical(types.EventRemoteDrawBatch))
	assert.False(t, types.Critical(types.EventRemoteCursor))
	for _, ev := range []string{
		types.EventSyncState, types.EventUsersList, types.EventRemoteDrawEnd,
		types.EventRemoteUndo, types.EventRemoteRedo, types.EventRemoteClear,
		types.EventUserJoined, types.EventUserLeft, types.EventAck,
	} {
		assert.True(t, types.Critical(ev), "%s must be critical", ev)
	}
}
