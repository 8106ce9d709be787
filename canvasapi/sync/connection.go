// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/scrawl/canvasapi/types"
	"github.com/element-hq/scrawl/setup/config"
)

const writeWait = 10 * time.Second

type outboundMessage struct {
	event string
	data  []byte
}

// connection wraps one websocket with a bounded outbound queue drained by
// a single writer goroutine, which gives each peer per-connection FIFO
// delivery. Under backpressure the queue sheds best-effort messages
// (in-flight draw batches, cursors) oldest-first; if it overflows with
// nothing droppable left, the peer is a slow consumer and the connection
// is closed rather than dropping authoritative state.
type connection struct {
	key string
	ws  *websocket.Conn
	cfg *config.Sync

	mu     sync.Mutex
	queue  []outboundMessage
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, cfg *config.Sync) *connection {
	return &connection{
		key:  uuid.NewString(),
		ws:   ws,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Key implements rooms.Client.
func (c *connection) Key() string {
	return c.key
}

// Send implements rooms.Client: it serialises the envelope and enqueues it
// for the write pump. Returns false if the connection is closed or had to
// be torn down for slow consumption.
func (c *connection) Send(event string, payload interface{}) bool {
	return c.sendEnvelope(types.Envelope{Event: event}, payload)
}

// sendAck is Send with a sequence number echoed back, used to answer
// join_room requests that carried one.
func (c *connection) sendAck(seq int64, payload interface{}) bool {
	return c.sendEnvelope(types.Envelope{Event: types.EventAck, Seq: seq}, payload)
}

func (c *connection) sendEnvelope(env types.Envelope, payload interface{}) bool {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.WithError(err).WithField("event", env.Event).Error("Failed to marshal outbound payload")
			return false
		}
		env.Payload = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.WithError(err).WithField("event", env.Event).Error("Failed to marshal outbound envelope")
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, outboundMessage{event: env.Event, data: frame})
	if len(c.queue) > c.cfg.SendQueueSize {
		c.shedLocked()
	}
	overflowed := len(c.queue) > c.cfg.SendQueueHardLimit
	c.mu.Unlock()

	if overflowed {
		log.WithFields(log.Fields{
			"conn":  c.key,
			"event": env.Event,
		}).Warn("Closing slow consumer: send queue overflow with no droppable messages")
		c.close()
		return false
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// shedLocked removes the oldest droppable messages until the queue fits,
// favouring authoritative events over in-flight drawing traffic.
func (c *connection) shedLocked() {
	kept := c.queue[:0]
	excess := len(c.queue) - c.cfg.SendQueueSize
	for _, msg := range c.queue {
		if excess > 0 && !types.Critical(msg.event) {
			excess--
			droppedMessages.WithLabelValues(msg.event).Inc()
			continue
		}
		kept = append(kept, msg)
	}
	c.queue = kept
}

// writePump drains the queue onto the socket and keeps the heartbeat
// going. It is the only goroutine that writes to the websocket.
func (c *connection) writePump() {
	pingPeriod := c.cfg.PongTimeout.Std() * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.wake:
			for {
				c.mu.Lock()
				if len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				batch := c.queue
				c.queue = nil
				c.mu.Unlock()

				for _, msg := range batch {
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
						c.close()
						return
					}
				}
			}
		}
	}
}

// close marks the connection closed and stops the write pump. Safe to
// call from any goroutine, any number of times.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
	})
}
