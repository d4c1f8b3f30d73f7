// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sonar

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Event types published on the index event stream.
const (
	// EventTypeProgress carries indexer.Progress during walks and embeds.
	EventTypeProgress = "progress"

	// EventTypeIndexSwapped announces a new live index generation.
	EventTypeIndexSwapped = "index_swapped"

	// EventTypeRefresh announces an applied incremental refresh.
	EventTypeRefresh = "refresh"
)

// Websocket timing. A peer that neither reads nor answers pings within
// pongWait is dropped rather than allowed to wedge the write pump.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; the stream is one-way and
	// clients have nothing to say beyond control frames.
	maxMessageSize = 512

	// clientSendBuffer is the per-client queue. A client that falls this
	// far behind a burst of progress events is disconnected.
	clientSendBuffer = 32

	// hubBroadcastBuffer absorbs publish bursts; beyond it events are
	// dropped, not queued without bound.
	hubBroadcastBuffer = 64
)

// Event is the envelope written to event stream subscribers.
type Event struct {
	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Time is the publish time in UTC.
	Time time.Time `json:"time"`

	// Data is the type-specific payload.
	Data any `json:"data,omitempty"`
}

// EventHub fans service events out to websocket subscribers.
//
// # Description
//
// A single run goroutine owns the client set; registration, removal, and
// broadcast all funnel through channels, so no lock guards the map.
// Publish never blocks: events are advisory progress, and a saturated hub
// drops them instead of stalling the indexer.
//
// # Thread Safety
//
// Publish and close are safe for concurrent use.
type EventHub struct {
	logger     *slog.Logger
	register   chan *eventClient
	unregister chan *eventClient
	broadcast  chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	clients    map[*eventClient]struct{}
}

// newEventHub builds a hub; the caller starts run in its own goroutine.
func newEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		logger:     logger,
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		broadcast:  make(chan []byte, hubBroadcastBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*eventClient]struct{}),
	}
}

// run owns the client set until close is called.
func (h *EventHub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			setEventClients(len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				setEventClients(len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// The client's write pump is stuck or hopelessly
					// behind; drop it.
					delete(h.clients, c)
					close(c.send)
					setEventClients(len(h.clients))
				}
			}

		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*eventClient]struct{})
			setEventClients(0)
			return
		}
	}
}

// Publish broadcasts one event to all subscribers. Never blocks; when the
// hub is saturated or already closed the event is dropped and counted.
func (h *EventHub) Publish(eventType string, data any) {
	payload, err := json.Marshal(Event{
		Type: eventType,
		Time: time.Now().UTC(),
		Data: data,
	})
	if err != nil {
		h.logger.Warn("Dropping unmarshalable event", slog.String("type", eventType))
		return
	}
	select {
	case h.broadcast <- payload:
		recordEventPublished(eventType)
	case <-h.done:
	default:
		recordEventDropped()
	}
}

// close shuts the hub down and disconnects all subscribers. Idempotent.
func (h *EventHub) close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// eventClient is one websocket subscriber.
type eventClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

// writePump drains the send queue to the connection and keeps the peer
// alive with pings. One per client; the only writer on the connection.
func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames until the peer goes away. Reading is
// what services close handshakes and pong control frames.
func (c *eventClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// eventUpgrader upgrades event stream requests. The endpoint carries no
// cookie credentials and streams public index progress, so cross-origin
// subscribers are allowed.
var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleIndexEvents handles GET /v1/sonar/index/events.
//
// Description:
//
//	Upgrades the connection to a websocket and streams Event frames:
//	indexer progress during clones and refreshes, index swap
//	announcements, and refresh summaries. The stream is one-way; inbound
//	frames beyond control messages are discarded.
//
// Response:
//
//	101 Switching Protocols on success; the upgrader writes the HTTP
//	error itself when the handshake fails.
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleIndexEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleIndexEvents")

	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	hub := h.svc.Events()
	client := &eventClient{hub: hub, conn: conn, send: make(chan []byte, clientSendBuffer)}
	select {
	case hub.register <- client:
	case <-hub.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	logger.Info("Event stream connected", slog.String("remote", c.ClientIP()))
}
