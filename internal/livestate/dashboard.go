// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package livestate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/partner-relay/internal/logging"
)

const (
	dashboardWriteWait  = 10 * time.Second
	dashboardPongWait   = 60 * time.Second
	dashboardPingPeriod = (dashboardPongWait * 9) / 10
)

// SessionEvent is a single live-session transition pushed to connected
// dashboards: a supplementary real-time feed over the same session
// open/close transitions the tracker already persists, not a replacement
// for polling /broadcasters state from the database.
type SessionEvent struct {
	Type             string    `json:"type"` // "session_started" or "session_closed"
	BroadcasterLogin string    `json:"broadcaster_login"`
	ViewerCount      int       `json:"viewer_count,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	At               time.Time `json:"at"`
}

// dashboardClient is a middleman between a websocket connection and the hub.
type dashboardClient struct {
	hub  *DashboardHub
	conn *websocket.Conn
	send chan SessionEvent
}

// DashboardHub fans SessionEvents out to every connected dashboard client.
// It never gates the tracker's own persistence path: a slow or absent
// dashboard client cannot block a session transition from being recorded.
type DashboardHub struct {
	clients    map[*dashboardClient]bool
	broadcast  chan SessionEvent
	register   chan *dashboardClient
	unregister chan *dashboardClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewDashboardHub builds a hub with no connected clients.
func NewDashboardHub() *DashboardHub {
	return &DashboardHub{
		clients:    make(map[*dashboardClient]bool),
		broadcast:  make(chan SessionEvent, 256),
		register:   make(chan *dashboardClient),
		unregister: make(chan *dashboardClient),
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Publish enqueues a session event for broadcast. It never blocks the
// caller: a full buffer drops the event rather than stalling the tracker.
func (h *DashboardHub) Publish(evt SessionEvent) {
	select {
	case h.broadcast <- evt:
	default:
		logging.Warn().Str("event_type", evt.Type).Msg("livestate: dashboard broadcast buffer full, dropping event")
	}
}

// Serve implements suture.Service: the hub's event loop.
func (h *DashboardHub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case evt := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- evt:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *DashboardHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// String implements fmt.Stringer for supervisor logging.
func (h *DashboardHub) String() string { return "livestate-dashboard-hub" }

// ServeHTTP upgrades the request to a websocket connection and registers a
// new dashboard client, a read-only feed of session transitions.
func (h *DashboardHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("livestate: dashboard websocket upgrade failed")
		return
	}

	client := &dashboardClient{hub: h, conn: conn, send: make(chan SessionEvent, 32)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound client traffic except pongs, keeping the
// connection's read deadline alive; this feed is one-directional.
func (c *dashboardClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(dashboardPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(dashboardPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *dashboardClient) writePump() {
	ticker := time.NewTicker(dashboardPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(dashboardWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(dashboardWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
