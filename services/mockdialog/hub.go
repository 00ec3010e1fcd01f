// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mockdialog

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/transport"
)

const writeTimeout = 5 * time.Second

// client is one push connection.
type client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	// subs maps conversation id to subscribed channels. Guarded by hub.mu.
	subs map[string][]datatypes.Channel
}

func (c *client) send(f transport.ServerFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// hub tracks push connections and their subscriptions.
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: make(map[*client]struct{})}
}

func (h *hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, subs: make(map[string][]datatypes.Channel)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) subscribe(c *client, conversationID string, channels []datatypes.Channel) {
	if len(channels) == 0 {
		channels = datatypes.DefaultChannels
	}
	h.mu.Lock()
	c.subs[conversationID] = slices.Clone(channels)
	h.mu.Unlock()
}

func (h *hub) unsubscribe(c *client, conversationID string) {
	h.mu.Lock()
	delete(c.subs, conversationID)
	h.mu.Unlock()
}

// broadcast sends a chunk to every connection subscribed to the
// conversation and channel. A failed write closes that connection.
func (h *hub) broadcast(conversationID string, channel datatypes.Channel, chunk datatypes.Chunk) {
	h.mu.Lock()
	var targets []*client
	for c := range h.clients {
		if slices.Contains(c.subs[conversationID], channel) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	frame := transport.ServerFrame{
		Event:          transport.EventChunk,
		ConversationID: conversationID,
		Channel:        channel,
		Chunk:          &chunk,
	}
	for _, c := range targets {
		if err := c.send(frame); err != nil {
			h.logger.Warn("Push write failed, dropping connection", "error", err)
			_ = c.conn.Close()
		}
	}
}

// disconnectAll closes every push connection. Clients see a network drop.
func (h *hub) disconnectAll() int {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
	return len(conns)
}

// connections returns the number of live push connections.
func (h *hub) connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
