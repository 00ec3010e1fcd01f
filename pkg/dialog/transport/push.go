// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
)

// -----------------------------------------------------------------------------
// Frames
// -----------------------------------------------------------------------------

// Client frame actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Server frame events.
const (
	EventSubscribed = "subscribed"
	EventChunk      = "chunk"
	EventError      = "error"
)

// ClientFrame is sent by the client.
type ClientFrame struct {
	Action         string              `json:"action"`
	ConversationID string              `json:"conversationId"`
	Channels       []datatypes.Channel `json:"channels,omitempty"`
}

// ServerFrame is sent by the server.
type ServerFrame struct {
	Event          string            `json:"event"`
	ConversationID string            `json:"conversationId,omitempty"`
	Channel        datatypes.Channel `json:"channel,omitempty"`
	Chunk          *datatypes.Chunk  `json:"chunk,omitempty"`
	Message        string            `json:"message,omitempty"`
}

// -----------------------------------------------------------------------------
// Handler
// -----------------------------------------------------------------------------

// PushHandler receives push events. Calls arrive on the read goroutine.
type PushHandler interface {
	OnSubscribed(conversationID string)
	OnChunk(conversationID string, channel datatypes.Channel, chunk datatypes.Chunk)
	OnConnectionChange(connected, reconnect bool)
}

// -----------------------------------------------------------------------------
// PushClient
// -----------------------------------------------------------------------------

// PushConfig configures a PushClient.
type PushConfig struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8088/ws.
	URL string

	// Tokens is optional.
	Tokens TokenProvider

	// ReconnectInterval is the minimum spacing between connection
	// attempts. Defaults to 2s.
	ReconnectInterval time.Duration

	// ReconnectBurst allows that many quick attempts first. Defaults to 1.
	ReconnectBurst int

	// WriteTimeout bounds one frame write. Defaults to 10s.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the WebSocket handshake. Defaults to 10s.
	HandshakeTimeout time.Duration
}

// PushClient keeps a WebSocket connection to the dialog server.
//
// # Description
//
// Run dials, replays every known subscription, and reads frames until the
// connection breaks; then it dials again, paced by a token bucket. Every
// connect and disconnect is reported to the handler, with reconnect=true
// for every connect after the first.
//
// Subscribe and Unsubscribe record the desired subscriptions even while
// disconnected, so the next connection restores them.
//
// Thread Safety: safe for concurrent use.
type PushClient struct {
	cfg     PushConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	handler   PushHandler
	conn      *websocket.Conn
	subs      map[string][]datatypes.Channel
	connected int

	writeMu sync.Mutex
}

// NewPushClient creates a PushClient. It does not connect until Run.
func NewPushClient(cfg PushConfig, metrics *observability.Metrics, logger *slog.Logger) *PushClient {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushClient{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), cfg.ReconnectBurst),
		metrics: metrics,
		logger:  logger,
		subs:    make(map[string][]datatypes.Channel),
	}
}

// SetHandler sets the event receiver. Frames arriving without a handler
// are dropped.
func (p *PushClient) SetHandler(h PushHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Connected reports whether a connection is live.
func (p *PushClient) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Run maintains the connection until ctx is done and returns ctx.Err().
func (p *PushClient) Run(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("Push connection failed", "url", p.cfg.URL, "error", err)
			continue
		}
		p.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *PushClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if p.cfg.Tokens != nil {
		token, err := p.cfg.Tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, resp, err := p.dialer.DialContext(ctx, p.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.cfg.URL, err)
	}
	return conn, nil
}

// serve owns conn until it breaks or ctx is done.
func (p *PushClient) serve(ctx context.Context, conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	reconnect := p.connected > 0
	p.connected++
	handler := p.handler
	replay := make([]ClientFrame, 0, len(p.subs))
	for id, channels := range p.subs {
		replay = append(replay, ClientFrame{Action: ActionSubscribe, ConversationID: id, Channels: channels})
	}
	p.mu.Unlock()

	p.logger.Info("Push connected", "url", p.cfg.URL, "reconnect", reconnect)
	p.metrics.SetPushConnected(true, reconnect)
	if handler != nil {
		handler.OnConnectionChange(true, reconnect)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for _, f := range replay {
		if err := p.write(ctx, conn, f); err != nil {
			p.logger.Warn("Replaying subscription failed",
				"conversation_id", f.ConversationID,
				"error", err)
		}
	}

	p.readLoop(conn)
	close(done)
	conn.Close()

	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	handler = p.handler
	p.mu.Unlock()

	p.logger.Info("Push disconnected", "url", p.cfg.URL)
	p.metrics.SetPushConnected(false, false)
	if handler != nil {
		handler.OnConnectionChange(false, false)
	}
}

func (p *PushClient) readLoop(conn *websocket.Conn) {
	for {
		var f ServerFrame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("Push read ended", "error", err)
			}
			return
		}
		p.dispatch(f)
	}
}

func (p *PushClient) dispatch(f ServerFrame) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler == nil {
		return
	}

	switch f.Event {
	case EventSubscribed:
		handler.OnSubscribed(f.ConversationID)
	case EventChunk:
		if f.Chunk == nil {
			p.logger.Debug("Chunk frame without chunk", "conversation_id", f.ConversationID)
			return
		}
		channel := f.Channel
		if channel == "" {
			channel = datatypes.ChannelClient
		}
		handler.OnChunk(f.ConversationID, channel, *f.Chunk)
	case EventError:
		p.logger.Warn("Push server error",
			"conversation_id", f.ConversationID,
			"message", f.Message)
	default:
		p.logger.Debug("Unknown push event", "event", f.Event)
	}
}

// Subscribe records the subscription and sends it if connected. While
// disconnected it returns ErrNotConnected; the subscription is still sent
// on the next connect.
func (p *PushClient) Subscribe(ctx context.Context, conversationID string, channels []datatypes.Channel) error {
	p.mu.Lock()
	p.subs[conversationID] = append([]datatypes.Channel(nil), channels...)
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return p.write(ctx, conn, ClientFrame{Action: ActionSubscribe, ConversationID: conversationID, Channels: channels})
}

// Unsubscribe forgets the subscription and tells the server if connected.
func (p *PushClient) Unsubscribe(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	delete(p.subs, conversationID)
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return p.write(ctx, conn, ClientFrame{Action: ActionUnsubscribe, ConversationID: conversationID})
}

func (p *PushClient) write(ctx context.Context, conn *websocket.Conn, f ClientFrame) error {
	deadline := time.Now().Add(p.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Action, err)
	}
	return nil
}
