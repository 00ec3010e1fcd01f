// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package subscription drives the per-conversation push subscription
// lifecycle and triggers catch-up exactly once per activation.
//
// # Description
//
// Phases advance on transport events, never on timers:
//
//	UNSUBSCRIBED -> SUBSCRIBING   Activate sends the subscribe request
//	SUBSCRIBING  -> SUBSCRIBED    the transport acknowledges
//	SUBSCRIBED   -> CAUGHT_UP     the catch-up for this activation finishes
//	any          -> UNSUBSCRIBED  Deactivate
//
// The first acknowledgement of an activation sets a caught-up flag and
// starts the catch-up. Later acknowledgements (transport resubscribing
// after a reconnect) see the flag and do nothing, unless
// CatchUpOnReconnect is enabled, in which case a reconnect clears the flag.
//
// Push chunks are forwarded only for conversations with a live
// subscription; everything else is dropped at this boundary.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/chatsync/pkg/dialog/catchup"
	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
)

// =============================================================================
// Types
// =============================================================================

// Phase is the subscription lifecycle phase.
type Phase int

const (
	Unsubscribed Phase = iota
	Subscribing
	Subscribed
	CaughtUp
)

func (p Phase) String() string {
	switch p {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case CaughtUp:
		return "caught_up"
	default:
		return "unsubscribed"
	}
}

// State is the observable subscription state of a conversation.
type State struct {
	Phase      Phase
	Subscribed bool
	Connected  bool
	CaughtUp   bool
}

// Transport sends subscription requests over the push connection.
type Transport interface {
	Subscribe(ctx context.Context, conversationID string, channels []datatypes.Channel) error
	Unsubscribe(ctx context.Context, conversationID string) error
}

// CatchUpRunner runs a catch-up.
type CatchUpRunner interface {
	Run(ctx context.Context, req catchup.Request) catchup.Result
}

// ChunkSink applies a push chunk that passed the subscription boundary.
type ChunkSink interface {
	HandleChunk(conversationID string, channel datatypes.Channel, chunk datatypes.Chunk)
}

// Config configures a Manager.
type Config struct {
	Channels []datatypes.Channel

	// CatchUpOnReconnect re-runs catch-up when the push connection is
	// re-established. Off by default.
	CatchUpOnReconnect bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithSpawner replaces the goroutine launcher used for catch-up runs.
func WithSpawner(spawn func(func())) Option {
	return func(m *Manager) { m.spawn = spawn }
}

// WithPhaseObserver is called after every phase change, outside the lock.
func WithPhaseObserver(fn func(conversationID string, phase Phase)) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithMetrics attaches metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

type subscription struct {
	conversationID string
	epoch          uint64
	from           *int64
	phase          Phase
	caughtUp       bool
}

// =============================================================================
// Manager
// =============================================================================

// Manager tracks subscriptions for every open conversation.
//
// Thread Safety: safe for concurrent use. Transport events may arrive on
// any goroutine.
type Manager struct {
	cfg       Config
	transport Transport
	runner    CatchUpRunner
	sink      ChunkSink
	spawn     func(func())
	observer  func(string, Phase)
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	subs      map[string]*subscription
	connected bool
}

// New creates a Manager.
func New(cfg Config, transport Transport, runner CatchUpRunner, sink ChunkSink, opts ...Option) *Manager {
	if len(cfg.Channels) == 0 {
		cfg.Channels = datatypes.DefaultChannels
	}
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		runner:    runner,
		sink:      sink,
		spawn:     func(f func()) { go f() },
		logger:    slog.Default(),
		subs:      make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Activate starts a fresh subscription for conversationID.
//
// # Description
//
// Any previous subscription of the conversation is replaced. A catch-up
// still running for it is not canceled; its result carries the old epoch
// and is dropped when applied. The caught-up flag is cleared, the phase
// becomes SUBSCRIBING and the subscribe request is sent. On a send failure the
// subscription is kept; the transport replays subscriptions when it
// connects.
//
// # Inputs
//
//   - ctx: Bounds the subscribe send.
//   - epoch: Activation id stamped on the catch-up request.
//   - from: Catch-up lower bound, nil for everything.
func (m *Manager) Activate(ctx context.Context, conversationID string, epoch uint64, from *int64) error {
	m.mu.Lock()
	m.subs[conversationID] = &subscription{
		conversationID: conversationID,
		epoch:          epoch,
		from:           from,
		phase:          Subscribing,
	}
	active := len(m.subs)
	m.mu.Unlock()

	m.metrics.SetActiveSubscriptions(active)
	m.notify(conversationID, Subscribing)

	if err := m.transport.Subscribe(ctx, conversationID, m.cfg.Channels); err != nil {
		m.logger.Warn("Subscribe request failed",
			"conversation_id", conversationID,
			"error", err)
		return fmt.Errorf("subscribing %s: %w", conversationID, err)
	}
	return nil
}

// Deactivate ends the subscription. An in-flight catch-up runs to
// completion and its result is discarded by the epoch check.
func (m *Manager) Deactivate(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	_, ok := m.subs[conversationID]
	if ok {
		delete(m.subs, conversationID)
	}
	active := len(m.subs)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.metrics.SetActiveSubscriptions(active)
	m.notify(conversationID, Unsubscribed)
	if err := m.transport.Unsubscribe(ctx, conversationID); err != nil {
		m.logger.Debug("Unsubscribe request failed",
			"conversation_id", conversationID,
			"error", err)
		return fmt.Errorf("unsubscribing %s: %w", conversationID, err)
	}
	return nil
}

// =============================================================================
// Transport Events
// =============================================================================

// OnSubscribed handles a subscription acknowledgement.
func (m *Manager) OnSubscribed(conversationID string) {
	m.mu.Lock()
	sub, ok := m.subs[conversationID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("Acknowledgement for unknown subscription ignored",
			"conversation_id", conversationID)
		return
	}
	advanced := sub.phase == Subscribing
	if advanced {
		sub.phase = Subscribed
	}
	runCatchUp := !sub.caughtUp
	sub.caughtUp = true
	req := catchup.Request{ConversationID: conversationID, FromSequenceID: sub.from, Epoch: sub.epoch}
	m.mu.Unlock()

	if advanced {
		m.notify(conversationID, Subscribed)
	}
	if !runCatchUp {
		return
	}
	m.spawn(func() {
		m.runner.Run(context.Background(), req)
		m.finishCatchUp(conversationID, req.Epoch)
	})
}

func (m *Manager) finishCatchUp(conversationID string, epoch uint64) {
	m.mu.Lock()
	sub, ok := m.subs[conversationID]
	if !ok || sub.epoch != epoch || sub.phase == Unsubscribed {
		m.mu.Unlock()
		return
	}
	sub.phase = CaughtUp
	m.mu.Unlock()
	m.notify(conversationID, CaughtUp)
}

// OnChunk forwards a push chunk if its conversation is subscribed.
func (m *Manager) OnChunk(conversationID string, channel datatypes.Channel, chunk datatypes.Chunk) {
	m.mu.Lock()
	_, ok := m.subs[conversationID]
	m.mu.Unlock()
	if !ok {
		m.metrics.RecordChunk(string(channel), "push", "dropped")
		m.logger.Debug("Push chunk for unsubscribed conversation dropped",
			"conversation_id", conversationID,
			"channel", channel,
			"chunk_type", chunk.Type)
		return
	}
	m.sink.HandleChunk(conversationID, channel, chunk)
}

// OnConnectionChange records the transport connection state.
//
// When a connection is re-established and CatchUpOnReconnect is set,
// every subscription goes back to SUBSCRIBING with its flag cleared so the
// next acknowledgement runs a catch-up.
func (m *Manager) OnConnectionChange(connected, reconnect bool) {
	var changed []string
	m.mu.Lock()
	m.connected = connected
	if connected && reconnect && m.cfg.CatchUpOnReconnect {
		for id, sub := range m.subs {
			sub.caughtUp = false
			sub.phase = Subscribing
			changed = append(changed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range changed {
		m.notify(id, Subscribing)
	}
}

// =============================================================================
// Queries
// =============================================================================

// State returns the subscription state of a conversation.
func (m *Manager) State(conversationID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[conversationID]
	if !ok {
		return State{Phase: Unsubscribed, Connected: m.connected}
	}
	return State{
		Phase:      sub.phase,
		Subscribed: sub.phase == Subscribed || sub.phase == CaughtUp,
		Connected:  m.connected,
		CaughtUp:   sub.phase == CaughtUp,
	}
}

// Active returns the ids of subscribed conversations.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for id := range m.subs {
		out = append(out, id)
	}
	return out
}

func (m *Manager) notify(conversationID string, phase Phase) {
	m.metrics.RecordTransition(phase.String())
	if m.observer != nil {
		m.observer(conversationID, phase)
	}
}
