// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine ties the dialog components together into one client-side
// synchronization engine.
//
// # Description
//
// The Engine owns the message store and, for every open conversation, a
// sequence tracker and an accumulator. Chunks reach it from two paths:
// the push transport (through the subscription boundary) and catch-up
// replay. Both paths go through the same validate, deduplicate and
// accumulate pipeline under a single mutex, so the resulting messages are
// the same regardless of which path delivered which chunk.
//
// Network I/O (history, catch-up fetch, approval calls, subscribe) never
// happens while the mutex is held.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/chatsync/pkg/dialog/accumulator"
	"github.com/AleutianAI/chatsync/pkg/dialog/approval"
	"github.com/AleutianAI/chatsync/pkg/dialog/catchup"
	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
	"github.com/AleutianAI/chatsync/pkg/dialog/sequence"
	"github.com/AleutianAI/chatsync/pkg/dialog/store"
	"github.com/AleutianAI/chatsync/pkg/dialog/subscription"
)

var tracer = otel.Tracer("chatsync.dialog.engine")

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrConversationNotOpen is returned for operations that need an open
	// conversation.
	ErrConversationNotOpen = errors.New("conversation not open")

	// ErrEmptyConversationID is returned when no conversation id is given.
	ErrEmptyConversationID = errors.New("conversation id is required")
)

// =============================================================================
// Dependencies
// =============================================================================

// HistorySource pages finalized messages from the server.
type HistorySource interface {
	FetchHistory(ctx context.Context, conversationID, cursor string, limit int) (datatypes.HistoryPage, error)
}

// MessageCache persists finalized history locally.
type MessageCache interface {
	Load(conversationID string) ([]datatypes.WireMessage, error)
	Store(conversationID string, msgs []datatypes.WireMessage) error
}

// Config configures an Engine.
type Config struct {
	// Channels subscribed to and fetched during catch-up.
	Channels []datatypes.Channel

	// HistoryPageSize is the history page limit. Defaults to 50.
	HistoryPageSize int

	// AssistantName is the display name of streamed messages.
	AssistantName string

	// CatchUpOnReconnect re-runs catch-up after a push reconnect.
	CatchUpOnReconnect bool

	// CatchUpTimeout bounds one catch-up. Zero means none.
	CatchUpTimeout time.Duration
}

// Deps are the Engine's collaborators. Chunks, History, Approver and Push
// are required.
type Deps struct {
	Chunks   catchup.ChunkSource
	History  HistorySource
	Approver approval.Approver
	Push     subscription.Transport

	// Cache is optional. When set, fetched history pages are written to it
	// and it is read if the first history fetch fails.
	Cache MessageCache

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Now and NewID override clocks and id generation for accumulators.
	Now   func() time.Time
	NewID func() string

	// Spawn launches catch-up runs. Defaults to a goroutine.
	Spawn func(func())
}

// EventKind classifies an Event.
type EventKind string

const (
	// EventMessages means the conversation's view changed.
	EventMessages EventKind = "messages"

	// EventSubscription means the subscription phase changed.
	EventSubscription EventKind = "subscription"
)

// Event notifies observers that a conversation changed.
type Event struct {
	ConversationID string
	Kind           EventKind
}

type openConversation struct {
	id      string
	epoch   uint64
	tracker *sequence.Tracker
	acc     *accumulator.Accumulator
}

// =============================================================================
// Engine
// =============================================================================

// Engine is the client-side dialog synchronization engine.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	store    *store.Store
	open     map[string]*openConversation
	statuses map[string]*approval.StatusMap
	active   string
	epoch    uint64

	// interrupted holds ids of messages that were still being built when
	// their conversation closed.
	interrupted map[string][]string

	fetcher   *catchup.Fetcher
	subs      *subscription.Manager
	approvals *approval.Coordinator
	history   singleflight.Group

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

// New creates an Engine.
//
// # Examples
//
//	eng := engine.New(engine.Config{Channels: cfg.Channels}, engine.Deps{
//	    Chunks: client, History: client, Approver: client, Push: push,
//	})
//	push.SetHandler(eng.PushHandler())
func New(cfg Config, deps Deps) *Engine {
	if len(cfg.Channels) == 0 {
		cfg.Channels = datatypes.DefaultChannels
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		store:     store.New(),
		open:      make(map[string]*openConversation),
		statuses:    make(map[string]*approval.StatusMap),
		interrupted: make(map[string][]string),
		observers:   make(map[int]func(Event)),
	}

	e.fetcher = catchup.New(catchup.Config{Channels: cfg.Channels, Timeout: cfg.CatchUpTimeout},
		deps.Chunks, e, deps.Metrics, logger)

	opts := []subscription.Option{
		subscription.WithMetrics(deps.Metrics),
		subscription.WithLogger(logger),
		subscription.WithPhaseObserver(func(id string, _ subscription.Phase) {
			e.emit(Event{ConversationID: id, Kind: EventSubscription})
		}),
	}
	if deps.Spawn != nil {
		opts = append(opts, subscription.WithSpawner(deps.Spawn))
	}
	e.subs = subscription.New(subscription.Config{
		Channels:           cfg.Channels,
		CatchUpOnReconnect: cfg.CatchUpOnReconnect,
	}, deps.Push, e.fetcher, e, opts...)

	e.approvals = approval.NewCoordinator(deps.Approver, e, e.statusMap, deps.Metrics, logger)
	return e
}

// PushHandler returns the receiver for push transport events.
func (e *Engine) PushHandler() *subscription.Manager {
	return e.subs
}

// Subscribe registers an observer. The returned func removes it.
// Observers run on the goroutine that caused the change and must not block.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.obsMu.Unlock()
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	e.obsMu.Lock()
	fns := make([]func(Event), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// statusMap returns the conversation's approval status map.
func (e *Engine) statusMap(conversationID string) *approval.StatusMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusMapLocked(conversationID)
}

func (e *Engine) statusMapLocked(conversationID string) *approval.StatusMap {
	m, ok := e.statuses[conversationID]
	if !ok {
		m = approval.NewStatusMap()
		e.statuses[conversationID] = m
	}
	return m
}

// =============================================================================
// Conversation Lifecycle
// =============================================================================

// Open activates a conversation.
//
// # Description
//
// Opening an already open conversation is a no-op. Otherwise a fresh
// tracker and accumulator are created, the first history page is loaded if
// the conversation has never been loaded (falling back to the local cache
// when the fetch fails), the newest page is merged again if a message was
// interrupted by the last Close, the accumulator is seeded from the last finalized
// assistant message if it has unfinished work, and the push subscription
// is requested. Catch-up starts when the subscription is acknowledged.
//
// # Outputs
//
//   - error: ErrEmptyConversationID or a subscribe failure. History
//     failures are logged, not returned.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrEmptyConversationID
	}

	e.mu.Lock()
	if _, ok := e.open[conversationID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.epoch++
	conv := &openConversation{
		id:      conversationID,
		epoch:   e.epoch,
		tracker: sequence.New(),
		acc: accumulator.New(accumulator.Config{
			ConversationID: conversationID,
			AssistantName:  e.cfg.AssistantName,
			Statuses:       e.statusMapLocked(conversationID),
			Now:            e.deps.Now,
			NewID:          e.deps.NewID,
		}),
	}
	conv.acc.SetCallbacks(e.defaultHandlers(conversationID))
	e.open[conversationID] = conv
	e.store.Ensure(conversationID)
	hydrate := !e.store.Cursor(conversationID).Loaded
	refresh := !hydrate && len(e.interrupted[conversationID]) > 0
	e.mu.Unlock()

	e.logger.Info("Opening conversation",
		"conversation_id", conversationID,
		"epoch", conv.epoch)

	if hydrate {
		if _, err := e.LoadHistory(ctx, conversationID); err != nil {
			e.logger.Warn("History load failed, using cache",
				"conversation_id", conversationID,
				"error", err)
			e.loadCached(conversationID)
		}
	}
	if refresh {
		if err := e.refreshNewest(ctx, conversationID); err != nil {
			e.logger.Warn("Refreshing interrupted messages failed",
				"conversation_id", conversationID,
				"error", err)
		}
	}

	e.mu.Lock()
	current, ok := e.open[conversationID]
	if !ok || current != conv {
		e.mu.Unlock()
		return nil
	}
	if last, found := e.store.LastAssistant(conversationID); found {
		if seeded, changes := conv.acc.Seed(last); seeded {
			e.applyChangesLocked(conversationID, changes)
			e.logger.Debug("Seeded resume from history",
				"conversation_id", conversationID,
				"message_id", last.ID)
		}
	}
	e.mu.Unlock()

	return e.subs.Activate(ctx, conversationID, conv.epoch, nil)
}

// Close deactivates a conversation. Its tracker and accumulator are
// discarded; its messages stay in the store. Messages still being built are
// remembered so the next Open can replace them with their final form.
func (e *Engine) Close(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	conv, ok := e.open[conversationID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.open, conversationID)
	for _, id := range conv.acc.Unfinished() {
		if !slices.Contains(e.interrupted[conversationID], id) {
			e.interrupted[conversationID] = append(e.interrupted[conversationID], id)
		}
	}
	conv.tracker.Reset()
	conv.acc.Reset()
	e.store.SetStreaming(conversationID, "")
	e.store.SetTyping(conversationID, false)
	e.mu.Unlock()

	e.logger.Info("Closing conversation", "conversation_id", conversationID)
	e.emit(Event{ConversationID: conversationID, Kind: EventMessages})
	return e.subs.Deactivate(ctx, conversationID)
}

// Shutdown closes every open conversation.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := e.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsOpen reports whether the conversation is open.
func (e *Engine) IsOpen(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.open[conversationID]
	return ok
}

// SetActive marks the conversation the user is viewing and zeroes its
// unread counter. "" clears the active conversation.
func (e *Engine) SetActive(conversationID string) {
	e.mu.Lock()
	e.active = conversationID
	if conversationID != "" {
		e.store.ResetUnread(conversationID)
	}
	e.mu.Unlock()
	if conversationID != "" {
		e.emit(Event{ConversationID: conversationID, Kind: EventMessages})
	}
}

// Active returns the active conversation id.
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// =============================================================================
// Chunk Application
// =============================================================================

// HandleChunk applies a push chunk that passed the subscription boundary.
func (e *Engine) HandleChunk(conversationID string, channel datatypes.Channel, chunk datatypes.Chunk) {
	e.mu.Lock()
	conv, ok := e.open[conversationID]
	if !ok {
		e.mu.Unlock()
		e.deps.Metrics.RecordChunk(string(channel), "push", "dropped")
		return
	}
	changed := e.applyLocked(conv, channel, chunk, "push")
	e.mu.Unlock()
	if changed {
		e.emit(Event{ConversationID: conversationID, Kind: EventMessages})
	}
}

// ApplyCatchUp replays catch-up items. It returns false when req belongs to
// an activation that is no longer open.
func (e *Engine) ApplyCatchUp(req catchup.Request, items []catchup.Item) bool {
	e.mu.Lock()
	conv, ok := e.open[req.ConversationID]
	if !ok || conv.epoch != req.Epoch {
		e.mu.Unlock()
		for _, it := range items {
			e.deps.Metrics.RecordChunk(string(it.Channel), "catchup", "stale")
		}
		return false
	}
	changed := false
	for _, it := range items {
		if e.applyLocked(conv, it.Channel, it.Chunk, "catchup") {
			changed = true
		}
	}
	e.mu.Unlock()
	if changed {
		e.emit(Event{ConversationID: req.ConversationID, Kind: EventMessages})
	}
	return true
}

// applyLocked runs one chunk through validate, deduplicate and accumulate.
// It reports whether the chunk was applied.
func (e *Engine) applyLocked(conv *openConversation, channel datatypes.Channel, chunk datatypes.Chunk, source string) bool {
	if err := datatypes.ValidateChunk(chunk); err != nil {
		e.deps.Metrics.RecordChunk(string(channel), source, "invalid")
		e.logger.Debug("Dropping malformed chunk",
			"conversation_id", conv.id,
			"channel", channel,
			"chunk_type", chunk.Type,
			"error", err)
		return false
	}
	if !conv.tracker.Admit(channel, chunk) {
		e.deps.Metrics.RecordChunk(string(channel), source, "duplicate")
		return false
	}

	changes := conv.acc.Apply(channel, chunk)
	e.applyChangesLocked(conv.id, changes)
	if len(changes.Upserted) > 0 {
		for _, ids := range conv.acc.TurnOrder() {
			e.store.Arrange(conv.id, ids)
		}
	}
	if chunk.Type == datatypes.ChunkApprovalResult {
		status, ok := e.statusMapLocked(conv.id).Status(chunk.RequestID)
		if !ok {
			status = chunk.ApprovedStatus()
		}
		e.store.UpdateApprovalStatus(conv.id, chunk.RequestID, status)
	}
	if conv.id != e.active {
		e.store.IncrementUnread(conv.id)
	}
	if changes.Rebuilt {
		e.logger.Debug("Late chunk re-reduced messages",
			"conversation_id", conv.id,
			"channel", channel,
			"sequence_id", chunk.SortKey())
	}
	e.deps.Metrics.RecordChunk(string(channel), source, "applied")
	return true
}

func (e *Engine) applyChangesLocked(conversationID string, changes accumulator.Changes) {
	for _, id := range changes.Removed {
		e.store.Remove(conversationID, id)
	}
	for _, m := range changes.Upserted {
		e.store.Upsert(conversationID, m)
	}
	e.store.SetStreaming(conversationID, changes.StreamingID)
	e.store.SetTyping(conversationID, changes.Typing)
}

// =============================================================================
// History
// =============================================================================

// LoadHistory fetches the next older history page and prepends it.
//
// # Description
//
// Concurrent calls for the same page share one request. Returns false
// without fetching once every page has been loaded.
//
// # Outputs
//
//   - bool: Whether any message was added or replaced.
//   - error: The fetch failure, wrapped.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) (bool, error) {
	if conversationID == "" {
		return false, ErrEmptyConversationID
	}
	e.mu.Lock()
	e.store.Ensure(conversationID)
	cur := e.store.Cursor(conversationID)
	e.mu.Unlock()
	if cur.Exhausted() {
		return false, nil
	}

	v, err, _ := e.history.Do(conversationID+"\x00"+cur.Next, func() (any, error) {
		return e.fetchHistoryPage(ctx, conversationID, cur)
	})
	if err != nil {
		return false, err
	}
	return v.(int) > 0, nil
}

func (e *Engine) fetchHistoryPage(ctx context.Context, conversationID string, cur store.Cursor) (int, error) {
	ctx, span := tracer.Start(ctx, "engine.LoadHistory",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("history.cursor", cur.Next),
		))
	defer span.End()

	page, err := e.deps.History.FetchHistory(ctx, conversationID, cur.Next, e.cfg.HistoryPageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history fetch failed")
		e.deps.Metrics.RecordHistoryPage("server", "error")
		return 0, fmt.Errorf("loading history for %s: %w", conversationID, err)
	}
	e.deps.Metrics.RecordHistoryPage("server", "ok")

	e.mu.Lock()
	if e.store.Cursor(conversationID) != cur {
		e.mu.Unlock()
		return 0, nil
	}
	msgs := e.decodeLocked(conversationID, page.Messages)
	e.store.Prepend(conversationID, msgs)
	e.store.SetCursor(conversationID, store.Cursor{Next: page.NextCursor, HasMore: page.HasMore, Loaded: true})
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("history.messages", len(msgs)))
	if e.deps.Cache != nil && len(page.Messages) > 0 {
		if err := e.deps.Cache.Store(conversationID, page.Messages); err != nil {
			e.logger.Warn("Caching history page failed",
				"conversation_id", conversationID,
				"error", err)
		}
	}
	if len(msgs) > 0 {
		e.emit(Event{ConversationID: conversationID, Kind: EventMessages})
	}
	return len(msgs), nil
}

// refreshNewest merges the newest history page into the store. Interrupted
// messages the page does not contain are removed, so catch-up can rebuild
// them from their start. On failure the interrupted messages are kept and
// retried on the next Open.
func (e *Engine) refreshNewest(ctx context.Context, conversationID string) error {
	ctx, span := tracer.Start(ctx, "engine.RefreshNewest",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	page, err := e.deps.History.FetchHistory(ctx, conversationID, "", e.cfg.HistoryPageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history fetch failed")
		e.deps.Metrics.RecordHistoryPage("server", "error")
		return fmt.Errorf("refreshing history for %s: %w", conversationID, err)
	}
	e.deps.Metrics.RecordHistoryPage("server", "ok")

	e.mu.Lock()
	msgs := e.decodeLocked(conversationID, page.Messages)
	e.store.MergeNewest(conversationID, msgs)
	finalized := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		finalized[m.ID] = struct{}{}
	}
	var dropped int
	for _, id := range e.interrupted[conversationID] {
		if _, ok := finalized[id]; ok {
			continue
		}
		if e.store.Remove(conversationID, id) {
			dropped++
		}
	}
	delete(e.interrupted, conversationID)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Int("history.messages", len(msgs)),
		attribute.Int("history.dropped", dropped))
	e.logger.Debug("Refreshed interrupted messages",
		"conversation_id", conversationID,
		"merged", len(msgs),
		"dropped", dropped)
	if e.deps.Cache != nil && len(page.Messages) > 0 {
		if err := e.deps.Cache.Store(conversationID, page.Messages); err != nil {
			e.logger.Warn("Caching history page failed",
				"conversation_id", conversationID,
				"error", err)
		}
	}
	e.emit(Event{ConversationID: conversationID, Kind: EventMessages})
	return nil
}

// loadCached hydrates the store from the local cache without touching the
// pagination cursor.
func (e *Engine) loadCached(conversationID string) {
	if e.deps.Cache == nil {
		return
	}
	wire, err := e.deps.Cache.Load(conversationID)
	if err != nil {
		e.deps.Metrics.RecordHistoryPage("cache", "error")
		e.logger.Warn("Reading message cache failed",
			"conversation_id", conversationID,
			"error", err)
		return
	}
	e.deps.Metrics.RecordHistoryPage("cache", "ok")
	if len(wire) == 0 {
		return
	}

	e.mu.Lock()
	msgs := e.decodeLocked(conversationID, wire)
	e.store.Prepend(conversationID, msgs)
	e.mu.Unlock()
	e.emit(Event{ConversationID: conversationID, Kind: EventMessages})
}

func (e *Engine) decodeLocked(conversationID string, wire []datatypes.WireMessage) []datatypes.Message {
	statuses := e.statusMapLocked(conversationID)
	msgs := make([]datatypes.Message, 0, len(wire))
	for _, w := range wire {
		if err := datatypes.ValidateWireMessage(w); err != nil {
			e.logger.Debug("Skipping invalid history message",
				"conversation_id", conversationID,
				"error", err)
			continue
		}
		if w.ConversationID == "" {
			w.ConversationID = conversationID
		}
		msgs = append(msgs, accumulator.DecodeMessage(w, statuses))
	}
	return msgs
}

// =============================================================================
// Approvals
// =============================================================================

func (e *Engine) defaultHandlers(conversationID string) accumulator.ApprovalHandlers {
	return accumulator.ApprovalHandlers{
		OnApprove: func(ctx context.Context, requestID string) error {
			return e.approvals.Approve(ctx, conversationID, requestID)
		},
		OnReject: func(ctx context.Context, requestID string) error {
			return e.approvals.Reject(ctx, conversationID, requestID)
		},
	}
}

// SetApprovalHandlers rebinds the approve/reject handlers of an open
// conversation. Built messages are kept.
func (e *Engine) SetApprovalHandlers(conversationID string, h accumulator.ApprovalHandlers) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.open[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotOpen, conversationID)
	}
	conv.acc.SetCallbacks(h)
	return nil
}

// Approve approves an approval request. For an open conversation the
// bound handler is used; otherwise the decision goes straight to the
// coordinator.
func (e *Engine) Approve(ctx context.Context, conversationID, requestID string) error {
	return e.decide(ctx, conversationID, requestID, accumulator.DecisionApprove)
}

// Reject rejects an approval request.
func (e *Engine) Reject(ctx context.Context, conversationID, requestID string) error {
	return e.decide(ctx, conversationID, requestID, accumulator.DecisionReject)
}

func (e *Engine) decide(ctx context.Context, conversationID, requestID string, d accumulator.Decision) error {
	e.mu.Lock()
	conv, ok := e.open[conversationID]
	var h accumulator.ApprovalHandlers
	if ok {
		h = conv.acc.Handlers()
	} else {
		h = e.defaultHandlers(conversationID)
	}
	e.mu.Unlock()
	return h.Dispatch(ctx, requestID, d)
}

// PropagateApproval writes an accepted decision into the live message and
// every finalized message carrying the request.
func (e *Engine) PropagateApproval(conversationID, requestID string, status datatypes.ApprovalStatus) {
	e.mu.Lock()
	if conv, ok := e.open[conversationID]; ok {
		e.applyChangesLocked(conversationID, conv.acc.UpdateApprovalStatus(requestID, status))
	}
	e.store.UpdateApprovalStatus(conversationID, requestID, status)
	e.mu.Unlock()
	e.emit(Event{ConversationID: conversationID, Kind: EventMessages})
}

// =============================================================================
// Queries
// =============================================================================

// View returns the render view of a conversation.
func (e *Engine) View(conversationID string) store.View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.View(conversationID, e.statuses[conversationID])
}

// Messages returns copies of every stored message of a conversation.
func (e *Engine) Messages(conversationID string) []datatypes.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Messages(conversationID)
}

// Subscription returns the subscription state of a conversation.
func (e *Engine) Subscription(conversationID string) subscription.State {
	return e.subs.State(conversationID)
}

// ApprovalStatus returns the recorded status of a request.
func (e *Engine) ApprovalStatus(conversationID, requestID string) (datatypes.ApprovalStatus, bool) {
	return e.statusMap(conversationID).Status(requestID)
}
