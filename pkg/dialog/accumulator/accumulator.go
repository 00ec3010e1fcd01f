// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package accumulator folds streaming chunks into renderable assistant
// messages.
//
// # Description
//
// An Accumulator owns the messages being built for one open conversation.
// Every admitted chunk is kept in a per-channel log ordered by sequence id.
// Chunks arriving in order are reduced incrementally; a chunk whose
// sequence id is lower than one already applied triggers a re-reduction of
// that channel's log, so the built messages depend only on the set of
// chunks received and never on their arrival order.
//
// Chunks without a sequence id sort after the highest id seen on their
// channel at the time they arrive.
//
// # Thread Safety
//
// Not safe for concurrent use. The engine serializes access.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

// =============================================================================
// Collaborators
// =============================================================================

// StatusBook is the per-conversation approval status map. It is consulted
// whenever an approval segment is built so that decisions made elsewhere
// win over the status carried by the chunk.
type StatusBook interface {
	Status(requestID string) (datatypes.ApprovalStatus, bool)
	Record(requestID string, status datatypes.ApprovalStatus)
}

// Decision is a human verdict on an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalHandlers are invoked when the user acts on an approval request.
// They may be rebound at any time with SetCallbacks.
type ApprovalHandlers struct {
	OnApprove func(ctx context.Context, requestID string) error
	OnReject  func(ctx context.Context, requestID string) error
}

// ErrNoHandler is returned by Dispatch when no handler is bound for the
// decision.
var ErrNoHandler = errors.New("no approval handler bound")

// Config configures an Accumulator.
type Config struct {
	// ConversationID stamps every built message.
	ConversationID string

	// AssistantName is the display name of built messages.
	AssistantName string

	// Statuses is the approval status map. Optional.
	Statuses StatusBook

	// Now stamps turn creation. Defaults to time.Now.
	Now func() time.Time

	// NewID generates ids for unsequenced MESSAGE_START chunks without a
	// messageId. Defaults to uuid.NewString.
	NewID func() string
}

// Changes describes the effect of one operation on the built messages.
type Changes struct {
	// Upserted holds full snapshots of every message whose content changed.
	Upserted []datatypes.Message

	// Removed holds ids of messages that no longer exist after a
	// re-reduction.
	Removed []string

	// StreamingID is the id of the message still being built, or "".
	StreamingID string

	// Typing is true between MESSAGE_START and MESSAGE_END.
	Typing bool

	// Rebuilt is true when a late chunk forced a re-reduction.
	Rebuilt bool
}

// =============================================================================
// Accumulator
// =============================================================================

type entry struct {
	chunk  datatypes.Chunk
	key    int64
	order  int
	turnID string
	at     time.Time
}

func (e entry) before(o entry) bool {
	if e.key != o.key {
		return e.key < o.key
	}
	return e.order < o.order
}

// stream is the log and reduction state of one channel.
type stream struct {
	channel  datatypes.Channel
	log      []entry
	maxKey   int64
	turns    []*turn
	open     *turn
	seedUsed bool
}

// Accumulator builds assistant messages for one conversation.
type Accumulator struct {
	cfg         Config
	handlers    ApprovalHandlers
	streams     map[datatypes.Channel]*stream
	order       []datatypes.Channel
	arrivals    int
	seed        *seedState
	lastTouched datatypes.Channel
}

// New creates an Accumulator.
func New(cfg Config) *Accumulator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Statuses == nil {
		cfg.Statuses = nopBook{}
	}
	return &Accumulator{
		cfg:     cfg,
		streams: make(map[datatypes.Channel]*stream),
	}
}

// SetCallbacks rebinds the approval handlers. Accumulated state is kept.
func (a *Accumulator) SetCallbacks(h ApprovalHandlers) {
	a.handlers = h
}

// Handlers returns the bound approval handlers.
func (a *Accumulator) Handlers() ApprovalHandlers {
	return a.handlers
}

// Dispatch routes a user decision to the bound handler.
func (a *Accumulator) Dispatch(ctx context.Context, requestID string, d Decision) error {
	return a.handlers.Dispatch(ctx, requestID, d)
}

// Dispatch routes a user decision to the matching handler.
func (h ApprovalHandlers) Dispatch(ctx context.Context, requestID string, d Decision) error {
	var fn func(context.Context, string) error
	switch d {
	case DecisionApprove:
		fn = h.OnApprove
	case DecisionReject:
		fn = h.OnReject
	}
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, d)
	}
	return fn(ctx, requestID)
}

// Reset discards every built message and log entry. Bound handlers are
// kept.
func (a *Accumulator) Reset() {
	clear(a.streams)
	a.order = nil
	a.arrivals = 0
	a.seed = nil
	a.lastTouched = ""
}

// Apply folds one admitted chunk into the built messages.
//
// # Description
//
// START opens a new message (closing any unterminated one on the same
// channel), END closes it, content chunks extend the open message (opening
// an implicit one if needed), and APPROVAL_RESULT records the decision in
// the status map and updates the matching request wherever it lives.
//
// # Inputs
//
//   - channel: The channel the chunk arrived on.
//   - chunk: A validated, deduplicated chunk.
//
// # Outputs
//
//   - Changes: Snapshots of affected messages and the streaming state.
func (a *Accumulator) Apply(channel datatypes.Channel, chunk datatypes.Chunk) Changes {
	s := a.stream(channel)
	a.lastTouched = channel

	if chunk.Type == datatypes.ChunkApprovalResult {
		a.cfg.Statuses.Record(chunk.RequestID, chunk.ApprovedStatus())
	}

	e := a.newEntry(s, chunk)
	if n := len(s.log); n == 0 || !e.before(s.log[n-1]) {
		s.log = append(s.log, e)
		touched := a.reduce(s, e)
		return a.changes(touched, nil, false)
	}

	i := sort.Search(len(s.log), func(i int) bool { return e.before(s.log[i]) })
	s.log = slices.Insert(s.log, i, e)
	return a.rebuild(s)
}

func (a *Accumulator) stream(channel datatypes.Channel) *stream {
	s, ok := a.streams[channel]
	if !ok {
		s = &stream{channel: channel}
		a.streams[channel] = s
		a.order = append(a.order, channel)
	}
	return s
}

func (a *Accumulator) newEntry(s *stream, c datatypes.Chunk) entry {
	a.arrivals++
	e := entry{chunk: c, order: a.arrivals, at: a.cfg.Now()}
	if seq, ok := c.Sequence(); ok {
		e.key = seq
		if seq > s.maxKey {
			s.maxKey = seq
		}
	} else {
		e.key = s.maxKey
	}
	switch {
	case c.MessageID != "":
		e.turnID = c.MessageID
	case c.SequenceID != nil:
		e.turnID = fmt.Sprintf("%s-%s-%d", a.cfg.ConversationID, s.channel, *c.SequenceID)
	default:
		e.turnID = a.cfg.NewID()
	}
	return e
}

// reduce applies e to the stream state and returns the turns it touched.
func (a *Accumulator) reduce(s *stream, e entry) []*turn {
	c := e.chunk
	switch {
	case c.Type == datatypes.ChunkMessageStart:
		if s.open != nil {
			s.open.ended = true
		}
		return []*turn{a.openTurn(s, e, true)}

	case c.Type == datatypes.ChunkMessageEnd:
		if s.open == nil {
			return nil
		}
		t := s.open
		t.ended = true
		s.open = nil
		return []*turn{t}

	case c.Type == datatypes.ChunkApprovalResult:
		status, ok := a.cfg.Statuses.Status(c.RequestID)
		if !ok {
			status = c.ApprovedStatus()
		}
		return a.setApprovalStatus(c.RequestID, status)

	case c.Type.IsContent():
		if s.open == nil {
			a.openTurn(s, e, false)
		}
		s.open.apply(c, a.cfg.Statuses)
		return []*turn{s.open}
	}
	return nil
}

func (a *Accumulator) openTurn(s *stream, e entry, explicit bool) *turn {
	t := &turn{id: e.turnID, channel: s.channel, createdAt: e.at}
	if a.seed != nil && !s.seedUsed && a.seed.channel == s.channel {
		s.seedUsed = true
		a.seed.adopt(t, e.chunk, explicit)
	}
	s.turns = append(s.turns, t)
	s.open = t
	return t
}

// rebuild re-reduces s from its log.
func (a *Accumulator) rebuild(s *stream) Changes {
	previous := make(map[string]struct{}, len(s.turns))
	for _, t := range s.turns {
		previous[t.id] = struct{}{}
	}

	s.turns = nil
	s.open = nil
	s.seedUsed = false
	for _, e := range s.log {
		a.reduce(s, e)
	}

	var removed []string
	current := make(map[string]struct{}, len(s.turns))
	for _, t := range s.turns {
		current[t.id] = struct{}{}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return a.changes(s.turns, removed, true)
}

func (a *Accumulator) setApprovalStatus(requestID string, status datatypes.ApprovalStatus) []*turn {
	var touched []*turn
	for _, ch := range a.order {
		for _, t := range a.streams[ch].turns {
			if t.setApprovalStatus(requestID, status) {
				touched = append(touched, t)
			}
		}
	}
	return touched
}

// UpdateApprovalStatus sets the status of requestID on every built message
// carrying it and returns the updated snapshots. The status map is not
// written; callers record the decision there first.
func (a *Accumulator) UpdateApprovalStatus(requestID string, status datatypes.ApprovalStatus) Changes {
	return a.changes(a.setApprovalStatus(requestID, status), nil, false)
}

func (a *Accumulator) changes(touched []*turn, removed []string, rebuilt bool) Changes {
	ch := Changes{Removed: removed, Rebuilt: rebuilt}
	seen := make(map[*turn]struct{}, len(touched))
	for _, t := range touched {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		ch.Upserted = append(ch.Upserted, a.snapshot(t))
	}
	if open := a.streamingTurn(); open != nil {
		ch.StreamingID = open.id
		ch.Typing = true
	}
	return ch
}

// streamingTurn picks the streaming turn: the open turn of the most recently
// touched channel, else any open turn.
func (a *Accumulator) streamingTurn() *turn {
	if s, ok := a.streams[a.lastTouched]; ok && s.open != nil {
		return s.open
	}
	for _, ch := range a.order {
		if s := a.streams[ch]; s.open != nil {
			return s.open
		}
	}
	return nil
}

func (a *Accumulator) snapshot(t *turn) datatypes.Message {
	return datatypes.Message{
		ID:             t.id,
		ConversationID: a.cfg.ConversationID,
		Channel:        t.channel,
		Author:         datatypes.AuthorAssistant,
		DisplayName:    a.cfg.AssistantName,
		CreatedAt:      t.createdAt,
		Content:        datatypes.StructuredContent(t.render()),
	}
}

// Messages returns snapshots of every built message, channel by channel.
func (a *Accumulator) Messages() []datatypes.Message {
	var out []datatypes.Message
	for _, ch := range a.order {
		for _, t := range a.streams[ch].turns {
			out = append(out, a.snapshot(t))
		}
	}
	return out
}

// Unfinished returns the ids of built messages that have not seen their
// MESSAGE_END.
func (a *Accumulator) Unfinished() []string {
	var out []string
	for _, ch := range a.order {
		for _, t := range a.streams[ch].turns {
			if !t.ended {
				out = append(out, t.id)
			}
		}
	}
	return out
}

// TurnOrder returns the ids of built messages per channel, in sequence
// order. Channels have independent sequence spaces, so no order is
// defined across them.
func (a *Accumulator) TurnOrder() [][]string {
	out := make([][]string, 0, len(a.order))
	for _, ch := range a.order {
		turns := a.streams[ch].turns
		ids := make([]string, len(turns))
		for i, t := range turns {
			ids[i] = t.id
		}
		out = append(out, ids)
	}
	return out
}

// Streaming returns the message still being built, if any.
func (a *Accumulator) Streaming() (datatypes.Message, bool) {
	t := a.streamingTurn()
	if t == nil {
		return datatypes.Message{}, false
	}
	return a.snapshot(t), true
}

type nopBook struct{}

func (nopBook) Status(string) (datatypes.ApprovalStatus, bool) { return "", false }
func (nopBook) Record(string, datatypes.ApprovalStatus)        {}
