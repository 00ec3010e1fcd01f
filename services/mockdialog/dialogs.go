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
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

var (
	// ErrUnknownRequest is returned for an approval id the server never
	// issued.
	ErrUnknownRequest = errors.New("unknown approval request")

	// ErrDecided is returned when the opposite decision was already made.
	ErrDecided = errors.New("approval request already decided")

	// ErrBadCursor is returned for a malformed history cursor.
	ErrBadCursor = errors.New("invalid cursor")
)

// =============================================================================
// Conversation State
// =============================================================================

// conversation is the server-side record of one conversation.
type conversation struct {
	// chunks is the per-channel delta log, in sequence order.
	chunks map[datatypes.Channel][]datatypes.Chunk
	next   map[datatypes.Channel]int64

	// messages is the finalized history, oldest first. Assistant messages
	// are updated in place while their turn streams.
	messages []datatypes.WireMessage
	index    map[string]int
}

// pendingApproval is an approval request awaiting a decision.
type pendingApproval struct {
	conversationID string
	channel        datatypes.Channel
	messageID      string
	status         datatypes.ApprovalStatus
	decided        chan struct{}
}

// Dialogs holds every conversation and fans chunks out to subscribers.
//
// Thread Safety: safe for concurrent use.
type Dialogs struct {
	hub *hub
	now func() time.Time

	mu            sync.Mutex
	conversations map[string]*conversation
	approvals     map[string]*pendingApproval
}

// newDialogs creates an empty Dialogs broadcasting through h.
func newDialogs(h *hub, now func() time.Time) *Dialogs {
	if now == nil {
		now = time.Now
	}
	return &Dialogs{
		hub:           h,
		now:           now,
		conversations: make(map[string]*conversation),
		approvals:     make(map[string]*pendingApproval),
	}
}

func (d *Dialogs) conv(id string) *conversation {
	c, ok := d.conversations[id]
	if !ok {
		c = &conversation{
			chunks: make(map[datatypes.Channel][]datatypes.Chunk),
			next:   make(map[datatypes.Channel]int64),
			index:  make(map[string]int),
		}
		d.conversations[id] = c
	}
	return c
}

// Emit assigns the next sequence id of the channel, records the chunk,
// folds content chunks into the finalized message it belongs to, and
// pushes it to subscribers.
func (d *Dialogs) Emit(conversationID string, channel datatypes.Channel, messageID string, chunk datatypes.Chunk) datatypes.Chunk {
	d.mu.Lock()
	c := d.conv(conversationID)
	c.next[channel]++
	chunk.SequenceID = datatypes.Seq(c.next[channel])
	c.chunks[channel] = append(c.chunks[channel], chunk)

	switch chunk.Type {
	case datatypes.ChunkMessageStart:
		d.upsertLocked(c, datatypes.WireMessage{
			ID:             messageID,
			ConversationID: conversationID,
			Channel:        channel,
			CreatedAt:      d.now(),
			Owner:          datatypes.Owner{Type: "ASSISTANT"},
			Content:        datatypes.WireContent{Items: []datatypes.Chunk{}},
		})
	case datatypes.ChunkMessageEnd:
	default:
		if i, ok := c.index[messageID]; ok {
			item := chunk
			item.SequenceID = nil
			c.messages[i].Content.Items = append(c.messages[i].Content.Items, item)
		}
	}
	d.mu.Unlock()

	d.hub.broadcast(conversationID, channel, chunk)
	return chunk
}

// AddUserMessage appends a finalized plain-text message from the user.
func (d *Dialogs) AddUserMessage(conversationID, id, displayName, text string) datatypes.WireMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg := datatypes.WireMessage{
		ID:             id,
		ConversationID: conversationID,
		CreatedAt:      d.now(),
		Owner:          datatypes.Owner{Type: "USER", DisplayName: displayName},
		Content:        datatypes.WireContent{Text: &text},
	}
	d.upsertLocked(d.conv(conversationID), msg)
	return msg
}

func (d *Dialogs) upsertLocked(c *conversation, msg datatypes.WireMessage) {
	if i, ok := c.index[msg.ID]; ok {
		c.messages[i] = msg
		return
	}
	c.index[msg.ID] = len(c.messages)
	c.messages = append(c.messages, msg)
}

// Chunks returns the recorded chunks of a channel with a sequence id of at
// least from (all when from is nil).
func (d *Dialogs) Chunks(conversationID string, channel datatypes.Channel, from *int64) []datatypes.Chunk {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[conversationID]
	if !ok {
		return []datatypes.Chunk{}
	}
	out := make([]datatypes.Chunk, 0, len(c.chunks[channel]))
	for _, ch := range c.chunks[channel] {
		if from != nil && *ch.SequenceID < *from {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// History returns one page of finalized messages, oldest first.
//
// # Description
//
// The cursor is the index of the oldest message already returned; empty
// means "start from the newest". A page holds the limit messages right
// before the cursor.
func (d *Dialogs) History(conversationID, cursor string, limit int) (datatypes.HistoryPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[conversationID]
	if !ok {
		return datatypes.HistoryPage{Messages: []datatypes.WireMessage{}}, nil
	}

	end := len(c.messages)
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(c.messages) {
			return datatypes.HistoryPage{}, ErrBadCursor
		}
		end = n
	}
	if limit <= 0 {
		limit = 50
	}
	start := max(end-limit, 0)

	page := datatypes.HistoryPage{
		Messages: make([]datatypes.WireMessage, 0, end-start),
		HasMore:  start > 0,
	}
	for _, m := range c.messages[start:end] {
		page.Messages = append(page.Messages, cloneWire(m))
	}
	if page.HasMore {
		page.NextCursor = strconv.Itoa(start)
	}
	return page, nil
}

func cloneWire(m datatypes.WireMessage) datatypes.WireMessage {
	if m.Content.Items != nil {
		items := make([]datatypes.Chunk, len(m.Content.Items))
		copy(items, m.Content.Items)
		m.Content.Items = items
	}
	return m
}

// =============================================================================
// Approvals
// =============================================================================

// registerApproval records a request the script is about to emit.
func (d *Dialogs) registerApproval(requestID, conversationID string, channel datatypes.Channel, messageID string) *pendingApproval {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &pendingApproval{
		conversationID: conversationID,
		channel:        channel,
		messageID:      messageID,
		status:         datatypes.ApprovalPending,
		decided:        make(chan struct{}),
	}
	d.approvals[requestID] = p
	return p
}

// Decide records a decision and emits its APPROVAL_RESULT.
//
// # Outputs
//
//   - error: ErrUnknownRequest, ErrDecided for the opposite of an earlier
//     decision. Repeating a decision is a no-op.
func (d *Dialogs) Decide(requestID string, approved bool) error {
	target := datatypes.ApprovalRejected
	if approved {
		target = datatypes.ApprovalApproved
	}

	d.mu.Lock()
	p, ok := d.approvals[requestID]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownRequest
	}
	if p.status.Decided() {
		d.mu.Unlock()
		if p.status == target {
			return nil
		}
		return ErrDecided
	}
	p.status = target
	d.mu.Unlock()

	d.Emit(p.conversationID, p.channel, p.messageID, datatypes.Chunk{
		Type:      datatypes.ChunkApprovalResult,
		MessageID: p.messageID,
		RequestID: requestID,
		Approved:  &approved,
	})
	close(p.decided)
	return nil
}
