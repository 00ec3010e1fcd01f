// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds the ordered message list of every conversation the
// client has referenced, along with per-conversation UI flags.
//
// The Store is not safe for concurrent use; the engine serializes access.
// Messages survive closing a conversation.
package store

import (
	"slices"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

// Cursor is the pagination position for older history.
type Cursor struct {
	// Next is the opaque cursor for the next older page.
	Next string

	// HasMore reports whether older pages exist.
	HasMore bool

	// Loaded is true once at least one page has been fetched.
	Loaded bool
}

// Exhausted reports whether every history page has been fetched.
func (c Cursor) Exhausted() bool {
	return c.Loaded && !c.HasMore
}

type conversation struct {
	messages    []datatypes.Message
	streamingID string
	typing      bool
	unread      int
	cursor      Cursor
}

// Store is the client-side message store.
type Store struct {
	conversations map[string]*conversation
}

// New creates an empty Store.
func New() *Store {
	return &Store{conversations: make(map[string]*conversation)}
}

// ensure creates the conversation entry on first reference.
func (s *Store) ensure(id string) *conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &conversation{}
		s.conversations[id] = c
	}
	return c
}

// Ensure registers a conversation without messages.
func (s *Store) Ensure(conversationID string) {
	s.ensure(conversationID)
}

// Known reports whether the conversation has been referenced.
func (s *Store) Known(conversationID string) bool {
	_, ok := s.conversations[conversationID]
	return ok
}

// Upsert replaces the message with the same id or appends msg.
func (s *Store) Upsert(conversationID string, msg datatypes.Message) {
	c := s.ensure(conversationID)
	msg = msg.Clone()
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if i := c.index(msg.ID); i >= 0 {
		c.messages[i] = msg
		return
	}
	c.messages = append(c.messages, msg)
}

// Prepend inserts an older history page ahead of the current messages.
// Messages already present are replaced in place. msgs is oldest first.
func (s *Store) Prepend(conversationID string, msgs []datatypes.Message) {
	c := s.ensure(conversationID)
	fresh := make([]datatypes.Message, 0, len(msgs))
	for _, m := range msgs {
		m = m.Clone()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if i := c.index(m.ID); i >= 0 {
			c.messages[i] = m
			continue
		}
		fresh = append(fresh, m)
	}
	c.messages = append(fresh, c.messages...)
}

// MergeNewest folds the newest history page into the list. Messages
// already present are replaced in place; new ones are inserted next to
// their page neighbours, or appended when no page message is present.
// msgs is oldest first.
func (s *Store) MergeNewest(conversationID string, msgs []datatypes.Message) {
	c := s.ensure(conversationID)
	pos := -1
	var pending []datatypes.Message
	for _, m := range msgs {
		m = m.Clone()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		i := c.index(m.ID)
		if i < 0 {
			pending = append(pending, m)
			continue
		}
		c.messages[i] = m
		if len(pending) > 0 {
			c.messages = slices.Insert(c.messages, i, pending...)
			i += len(pending)
			pending = nil
		}
		pos = i + 1
	}
	if len(pending) == 0 {
		return
	}
	if pos < 0 {
		pos = len(c.messages)
	}
	c.messages = slices.Insert(c.messages, pos, pending...)
}

// Arrange puts the messages named by ids into that relative order. They
// keep the positions they already occupy; other messages do not move.
// Unknown ids are skipped. It reports whether anything moved.
func (s *Store) Arrange(conversationID string, ids []string) bool {
	c, ok := s.conversations[conversationID]
	if !ok || len(ids) < 2 {
		return false
	}
	slots := make([]int, 0, len(ids))
	picked := make([]datatypes.Message, 0, len(ids))
	for _, id := range ids {
		if i := c.index(id); i >= 0 {
			slots = append(slots, i)
			picked = append(picked, c.messages[i])
		}
	}
	if slices.IsSorted(slots) {
		return false
	}
	slices.Sort(slots)
	for k, i := range slots {
		c.messages[i] = picked[k]
	}
	return true
}

// Remove deletes a message. It reports whether the message existed.
func (s *Store) Remove(conversationID, messageID string) bool {
	c, ok := s.conversations[conversationID]
	if !ok {
		return false
	}
	i := c.index(messageID)
	if i < 0 {
		return false
	}
	c.messages = slices.Delete(c.messages, i, i+1)
	if c.streamingID == messageID {
		c.streamingID = ""
	}
	return true
}

// Clear drops every message and resets the conversation's cursor.
func (s *Store) Clear(conversationID string) {
	c, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	c.messages = nil
	c.streamingID = ""
	c.typing = false
	c.cursor = Cursor{}
}

// Message returns a copy of one message.
func (s *Store) Message(conversationID, messageID string) (datatypes.Message, bool) {
	c, ok := s.conversations[conversationID]
	if !ok {
		return datatypes.Message{}, false
	}
	i := c.index(messageID)
	if i < 0 {
		return datatypes.Message{}, false
	}
	return c.messages[i].Clone(), true
}

// Messages returns copies of every message in order.
func (s *Store) Messages(conversationID string) []datatypes.Message {
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]datatypes.Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Clone()
	}
	return out
}

// LastAssistant returns the newest finalized assistant message.
func (s *Store) LastAssistant(conversationID string) (datatypes.Message, bool) {
	c, ok := s.conversations[conversationID]
	if !ok {
		return datatypes.Message{}, false
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if m.Author == datatypes.AuthorAssistant && m.ID != c.streamingID {
			return m.Clone(), true
		}
	}
	return datatypes.Message{}, false
}

func (c *conversation) index(messageID string) int {
	return slices.IndexFunc(c.messages, func(m datatypes.Message) bool { return m.ID == messageID })
}

// =============================================================================
// Flags
// =============================================================================

// SetStreaming records the id of the message being built; "" clears it.
func (s *Store) SetStreaming(conversationID, messageID string) {
	s.ensure(conversationID).streamingID = messageID
}

// Streaming returns the id of the message being built.
func (s *Store) Streaming(conversationID string) string {
	if c, ok := s.conversations[conversationID]; ok {
		return c.streamingID
	}
	return ""
}

// SetTyping sets the assistant typing indicator.
func (s *Store) SetTyping(conversationID string, typing bool) {
	s.ensure(conversationID).typing = typing
}

// IncrementUnread bumps the unread counter.
func (s *Store) IncrementUnread(conversationID string) {
	s.ensure(conversationID).unread++
}

// ResetUnread zeroes the unread counter.
func (s *Store) ResetUnread(conversationID string) {
	if c, ok := s.conversations[conversationID]; ok {
		c.unread = 0
	}
}

// Unread returns the unread counter.
func (s *Store) Unread(conversationID string) int {
	if c, ok := s.conversations[conversationID]; ok {
		return c.unread
	}
	return 0
}

// SetCursor stores the history pagination cursor.
func (s *Store) SetCursor(conversationID string, cur Cursor) {
	s.ensure(conversationID).cursor = cur
}

// Cursor returns the history pagination cursor.
func (s *Store) Cursor(conversationID string) Cursor {
	if c, ok := s.conversations[conversationID]; ok {
		return c.cursor
	}
	return Cursor{}
}

// =============================================================================
// Approval Propagation
// =============================================================================

// UpdateApprovalStatus sets the status of requestID on every finalized
// message carrying it. The streaming message is left to the accumulator.
// It returns the ids of updated messages.
func (s *Store) UpdateApprovalStatus(conversationID, requestID string, status datatypes.ApprovalStatus) []string {
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	var updated []string
	for i, m := range c.messages {
		if m.ID == c.streamingID {
			continue
		}
		segs := m.Segments()
		changed := false
		for j, seg := range segs {
			req, ok := seg.(datatypes.ApprovalRequestSegment)
			if !ok || req.RequestID != requestID || req.Status == status {
				continue
			}
			req.Status = status
			segs[j] = req
			changed = true
		}
		if changed {
			c.messages[i].Content = datatypes.StructuredContent(segs)
			updated = append(updated, m.ID)
		}
	}
	return updated
}
