// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "github.com/AleutianAI/chatsync/pkg/dialog/datatypes"

// StatusLookup resolves the authoritative status of an approval request.
type StatusLookup interface {
	Status(requestID string) (datatypes.ApprovalStatus, bool)
}

// View is the render-ready snapshot of one conversation.
type View struct {
	ConversationID string
	Messages       []datatypes.Message
	StreamingID    string
	Typing         bool
	Unread         int
	HasMoreHistory bool
}

// Streaming returns the message being built, if it is visible.
func (v View) Streaming() (datatypes.Message, bool) {
	if v.StreamingID == "" {
		return datatypes.Message{}, false
	}
	for _, m := range v.Messages {
		if m.ID == v.StreamingID {
			return m, true
		}
	}
	return datatypes.Message{}, false
}

// View builds the render view of a conversation.
//
// # Description
//
// Messages are deep copies. Approval statuses are overlaid from statuses,
// which may be nil. A finalized message whose only content is a pending
// approval request that also appears in the streaming message is a
// placeholder and is omitted, so a request is never shown twice.
//
// # Outputs
//
//   - View: Empty for unknown conversations.
func (s *Store) View(conversationID string, statuses StatusLookup) View {
	c, ok := s.conversations[conversationID]
	if !ok {
		return View{ConversationID: conversationID}
	}

	inline := map[string]struct{}{}
	if i := c.index(c.streamingID); i >= 0 && c.streamingID != "" {
		for _, seg := range c.messages[i].Segments() {
			if req, ok := seg.(datatypes.ApprovalRequestSegment); ok {
				inline[req.RequestID] = struct{}{}
			}
		}
	}

	v := View{
		ConversationID: conversationID,
		Messages:       make([]datatypes.Message, 0, len(c.messages)),
		StreamingID:    c.streamingID,
		Typing:         c.typing,
		Unread:         c.unread,
		HasMoreHistory: !c.cursor.Exhausted(),
	}
	for _, m := range c.messages {
		if m.ID != c.streamingID && isPlaceholder(m, inline) {
			continue
		}
		m = m.Clone()
		overlayStatuses(m, statuses)
		v.Messages = append(v.Messages, m)
	}
	return v
}

func isPlaceholder(m datatypes.Message, inline map[string]struct{}) bool {
	segs := m.Segments()
	if len(segs) != 1 {
		return false
	}
	req, ok := segs[0].(datatypes.ApprovalRequestSegment)
	if !ok || req.Status.Decided() {
		return false
	}
	_, dup := inline[req.RequestID]
	return dup
}

func overlayStatuses(m datatypes.Message, statuses StatusLookup) {
	if statuses == nil {
		return
	}
	segs := m.Segments()
	for i, seg := range segs {
		req, ok := seg.(datatypes.ApprovalRequestSegment)
		if !ok {
			continue
		}
		if st, ok := statuses.Status(req.RequestID); ok {
			req.Status = st
			segs[i] = req
		}
	}
}
