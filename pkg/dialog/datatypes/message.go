// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Domain Message
// =============================================================================

// Author is who produced a message.
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
	AuthorError     Author = "error"
)

// Content is either PlainText or StructuredContent.
type Content interface {
	isContent()
}

// PlainText is unstructured message content, typically from the user.
type PlainText string

// StructuredContent is an ordered list of segments.
type StructuredContent []Segment

func (PlainText) isContent()         {}
func (StructuredContent) isContent() {}

// Message is a conversation entry as held in the message store.
type Message struct {
	ID             string
	ConversationID string
	Channel        Channel
	Author         Author
	DisplayName    string
	CreatedAt      time.Time
	Content        Content
}

// Segments returns the structured segments, or nil for plain text content.
func (m Message) Segments() []Segment {
	if sc, ok := m.Content.(StructuredContent); ok {
		return sc
	}
	return nil
}

// Text returns the plain text content, or "" for structured content.
func (m Message) Text() string {
	if pt, ok := m.Content.(PlainText); ok {
		return string(pt)
	}
	return ""
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if sc, ok := m.Content.(StructuredContent); ok {
		m.Content = StructuredContent(CloneSegments(sc))
	}
	return m
}

// ToWire converts m to its history wire representation.
func (m Message) ToWire() WireMessage {
	w := WireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Channel:        m.Channel,
		CreatedAt:      m.CreatedAt,
		Owner:          Owner{Type: m.Author.ownerType(), DisplayName: m.DisplayName},
	}
	switch c := m.Content.(type) {
	case PlainText:
		s := string(c)
		w.Content.Text = &s
	case StructuredContent:
		w.Content.Items = EncodeSegments(c)
	}
	return w
}

// =============================================================================
// Wire Message
// =============================================================================

// Owner is the author descriptor used on the wire.
type Owner struct {
	Type        string `json:"type"`
	DisplayName string `json:"displayName,omitempty"`
}

// Author maps an owner type (USER, ASSISTANT, ERROR) to an Author. Unknown
// owner types are treated as assistant output.
func (o Owner) Author() Author {
	switch o.Type {
	case "USER":
		return AuthorUser
	case "ERROR":
		return AuthorError
	default:
		return AuthorAssistant
	}
}

func (a Author) ownerType() string {
	switch a {
	case AuthorUser:
		return "USER"
	case AuthorError:
		return "ERROR"
	default:
		return "ASSISTANT"
	}
}

// WireMessage is a finalized message as returned by the history endpoint.
type WireMessage struct {
	ID             string      `json:"id" validate:"required"`
	ConversationID string      `json:"conversationId"`
	Channel        Channel     `json:"channel,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Owner          Owner       `json:"owner"`
	Content        WireContent `json:"content"`
}

// WireContent is the content union on the wire: a JSON string or an array of
// chunk-shaped items.
type WireContent struct {
	Text  *string
	Items []Chunk
}

// ErrInvalidContent is returned when message content is neither a string
// nor an array.
var ErrInvalidContent = errors.New("message content must be a string or an array")

// MarshalJSON implements json.Marshaler.
func (c WireContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	if c.Items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Items)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *WireContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = WireContent{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = WireContent{Text: &s}
		return nil
	case '[':
		var items []Chunk
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("decoding content items: %w", err)
		}
		*c = WireContent{Items: items}
		return nil
	default:
		return ErrInvalidContent
	}
}

// ValidateWireMessage checks the required fields of a history message.
func ValidateWireMessage(m WireMessage) error {
	if err := chunkValidate.Struct(m); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return nil
}

// HistoryPage is one page of the history endpoint. Messages are ordered
// oldest first.
type HistoryPage struct {
	Messages   []WireMessage `json:"messages"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}
