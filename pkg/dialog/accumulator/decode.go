// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package accumulator

import (
	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

// DecodeMessage converts a history message into a domain message.
//
// Structured content items go through the same reducer as live chunks, so
// a finalized message and the live message it came from render the same.
// Items that fail validation are skipped. Decided approval statuses found
// in the content are recorded in book when it has no entry yet; existing
// entries in book override the content. book may be nil.
func DecodeMessage(w datatypes.WireMessage, book StatusBook) datatypes.Message {
	m := datatypes.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Channel:        w.Channel,
		Author:         w.Owner.Author(),
		DisplayName:    w.Owner.DisplayName,
		CreatedAt:      w.CreatedAt,
	}
	if w.Content.Text != nil {
		m.Content = datatypes.PlainText(*w.Content.Text)
		return m
	}

	t := &turn{}
	for _, item := range w.Content.Items {
		if datatypes.ValidateChunk(item) != nil {
			continue
		}
		t.apply(item, book)
	}
	m.Content = datatypes.StructuredContent(t.render())
	return m
}

// DecodeMessages decodes a page of history messages in order.
func DecodeMessages(ws []datatypes.WireMessage, book StatusBook) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(ws))
	for _, w := range ws {
		out = append(out, DecodeMessage(w, book))
	}
	return out
}
