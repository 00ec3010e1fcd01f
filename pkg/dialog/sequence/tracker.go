// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sequence deduplicates streaming chunks by (channel, sequence id).
//
// A Tracker belongs to one open conversation. It is not safe for concurrent
// use; the engine serializes access.
package sequence

import "github.com/AleutianAI/chatsync/pkg/dialog/datatypes"

// Tracker records which sequence ids have been applied, per channel.
type Tracker struct {
	seen map[datatypes.Channel]map[int64]struct{}
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{seen: make(map[datatypes.Channel]map[int64]struct{})}
}

// Processed reports whether id has already been applied on channel.
func (t *Tracker) Processed(channel datatypes.Channel, id int64) bool {
	_, ok := t.seen[channel][id]
	return ok
}

// MarkProcessed records id as applied on channel.
func (t *Tracker) MarkProcessed(channel datatypes.Channel, id int64) {
	ids, ok := t.seen[channel]
	if !ok {
		ids = make(map[int64]struct{})
		t.seen[channel] = ids
	}
	ids[id] = struct{}{}
}

// Admit decides whether chunk should be applied and marks it if so.
//
// Chunks without a sequence id are always admitted and never recorded.
// A sequenced chunk is admitted once per channel.
func (t *Tracker) Admit(channel datatypes.Channel, chunk datatypes.Chunk) bool {
	id, ok := chunk.Sequence()
	if !ok {
		return true
	}
	if t.Processed(channel, id) {
		return false
	}
	t.MarkProcessed(channel, id)
	return true
}

// Len is the number of recorded ids across all channels.
func (t *Tracker) Len() int {
	n := 0
	for _, ids := range t.seen {
		n += len(ids)
	}
	return n
}

// Reset forgets every recorded id.
func (t *Tracker) Reset() {
	clear(t.seen)
}
