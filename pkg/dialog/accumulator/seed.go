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
	"time"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

// =============================================================================
// Incomplete State Extraction
// =============================================================================

// Incomplete is the unfinished state of a finalized message: tool
// executions still executing and approval requests still pending.
type Incomplete struct {
	Tools     []datatypes.ToolExecutionSegment
	Approvals []datatypes.ApprovalRequestSegment

	ordered []datatypes.Segment
}

// HasAny reports whether anything is unfinished.
func (i Incomplete) HasAny() bool {
	return len(i.ordered) > 0
}

// Segments returns the unfinished segments in their original order.
func (i Incomplete) Segments() []datatypes.Segment {
	return datatypes.CloneSegments(i.ordered)
}

// ExtractIncomplete scans a finalized message's segments for work that was
// still in progress when the message was persisted.
//
// # Description
//
// Pure function. Tool executions in the executing state and approval
// requests in the pending state are returned. Everything else is complete.
//
// # Inputs
//
//   - segments: The complete segment list of a finalized assistant message.
//
// # Outputs
//
//   - Incomplete: The unfinished segments, possibly empty.
func ExtractIncomplete(segments []datatypes.Segment) Incomplete {
	var inc Incomplete
	for _, seg := range segments {
		switch s := seg.(type) {
		case datatypes.ToolExecutionSegment:
			if s.State == datatypes.ToolExecuting {
				inc.Tools = append(inc.Tools, s)
				inc.ordered = append(inc.ordered, s)
			}
		case datatypes.ApprovalRequestSegment:
			if s.Status == datatypes.ApprovalPending || s.Status == "" {
				inc.Approvals = append(inc.Approvals, s)
				inc.ordered = append(inc.ordered, s)
			}
		}
	}
	return inc
}

// =============================================================================
// Seeding
// =============================================================================

// seedState carries a finalized message into the first message built on its
// channel so a resumed stream continues it instead of duplicating it.
type seedState struct {
	messageID  string
	channel    datatypes.Channel
	createdAt  time.Time
	base       []datatypes.Segment
	incomplete []datatypes.Segment
}

// adopt makes t the continuation of the seeded message.
//
// A replayed MESSAGE_START rebuilds the message from scratch, so only the
// unfinished segments are carried as seeds; a replayed START naming a
// different message is not a continuation. Content arriving without a START
// extends the full finalized content.
func (s *seedState) adopt(t *turn, start datatypes.Chunk, explicit bool) {
	if explicit && start.MessageID != "" && start.MessageID != s.messageID {
		return
	}
	t.id = s.messageID
	if !s.createdAt.IsZero() {
		t.createdAt = s.createdAt
	}
	if explicit {
		t.seeds = datatypes.CloneSegments(s.incomplete)
		return
	}
	t.segments = datatypes.CloneSegments(s.base)
}

// Seed prepares the accumulator to resume msg, the last finalized
// assistant message of the conversation.
//
// # Description
//
// When msg has unfinished tool executions or approval requests, the first
// message built on msg's channel adopts msg's id and carries the unfinished
// segments until replayed chunks complete them. Messages without
// unfinished work are not seeded.
//
// # Outputs
//
//   - bool: Whether a seed was installed.
//   - Changes: Non-empty only when chunks were already applied and had to
//     be re-reduced against the seed.
func (a *Accumulator) Seed(msg datatypes.Message) (bool, Changes) {
	segs := msg.Segments()
	inc := ExtractIncomplete(segs)
	if !inc.HasAny() {
		return false, Changes{}
	}
	channel := msg.Channel
	if channel == "" {
		channel = datatypes.ChannelClient
	}
	a.seed = &seedState{
		messageID:  msg.ID,
		channel:    channel,
		createdAt:  msg.CreatedAt,
		base:       datatypes.CloneSegments(segs),
		incomplete: inc.Segments(),
	}
	if s, ok := a.streams[channel]; ok && len(s.log) > 0 {
		return true, a.rebuild(s)
	}
	return true, Changes{}
}
