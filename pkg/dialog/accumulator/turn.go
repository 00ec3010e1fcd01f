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
	"maps"
	"slices"
	"time"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

// turn is one assistant message under construction.
//
// segments holds content in arrival order. seeds holds incomplete segments
// carried over from a finalized history message; they render after
// segments until a replayed chunk for the same tool or request consumes
// them.
type turn struct {
	id        string
	channel   datatypes.Channel
	createdAt time.Time
	segments  []datatypes.Segment
	seeds     []datatypes.Segment
	ended     bool
}

// apply reduces one content chunk into the turn. book may be nil.
func (t *turn) apply(c datatypes.Chunk, book StatusBook) {
	switch c.Type {
	case datatypes.ChunkText:
		t.appendText(c.Text)
	case datatypes.ChunkExecutingTool:
		t.startTool(c)
	case datatypes.ChunkExecutedTool:
		t.finishTool(c)
	case datatypes.ChunkApprovalRequest:
		t.requestApproval(c, book)
	case datatypes.ChunkApprovalResult:
		st := c.ApprovedStatus()
		if book != nil {
			if cur, ok := book.Status(c.RequestID); ok {
				st = cur
			} else {
				book.Record(c.RequestID, st)
			}
		}
		t.setApprovalStatus(c.RequestID, st)
	case datatypes.ChunkError:
		t.segments = append(t.segments, datatypes.ErrorSegment{Message: c.Error, Details: c.Details})
	}
}

func (t *turn) appendText(text string) {
	if text == "" {
		return
	}
	if n := len(t.segments); n > 0 {
		if last, ok := t.segments[n-1].(datatypes.TextSegment); ok {
			last.Content += text
			t.segments[n-1] = last
			return
		}
	}
	t.segments = append(t.segments, datatypes.TextSegment{Content: text})
}

func (t *turn) startTool(c datatypes.Chunk) {
	key := datatypes.ToolKey{Tool: c.Tool, Function: c.Function}
	if i := indexExecuting(t.seeds, key); i >= 0 {
		t.seeds = slices.Delete(t.seeds, i, i+1)
	}
	t.segments = append(t.segments, datatypes.ToolExecutionSegment{
		Tool:       c.Tool,
		Function:   c.Function,
		Parameters: maps.Clone(c.Parameters),
		State:      datatypes.ToolExecuting,
	})
}

func (t *turn) finishTool(c datatypes.Chunk) {
	key := datatypes.ToolKey{Tool: c.Tool, Function: c.Function}
	if i := indexExecuting(t.segments, key); i >= 0 {
		t.segments[i] = completeTool(t.segments[i].(datatypes.ToolExecutionSegment), c)
		return
	}
	if i := indexExecuting(t.seeds, key); i >= 0 {
		t.seeds[i] = completeTool(t.seeds[i].(datatypes.ToolExecutionSegment), c)
		return
	}
	t.segments = append(t.segments, completeTool(datatypes.ToolExecutionSegment{
		Tool:     c.Tool,
		Function: c.Function,
	}, c))
}

func completeTool(seg datatypes.ToolExecutionSegment, c datatypes.Chunk) datatypes.ToolExecutionSegment {
	seg.State = datatypes.ToolExecuted
	if c.Parameters != nil {
		seg.Parameters = maps.Clone(c.Parameters)
	}
	seg.Result = c.Result
	seg.Success = c.Success
	return seg
}

func indexExecuting(segs []datatypes.Segment, key datatypes.ToolKey) int {
	for i, s := range segs {
		if tool, ok := s.(datatypes.ToolExecutionSegment); ok && tool.State == datatypes.ToolExecuting && tool.Key() == key {
			return i
		}
	}
	return -1
}

func indexApproval(segs []datatypes.Segment, requestID string) int {
	for i, s := range segs {
		if req, ok := s.(datatypes.ApprovalRequestSegment); ok && req.RequestID == requestID {
			return i
		}
	}
	return -1
}

func (t *turn) requestApproval(c datatypes.Chunk, book StatusBook) {
	status := c.Status
	if status == "" {
		status = datatypes.ApprovalPending
	}
	if book != nil {
		if cur, ok := book.Status(c.RequestID); ok {
			status = cur
		} else if status.Decided() {
			book.Record(c.RequestID, status)
		}
	}
	seg := datatypes.ApprovalRequestSegment{
		RequestID:    c.RequestID,
		Command:      c.Command,
		Explanation:  c.Explanation,
		ApprovalType: c.ApprovalType,
		Status:       status,
	}
	if i := indexApproval(t.segments, c.RequestID); i >= 0 {
		t.segments[i] = seg
		return
	}
	if i := indexApproval(t.seeds, c.RequestID); i >= 0 {
		t.seeds = slices.Delete(t.seeds, i, i+1)
	}
	t.segments = append(t.segments, seg)
}

// setApprovalStatus updates the request in place. It reports whether the
// request was found.
func (t *turn) setApprovalStatus(requestID string, status datatypes.ApprovalStatus) bool {
	for _, segs := range [][]datatypes.Segment{t.segments, t.seeds} {
		if i := indexApproval(segs, requestID); i >= 0 {
			req := segs[i].(datatypes.ApprovalRequestSegment)
			req.Status = status
			segs[i] = req
			return true
		}
	}
	return false
}

func (t *turn) render() []datatypes.Segment {
	out := make([]datatypes.Segment, 0, len(t.segments)+len(t.seeds))
	out = append(out, datatypes.CloneSegments(t.segments)...)
	out = append(out, datatypes.CloneSegments(t.seeds)...)
	return out
}
