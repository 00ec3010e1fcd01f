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

import "maps"

// =============================================================================
// Segment Sum Type
// =============================================================================

// SegmentKind discriminates the Segment variants.
type SegmentKind string

const (
	SegmentText            SegmentKind = "text"
	SegmentToolExecution   SegmentKind = "tool_execution"
	SegmentApprovalRequest SegmentKind = "approval_request"
	SegmentError           SegmentKind = "error"
)

// Segment is one renderable unit of an assistant message.
//
// The set of implementations is closed: TextSegment, ToolExecutionSegment,
// ApprovalRequestSegment and ErrorSegment. Use a type switch to dispatch.
type Segment interface {
	Kind() SegmentKind
	clone() Segment
}

// ToolState is the lifecycle state of a tool execution segment.
type ToolState string

const (
	ToolExecuting ToolState = "executing"
	ToolExecuted  ToolState = "executed"
)

// ApprovalStatus is the decision state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Decided reports whether s is a terminal decision.
func (s ApprovalStatus) Decided() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// TextSegment is accumulated assistant prose.
type TextSegment struct {
	Content string
}

// ToolExecutionSegment tracks one tool call. A (Tool, Function) pair is
// executing until its EXECUTED_TOOL chunk transitions it in place.
type ToolExecutionSegment struct {
	Tool       string
	Function   string
	Parameters map[string]any
	State      ToolState
	Result     *string
	Success    *bool
}

// ApprovalRequestSegment is a command awaiting a human decision.
type ApprovalRequestSegment struct {
	RequestID    string
	Command      string
	Explanation  string
	ApprovalType string
	Status       ApprovalStatus
}

// ErrorSegment is an inline error reported by the assistant.
type ErrorSegment struct {
	Message string
	Details *string
}

func (TextSegment) Kind() SegmentKind            { return SegmentText }
func (ToolExecutionSegment) Kind() SegmentKind   { return SegmentToolExecution }
func (ApprovalRequestSegment) Kind() SegmentKind { return SegmentApprovalRequest }
func (ErrorSegment) Kind() SegmentKind           { return SegmentError }

func (s TextSegment) clone() Segment { return s }

func (s ToolExecutionSegment) clone() Segment {
	s.Parameters = maps.Clone(s.Parameters)
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	if s.Success != nil {
		ok := *s.Success
		s.Success = &ok
	}
	return s
}

func (s ApprovalRequestSegment) clone() Segment { return s }

func (s ErrorSegment) clone() Segment {
	if s.Details != nil {
		d := *s.Details
		s.Details = &d
	}
	return s
}

// Key identifies a tool execution for lifecycle matching.
func (s ToolExecutionSegment) Key() ToolKey {
	return ToolKey{Tool: s.Tool, Function: s.Function}
}

// ToolKey is the (tool, function) identity of a tool execution.
type ToolKey struct {
	Tool     string
	Function string
}

// CloneSegments deep-copies a segment list.
func CloneSegments(segs []Segment) []Segment {
	if segs == nil {
		return nil
	}
	out := make([]Segment, len(segs))
	for i, s := range segs {
		out[i] = s.clone()
	}
	return out
}

// =============================================================================
// Segment Encoding
// =============================================================================

// EncodeSegments renders segments back into the chunk-shaped item list used
// for structured content on the wire. Decoding goes through the same
// reducer that builds live messages.
func EncodeSegments(segs []Segment) []Chunk {
	items := make([]Chunk, 0, len(segs))
	for _, seg := range segs {
		switch s := seg.(type) {
		case TextSegment:
			items = append(items, Chunk{Type: ChunkText, Text: s.Content})
		case ToolExecutionSegment:
			t := ChunkExecutingTool
			if s.State == ToolExecuted {
				t = ChunkExecutedTool
			}
			items = append(items, Chunk{
				Type:       t,
				Tool:       s.Tool,
				Function:   s.Function,
				Parameters: maps.Clone(s.Parameters),
				Result:     s.Result,
				Success:    s.Success,
			})
		case ApprovalRequestSegment:
			items = append(items, Chunk{
				Type:         ChunkApprovalRequest,
				RequestID:    s.RequestID,
				Command:      s.Command,
				Explanation:  s.Explanation,
				ApprovalType: s.ApprovalType,
				Status:       s.Status,
			})
		case ErrorSegment:
			items = append(items, Chunk{Type: ChunkError, Error: s.Message, Details: s.Details})
		}
	}
	return items
}
