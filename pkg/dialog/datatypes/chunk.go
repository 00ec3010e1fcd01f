// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire and domain types shared by the dialog
// synchronization packages.
//
// This file contains the streaming Chunk type delivered over the push
// transport and returned by the catch-up endpoint, plus its validation.
package datatypes

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Channels
// =============================================================================

// Channel names an independent stream within a conversation. Each channel
// carries its own sequence numbering.
type Channel string

const (
	// ChannelClient is the end-user facing stream.
	ChannelClient Channel = "client"

	// ChannelAdmin is the operator stream.
	ChannelAdmin Channel = "admin"
)

// DefaultChannels is the channel set subscribed to when none is configured.
var DefaultChannels = []Channel{ChannelClient}

// =============================================================================
// Chunk Types
// =============================================================================

// ChunkType is the discriminator of a streaming Chunk.
type ChunkType string

const (
	ChunkMessageStart    ChunkType = "MESSAGE_START"
	ChunkText            ChunkType = "TEXT"
	ChunkExecutingTool   ChunkType = "EXECUTING_TOOL"
	ChunkExecutedTool    ChunkType = "EXECUTED_TOOL"
	ChunkApprovalRequest ChunkType = "APPROVAL_REQUEST"
	ChunkApprovalResult  ChunkType = "APPROVAL_RESULT"
	ChunkError           ChunkType = "ERROR"
	ChunkMessageEnd      ChunkType = "MESSAGE_END"
)

var knownChunkTypes = map[ChunkType]struct{}{
	ChunkMessageStart:    {},
	ChunkText:            {},
	ChunkExecutingTool:   {},
	ChunkExecutedTool:    {},
	ChunkApprovalRequest: {},
	ChunkApprovalResult:  {},
	ChunkError:           {},
	ChunkMessageEnd:      {},
}

// IsKnown reports whether t is one of the recognized chunk types.
func (t ChunkType) IsKnown() bool {
	_, ok := knownChunkTypes[t]
	return ok
}

// IsContent reports whether a chunk of this type contributes a segment to
// the message being built. Content chunks arriving outside a started
// message open an implicit one.
func (t ChunkType) IsContent() bool {
	switch t {
	case ChunkText, ChunkExecutingTool, ChunkExecutedTool, ChunkApprovalRequest, ChunkError:
		return true
	default:
		return false
	}
}

// =============================================================================
// Chunk
// =============================================================================

// Chunk is one incremental delta of an assistant message.
//
// The same shape is used for finalized structured message content in the
// history endpoint, where MESSAGE_START/MESSAGE_END items never appear and
// APPROVAL_REQUEST items may carry a Status.
type Chunk struct {
	SequenceID   *int64         `json:"sequenceId,omitempty" validate:"omitempty,gte=0"`
	Type         ChunkType      `json:"type" validate:"required"`
	MessageID    string         `json:"messageId,omitempty"`
	Text         string         `json:"text,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Function     string         `json:"function,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Result       *string        `json:"result,omitempty"`
	Success      *bool          `json:"success,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	Command      string         `json:"command,omitempty"`
	Explanation  string         `json:"explanation,omitempty"`
	ApprovalType string         `json:"approvalType,omitempty"`
	Approved     *bool          `json:"approved,omitempty"`
	Status       ApprovalStatus `json:"status,omitempty" validate:"omitempty,oneof=pending approved rejected"`
	Error        string         `json:"error,omitempty"`
	Details      *string        `json:"details,omitempty"`
}

// Seq returns a pointer to n. It keeps chunk literals readable.
func Seq(n int64) *int64 { return &n }

// Sequence returns the sequence id and whether the chunk carries one.
func (c Chunk) Sequence() (int64, bool) {
	if c.SequenceID == nil {
		return 0, false
	}
	return *c.SequenceID, true
}

// SortKey is the ordering key used when merging channels. A missing
// sequence id sorts as 0.
func (c Chunk) SortKey() int64 {
	if c.SequenceID == nil {
		return 0
	}
	return *c.SequenceID
}

// String renders a short description for logs.
func (c Chunk) String() string {
	if seq, ok := c.Sequence(); ok {
		return fmt.Sprintf("%s#%d", c.Type, seq)
	}
	return string(c.Type) + "#-"
}

// =============================================================================
// Validation
// =============================================================================

var (
	// ErrUnknownChunkType is returned for a chunk whose type is not recognized.
	ErrUnknownChunkType = errors.New("unknown chunk type")

	// ErrInvalidChunk is returned for a chunk missing fields its type requires.
	ErrInvalidChunk = errors.New("invalid chunk")
)

// chunkValidate is the validator instance for dialog datatypes.
// Initialized in init() with struct-level rules.
var chunkValidate *validator.Validate

func init() {
	chunkValidate = validator.New()
	chunkValidate.RegisterStructValidation(chunkStructLevel, Chunk{})
}

// chunkStructLevel enforces the per-type required fields.
func chunkStructLevel(sl validator.StructLevel) {
	c := sl.Current().Interface().(Chunk)
	switch c.Type {
	case ChunkExecutingTool, ChunkExecutedTool:
		if c.Tool == "" {
			sl.ReportError(c.Tool, "Tool", "tool", "required_for_type", string(c.Type))
		}
		if c.Function == "" {
			sl.ReportError(c.Function, "Function", "function", "required_for_type", string(c.Type))
		}
	case ChunkApprovalRequest:
		if c.RequestID == "" {
			sl.ReportError(c.RequestID, "RequestID", "requestId", "required_for_type", string(c.Type))
		}
	case ChunkApprovalResult:
		if c.RequestID == "" {
			sl.ReportError(c.RequestID, "RequestID", "requestId", "required_for_type", string(c.Type))
		}
		if c.Approved == nil {
			sl.ReportError(c.Approved, "Approved", "approved", "required_for_type", string(c.Type))
		}
	}
}

// ValidateChunk checks that c is a recognized, well-formed chunk.
//
// # Description
//
// Unknown types wrap ErrUnknownChunkType. Chunks of a known type missing a
// field that type requires (tool/function for tool chunks, requestId for
// approval chunks, approved for APPROVAL_RESULT) wrap ErrInvalidChunk.
//
// # Outputs
//
//   - error: nil when the chunk may be applied.
func ValidateChunk(c Chunk) error {
	if !c.Type.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownChunkType, c.Type)
	}
	if err := chunkValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidChunk, c.Type, err)
	}
	return nil
}

// ApprovedStatus maps the approved flag of an APPROVAL_RESULT to a status.
func (c Chunk) ApprovedStatus() ApprovalStatus {
	if c.Approved != nil && *c.Approved {
		return ApprovalApproved
	}
	return ApprovalRejected
}
