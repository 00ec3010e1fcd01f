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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

// =============================================================================
// Script Types
// =============================================================================

// ToolStep is one tool call: EXECUTING_TOOL followed by EXECUTED_TOOL.
type ToolStep struct {
	Tool       string         `json:"tool" binding:"required"`
	Function   string         `json:"function" binding:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result"`
	Failed     bool           `json:"failed,omitempty"`
}

// ApprovalStep asks for a decision and waits for it. OnReject is streamed
// as text when the request is rejected.
type ApprovalStep struct {
	RequestID   string `json:"requestId,omitempty"`
	Command     string `json:"command" binding:"required"`
	Explanation string `json:"explanation,omitempty"`
	OnReject    string `json:"onReject,omitempty"`
}

// Step is one element of an assistant turn. Exactly one field is set.
type Step struct {
	Text     string        `json:"text,omitempty"`
	Tool     *ToolStep     `json:"tool,omitempty"`
	Approval *ApprovalStep `json:"approval,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Turn is a scripted assistant reply.
type Turn struct {
	Channel   datatypes.Channel `json:"channel,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Steps     []Step            `json:"steps"`

	// Unterminated leaves the message open: no MESSAGE_END is sent.
	Unterminated bool `json:"unterminated,omitempty"`
}

// DefaultTurn answers a prompt with a short text reply.
func DefaultTurn(prompt string) Turn {
	words := strings.Fields("You said: " + prompt)
	steps := make([]Step, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		steps[i] = Step{Text: w}
	}
	return Turn{Steps: steps}
}

// =============================================================================
// Runner
// =============================================================================

// Play streams a turn into a conversation.
//
// # Description
//
// Each step becomes one or two chunks, separated by delay. An approval
// step blocks until the request is decided or ctx is done; a rejection
// streams OnReject and ends the turn early.
//
// # Outputs
//
//   - string: The message id.
//   - error: ctx.Err() when cancelled while waiting.
func (d *Dialogs) Play(ctx context.Context, conversationID string, t Turn, delay time.Duration) (string, error) {
	channel := t.Channel
	if channel == "" {
		channel = datatypes.ChannelClient
	}
	messageID := t.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	emit := func(c datatypes.Chunk) error {
		d.Emit(conversationID, channel, messageID, c)
		if delay <= 0 {
			return nil
		}
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := emit(datatypes.Chunk{Type: datatypes.ChunkMessageStart, MessageID: messageID}); err != nil {
		return messageID, err
	}
	for _, s := range t.Steps {
		ended, err := d.playStep(ctx, conversationID, channel, messageID, s, emit)
		if err != nil {
			return messageID, err
		}
		if ended {
			break
		}
	}
	if t.Unterminated {
		return messageID, nil
	}
	return messageID, emit(datatypes.Chunk{Type: datatypes.ChunkMessageEnd})
}

func (d *Dialogs) playStep(ctx context.Context, conversationID string, channel datatypes.Channel, messageID string, s Step, emit func(datatypes.Chunk) error) (bool, error) {
	switch {
	case s.Tool != nil:
		if err := emit(datatypes.Chunk{
			Type:       datatypes.ChunkExecutingTool,
			Tool:       s.Tool.Tool,
			Function:   s.Tool.Function,
			Parameters: s.Tool.Parameters,
		}); err != nil {
			return false, err
		}
		result, success := s.Tool.Result, !s.Tool.Failed
		return false, emit(datatypes.Chunk{
			Type:       datatypes.ChunkExecutedTool,
			Tool:       s.Tool.Tool,
			Function:   s.Tool.Function,
			Parameters: s.Tool.Parameters,
			Result:     &result,
			Success:    &success,
		})

	case s.Approval != nil:
		requestID := s.Approval.RequestID
		if requestID == "" {
			requestID = "ap-" + uuid.NewString()
		}
		pending := d.registerApproval(requestID, conversationID, channel, messageID)
		if err := emit(datatypes.Chunk{
			Type:         datatypes.ChunkApprovalRequest,
			RequestID:    requestID,
			Command:      s.Approval.Command,
			Explanation:  s.Approval.Explanation,
			ApprovalType: "COMMAND",
		}); err != nil {
			return false, err
		}
		select {
		case <-pending.decided:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if d.approvalStatus(requestID) == datatypes.ApprovalRejected {
			text := s.Approval.OnReject
			if text == "" {
				text = fmt.Sprintf("Skipped `%s`.", s.Approval.Command)
			}
			return true, emit(datatypes.Chunk{Type: datatypes.ChunkText, Text: text})
		}
		return false, nil

	case s.Error != "":
		return false, emit(datatypes.Chunk{Type: datatypes.ChunkError, Error: s.Error})

	default:
		return false, emit(datatypes.Chunk{Type: datatypes.ChunkText, Text: s.Text})
	}
}

func (d *Dialogs) approvalStatus(requestID string) datatypes.ApprovalStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.approvals[requestID]; ok {
		return p.status
	}
	return ""
}
