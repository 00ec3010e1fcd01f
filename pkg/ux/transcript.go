// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/store"
)

// Renderer turns messages into terminal text.
//
// ModeMachine output is one tab-separated record per line:
//
//	MSG      id author name text
//	TOOL     id tool.function state result
//	APPROVAL id requestId status command
//	ERROR    id message
//	TYPING   conversationId
type Renderer struct {
	mode  Mode
	width int
}

// NewRenderer creates a Renderer. Width <= 0 disables wrapping.
func NewRenderer(mode Mode, width int) *Renderer {
	return &Renderer{mode: mode, width: width}
}

// Mode returns the render mode.
func (r *Renderer) Mode() Mode {
	return r.mode
}

func (r *Renderer) style(st lipgloss.Style, s string) string {
	if r.mode != ModeRich {
		return s
	}
	return st.Render(s)
}

// Header renders the status line of a conversation.
func (r *Renderer) Header(v store.View, phase string) string {
	if r.mode == ModeMachine {
		return fmt.Sprintf("CONV\t%s\t%s\t%d\t%t", v.ConversationID, phase, v.Unread, v.HasMoreHistory)
	}
	parts := []string{r.style(Styles.Header, v.ConversationID), phase}
	if v.Unread > 0 {
		parts = append(parts, fmt.Sprintf("%d unread", v.Unread))
	}
	if v.HasMoreHistory {
		parts = append(parts, "older history available")
	}
	return strings.Join(parts, r.style(Styles.Muted, " · "))
}

// View renders every message of v, followed by a typing line while the
// assistant is streaming.
func (r *Renderer) View(v store.View) string {
	var b strings.Builder
	for i, m := range v.Messages {
		if i > 0 && r.mode != ModeMachine {
			b.WriteString("\n")
		}
		b.WriteString(r.Message(m))
	}
	if v.Typing {
		if r.mode == ModeMachine {
			b.WriteString("TYPING\t" + v.ConversationID + "\n")
		} else {
			b.WriteString(r.style(Styles.Typing, "assistant is typing…") + "\n")
		}
	}
	return b.String()
}

// Message renders one message, newline terminated.
func (r *Renderer) Message(m datatypes.Message) string {
	if r.mode == ModeMachine {
		return r.machineMessage(m)
	}

	var b strings.Builder
	b.WriteString(r.author(m) + "\n")
	if segs := m.Segments(); segs != nil {
		for _, s := range segs {
			b.WriteString(r.segment(s))
		}
	} else {
		b.WriteString(r.wrap(m.Text()) + "\n")
	}
	return b.String()
}

func (r *Renderer) author(m datatypes.Message) string {
	name := m.DisplayName
	if name == "" {
		name = string(m.Author)
	}
	switch m.Author {
	case datatypes.AuthorUser:
		return r.style(Styles.User, name)
	case datatypes.AuthorError:
		return r.style(Styles.ErrorName, name)
	default:
		return r.style(Styles.Assistant, name)
	}
}

func (r *Renderer) segment(s datatypes.Segment) string {
	switch s := s.(type) {
	case datatypes.TextSegment:
		return r.wrap(s.Content) + "\n"

	case datatypes.ToolExecutionSegment:
		icon := IconRunning
		if s.State == datatypes.ToolExecuted {
			icon = IconDone
			if s.Success != nil && !*s.Success {
				icon = IconFailed
			}
		}
		line := fmt.Sprintf("  %s %s.%s%s", icon, s.Tool, s.Function, formatParams(s.Parameters))
		if s.Result != nil && *s.Result != "" {
			line += " " + string(IconArrow) + " " + firstLine(*s.Result)
		}
		return r.style(Styles.Tool, line) + "\n"

	case datatypes.ApprovalRequestSegment:
		return r.approval(s) + "\n"

	case datatypes.ErrorSegment:
		line := string(IconFailed) + " " + s.Message
		if s.Details != nil && *s.Details != "" {
			line += " (" + firstLine(*s.Details) + ")"
		}
		return "  " + r.style(Styles.Error, line) + "\n"
	}
	return ""
}

func (r *Renderer) approval(s datatypes.ApprovalRequestSegment) string {
	var status string
	switch s.Status {
	case datatypes.ApprovalApproved:
		status = r.style(Styles.Approved, string(IconDone)+" approved")
	case datatypes.ApprovalRejected:
		status = r.style(Styles.Rejected, string(IconFailed)+" rejected")
	default:
		status = r.style(Styles.Pending, string(IconPending)+" awaiting approval")
	}

	lines := []string{fmt.Sprintf("%s approval %s: %s", IconWarning, s.RequestID, status), "$ " + s.Command}
	if s.Explanation != "" {
		lines = append(lines, r.wrap(s.Explanation))
	}
	body := strings.Join(lines, "\n")
	if r.mode == ModeRich {
		return Styles.Approval.Render(body)
	}
	return indent(body, "  | ")
}

func (r *Renderer) machineMessage(m datatypes.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MSG\t%s\t%s\t%s\t%s\n", m.ID, m.Author, m.DisplayName, oneLine(m.Text()))
	for _, s := range m.Segments() {
		switch s := s.(type) {
		case datatypes.TextSegment:
			fmt.Fprintf(&b, "TEXT\t%s\t%s\n", m.ID, oneLine(s.Content))
		case datatypes.ToolExecutionSegment:
			result := ""
			if s.Result != nil {
				result = oneLine(*s.Result)
			}
			fmt.Fprintf(&b, "TOOL\t%s\t%s.%s\t%s\t%s\n", m.ID, s.Tool, s.Function, s.State, result)
		case datatypes.ApprovalRequestSegment:
			fmt.Fprintf(&b, "APPROVAL\t%s\t%s\t%s\t%s\n", m.ID, s.RequestID, s.Status, oneLine(s.Command))
		case datatypes.ErrorSegment:
			fmt.Fprintf(&b, "ERROR\t%s\t%s\n", m.ID, oneLine(s.Message))
		}
	}
	return b.String()
}

func (r *Renderer) wrap(s string) string {
	if r.width <= 0 || r.mode == ModeMachine {
		return s
	}
	return lipgloss.NewStyle().Width(r.width).Render(s)
}

// PendingApprovals returns the request ids still awaiting a decision in v,
// in display order.
func PendingApprovals(v store.View) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, m := range v.Messages {
		for _, s := range m.Segments() {
			req, ok := s.(datatypes.ApprovalRequestSegment)
			if !ok || req.Status != datatypes.ApprovalPending {
				continue
			}
			if _, dup := seen[req.RequestID]; dup {
				continue
			}
			seen[req.RequestID] = struct{}{}
			ids = append(ids, req.RequestID)
		}
	}
	return ids
}

func formatParams(p map[string]any) string {
	if len(p) == 0 {
		return "()"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func oneLine(s string) string {
	return strings.NewReplacer("\t", " ", "\n", `\n`).Replace(s)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
