// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/store"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func sampleView() store.View {
	return store.View{
		ConversationID: "conv-1",
		Messages: []datatypes.Message{
			{ID: "u1", Author: datatypes.AuthorUser, DisplayName: "Ada", Content: datatypes.PlainText("list pods")},
			{ID: "a1", Author: datatypes.AuthorAssistant, Content: datatypes.StructuredContent{
				datatypes.TextSegment{Content: "Checking the cluster"},
				datatypes.ToolExecutionSegment{
					Tool: "kubectl", Function: "get", Parameters: map[string]any{"ns": "default", "kind": "pods"},
					State: datatypes.ToolExecuted, Result: strPtr("3 pods\nmore"), Success: boolPtr(true),
				},
				datatypes.ToolExecutionSegment{Tool: "kubectl", Function: "logs", State: datatypes.ToolExecuting},
				datatypes.ApprovalRequestSegment{RequestID: "req-1", Command: "kubectl delete pod x", Explanation: "restart it", Status: datatypes.ApprovalPending},
				datatypes.ErrorSegment{Message: "quota", Details: strPtr("exceeded")},
			}},
		},
		Typing: true,
		Unread: 2,
	}
}

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"rich":     ModeRich,
		" COLOR ":  ModeRich,
		"machine":  ModeMachine,
		"tsv":      ModeMachine,
		"plain":    ModePlain,
		"whatever": ModePlain,
	}
	for in, want := range tests {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDetectMode_NonTerminal(t *testing.T) {
	t.Setenv(EnvOutput, "")
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := DetectMode(f, false); got != ModeMachine {
		t.Errorf("DetectMode(file) = %v, want machine", got)
	}
	if IsTerminal(nil) {
		t.Error("IsTerminal(nil) = true")
	}
}

func TestDetectMode_EnvOverride(t *testing.T) {
	t.Setenv(EnvOutput, "rich")
	if got := DetectMode(nil, true); got != ModeRich {
		t.Errorf("DetectMode with %s=rich = %v", EnvOutput, got)
	}
}

// =============================================================================
// Renderer Tests
// =============================================================================

func TestRenderer_Plain(t *testing.T) {
	r := NewRenderer(ModePlain, 0)
	out := r.View(sampleView())

	for _, want := range []string{
		"Ada\nlist pods\n",
		"assistant\nChecking the cluster\n",
		"✓ kubectl.get(kind=pods, ns=default) → 3 pods …",
		"⟳ kubectl.logs()",
		"  | ⚠ approval req-1: ○ awaiting approval",
		"  | $ kubectl delete pod x",
		"  | restart it",
		"✗ quota (exceeded)",
		"assistant is typing…",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("plain output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output contains ANSI escapes")
	}
}

func TestRenderer_FailedTool(t *testing.T) {
	r := NewRenderer(ModePlain, 0)
	out := r.Message(datatypes.Message{ID: "a", Author: datatypes.AuthorAssistant, Content: datatypes.StructuredContent{
		datatypes.ToolExecutionSegment{Tool: "t", Function: "f", State: datatypes.ToolExecuted, Success: boolPtr(false)},
	}})
	if !strings.Contains(out, "✗ t.f()") {
		t.Errorf("failed tool not marked: %q", out)
	}
}

func TestRenderer_ApprovalDecisions(t *testing.T) {
	r := NewRenderer(ModePlain, 0)
	for status, want := range map[datatypes.ApprovalStatus]string{
		datatypes.ApprovalApproved: "✓ approved",
		datatypes.ApprovalRejected: "✗ rejected",
	} {
		out := r.Message(datatypes.Message{ID: "a", Author: datatypes.AuthorAssistant, Content: datatypes.StructuredContent{
			datatypes.ApprovalRequestSegment{RequestID: "r", Command: "rm", Status: status},
		}})
		if !strings.Contains(out, want) {
			t.Errorf("status %s: output %q missing %q", status, out, want)
		}
	}
}

func TestRenderer_Machine(t *testing.T) {
	r := NewRenderer(ModeMachine, 80)
	out := r.View(sampleView())
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")

	want := []string{
		"MSG\tu1\tuser\tAda\tlist pods",
		"MSG\ta1\tassistant\t\t",
		"TEXT\ta1\tChecking the cluster",
		"TOOL\ta1\tkubectl.get\texecuted\t3 pods\\nmore",
		"TOOL\ta1\tkubectl.logs\texecuting\t",
		"APPROVAL\ta1\treq-1\tpending\tkubectl delete pod x",
		"ERROR\ta1\tquota",
		"TYPING\tconv-1",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), out)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRenderer_Header(t *testing.T) {
	v := sampleView()
	v.HasMoreHistory = true

	plain := NewRenderer(ModePlain, 0).Header(v, "live")
	if plain != "conv-1 · live · 2 unread · older history available" {
		t.Errorf("plain header = %q", plain)
	}
	machine := NewRenderer(ModeMachine, 0).Header(v, "live")
	if machine != "CONV\tconv-1\tlive\t2\ttrue" {
		t.Errorf("machine header = %q", machine)
	}
}

func TestPendingApprovals(t *testing.T) {
	v := sampleView()
	v.Messages = append(v.Messages, datatypes.Message{ID: "a2", Content: datatypes.StructuredContent{
		datatypes.ApprovalRequestSegment{RequestID: "req-1", Status: datatypes.ApprovalPending},
		datatypes.ApprovalRequestSegment{RequestID: "req-2", Status: datatypes.ApprovalApproved},
		datatypes.ApprovalRequestSegment{RequestID: "req-3", Status: datatypes.ApprovalPending},
	}})

	got := PendingApprovals(v)
	if want := []string{"req-1", "req-3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("PendingApprovals() = %v, want %v", got, want)
	}
}
