// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mockdialog_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dt "github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/engine"
	"github.com/AleutianAI/chatsync/pkg/dialog/transport"
	"github.com/AleutianAI/chatsync/services/mockdialog"
)

const (
	testToken = "e2e-token"
	waitFor   = 3 * time.Second
	tick      = 10 * time.Millisecond
)

type staticTokens string

func (s staticTokens) Token() (string, error) { return string(s), nil }

// stack is a mock server plus a fully wired client.
type stack struct {
	server *mockdialog.Server
	push   *transport.PushClient
	engine *engine.Engine
}

func newStack(t *testing.T, pageSize int) *stack {
	t.Helper()
	server := mockdialog.New(mockdialog.Config{Token: testToken})
	srv := httptest.NewServer(server.Handler())

	client, err := transport.NewClient(transport.ClientConfig{BaseURL: srv.URL, Tokens: staticTokens(testToken)}, nil)
	require.NoError(t, err)
	push := transport.NewPushClient(transport.PushConfig{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Tokens:            staticTokens(testToken),
		ReconnectInterval: 20 * time.Millisecond,
		ReconnectBurst:    3,
	}, nil, nil)
	eng := engine.New(engine.Config{
		AssistantName:      "Assistant",
		HistoryPageSize:    pageSize,
		CatchUpOnReconnect: true,
		CatchUpTimeout:     waitFor,
	}, engine.Deps{Chunks: client, History: client, Approver: client, Push: push})
	push.SetHandler(eng.PushHandler())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = push.Run(ctx)
	}()
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = eng.Shutdown(shutdownCtx)
		cancel()
		<-runDone
		server.Close()
		srv.Close()
	})

	require.Eventually(t, push.Connected, waitFor, tick)
	return &stack{server: server, push: push, engine: eng}
}

func (s *stack) caughtUp(conv string) func() bool {
	return func() bool {
		st := s.engine.Subscription(conv)
		return st.Connected && st.CaughtUp
	}
}

func textOf(m dt.Message) string {
	if t := m.Text(); t != "" {
		return t
	}
	var b strings.Builder
	for _, seg := range m.Segments() {
		if ts, ok := seg.(dt.TextSegment); ok {
			b.WriteString(ts.Content)
		}
	}
	return b.String()
}

func TestEndToEnd_HistoryApprovalAndReconnect(t *testing.T) {
	s := newStack(t, 0)
	d := s.server.Dialogs()
	ctx := context.Background()
	const conv = "c-e2e"

	// A finished exchange exists before the client opens the conversation.
	d.AddUserMessage(conv, "u1", "ada", "hi")
	_, err := d.Play(ctx, conv, mockdialog.DefaultTurn("hi"), 0)
	require.NoError(t, err)

	require.NoError(t, s.engine.Open(ctx, conv))
	s.engine.SetActive(conv)
	require.Eventually(t, s.caughtUp(conv), waitFor, tick)

	msgs := s.engine.Messages(conv)
	require.Len(t, msgs, 2, "history and catch-up must not duplicate the finished turn")
	assert.Equal(t, dt.AuthorUser, msgs[0].Author)
	assert.Equal(t, "hi", textOf(msgs[0]))
	assert.Equal(t, dt.AuthorAssistant, msgs[1].Author)
	assert.Equal(t, "You said: hi", textOf(msgs[1]))

	// A live turn that waits for an approval.
	played := make(chan error, 1)
	go func() {
		_, err := d.Play(ctx, conv, mockdialog.Turn{Steps: []mockdialog.Step{
			{Text: "Running it."},
			{Approval: &mockdialog.ApprovalStep{RequestID: "ap-1", Command: "make test", Explanation: "runs the suite"}},
			{Tool: &mockdialog.ToolStep{Tool: "shell", Function: "exec", Parameters: map[string]any{"cmd": "make test"}, Result: "ok"}},
			{Text: "Done."},
		}}, 0)
		played <- err
	}()

	require.Eventually(t, func() bool {
		st, ok := s.engine.ApprovalStatus(conv, "ap-1")
		return ok && st == dt.ApprovalPending
	}, waitFor, tick)
	assert.True(t, s.engine.View(conv).Typing)

	require.NoError(t, s.engine.Approve(ctx, conv, "ap-1"))
	select {
	case err := <-played:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("turn did not resume after approval")
	}

	require.Eventually(t, func() bool {
		v := s.engine.View(conv)
		return len(v.Messages) == 3 && v.StreamingID == ""
	}, waitFor, tick)

	last := s.engine.Messages(conv)[2]
	segs := last.Segments()
	require.Len(t, segs, 4)
	assert.Equal(t, dt.TextSegment{Content: "Running it."}, segs[0])
	req, ok := segs[1].(dt.ApprovalRequestSegment)
	require.True(t, ok)
	assert.Equal(t, dt.ApprovalApproved, req.Status)
	assert.Equal(t, "make test", req.Command)
	tool, ok := segs[2].(dt.ToolExecutionSegment)
	require.True(t, ok)
	assert.Equal(t, dt.ToolExecuted, tool.State)
	require.NotNil(t, tool.Success)
	assert.True(t, *tool.Success)
	assert.Equal(t, dt.TextSegment{Content: "Done."}, segs[3])

	// A second approve is a no-op; the opposite decision is refused.
	require.NoError(t, s.engine.Approve(ctx, conv, "ap-1"))
	assert.Error(t, s.engine.Reject(ctx, conv, "ap-1"))

	// Drop the push connection and stream a turn right away. Whether the
	// chunks arrive live or through catch-up, the message appears once.
	require.Equal(t, 1, s.server.DisconnectAll())
	_, err = d.Play(ctx, conv, mockdialog.DefaultTurn("again"), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := s.engine.Messages(conv)
		return s.caughtUp(conv)() && len(msgs) == 4 && textOf(msgs[3]) == "You said: again"
	}, waitFor, tick)
	assert.Len(t, s.engine.Messages(conv), 4)
}

func TestEndToEnd_HistoryPaging(t *testing.T) {
	s := newStack(t, 4)
	d := s.server.Dialogs()
	ctx := context.Background()
	const conv = "c-paging"

	ids := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	for _, id := range ids {
		d.AddUserMessage(conv, id, "ada", "message "+id)
	}
	messageIDs := func() []string {
		var out []string
		for _, m := range s.engine.Messages(conv) {
			out = append(out, m.ID)
		}
		return out
	}

	more, err := s.engine.LoadHistory(ctx, conv)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, ids[2:], messageIDs())
	assert.True(t, s.engine.View(conv).HasMoreHistory)

	more, err = s.engine.LoadHistory(ctx, conv)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, ids, messageIDs())
	assert.False(t, s.engine.View(conv).HasMoreHistory)

	more, err = s.engine.LoadHistory(ctx, conv)
	require.NoError(t, err)
	assert.False(t, more, "an exhausted cursor loads nothing")
}
