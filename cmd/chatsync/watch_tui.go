// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/chatsync/pkg/dialog/approval"
	"github.com/AleutianAI/chatsync/pkg/ux"
)

// =============================================================================
// Messages
// =============================================================================

// changedMsg signals that the conversation changed.
type changedMsg struct{}

// actionDoneMsg reports the outcome of a typed command.
type actionDoneMsg struct {
	status string
	err    error
}

// =============================================================================
// Model
// =============================================================================

// watchModel is the bubbletea model of `chatsync watch`.
//
// The model never touches engine state directly from Update except through
// dialogEngine queries; actions run as tea.Cmds.
type watchModel struct {
	ctx            context.Context
	eng            dialogEngine
	conversationID string
	mode           ux.Mode
	events         <-chan struct{}

	viewport viewport.Model
	input    textinput.Model
	ready    bool
	width    int
	status   string
	quitting bool
}

func newWatchModel(ctx context.Context, eng dialogEngine, conversationID string, mode ux.Mode, events <-chan struct{}) watchModel {
	ti := textinput.New()
	ti.Placeholder = "approve [id] · reject [id] · more · quit"
	ti.Prompt = "> "
	ti.CharLimit = 256
	ti.Focus()

	return watchModel{
		ctx:            ctx,
		eng:            eng,
		conversationID: conversationID,
		mode:           mode,
		events:         events,
		input:          ti,
	}
}

func runTUI(ctx context.Context, eng dialogEngine, conversationID string, mode ux.Mode, events <-chan struct{}) error {
	m := newWatchModel(ctx, eng, conversationID, mode, events)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// waitForChange blocks until the engine reports a change.
func waitForChange(ctx context.Context, events <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-events:
			return changedMsg{}
		case <-ctx.Done():
			return tea.Quit()
		}
	}
}

// Init starts listening for engine events.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForChange(m.ctx, m.events))
}

// Update handles input, resizes and engine events.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := msg.Height - 3
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.refresh()

	case changedMsg:
		m.refresh()
		cmds = append(cmds, waitForChange(m.ctx, m.events))

	case actionDoneMsg:
		m.status = msg.status
		if msg.err != nil {
			m.status = describeError(msg.err)
		}
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			cmd, quit := m.command(line)
			if quit {
				m.quitting = true
				return m, tea.Quit
			}
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// command parses one typed line. It returns the Cmd to run and whether the
// program should quit.
func (m *watchModel) command(line string) (tea.Cmd, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false
	}
	switch fields[0] {
	case "q", "quit", "exit":
		return nil, true

	case "more", "m":
		ctx, eng, id := m.ctx, m.eng, m.conversationID
		m.status = "loading older messages…"
		return func() tea.Msg {
			added, err := eng.LoadHistory(ctx, id)
			if err != nil {
				return actionDoneMsg{err: err}
			}
			if !added {
				return actionDoneMsg{status: "no older messages"}
			}
			return actionDoneMsg{status: "older messages loaded"}
		}, false

	case "approve", "a", "reject", "r":
		requestID := ""
		if len(fields) > 1 {
			requestID = fields[1]
		} else if pending := ux.PendingApprovals(m.eng.View(m.conversationID)); len(pending) > 0 {
			requestID = pending[0]
		}
		if requestID == "" {
			m.status = "no approval request is pending"
			return nil, false
		}
		approve := fields[0] == "approve" || fields[0] == "a"
		ctx, eng, id := m.ctx, m.eng, m.conversationID
		verb := "rejected"
		if approve {
			verb = "approved"
		}
		m.status = fmt.Sprintf("sending decision for %s…", requestID)
		return func() tea.Msg {
			var err error
			if approve {
				err = eng.Approve(ctx, id, requestID)
			} else {
				err = eng.Reject(ctx, id, requestID)
			}
			if err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{status: fmt.Sprintf("%s %s", requestID, verb)}
		}, false

	default:
		m.status = fmt.Sprintf("unknown command %q", fields[0])
		return nil, false
	}
}

// refresh re-renders the transcript into the viewport, staying pinned to
// the bottom when the user had not scrolled up.
func (m *watchModel) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	r := ux.NewRenderer(m.mode, m.width)
	m.viewport.SetContent(r.View(m.eng.View(m.conversationID)))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// View renders header, transcript and prompt.
func (m watchModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "connecting…"
	}
	r := ux.NewRenderer(m.mode, m.width)
	header := r.Header(m.eng.View(m.conversationID), phaseLabel(m.eng.Subscription(m.conversationID)))
	if m.status != "" {
		header += "  " + m.status
	}
	return header + "\n" + m.viewport.View() + "\n" + m.input.View()
}

func describeError(err error) string {
	var actionErr *approval.ActionError
	switch {
	case errors.As(err, &actionErr) && actionErr.Recoverable():
		return fmt.Sprintf("%s failed, try again: %v", actionErr.RequestID, actionErr.Err)
	case errors.Is(err, approval.ErrAlreadyDecided):
		return err.Error()
	default:
		return "error: " + err.Error()
	}
}
