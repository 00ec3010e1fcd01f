// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders dialog state for the chatsync terminal.
package ux

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette: deep ocean teals with standard semantic colors.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the transcript styles.
var Styles = struct {
	Header    lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	ErrorName lipgloss.Style
	Muted     lipgloss.Style
	Tool      lipgloss.Style
	Error     lipgloss.Style
	Pending   lipgloss.Style
	Approved  lipgloss.Style
	Rejected  lipgloss.Style
	Approval  lipgloss.Style
	Typing    lipgloss.Style
}{
	Header:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	User:      lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Assistant: lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	ErrorName: lipgloss.NewStyle().Bold(true).Foreground(ColorError),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Tool:      lipgloss.NewStyle().Foreground(ColorTealDeep),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Pending:   lipgloss.NewStyle().Foreground(ColorWarning),
	Approved:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Rejected:  lipgloss.NewStyle().Foreground(ColorError),
	Approval: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	Typing: lipgloss.NewStyle().Italic(true).Foreground(ColorSlate),
}

// Icon is a status glyph.
type Icon string

const (
	IconDone    Icon = "✓"
	IconRunning Icon = "⟳"
	IconFailed  Icon = "✗"
	IconPending Icon = "○"
	IconWarning Icon = "⚠"
	IconArrow   Icon = "→"
)
