// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how richly the CLI renders.
type Mode string

const (
	// ModeRich enables colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain keeps icons and layout but drops colors.
	ModePlain Mode = "plain"

	// ModeMachine emits tab-separated records for scripts.
	ModeMachine Mode = "machine"
)

// EnvOutput overrides the detected mode.
const EnvOutput = "CHATSYNC_OUTPUT"

// ParseMode converts a string to a Mode. Unknown values give ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "color":
		return ModeRich
	case "machine", "quiet", "tsv":
		return ModeMachine
	default:
		return ModePlain
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectMode picks the mode for output written to f.
//
// CHATSYNC_OUTPUT wins when set. Otherwise a non-terminal gets
// ModeMachine, and a terminal gets ModeRich unless noColor is set or
// NO_COLOR is present in the environment.
func DetectMode(f *os.File, noColor bool) Mode {
	if env := os.Getenv(EnvOutput); env != "" {
		return ParseMode(env)
	}
	if !IsTerminal(f) {
		return ModeMachine
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok || noColor {
		return ModePlain
	}
	return ModeRich
}
