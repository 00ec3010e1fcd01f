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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatsync/cmd/chatsync/config"
)

// --- Global Command Variables ---
var (
	configPath string
	flags      overrides

	// settings is resolved once per invocation in PersistentPreRunE.
	settings config.ChatsyncConfig

	rootCmd = &cobra.Command{
		Use:   "chatsync",
		Short: "Follow dialog conversations from the terminal",
		Long: `chatsync keeps a local, reconciled view of a dialog conversation.
It merges the live push stream with REST catch-up so the transcript
never shows a chunk twice or misses one across reconnects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(configPath, flags)
			if err != nil {
				return err
			}
			settings = cfg
			return nil
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.chatsync/chatsync.yaml)")
	pf.StringVar(&flags.Server, "server", "", "dialog server base URL")
	pf.StringVar(&flags.PushURL, "ws", "", "push WebSocket URL")
	pf.StringVar(&flags.TokenFile, "token-file", "", "file holding the bearer token")
	pf.StringSliceVar(&flags.Channels, "channel", nil, "channel to follow (repeatable: client, admin)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.Output, "output", "", "auto, rich, plain or machine")
	pf.BoolVar(&flags.NoColor, "no-color", false, "disable colors")

	rootCmd.AddCommand(watchCmd, historyCmd, chunksCmd, approveCmd, rejectCmd)
}

// overrides are the persistent flags that replace config values.
type overrides struct {
	Server    string
	PushURL   string
	TokenFile string
	Channels  []string
	LogLevel  string
	Output    string
	NoColor   bool
}

// resolveConfig loads the config file and applies flag overrides.
//
// # Description
//
// With an explicit path the file must exist. Without one the default file
// is created on first run.
func resolveConfig(path string, o overrides) (config.ChatsyncConfig, error) {
	var (
		cfg config.ChatsyncConfig
		err error
	)
	if path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load(os.Stderr)
	}
	if err != nil {
		return cfg, err
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.ChatsyncConfig, o overrides) {
	if o.Server != "" {
		cfg.Server.BaseURL = o.Server
	}
	if o.PushURL != "" {
		cfg.Server.PushURL = o.PushURL
	}
	if o.TokenFile != "" {
		cfg.Server.TokenFile = o.TokenFile
	}
	if len(o.Channels) > 0 {
		cfg.Channels = o.Channels
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.Output != "" {
		cfg.Display.Output = o.Output
	}
	if o.NoColor {
		cfg.Display.NoColor = true
	}
}
