// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

type ChatsyncConfig struct {
	Meta MetaConfig `yaml:"meta"`

	// Server: where the dialog API and the push socket live
	Server ServerConfig `yaml:"server"`

	// Channels subscribed to and fetched during catch-up
	Channels []string `yaml:"channels" validate:"min=1,dive,oneof=client admin"`

	Engine EngineConfig `yaml:"engine"`

	// Cache: local finalized history
	Cache CacheConfig `yaml:"cache"`

	Logging LoggingConfig `yaml:"logging"`

	// Metrics: optional Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	Telemetry observability.TracingConfig `yaml:"telemetry"`

	Display DisplayConfig `yaml:"display"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

type ServerConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	PushURL   string        `yaml:"push_url" validate:"required,url"`
	TokenFile string        `yaml:"token_file"` // e.g. ~/.chatsync/token
	Timeout   time.Duration `yaml:"timeout"`

	// ReconnectInterval paces push reconnect attempts
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type EngineConfig struct {
	AssistantName      string        `yaml:"assistant_name"`
	HistoryPageSize    int           `yaml:"history_page_size" validate:"gte=0,lte=500"`
	CatchUpOnReconnect bool          `yaml:"catch_up_on_reconnect"`
	CatchUpTimeout     time.Duration `yaml:"catch_up_timeout"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // "~" is expanded
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // e.g. 127.0.0.1:9464, empty disables
}

type DisplayConfig struct {
	Output  string `yaml:"output" validate:"omitempty,oneof=auto rich plain machine"`
	NoColor bool   `yaml:"no_color"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ChatsyncConfig {
	return ChatsyncConfig{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Server: ServerConfig{
			BaseURL:           "http://localhost:8088",
			PushURL:           "ws://localhost:8088/ws",
			TokenFile:         "",
			Timeout:           15 * time.Second,
			ReconnectInterval: 2 * time.Second,
		},
		Channels: []string{"client"},
		Engine: EngineConfig{
			AssistantName:   "Assistant",
			HistoryPageSize: 50,
			CatchUpTimeout:  30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    "~/.chatsync/cache",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.chatsync/logs",
		},
		Telemetry: observability.TracingConfig{
			ServiceName: "chatsync",
			Exporter:    "none",
		},
		Display: DisplayConfig{Output: "auto"},
	}
}
