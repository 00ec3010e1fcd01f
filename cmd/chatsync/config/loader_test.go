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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".chatsync", "chatsync.yaml")

	if err := createDefault(configPath); err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var cfg ChatsyncConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if cfg.Meta.Version != CurrentConfigVersion {
		t.Errorf("Meta.Version = %q, want %q", cfg.Meta.Version, CurrentConfigVersion)
	}
	if cfg.Server.BaseURL != "http://localhost:8088" {
		t.Errorf("Server.BaseURL = %q", cfg.Server.BaseURL)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0] != "client" {
		t.Errorf("Channels = %v, want [client]", cfg.Channels)
	}
}

func TestLoadOrCreate_FirstRun(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chatsync.yaml")
	var notice bytes.Buffer

	cfg, err := LoadOrCreate(configPath, &notice)
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}
	if !strings.Contains(notice.String(), "First run detected") {
		t.Errorf("notice = %q", notice.String())
	}
	if cfg.Engine.HistoryPageSize != 50 {
		t.Errorf("HistoryPageSize = %d, want 50", cfg.Engine.HistoryPageSize)
	}

	notice.Reset()
	if _, err := LoadOrCreate(configPath, &notice); err != nil {
		t.Fatalf("second LoadOrCreate() failed: %v", err)
	}
	if notice.Len() != 0 {
		t.Errorf("existing config reported as first run: %q", notice.String())
	}
}

func TestLoadFrom_PartialFileKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chatsync.yaml")
	content := `
server:
  base_url: https://dialog.example.com
  push_url: wss://dialog.example.com/ws
  timeout: 5s
channels: [client, admin]
engine:
  catch_up_on_reconnect: true
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if cfg.Server.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.Server.Timeout)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[1] != "admin" {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if !cfg.Engine.CatchUpOnReconnect {
		t.Error("CatchUpOnReconnect not read")
	}
	if cfg.Engine.AssistantName != "Assistant" {
		t.Errorf("AssistantName = %q, want default", cfg.Engine.AssistantName)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default", cfg.Logging.Level)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad channel":  "channels: [client, ops]\n",
		"no channels":  "channels: []\n",
		"bad url":      "server:\n  base_url: not a url\n",
		"bad output":   "display:\n  output: sparkly\n",
		"bad yaml":     "server: [\n",
		"huge page":    "engine:\n  history_page_size: 10000\n",
		"bad loglevel": "logging:\n  level: loud\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "chatsync.yaml")
			if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFrom(configPath); err == nil {
				t.Error("LoadFrom() succeeded, want error")
			}
		})
	}
}

func TestLoadFrom_Missing(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFrom() on a missing file succeeded")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig() is invalid: %v", err)
	}
}
