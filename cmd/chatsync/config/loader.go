// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chatsync CLI configuration from
// ~/.chatsync/chatsync.yaml.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.chatsync/chatsync.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".chatsync", "chatsync.yaml"), nil
}

// Load reads the config at the default path, creating it on first run.
// The notice about a created file goes to notice, which may be nil.
func Load(notice io.Writer) (ChatsyncConfig, error) {
	path, err := DefaultPath()
	if err != nil {
		return ChatsyncConfig{}, err
	}
	return LoadOrCreate(path, notice)
}

// LoadOrCreate reads path, writing DefaultConfig there first if it does
// not exist.
func LoadOrCreate(path string, notice io.Writer) (ChatsyncConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if notice != nil {
			fmt.Fprintf(notice, " First run detected, creating the config at %s\n", path)
		}
		if err := createDefault(path); err != nil {
			return ChatsyncConfig{}, err
		}
	}
	return LoadFrom(path)
}

// LoadFrom reads and validates the config at path. Fields missing from
// the file keep their DefaultConfig values.
func LoadFrom(path string) (ChatsyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChatsyncConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ChatsyncConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ChatsyncConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c ChatsyncConfig) Validate() error {
	return validate.Struct(c)
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
