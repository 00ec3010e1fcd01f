// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package credentials supplies the bearer token used against the dialog
// server.
//
// The token is read from a file and kept sealed in a memguard Enclave;
// it is only decrypted for the moment a request header is built. Watch
// reloads the token when the file is rewritten, so rotating it does not
// need a restart.
package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/fsnotify/fsnotify"
)

// ErrEmptyToken is returned when the token file holds no token.
var ErrEmptyToken = errors.New("token file is empty")

// =============================================================================
// StaticToken
// =============================================================================

// StaticToken is a fixed token, for tests and local servers.
type StaticToken string

// Token returns the token.
func (s StaticToken) Token() (string, error) {
	return string(s), nil
}

// =============================================================================
// FileToken
// =============================================================================

// FileToken is a token loaded from a file.
//
// Thread Safety: safe for concurrent use.
type FileToken struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// LoadFileToken reads the token at path. Surrounding whitespace is
// ignored.
func LoadFileToken(path string, logger *slog.Logger) (*FileToken, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &FileToken{path: path, logger: logger}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the token file path.
func (t *FileToken) Path() string {
	return t.path
}

// Reload re-reads the token file. On failure the previous token is kept.
func (t *FileToken) Reload() error {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read token file %s: %w", t.path, err)
	}
	token := bytes.TrimSpace(raw)
	if len(token) == 0 {
		memguard.WipeBytes(raw)
		return fmt.Errorf("%w: %s", ErrEmptyToken, t.path)
	}

	// NewEnclave wipes its argument.
	sealed := make([]byte, len(token))
	copy(sealed, token)
	memguard.WipeBytes(raw)
	enclave := memguard.NewEnclave(sealed)

	t.mu.Lock()
	t.enclave = enclave
	t.mu.Unlock()
	return nil
}

// Token decrypts and returns the current token.
func (t *FileToken) Token() (string, error) {
	t.mu.RLock()
	enclave := t.enclave
	t.mu.RUnlock()
	if enclave == nil {
		return "", ErrEmptyToken
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Watch reloads the token whenever its file is written, created or
// renamed into place. It blocks until ctx is done.
//
// # Description
//
// The parent directory is watched instead of the file so editors and
// secret managers that replace the file atomically are still seen.
func (t *FileToken) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(t.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(t.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := t.Reload(); err != nil {
				t.logger.Warn("Token reload failed, keeping previous token",
					"path", t.path,
					"error", err)
				continue
			}
			t.logger.Info("Token reloaded", "path", t.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("Token watcher error", "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
