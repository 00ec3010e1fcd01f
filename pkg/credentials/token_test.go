// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeToken(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestLoadFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "  s3cret\n")

	tok, err := LoadFileToken(path, nil)
	require.NoError(t, err)

	got, err := tok.Token()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	// Reading twice works; the enclave is not consumed.
	got, err = tok.Token()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}

func TestLoadFileToken_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFileToken(filepath.Join(dir, "missing"), nil)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty")
	writeToken(t, empty, " \n")
	_, err = LoadFileToken(empty, nil)
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestReload_KeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "first")
	tok, err := LoadFileToken(path, nil)
	require.NoError(t, err)

	writeToken(t, path, "")
	assert.ErrorIs(t, tok.Reload(), ErrEmptyToken)

	got, err := tok.Token()
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestWatch_PicksUpRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	writeToken(t, path, "old")
	tok, err := LoadFileToken(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tok.Watch(ctx) }()

	// Replace atomically, the way secret managers rotate files.
	require.Eventually(t, func() bool {
		tmp := filepath.Join(dir, "token.tmp")
		writeToken(t, tmp, "new")
		require.NoError(t, os.Rename(tmp, path))
		got, err := tok.Token()
		return err == nil && got == "new"
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStaticToken(t *testing.T) {
	got, err := StaticToken("abc").Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}
