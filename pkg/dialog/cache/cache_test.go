// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dt "github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

func openInMemory(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func wire(id string, at time.Time, text string) dt.WireMessage {
	return dt.WireMessage{ID: id, CreatedAt: at, Owner: dt.Owner{Type: "USER"}, Content: dt.WireContent{Text: &text}}
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStoreAndLoad_OrderedByTime(t *testing.T) {
	c := openInMemory(t)

	require.NoError(t, c.Store("c1", []dt.WireMessage{
		wire("b", t0.Add(time.Minute), "second"),
		wire("z", t0, "first"),
	}))
	require.NoError(t, c.Store("c1", []dt.WireMessage{wire("a", t0.Add(time.Minute), "tie")}))

	msgs, err := c.Load("c1")

	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"z", "a", "b"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, "c1", msgs[0].ConversationID)
}

func TestStore_ReplacesSameID(t *testing.T) {
	c := openInMemory(t)
	require.NoError(t, c.Store("c1", []dt.WireMessage{wire("m1", t0, "draft")}))
	require.NoError(t, c.Store("c1", []dt.WireMessage{wire("m1", t0, "final")}))

	got, err := c.Get("c1", "m1")

	require.NoError(t, err)
	assert.Equal(t, "final", *got.Content.Text)
	msgs, err := c.Load("c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestStore_KeepsStructuredContent(t *testing.T) {
	c := openInMemory(t)
	msg := dt.WireMessage{
		ID:    "a1",
		Owner: dt.Owner{Type: "ASSISTANT"},
		Content: dt.WireContent{Items: []dt.Chunk{
			{Type: dt.ChunkText, Text: "run it?"},
			{Type: dt.ChunkApprovalRequest, RequestID: "r1", Command: "make deploy"},
		}},
	}
	require.NoError(t, c.Store("c1", []dt.WireMessage{msg}))

	got, err := c.Get("c1", "a1")

	require.NoError(t, err)
	require.Len(t, got.Content.Items, 2)
	assert.Equal(t, "r1", got.Content.Items[1].RequestID)
}

func TestConversationsAreIsolated(t *testing.T) {
	c := openInMemory(t)
	require.NoError(t, c.Store("c1", []dt.WireMessage{wire("m1", t0, "one")}))
	require.NoError(t, c.Store("c10", []dt.WireMessage{wire("m2", t0, "ten")}))

	msgs, err := c.Load("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	require.NoError(t, c.Clear("c1"))
	msgs, err = c.Load("c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	msgs, err = c.Load("c10")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestGet_NotFound(t *testing.T) {
	c := openInMemory(t)

	_, err := c.Get("c1", "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0

	c, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Store("c1", []dt.WireMessage{wire("m1", t0, "kept")}))
	require.NoError(t, c.Close())

	c, err = Open(cfg)
	require.NoError(t, err)
	defer c.Close()
	msgs, err := c.Load("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", *msgs[0].Content.Text)
}
