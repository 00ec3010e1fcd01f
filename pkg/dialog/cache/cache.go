// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache keeps finalized dialog messages in a local BadgerDB so a
// conversation can still render when the history endpoint is unreachable.
//
// Messages are stored in their wire form, one key per message:
//
//	conv/{conversationID}/{messageID} -> JSON WireMessage
//
// Storing the same id again replaces it.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

// ErrNotFound is returned by Get for an unknown message.
var ErrNotFound = errors.New("message not cached")

const keyPrefix = "conv/"

// Config holds configuration for a Cache.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// Logger receives BadgerDB's own log lines. Nil silences them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the on-disk defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     false,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Cache is a BadgerDB-backed store of finalized messages.
//
// Thread Safety: safe for concurrent use.
type Cache struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens (creating if needed) the cache described by cfg.
//
// # Outputs
//
//   - *Cache: Call Close when done.
//   - error: Missing path or a BadgerDB open failure.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open message cache: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		c.stopGC = make(chan struct{})
		c.gcDone = make(chan struct{})
		go c.runGC(cfg.GCInterval, ratio)
	}
	return c, nil
}

func (c *Cache) runGC(interval time.Duration, ratio float64) {
	defer close(c.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing worth collecting.
			if err := c.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				c.logger.Warn("Message cache GC failed", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database.
func (c *Cache) Close() error {
	if c.stopGC != nil {
		close(c.stopGC)
		<-c.gcDone
		c.stopGC = nil
	}
	return c.db.Close()
}

func conversationPrefix(conversationID string) []byte {
	return []byte(keyPrefix + conversationID + "/")
}

func messageKey(conversationID, messageID string) []byte {
	return []byte(keyPrefix + conversationID + "/" + messageID)
}

// Store writes msgs for a conversation. Messages without an id are skipped.
func (c *Cache) Store(conversationID string, msgs []datatypes.WireMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if err := wb.Set(messageKey(conversationID, m.ID), data); err != nil {
			return fmt.Errorf("cache message %s: %w", m.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush message cache: %w", err)
	}
	return nil
}

// Load returns every cached message of a conversation, oldest first by
// creation time, then id. An unknown conversation yields no messages.
func (c *Cache) Load(conversationID string) ([]datatypes.WireMessage, error) {
	var out []datatypes.WireMessage
	prefix := conversationPrefix(conversationID)
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var m datatypes.WireMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode cached %s: %w", item.Key(), err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load cached messages of %s: %w", conversationID, err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns one cached message.
func (c *Cache) Get(conversationID, messageID string) (datatypes.WireMessage, error) {
	var m datatypes.WireMessage
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(conversationID, messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err != nil {
		return datatypes.WireMessage{}, fmt.Errorf("get cached %s/%s: %w", conversationID, messageID, err)
	}
	return m, nil
}

// Clear removes every cached message of a conversation.
func (c *Cache) Clear(conversationID string) error {
	if err := c.db.DropPrefix(conversationPrefix(conversationID)); err != nil {
		return fmt.Errorf("clear cached messages of %s: %w", conversationID, err)
	}
	return nil
}
