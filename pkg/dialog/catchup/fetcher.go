// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catchup recovers chunks that were emitted before the push
// subscription was established.
//
// # Description
//
// A catch-up fetches every configured channel concurrently, merges the
// results ordered by sequence id, drops everything at or before the last
// MESSAGE_END (those messages are already finalized in history) and replays
// the remainder into the conversation. Failures are logged and swallowed;
// the live stream continues regardless.
//
// At most one catch-up runs per conversation activation. A request for an
// activation that already has one in flight is skipped.
package catchup

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
)

var tracer = otel.Tracer("chatsync.dialog.catchup")

// =============================================================================
// Types
// =============================================================================

// ChunkSource fetches chunks of one channel from the server.
type ChunkSource interface {
	FetchChunks(ctx context.Context, conversationID string, channel datatypes.Channel, fromSequenceID *int64) ([]datatypes.Chunk, error)
}

// Request identifies one catch-up.
type Request struct {
	ConversationID string

	// FromSequenceID bounds the fetch from below. nil fetches everything.
	FromSequenceID *int64

	// Epoch is the activation the request belongs to. Results for a stale
	// activation are discarded by the sink.
	Epoch uint64
}

func (r Request) sameParams(o Request) bool {
	if r.ConversationID != o.ConversationID {
		return false
	}
	if r.FromSequenceID == nil || o.FromSequenceID == nil {
		return r.FromSequenceID == o.FromSequenceID
	}
	return *r.FromSequenceID == *o.FromSequenceID
}

// Item is a fetched chunk tagged with its channel.
type Item struct {
	Channel datatypes.Channel
	Chunk   datatypes.Chunk
}

// Sink receives the chunks to replay.
type Sink interface {
	// ApplyCatchUp replays items in order through the normal chunk path.
	// It returns false if req no longer matches the open activation.
	ApplyCatchUp(req Request, items []Item) bool
}

// Outcome classifies a catch-up run.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeStale   Outcome = "stale"
)

// Result reports what a run did.
type Result struct {
	Outcome   Outcome
	Fetched   int
	Replayed  int
	Discarded int
	Err       error
}

// Config configures a Fetcher.
type Config struct {
	// Channels are fetched concurrently.
	Channels []datatypes.Channel

	// Timeout bounds one run. Zero means no timeout.
	Timeout time.Duration
}

// =============================================================================
// Fetcher
// =============================================================================

type flightKey struct {
	conversationID string
	epoch          uint64
}

// Fetcher runs catch-ups.
//
// Thread Safety: safe for concurrent use.
type Fetcher struct {
	cfg     Config
	source  ChunkSource
	sink    Sink
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[flightKey]Request
}

// New creates a Fetcher. metrics and logger may be nil.
func New(cfg Config, source ChunkSource, sink Sink, metrics *observability.Metrics, logger *slog.Logger) *Fetcher {
	if len(cfg.Channels) == 0 {
		cfg.Channels = datatypes.DefaultChannels
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
		inFlight: make(map[flightKey]Request),
	}
}

// Run performs one catch-up.
//
// # Description
//
// The result is informational. Errors never propagate to the conversation;
// a failed run leaves state unchanged.
//
// # Inputs
//
//   - ctx: Cancels the fetch.
//   - req: Conversation, lower bound and activation epoch.
//
// # Outputs
//
//   - Result: Outcome and counts.
func (f *Fetcher) Run(ctx context.Context, req Request) Result {
	key := flightKey{req.ConversationID, req.Epoch}
	f.mu.Lock()
	if cur, busy := f.inFlight[key]; busy {
		f.mu.Unlock()
		if cur.sameParams(req) {
			f.logger.Debug("Catch-up already in flight",
				"conversation_id", req.ConversationID)
		} else {
			f.logger.Debug("Catch-up with different bounds skipped while another is in flight",
				"conversation_id", req.ConversationID)
		}
		f.metrics.RecordCatchUp(string(OutcomeSkipped), 0, 0)
		return Result{Outcome: OutcomeSkipped}
	}
	f.inFlight[key] = req
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.inFlight, key)
		f.mu.Unlock()
	}()

	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "catchup.Run",
		trace.WithAttributes(
			attribute.String("conversation.id", req.ConversationID),
			attribute.Int("catchup.channels", len(f.cfg.Channels)),
		))
	defer span.End()

	start := time.Now()
	fetched, err := f.fetchAll(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		f.metrics.RecordCatchUp(string(OutcomeFailed), time.Since(start), 0)
		f.logger.Warn("Catch-up fetch failed",
			"conversation_id", req.ConversationID,
			"error", err)
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	replay, discarded := Truncate(fetched)
	res := Result{Fetched: len(fetched), Replayed: len(replay), Discarded: discarded}
	span.SetAttributes(
		attribute.Int("catchup.fetched", res.Fetched),
		attribute.Int("catchup.replayed", res.Replayed),
	)

	if !f.sink.ApplyCatchUp(req, replay) {
		res.Outcome = OutcomeStale
		res.Replayed = 0
		f.metrics.RecordCatchUp(string(OutcomeStale), time.Since(start), discarded)
		f.logger.Debug("Catch-up result discarded for closed activation",
			"conversation_id", req.ConversationID)
		return res
	}

	res.Outcome = OutcomeApplied
	f.metrics.RecordCatchUp(string(OutcomeApplied), time.Since(start), discarded)
	f.logger.Debug("Catch-up applied",
		"conversation_id", req.ConversationID,
		"fetched", res.Fetched,
		"replayed", res.Replayed,
		"discarded", res.Discarded)
	return res
}

// fetchAll queries every channel in parallel and concatenates the results in
// channel order.
func (f *Fetcher) fetchAll(ctx context.Context, req Request) ([]Item, error) {
	perChannel := make([][]datatypes.Chunk, len(f.cfg.Channels))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range f.cfg.Channels {
		g.Go(func() error {
			chunks, err := f.source.FetchChunks(gctx, req.ConversationID, ch, req.FromSequenceID)
			if err != nil {
				return err
			}
			perChannel[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var items []Item
	for i, ch := range f.cfg.Channels {
		for _, c := range perChannel[i] {
			items = append(items, Item{Channel: ch, Chunk: c})
		}
	}
	return items, nil
}

// Truncate orders items by sequence id (missing ids sort as 0, ties keep
// their input order) and drops everything at or before the last
// MESSAGE_END.
//
// # Examples
//
//	ids 5..10 with MESSAGE_END at 8 -> replay 9, 10; discarded 4
func Truncate(items []Item) (replay []Item, discarded int) {
	sorted := slices.Clone(items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Chunk.SortKey() < sorted[j].Chunk.SortKey()
	})
	last := -1
	for i, it := range sorted {
		if it.Chunk.Type == datatypes.ChunkMessageEnd {
			last = i
		}
	}
	return sorted[last+1:], last + 1
}
