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
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/chatsync/pkg/dialog/catchup"
	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

var (
	chunksFrom int64
	chunksRaw  bool

	chunksCmd = &cobra.Command{
		Use:   "chunks <conversation-id>",
		Short: "Dump the chunks a catch-up would replay",
		Long: `Fetches the recorded chunks of every configured channel and prints them
as JSON lines, ordered by sequence id. Unless --raw is given, everything
up to and including the last MESSAGE_END is dropped, exactly as a
catch-up does.`,
		Args: cobra.ExactArgs(1),
		RunE: runChunks,
	}
)

func init() {
	chunksCmd.Flags().Int64Var(&chunksFrom, "from", -1, "only chunks with a sequence id of at least this value")
	chunksCmd.Flags().BoolVar(&chunksRaw, "raw", false, "print every fetched chunk")
}

// chunkLine is one printed record.
type chunkLine struct {
	Channel datatypes.Channel `json:"channel"`
	Chunk   datatypes.Chunk   `json:"chunk"`
}

func runChunks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, settings, appOptions{Service: "chunks"})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	var from *int64
	if chunksFrom >= 0 {
		from = datatypes.Seq(chunksFrom)
	}
	items, err := fetchChunks(ctx, a.client, args[0], channels(a.cfg.Channels), from)
	if err != nil {
		return err
	}

	discarded := 0
	if chunksRaw {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Chunk.SortKey() < items[j].Chunk.SortKey()
		})
	} else {
		items, discarded = catchup.Truncate(items)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, it := range items {
		if err := enc.Encode(chunkLine{Channel: it.Channel, Chunk: it.Chunk}); err != nil {
			return err
		}
	}
	if !chunksRaw {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d chunks to replay, %d dropped through the last MESSAGE_END\n", len(items), discarded)
	}
	return nil
}

// fetchChunks queries every channel in parallel and returns the chunks
// tagged with their channel, in channel order.
func fetchChunks(ctx context.Context, src catchup.ChunkSource, conversationID string, chs []datatypes.Channel, from *int64) ([]catchup.Item, error) {
	perChannel := make([][]datatypes.Chunk, len(chs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chs {
		g.Go(func() error {
			chunks, err := src.FetchChunks(gctx, conversationID, ch, from)
			if err != nil {
				return fmt.Errorf("fetch %s chunks: %w", ch, err)
			}
			perChannel[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var items []catchup.Item
	for i, ch := range chs {
		for _, c := range perChannel[i] {
			items = append(items, catchup.Item{Channel: ch, Chunk: c})
		}
	}
	return items, nil
}
