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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatsync/pkg/dialog/accumulator"
	"github.com/AleutianAI/chatsync/pkg/dialog/store"
	"github.com/AleutianAI/chatsync/pkg/ux"
)

var (
	historyPages int
	historyAll   bool

	historyCmd = &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the finalized transcript of a conversation",
		Long: `Fetches finalized messages page by page, newest page first, and prints
them oldest first. When the server cannot be reached the local cache is
printed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: runHistory,
	}
)

func init() {
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of pages to fetch")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "fetch every page")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	conversationID := args[0]

	a, err := newApp(ctx, settings, appOptions{Service: "history", WithCache: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	renderer := ux.NewRenderer(a.mode, 0)
	out := cmd.OutOrStdout()

	pages := historyPages
	if historyAll {
		pages = -1
	}
	fetchErr := loadPages(ctx, a.engine, conversationID, pages)
	if fetchErr == nil {
		return printTranscript(out, renderer, a.engine.View(conversationID))
	}
	if a.cache == nil {
		return fetchErr
	}

	a.logger.Warn("History fetch failed, printing cache", "conversation_id", conversationID, "error", fetchErr)
	wire, err := a.cache.Load(conversationID)
	if err != nil {
		return fmt.Errorf("%w (cache: %v)", fetchErr, err)
	}
	if len(wire) == 0 {
		return fetchErr
	}
	v := store.View{ConversationID: conversationID, Messages: accumulator.DecodeMessages(wire, nil)}
	return printTranscript(out, renderer, v)
}

// loadPages fetches up to pages history pages, or every page when pages
// is negative.
func loadPages(ctx context.Context, eng dialogEngine, conversationID string, pages int) error {
	for i := 0; pages < 0 || i < pages; i++ {
		if _, err := eng.LoadHistory(ctx, conversationID); err != nil {
			return err
		}
		if !eng.View(conversationID).HasMoreHistory {
			return nil
		}
	}
	return nil
}

func printTranscript(out io.Writer, renderer *ux.Renderer, v store.View) error {
	if renderer.Mode() != ux.ModeMachine {
		if _, err := fmt.Fprintln(out, renderer.Header(v, "history")); err != nil {
			return err
		}
	}
	_, err := io.WriteString(out, renderer.View(v))
	return err
}
