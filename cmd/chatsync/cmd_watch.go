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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatsync/pkg/dialog/engine"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
	"github.com/AleutianAI/chatsync/pkg/dialog/store"
	"github.com/AleutianAI/chatsync/pkg/dialog/subscription"
	"github.com/AleutianAI/chatsync/pkg/dialog/transport"
	"github.com/AleutianAI/chatsync/pkg/ux"
)

var (
	watchMetricsAddr string
	watchLines       bool

	watchCmd = &cobra.Command{
		Use:   "watch <conversation-id>",
		Short: "Follow a conversation live",
		Long: `Opens the conversation, loads its latest history page, subscribes to
push delivery and keeps the transcript reconciled.

On a terminal this starts an interactive view where "approve", "reject"
and "more" act on the conversation. Otherwise each changed message is
printed as it settles.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	watchCmd.Flags().BoolVar(&watchLines, "lines", false, "print changes line by line even on a terminal")
}

// dialogEngine is the part of the engine the watch views use.
type dialogEngine interface {
	View(conversationID string) store.View
	Subscription(conversationID string) subscription.State
	LoadHistory(ctx context.Context, conversationID string) (bool, error)
	Approve(ctx context.Context, conversationID, requestID string) error
	Reject(ctx context.Context, conversationID, requestID string) error
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	conversationID := args[0]

	interactive := !watchLines && ux.IsTerminal(os.Stdin) && ux.IsTerminal(os.Stdout)
	a, err := newApp(ctx, settings, appOptions{
		Service:      "watch",
		QuietConsole: interactive,
		WithCache:    true,
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	a.watchToken(ctx)

	addr := watchMetricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		if err := serveMetrics(ctx, addr, a); err != nil {
			return err
		}
	}

	go func() {
		if err := a.push.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("Push client stopped", "error", err)
		}
	}()

	// Subscribe before Open so the first history page triggers a render.
	events, unsubscribe := watchEvents(a.engine, conversationID)
	defer unsubscribe()

	// A subscribe sent before the push connection is up is replayed on
	// connect; its ack starts the catch-up.
	if err := a.engine.Open(ctx, conversationID); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return fmt.Errorf("open conversation: %w", err)
	}
	a.engine.SetActive(conversationID)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = a.engine.Shutdown(shutdownCtx)
	}()

	if interactive {
		return runTUI(ctx, a.engine, conversationID, a.mode, events)
	}
	return runLines(ctx, a.engine, conversationID, ux.NewRenderer(a.mode, 0), events, cmd.OutOrStdout())
}

// watchEvents forwards engine events for one conversation into a channel
// that holds at most one pending signal; bursts collapse into one render.
func watchEvents(eng *engine.Engine, conversationID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	unsubscribe := eng.Subscribe(func(ev engine.Event) {
		if ev.ConversationID != conversationID {
			return
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch, unsubscribe
}

// serveMetrics exposes the runtime's registry at /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, a *app) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(a.registry))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", ln.Addr().String())
	return nil
}

// =============================================================================
// Line Mode
// =============================================================================

// linePrinter prints each message again whenever its rendering changes.
type linePrinter struct {
	out      io.Writer
	renderer *ux.Renderer
	printed  map[string]string
	header   string
}

func newLinePrinter(out io.Writer, renderer *ux.Renderer) *linePrinter {
	return &linePrinter{out: out, renderer: renderer, printed: make(map[string]string)}
}

// Print writes the header if the phase changed and every message whose
// rendering differs from what was last printed for its id.
func (p *linePrinter) Print(v store.View, phase string) error {
	if h := p.renderer.Header(v, phase); h != p.header {
		p.header = h
		if _, err := fmt.Fprintln(p.out, h); err != nil {
			return err
		}
	}
	for _, m := range v.Messages {
		text := p.renderer.Message(m)
		if p.printed[m.ID] == text {
			continue
		}
		p.printed[m.ID] = text
		if _, err := io.WriteString(p.out, text); err != nil {
			return err
		}
	}
	return nil
}

func runLines(ctx context.Context, eng dialogEngine, conversationID string, renderer *ux.Renderer, events <-chan struct{}, out io.Writer) error {
	p := newLinePrinter(out, renderer)
	for {
		if err := p.Print(eng.View(conversationID), phaseLabel(eng.Subscription(conversationID))); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-events:
		}
	}
}

func phaseLabel(s subscription.State) string {
	if s.Subscribed && !s.Connected {
		return "offline"
	}
	return s.Phase.String()
}
