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
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/chatsync/cmd/chatsync/config"
	"github.com/AleutianAI/chatsync/pkg/credentials"
	"github.com/AleutianAI/chatsync/pkg/dialog/cache"
	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/engine"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
	"github.com/AleutianAI/chatsync/pkg/dialog/transport"
	"github.com/AleutianAI/chatsync/pkg/logging"
	"github.com/AleutianAI/chatsync/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app holds everything one command invocation wires together.
type app struct {
	cfg      config.ChatsyncConfig
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tokens   *credentials.FileToken
	client   *transport.Client
	push     *transport.PushClient
	cache    *cache.Cache
	engine   *engine.Engine
	mode     ux.Mode

	closers []func(context.Context) error
}

// appOptions select the optional parts of an app.
type appOptions struct {
	// Service names the log file.
	Service string

	// QuietConsole keeps logs off the terminal, for the TUI.
	QuietConsole bool

	// WithCache opens the local history cache when enabled in config.
	WithCache bool
}

// newApp builds the logger, transports, cache and engine.
//
// # Description
//
// Tracing is installed from cfg.Telemetry. The push client is created but
// not started; callers that need live delivery run it. Close releases
// everything in reverse order.
func newApp(ctx context.Context, cfg config.ChatsyncConfig, opts appOptions) (*app, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: opts.Service,
		JSON:    cfg.Logging.JSON,
		Quiet:   opts.QuietConsole,
	})
	r := &app{cfg: cfg, logger: logger}
	r.closers = append(r.closers, func(context.Context) error { return logger.Close() })

	if err := r.build(ctx, opts); err != nil {
		_ = r.Close(context.Background())
		return nil, err
	}
	return r, nil
}

func (r *app) build(ctx context.Context, opts appOptions) error {
	log := r.logger.Slog()

	tracing := r.cfg.Telemetry
	if tracing.ServiceVersion == "" {
		tracing.ServiceVersion = version
	}
	shutdown, err := observability.InitTracing(ctx, tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	r.closers = append(r.closers, shutdown)

	r.registry = prometheus.NewRegistry()
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.metrics = observability.NewMetrics(r.registry)

	var tokens transport.TokenProvider
	if path := r.cfg.Server.TokenFile; path != "" {
		r.tokens, err = credentials.LoadFileToken(logging.ExpandPath(path), log)
		if err != nil {
			return err
		}
		tokens = r.tokens
	}

	r.client, err = transport.NewClient(transport.ClientConfig{
		BaseURL: r.cfg.Server.BaseURL,
		Timeout: r.cfg.Server.Timeout,
		Tokens:  tokens,
	}, log)
	if err != nil {
		return err
	}
	r.push = transport.NewPushClient(transport.PushConfig{
		URL:               r.cfg.Server.PushURL,
		Tokens:            tokens,
		ReconnectInterval: r.cfg.Server.ReconnectInterval,
	}, r.metrics, log)

	var msgCache engine.MessageCache
	if opts.WithCache && r.cfg.Cache.Enabled {
		cc := cache.DefaultConfig()
		cc.Path = logging.ExpandPath(r.cfg.Cache.Path)
		cc.Logger = log
		c, err := cache.Open(cc)
		if err != nil {
			// A second chatsync process holds the directory lock.
			log.Warn("History cache unavailable", "path", cc.Path, "error", err)
		} else {
			r.cache = c
			msgCache = c
			r.closers = append(r.closers, func(context.Context) error { return c.Close() })
		}
	}

	r.engine = engine.New(engine.Config{
		Channels:           channels(r.cfg.Channels),
		HistoryPageSize:    r.cfg.Engine.HistoryPageSize,
		AssistantName:      r.cfg.Engine.AssistantName,
		CatchUpOnReconnect: r.cfg.Engine.CatchUpOnReconnect,
		CatchUpTimeout:     r.cfg.Engine.CatchUpTimeout,
	}, engine.Deps{
		Chunks:   r.client,
		History:  r.client,
		Approver: r.client,
		Push:     r.push,
		Cache:    msgCache,
		Metrics:  r.metrics,
		Logger:   log,
	})
	r.push.SetHandler(r.engine.PushHandler())

	r.mode = outputMode(r.cfg.Display)
	return nil
}

// watchToken reloads a rotated token file until ctx is done.
func (r *app) watchToken(ctx context.Context) {
	if r.tokens == nil {
		return
	}
	go func() {
		if err := r.tokens.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("Token file watch stopped", "error", err)
		}
	}()
}

// Close releases resources in reverse order of acquisition.
func (r *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func channels(names []string) []datatypes.Channel {
	out := make([]datatypes.Channel, len(names))
	for i, n := range names {
		out[i] = datatypes.Channel(n)
	}
	return out
}

func outputMode(d config.DisplayConfig) ux.Mode {
	if d.Output == "" || d.Output == "auto" {
		return ux.DetectMode(os.Stdout, d.NoColor)
	}
	mode := ux.ParseMode(d.Output)
	if mode == ux.ModeRich && d.NoColor {
		return ux.ModePlain
	}
	return mode
}
