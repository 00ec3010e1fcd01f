// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command mockdialog runs a scripted dialog server for local development.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
	"github.com/AleutianAI/chatsync/pkg/logging"
	"github.com/AleutianAI/chatsync/services/mockdialog"
)

var version = "dev"

var (
	addr         string
	token        string
	stepDelay    time.Duration
	ackDelay     time.Duration
	demo         bool
	logLevel     string
	traceExport  string
	otlpEndpoint string

	rootCmd = &cobra.Command{
		Use:           "mockdialog",
		Short:         "Serve scripted dialog conversations over REST and WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVar(&addr, "addr", ":8088", "listen address")
	f.StringVar(&token, "token", os.Getenv("MOCKDIALOG_TOKEN"), "required bearer token (empty disables auth)")
	f.DurationVar(&stepDelay, "delay", 150*time.Millisecond, "delay between streamed chunks")
	f.DurationVar(&ackDelay, "ack-delay", 0, "delay before acknowledging a subscribe")
	f.BoolVar(&demo, "demo", false, "seed the \"demo\" conversation")
	f.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&traceExport, "trace-exporter", "none", "none, stdout or otlp")
	f.StringVar(&otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP gRPC endpoint")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: level, Service: "mockdialog"})
	defer logger.Close()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "mockdialog",
		ServiceVersion: version,
		Exporter:       traceExport,
		OTLPEndpoint:   otlpEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Trace flush failed", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := mockdialog.New(mockdialog.Config{
		Token:     token,
		StepDelay: stepDelay,
		AckDelay:  ackDelay,
		Logger:    logger.Slog(),
	})
	if demo {
		go seedDemo(ctx, srv, logger)
	}

	if err := srv.Run(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// seedDemo plays a finished exchange and then one that waits for an
// approval.
func seedDemo(ctx context.Context, srv *mockdialog.Server, logger *logging.Logger) {
	const conv = "demo"
	d := srv.Dialogs()

	d.AddUserMessage(conv, "demo-u1", "you", "What is in the build directory?")
	if _, err := d.Play(ctx, conv, mockdialog.Turn{Steps: []mockdialog.Step{
		{Text: "Let me look."},
		{Tool: &mockdialog.ToolStep{
			Tool: "fs", Function: "list",
			Parameters: map[string]any{"path": "build/"},
			Result:     "app\napp.sym\nassets/",
		}},
		{Text: " It holds the binary, its symbols and the assets folder."},
	}}, 0); err != nil {
		logger.Warn("Demo seed failed", "error", err)
		return
	}

	d.AddUserMessage(conv, "demo-u2", "you", "Clean it up.")
	if _, err := d.Play(ctx, conv, mockdialog.Turn{Steps: []mockdialog.Step{
		{Text: "This deletes the build output."},
		{Approval: &mockdialog.ApprovalStep{
			RequestID:   "demo-clean",
			Command:     "rm -rf build/",
			Explanation: "Removes every generated file under build/.",
			OnReject:    " Left build/ untouched.",
		}},
		{Tool: &mockdialog.ToolStep{
			Tool: "shell", Function: "exec",
			Parameters: map[string]any{"cmd": "rm -rf build/"},
		}},
		{Text: " Done, build/ is gone."},
	}}, stepDelay); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Demo turn aborted", "error", err)
	}
}
