// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mockdialog is a development dialog server.
//
// # Description
//
// It speaks the same REST and WebSocket protocol chatsync consumes and
// plays scripted assistant turns, so the client can be exercised end to
// end without a real assistant backend.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /api/v1/dialogs/conversations/:id/chunks?channel=&fromSequenceId=
//	GET  /api/v1/dialogs/conversations/:id/messages?cursor=&limit=
//	POST /api/v1/dialogs/conversations/:id/prompt
//	POST /api/v1/dialogs/approvals/:requestId/approve
//	POST /api/v1/dialogs/approvals/:requestId/reject
//	GET  /ws
//
// # Thread Safety
//
// Server is safe for concurrent use. Turns of one conversation play one
// at a time, in the order they were posted.
package mockdialog

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
	"github.com/AleutianAI/chatsync/pkg/dialog/transport"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Server.
type Config struct {
	// Token, when set, is required as a bearer token on every API call.
	Token string

	// StepDelay separates the chunks of a played turn.
	StepDelay time.Duration

	// AckDelay postpones subscribe acknowledgements.
	AckDelay time.Duration

	// ServiceName labels request spans. Defaults to "mockdialog".
	ServiceName string

	Logger *slog.Logger

	// Now overrides the clock used for message timestamps.
	Now func() time.Time
}

// =============================================================================
// Request and Response Types
// =============================================================================

// PromptRequest posts a user message and the assistant turn answering it.
type PromptRequest struct {
	Text        string `json:"text" binding:"required"`
	DisplayName string `json:"displayName,omitempty"`

	// Turn is the scripted reply. When nil, DefaultTurn(Text) plays.
	Turn *Turn `json:"turn,omitempty"`
}

// PromptResponse identifies the created messages.
type PromptResponse struct {
	UserMessageID      string `json:"userMessageId"`
	AssistantMessageID string `json:"assistantMessageId"`
}

// =============================================================================
// Server
// =============================================================================

// Server is the mock dialog server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
	hub      *hub
	dialogs  *Dialogs

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	queueMu sync.Mutex
	queues  map[string]*sync.Mutex
}

// New creates a Server with its routes installed.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mockdialog"
	}
	h := newHub(cfg.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub:     h,
		dialogs: newDialogs(h, cfg.Now),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*sync.Mutex),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.ServiceName))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.hub.connections()})
	})
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler(nil)))

	api := router.Group("/api/v1/dialogs", s.requireToken())
	api.GET("/conversations/:id/chunks", s.handleChunks)
	api.GET("/conversations/:id/messages", s.handleMessages)
	api.POST("/conversations/:id/prompt", s.handlePrompt)
	api.POST("/approvals/:requestId/approve", s.handleDecision(true))
	api.POST("/approvals/:requestId/reject", s.handleDecision(false))

	router.GET("/ws", s.requireToken(), s.handlePush)
	return router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Dialogs exposes the conversation state, for seeding and tests.
func (s *Server) Dialogs() *Dialogs {
	return s.dialogs
}

// DisconnectAll drops every push connection.
func (s *Server) DisconnectAll() int {
	return s.hub.disconnectAll()
}

// Close stops turns still playing and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.turns.Wait()
	s.hub.disconnectAll()
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Mock dialog server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	}
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || got != s.cfg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleChunks(c *gin.Context) {
	channel := datatypes.Channel(c.DefaultQuery("channel", string(datatypes.ChannelClient)))
	var from *int64
	if raw := c.Query("fromSequenceId"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fromSequenceId must be a non-negative integer"})
			return
		}
		from = &n
	}
	c.JSON(http.StatusOK, s.dialogs.Chunks(c.Param("id"), channel, from))
}

func (s *Server) handleMessages(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	page, err := s.dialogs.History(c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handlePrompt(c *gin.Context) {
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conversationID := c.Param("id")

	turn := DefaultTurn(req.Text)
	if req.Turn != nil {
		turn = *req.Turn
	}
	if turn.MessageID == "" {
		turn.MessageID = uuid.NewString()
	}

	user := s.dialogs.AddUserMessage(conversationID, uuid.NewString(), req.DisplayName, req.Text)
	s.logger.Info("Prompt received",
		"conversation_id", conversationID,
		"message_id", turn.MessageID,
		"steps", len(turn.Steps))

	s.enqueue(conversationID, turn)
	c.JSON(http.StatusAccepted, PromptResponse{UserMessageID: user.ID, AssistantMessageID: turn.MessageID})
}

// enqueue plays turn after every earlier turn of the conversation.
func (s *Server) enqueue(conversationID string, turn Turn) {
	s.queueMu.Lock()
	q, ok := s.queues[conversationID]
	if !ok {
		q = &sync.Mutex{}
		s.queues[conversationID] = q
	}
	s.queueMu.Unlock()

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		q.Lock()
		defer q.Unlock()
		if _, err := s.dialogs.Play(s.ctx, conversationID, turn, s.cfg.StepDelay); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Turn aborted", "conversation_id", conversationID, "error", err)
		}
	}()
}

func (s *Server) handleDecision(approved bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Param("requestId")
		err := s.dialogs.Decide(requestID, approved)
		switch {
		case errors.Is(err, ErrUnknownRequest):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, ErrDecided):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			s.logger.Info("Approval decided", "request_id", requestID, "approved", approved)
			c.JSON(http.StatusOK, gin.H{"requestId": requestID, "approved": approved})
		}
	}
}

func (s *Server) handlePush(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	cl := s.hub.add(ws)
	defer s.hub.remove(cl)
	s.logger.Info("Push client connected", "remote", c.Request.RemoteAddr)

	for {
		var f transport.ClientFrame
		if err := ws.ReadJSON(&f); err != nil {
			s.logger.Info("Push client disconnected", "error", err.Error())
			return
		}
		switch f.Action {
		case transport.ActionSubscribe:
			s.hub.subscribe(cl, f.ConversationID, f.Channels)
			if s.cfg.AckDelay > 0 {
				time.Sleep(s.cfg.AckDelay)
			}
			err = cl.send(transport.ServerFrame{Event: transport.EventSubscribed, ConversationID: f.ConversationID})
		case transport.ActionUnsubscribe:
			s.hub.unsubscribe(cl, f.ConversationID)
		default:
			err = cl.send(transport.ServerFrame{Event: transport.EventError, Message: "unknown action " + strconv.Quote(f.Action)})
		}
		if err != nil {
			return
		}
	}
}
