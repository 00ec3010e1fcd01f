// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package transport talks to the dialog server.

# REST

Client covers the pull side:

	GET  {base}/api/v1/dialogs/conversations/{id}/chunks?channel=c&fromSequenceId=n
	GET  {base}/api/v1/dialogs/conversations/{id}/messages?cursor=c&limit=n
	POST {base}/api/v1/dialogs/approvals/{requestId}/approve
	POST {base}/api/v1/dialogs/approvals/{requestId}/reject

Every request carries an X-Request-ID, the trace context of the caller and,
when a TokenProvider is set, a bearer token. Non-2xx responses become
*HTTPError.

# Push

PushClient holds the WebSocket connection, replays subscriptions whenever
it (re)connects, and hands frames to a PushHandler.
*/
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4096

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrNotConnected is returned when a push frame cannot be sent because
// there is no live connection.
var ErrNotConnected = errors.New("push connection not established")

// HTTPError is a non-2xx response from the dialog server.
type HTTPError struct {
	// StatusCode is the HTTP status.
	StatusCode int

	// Body is the start of the response body.
	Body string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("dialog server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("dialog server returned status %d: %s", e.StatusCode, body)
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// TokenProvider supplies the bearer token for each request.
type TokenProvider interface {
	Token() (string, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. http://localhost:8088.
	BaseURL string

	// Timeout bounds each request. Defaults to 15s.
	Timeout time.Duration

	// Tokens is optional.
	Tokens TokenProvider

	// HTTPClient overrides the underlying client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is the REST client of the dialog server.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenProvider
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("parse server url: unsupported scheme %q", base.Scheme)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, http: hc, tokens: cfg.Tokens, logger: logger}, nil
}

// FetchChunks returns the recorded chunks of one channel, optionally only
// those with a sequence id of at least from.
func (c *Client) FetchChunks(ctx context.Context, conversationID string, channel datatypes.Channel, from *int64) ([]datatypes.Chunk, error) {
	q := url.Values{"channel": {string(channel)}}
	if from != nil {
		q.Set("fromSequenceId", strconv.FormatInt(*from, 10))
	}
	var chunks []datatypes.Chunk
	path := "/api/v1/dialogs/conversations/" + url.PathEscape(conversationID) + "/chunks"
	if err := c.do(ctx, http.MethodGet, path, q, &chunks); err != nil {
		return nil, fmt.Errorf("fetch %s chunks of %s: %w", channel, conversationID, err)
	}
	return chunks, nil
}

// FetchHistory returns one page of finalized messages, older than cursor.
// An empty cursor requests the newest page.
func (c *Client) FetchHistory(ctx context.Context, conversationID, cursor string, limit int) (datatypes.HistoryPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page datatypes.HistoryPage
	path := "/api/v1/dialogs/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, &page); err != nil {
		return datatypes.HistoryPage{}, fmt.Errorf("fetch history of %s: %w", conversationID, err)
	}
	return page, nil
}

// Approve approves an approval request.
func (c *Client) Approve(ctx context.Context, requestID string) error {
	return c.decide(ctx, requestID, "approve")
}

// Reject rejects an approval request.
func (c *Client) Reject(ctx context.Context, requestID string) error {
	return c.decide(ctx, requestID, "reject")
}

func (c *Client) decide(ctx context.Context, requestID, verb string) error {
	path := "/api/v1/dialogs/approvals/" + url.PathEscape(requestID) + "/" + verb
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("%s %s: %w", verb, requestID, err)
	}
	return nil
}

// do sends one request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := *c.base
	escaped := c.base.EscapedPath() + path
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return fmt.Errorf("build path: %w", err)
	}
	u.Path, u.RawPath = unescaped, escaped
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	observability.InjectContext(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("Dialog server request",
		"method", method,
		"path", u.Path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
