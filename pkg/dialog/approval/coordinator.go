// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval handles human approve/reject decisions on approval
// requests.
//
// # Description
//
// A decision is sent to the server first. Only after the server accepts it
// is the status recorded in the conversation's StatusMap and propagated to
// the live message and every finalized message carrying the request. A
// failed call changes nothing and surfaces an *ActionError the caller may
// retry.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
)

var tracer = otel.Tracer("chatsync.dialog.approval")

// =============================================================================
// Interfaces
// =============================================================================

// Approver sends decisions to the server.
type Approver interface {
	Approve(ctx context.Context, requestID string) error
	Reject(ctx context.Context, requestID string) error
}

// Propagator pushes an accepted decision into the conversation's built
// messages.
type Propagator interface {
	PropagateApproval(conversationID, requestID string, status datatypes.ApprovalStatus)
}

// StatusSource returns the StatusMap of a conversation, creating it if
// needed.
type StatusSource func(conversationID string) *StatusMap

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrApprovalFailed is wrapped by every ActionError.
	ErrApprovalFailed = errors.New("approval action failed")

	// ErrAlreadyDecided is returned when the opposite decision was already
	// accepted for the request.
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// ActionError reports a rejected or failed decision call. State is
// unchanged, so the action may be retried.
type ActionError struct {
	RequestID string
	Decision  datatypes.ApprovalStatus
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrApprovalFailed, e.Decision, e.RequestID, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *ActionError) Unwrap() []error {
	return []error{ErrApprovalFailed, e.Err}
}

// Recoverable reports whether retrying may succeed.
func (e *ActionError) Recoverable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator serializes decisions per request and keeps them idempotent.
type Coordinator struct {
	approver   Approver
	propagator Propagator
	statuses   StatusSource
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight map[string]datatypes.ApprovalStatus
}

// NewCoordinator creates a Coordinator. metrics and logger may be nil.
func NewCoordinator(approver Approver, propagator Propagator, statuses StatusSource, metrics *observability.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		approver:   approver,
		propagator: propagator,
		statuses:   statuses,
		metrics:    metrics,
		logger:     logger,
		inFlight:   make(map[string]datatypes.ApprovalStatus),
	}
}

// Approve approves requestID in conversationID.
func (c *Coordinator) Approve(ctx context.Context, conversationID, requestID string) error {
	return c.decide(ctx, conversationID, requestID, datatypes.ApprovalApproved)
}

// Reject rejects requestID in conversationID.
func (c *Coordinator) Reject(ctx context.Context, conversationID, requestID string) error {
	return c.decide(ctx, conversationID, requestID, datatypes.ApprovalRejected)
}

// decide runs one decision.
//
// # Description
//
// Repeating an accepted decision, or issuing it while the same decision is
// in flight, is a no-op. The opposite of an accepted decision returns
// ErrAlreadyDecided. Otherwise the server call runs without any lock held;
// on success the status is recorded and propagated.
//
// # Outputs
//
//   - error: nil, ErrAlreadyDecided, or *ActionError.
func (c *Coordinator) decide(ctx context.Context, conversationID, requestID string, target datatypes.ApprovalStatus) error {
	ctx, span := tracer.Start(ctx, "approval.Decide",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("approval.request_id", requestID),
			attribute.String("approval.decision", string(target)),
		))
	defer span.End()

	statuses := c.statuses(conversationID)
	if cur, ok := statuses.Status(requestID); ok && cur.Decided() {
		if cur == target {
			c.metrics.RecordApproval(string(target), "noop")
			return nil
		}
		c.metrics.RecordApproval(string(target), "conflict")
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, requestID, cur)
	}

	key := conversationID + "/" + requestID
	c.mu.Lock()
	if pending, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		if pending == target {
			c.metrics.RecordApproval(string(target), "noop")
			return nil
		}
		return fmt.Errorf("%w: %s has a %s decision in flight", ErrAlreadyDecided, requestID, pending)
	}
	c.inFlight[key] = target
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}()

	var err error
	if target == datatypes.ApprovalApproved {
		err = c.approver.Approve(ctx, requestID)
	} else {
		err = c.approver.Reject(ctx, requestID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "approval call failed")
		c.metrics.RecordApproval(string(target), "error")
		c.logger.Warn("Approval call failed",
			"conversation_id", conversationID,
			"request_id", requestID,
			"decision", target,
			"error", err)
		return &ActionError{RequestID: requestID, Decision: target, Err: err}
	}

	statuses.Record(requestID, target)
	c.propagator.PropagateApproval(conversationID, requestID, target)
	c.metrics.RecordApproval(string(target), "ok")
	c.logger.Info("Approval decision accepted",
		"conversation_id", conversationID,
		"request_id", requestID,
		"decision", target)
	return nil
}
