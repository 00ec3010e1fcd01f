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
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatsync/pkg/dialog/approval"
	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/store"
	"github.com/AleutianAI/chatsync/pkg/ux"
)

// ErrNotConfirmed is returned when the user declines the prompt.
var ErrNotConfirmed = errors.New("decision not confirmed")

var (
	decideYes bool

	approveCmd = &cobra.Command{
		Use:   "approve <conversation-id> <request-id>",
		Short: "Approve a pending command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(cmd, args[0], args[1], datatypes.ApprovalApproved)
		},
	}

	rejectCmd = &cobra.Command{
		Use:   "reject <conversation-id> <request-id>",
		Short: "Reject a pending command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(cmd, args[0], args[1], datatypes.ApprovalRejected)
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().BoolVarP(&decideYes, "yes", "y", false, "skip the confirmation prompt")
	}
}

// confirmFunc asks the user to confirm a decision.
type confirmFunc func(title, description string) (bool, error)

func huhConfirm(title, description string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	return ok, err
}

// statusPrinter records whether a decision was accepted by the server.
type statusPrinter struct {
	printed bool
}

func (p *statusPrinter) PropagateApproval(_, _ string, _ datatypes.ApprovalStatus) {
	p.printed = true
}

func runDecide(cmd *cobra.Command, conversationID, requestID string, decision datatypes.ApprovalStatus) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, settings, appOptions{Service: "approve"})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	var confirm confirmFunc
	if !decideYes {
		if !ux.IsTerminal(os.Stdin) {
			return fmt.Errorf("%w: stdin is not a terminal, pass --yes", ErrNotConfirmed)
		}
		confirm = huhConfirm
	}

	// The latest page usually holds the request; it is only used to show
	// the command in the prompt.
	var req *datatypes.ApprovalRequestSegment
	if _, err := a.engine.LoadHistory(ctx, conversationID); err == nil {
		req = findRequest(a.engine.View(conversationID), requestID)
	}

	return decide(ctx, a.client, conversationID, requestID, decision, req, confirm, a.logger.Slog(), cmd.OutOrStdout())
}

// decide confirms (when confirm is non-nil) and sends one decision through
// an approval.Coordinator.
func decide(ctx context.Context, approver approval.Approver, conversationID, requestID string, decision datatypes.ApprovalStatus, req *datatypes.ApprovalRequestSegment, confirm confirmFunc, logger *slog.Logger, out io.Writer) error {
	statuses := approval.NewStatusMap()
	if req != nil && req.Status.Decided() {
		statuses.Record(requestID, req.Status)
	}

	if confirm != nil {
		verb := "Approve"
		if decision == datatypes.ApprovalRejected {
			verb = "Reject"
		}
		description := "Request " + requestID
		if req != nil {
			description = "$ " + req.Command
			if req.Explanation != "" {
				description += "\n" + req.Explanation
			}
		}
		ok, err := confirm(fmt.Sprintf("%s request %s?", verb, requestID), description)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotConfirmed
		}
	}

	printer := &statusPrinter{}
	coord := approval.NewCoordinator(approver, printer,
		func(string) *approval.StatusMap { return statuses }, nil, logger)

	var err error
	if decision == datatypes.ApprovalApproved {
		err = coord.Approve(ctx, conversationID, requestID)
	} else {
		err = coord.Reject(ctx, conversationID, requestID)
	}
	if err != nil {
		return err
	}

	if printer.printed {
		fmt.Fprintf(out, "%s %s\n", requestID, decision)
	} else {
		fmt.Fprintf(out, "%s was already %s\n", requestID, decision)
	}
	return nil
}

func findRequest(v store.View, requestID string) *datatypes.ApprovalRequestSegment {
	for _, m := range v.Messages {
		for _, s := range m.Segments() {
			if r, ok := s.(datatypes.ApprovalRequestSegment); ok && r.RequestID == requestID {
				return &r
			}
		}
	}
	return nil
}
