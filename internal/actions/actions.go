// Package actions holds the executors the pipeline runs for approved
// proposals.
//
// merge and edit act on the repository through the orchestrator. reply,
// archive, label and delete belong to external systems (mail and lead
// handlers); they are handed over as action.requested events and the
// handover itself is the execution.
package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/clock"
	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/pae"
	"github.com/fyrsmithlabs/autopilot/internal/proposal"
)

// Changes is the part of the orchestrator the executors use.
type Changes interface {
	OpenChange(ctx context.Context, req orchestrator.ChangeRequest) (*orchestrator.OpenedChange, error)
	MergeChange(ctx context.Context, number int, opts orchestrator.MergeOptions) (*orchestrator.MergeResult, error)
}

// Options returns pipeline options registering an executor for every action
// kind. changes may be nil, in which case merge and edit stay unregistered
// and executing them records an internal error.
func Options(changes Changes, pub events.Publisher, clk clock.Clock) []pae.Option {
	dispatch := Dispatch(pub, clk)
	opts := []pae.Option{
		pae.WithExecutor(proposal.ActionReply, dispatch),
		pae.WithExecutor(proposal.ActionArchive, dispatch),
		pae.WithExecutor(proposal.ActionLabel, dispatch),
		pae.WithExecutor(proposal.ActionDelete, dispatch),
	}
	if changes != nil {
		opts = append(opts,
			pae.WithExecutor(proposal.ActionMerge, Merge(changes)),
			pae.WithExecutor(proposal.ActionEdit, Edit(changes)),
		)
	}
	return opts
}

// ParsePRNumber reads a pull request number from "pr:<n>", "#<n>" or "<n>".
func ParsePRNumber(subject string) (int, error) {
	s := strings.TrimSpace(subject)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "pr:"), "#")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, apperr.Validation("parse_subject", "subject %q does not name a pull request", subject)
	}
	return n, nil
}

// Merge squash-merges the pull request named by the proposal subject.
func Merge(changes Changes) pae.Executor {
	return pae.ExecutorFunc(func(ctx context.Context, rec *proposal.Record) (*pae.Outcome, error) {
		number, err := ParsePRNumber(rec.Proposal.SubjectRef)
		if err != nil {
			return nil, err
		}
		res, err := changes.MergeChange(ctx, number, orchestrator.MergeOptions{Method: "squash"})
		if err != nil {
			return nil, err
		}
		return &pae.Outcome{
			Summary: fmt.Sprintf("merged pull request #%d", number),
			Details: map[string]any{
				"number":         res.Number,
				"sha":            res.SHA,
				"branch_deleted": res.BranchDeleted,
			},
		}, nil
	})
}

// Edit opens a change replacing the file named by the proposal subject with
// the effective draft.
func Edit(changes Changes) pae.Executor {
	return pae.ExecutorFunc(func(ctx context.Context, rec *proposal.Record) (*pae.Outcome, error) {
		content := rec.EffectiveDraft()
		if strings.TrimSpace(content) == "" {
			return nil, apperr.Validation("edit_action", "proposal %s has no draft content", rec.Proposal.ID)
		}
		message := subjectLine(rec.Proposal.Rationale)
		if message == "" {
			message = "autopilot edit: " + rec.Proposal.SubjectRef
		}

		opened, err := changes.OpenChange(ctx, orchestrator.ChangeRequest{
			BranchName:    "proposal",
			CommitMessage: message,
			Body:          fmt.Sprintf("Proposal `%s`\n\n%s", rec.Proposal.ID, rec.Proposal.Rationale),
			Files:         []orchestrator.FileChange{{Path: rec.Proposal.SubjectRef, Content: content}},
		})
		if err != nil {
			return nil, err
		}
		return &pae.Outcome{
			Summary: fmt.Sprintf("opened pull request #%d", opened.Number),
			Details: map[string]any{
				"number": opened.Number,
				"url":    opened.URL,
				"branch": opened.Branch,
			},
		}, nil
	})
}

// Dispatch publishes an action.requested event for the owning system.
// A publish failure fails the execution.
func Dispatch(pub events.Publisher, clk clock.Clock) pae.Executor {
	if clk == nil {
		clk = clock.Real{}
	}
	return pae.ExecutorFunc(func(ctx context.Context, rec *proposal.Record) (*pae.Outcome, error) {
		if pub == nil {
			return nil, apperr.New(apperr.KindInternal, "dispatch_action", "no event publisher configured")
		}
		p := rec.Proposal
		data := map[string]any{
			"action":      string(p.ActionKind),
			"subject_ref": p.SubjectRef,
			"rationale":   p.Rationale,
			"draft":       rec.EffectiveDraft(),
		}
		if rec.Approval != nil && rec.Approval.DeciderID != "" {
			data["decider_id"] = rec.Approval.DeciderID
		}
		err := pub.Publish(ctx, events.Event{
			Type:       events.ActionRequested,
			ID:         p.ID,
			OccurredAt: clk.Now(),
			Data:       data,
		})
		if err != nil {
			return nil, apperr.Wrapf(apperr.KindRemoteError, "dispatch_action", err, "handing %s to its owner", p.ActionKind)
		}
		return &pae.Outcome{Summary: fmt.Sprintf("dispatched %s for %s", p.ActionKind, p.SubjectRef)}, nil
	})
}

func subjectLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > 72 {
		s = string(r[:72])
	}
	return s
}
