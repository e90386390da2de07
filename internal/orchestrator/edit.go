package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
)

// EditRequest replaces the first literal occurrence of Find with Replace in
// the base branch copy of Path.
type EditRequest struct {
	Path    string `json:"path"`
	Find    string `json:"find"`
	Replace string `json:"replace"`
	Message string `json:"message,omitempty"`
}

// EditFile applies req to the base branch content of an allow-listed path
// and opens the result as a single-file change.
func (o *Orchestrator) EditFile(ctx context.Context, req EditRequest) (*OpenedChange, error) {
	const op = "edit_file"
	ctx, span := o.tracer.Start(ctx, "orchestrator.edit_file")
	defer span.End()

	p, err := CleanPath(op, req.Path)
	if err != nil {
		return nil, fail(span, err)
	}
	if !o.editing.Allowed(p) {
		return nil, fail(span, apperr.Validation(op, "path %q is not editable (allowed: %s)",
			p, strings.Join(o.editing.Patterns(), ", ")))
	}
	if req.Find == "" {
		return nil, fail(span, apperr.Validation(op, "find text is required"))
	}

	current, err := o.host.GetFile(ctx, p, o.baseBranch)
	if err != nil {
		return nil, fail(span, fmt.Errorf("reading %s on %s: %w", p, o.baseBranch, err))
	}
	if !strings.Contains(current.Content, req.Find) {
		return nil, fail(span, apperr.Validation(op, "find text not present in %s", p))
	}
	updated := strings.Replace(current.Content, req.Find, req.Replace, 1)
	if updated == current.Content {
		return nil, fail(span, apperr.Validation(op, "replacement leaves %s unchanged", p))
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = "autopilot edit: " + p
	}
	opened, err := o.OpenChange(ctx, ChangeRequest{
		BranchName:    "edit",
		CommitMessage: message,
		Body:          fmt.Sprintf("Edits `%s`.", p),
		Files:         []FileChange{{Path: p, Content: updated}},
	})
	if err != nil {
		return opened, fail(span, err)
	}
	return opened, nil
}

// Autopilot asks the drafter for a Markdown plan for task and opens it as a
// change writing docs/autopilot/<stamp>.md.
func (o *Orchestrator) Autopilot(ctx context.Context, task string) (*OpenedChange, error) {
	const op = "autopilot"
	ctx, span := o.tracer.Start(ctx, "orchestrator.autopilot")
	defer span.End()

	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fail(span, apperr.Validation(op, "task is required"))
	}
	if o.drafter == nil {
		return nil, fail(span, apperr.New(apperr.KindResourceState, op, "no drafter configured"))
	}

	content, err := o.drafter.Draft(ctx, task)
	if err != nil {
		return nil, fail(span, err)
	}

	stamp := o.clock.Now().UTC().Format("20060102-150405")
	target := "docs/autopilot/" + stamp + ".md"
	opened, err := o.OpenChange(ctx, ChangeRequest{
		BranchName:    "autopilot",
		CommitMessage: "autopilot: " + firstLine(task),
		Title:         "Autopilot: " + firstLine(task),
		Body:          fmt.Sprintf("Task: %s\n\nGenerated: `%s`", task, target),
		Files:         []FileChange{{Path: target, Content: content}},
	})
	if err != nil {
		return opened, fail(span, err)
	}
	return opened, nil
}

// firstLine returns the first line of s, capped for use in a commit subject.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > 72 {
		s = string(r[:72])
	}
	return s
}
