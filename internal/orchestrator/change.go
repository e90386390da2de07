package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/sanitize"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
	"github.com/fyrsmithlabs/autopilot/internal/worktree"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FileChange is the full new content of one repository file.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ChangeRequest describes a change to open as a pull request.
type ChangeRequest struct {
	// BranchName is the readable part of the new branch. The branch is
	// "<BranchName>/<timestamp>-<random>". Empty uses the configured prefix.
	BranchName    string       `json:"branch_name,omitempty"`
	CommitMessage string       `json:"commit_message"`
	Title         string       `json:"title,omitempty"` // defaults to CommitMessage
	Body          string       `json:"body,omitempty"`
	Base          string       `json:"base,omitempty"` // defaults to the configured base branch
	Draft         bool         `json:"draft,omitempty"`
	Labels        []string     `json:"labels,omitempty"`
	Files         []FileChange `json:"files"`
}

// OpenedChange is the result of OpenChange. When the branch was pushed but
// the pull request could not be opened, Number is zero and the branch is
// left for the caller to reuse or abandon.
type OpenedChange struct {
	Branch  string   `json:"branch"`
	Base    string   `json:"base"`
	HeadSHA string   `json:"head_sha,omitempty"`
	Number  int      `json:"number,omitempty"`
	URL     string   `json:"url,omitempty"`
	Files   []string `json:"files"`
}

// OpenChange creates a branch from the current base head, commits files to
// it and opens a pull request. A single file is written through the host's
// contents API. Several files are committed in the working copy and pushed.
func (o *Orchestrator) OpenChange(ctx context.Context, req ChangeRequest) (*OpenedChange, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.open_change")
	defer span.End()

	files, err := o.validateChange(&req)
	if err != nil {
		return nil, fail(span, err)
	}

	base, err := o.host.GetRef(ctx, req.Base)
	if err != nil {
		return nil, fail(span, fmt.Errorf("reading base %s: %w", req.Base, err))
	}

	branch := o.newBranchName(req.BranchName)
	opened := &OpenedChange{Branch: branch, Base: req.Base, Files: make([]string, 0, len(files))}
	for _, f := range files {
		opened.Files = append(opened.Files, f.Path)
	}
	span.SetAttributes(
		attribute.String("change.branch", branch),
		attribute.Int("change.files", len(files)),
	)

	var created bool
	if len(files) == 1 {
		opened.HeadSHA, created, err = o.commitRemote(ctx, branch, base.SHA, req.CommitMessage, files[0])
	} else {
		opened.HeadSHA, created, err = o.commitLocal(ctx, branch, base.SHA, req.CommitMessage, files)
	}
	if err != nil {
		if created {
			o.logger.Warn(ctx, "branch left without a pull request", zap.String("branch", branch), zap.Error(err))
			return opened, fail(span, err)
		}
		return nil, fail(span, err)
	}

	title := req.Title
	if title == "" {
		title = req.CommitMessage
	}
	pr, err := o.host.CreatePR(ctx, vcs.NewPullRequest{
		Title: title,
		Body:  req.Body,
		Head:  branch,
		Base:  req.Base,
		Draft: req.Draft,
	})
	if err != nil {
		o.logger.Warn(ctx, "branch pushed but pull request not opened",
			zap.String("branch", branch), zap.Error(err))
		return opened, fail(span, fmt.Errorf("opening pull request for %s: %w", branch, err))
	}
	opened.Number = pr.Number
	opened.URL = pr.URL
	ctx = logging.WithChangeNumber(ctx, pr.Number)

	if len(req.Labels) > 0 {
		o.bestEffort(ctx, "add_labels", func() error {
			return o.host.AddLabels(ctx, pr.Number, req.Labels)
		})
	}

	o.logger.Info(ctx, "change opened",
		zap.String("branch", branch),
		zap.String("url", pr.URL),
		zap.Int("files", len(files)))
	o.publish(ctx, events.ChangeOpened, pr.Number, map[string]any{
		"branch": branch,
		"base":   req.Base,
		"url":    pr.URL,
		"files":  opened.Files,
	})
	return opened, nil
}

// validateChange applies defaults and rejects malformed or secret-bearing
// requests. It returns the files with cleaned paths.
func (o *Orchestrator) validateChange(req *ChangeRequest) ([]FileChange, error) {
	const op = "open_change"
	req.CommitMessage = strings.TrimSpace(req.CommitMessage)
	if req.CommitMessage == "" {
		return nil, apperr.Validation(op, "commit message is required")
	}
	if len(req.Files) == 0 {
		return nil, apperr.Validation(op, "at least one file is required")
	}
	if req.Base == "" {
		req.Base = o.baseBranch
	}

	files := make([]FileChange, 0, len(req.Files))
	contents := make(map[string]string, len(req.Files))
	for _, f := range req.Files {
		p, err := CleanPath(op, f.Path)
		if err != nil {
			return nil, err
		}
		if _, dup := contents[p]; dup {
			return nil, apperr.Validation(op, "path %q appears more than once", p)
		}
		contents[p] = f.Content
		files = append(files, FileChange{Path: p, Content: f.Content})
	}
	if err := o.guard.Guard(op, contents); err != nil {
		return nil, err
	}
	return files, nil
}

// commitRemote creates branch at baseSHA and writes one file through the
// contents API. created reports whether the remote branch exists.
func (o *Orchestrator) commitRemote(ctx context.Context, branch, baseSHA, message string, f FileChange) (sha string, created bool, err error) {
	if err := o.host.CreateRef(ctx, branch, baseSHA); err != nil {
		return "", false, fmt.Errorf("creating branch %s: %w", branch, err)
	}

	var blobSHA string
	existing, err := o.host.GetFile(ctx, f.Path, branch)
	switch {
	case err == nil:
		blobSHA = existing.SHA
	case apperr.IsKind(err, apperr.KindNotFound):
	default:
		return "", true, fmt.Errorf("reading %s on %s: %w", f.Path, branch, err)
	}

	sha, err = o.host.PutFile(ctx, vcs.PutFileRequest{
		Path:        f.Path,
		Content:     f.Content,
		Message:     message,
		Branch:      branch,
		SHA:         blobSHA,
		AuthorName:  o.authorName,
		AuthorEmail: o.authorEmail,
	})
	if err != nil {
		return "", true, fmt.Errorf("writing %s on %s: %w", f.Path, branch, err)
	}
	return sha, true, nil
}

// commitLocal commits files on a new local branch and pushes it.
func (o *Orchestrator) commitLocal(ctx context.Context, branch, baseSHA, message string, files []FileChange) (head string, pushed bool, err error) {
	const op = "open_change"
	err = o.withCheckout(ctx, op, func(co *worktree.Checkout) error {
		if err := co.Fetch(ctx); err != nil {
			return remote(op, err)
		}
		if err := co.CreateBranch(ctx, branch, baseSHA); err != nil {
			return local(op, err)
		}
		if err := o.stageAndCommit(ctx, co, message, files); err != nil {
			return err
		}
		st, err := co.Status(ctx)
		if err != nil {
			return local(op, err)
		}
		head = st.HeadSHA
		if err := co.Push(ctx, branch); err != nil {
			return remote(op, err)
		}
		pushed = true
		return nil
	})
	return head, pushed, err
}

// stageAndCommit writes files and commits them. On failure the written
// files are discarded so the original branch can be restored cleanly.
func (o *Orchestrator) stageAndCommit(ctx context.Context, co *worktree.Checkout, message string, files []FileChange) (err error) {
	const op = "open_change"
	paths := make([]string, 0, len(files))
	defer func() {
		if err == nil {
			return
		}
		if dErr := co.Discard(ctx, paths...); dErr != nil {
			o.logger.Error(ctx, "failed to discard uncommitted files", zap.Error(dErr))
		}
	}()

	for _, f := range files {
		if err := co.WriteFile(f.Path, f.Content); err != nil {
			return err
		}
		paths = append(paths, f.Path)
	}
	if err := co.Add(ctx, paths...); err != nil {
		return local(op, err)
	}
	staged, err := co.HasStaged(ctx)
	if err != nil {
		return local(op, err)
	}
	if !staged {
		return apperr.Validation(op, "files match the base branch, nothing to commit")
	}
	if err := co.Commit(ctx, message); err != nil {
		return local(op, err)
	}
	return nil
}

// newBranchName returns "<name>/<UTC timestamp>-<6 hex>".
func (o *Orchestrator) newBranchName(name string) string {
	name = sanitize.BranchComponent(name, o.branchPrefix)

	var suffix [3]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// Uniqueness then rests on the timestamp alone.
		suffix = [3]byte{}
	}
	return fmt.Sprintf("%s/%s-%s", name, o.clock.Now().UTC().Format("20060102-150405"), hex.EncodeToString(suffix[:]))
}
