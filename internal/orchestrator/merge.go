package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
	"github.com/fyrsmithlabs/autopilot/internal/worktree"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MergeOptions configures MergeChange.
type MergeOptions struct {
	// Method is squash (default), merge or rebase.
	Method      string `json:"method,omitempty"`
	CommitTitle string `json:"commit_title,omitempty"`
	// Wait polls readiness first with the configured poll options. A timed
	// out poll still attempts the merge.
	Wait bool `json:"wait,omitempty"`
}

// MergeResult is the result of MergeChange.
type MergeResult struct {
	Number        int       `json:"number"`
	Merged        bool      `json:"merged"`
	Method        string    `json:"method"`
	SHA           string    `json:"sha"`
	HeadBranch    string    `json:"head_branch"`
	HeadSHA       string    `json:"head_sha"`
	Readiness     Readiness `json:"readiness"`
	BranchDeleted bool      `json:"branch_deleted"`
}

// MergeChange merges pull request number on the host. Draft and blocked
// pull requests are refused with not_mergeable. A conflict reported by the
// host is returned as merge_conflict and never retried. The head branch is
// deleted afterwards on a best-effort basis.
func (o *Orchestrator) MergeChange(ctx context.Context, number int, opts MergeOptions) (res *MergeResult, err error) {
	const op = "merge_change"
	ctx, span := o.tracer.Start(ctx, "orchestrator.merge_change")
	defer span.End()
	ctx = logging.WithChangeNumber(ctx, number)
	defer func() {
		if err != nil && !apperr.IsKind(err, apperr.KindValidation) {
			o.metrics.Merged(metrics.PathRemote, err)
		}
	}()

	if err := requireNumber(op, number); err != nil {
		return nil, fail(span, err)
	}
	method := strings.ToLower(strings.TrimSpace(opts.Method))
	switch method {
	case "":
		method = vcs.MergeMethodSquash
	case vcs.MergeMethodSquash, vcs.MergeMethodMerge, vcs.MergeMethodRebase:
	default:
		return nil, fail(span, apperr.Validation(op, "unknown merge method %q", opts.Method))
	}

	if opts.Wait {
		if _, err := o.WaitForReadiness(ctx, number, PollOptions{}); err != nil {
			return nil, fail(span, err)
		}
	}
	pr, err := o.host.GetPR(ctx, number)
	if err != nil {
		return nil, fail(span, err)
	}
	readiness := Classify(pr)
	span.SetAttributes(attribute.String("readiness", string(readiness)))
	if readiness == ReadinessDraft || readiness == ReadinessBlocked {
		return nil, fail(span, apperr.New(apperr.KindNotMergeable, op,
			"pull request #%d is %s (mergeable_state %q)", number, readiness, pr.MergeableState))
	}

	merged, err := o.host.MergePR(ctx, number, method, opts.CommitTitle)
	if err != nil {
		o.logger.Warn(ctx, "remote merge failed", zap.String("method", method), zap.Error(err))
		return nil, fail(span, err)
	}

	res = &MergeResult{
		Number:     number,
		Merged:     merged.Merged,
		Method:     method,
		SHA:        merged.SHA,
		HeadBranch: pr.HeadBranch,
		HeadSHA:    pr.HeadSHA,
		Readiness:  readiness,
	}
	if !merged.Merged {
		return nil, fail(span, apperr.New(apperr.KindMergeConflict, op,
			"host did not merge pull request #%d: %s", number, merged.Message))
	}
	if pr.HeadBranch != "" {
		res.BranchDeleted = o.bestEffort(ctx, "delete_head_branch", func() error {
			return o.host.DeleteRef(ctx, pr.HeadBranch)
		})
	}

	o.metrics.Merged(metrics.PathRemote, nil)
	o.logger.Info(ctx, "change merged",
		zap.String("method", method),
		zap.String("sha", merged.SHA),
		zap.Bool("branch_deleted", res.BranchDeleted))
	o.publish(ctx, events.ChangeMerged, number, map[string]any{
		"path":   metrics.PathRemote,
		"method": method,
		"sha":    merged.SHA,
	})
	return res, nil
}

// Conflict preferences for BringBaseIntoChange.
const (
	PreferOurs   = "ours"
	PreferTheirs = "theirs"
)

// BaseMergeResult is the result of BringBaseIntoChange.
type BaseMergeResult struct {
	Number   int    `json:"number"`
	Head     string `json:"head"`
	Base     string `json:"base"`
	Strategy string `json:"strategy"`
	HeadSHA  string `json:"head_sha"`
}

// BringBaseIntoChange merges the base branch of pull request number into its
// head branch in the working copy, resolving conflicting hunks in favour of
// preference, and pushes the head branch. When the merge cannot complete it
// is aborted and merge_conflicts_unresolved is returned; nothing is pushed.
func (o *Orchestrator) BringBaseIntoChange(ctx context.Context, number int, preference string) (*BaseMergeResult, error) {
	const op = "bring_base_into_change"
	ctx, span := o.tracer.Start(ctx, "orchestrator.bring_base_into_change")
	defer span.End()
	ctx = logging.WithChangeNumber(ctx, number)

	if err := requireNumber(op, number); err != nil {
		return nil, fail(span, err)
	}
	preference = strings.ToLower(strings.TrimSpace(preference))
	if preference == "" {
		preference = PreferOurs
	}
	if preference != PreferOurs && preference != PreferTheirs {
		return nil, fail(span, apperr.Validation(op, "strategy must be %q or %q, got %q", PreferOurs, PreferTheirs, preference))
	}

	pr, err := o.host.GetPR(ctx, number)
	if err != nil {
		return nil, fail(span, err)
	}
	res := &BaseMergeResult{Number: number, Head: pr.HeadBranch, Base: pr.BaseBranch, Strategy: preference}

	err = o.withCheckout(ctx, op, func(co *worktree.Checkout) error {
		remoteName := o.repo.Remote()
		if err := co.Fetch(ctx); err != nil {
			return remote(op, err)
		}
		if err := co.CreateBranch(ctx, pr.HeadBranch, remoteName+"/"+pr.HeadBranch); err != nil {
			return local(op, err)
		}
		message := fmt.Sprintf("Merge %s into %s", pr.BaseBranch, pr.HeadBranch)
		if err := co.Merge(ctx, remoteName+"/"+pr.BaseBranch, preference, message); err != nil {
			cause := apperr.Wrapf(apperr.KindMergeConflictsUnresolved, op, err,
				"merging %s into %s with -X %s", pr.BaseBranch, pr.HeadBranch, preference)
			return o.abortMerge(ctx, co, cause)
		}
		st, err := co.Status(ctx)
		if err != nil {
			return local(op, err)
		}
		res.HeadSHA = st.HeadSHA
		if err := co.Push(ctx, pr.HeadBranch); err != nil {
			return remote(op, err)
		}
		return nil
	})
	if err != nil {
		o.logger.Warn(ctx, "base merge failed", zap.String("strategy", preference), zap.Error(err))
		return nil, fail(span, err)
	}

	o.logger.Info(ctx, "base merged into change",
		zap.String("head", pr.HeadBranch),
		zap.String("base", pr.BaseBranch),
		zap.String("strategy", preference))
	return res, nil
}

// SquashResult is the result of AdminSquashMerge.
type SquashResult struct {
	Number        int    `json:"number"`
	Base          string `json:"base"`
	Head          string `json:"head"`
	CommitSHA     string `json:"commit_sha"`
	Staged        bool   `json:"staged"`
	Closed        bool   `json:"closed"`
	BranchDeleted bool   `json:"branch_deleted"`
}

// AdminSquashMerge squashes the head branch of pull request number onto its
// base branch in the working copy and pushes the base branch directly. It is
// the fallback when the host refuses to merge. A squash that stages nothing
// is not an error: the base already contains the change. The pull request
// is then closed and its branch deleted on a best-effort basis, whether or
// not anything was committed.
func (o *Orchestrator) AdminSquashMerge(ctx context.Context, number int) (res *SquashResult, err error) {
	const op = "admin_squash_merge"
	ctx, span := o.tracer.Start(ctx, "orchestrator.admin_squash_merge")
	defer span.End()
	ctx = logging.WithChangeNumber(ctx, number)
	defer func() {
		if err != nil && !apperr.IsKind(err, apperr.KindValidation) {
			o.metrics.Merged(metrics.PathAdminSquash, err)
		}
	}()

	if err := requireNumber(op, number); err != nil {
		return nil, fail(span, err)
	}
	pr, err := o.host.GetPR(ctx, number)
	if err != nil {
		return nil, fail(span, err)
	}
	title := pr.Title
	if title == "" {
		title = fmt.Sprintf("PR #%d", number)
	}
	res = &SquashResult{Number: number, Base: pr.BaseBranch, Head: pr.HeadBranch}

	err = o.withCheckout(ctx, op, func(co *worktree.Checkout) error {
		remoteName := o.repo.Remote()
		if err := co.Fetch(ctx); err != nil {
			return remote(op, err)
		}
		if err := co.SwitchTracking(ctx, pr.BaseBranch); err != nil {
			return local(op, err)
		}
		if err := co.Pull(ctx, pr.BaseBranch); err != nil {
			return o.abortMerge(ctx, co, remote(op, err))
		}
		if err := co.MergeSquash(ctx, remoteName+"/"+pr.HeadBranch); err != nil {
			cause := apperr.Wrapf(apperr.KindMergeConflict, op, err,
				"squashing %s onto %s", pr.HeadBranch, pr.BaseBranch)
			return o.abortMerge(ctx, co, cause)
		}
		if err := co.AddAll(ctx); err != nil {
			return o.abortMerge(ctx, co, local(op, err))
		}
		staged, err := co.HasStaged(ctx)
		if err != nil {
			return o.abortMerge(ctx, co, local(op, err))
		}
		res.Staged = staged
		if staged {
			msg := fmt.Sprintf("admin squash-merge: %s (#%d)", title, number)
			if err := co.Commit(ctx, msg); err != nil {
				return o.abortMerge(ctx, co, local(op, err))
			}
		}
		if err := co.Push(ctx, pr.BaseBranch); err != nil {
			return remote(op, err)
		}
		st, err := co.Status(ctx)
		if err != nil {
			return local(op, err)
		}
		res.CommitSHA = st.HeadSHA
		return nil
	})
	if err != nil {
		o.logger.Warn(ctx, "admin squash merge failed", zap.Error(err))
		return nil, fail(span, err)
	}

	res.Closed = o.bestEffort(ctx, "close_pull_request", func() error {
		return o.host.ClosePR(ctx, number)
	})
	if pr.HeadBranch != "" {
		res.BranchDeleted = o.bestEffort(ctx, "delete_head_branch", func() error {
			return o.host.DeleteRef(ctx, pr.HeadBranch)
		})
	}

	o.metrics.Merged(metrics.PathAdminSquash, nil)
	o.logger.Info(ctx, "change squash-merged locally",
		zap.String("base", pr.BaseBranch),
		zap.String("sha", res.CommitSHA),
		zap.Bool("staged", res.Staged))
	o.publish(ctx, events.ChangeMerged, number, map[string]any{
		"path":   metrics.PathAdminSquash,
		"method": vcs.MergeMethodSquash,
		"sha":    res.CommitSHA,
		"staged": res.Staged,
	})
	return res, nil
}

// UpdateBranch asks the host to merge the base branch into the head branch
// of pull request number.
func (o *Orchestrator) UpdateBranch(ctx context.Context, number int) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.update_branch")
	defer span.End()
	ctx = logging.WithChangeNumber(ctx, number)

	if err := requireNumber("update_branch", number); err != nil {
		return fail(span, err)
	}
	if err := o.host.UpdateBranch(ctx, number); err != nil {
		return fail(span, err)
	}
	o.logger.Info(ctx, "branch update requested")
	return nil
}

// MaxRequiredApprovals is the highest review count the host accepts.
const MaxRequiredApprovals = 6

// UpdateBranchApprovalPolicy sets the number of approving reviews required
// on branch and returns the count the host now enforces. Setting the same
// count again is a no-op on the host.
func (o *Orchestrator) UpdateBranchApprovalPolicy(ctx context.Context, branch string, required int) (int, error) {
	const op = "update_branch_approval_policy"
	ctx, span := o.tracer.Start(ctx, "orchestrator.update_branch_approval_policy")
	defer span.End()

	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = o.baseBranch
	}
	if required < 0 || required > MaxRequiredApprovals {
		return 0, fail(span, apperr.Validation(op, "required approvals must be between 0 and %d, got %d", MaxRequiredApprovals, required))
	}

	count, err := o.host.UpdateReviewProtection(ctx, branch, required)
	if err != nil {
		return 0, fail(span, err)
	}
	o.logger.Info(ctx, "branch approval policy updated",
		zap.String("branch", branch), zap.Int("required_approvals", count))
	return count, nil
}
