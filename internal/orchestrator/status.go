package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
	"go.uber.org/zap"
)

// ChangeStatus is a snapshot of a pull request and the signals that decide
// whether it can merge.
type ChangeStatus struct {
	Number             int                `json:"number"`
	Title              string             `json:"title"`
	URL                string             `json:"url"`
	State              string             `json:"state"`
	Draft              bool               `json:"draft"`
	Merged             bool               `json:"merged"`
	Mergeable          *bool              `json:"mergeable"`
	MergeableState     string             `json:"mergeable_state"`
	Readiness          Readiness          `json:"readiness"`
	HeadBranch         string             `json:"head_branch"`
	HeadSHA            string             `json:"head_sha"`
	BaseBranch         string             `json:"base_branch"`
	RequestedReviewers []string           `json:"requested_reviewers"`
	Approvals          int                `json:"approvals"`
	Reviews            []vcs.Review       `json:"reviews"`
	Checks             []vcs.CheckRun     `json:"checks"`
	Statuses           []vcs.CommitStatus `json:"statuses"`
}

// Status reads pull request number once. Reviews, check runs and commit
// statuses are best-effort: a failure to read them leaves the list empty.
func (o *Orchestrator) Status(ctx context.Context, number int) (*ChangeStatus, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.status")
	defer span.End()
	ctx = logging.WithChangeNumber(ctx, number)

	if err := requireNumber("status", number); err != nil {
		return nil, fail(span, err)
	}
	pr, err := o.host.GetPR(ctx, number)
	if err != nil {
		return nil, fail(span, err)
	}

	st := &ChangeStatus{
		Number:             pr.Number,
		Title:              pr.Title,
		URL:                pr.URL,
		State:              pr.State,
		Draft:              pr.Draft,
		Merged:             pr.Merged,
		Mergeable:          pr.Mergeable,
		MergeableState:     pr.MergeableState,
		Readiness:          Classify(pr),
		HeadBranch:         pr.HeadBranch,
		HeadSHA:            pr.HeadSHA,
		BaseBranch:         pr.BaseBranch,
		RequestedReviewers: append([]string{}, pr.RequestedReviewers...),
		Reviews:            []vcs.Review{},
		Checks:             []vcs.CheckRun{},
		Statuses:           []vcs.CommitStatus{},
	}

	if reviews, err := o.host.ListReviews(ctx, number); err != nil {
		o.logger.Warn(ctx, "failed to list reviews", zap.Error(err))
	} else {
		st.Reviews = reviews
		for _, r := range reviews {
			if r.State == "APPROVED" {
				st.Approvals++
			}
		}
	}
	if pr.HeadSHA != "" {
		if runs, err := o.host.ListCheckRuns(ctx, pr.HeadSHA); err != nil {
			o.logger.Warn(ctx, "failed to list check runs", zap.Error(err))
		} else if runs != nil {
			st.Checks = runs
		}
		if statuses, err := o.host.ListStatuses(ctx, pr.HeadSHA); err != nil {
			o.logger.Warn(ctx, "failed to list commit statuses", zap.Error(err))
		} else if statuses != nil {
			st.Statuses = statuses
		}
	}
	if st.Reviews == nil {
		st.Reviews = []vcs.Review{}
	}
	return st, nil
}
