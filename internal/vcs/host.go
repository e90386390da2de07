// Package vcs adapts the remote code host (GitHub) to the primitives the
// change orchestrator needs: refs, file contents, pull requests, reviews,
// checks and branch protection.
//
// Every Host is bound to one repository. Errors are classified with apperr
// kinds and are never retried here; the readiness poll is the only retry
// loop in the system.
package vcs

import (
	"context"
	"time"
)

// Merge methods accepted by MergePR.
const (
	MergeMethodSquash = "squash"
	MergeMethodMerge  = "merge"
	MergeMethodRebase = "rebase"
)

// Ref is a branch head.
type Ref struct {
	Branch string `json:"branch"`
	SHA    string `json:"sha"`
}

// File is a file read from a branch.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	// SHA is the blob SHA, required to update the file.
	SHA string `json:"sha"`
}

// PutFileRequest writes one file as a commit on Branch. SHA is the current
// blob SHA when replacing an existing file and empty when creating one.
type PutFileRequest struct {
	Path        string
	Content     string
	Message     string
	Branch      string
	SHA         string
	AuthorName  string
	AuthorEmail string
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// PullRequest is the subset of pull request state the orchestrator uses.
type PullRequest struct {
	Number             int      `json:"number"`
	Title              string   `json:"title"`
	URL                string   `json:"url"`
	State              string   `json:"state"`
	Draft              bool     `json:"draft"`
	Merged             bool     `json:"merged"`
	Mergeable          *bool    `json:"mergeable"`
	MergeableState     string   `json:"mergeable_state"`
	HeadBranch         string   `json:"head_branch"`
	HeadSHA            string   `json:"head_sha"`
	BaseBranch         string   `json:"base_branch"`
	RequestedReviewers []string `json:"requested_reviewers,omitempty"`
}

// MergeResult is the remote answer to a merge.
type MergeResult struct {
	Merged  bool   `json:"merged"`
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// Review is a pull request review.
type Review struct {
	User        string    `json:"user"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// CheckRun is a check run reported against a commit.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// CommitStatus is a legacy commit status.
type CommitStatus struct {
	Context     string `json:"context"`
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
}

// Host is the remote code host, bound to one repository.
type Host interface {
	GetRef(ctx context.Context, branch string) (*Ref, error)
	CreateRef(ctx context.Context, branch, sha string) error
	DeleteRef(ctx context.Context, branch string) error

	// GetFile returns not_found when path does not exist on ref.
	GetFile(ctx context.Context, path, ref string) (*File, error)
	// PutFile creates or replaces a file and returns the commit SHA.
	PutFile(ctx context.Context, req PutFileRequest) (string, error)

	CreatePR(ctx context.Context, pr NewPullRequest) (*PullRequest, error)
	GetPR(ctx context.Context, number int) (*PullRequest, error)
	// MergePR returns merge_conflict when the host refuses the merge.
	MergePR(ctx context.Context, number int, method, commitTitle string) (*MergeResult, error)
	ClosePR(ctx context.Context, number int) error
	// UpdateBranch asks the host to merge the base branch into the head branch.
	UpdateBranch(ctx context.Context, number int) error
	AddLabels(ctx context.Context, number int, labels []string) error

	ListReviews(ctx context.Context, number int) ([]Review, error)
	ListCheckRuns(ctx context.Context, ref string) ([]CheckRun, error)
	ListStatuses(ctx context.Context, ref string) ([]CommitStatus, error)

	// UpdateReviewProtection sets the required approving review count on
	// branch and returns the count the host now enforces.
	UpdateReviewProtection(ctx context.Context, branch string, required int) (int, error)
}
