package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// GitHubConfig configures a GitHub host.
type GitHubConfig struct {
	Token config.Secret
	Owner string
	Repo  string
	// APIURL overrides https://api.github.com/, e.g.
	// https://ghe.example.com/api/v3/ for GitHub Enterprise.
	APIURL string
	// RequestsPerSecond caps outgoing calls. Zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	// HTTPClient is the transport used beneath the oauth2 layer.
	HTTPClient *http.Client
}

// GitHub is a Host backed by the GitHub REST API.
type GitHub struct {
	client  *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
}

var _ Host = (*GitHub)(nil)

// NewGitHub creates a GitHub client with token authentication.
func NewGitHub(ctx context.Context, cfg GitHubConfig) (*GitHub, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("GitHub repository owner and name are required")
	}

	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	if cfg.APIURL != "" {
		base := cfg.APIURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", cfg.APIURL, err)
		}
		client.BaseURL = u
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &GitHub{
		client:  client,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Repository returns "owner/name".
func (g *GitHub) Repository() string {
	return g.owner + "/" + g.repo
}

func (g *GitHub) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", op, err)
	}
	return nil
}

func (g *GitHub) GetRef(ctx context.Context, branch string) (*Ref, error) {
	const op = "get_ref"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}
	ref, resp, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "heads/"+branch)
	if err != nil {
		return nil, classify(op, resp, err)
	}
	return &Ref{Branch: branch, SHA: ref.GetObject().GetSHA()}, nil
}

func (g *GitHub) CreateRef(ctx context.Context, branch, sha string) error {
	const op = "create_ref"
	if err := g.wait(ctx, op); err != nil {
		return err
	}
	_, resp, err := g.client.Git.CreateRef(ctx, g.owner, g.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	return classify(op, resp, err)
}

func (g *GitHub) DeleteRef(ctx context.Context, branch string) error {
	const op = "delete_ref"
	if err := g.wait(ctx, op); err != nil {
		return err
	}
	resp, err := g.client.Git.DeleteRef(ctx, g.owner, g.repo, "heads/"+branch)
	return classify(op, resp, err)
}

func (g *GitHub) GetFile(ctx context.Context, path, ref string) (*File, error) {
	const op = "get_file"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}
	fc, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, classify(op, resp, err)
	}
	if fc == nil {
		return nil, apperr.Validation(op, "%s is a directory", path)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindRemoteError, op, err, "failed to decode %s", path)
	}
	return &File{Path: path, Content: content, SHA: fc.GetSHA()}, nil
}

func (g *GitHub) PutFile(ctx context.Context, req PutFileRequest) (string, error) {
	const op = "put_file"
	if err := g.wait(ctx, op); err != nil {
		return "", err
	}
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(req.Message),
		Content: []byte(req.Content),
		Branch:  github.String(req.Branch),
	}
	if req.AuthorName != "" && req.AuthorEmail != "" {
		opts.Committer = &github.CommitAuthor{Name: github.String(req.AuthorName), Email: github.String(req.AuthorEmail)}
	}

	var (
		res  *github.RepositoryContentResponse
		resp *github.Response
		err  error
	)
	if req.SHA != "" {
		opts.SHA = github.String(req.SHA)
		res, resp, err = g.client.Repositories.UpdateFile(ctx, g.owner, g.repo, req.Path, opts)
	} else {
		res, resp, err = g.client.Repositories.CreateFile(ctx, g.owner, g.repo, req.Path, opts)
	}
	if err != nil {
		return "", classify(op, resp, err)
	}
	return res.Commit.GetSHA(), nil
}

func (g *GitHub) CreatePR(ctx context.Context, pr NewPullRequest) (*PullRequest, error) {
	const op = "create_pr"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}
	created, resp, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(pr.Title),
		Body:  github.String(pr.Body),
		Head:  github.String(pr.Head),
		Base:  github.String(pr.Base),
		Draft: github.Bool(pr.Draft),
	})
	if err != nil {
		return nil, classify(op, resp, err)
	}
	return toPullRequest(created), nil
}

func (g *GitHub) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	const op = "get_pr"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}
	pr, resp, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return nil, classify(op, resp, err)
	}
	return toPullRequest(pr), nil
}

func (g *GitHub) MergePR(ctx context.Context, number int, method, commitTitle string) (*MergeResult, error) {
	const op = "merge_pr"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}
	res, resp, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, number, "", &github.PullRequestOptions{
		CommitTitle: commitTitle,
		MergeMethod: method,
	})
	if err != nil {
		return nil, classifyMerge(op, resp, err)
	}
	return &MergeResult{Merged: res.GetMerged(), SHA: res.GetSHA(), Message: res.GetMessage()}, nil
}

func (g *GitHub) ClosePR(ctx context.Context, number int) error {
	const op = "close_pr"
	if err := g.wait(ctx, op); err != nil {
		return err
	}
	_, resp, err := g.client.PullRequests.Edit(ctx, g.owner, g.repo, number, &github.PullRequest{
		State: github.String("closed"),
	})
	return classify(op, resp, err)
}

func (g *GitHub) UpdateBranch(ctx context.Context, number int) error {
	const op = "update_branch"
	if err := g.wait(ctx, op); err != nil {
		return err
	}
	_, resp, err := g.client.PullRequests.UpdateBranch(ctx, g.owner, g.repo, number, nil)
	var accepted *github.AcceptedError
	if errors.As(err, &accepted) {
		// 202: the host schedules the update asynchronously.
		return nil
	}
	return classify(op, resp, err)
}

func (g *GitHub) AddLabels(ctx context.Context, number int, labels []string) error {
	const op = "add_labels"
	if err := g.wait(ctx, op); err != nil {
		return err
	}
	_, resp, err := g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, number, labels)
	return classify(op, resp, err)
}

func (g *GitHub) ListReviews(ctx context.Context, number int) ([]Review, error) {
	const op = "list_reviews"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}
	reviews, resp, err := g.client.PullRequests.ListReviews(ctx, g.owner, g.repo, number,
		&github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, classify(op, resp, err)
	}
	out := make([]Review, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, Review{
			User:        r.GetUser().GetLogin(),
			State:       r.GetState(),
			SubmittedAt: r.GetSubmittedAt().Time,
		})
	}
	return out, nil
}

func (g *GitHub) ListCheckRuns(ctx context.Context, ref string) ([]CheckRun, error) {
	const op = "list_check_runs"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}
	res, resp, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, ref,
		&github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}})
	if err != nil {
		return nil, classify(op, resp, err)
	}
	out := make([]CheckRun, 0, len(res.CheckRuns))
	for _, cr := range res.CheckRuns {
		out = append(out, CheckRun{Name: cr.GetName(), Status: cr.GetStatus(), Conclusion: cr.GetConclusion()})
	}
	return out, nil
}

func (g *GitHub) ListStatuses(ctx context.Context, ref string) ([]CommitStatus, error) {
	const op = "list_statuses"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}
	combined, resp, err := g.client.Repositories.GetCombinedStatus(ctx, g.owner, g.repo, ref,
		&github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, classify(op, resp, err)
	}
	out := make([]CommitStatus, 0, len(combined.Statuses))
	for _, s := range combined.Statuses {
		out = append(out, CommitStatus{Context: s.GetContext(), State: s.GetState(), Description: s.GetDescription()})
	}
	return out, nil
}

func (g *GitHub) UpdateReviewProtection(ctx context.Context, branch string, required int) (int, error) {
	const op = "update_review_protection"
	if err := g.wait(ctx, op); err != nil {
		return 0, err
	}
	enf, resp, err := g.client.Repositories.UpdatePullRequestReviewEnforcement(ctx, g.owner, g.repo, branch,
		&github.PullRequestReviewsEnforcementUpdate{RequiredApprovingReviewCount: required})
	if err != nil {
		return 0, classify(op, resp, err)
	}
	return enf.RequiredApprovingReviewCount, nil
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	out := &PullRequest{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		URL:            pr.GetHTMLURL(),
		State:          pr.GetState(),
		Draft:          pr.GetDraft(),
		Merged:         pr.GetMerged(),
		Mergeable:      pr.Mergeable,
		MergeableState: pr.GetMergeableState(),
		HeadBranch:     pr.GetHead().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		BaseBranch:     pr.GetBase().GetRef(),
	}
	for _, u := range pr.RequestedReviewers {
		out.RequestedReviewers = append(out.RequestedReviewers, u.GetLogin())
	}
	return out
}
