// Package worktree drives the single local working copy.
//
// Reads (branch, HEAD, dirty state) go through go-git. Mutations shell out to
// the git binary through a Runner. Mutations are only reachable from a
// Checkout, which holds the exclusive working copy lock and restores the
// branch that was checked out when it was acquired.
//
//	co, err := repo.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer co.Release(ctx)
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// Status describes the working copy.
type Status struct {
	Branch       string `json:"branch"`
	HeadSHA      string `json:"head_sha"`
	Detached     bool   `json:"detached"`
	Dirty        bool   `json:"dirty"`
	ChangedFiles int    `json:"changed_files"`
}

// Config configures a Repo.
type Config struct {
	Path        string
	Remote      string
	AuthorName  string
	AuthorEmail string
}

// Repo is the local working copy.
type Repo struct {
	path        string
	remote      string
	authorName  string
	authorEmail string
	runner      Runner
	locker      Locker
	logger      *logging.Logger
}

// Option configures a Repo.
type Option func(*Repo)

// WithRunner overrides the git binary runner.
func WithRunner(r Runner) Option {
	return func(repo *Repo) { repo.runner = r }
}

// WithLocker overrides the in-process lock.
func WithLocker(l Locker) Option {
	return func(repo *Repo) { repo.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(repo *Repo) { repo.logger = l }
}

// Open opens the working copy at cfg.Path.
func Open(cfg Config, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving working copy path: %w", err)
	}
	if _, err := git.PlainOpen(abs); err != nil {
		return nil, fmt.Errorf("opening working copy %s: %w", abs, err)
	}

	r := &Repo{
		path:        abs,
		remote:      cfg.Remote,
		authorName:  cfg.AuthorName,
		authorEmail: cfg.AuthorEmail,
		runner:      ExecRunner{},
		locker:      NewMutexLocker(),
		logger:      logging.Nop(),
	}
	if r.remote == "" {
		r.remote = "origin"
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Path returns the absolute path of the working copy.
func (r *Repo) Path() string {
	return r.path
}

// Remote returns the configured remote name.
func (r *Repo) Remote() string {
	return r.remote
}

// Status reads the current branch and dirty state.
func (r *Repo) Status(ctx context.Context) (*Status, error) {
	repo, err := git.PlainOpen(r.path)
	if err != nil {
		return nil, fmt.Errorf("opening working copy: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}

	st := &Status{HeadSHA: head.Hash().String()}
	if head.Name().IsBranch() {
		st.Branch = head.Name().Short()
	} else {
		st.Detached = true
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}
	for _, fs := range status {
		if fs.Staging != git.Unmodified || fs.Worktree != git.Unmodified {
			st.ChangedFiles++
		}
	}
	st.Dirty = st.ChangedFiles > 0
	return st, nil
}

// head returns the branch name, or the commit SHA when detached.
func (r *Repo) head() (string, error) {
	repo, err := git.PlainOpen(r.path)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", err
	}
	if ref.Name().IsBranch() {
		return ref.Name().Short(), nil
	}
	return ref.Hash().String(), nil
}

// Acquire locks the working copy and remembers what is checked out. A dirty
// working copy is refused so uncommitted files never leak into a commit.
func (r *Repo) Acquire(ctx context.Context) (*Checkout, error) {
	const op = "acquire_checkout"
	unlock, err := r.locker.Lock(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindResourceState, op, err)
	}
	original, err := r.head()
	if err != nil {
		_ = unlock(context.WithoutCancel(ctx))
		return nil, apperr.Wrapf(apperr.KindResourceState, op, err, "reading current branch")
	}
	st, err := r.Status(ctx)
	if err != nil {
		_ = unlock(context.WithoutCancel(ctx))
		return nil, apperr.Wrapf(apperr.KindResourceState, op, err, "reading working copy status")
	}
	if st.Dirty {
		_ = unlock(context.WithoutCancel(ctx))
		r.logger.Warn(ctx, "working copy is dirty", zap.String("branch", original), zap.Int("changed_files", st.ChangedFiles))
		return nil, apperr.New(apperr.KindResourceState, op,
			"working copy at %s has %d uncommitted change(s)", r.path, st.ChangedFiles)
	}
	r.logger.Debug(ctx, "working copy acquired", zap.String("branch", original))
	return &Checkout{repo: r, original: original, unlock: unlock}, nil
}

// Checkout is exclusive ownership of the working copy.
type Checkout struct {
	repo     *Repo
	original string
	unlock   Unlock
	released bool
}

// Original returns the branch (or SHA) checked out at acquisition.
func (c *Checkout) Original() string {
	return c.original
}

// Release restores the original checkout and unlocks. It runs even when ctx
// is already cancelled. Calling Release twice is a no-op.
func (c *Checkout) Release(ctx context.Context) error {
	if c.released {
		return nil
	}
	c.released = true
	ctx = context.WithoutCancel(ctx)

	_, restoreErr := c.git(ctx, "checkout", c.original)
	unlockErr := c.unlock(ctx)

	if restoreErr != nil {
		c.repo.logger.Error(ctx, "failed to restore working copy", zap.String("branch", c.original), zap.Error(restoreErr))
		return apperr.Wrapf(apperr.KindResourceState, "release_checkout", restoreErr, "restoring %s", c.original)
	}
	if unlockErr != nil {
		return apperr.Wrap(apperr.KindResourceState, "release_checkout", unlockErr)
	}
	c.repo.logger.Debug(ctx, "working copy released", zap.String("branch", c.original))
	return nil
}

func (c *Checkout) git(ctx context.Context, args ...string) (string, error) {
	return c.repo.runner.Run(ctx, c.repo.path, args...)
}

// Fetch updates remote tracking branches.
func (c *Checkout) Fetch(ctx context.Context) error {
	_, err := c.git(ctx, "fetch", c.repo.remote, "--prune")
	return err
}

// Switch checks out an existing branch.
func (c *Checkout) Switch(ctx context.Context, branch string) error {
	_, err := c.git(ctx, "checkout", branch)
	return err
}

// SwitchTracking checks out branch, creating it from the remote branch of
// the same name when it does not exist locally.
func (c *Checkout) SwitchTracking(ctx context.Context, branch string) error {
	if err := c.Switch(ctx, branch); err == nil {
		return nil
	}
	_, err := c.git(ctx, "checkout", "-b", branch, "--track", c.repo.remote+"/"+branch)
	return err
}

// CreateBranch creates branch at startPoint and checks it out.
func (c *Checkout) CreateBranch(ctx context.Context, branch, startPoint string) error {
	_, err := c.git(ctx, "checkout", "-B", branch, startPoint)
	return err
}

// WriteFile writes content to a path relative to the working copy root.
func (c *Checkout) WriteFile(rel, content string) error {
	full, err := c.repo.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// AddAll stages every change.
func (c *Checkout) AddAll(ctx context.Context) error {
	_, err := c.git(ctx, "add", "-A")
	return err
}

// Add stages the given paths only.
func (c *Checkout) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := c.git(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// HasStaged reports whether the index differs from HEAD.
func (c *Checkout) HasStaged(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit records the index with the configured author.
func (c *Checkout) Commit(ctx context.Context, message string) error {
	args := c.identity()
	args = append(args, "commit", "-m", message)
	_, err := c.git(ctx, args...)
	return err
}

// Push pushes branch to the remote.
func (c *Checkout) Push(ctx context.Context, branch string) error {
	_, err := c.git(ctx, "push", c.repo.remote, branch)
	return err
}

// Pull updates the current branch from the remote, fast-forward only first,
// then with a regular merge.
func (c *Checkout) Pull(ctx context.Context, branch string) error {
	if _, err := c.git(ctx, "pull", "--ff-only", c.repo.remote, branch); err == nil {
		return nil
	}
	args := append(c.identity(), "pull", "--no-rebase", c.repo.remote, branch)
	_, err := c.git(ctx, args...)
	return err
}

// Merge merges ref into the current branch with -X preference when set.
func (c *Checkout) Merge(ctx context.Context, ref, preference, message string) error {
	args := append(c.identity(), "merge", "--no-edit")
	if preference != "" {
		args = append(args, "-X", preference)
	}
	if message != "" {
		args = append(args, "-m", message)
	}
	args = append(args, ref)
	_, err := c.git(ctx, args...)
	return err
}

// MergeSquash stages the squashed changes of ref without committing.
func (c *Checkout) MergeSquash(ctx context.Context, ref string) error {
	_, err := c.git(ctx, "merge", "--squash", ref)
	return err
}

// AbortMerge discards an in-progress merge. It tries merge --abort first and
// falls back to reset --merge, which also clears a squash merge.
func (c *Checkout) AbortMerge(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	_, abortErr := c.git(ctx, "merge", "--abort")
	if abortErr == nil {
		return nil
	}
	if _, err := c.git(ctx, "reset", "--merge"); err != nil {
		return errors.Join(abortErr, err)
	}
	return nil
}

// Discard drops uncommitted changes to tracked files and removes the given
// untracked paths.
func (c *Checkout) Discard(ctx context.Context, paths ...string) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.git(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	_, err := c.git(ctx, append([]string{"clean", "-f", "--"}, paths...)...)
	return err
}

// Status reads the working copy state while the checkout is held.
func (c *Checkout) Status(ctx context.Context) (*Status, error) {
	return c.repo.Status(ctx)
}

func (c *Checkout) identity() []string {
	var args []string
	if c.repo.authorName != "" {
		args = append(args, "-c", "user.name="+c.repo.authorName)
	}
	if c.repo.authorEmail != "" {
		args = append(args, "-c", "user.email="+c.repo.authorEmail)
	}
	return args
}

// resolve maps a repository-relative path to an absolute path inside the
// working copy.
func (r *Repo) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", apperr.Validation("write_file", "path %q must be relative", rel)
	}
	full := filepath.Join(r.path, filepath.FromSlash(rel))
	inside, err := filepath.Rel(r.path, full)
	if err != nil || inside == "." || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", apperr.Validation("write_file", "path %q escapes the repository", rel)
	}
	if inside == ".git" || strings.HasPrefix(inside, ".git"+string(filepath.Separator)) {
		return "", apperr.Validation("write_file", "path %q is inside .git", rel)
	}
	return full, nil
}
