package worktree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// NewTestRepo creates a repository in a temp dir with one commit on branch
// and returns its path.
func NewTestRepo(tb testing.TB, branch string) string {
	tb.Helper()
	dir := tb.TempDir()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		tb.Fatalf("init repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		tb.Fatalf("open worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644); err != nil {
		tb.Fatalf("write file: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		tb.Fatalf("add: %v", err)
	}
	hash, err := wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)},
	})
	if err != nil {
		tb.Fatalf("commit: %v", err)
	}

	name := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(name, hash)); err != nil {
		tb.Fatalf("create branch: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, name)); err != nil {
		tb.Fatalf("set HEAD: %v", err)
	}
	return dir
}

// SetHead points HEAD of the repository at dir to branch, creating the
// branch at the current commit when needed.
func SetHead(tb testing.TB, dir, branch string) {
	tb.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		tb.Fatalf("open repo: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		tb.Fatalf("read HEAD: %v", err)
	}

	name := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(name, false); err != nil {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(name, head.Hash())); err != nil {
			tb.Fatalf("create branch: %v", err)
		}
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, name)); err != nil {
		tb.Fatalf("set HEAD: %v", err)
	}
}

// FollowCheckouts returns a FakeRunner hook that moves HEAD of the repository
// at dir whenever a checkout command is recorded, so branch restoration can
// be asserted through Repo.Status.
func FollowCheckouts(tb testing.TB, dir string) func(args []string) {
	return func(args []string) {
		if len(args) < 2 || args[0] != "checkout" {
			return
		}
		branch := args[1]
		if (branch == "-b" || branch == "-B") && len(args) >= 3 {
			branch = args[2]
		}
		SetHead(tb, dir, branch)
	}
}
