package vcs

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
)

// Fake is an in-memory Host for tests. Zero value is not usable; call NewFake.
type Fake struct {
	mu sync.Mutex

	refs   map[string]string
	files  map[string]map[string]File
	prs    map[int]*PullRequest
	nextPR int
	seq    int
	calls  []string

	reviews    map[int][]Review
	checkRuns  map[string][]CheckRun
	statuses   map[string][]CommitStatus
	protection map[string]int
	labels     map[int][]string
	getPRCalls map[int]int

	// GetPRFunc, when set, answers GetPR. call counts from 1 per number.
	GetPRFunc func(number, call int) (*PullRequest, error)
	// Errs injects a failure per method name, e.g. Errs["MergePR"].
	Errs map[string]error
}

var _ Host = (*Fake)(nil)

// NewFake creates a fake repository whose base branch points at sha.
func NewFake(base, sha string) *Fake {
	return &Fake{
		refs:       map[string]string{base: sha},
		files:      map[string]map[string]File{},
		prs:        map[int]*PullRequest{},
		nextPR:     1,
		reviews:    map[int][]Review{},
		checkRuns:  map[string][]CheckRun{},
		statuses:   map[string][]CommitStatus{},
		protection: map[string]int{},
		labels:     map[int][]string{},
		getPRCalls: map[int]int{},
		Errs:       map[string]error{},
	}
}

func (f *Fake) record(method string) error {
	f.calls = append(f.calls, method)
	return f.Errs[method]
}

// Calls returns the names of the methods invoked, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// HasRef reports whether branch exists.
func (f *Fake) HasRef(branch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.refs[branch]
	return ok
}

// SetFile seeds a file on branch.
func (f *Fake) SetFile(branch, path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFile(branch, path, content)
}

// FileContent returns the content of path on branch.
func (f *Fake) FileContent(branch, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[branch][path]
	return file.Content, ok
}

// AddPR seeds a pull request and returns it.
func (f *Fake) AddPR(pr PullRequest) *PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr.Number == 0 {
		pr.Number = f.nextPR
	}
	if pr.Number >= f.nextPR {
		f.nextPR = pr.Number + 1
	}
	if pr.State == "" {
		pr.State = "open"
	}
	f.prs[pr.Number] = &pr
	return &pr
}

// PR returns a copy of pull request number.
func (f *Fake) PR(number int) (PullRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return PullRequest{}, false
	}
	return *pr, true
}

// SetReviews seeds reviews for a pull request.
func (f *Fake) SetReviews(number int, reviews []Review) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews[number] = reviews
}

// SetCheckRuns seeds check runs for ref.
func (f *Fake) SetCheckRuns(ref string, runs []CheckRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkRuns[ref] = runs
}

// SetStatuses seeds commit statuses for ref.
func (f *Fake) SetStatuses(ref string, statuses []CommitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = statuses
}

// Protection returns the required approving review count set on branch.
func (f *Fake) Protection(branch string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.protection[branch]
}

// Labels returns the labels added to number.
func (f *Fake) Labels(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.labels[number]...)
}

// GetPRCalls returns how many times GetPR was called for number.
func (f *Fake) GetPRCalls(number int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getPRCalls[number]
}

func (f *Fake) GetRef(_ context.Context, branch string) (*Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetRef"); err != nil {
		return nil, err
	}
	sha, ok := f.refs[branch]
	if !ok {
		return nil, apperr.NotFound("get_ref", "branch %s not found", branch)
	}
	return &Ref{Branch: branch, SHA: sha}, nil
}

func (f *Fake) CreateRef(_ context.Context, branch, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateRef"); err != nil {
		return err
	}
	if _, ok := f.refs[branch]; ok {
		return apperr.New(apperr.KindRemoteError, "create_ref", "reference already exists")
	}
	f.refs[branch] = sha
	for base, files := range f.files {
		if f.refs[base] == sha {
			clone := make(map[string]File, len(files))
			for p, file := range files {
				clone[p] = file
			}
			f.files[branch] = clone
			break
		}
	}
	return nil
}

func (f *Fake) DeleteRef(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteRef"); err != nil {
		return err
	}
	if _, ok := f.refs[branch]; !ok {
		return apperr.NotFound("delete_ref", "branch %s not found", branch)
	}
	delete(f.refs, branch)
	delete(f.files, branch)
	return nil
}

func (f *Fake) GetFile(_ context.Context, path, ref string) (*File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetFile"); err != nil {
		return nil, err
	}
	file, ok := f.files[ref][path]
	if !ok {
		return nil, apperr.NotFound("get_file", "%s not found on %s", path, ref)
	}
	return &file, nil
}

func (f *Fake) PutFile(_ context.Context, req PutFileRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PutFile"); err != nil {
		return "", err
	}
	if _, ok := f.refs[req.Branch]; !ok {
		return "", apperr.NotFound("put_file", "branch %s not found", req.Branch)
	}
	existing, exists := f.files[req.Branch][req.Path]
	if exists && existing.SHA != req.SHA {
		return "", apperr.New(apperr.KindRemoteError, "put_file", "sha does not match %s", req.Path)
	}
	f.putFile(req.Branch, req.Path, req.Content)
	f.seq++
	commit := fmt.Sprintf("commit-%d", f.seq)
	f.refs[req.Branch] = commit
	return commit, nil
}

func (f *Fake) putFile(branch, path, content string) {
	if f.files[branch] == nil {
		f.files[branch] = map[string]File{}
	}
	f.seq++
	f.files[branch][path] = File{Path: path, Content: content, SHA: fmt.Sprintf("blob-%d", f.seq)}
}

func (f *Fake) CreatePR(_ context.Context, pr NewPullRequest) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreatePR"); err != nil {
		return nil, err
	}
	if _, ok := f.refs[pr.Head]; !ok {
		return nil, apperr.New(apperr.KindRemoteError, "create_pr", "head %s does not exist", pr.Head)
	}
	n := f.nextPR
	f.nextPR++
	created := &PullRequest{
		Number:         n,
		Title:          pr.Title,
		URL:            fmt.Sprintf("https://github.example/pull/%d", n),
		State:          "open",
		Draft:          pr.Draft,
		MergeableState: "unknown",
		HeadBranch:     pr.Head,
		HeadSHA:        f.refs[pr.Head],
		BaseBranch:     pr.Base,
	}
	f.prs[n] = created
	out := *created
	return &out, nil
}

func (f *Fake) GetPR(_ context.Context, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPR"); err != nil {
		return nil, err
	}
	f.getPRCalls[number]++
	if f.GetPRFunc != nil {
		return f.GetPRFunc(number, f.getPRCalls[number])
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, apperr.NotFound("get_pr", "pull request %d not found", number)
	}
	out := *pr
	return &out, nil
}

func (f *Fake) MergePR(_ context.Context, number int, method, _ string) (*MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MergePR"); err != nil {
		return nil, err
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, apperr.NotFound("merge_pr", "pull request %d not found", number)
	}
	pr.Merged = true
	pr.State = "closed"
	f.seq++
	sha := fmt.Sprintf("%s-%d", method, f.seq)
	f.refs[pr.BaseBranch] = sha
	return &MergeResult{Merged: true, SHA: sha, Message: "Pull Request successfully merged"}, nil
}

func (f *Fake) ClosePR(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ClosePR"); err != nil {
		return err
	}
	pr, ok := f.prs[number]
	if !ok {
		return apperr.NotFound("close_pr", "pull request %d not found", number)
	}
	pr.State = "closed"
	return nil
}

func (f *Fake) UpdateBranch(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateBranch"); err != nil {
		return err
	}
	if _, ok := f.prs[number]; !ok {
		return apperr.NotFound("update_branch", "pull request %d not found", number)
	}
	return nil
}

func (f *Fake) AddLabels(_ context.Context, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddLabels"); err != nil {
		return err
	}
	f.labels[number] = append(f.labels[number], labels...)
	return nil
}

func (f *Fake) ListReviews(_ context.Context, number int) ([]Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListReviews"); err != nil {
		return nil, err
	}
	return append([]Review(nil), f.reviews[number]...), nil
}

func (f *Fake) ListCheckRuns(_ context.Context, ref string) ([]CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListCheckRuns"); err != nil {
		return nil, err
	}
	return append([]CheckRun(nil), f.checkRuns[ref]...), nil
}

func (f *Fake) ListStatuses(_ context.Context, ref string) ([]CommitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListStatuses"); err != nil {
		return nil, err
	}
	return append([]CommitStatus(nil), f.statuses[ref]...), nil
}

func (f *Fake) UpdateReviewProtection(_ context.Context, branch string, required int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateReviewProtection"); err != nil {
		return 0, err
	}
	f.protection[branch] = required
	return required, nil
}
