package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes git subcommands in a directory and returns combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the git binary.
type ExecRunner struct {
	// Binary defaults to "git".
	Binary string
}

// Run executes binary with args in dir.
func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return string(output), fmt.Errorf("git %s: %w", subcommand(args), ctxErr)
		}
		return string(output), fmt.Errorf("git %s failed: %w (output: %s)",
			subcommand(args), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func subcommand(args []string) string {
	for _, a := range args {
		if a == "-c" || strings.Contains(a, "=") {
			continue
		}
		return a
	}
	return ""
}

// FakeResponse is a scripted Runner answer.
type FakeResponse struct {
	Output string
	Err    error
}

// FakeRunner records git invocations and answers from a script keyed by
// argument prefix. The longest matching prefix wins; unmatched commands
// succeed with no output.
type FakeRunner struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]FakeResponse

	// OnRun, when set, is called for every invocation after it is recorded
	// and before the scripted response is returned.
	OnRun func(args []string)
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: map[string]FakeResponse{}}
}

// On scripts the response for commands starting with prefix, e.g. "merge --squash".
func (f *FakeRunner) On(prefix, output string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = FakeResponse{Output: output, Err: err}
}

// Fail scripts a failure for commands starting with prefix.
func (f *FakeRunner) Fail(prefix string) {
	f.On(prefix, "CONFLICT (content): Merge conflict", errors.New("exit status 1"))
}

// Run records args and returns the scripted response.
func (f *FakeRunner) Run(ctx context.Context, _ string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	args = stripConfig(args)
	line := strings.Join(args, " ")

	f.mu.Lock()
	f.calls = append(f.calls, line)
	var (
		best    string
		matched bool
		resp    FakeResponse
	)
	for prefix, r := range f.responses {
		if strings.HasPrefix(line, prefix) && (!matched || len(prefix) > len(best)) {
			best, resp, matched = prefix, r, true
		}
	}
	hook := f.OnRun
	f.mu.Unlock()

	if hook != nil {
		hook(args)
	}
	if resp.Err != nil {
		return resp.Output, fmt.Errorf("git %s failed: %w (output: %s)", subcommand(args), resp.Err, resp.Output)
	}
	return resp.Output, nil
}

// Calls returns every recorded command line without -c config pairs.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// stripConfig drops leading "-c key=value" pairs.
func stripConfig(args []string) []string {
	for len(args) >= 2 && args[0] == "-c" {
		args = args[2:]
	}
	return args
}
