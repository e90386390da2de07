package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
)

var (
	openMessage string
	openTitle   string
	openBody    string
	openBase    string
	openBranch  string
	openDraft   bool
	openLabels  []string

	editMessage string

	readinessAttempts int
	readinessInterval string

	mergeMethod string
	mergeTitle  string
	mergeWait   bool

	mergeBaseStrategy string

	approvalsBranch string
)

var changeCmd = &cobra.Command{
	Use:   "change",
	Short: "Manage pull requests on the configured repository",
}

var changeOpenCmd = &cobra.Command{
	Use:   "open <repo-path>=<local-file>...",
	Short: "Open a pull request with new file contents",
	Long: `Open a pull request that writes each local file to its repository path.

Examples:
  apctl change open docs/pricing.md=./pricing.md -m "Update pricing"
  apctl change open a.md=./a.md b.md=./b.md -m "Refresh docs" --label docs`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := readFileArgs(args)
		if err != nil {
			return err
		}
		return newClient().do(cmd, "POST", "/api/v1/changes", orchestrator.ChangeRequest{
			BranchName:    openBranch,
			CommitMessage: openMessage,
			Title:         openTitle,
			Body:          openBody,
			Base:          openBase,
			Draft:         openDraft,
			Labels:        openLabels,
			Files:         files,
		})
	},
}

var changeEditCmd = &cobra.Command{
	Use:   "edit <path> <find> <replace>",
	Short: "Replace the first occurrence of text in an allowed file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(cmd, "POST", "/api/v1/changes/edit", orchestrator.EditRequest{
			Path:    args[0],
			Find:    args[1],
			Replace: args[2],
			Message: editMessage,
		})
	},
}

var changeAutopilotCmd = &cobra.Command{
	Use:   "autopilot <task>",
	Short: "Draft a plan for a task and open it as a pull request",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(cmd, "POST", "/api/v1/changes/autopilot", map[string]string{
			"task": strings.Join(args, " "),
		})
	},
}

var changeStatusCmd = &cobra.Command{
	Use:   "status <number>",
	Short: "Show a pull request with its reviews and checks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := prNumber(args[0])
		if err != nil {
			return err
		}
		return newClient().do(cmd, "GET", fmt.Sprintf("/api/v1/changes/%d", n), nil)
	},
}

var changeReadinessCmd = &cobra.Command{
	Use:   "readiness <number>",
	Short: "Poll until a pull request is mergeable, blocked or out of attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := prNumber(args[0])
		if err != nil {
			return err
		}
		q := url.Values{}
		if readinessAttempts > 0 {
			q.Set("max_attempts", strconv.Itoa(readinessAttempts))
		}
		if readinessInterval != "" {
			q.Set("interval", readinessInterval)
		}
		path := fmt.Sprintf("/api/v1/changes/%d/readiness", n)
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return newClient().do(cmd, "GET", path, nil)
	},
}

var changeMergeCmd = &cobra.Command{
	Use:   "merge <number>",
	Short: "Merge a pull request through the code host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := prNumber(args[0])
		if err != nil {
			return err
		}
		return newClient().do(cmd, "POST", fmt.Sprintf("/api/v1/changes/%d/merge", n), orchestrator.MergeOptions{
			Method:      mergeMethod,
			CommitTitle: mergeTitle,
			Wait:        mergeWait,
		})
	},
}

var changeUpdateBranchCmd = &cobra.Command{
	Use:   "update-branch <number>",
	Short: "Ask the code host to bring the base branch into a pull request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := prNumber(args[0])
		if err != nil {
			return err
		}
		return newClient().do(cmd, "POST", fmt.Sprintf("/api/v1/changes/%d/update-branch", n), nil)
	},
}

var changeMergeBaseCmd = &cobra.Command{
	Use:   "merge-base <number>",
	Short: "Merge the base branch into a pull request locally and push",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := prNumber(args[0])
		if err != nil {
			return err
		}
		return newClient().do(cmd, "POST", fmt.Sprintf("/api/v1/changes/%d/merge-base", n), map[string]string{
			"strategy": mergeBaseStrategy,
		})
	},
}

var changeAdminSquashCmd = &cobra.Command{
	Use:   "admin-squash <number>",
	Short: "Squash a pull request into its base locally, push and close it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := prNumber(args[0])
		if err != nil {
			return err
		}
		return newClient().do(cmd, "POST", fmt.Sprintf("/api/v1/changes/%d/admin-squash-merge", n), nil)
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals <count>",
	Short: "Set the required pull request approvals on a branch (0-6)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("approval count must be an integer, got %q", args[0])
		}
		return newClient().do(cmd, "POST", "/api/v1/branches/protection/approvals", map[string]any{
			"branch":             approvalsBranch,
			"required_approvals": count,
		})
	},
}

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Show the working copy branch and changed files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(cmd, "GET", "/api/v1/worktree", nil)
	},
}

func init() {
	changeOpenCmd.Flags().StringVarP(&openMessage, "message", "m", "", "commit message")
	changeOpenCmd.Flags().StringVar(&openTitle, "title", "", "pull request title (defaults to the message)")
	changeOpenCmd.Flags().StringVar(&openBody, "body", "", "pull request body")
	changeOpenCmd.Flags().StringVar(&openBase, "base", "", "target branch (defaults to the configured base)")
	changeOpenCmd.Flags().StringVar(&openBranch, "branch", "", "branch name prefix")
	changeOpenCmd.Flags().BoolVar(&openDraft, "draft", false, "open as a draft")
	changeOpenCmd.Flags().StringSliceVar(&openLabels, "label", nil, "labels to add")

	changeEditCmd.Flags().StringVarP(&editMessage, "message", "m", "", "commit message")

	changeReadinessCmd.Flags().IntVar(&readinessAttempts, "max-attempts", 0, "poll attempts (server default when 0)")
	changeReadinessCmd.Flags().StringVar(&readinessInterval, "interval", "", "delay between polls, e.g. 3s")

	changeMergeCmd.Flags().StringVar(&mergeMethod, "method", "squash", "squash, merge or rebase")
	changeMergeCmd.Flags().StringVar(&mergeTitle, "title", "", "merge commit title")
	changeMergeCmd.Flags().BoolVar(&mergeWait, "wait", false, "poll readiness before merging")

	changeMergeBaseCmd.Flags().StringVar(&mergeBaseStrategy, "strategy", "ours", "conflict preference: ours or theirs")

	approvalsCmd.Flags().StringVar(&approvalsBranch, "branch", "", "protected branch (defaults to the configured base)")

	changeCmd.AddCommand(
		changeOpenCmd,
		changeEditCmd,
		changeAutopilotCmd,
		changeStatusCmd,
		changeReadinessCmd,
		changeMergeCmd,
		changeUpdateBranchCmd,
		changeMergeBaseCmd,
		changeAdminSquashCmd,
	)
}

// readFileArgs reads "repo/path=local/file" pairs.
func readFileArgs(args []string) ([]orchestrator.FileChange, error) {
	files := make([]orchestrator.FileChange, 0, len(args))
	for _, arg := range args {
		repoPath, local, ok := strings.Cut(arg, "=")
		if !ok || repoPath == "" || local == "" {
			return nil, fmt.Errorf("expected <repo-path>=<local-file>, got %q", arg)
		}
		content, err := os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", local, err)
		}
		files = append(files, orchestrator.FileChange{Path: repoPath, Content: string(content)})
	}
	return files, nil
}

func prNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("pull request number must be a positive integer, got %q", s)
	}
	return n, nil
}
