package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autopilot/internal/pae"
)

var (
	proposeRationale  string
	proposeDraft      string
	proposeConfidence float64

	decideDecider  string
	decideOverride string

	executeToken string
)

var proposeCmd = &cobra.Command{
	Use:   "propose <action> <subject>",
	Short: "Record a proposed action",
	Long: `Record a proposed action for human review.

Actions: reply, archive, label, delete, edit, merge.

Examples:
  # Propose merging pull request 42
  apctl propose merge pr:42 --rationale "checks green, two approvals" --confidence 0.9

  # Propose an edit with a draft body
  apctl propose edit docs/pricing.md --rationale "Fix typo" --draft "$(cat pricing.md)"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(cmd, "POST", "/api/v1/proposals", pae.ProposeInput{
			ActionKind: args[0],
			SubjectRef: args[1],
			Rationale:  proposeRationale,
			DraftText:  proposeDraft,
			Confidence: proposeConfidence,
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List proposals awaiting a decision",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(cmd, "GET", "/api/v1/proposals/pending", nil)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <proposal-id>",
	Short: "Show a proposal and its approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(cmd, "GET", "/api/v1/proposals/"+url.PathEscape(args[0]), nil)
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide <proposal-id> <approved|rejected>",
	Short: "Approve or reject a proposal",
	Long: `Approve or reject a proposal.

An approval prints a single-use capability token that expires after the
configured TTL (15 minutes by default). Pass it to apctl execute.

Examples:
  apctl decide 3f1c... approved --decider alice
  apctl decide 3f1c... approved --decider alice --override "Thanks, merged."`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := pae.DecideInput{Decision: args[1], DeciderID: decideDecider}
		if cmd.Flags().Changed("override") {
			in.DraftOverride = &decideOverride
		}
		return newClient().do(cmd, "POST", "/api/v1/proposals/"+url.PathEscape(args[0])+"/decision", in)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute <proposal-id>",
	Short: "Execute an approved proposal with its capability token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if executeToken == "" {
			return fmt.Errorf("--token is required")
		}
		return newClient().do(cmd, "POST", "/api/v1/proposals/"+url.PathEscape(args[0])+"/execute", nil,
			"X-Capability-Token", executeToken)
	},
}

func init() {
	proposeCmd.Flags().StringVar(&proposeRationale, "rationale", "", "why the action should be taken")
	proposeCmd.Flags().StringVar(&proposeDraft, "draft", "", "draft text the action would use")
	proposeCmd.Flags().Float64Var(&proposeConfidence, "confidence", 0, "confidence between 0 and 1")

	decideCmd.Flags().StringVar(&decideDecider, "decider", "", "who is deciding")
	decideCmd.Flags().StringVar(&decideOverride, "override", "", "replacement draft text")

	executeCmd.Flags().StringVar(&executeToken, "token", "", "capability token from the approval")
}
