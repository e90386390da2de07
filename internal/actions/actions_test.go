package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/clock"
	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/pae"
	"github.com/fyrsmithlabs/autopilot/internal/proposal"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChanges struct {
	opened  []orchestrator.ChangeRequest
	merged  []int
	openErr error
}

func (f *fakeChanges) OpenChange(_ context.Context, req orchestrator.ChangeRequest) (*orchestrator.OpenedChange, error) {
	f.opened = append(f.opened, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &orchestrator.OpenedChange{Branch: "proposal/x", Number: 12, URL: "https://github.example/pull/12"}, nil
}

func (f *fakeChanges) MergeChange(_ context.Context, number int, _ orchestrator.MergeOptions) (*orchestrator.MergeResult, error) {
	f.merged = append(f.merged, number)
	return &orchestrator.MergeResult{Number: number, Merged: true, SHA: "merged-sha"}, nil
}

func record(kind proposal.ActionKind, subject, draft string) *proposal.Record {
	return &proposal.Record{
		Proposal: &proposal.Proposal{
			ID:         "p-1",
			SubjectRef: subject,
			ActionKind: kind,
			Rationale:  "Fix the typo in the pricing page\n\nReported by a customer.",
			DraftText:  draft,
			Confidence: 0.9,
		},
		Approval: &proposal.Approval{ProposalID: "p-1", Status: proposal.StatusApproved, DeciderID: "ops"},
	}
}

func TestParsePRNumber(t *testing.T) {
	for in, want := range map[string]int{"pr:42": 42, "#7": 7, "19": 19, " pr:3 ": 3} {
		got, err := ParsePRNumber(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "pr:", "#x", "pr:-1", "0", "issue:4", "docs/a.md"} {
		_, err := ParsePRNumber(bad)
		assert.Truef(t, apperr.IsKind(err, apperr.KindValidation), "subject %q", bad)
	}
}

func TestMerge(t *testing.T) {
	changes := &fakeChanges{}
	out, err := Merge(changes).Execute(context.Background(), record(proposal.ActionMerge, "pr:42", ""))
	require.NoError(t, err)
	assert.Equal(t, []int{42}, changes.merged)
	assert.Equal(t, "merged pull request #42", out.Summary)
	assert.Equal(t, "merged-sha", out.Details["sha"])

	_, err = Merge(changes).Execute(context.Background(), record(proposal.ActionMerge, "thread-9", ""))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Len(t, changes.merged, 1)
}

func TestEdit_UsesOverride(t *testing.T) {
	changes := &fakeChanges{}
	rec := record(proposal.ActionEdit, "public/pricing.md", "draft body")
	override := "decider body"
	rec.Approval.DraftOverride = &override

	out, err := Edit(changes).Execute(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, changes.opened, 1)

	req := changes.opened[0]
	assert.Equal(t, "Fix the typo in the pricing page", req.CommitMessage)
	assert.Equal(t, []orchestrator.FileChange{{Path: "public/pricing.md", Content: "decider body"}}, req.Files)
	assert.Contains(t, req.Body, "p-1")
	assert.Equal(t, 12, out.Details["number"])
}

func TestEdit_RequiresContent(t *testing.T) {
	changes := &fakeChanges{}
	_, err := Edit(changes).Execute(context.Background(), record(proposal.ActionEdit, "docs/a.md", "  "))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Empty(t, changes.opened)
}

func TestEdit_PropagatesOpenFailure(t *testing.T) {
	changes := &fakeChanges{openErr: apperr.New(apperr.KindRemoteError, "create_pr", "boom")}
	_, err := Edit(changes).Execute(context.Background(), record(proposal.ActionEdit, "docs/a.md", "x"))
	assert.True(t, apperr.IsKind(err, apperr.KindRemoteError))
}

func TestDispatch(t *testing.T) {
	rec := &events.Recorder{}
	clk := clock.NewFake(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))

	out, err := Dispatch(rec, clk).Execute(context.Background(), record(proposal.ActionReply, "thread-9", "Thanks!"))
	require.NoError(t, err)
	assert.Equal(t, "dispatched reply for thread-9", out.Summary)

	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, events.ActionRequested, got[0].Type)
	assert.Equal(t, "p-1", got[0].ID)
	assert.Equal(t, clk.Now(), got[0].OccurredAt)
	data := got[0].Data.(map[string]any)
	assert.Equal(t, "reply", data["action"])
	assert.Equal(t, "Thanks!", data["draft"])
	assert.Equal(t, "ops", data["decider_id"])
}

func TestDispatch_PublishFailureFailsExecution(t *testing.T) {
	rec := &events.Recorder{Err: errors.New("nats: connection closed")}
	_, err := Dispatch(rec, nil).Execute(context.Background(), record(proposal.ActionArchive, "thread-9", ""))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindRemoteError))

	_, err = Dispatch(nil, nil).Execute(context.Background(), record(proposal.ActionArchive, "thread-9", ""))
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
}

func TestOptions_EndToEnd(t *testing.T) {
	ctx := context.Background()
	host := vcs.NewFake("main", "base-sha")
	host.AddPR(vcs.PullRequest{Number: 5, Mergeable: boolPtr(true), MergeableState: "clean", HeadBranch: "feature", BaseBranch: "main"})
	orch, err := orchestrator.New(host, orchestrator.Config{})
	require.NoError(t, err)

	recorder := &events.Recorder{}
	pipeline := pae.New(proposal.NewMemoryStore(), Options(orch, recorder, nil)...)

	prop, err := pipeline.Propose(ctx, pae.ProposeInput{
		SubjectRef: "pr:5",
		ActionKind: "merge",
		Rationale:  "checks are green",
		Confidence: 0.8,
	})
	require.NoError(t, err)
	decision, err := pipeline.Decide(ctx, prop.ID, pae.DecideInput{Decision: "approved", DeciderID: "ops"})
	require.NoError(t, err)

	res, err := pipeline.Execute(ctx, prop.ID, decision.Token)
	require.NoError(t, err)
	assert.Equal(t, "merged pull request #5", res.Outcome.Summary)

	pr, _ := host.PR(5)
	assert.True(t, pr.Merged)

	_, err = pipeline.Execute(ctx, prop.ID, decision.Token)
	assert.True(t, apperr.IsKind(err, apperr.KindBadToken), "token is single-use")
}

func TestOptions_WithoutChanges(t *testing.T) {
	ctx := context.Background()
	pipeline := pae.New(proposal.NewMemoryStore(), Options(nil, &events.Recorder{}, nil)...)

	prop, err := pipeline.Propose(ctx, pae.ProposeInput{SubjectRef: "pr:5", ActionKind: "merge", Rationale: "r", Confidence: 1})
	require.NoError(t, err)
	decision, err := pipeline.Decide(ctx, prop.ID, pae.DecideInput{Decision: "approved", DeciderID: "ops"})
	require.NoError(t, err)

	_, err = pipeline.Execute(ctx, prop.ID, decision.Token)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
}

func boolPtr(b bool) *bool { return &b }
