package token

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/clock"
	"github.com/fyrsmithlabs/autopilot/internal/proposal"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func approvedProposal(t *testing.T, s proposal.Store) string {
	t.Helper()
	ctx := context.Background()
	p := &proposal.Proposal{SubjectRef: "pr:1", ActionKind: proposal.ActionMerge, Rationale: "r", CreatedAt: epoch}
	require.NoError(t, s.Create(ctx, p))
	require.NoError(t, s.Decide(ctx, p.ID, proposal.Decision{
		Status: proposal.StatusApproved, DeciderID: "alice", DecidedAt: epoch,
	}))
	return p.ID
}

func TestMint(t *testing.T) {
	fc := clock.NewFake(epoch)
	i := NewIssuer(proposal.NewMemoryStore(), WithClock(fc))

	a, err := i.Mint()
	require.NoError(t, err)
	b, err := i.Mint()
	require.NoError(t, err)

	assert.Len(t, a.Value, 64)
	assert.Equal(t, strings.ToLower(a.Value), a.Value)
	assert.NotEqual(t, a.Value, b.Value)
	assert.Equal(t, epoch.Add(15*time.Minute), a.ExpiresAt)
	assert.Equal(t, DefaultTTL, i.TTL())
}

func TestMint_RandomFailure(t *testing.T) {
	i := NewIssuer(proposal.NewMemoryStore(), WithRandom(bytes.NewReader([]byte{1, 2, 3})))
	_, err := i.Mint()
	assert.Error(t, err)
}

func TestWithTTL(t *testing.T) {
	fc := clock.NewFake(epoch)
	i := NewIssuer(proposal.NewMemoryStore(), WithClock(fc), WithTTL(time.Minute), WithTTL(0))
	tok, err := i.Mint()
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), tok.ExpiresAt)
}

func TestIssueValidateConsume(t *testing.T) {
	ctx := context.Background()
	store := proposal.NewMemoryStore()
	fc := clock.NewFake(epoch)
	i := NewIssuer(store, WithClock(fc))
	id := approvedProposal(t, store)

	tok, err := i.Issue(ctx, id)
	require.NoError(t, err)

	require.NoError(t, i.Validate(ctx, id, tok.Value))
	require.NoError(t, i.Validate(ctx, id, tok.Value), "validate has no side effects")

	err = i.Validate(ctx, id, strings.Repeat("0", 64))
	assert.True(t, apperr.IsKind(err, apperr.KindBadToken))

	require.NoError(t, i.Consume(ctx, id))
	require.NoError(t, i.Consume(ctx, id), "consume is idempotent")

	err = i.Validate(ctx, id, tok.Value)
	assert.True(t, apperr.IsKind(err, apperr.KindBadToken), "a consumed token never validates")
}

func TestIssue_RequiresApproval(t *testing.T) {
	ctx := context.Background()
	store := proposal.NewMemoryStore()
	p := &proposal.Proposal{SubjectRef: "pr:1", ActionKind: proposal.ActionMerge, Rationale: "r", CreatedAt: epoch}
	require.NoError(t, store.Create(ctx, p))

	_, err := NewIssuer(store).Issue(ctx, p.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotApproved))
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	store := proposal.NewMemoryStore()
	fc := clock.NewFake(epoch)
	i := NewIssuer(store, WithClock(fc))
	id := approvedProposal(t, store)

	tok, err := i.Issue(ctx, id)
	require.NoError(t, err)

	fc.Set(tok.ExpiresAt)
	assert.NoError(t, i.Validate(ctx, id, tok.Value), "valid exactly at expiry")

	fc.Advance(time.Nanosecond)
	err = i.Validate(ctx, id, tok.Value)
	assert.True(t, apperr.IsKind(err, apperr.KindTokenExpired))
}

func TestValidate_UnknownProposal(t *testing.T) {
	err := NewIssuer(proposal.NewMemoryStore()).Validate(context.Background(), "missing", "x")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestCheck_Order(t *testing.T) {
	tok := "abc"
	past := epoch.Add(-time.Minute)

	err := Check(&proposal.Approval{Status: proposal.StatusRejected, Token: &tok, TokenExpiresAt: &past}, "zzz", epoch)
	assert.True(t, apperr.IsKind(err, apperr.KindNotApproved), "status is checked before token")

	err = Check(&proposal.Approval{Status: proposal.StatusApproved, Token: &tok, TokenExpiresAt: &past}, "zzz", epoch)
	assert.True(t, apperr.IsKind(err, apperr.KindBadToken), "token is checked before expiry")

	err = Check(&proposal.Approval{Status: proposal.StatusApproved, Token: &tok, TokenExpiresAt: &past}, "abc", epoch)
	assert.True(t, apperr.IsKind(err, apperr.KindTokenExpired))

	err = Check(&proposal.Approval{Status: proposal.StatusApproved}, "", epoch)
	assert.True(t, apperr.IsKind(err, apperr.KindBadToken), "an empty presented token never matches a cleared one")

	assert.True(t, apperr.IsKind(Check(nil, "abc", epoch), apperr.KindNotApproved))
}

// TestCheck_Property: a presented token passes iff the approval is approved,
// the token matches and now is not after expiry.
func TestCheck_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	statuses := []proposal.Status{proposal.StatusPending, proposal.StatusApproved, proposal.StatusRejected}

	properties.Property("execute allowed iff approved, matching and unexpired", prop.ForAll(
		func(statusIdx int, hasToken bool, matches bool, offsetSec int64) bool {
			stored := "4f2a9c"
			presented := stored
			if !matches {
				presented = "4f2a9d"
			}
			expires := epoch
			now := epoch.Add(time.Duration(offsetSec) * time.Second)

			a := &proposal.Approval{Status: statuses[statusIdx]}
			if hasToken {
				a.Token = &stored
				a.TokenExpiresAt = &expires
			}

			want := statuses[statusIdx] == proposal.StatusApproved && hasToken && matches && !now.After(expires)
			err := Check(a, presented, now)
			if (err == nil) != want {
				return false
			}
			if err == nil {
				return true
			}
			var ae *apperr.Error
			return errors.As(err, &ae) && ae.Kind.IsAuthorization()
		},
		gen.IntRange(0, len(statuses)-1),
		gen.Bool(),
		gen.Bool(),
		gen.Int64Range(-1800, 1800),
	))

	properties.TestingRun(t)
}
