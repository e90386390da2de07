// Package proposal defines proposals, their approvals and the store that
// persists both.
package proposal

import (
	"context"
	"time"
)

// ActionKind is the kind of action a proposal asks to perform.
type ActionKind string

const (
	ActionReply   ActionKind = "reply"
	ActionArchive ActionKind = "archive"
	ActionLabel   ActionKind = "label"
	ActionDelete  ActionKind = "delete"
	ActionEdit    ActionKind = "edit"
	ActionMerge   ActionKind = "merge"
)

// ActionKinds lists every accepted action kind.
var ActionKinds = []ActionKind{ActionReply, ActionArchive, ActionLabel, ActionDelete, ActionEdit, ActionMerge}

// ParseActionKind returns the action kind named by s.
func ParseActionKind(s string) (ActionKind, bool) {
	for _, k := range ActionKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Status is the approval state of a proposal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Proposal is an immutable request to perform one action.
type Proposal struct {
	ID         string     `json:"id"`
	SubjectRef string     `json:"subject_ref"`
	ActionKind ActionKind `json:"action_kind"`
	Rationale  string     `json:"rationale"`
	DraftText  string     `json:"draft_text,omitempty"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Approval is the single decision record attached to a proposal.
//
// Token is non-nil only while Status is approved and the token has not been
// consumed.
type Approval struct {
	ProposalID     string     `json:"proposal_id"`
	Status         Status     `json:"status"`
	DeciderID      string     `json:"decider_id,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DraftOverride  *string    `json:"draft_override,omitempty"`
	Token          *string    `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	ExecutionError string     `json:"execution_error,omitempty"`
}

// Executed reports whether the proposal has been executed.
func (a *Approval) Executed() bool {
	return a.ExecutedAt != nil
}

// EffectiveDraft returns the decider's override when present, else the proposal draft.
func (r *Record) EffectiveDraft() string {
	if r.Approval != nil && r.Approval.DraftOverride != nil {
		return *r.Approval.DraftOverride
	}
	return r.Proposal.DraftText
}

// Record pairs a proposal with its approval.
type Record struct {
	Proposal *Proposal `json:"proposal"`
	Approval *Approval `json:"approval"`
}

// Decision is written to an approval in a single store operation.
type Decision struct {
	Status         Status
	DeciderID      string
	DecidedAt      time.Time
	DraftOverride  *string
	Token          *string
	TokenExpiresAt *time.Time
}

// Store persists proposals and approvals.
//
// Implementations return apperr kinds: not_found for unknown proposals,
// validation_error for writes rejected by state.
type Store interface {
	// Create assigns an ID when p.ID is empty and stores p together with a
	// pending approval.
	Create(ctx context.Context, p *Proposal) error
	// Get returns the proposal and its approval.
	Get(ctx context.Context, id string) (*Record, error)
	// Decide overwrites status, decider, timestamp, override and token.
	// Executed proposals cannot be re-decided.
	Decide(ctx context.Context, id string, d Decision) error
	// SetToken stores a token on an approved approval.
	SetToken(ctx context.Context, id, token string, expiresAt time.Time) error
	// ClearToken removes any token. Idempotent.
	ClearToken(ctx context.Context, id string) error
	// ClaimToken clears the token only if it still equals token and the
	// proposal is approved and unexecuted. Reports whether it did.
	ClaimToken(ctx context.Context, id, token string) (bool, error)
	// RecordExecution marks the proposal executed with an optional error text.
	RecordExecution(ctx context.Context, id string, at time.Time, execErr string) error
	// ListPending returns pending proposals, newest first.
	ListPending(ctx context.Context) ([]*Proposal, error)
	// Close releases resources.
	Close() error
}
