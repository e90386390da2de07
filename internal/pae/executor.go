package pae

import (
	"context"

	"github.com/fyrsmithlabs/autopilot/internal/proposal"
)

// Executor performs the action of an approved proposal.
type Executor interface {
	Execute(ctx context.Context, rec *proposal.Record) (*Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, rec *proposal.Record) (*Outcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, rec *proposal.Record) (*Outcome, error) {
	return f(ctx, rec)
}

// Outcome describes what an executor did.
type Outcome struct {
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}
