// Package orchestrator drives a pull request through its lifecycle.
//
// A change is opened on a fresh branch, polled until the host reports it
// ready, and merged remotely. Two fallbacks use the shared working copy:
// BringBaseIntoChange merges the base branch into the head branch locally,
// and AdminSquashMerge squashes the head branch onto the base branch and
// pushes it directly. Both hold the working copy exclusively and always
// restore the branch that was checked out before they ran.
//
// Readiness is derived from every poll of the pull request:
//
//	draft flag set                                       → draft
//	mergeable_state dirty or blocked                     → blocked
//	mergeable and state clean, unstable, unknown, behind → clean
//	anything else (mergeable still null, ...)            → indeterminate
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/clock"
	"github.com/fyrsmithlabs/autopilot/internal/drafting"
	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/secrets"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
	"github.com/fyrsmithlabs/autopilot/internal/worktree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/orchestrator"

// Config holds orchestrator settings.
type Config struct {
	// BaseBranch is the default target of new changes (default "main").
	BaseBranch string
	// BranchPrefix names branches of changes that do not set one (default "autopilot").
	BranchPrefix string
	// AuthorName and AuthorEmail sign contents API commits.
	AuthorName  string
	AuthorEmail string
	// Poll is the default readiness poll.
	Poll PollOptions
	// AllowedPaths are glob patterns for EditFile. Empty uses DefaultAllowedPaths.
	AllowedPaths []string
}

// Orchestrator manages pull requests on one repository.
type Orchestrator struct {
	host    vcs.Host
	repo    *worktree.Repo
	drafter drafting.Drafter
	guard   *secrets.Scanner
	editing *PathPolicy
	events  events.Publisher
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *logging.Logger
	tracer  trace.Tracer

	baseBranch   string
	branchPrefix string
	authorName   string
	authorEmail  string
	poll         PollOptions
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkingCopy enables operations that need the local clone.
func WithWorkingCopy(repo *worktree.Repo) Option {
	return func(o *Orchestrator) { o.repo = repo }
}

// WithDrafter sets the collaborator used by Autopilot.
func WithDrafter(d drafting.Drafter) Option {
	return func(o *Orchestrator) { o.drafter = d }
}

// WithSecretGuard overrides the default credential scanner.
func WithSecretGuard(s *secrets.Scanner) Option {
	return func(o *Orchestrator) { o.guard = s }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(pub events.Publisher) Option {
	return func(o *Orchestrator) { o.events = pub }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the wall clock used for polling and branch names.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an orchestrator over host.
func New(host vcs.Host, cfg Config, opts ...Option) (*Orchestrator, error) {
	if host == nil {
		return nil, errors.New("orchestrator: host is required")
	}
	allowed := cfg.AllowedPaths
	if len(allowed) == 0 {
		allowed = DefaultAllowedPaths
	}
	policy, err := NewPathPolicy(allowed)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		host:         host,
		editing:      policy,
		events:       events.Nop{},
		clock:        clock.Real{},
		logger:       logging.Nop(),
		tracer:       otel.Tracer(instrumentationName),
		baseBranch:   cfg.BaseBranch,
		branchPrefix: cfg.BranchPrefix,
		authorName:   cfg.AuthorName,
		authorEmail:  cfg.AuthorEmail,
		poll:         cfg.Poll.withDefaults(),
	}
	if o.baseBranch == "" {
		o.baseBranch = "main"
	}
	if o.branchPrefix == "" {
		o.branchPrefix = "autopilot"
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.guard == nil {
		o.guard = secrets.MustNewScanner(nil)
	}
	return o, nil
}

// BaseBranch returns the default base branch.
func (o *Orchestrator) BaseBranch() string {
	return o.baseBranch
}

// WorkingCopyStatus reports the branch and dirty state of the local clone.
func (o *Orchestrator) WorkingCopyStatus(ctx context.Context) (*worktree.Status, error) {
	if o.repo == nil {
		return nil, errNoWorkingCopy("working_copy_status")
	}
	return o.repo.Status(ctx)
}

// withCheckout runs fn while holding the working copy. The original branch
// is restored on every path; a restore failure is returned only when fn
// itself succeeded.
func (o *Orchestrator) withCheckout(ctx context.Context, op string, fn func(co *worktree.Checkout) error) (err error) {
	if o.repo == nil {
		return errNoWorkingCopy(op)
	}
	co, err := o.repo.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := co.Release(ctx); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(co)
}

// abortMerge clears a failed local merge. The abort failure is attached to
// cause so the caller still reports the merge failure.
func (o *Orchestrator) abortMerge(ctx context.Context, co *worktree.Checkout, cause error) error {
	if err := co.AbortMerge(ctx); err != nil {
		o.logger.Error(ctx, "failed to abort local merge", zap.Error(err))
		return errors.Join(cause, fmt.Errorf("aborting merge: %w", err))
	}
	return cause
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, number int, data map[string]any) {
	evt := events.Event{Type: eventType, ID: fmt.Sprintf("%d", number), OccurredAt: o.clock.Now(), Data: data}
	if err := o.events.Publish(ctx, evt); err != nil {
		o.logger.Warn(ctx, "failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// bestEffort runs a cleanup step. Failures are logged and suppressed.
func (o *Orchestrator) bestEffort(ctx context.Context, what string, fn func() error) bool {
	if err := fn(); err != nil {
		o.logger.Warn(ctx, "cleanup step failed", zap.String("step", what), zap.Error(err))
		return false
	}
	return true
}

func errNoWorkingCopy(op string) error {
	return apperr.New(apperr.KindResourceState, op, "no working copy configured")
}

// remote classifies a git failure talking to the remote.
func remote(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperr.Wrap(apperr.KindRemoteError, op, err)
}

// local classifies a git failure that leaves the working copy unusable.
func local(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperr.Wrap(apperr.KindResourceState, op, err)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func requireNumber(op string, number int) error {
	if number <= 0 {
		return apperr.Validation(op, "pull request number must be positive, got %d", number)
	}
	return nil
}
