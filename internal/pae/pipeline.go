// Package pae implements the propose, decide and execute pipeline.
//
// A proposal moves from pending to approved or rejected. Approving mints a
// short-lived capability token; execute runs the action for the proposal only
// when that token is presented before it expires, and consumes it so the
// action runs at most once per approval.
package pae

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/clock"
	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/proposal"
	"github.com/fyrsmithlabs/autopilot/internal/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/pae"

// ProposeInput is the request to create a proposal.
type ProposeInput struct {
	SubjectRef string  `json:"subject_ref"`
	ActionKind string  `json:"action_kind"`
	Rationale  string  `json:"rationale"`
	DraftText  string  `json:"draft_text,omitempty"`
	Confidence float64 `json:"confidence"`
}

// DecideInput is a decider's verdict on a proposal.
type DecideInput struct {
	Decision      string  `json:"decision"`
	DeciderID     string  `json:"decider_id"`
	DraftOverride *string `json:"draft_override,omitempty"`
}

// Decision is the result of Decide. Token and ExpiresAt are set only when approved.
type Decision struct {
	ProposalID string          `json:"proposal_id"`
	Status     proposal.Status `json:"status"`
	DeciderID  string          `json:"decider_id"`
	DecidedAt  time.Time       `json:"decided_at"`
	Token      string          `json:"token,omitempty"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// ExecutionResult is the result of a successful Execute.
type ExecutionResult struct {
	ProposalID string              `json:"proposal_id"`
	ActionKind proposal.ActionKind `json:"action_kind"`
	ExecutedAt time.Time           `json:"executed_at"`
	Outcome    *Outcome            `json:"outcome,omitempty"`
}

// Pipeline coordinates the proposal store, the token issuer and the executors.
type Pipeline struct {
	store     proposal.Store
	issuer    *token.Issuer
	executors map[proposal.ActionKind]Executor
	events    events.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *logging.Logger
	tracer    trace.Tracer
	tokenTTL  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExecutor registers the executor for kind, replacing any previous one.
func WithExecutor(kind proposal.ActionKind, exec Executor) Option {
	return func(p *Pipeline) { p.executors[kind] = exec }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(pub events.Publisher) Option {
	return func(p *Pipeline) { p.events = pub }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithTokenTTL overrides token.DefaultTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(p *Pipeline) { p.tokenTTL = ttl }
}

// New creates a pipeline over store.
func New(store proposal.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		executors: make(map[proposal.ActionKind]Executor),
		events:    events.Nop{},
		clock:     clock.Real{},
		logger:    logging.Nop(),
		tracer:    otel.Tracer(instrumentationName),
		tokenTTL:  token.DefaultTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.issuer = token.NewIssuer(store, token.WithClock(p.clock), token.WithTTL(p.tokenTTL))
	return p
}

// Issuer returns the token issuer bound to the pipeline's store and clock.
func (p *Pipeline) Issuer() *token.Issuer {
	return p.issuer
}

// Propose validates in and stores a new proposal with a pending approval.
func (p *Pipeline) Propose(ctx context.Context, in ProposeInput) (*proposal.Proposal, error) {
	const op = "propose"
	ctx, span := p.tracer.Start(ctx, "pae.propose")
	defer span.End()

	kind, ok := proposal.ParseActionKind(in.ActionKind)
	if !ok {
		return nil, fail(span, apperr.Validation(op, "unknown action kind %q", in.ActionKind))
	}
	if math.IsNaN(in.Confidence) || in.Confidence < 0 || in.Confidence > 1 {
		return nil, fail(span, apperr.Validation(op, "confidence must be within [0, 1]"))
	}
	if strings.TrimSpace(in.Rationale) == "" {
		return nil, fail(span, apperr.Validation(op, "rationale is required"))
	}
	if strings.TrimSpace(in.SubjectRef) == "" {
		return nil, fail(span, apperr.Validation(op, "subject_ref is required"))
	}

	prop := &proposal.Proposal{
		SubjectRef: in.SubjectRef,
		ActionKind: kind,
		Rationale:  in.Rationale,
		DraftText:  in.DraftText,
		Confidence: in.Confidence,
		CreatedAt:  p.clock.Now(),
	}
	if err := p.store.Create(ctx, prop); err != nil {
		return nil, fail(span, err)
	}

	span.SetAttributes(attribute.String("proposal.id", prop.ID), attribute.String("action_kind", string(kind)))
	ctx = logging.WithProposalID(ctx, prop.ID)
	p.logger.Info(ctx, "proposal created",
		zap.String("subject_ref", prop.SubjectRef),
		zap.String("action_kind", string(kind)),
		zap.Float64("confidence", prop.Confidence),
	)
	p.metrics.ProposalCreated(string(kind))
	p.publish(ctx, events.ProposalCreated, prop.ID, map[string]any{
		"subject_ref": prop.SubjectRef,
		"action_kind": kind,
		"confidence":  prop.Confidence,
	})
	return prop, nil
}

// Decide records an approval or rejection. Approving mints a new token and
// writes it together with the decision; any earlier token stops validating.
func (p *Pipeline) Decide(ctx context.Context, id string, in DecideInput) (*Decision, error) {
	const op = "decide"
	ctx, span := p.tracer.Start(ctx, "pae.decide", trace.WithAttributes(attribute.String("proposal.id", id)))
	defer span.End()
	ctx = logging.WithProposalID(ctx, id)

	var status proposal.Status
	switch proposal.Status(in.Decision) {
	case proposal.StatusApproved, proposal.StatusRejected:
		status = proposal.Status(in.Decision)
	default:
		return nil, fail(span, apperr.Validation(op, "decision must be approved or rejected, got %q", in.Decision))
	}
	if strings.TrimSpace(in.DeciderID) == "" {
		return nil, fail(span, apperr.Validation(op, "decider_id is required"))
	}

	if _, err := p.store.Get(ctx, id); err != nil {
		return nil, fail(span, err)
	}

	now := p.clock.Now()
	d := proposal.Decision{
		Status:        status,
		DeciderID:     in.DeciderID,
		DecidedAt:     now,
		DraftOverride: in.DraftOverride,
	}
	out := &Decision{ProposalID: id, Status: status, DeciderID: in.DeciderID, DecidedAt: now}

	if status == proposal.StatusApproved {
		tok, err := p.issuer.Mint()
		if err != nil {
			return nil, fail(span, apperr.Wrap(apperr.KindInternal, op, err))
		}
		d.Token = &tok.Value
		d.TokenExpiresAt = &tok.ExpiresAt
		out.Token = tok.Value
		out.ExpiresAt = &tok.ExpiresAt
	}

	if err := p.store.Decide(ctx, id, d); err != nil {
		return nil, fail(span, err)
	}

	span.SetAttributes(attribute.String("decision", string(status)))
	p.logger.Info(ctx, "proposal decided",
		zap.String("decision", string(status)),
		zap.String("decider_id", in.DeciderID),
		zap.Bool("draft_overridden", in.DraftOverride != nil),
	)
	p.metrics.Decided(string(status))
	p.publish(ctx, events.ProposalDecided, id, map[string]any{
		"decision":   status,
		"decider_id": in.DeciderID,
	})
	return out, nil
}

// Execute runs the action of an approved proposal when presented is its
// current, unexpired token.
//
// The token is claimed before the executor runs, so concurrent calls with the
// same token execute the action once. A failed action still consumes the
// token; running it again needs a fresh approval.
func (p *Pipeline) Execute(ctx context.Context, id, presented string) (*ExecutionResult, error) {
	const op = "execute"
	ctx, span := p.tracer.Start(ctx, "pae.execute", trace.WithAttributes(attribute.String("proposal.id", id)))
	defer span.End()
	ctx = logging.WithProposalID(ctx, id)

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	kind := rec.Proposal.ActionKind
	span.SetAttributes(attribute.String("action_kind", string(kind)))

	if err := token.Check(rec.Approval, presented, p.clock.Now()); err != nil {
		if apperr.IsKind(err, apperr.KindTokenExpired) {
			if cerr := p.issuer.Consume(ctx, id); cerr != nil {
				p.logger.Warn(ctx, "failed to clear expired token", zap.Error(cerr))
			}
		}
		p.logger.Info(ctx, "execution refused", zap.String("reason", string(apperr.KindOf(err))))
		return nil, fail(span, err)
	}

	claimed, err := p.store.ClaimToken(ctx, id, presented)
	if err != nil {
		return nil, fail(span, err)
	}
	if !claimed {
		return nil, fail(span, apperr.New(apperr.KindBadToken, op, "capability token already used"))
	}

	exec, ok := p.executors[kind]
	var (
		outcome *Outcome
		execErr error
	)
	if !ok {
		execErr = apperr.New(apperr.KindInternal, op, "no executor registered for %s", kind)
	} else {
		outcome, execErr = exec.Execute(ctx, rec)
	}

	executedAt := p.clock.Now()
	errText := ""
	if execErr != nil {
		errText = execErr.Error()
	}
	if err := p.store.RecordExecution(ctx, id, executedAt, errText); err != nil {
		p.logger.Error(ctx, "failed to record execution", zap.Error(err))
		if execErr == nil {
			execErr = err
		}
	}

	p.metrics.Executed(string(kind), execErr)
	data := map[string]any{"action_kind": kind, "outcome": metrics.OutcomeSuccess}
	if execErr != nil {
		data["outcome"] = metrics.OutcomeFailure
		data["error"] = string(apperr.KindOf(execErr))
	}
	p.publish(ctx, events.ProposalExecuted, id, data)

	if execErr != nil {
		p.logger.Warn(ctx, "proposal execution failed", zap.String("action_kind", string(kind)), zap.Error(execErr))
		return nil, fail(span, execErr)
	}

	p.logger.Info(ctx, "proposal executed", zap.String("action_kind", string(kind)))
	return &ExecutionResult{ProposalID: id, ActionKind: kind, ExecutedAt: executedAt, Outcome: outcome}, nil
}

// ListPending returns pending proposals, newest first.
func (p *Pipeline) ListPending(ctx context.Context) ([]*proposal.Proposal, error) {
	ctx, span := p.tracer.Start(ctx, "pae.list_pending")
	defer span.End()

	pending, err := p.store.ListPending(ctx)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("count", len(pending)))
	return pending, nil
}

// Get returns a proposal and its approval.
func (p *Pipeline) Get(ctx context.Context, id string) (*proposal.Record, error) {
	return p.store.Get(ctx, id)
}

func (p *Pipeline) publish(ctx context.Context, eventType, id string, data any) {
	evt := events.Event{Type: eventType, ID: id, OccurredAt: p.clock.Now(), Data: data}
	if err := p.events.Publish(ctx, evt); err != nil {
		p.logger.Warn(ctx, "failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
