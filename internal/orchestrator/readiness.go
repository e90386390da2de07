package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Readiness classifies a pull request for merging.
type Readiness string

const (
	ReadinessClean         Readiness = "clean"
	ReadinessBlocked       Readiness = "blocked"
	ReadinessDraft         Readiness = "draft"
	ReadinessIndeterminate Readiness = "indeterminate"
	// ReadinessTimedOut is returned when polling gave up. It is a status,
	// not an error.
	ReadinessTimedOut Readiness = "timed_out"
)

// Final reports whether polling can stop on r.
func (r Readiness) Final() bool {
	return r == ReadinessClean || r == ReadinessBlocked || r == ReadinessDraft
}

var (
	okStates      = map[string]bool{"clean": true, "unstable": true, "unknown": true, "behind": true}
	blockedStates = map[string]bool{"dirty": true, "blocked": true}
)

// Classify derives readiness from one observation of a pull request.
func Classify(pr *vcs.PullRequest) Readiness {
	switch {
	case pr.Draft:
		return ReadinessDraft
	case blockedStates[pr.MergeableState]:
		return ReadinessBlocked
	case pr.Mergeable != nil && *pr.Mergeable && okStates[pr.MergeableState]:
		return ReadinessClean
	default:
		return ReadinessIndeterminate
	}
}

// Default poll bounds: about ninety seconds in the worst case.
const (
	DefaultMaxAttempts = 30
	DefaultInterval    = 3 * time.Second
)

// PollOptions bounds WaitForReadiness.
type PollOptions struct {
	MaxAttempts int           `json:"max_attempts"`
	Interval    time.Duration `json:"interval"`
}

func (p PollOptions) withDefaults() PollOptions {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	return p
}

// ReadinessReport is the outcome of WaitForReadiness.
type ReadinessReport struct {
	Number         int       `json:"number"`
	Readiness      Readiness `json:"readiness"`
	Attempts       int       `json:"attempts"`
	Mergeable      *bool     `json:"mergeable"`
	MergeableState string    `json:"mergeable_state"`
	HeadBranch     string    `json:"head_branch,omitempty"`
	HeadSHA        string    `json:"head_sha,omitempty"`
}

// WaitForReadiness polls pull request number until it is clean, blocked or
// a draft, or until MaxAttempts polls found nothing conclusive, in which
// case the report says timed_out. Zero options use the configured defaults.
//
// Transient host errors use up an attempt; any other read error is
// returned. Cancelling ctx stops the poll with ctx's error.
func (o *Orchestrator) WaitForReadiness(ctx context.Context, number int, opts PollOptions) (*ReadinessReport, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.wait_for_readiness")
	defer span.End()
	ctx = logging.WithChangeNumber(ctx, number)

	if err := requireNumber("wait_for_readiness", number); err != nil {
		return nil, fail(span, err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = o.poll.MaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = o.poll.Interval
	}

	report := &ReadinessReport{Number: number, Readiness: ReadinessTimedOut}
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		report.Attempts = attempt

		pr, err := o.host.GetPR(ctx, number)
		switch {
		case err == nil:
			report.Readiness = Classify(pr)
			report.Mergeable = pr.Mergeable
			report.MergeableState = pr.MergeableState
			report.HeadBranch = pr.HeadBranch
			report.HeadSHA = pr.HeadSHA
			o.logger.Trace(ctx, "readiness polled",
				zap.Int("attempt", attempt),
				zap.String("readiness", string(report.Readiness)),
				zap.String("mergeable_state", pr.MergeableState))
		case ctx.Err() != nil:
			return nil, fail(span, ctx.Err())
		case apperr.IsKind(err, apperr.KindRemoteTransient):
			o.logger.Warn(ctx, "readiness poll failed, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
		default:
			return nil, fail(span, err)
		}

		if report.Readiness.Final() {
			break
		}
		report.Readiness = ReadinessTimedOut
		if attempt < opts.MaxAttempts {
			if err := o.clock.Sleep(ctx, opts.Interval); err != nil {
				return nil, fail(span, err)
			}
		}
	}

	span.SetAttributes(
		attribute.String("readiness", string(report.Readiness)),
		attribute.Int("attempts", report.Attempts),
	)
	o.metrics.ReadinessPolled(string(report.Readiness), report.Attempts)
	o.logger.Info(ctx, "readiness resolved",
		zap.String("readiness", string(report.Readiness)),
		zap.Int("attempts", report.Attempts),
		zap.String("mergeable_state", report.MergeableState))
	return report, nil
}
