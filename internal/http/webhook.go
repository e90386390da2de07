package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxWebhookBody = 1 << 20

// prActions are the pull_request actions forwarded as change.updated.
var prActions = map[string]bool{
	"opened":             true,
	"reopened":           true,
	"synchronize":        true,
	"closed":             true,
	"ready_for_review":   true,
	"converted_to_draft": true,
}

// WebhookResponse is the response body for POST /webhooks/github.
type WebhookResponse struct {
	Status string `json:"status"`
}

// webhookLimiter hands out one limiter per client IP: 1 request per second
// with a burst of 10. The map is reset hourly.
type webhookLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

func (l *webhookLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiters == nil || time.Since(l.lastCleanup) > time.Hour {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastCleanup = time.Now()
	}

	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(1), 10)
		l.limiters[ip] = limiter
	}
	return limiter
}

// handleGitHubWebhook verifies the payload signature and forwards pull
// request and check suite activity as lifecycle events.
func (s *Server) handleGitHubWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	ip := c.RealIP()
	if !s.webhookLimits.get(ip).Allow() {
		s.logger.Warn(ctx, "webhook rate limit exceeded", zap.String("ip", ip))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxWebhookBody)

	payload, err := github.ValidatePayload(req, []byte(s.config.WebhookSecret.Value()))
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	event, err := github.ParseWebHook(github.WebHookType(req), payload)
	if err != nil {
		s.logger.Warn(ctx, "failed to parse webhook", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	var evts []events.Event
	switch e := event.(type) {
	case *github.PingEvent:
		return c.JSON(http.StatusOK, WebhookResponse{Status: "pong"})
	case *github.PullRequestEvent:
		evt, err := pullRequestEvent(e)
		if err != nil {
			s.logger.Warn(ctx, "invalid pull request event", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if evt != nil {
			evts = append(evts, *evt)
		}
	case *github.CheckSuiteEvent:
		evts = checkSuiteEvents(e)
	default:
		s.logger.Debug(ctx, "ignoring webhook event", zap.String("type", github.WebHookType(req)))
	}

	if len(evts) == 0 {
		return c.JSON(http.StatusOK, WebhookResponse{Status: "ignored"})
	}
	for _, evt := range evts {
		if err := s.publish(ctx, evt); err != nil {
			s.logger.Error(ctx, "failed to publish webhook event", zap.String("event", evt.Type), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to publish event")
		}
	}
	return c.JSON(http.StatusOK, WebhookResponse{Status: "ok"})
}

func (s *Server) publish(ctx context.Context, evt events.Event) error {
	evt.OccurredAt = time.Now().UTC()
	return s.events.Publish(ctx, evt)
}

// pullRequestEvent maps a pull_request delivery to change.updated. A nil
// event means the action is not forwarded.
func pullRequestEvent(e *github.PullRequestEvent) (*events.Event, error) {
	pr := e.GetPullRequest()
	if pr == nil || pr.GetNumber() <= 0 {
		return nil, fmt.Errorf("invalid pull request number")
	}
	if !prActions[e.GetAction()] {
		return nil, nil
	}
	return &events.Event{
		Type: events.ChangeUpdated,
		ID:   strconv.Itoa(pr.GetNumber()),
		Data: map[string]any{
			"action":   e.GetAction(),
			"number":   pr.GetNumber(),
			"head":     pr.GetHead().GetRef(),
			"head_sha": pr.GetHead().GetSHA(),
			"base":     pr.GetBase().GetRef(),
			"draft":    pr.GetDraft(),
			"merged":   pr.GetMerged(),
			"sender":   e.GetSender().GetLogin(),
		},
	}, nil
}

// checkSuiteEvents maps a completed check suite to one
// change.checks_completed event per pull request it covers.
func checkSuiteEvents(e *github.CheckSuiteEvent) []events.Event {
	suite := e.GetCheckSuite()
	if e.GetAction() != "completed" || suite == nil {
		return nil
	}
	var out []events.Event
	for _, pr := range suite.PullRequests {
		if pr.GetNumber() <= 0 {
			continue
		}
		out = append(out, events.Event{
			Type: events.ChecksCompleted,
			ID:   strconv.Itoa(pr.GetNumber()),
			Data: map[string]any{
				"number":     pr.GetNumber(),
				"head_sha":   suite.GetHeadSHA(),
				"status":     suite.GetStatus(),
				"conclusion": suite.GetConclusion(),
			},
		})
	}
	return out
}
