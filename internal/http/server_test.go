package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/pae"
	"github.com/fyrsmithlabs/autopilot/internal/proposal"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*Server
	host *vcs.Fake
	logs *logging.TestLogger
}

func setupTestServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()
	logs := logging.NewTestLogger()
	host := vcs.NewFake("main", "base-sha")

	orch, err := orchestrator.New(host, orchestrator.Config{}, orchestrator.WithLogger(logs.Logger))
	require.NoError(t, err)

	executed := pae.ExecutorFunc(func(_ context.Context, rec *proposal.Record) (*pae.Outcome, error) {
		return &pae.Outcome{Summary: "sent reply to " + rec.Proposal.SubjectRef}, nil
	})
	pipeline := pae.New(proposal.NewMemoryStore(), pae.WithExecutor(proposal.ActionReply, executed))

	server, err := NewServer(pipeline, logs.Logger, cfg, WithChanges(orch), WithMetrics(metrics.New()))
	require.NoError(t, err)
	return &testServer{Server: server, host: host, logs: logs}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	pipeline := pae.New(proposal.NewMemoryStore())

	t.Run("creates server with valid config", func(t *testing.T) {
		cfg := &Config{Host: "127.0.0.1", Port: 9000}
		server, err := NewServer(pipeline, logging.Nop(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, server.echo)
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(pipeline, logging.Nop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8787, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(pipeline, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when pipeline is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.Nop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline cannot be nil")
	})

	t.Run("change routes need an orchestrator", func(t *testing.T) {
		server, err := NewServer(pipeline, logging.Nop(), nil)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/worktree", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t, &Config{AdminToken: "admin-secret"})
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestProposalLifecycle(t *testing.T) {
	s := setupTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/proposals", pae.ProposeInput{
		SubjectRef: "thread-42",
		ActionKind: "reply",
		Rationale:  "customer asked for pricing",
		DraftText:  "Here is our pricing.",
		Confidence: 0.7,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	prop := decode[proposal.Proposal](t, rec)
	require.NotEmpty(t, prop.ID)

	rec = s.do(t, http.MethodGet, "/api/v1/proposals/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[PendingResponse](t, rec)
	require.Len(t, pending.Proposals, 1)
	assert.Equal(t, prop.ID, pending.Proposals[0].ID)

	rec = s.do(t, http.MethodPost, "/api/v1/proposals/"+prop.ID+"/execute", ExecuteRequest{Token: "guess"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_approved", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/v1/proposals/"+prop.ID+"/decision", pae.DecideInput{Decision: "approved", DeciderID: "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decision := decode[pae.Decision](t, rec)
	require.NotEmpty(t, decision.Token)
	require.NotNil(t, decision.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), *decision.ExpiresAt, time.Minute)

	rec = s.do(t, http.MethodPost, "/api/v1/proposals/"+prop.ID+"/execute", ExecuteRequest{Token: "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "bad_token", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/v1/proposals/"+prop.ID+"/execute", nil, HeaderCapabilityToken, decision.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[pae.ExecutionResult](t, rec)
	assert.Equal(t, "sent reply to thread-42", res.Outcome.Summary)

	rec = s.do(t, http.MethodPost, "/api/v1/proposals/"+prop.ID+"/execute", ExecuteRequest{Token: decision.Token})
	assert.Equal(t, http.StatusForbidden, rec.Code, "token is single-use")

	rec = s.do(t, http.MethodGet, "/api/v1/proposals/"+prop.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), decision.Token)

	s.logs.AssertNoSecrets(t)
}

func TestProposalErrors(t *testing.T) {
	s := setupTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/proposals/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperr.KindNotFound), decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/v1/proposals", pae.ProposeInput{SubjectRef: "x", ActionKind: "launch", Rationale: "r"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperr.KindValidation), decode[ErrorResponse](t, rec).Error)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proposals", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	out := httptest.NewRecorder()
	s.echo.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
	assert.Equal(t, string(apperr.KindValidation), decode[ErrorResponse](t, out).Error)
}

func TestAdminToken(t *testing.T) {
	s := setupTestServer(t, &Config{AdminToken: "admin-secret"})

	rec := s.do(t, http.MethodGet, "/api/v1/proposals/pending", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodGet, "/api/v1/proposals/pending", nil, HeaderAdminToken, "nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/proposals/pending", nil, HeaderAdminToken, "admin-secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenChange(t *testing.T) {
	s := setupTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/changes", orchestrator.ChangeRequest{
		CommitMessage: "Add notes",
		Files:         []orchestrator.FileChange{{Path: "docs/notes.md", Content: "# Notes\n"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decode[orchestrator.OpenedChange](t, rec)
	assert.Equal(t, 1, opened.Number)

	content, ok := s.host.FileContent(opened.Branch, "docs/notes.md")
	require.True(t, ok)
	assert.Equal(t, "# Notes\n", content)
}

func TestOpenChange_FailureReportsBranch(t *testing.T) {
	s := setupTestServer(t, nil)
	s.host.Errs["CreatePR"] = apperr.New(apperr.KindRemoteError, "create_pr", "validation failed")

	rec := s.do(t, http.MethodPost, "/api/v1/changes", orchestrator.ChangeRequest{
		CommitMessage: "Add notes",
		Files:         []orchestrator.FileChange{{Path: "docs/notes.md", Content: "x"}},
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "remote_error", body.Error)
	assert.True(t, strings.HasPrefix(body.Branch, "autopilot/"), body.Branch)
}

func TestEditFile_OutsideAllowList(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/changes/edit", orchestrator.EditRequest{Path: ".github/workflows/ci.yml", Find: "a", Replace: "b"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutopilot_WithoutDrafter(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/changes/autopilot", AutopilotRequest{Task: "write a plan"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "resource_state", decode[ErrorResponse](t, rec).Error)
}

func TestCheckPollBudget(t *testing.T) {
	tests := []struct {
		name string
		opts orchestrator.PollOptions
		ok   bool
	}{
		{"defaults", orchestrator.PollOptions{}, true},
		{"exactly at the cap", orchestrator.PollOptions{MaxAttempts: 200, Interval: 3 * time.Second}, true},
		{"one attempt over", orchestrator.PollOptions{MaxAttempts: 201}, false},
		{"long interval", orchestrator.PollOptions{MaxAttempts: 1, Interval: 11 * time.Minute}, false},
		{"overflowing product", orchestrator.PollOptions{MaxAttempts: 1 << 40, Interval: time.Hour}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPollBudget("wait_for_readiness", tt.opts)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestChangeRoutes(t *testing.T) {
	s := setupTestServer(t, nil)
	mergeable := true
	s.host.AddPR(vcs.PullRequest{Number: 3, Mergeable: &mergeable, MergeableState: "clean", HeadBranch: "feature", HeadSHA: "h", BaseBranch: "main"})

	rec := s.do(t, http.MethodGet, "/api/v1/changes/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.ReadinessClean, decode[orchestrator.ChangeStatus](t, rec).Readiness)

	rec = s.do(t, http.MethodGet, "/api/v1/changes/3/readiness?max_attempts=1&interval=1ms", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[orchestrator.ReadinessReport](t, rec)
	assert.Equal(t, 1, report.Attempts)

	rec = s.do(t, http.MethodGet, "/api/v1/changes/3/readiness?interval=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, q := range []string{"max_attempts=100000&interval=1s", "interval=1h", "max_attempts=201"} {
		rec = s.do(t, http.MethodGet, "/api/v1/changes/3/readiness?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "validation_error", decode[ErrorResponse](t, rec).Error, q)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/changes/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/changes/3/update-branch", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/changes/3/merge-base", MergeBaseRequest{Strategy: "theirs"})
	assert.Equal(t, http.StatusConflict, rec.Code, "no working copy configured")

	rec = s.do(t, http.MethodPost, "/api/v1/changes/3/merge", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decode[orchestrator.MergeResult](t, rec)
	assert.True(t, merged.Merged)

	rec = s.do(t, http.MethodGet, "/api/v1/changes/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMerge_Blocked(t *testing.T) {
	s := setupTestServer(t, nil)
	s.host.AddPR(vcs.PullRequest{Number: 4, MergeableState: "dirty"})

	rec := s.do(t, http.MethodPost, "/api/v1/changes/4/merge", orchestrator.MergeOptions{Method: "squash"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "not_mergeable", decode[ErrorResponse](t, rec).Error)
}

func TestApprovalPolicy(t *testing.T) {
	s := setupTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/branches/protection/approvals", map[string]any{"branch": "main"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/branches/protection/approvals", map[string]any{"required_approvals": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/branches/protection/approvals", map[string]any{"required_approvals": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ApprovalPolicyResponse{Branch: "main", RequiredApprovals: 2}, decode[ApprovalPolicyResponse](t, rec))
	assert.Equal(t, 2, s.host.Protection("main"))
}

func TestWorktree_NotConfigured(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/v1/worktree", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartShutdown(t *testing.T) {
	server, err := NewServer(pae.New(proposal.NewMemoryStore()), logging.Nop(), &Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}
