package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/labstack/echo/v4"
)

// AutopilotRequest is the request body for POST /api/v1/changes/autopilot.
type AutopilotRequest struct {
	Task string `json:"task"`
}

// MergeBaseRequest is the request body for POST /api/v1/changes/:number/merge-base.
type MergeBaseRequest struct {
	Strategy string `json:"strategy"`
}

// ApprovalPolicyRequest is the request body for POST /api/v1/branches/protection/approvals.
type ApprovalPolicyRequest struct {
	Branch            string `json:"branch"`
	RequiredApprovals *int   `json:"required_approvals"`
}

// ApprovalPolicyResponse reports the enforced approval count.
type ApprovalPolicyResponse struct {
	Branch            string `json:"branch"`
	RequiredApprovals int    `json:"required_approvals"`
}

// UpdateBranchResponse is the response body for POST /api/v1/changes/:number/update-branch.
type UpdateBranchResponse struct {
	Number int    `json:"number"`
	Status string `json:"status"`
}

func changeNumber(c echo.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("number"))
	if err != nil || n <= 0 {
		return 0, apperr.Validation("parse_number", "pull request number must be a positive integer, got %q", c.Param("number"))
	}
	return n, nil
}

func opened(c echo.Context, change *orchestrator.OpenedChange, err error) error {
	if err != nil {
		if change != nil {
			return withBranch(err, change.Branch)
		}
		return err
	}
	return c.JSON(http.StatusCreated, change)
}

func (s *Server) handleOpenChange(c echo.Context) error {
	var req orchestrator.ChangeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	change, err := s.changes.OpenChange(c.Request().Context(), req)
	return opened(c, change, err)
}

func (s *Server) handleAutopilot(c echo.Context) error {
	var req AutopilotRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	change, err := s.changes.Autopilot(c.Request().Context(), req.Task)
	return opened(c, change, err)
}

func (s *Server) handleEditFile(c echo.Context) error {
	var req orchestrator.EditRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	change, err := s.changes.EditFile(c.Request().Context(), req)
	return opened(c, change, err)
}

func (s *Server) handleChangeStatus(c echo.Context) error {
	n, err := changeNumber(c)
	if err != nil {
		return err
	}
	st, err := s.changes.Status(c.Request().Context(), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// maxPollBudget bounds max_attempts * interval for one readiness request.
const maxPollBudget = 10 * time.Minute

// checkPollBudget rejects polls that would hold the request longer than
// maxPollBudget. Unset values count at their defaults.
func checkPollBudget(op string, opts orchestrator.PollOptions) error {
	attempts, interval := opts.MaxAttempts, opts.Interval
	if attempts <= 0 {
		attempts = orchestrator.DefaultMaxAttempts
	}
	if interval <= 0 {
		interval = orchestrator.DefaultInterval
	}
	if interval > maxPollBudget || time.Duration(attempts) > maxPollBudget/interval {
		return apperr.Validation(op, "max_attempts * interval must not exceed %s, got %d * %s",
			maxPollBudget, attempts, interval)
	}
	return nil
}

// handleReadiness polls readiness. max_attempts is an integer; interval is
// a Go duration ("2s") or a number of seconds.
func (s *Server) handleReadiness(c echo.Context) error {
	const op = "wait_for_readiness"
	n, err := changeNumber(c)
	if err != nil {
		return err
	}

	var opts orchestrator.PollOptions
	if v := c.QueryParam("max_attempts"); v != "" {
		attempts, err := strconv.Atoi(v)
		if err != nil || attempts <= 0 {
			return apperr.Validation(op, "max_attempts must be a positive integer, got %q", v)
		}
		opts.MaxAttempts = attempts
	}
	if v := c.QueryParam("interval"); v != "" {
		interval, err := parseInterval(v)
		if err != nil {
			return apperr.Validation(op, "interval must be a duration such as 3s, got %q", v)
		}
		opts.Interval = interval
	}
	if err := checkPollBudget(op, opts); err != nil {
		return err
	}

	report, err := s.changes.WaitForReadiness(c.Request().Context(), n, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, strconv.ErrRange
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, strconv.ErrRange
	}
	return d, nil
}

func (s *Server) handleMerge(c echo.Context) error {
	n, err := changeNumber(c)
	if err != nil {
		return err
	}
	var req orchestrator.MergeOptions
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.changes.MergeChange(c.Request().Context(), n, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleUpdateBranch(c echo.Context) error {
	n, err := changeNumber(c)
	if err != nil {
		return err
	}
	if err := s.changes.UpdateBranch(c.Request().Context(), n); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, UpdateBranchResponse{Number: n, Status: "accepted"})
}

func (s *Server) handleMergeBase(c echo.Context) error {
	n, err := changeNumber(c)
	if err != nil {
		return err
	}
	var req MergeBaseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.changes.BringBaseIntoChange(c.Request().Context(), n, req.Strategy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleAdminSquashMerge(c echo.Context) error {
	n, err := changeNumber(c)
	if err != nil {
		return err
	}
	res, err := s.changes.AdminSquashMerge(c.Request().Context(), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleApprovalPolicy(c echo.Context) error {
	var req ApprovalPolicyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.RequiredApprovals == nil {
		return apperr.Validation("update_branch_approval_policy", "required_approvals is required")
	}
	branch := req.Branch
	if branch == "" {
		branch = s.changes.BaseBranch()
	}
	count, err := s.changes.UpdateBranchApprovalPolicy(c.Request().Context(), branch, *req.RequiredApprovals)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ApprovalPolicyResponse{Branch: branch, RequiredApprovals: count})
}

func (s *Server) handleWorktree(c echo.Context) error {
	st, err := s.changes.WorkingCopyStatus(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
