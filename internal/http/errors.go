package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Branch is set when a branch was created before the request failed.
	Branch string `json:"branch,omitempty"`
}

// branchError carries a branch that outlives a failed request.
type branchError struct {
	err    error
	branch string
}

func (e *branchError) Error() string { return e.err.Error() }
func (e *branchError) Unwrap() error { return e.err }

func withBranch(err error, branch string) error {
	if branch == "" {
		return err
	}
	return &branchError{err: err, branch: branch}
}

// handleError renders err as an ErrorResponse. Classified errors map to the
// status of their kind, echo errors keep their code and anything else is an
// internal error.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := ErrorResponse{Error: string(apperr.KindInternal), Message: err.Error()}

	var (
		classified *apperr.Error
		httpErr    *echo.HTTPError
		withBr     *branchError
	)
	switch {
	case errors.As(err, &classified):
		kind := apperr.KindOf(err)
		status = kind.HTTPStatus()
		body.Error = string(kind)
	case errors.As(err, &httpErr):
		status = httpErr.Code
		body.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		body.Message = fmt.Sprint(httpErr.Message)
	}
	if errors.As(err, &withBr) {
		body.Branch = withBr.branch
	}

	ctx := c.Request().Context()
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", zap.String("route", c.Path()), zap.Error(err))
	} else {
		s.logger.Debug(ctx, "request rejected", zap.String("route", c.Path()), zap.String("error", body.Error))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if wErr := c.JSON(status, body); wErr != nil {
		s.logger.Error(ctx, "failed to write error response", zap.Error(wErr))
	}
}
