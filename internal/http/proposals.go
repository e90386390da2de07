package http

import (
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/pae"
	"github.com/fyrsmithlabs/autopilot/internal/proposal"
	"github.com/labstack/echo/v4"
)

// PendingResponse is the response body for GET /api/v1/proposals/pending.
type PendingResponse struct {
	Proposals []*proposal.Proposal `json:"proposals"`
}

// ExecuteRequest is the request body for POST /api/v1/proposals/:id/execute.
// The token may instead be sent in the X-Capability-Token header.
type ExecuteRequest struct {
	Token string `json:"token"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("bind", "invalid request body")
	}
	return nil
}

func (s *Server) handlePropose(c echo.Context) error {
	var req pae.ProposeInput
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := s.pipeline.Propose(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListPending(c echo.Context) error {
	pending, err := s.pipeline.ListPending(c.Request().Context())
	if err != nil {
		return err
	}
	if pending == nil {
		pending = []*proposal.Proposal{}
	}
	return c.JSON(http.StatusOK, PendingResponse{Proposals: pending})
}

func (s *Server) handleGetProposal(c echo.Context) error {
	rec, err := s.pipeline.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDecide(c echo.Context) error {
	var req pae.DecideInput
	if err := bind(c, &req); err != nil {
		return err
	}
	d, err := s.pipeline.Decide(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleExecute(c echo.Context) error {
	var req ExecuteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	presented := strings.TrimSpace(req.Token)
	if presented == "" {
		presented = strings.TrimSpace(c.Request().Header.Get(HeaderCapabilityToken))
	}
	res, err := s.pipeline.Execute(c.Request().Context(), c.Param("id"), presented)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
