package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/google/go-github/v57/github"
)

// classify maps a go-github failure onto an apperr kind.
func classify(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case statusCode(resp) == http.StatusNotFound:
		return apperr.Wrap(apperr.KindNotFound, op, err)
	case isRetryable(err, resp):
		return apperr.Wrap(apperr.KindRemoteTransient, op, err)
	default:
		return apperr.Wrap(apperr.KindRemoteError, op, err)
	}
}

// classifyMerge is classify with 405 and 409 reported as merge conflicts.
func classifyMerge(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	switch statusCode(resp) {
	case http.StatusMethodNotAllowed, http.StatusConflict:
		return apperr.Wrapf(apperr.KindMergeConflict, op, err, "merge refused by host")
	}
	return classify(op, resp, err)
}

// isRetryable reports whether a GitHub API error is transient.
func isRetryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}

	var rle *github.RateLimitError
	var arle *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &arle) {
		return true
	}

	if resp != nil && resp.Response != nil {
		code := resp.Response.StatusCode
		switch code {
		case http.StatusTooManyRequests:
			return true
		case http.StatusForbidden:
			// Rate headers come with every authenticated response; only an
			// exhausted quota makes a 403 transient. Secondary limits arrive
			// as AbuseRateLimitError above.
			return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound,
			http.StatusUnprocessableEntity:
			return false
		default:
			return code >= 500 && code < 600
		}
	}

	// No response: network failure or timeout.
	return true
}

// statusCode safely extracts the HTTP status code from a GitHub response.
func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
