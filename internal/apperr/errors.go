// Package apperr defines the error taxonomy shared by the proposal pipeline,
// the change orchestrator and the HTTP surface.
//
// Every failure that crosses a package boundary carries a Kind with a stable
// machine-readable tag. Callers branch on the Kind, never on message text:
//
//	if apperr.IsKind(err, apperr.KindTokenExpired) {
//	    // ask for a fresh approval
//	}
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation indicates malformed input rejected at the boundary.
	KindValidation Kind = "validation_error"
	// KindNotFound indicates an unknown proposal, change or ref.
	KindNotFound Kind = "not_found"
	// KindNotApproved indicates execution was attempted on a proposal that is not approved.
	KindNotApproved Kind = "not_approved"
	// KindBadToken indicates the presented capability token does not match.
	KindBadToken Kind = "bad_token"
	// KindTokenExpired indicates the capability token is past its expiry.
	KindTokenExpired Kind = "token_expired"
	// KindRemoteTransient indicates a retryable code-host failure (rate limit, 5xx, network).
	KindRemoteTransient Kind = "remote_transient"
	// KindRemoteError indicates a non-retryable code-host failure.
	KindRemoteError Kind = "remote_error"
	// KindMergeConflict indicates the code host refused a merge.
	KindMergeConflict Kind = "merge_conflict"
	// KindMergeConflictsUnresolved indicates a local merge with a preference still conflicted.
	KindMergeConflictsUnresolved Kind = "merge_conflicts_unresolved"
	// KindNotMergeable indicates the change is a draft or blocked.
	KindNotMergeable Kind = "not_mergeable"
	// KindResourceState indicates the local working copy could not be put into the required state.
	KindResourceState Kind = "resource_state"
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "internal"
)

// IsAuthorization reports whether the kind is one of the capability token failures.
func (k Kind) IsAuthorization() bool {
	switch k {
	case KindNotApproved, KindBadToken, KindTokenExpired:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the status code the API answers with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindNotMergeable:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNotApproved, KindBadToken, KindTokenExpired:
		return http.StatusForbidden
	case KindMergeConflict, KindMergeConflictsUnresolved, KindResourceState:
		return http.StatusConflict
	case KindRemoteTransient:
		return http.StatusServiceUnavailable
	case KindRemoteError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error.
type Error struct {
	Kind    Kind   // Classification
	Op      string // Operation that failed, e.g. "merge_change"
	Message string // Human readable detail
	Err     error  // Underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err with additional context.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal when none is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Validation is shorthand for a validation error.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// NotFound is shorthand for a not found error.
func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}
