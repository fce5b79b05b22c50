// Package gwerrors defines the gateway's error-kind taxonomy (spec.md §7)
// and the HTTP-status / SSE-propagation rules attached to each kind. The
// shape follows internal/agent/providers.ProviderError in the teacher
// repo: a typed error carrying a classification, with Unwrap support and a
// total, table-driven classifier.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error kinds from spec.md §7.
type Kind string

const (
	BadRequest            Kind = "bad_request"
	UpstreamUnavailable    Kind = "upstream_unavailable"
	UpstreamTimeout        Kind = "upstream_timeout"
	UpstreamProtocolError  Kind = "upstream_protocol_error"
	StreamInterrupted      Kind = "stream_interrupted"
	ContextTooLarge        Kind = "context_too_large"
	NoHealthyNode          Kind = "no_healthy_node"
	Canceled               Kind = "canceled"
	Internal               Kind = "internal"
)

// AnthropicType returns the `error.type` string used in the JSON/SSE error
// payload for this kind.
func (k Kind) AnthropicType() string {
	switch k {
	case BadRequest:
		return "invalid_request_error"
	case NoHealthyNode:
		return "overloaded_error"
	case UpstreamTimeout:
		return "timeout_error"
	case UpstreamUnavailable, UpstreamProtocolError, StreamInterrupted:
		return "api_error"
	case ContextTooLarge:
		return "invalid_request_error"
	case Canceled:
		return "request_canceled"
	default:
		return "internal_server_error"
	}
}

// HTTPStatus maps a Kind to the status code used for pre-stream error
// responses (spec §7 Propagation policy).
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest, ContextTooLarge:
		return http.StatusBadRequest
	case NoHealthyNode:
		return http.StatusServiceUnavailable
	case UpstreamUnavailable, UpstreamTimeout, UpstreamProtocolError:
		return http.StatusServiceUnavailable
	case Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured gateway error carrying its Kind for propagation and
// retry/failover decisions, and an optional Cause for diagnostics.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Cause.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an existing error.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// As extracts a *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, classifying unwrapped errors as Internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// IsRetryable reports whether an error kind is worth retrying the same
// backend for (mirrors providers.FailoverReason.IsRetryable in the
// teacher).
func (k Kind) IsRetryable() bool {
	switch k {
	case UpstreamTimeout, UpstreamUnavailable:
		return true
	default:
		return false
	}
}
