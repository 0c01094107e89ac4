// Package apperror defines the closed error taxonomy propagated up from
// every pipeline stage to the ingress handler, which is the only place
// that maps an error kind to an HTTP status.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error categories the pipeline can produce.
type Kind string

const (
	// KindClient covers malformed bodies, missing required headers,
	// oversize payloads, and unknown providers. 4xx, logged at info,
	// never retried.
	KindClient Kind = "client_error"

	// KindAuth covers signature mismatches and missing required
	// secrets. 401, or 503 when require_signature demands a secret
	// that cannot be resolved.
	KindAuth Kind = "auth_error"

	// KindTransient covers timeouts, throttling, and 5xx-equivalent
	// responses from the vault, payload store, or queue. Retried with
	// backoff and counted against the relevant circuit breaker.
	KindTransient Kind = "transient_dependency_error"

	// KindPermanent covers dependency authentication failures, queue
	// not found, and payload-too-large. Never retried; alerts.
	KindPermanent Kind = "permanent_dependency_error"

	// KindConfiguration covers startup-only configuration errors.
	// Always fatal.
	KindConfiguration Kind = "configuration_error"

	// KindInternal covers invariant violations. 500, logged at error
	// with full context; the process keeps serving other requests.
	KindInternal Kind = "internal_error"
)

// Error is the typed error every pipeline stage returns upward.
type Error struct {
	Kind    Kind
	Reason  string
	Err     error
	Retries int // attempts already made, for transient errors
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to the status the ingress handler
// should return. Auth errors need the extra missing-secret distinction
// carried in Reason.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindClient:
		return http.StatusBadRequest
	case KindAuth:
		if e.Reason == "secret_unavailable" {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnauthorized
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindPermanent:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the publisher should retry an operation that
// failed with this error.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Client(reason string, err error) *Error      { return New(KindClient, reason, err) }
func Auth(reason string, err error) *Error        { return New(KindAuth, reason, err) }
func Transient(reason string, err error) *Error   { return New(KindTransient, reason, err) }
func Permanent(reason string, err error) *Error   { return New(KindPermanent, reason, err) }
func Internal(reason string, err error) *Error    { return New(KindInternal, reason, err) }
func Configuration(reason string, err error) *Error {
	return New(KindConfiguration, reason, err)
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
