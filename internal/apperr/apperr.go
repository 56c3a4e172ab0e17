// Package apperr implements the error taxonomy of spec.md §7: every
// failure in the orchestrator maps to exactly one Kind, which in turn
// determines disposition (CLI exit code, HTTP status, JSON-RPC code).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the abstract failure category from spec.md §7.
type Kind string

const (
	KindConfigError        Kind = "ConfigError"
	KindMissingSecret      Kind = "MissingSecret"
	KindEngineUnavailable  Kind = "EngineUnavailable"
	KindEngineTransient    Kind = "EngineTransient"
	KindContainerLifecycle Kind = "ContainerLifecycle"
	KindHealthProbeFailed  Kind = "HealthProbeFailed"
	KindRouterUpstream     Kind = "RouterUpstream"
	KindAuthFailure        Kind = "AuthFailure"
	KindNotFound           Kind = "NotFound"
	KindTimeout            Kind = "Timeout"
	KindInternalInvariant  Kind = "InternalInvariant"
)

// httpStatusByKind is the default HTTP disposition for each Kind; Router
// handlers may still choose a more specific status for the JSON-RPC path.
var httpStatusByKind = map[Kind]int{
	KindConfigError:        http.StatusBadRequest,
	KindMissingSecret:      http.StatusBadRequest,
	KindEngineUnavailable:  http.StatusServiceUnavailable,
	KindEngineTransient:    http.StatusBadGateway,
	KindContainerLifecycle: http.StatusInternalServerError,
	KindHealthProbeFailed:  http.StatusServiceUnavailable,
	KindRouterUpstream:     http.StatusBadGateway,
	KindAuthFailure:        http.StatusUnauthorized,
	KindNotFound:           http.StatusNotFound,
	KindTimeout:            http.StatusGatewayTimeout,
	KindInternalInvariant:  http.StatusInternalServerError,
}

// Error is an orchestrator error carrying a Kind, a user-facing message,
// an optional remediation hint (spec.md §7, "User-visible CLI failures"),
// and the wrapped underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Remedy  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the HTTP status this Kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// CLILine renders the "one-line cause plus one-line remediation hint"
// format spec.md §7 mandates for CLI-visible failures.
func (e *Error) CLILine() string {
	if e.Remedy == "" {
		return e.Error()
	}
	return fmt.Sprintf("%s\n  hint: %s", e.Error(), e.Remedy)
}

// New constructs an Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given Kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRemedy attaches a remediation hint and returns e for chaining.
func (e *Error) WithRemedy(remedy string) *Error {
	e.Remedy = remedy
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to InternalInvariant for
// errors that never went through this package.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternalInvariant
}
