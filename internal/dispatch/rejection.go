package dispatch

import "fmt"

// RejectCode classifies why an invocation was refused before or during
// dispatch. The HTTP layer maps codes to status lines.
type RejectCode string

const (
	// RejectNotFound means the agent or version is not in the registry.
	RejectNotFound RejectCode = "NOT_FOUND"
	// RejectForbidden means the caller's tier does not reach the agent's
	// minimum.
	RejectForbidden RejectCode = "FORBIDDEN"
	// RejectUnavailable means the platform or the agent is administratively
	// disabled.
	RejectUnavailable RejectCode = "UNAVAILABLE"
	// RejectUnsupported means the agent does not support the requested
	// delivery mode.
	RejectUnsupported RejectCode = "NOT_IMPLEMENTED"
	// RejectUpstream means the runtime could not be reached.
	RejectUpstream RejectCode = "BAD_GATEWAY"
	// RejectRuntime means the runtime answered with an error.
	RejectRuntime RejectCode = "RUNTIME_ERROR"
)

// RejectionError is the typed refusal the dispatcher returns instead of a
// response. Callers branch on Code, never on message text.
type RejectionError struct {
	Code    RejectCode
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code RejectCode, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}
