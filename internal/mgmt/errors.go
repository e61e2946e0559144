package mgmt

import "fmt"

// APIError is a non-2xx JSON response from the management server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management api: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// AuthError means the server rejected the login credentials.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ConnectError is a transport-level failure: DNS, TLS negotiation, timeout.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "management server unreachable: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// PaginationError means the rulebase changed underneath the fetch loop, or
// the server stopped advancing the cursor. The fetch fails closed rather
// than returning a partial or duplicated rule set.
type PaginationError struct {
	Reason string
}

func (e *PaginationError) Error() string { return "inconsistent rulebase pagination: " + e.Reason }

// PublishError means the publish call itself was rejected.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string { return "publish failed: " + e.Err.Error() }
func (e *PublishError) Unwrap() error { return e.Err }

// PublishTimeoutError means the publish task did not reach completion within
// the configured wait. The publish keeps running server-side; already
// applied mutations are not lost.
type PublishTimeoutError struct {
	TaskID string
}

func (e *PublishTimeoutError) Error() string {
	return fmt.Sprintf("publish task %s did not complete within the configured wait", e.TaskID)
}

// DiscardError means the session rollback failed. There is no automated
// recovery past this point; the operator must clean the session up on the
// server.
type DiscardError struct {
	Err error
}

func (e *DiscardError) Error() string { return "discard failed: " + e.Err.Error() }
func (e *DiscardError) Unwrap() error { return e.Err }

// LogoutError means closing the session failed. Reported, never escalated:
// a failed logout must not mask a policy change that already committed.
type LogoutError struct {
	Err error
}

func (e *LogoutError) Error() string { return "logout failed: " + e.Err.Error() }
func (e *LogoutError) Unwrap() error { return e.Err }
