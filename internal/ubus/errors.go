package ubus

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is matched by any call error in which the router
	// rejected the session id of an otherwise well-formed request.
	ErrSessionExpired = errors.New("ubus: session expired")
	// ErrMalformedResponse indicates a response that is not valid ubus JSON-RPC.
	ErrMalformedResponse = errors.New("ubus: malformed response")
)

// AuthError reports a failed login handshake.
type AuthError struct {
	Username string
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ubus: login as %q failed: %s", e.Username, e.Reason)
	}
	return fmt.Sprintf("ubus: login as %q failed: %s: %v", e.Username, e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CallError is a well-formed response carrying a JSON-RPC error or a
// non-zero ubus status.
type CallError struct {
	Object  string
	Method  string
	Code    int
	Status  int
	Message string

	sessionRejected bool
}

func (e *CallError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("ubus: %s.%s: rpc error %d: %s", e.Object, e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("ubus: %s.%s: status %d (%s)", e.Object, e.Method, e.Status, statusText(e.Status))
}

// Is makes errors.Is(err, ErrSessionExpired) true for rejected sessions.
func (e *CallError) Is(target error) bool {
	return target == ErrSessionExpired && e.sessionRejected
}

func statusText(status int) string {
	switch status {
	case StatusOK:
		return "ok"
	case 1:
		return "invalid command"
	case 2:
		return "invalid argument"
	case 3:
		return "method not found"
	case 4:
		return "not found"
	case 5:
		return "no data"
	case StatusPermissionDenied:
		return "permission denied"
	case 7:
		return "timeout"
	case 8:
		return "not supported"
	case 10:
		return "connection failed"
	default:
		return "unknown error"
	}
}
