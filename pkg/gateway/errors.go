package gateway

import (
	"errors"
	"fmt"
)

// Error kinds. Only ErrNetwork and ErrAuth are meant to reach the user;
// the rest are bookkeeping for the reconciler.
var (
	ErrNetwork   = errors.New("network failure")
	ErrAuth      = errors.New("credential invalid")
	ErrNotFound  = errors.New("not found")
	ErrStale     = errors.New("stale response")
	ErrDuplicate = errors.New("duplicate delivery")
	ErrRejected  = errors.New("request rejected")
)

// Error is a failed command. It matches its Kind with errors.Is and
// unwraps to the underlying cause.
type Error struct {
	Kind    error
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Visible reports whether err should be surfaced to the user.
func Visible(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrAuth)
}

// KindOf names the error kind for logs and snapshots.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStale):
		return "stale_response"
	case errors.Is(err, ErrDuplicate):
		return "duplicate_delivery"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "network_failure"
	}
}

// statusError classifies a non-2xx response.
func statusError(op string, status int, message string) *Error {
	e := &Error{Op: op, Status: status, Message: message}
	switch {
	case status == 401 || status == 403:
		e.Kind = ErrAuth
	case status == 404:
		e.Kind = ErrNotFound
	case status >= 400 && status < 500 && status != 408 && status != 429:
		e.Kind = ErrRejected
	default:
		e.Kind = ErrNetwork
	}
	return e
}
