package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNotFound    ErrorKind = "not_found"
	KindUnsupported ErrorKind = "unsupported"
	KindUnexpected  ErrorKind = "unexpected"
	KindInvalid     ErrorKind = "invalid"
	// KindRemote is used when the far side reported failure without a
	// structured error.
	KindRemote ErrorKind = "remote"
)

// Origins recorded on envelopes.
const (
	OriginHost   = "host"
	OriginWorker = "worker"
	OriginApp    = "app"
)

// Error is the failure envelope carried in a response. It never contains a
// stack trace; Cause links to the lower-level failure that produced it.
type Error struct {
	Kind    ErrorKind       `json:"kind"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Origin  string          `json:"origin,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Cause   *Error          `json:"cause,omitempty"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by kind, and by code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// AppOrigin returns the outermost error in the chain raised by app code.
func (e *Error) AppOrigin() *Error {
	for cur := e; cur != nil; cur = cur.Cause {
		if cur.Origin == OriginApp {
			return cur
		}
	}
	return nil
}

// Wrap returns a copy of e with cause attached at the end of its chain.
func (e *Error) Wrap(cause *Error) *Error {
	out := *e
	out.Cause = cause
	return &out
}

func newError(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

func Unsupported(code, format string, args ...any) *Error {
	return newError(KindUnsupported, code, format, args...)
}

func Invalid(code, format string, args ...any) *Error {
	return newError(KindInvalid, code, format, args...)
}

func Unexpected(code, format string, args ...any) *Error {
	return newError(KindUnexpected, code, format, args...)
}

// Kind targets for errors.Is.
var (
	ErrKindNotFound    = &Error{Kind: KindNotFound}
	ErrKindUnsupported = &Error{Kind: KindUnsupported}
	ErrKindInvalid     = &Error{Kind: KindInvalid}
	ErrKindUnexpected  = &Error{Kind: KindUnexpected}
)

// ToError converts a local error into an envelope at the process boundary.
// Envelopes pass through unchanged; anything else becomes unexpected.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	var env *Error
	if errors.As(err, &env) {
		return env
	}
	var timeout *TimeoutError
	switch {
	case errors.As(err, &timeout):
		return Unexpected("TIMEOUT", "%s", timeout.Error())
	case errors.Is(err, context.Canceled):
		return Unexpected("CANCELED", "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return Unexpected("DEADLINE_EXCEEDED", "request deadline exceeded")
	case errors.Is(err, ErrNotConnected):
		return Unexpected("NOT_CONNECTED", "%s", err.Error())
	}
	var invalid *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &invalid) || errors.As(err, &typeErr) {
		return Invalid("BAD_PAYLOAD", "%s", err.Error())
	}
	return Unexpected("UNEXPECTED", "%s", err.Error())
}

// KindOf reports the envelope kind in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var env *Error
	if errors.As(err, &env) {
		return env.Kind
	}
	return ""
}
