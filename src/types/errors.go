package types

import (
	"errors"
	"time"
)

// Kind classifies an application-level error. Kinds double as the "code"
// field of error replies.
type Kind string

const (
	KindProtocol    Kind = "protocol_error"
	KindAuth        Kind = "auth_error"
	KindChannel     Kind = "channel_error"
	KindRateLimit   Kind = "rate_limit_error"
	KindInternal    Kind = "internal_error"
	KindUnknownType Kind = "unknown_message_type"
)

// Error is a typed, recoverable application error. Protocol errors are the
// exception: they are terminal and the connection is closed after reporting.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Data converts the error into its wire reply form.
func (e *Error) Data() *ErrorData {
	d := &ErrorData{Code: string(e.Kind), Message: e.Message}
	if e.RetryAfter > 0 {
		d.RetryAfterMS = e.RetryAfter.Milliseconds()
	}
	return d
}

func NewAuthError(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

func NewChannelError(msg string) *Error {
	return &Error{Kind: KindChannel, Message: msg}
}

func NewRateLimitError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func NewInternalError() *Error {
	return &Error{Kind: KindInternal, Message: "internal server error"}
}

func NewUnknownTypeError(msgType string) *Error {
	return &Error{Kind: KindUnknownType, Message: "unknown message type: " + msgType}
}

// KindOf extracts the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError converts err into a typed *Error, wrapping untyped errors as
// internal so handler failures never leak raw details to clients.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError()
}
