package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the tool can surface. The CLI maps
// kinds to exit codes; everything below it propagates kinds untouched.
type ErrorKind int

const (
	// ErrUnknown is what KindOf reports for untyped errors.
	ErrUnknown ErrorKind = iota
	ErrConfig
	ErrLogin
	ErrServer
	ErrTask
	ErrTimeout
	ErrProtocol
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfig:
		return "config"
	case ErrLogin:
		return "login"
	case ErrServer:
		return "server"
	case ErrTask:
		return "task"
	case ErrTimeout:
		return "timeout"
	case ErrProtocol:
		return "protocol"
	case ErrInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across layers. Status and URL are set
// when the failure came out of an HTTP exchange, TaskID when a server task
// failed.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  int
	URL     string
	TaskID  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.URL != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.URL)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, ErrUnknown when it carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
