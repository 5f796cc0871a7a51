package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable error category reported to upstream callers. Forbidden,
// InvalidState and Conflict are caller-fixable; Transient means retry the
// whole operation.
type Kind string

const (
	NotFound     Kind = "not_found"
	Forbidden    Kind = "forbidden"
	Conflict     Kind = "conflict"
	InvalidState Kind = "invalid_state"
	Transient    Kind = "transient"
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error     { return New(NotFound, format, args...) }
func Forbiddenf(format string, args ...any) *Error    { return New(Forbidden, format, args...) }
func Conflictf(format string, args ...any) *Error     { return New(Conflict, format, args...) }
func InvalidStatef(format string, args ...any) *Error { return New(InvalidState, format, args...) }
func Transientf(format string, args ...any) *Error    { return New(Transient, format, args...) }

// KindOf returns the kind of err, or "" when err is not a fault.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
