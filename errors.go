package flowsync

import (
	"errors"
	"fmt"
)

// Kind sentinels. Every error returned by the engine that belongs to one of
// these classes satisfies errors.Is(err, ErrX).
var (
	ErrValidation  = errors.New("flowsync: validation failed")
	ErrPermission  = errors.New("flowsync: permission denied")
	ErrState       = errors.New("flowsync: invalid state")
	ErrNotFound    = errors.New("flowsync: not found")
	ErrConcurrency = errors.New("flowsync: concurrent modification")
)

// Error is a classified error. Kind is one of the sentinels above, Op names
// the operation and Path points at the offending field or record.
type Error struct {
	Kind error
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Op != "" {
		return "flowsync: " + e.Op + ": " + msg
	}
	return "flowsync: " + msg
}

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind error, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input at path.
func Validationf(op, path, format string, args ...any) error {
	return newError(ErrValidation, op, path, format, args...)
}

// Permissionf reports a missing capability.
func Permissionf(op, format string, args ...any) error {
	return newError(ErrPermission, op, "", format, args...)
}

// Statef reports an operation on a record in the wrong lifecycle state.
func Statef(op, format string, args ...any) error {
	return newError(ErrState, op, "", format, args...)
}

// NotFoundf reports a missing record.
func NotFoundf(op, format string, args ...any) error {
	return newError(ErrNotFound, op, "", format, args...)
}

// Concurrencyf reports a lost version-number race.
func Concurrencyf(op, format string, args ...any) error {
	return newError(ErrConcurrency, op, "", format, args...)
}

// KindOf returns the kind sentinel err belongs to, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrPermission, ErrState, ErrNotFound, ErrConcurrency} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
