// Package apperr defines the error taxonomy shared by the domain packages,
// the store implementations and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindPermission        Kind = "permission"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindExternalService   Kind = "external_service"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrPermission        = errors.New("permission denied")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrExternalService   = errors.New("external service error")
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindPermission:        ErrPermission,
	KindInvalidTransition: ErrInvalidTransition,
	KindConflict:          ErrConflict,
	KindNotFound:          ErrNotFound,
	KindExternalService:   ErrExternalService,
}

// Error is a typed failure carrying a stable code and a message naming the
// rule that was violated.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, apperr.ErrConflict) match any *Error of that kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := sentinels[e.Kind]
	return ok && sentinel == target
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

func Permission(code, message string) *Error {
	return New(KindPermission, code, message)
}

func InvalidTransition(code, message string) *Error {
	return New(KindInvalidTransition, code, message)
}

func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

// External wraps a failure from a collaborator outside this process.
func External(code, message string, err error) *Error {
	return &Error{Kind: KindExternalService, Code: code, Message: message, Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" for errors outside the taxonomy.
func KindOf(err error) Kind {
	if target, ok := As(err); ok {
		return target.Kind
	}
	return ""
}
