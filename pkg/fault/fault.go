// Package fault classifies errors so that retry and failure handling can be
// decided from the error value alone.
package fault

import (
	"errors"
	"fmt"

	"github.com/enascvm/admiral/pkg/storage"
)

// Class is the classification of an error for retry and recovery decisions.
type Class string

const (
	// ClassValidation marks a malformed request. Never retried.
	ClassValidation Class = "validation"

	// ClassTransient marks a temporary failure such as a network timeout.
	ClassTransient Class = "transient"

	// ClassUnauthorized marks a rejected credential or expired session.
	ClassUnauthorized Class = "unauthorized"

	// ClassNotFound marks a target that no longer exists.
	ClassNotFound Class = "not_found"

	// ClassConflict marks an optimistic-concurrency conflict.
	ClassConflict Class = "conflict"

	// ClassPermanent marks everything that cannot succeed on retry.
	ClassPermanent Class = "permanent"
)

// Error is a classified error with context.
type Error struct {
	Class    Class
	Message  string
	Resource string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithResource adds the resource the error refers to.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithOp adds the operation that failed.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

func newError(class Class, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// Validation creates a validation error.
func Validation(message string, err error) *Error {
	return newError(ClassValidation, message, err)
}

// Transient creates a transient error.
func Transient(message string, err error) *Error {
	return newError(ClassTransient, message, err)
}

// Unauthorized creates an authorization error.
func Unauthorized(message string, err error) *Error {
	return newError(ClassUnauthorized, message, err)
}

// NotFound creates a not-found error.
func NotFound(message string, err error) *Error {
	return newError(ClassNotFound, message, err)
}

// Conflict creates a conflict error.
func Conflict(message string, err error) *Error {
	return newError(ClassConflict, message, err)
}

// Permanent creates a permanent error.
func Permanent(message string, err error) *Error {
	return newError(ClassPermanent, message, err)
}

// ClassOf returns the class of the outermost classified error in the chain.
// Unclassified errors are permanent, except store sentinels which map to
// their own classes.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, storage.ErrConflict):
		return ClassConflict
	}
	return ClassPermanent
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return ClassOf(err) == ClassValidation
}

// IsTransient reports whether err is a transient error.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsUnauthorized reports whether err is an authorization error.
func IsUnauthorized(err error) bool {
	return ClassOf(err) == ClassUnauthorized
}

// IsNotFound reports whether err means the target is already gone.
func IsNotFound(err error) bool {
	return ClassOf(err) == ClassNotFound
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ClassConflict
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassConflict:
		return true
	}
	return false
}
