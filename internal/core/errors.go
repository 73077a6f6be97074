package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a task or planner failure for retry decisions and
// user-facing reporting.
type ErrorKind int

const (
	// KindValidation marks bad input: cycles, unknown dependencies, empty
	// prompts. Never retried; surfaced synchronously.
	KindValidation ErrorKind = iota
	// KindTransient marks recoverable I/O failures: network errors,
	// timeouts, provider 5xx, rate limits. Retried with backoff.
	KindTransient
	// KindPermanent marks failures that retrying cannot fix: auth errors,
	// provider 4xx other than 429, malformed agent results.
	KindPermanent
	// KindCanceled marks cooperative cancellation. Not a failure; the task
	// resets instead of failing.
	KindCanceled
	// KindFatal marks unrecoverable conditions such as a lost store. The
	// action fails with the reason and scheduling stops.
	KindFatal
)

// String returns the lowercase token for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCanceled:
		return "canceled"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind should be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// TaskError tags an underlying error with its kind. Agents return these so
// the executor can decide between retrying and failing terminally.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: KindTransient, Err: err}
}

// Transientf builds a retryable error from a format string.
func Transientf(format string, args ...any) error {
	return &TaskError{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Permanent wraps an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: KindPermanent, Err: err}
}

// Permanentf builds a non-retryable error from a format string.
func Permanentf(format string, args ...any) error {
	return &TaskError{Kind: KindPermanent, Err: fmt.Errorf(format, args...)}
}

// Validation wraps an error as a bad-input failure.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: KindValidation, Err: err}
}

// Validationf builds a bad-input failure from a format string.
func Validationf(format string, args ...any) error {
	return &TaskError{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Fatal wraps an error as unrecoverable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: KindFatal, Err: err}
}

// KindOf classifies an arbitrary error. Untagged errors default to permanent;
// context cancellation maps to canceled and a missed deadline to a synthetic
// transient failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindPermanent
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindPermanent
}
