// Package errs defines the engine's five-kind error taxonomy (spec.md §7),
// shared by the pool, task, retry, coalesce, stream and turbo layers.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the five error kinds a task execution can fail with.
type Kind string

const (
	KindAborted    Kind = "ABORTED"
	KindTimeout    Kind = "TIMEOUT"
	KindQueueFull  Kind = "QUEUE_FULL"
	KindWorkerErr  Kind = "WORKER_ERROR"
	KindValidation Kind = "VALIDATION"
)

// Error is the engine's single error type. Every failure path produces one
// of these, tagged with its Kind so the Retry Controller and callers can
// branch on it without inspecting message strings.
type Error struct {
	Kind Kind
	// Reason carries ABORTED's cancellation reason, TIMEOUT's timeout_ms
	// (as a string), QUEUE_FULL's maxSize, or VALIDATION's detail.
	Reason string
	// Name/Message/Stack are populated for WORKER_ERROR, copied from the
	// worker's reported failure.
	Name    string
	Message string
	Stack   string
	cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindWorkerErr:
		if e.Name != "" {
			return fmt.Sprintf("worker error: %s: %s", e.Name, e.Message)
		}
		return fmt.Sprintf("worker error: %s", e.Message)
	case KindTimeout:
		return fmt.Sprintf("task timed out after %sms", e.Reason)
	case KindAborted:
		if e.Reason != "" {
			return fmt.Sprintf("task aborted: %s", e.Reason)
		}
		return "task aborted"
	case KindQueueFull:
		return fmt.Sprintf("queue full at %s", e.Reason)
	case KindValidation:
		return fmt.Sprintf("validation failed: %s", e.Reason)
	default:
		return fmt.Sprintf("task failed: %s", e.Message)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.ErrTimeout) against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels usable with errors.Is against any *Error of the matching Kind.
var (
	ErrAborted    = &Error{Kind: KindAborted}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrQueueFull  = &Error{Kind: KindQueueFull}
	ErrWorker     = &Error{Kind: KindWorkerErr}
	ErrValidation = &Error{Kind: KindValidation}
)

// NewAborted builds an ABORTED error carrying the cancellation reason.
func NewAborted(reason string) *Error {
	return &Error{Kind: KindAborted, Reason: reason}
}

// NewTimeout builds a TIMEOUT error carrying the timeout in milliseconds.
func NewTimeout(timeoutMS int64) *Error {
	return &Error{Kind: KindTimeout, Reason: fmt.Sprintf("%d", timeoutMS)}
}

// NewQueueFull builds a QUEUE_FULL error carrying the queue's max size.
func NewQueueFull(maxSize int) *Error {
	return &Error{Kind: KindQueueFull, Reason: fmt.Sprintf("%d", maxSize)}
}

// NewWorkerError builds a WORKER_ERROR from a worker-reported failure.
func NewWorkerError(name, message, stack string) *Error {
	return &Error{Kind: KindWorkerErr, Name: name, Message: message, Stack: stack}
}

// WrapWorkerError wraps a host-side Go error (e.g. a non-zero exit) as a
// WORKER_ERROR, preserving it via Unwrap.
func WrapWorkerError(err error) *Error {
	return &Error{Kind: KindWorkerErr, Message: err.Error(), cause: err}
}

// NewValidation builds a VALIDATION error naming the offending field and
// what was expected of it.
func NewValidation(field, expected string) *Error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf("field %q expected %s", field, expected), Name: field, Message: expected}
}

// Retryable reports whether the Retry Controller should attempt another
// pass for this error kind. Only WORKER_ERROR and QUEUE_FULL are retryable
// by default; ABORTED and TIMEOUT are caller-intent failures (spec.md §4.4).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindWorkerErr, KindQueueFull:
		return true
	default:
		return false
	}
}
