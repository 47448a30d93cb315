// Package task implements the Task Engine (C3, spec.md §4.3): single-shot
// execution of a TaskDescriptor — acquire, dispatch, await, release, with
// timeout and cancellation.
package task

import (
	"context"
	"time"

	"github.com/aipilotbyjd/taskengine/internal/engine/queue"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

// RetryPolicy is spec.md §3's RetryPolicy: {maxAttempts ≥ 1, baseDelay,
// maxDelay, backoffFactor ≥ 1}. Lives here (not in package retry) so both
// Descriptor and the Retry Controller can depend on it without a cycle.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	NoCoalesce     bool
}

// Descriptor is spec.md §3's TaskDescriptor: what the engine executes.
type Descriptor struct {
	// Fn is the callable for the normal pool. Exactly one of Fn/GenFn is set.
	Fn worker.Callable
	// GenFn is the callable for the generator pool (Stream Engine only).
	GenFn worker.GeneratorCallable
	// Source is the callable's source text, used for fingerprinting and
	// affinity/coalescing keys. Two callables sharing a Source are treated
	// as the same function for affinity and coalescing purposes.
	Source string
	Args   []interface{}
	Env    map[string]interface{}
	// Transfer lists values to be moved by ownership rather than copy —
	// carried through to the worker dispatch unchanged; the in-process
	// worker has no copy-vs-move distinction to make.
	Transfer []interface{}

	// Timeout, if positive, hard-stops the worker if it has not replied
	// in time.
	Timeout time.Duration
	// Cancel, if non-nil, is watched for cancellation; an already-Done
	// context fails the task with ABORTED before a worker is acquired.
	Cancel context.Context

	Priority queue.Priority
	PoolType worker.PoolType
	Retry    *RetryPolicy

	// Safe requests that the future never reject: every outcome resolves
	// into a Result wrapper (spec.md §7 "Safe mode").
	Safe bool
	// NoCoalesce bypasses the Coalescer for this call even when
	// coalescing is globally enabled.
	NoCoalesce bool
}

// Status is the outcome discriminator of a Safe-mode Result.
type Status string

const (
	Fulfilled Status = "fulfilled"
	Rejected  Status = "rejected"
)

// Result is the wrapper a Safe-mode call always resolves with (spec.md §7).
type Result struct {
	Status Status
	Value  interface{}
	Error  error
}
