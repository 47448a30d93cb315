// Package retry implements the Retry Controller (C4, spec.md §4.4): a thin
// wrapper around the Task Engine's single-shot executeOnce that re-attempts
// retryable failures with exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/aipilotbyjd/taskengine/internal/engine/errs"
	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/task"
)

// Executor is the subset of task.Engine the Retry Controller depends on.
type Executor interface {
	ExecuteOnce(ctx context.Context, d *task.Descriptor) (interface{}, error)
}

// Controller wraps an Executor with retry semantics.
type Controller struct {
	exec    Executor
	metrics *metrics.Bag
	// rand is isolated so tests can inject a deterministic source.
	rand *rand.Rand
}

// New builds a Retry Controller over the given single-shot executor.
func New(exec Executor, bag *metrics.Bag) *Controller {
	return &Controller{exec: exec, metrics: bag, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// defaultPolicy is applied when a Descriptor carries no RetryPolicy: one
// attempt, no retries, matching spec.md's "absence of a policy means no
// retry" reading of §4.4.
var defaultPolicy = &task.RetryPolicy{MaxAttempts: 1}

// Execute runs d through the wrapped executor, retrying on retryable
// failures per d.Retry (or defaultPolicy if unset). ABORTED and TIMEOUT are
// never retried regardless of policy (spec.md §4.4, §8 boundary behavior).
func (c *Controller) Execute(ctx context.Context, d *task.Descriptor) (interface{}, error) {
	policy := d.Retry
	if policy == nil {
		policy = defaultPolicy
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := c.exec.ExecuteOnce(ctx, withSafeOff(d))
		if err == nil {
			return value, nil
		}
		lastErr = err

		var engineErr *errs.Error
		if !errsAs(err, &engineErr) || !engineErr.Retryable() {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		c.metrics.IncRetries()
		delay := backoffDelay(policy, attempt, c.rand)
		if err := c.sleep(ctx, d, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// withSafeOff ensures the inner single-shot call always surfaces a real
// error to the Retry Controller; Safe-mode wrapping (if requested) is
// applied once, by the caller of Execute, not by the attempts loop.
func withSafeOff(d *task.Descriptor) *task.Descriptor {
	if !d.Safe {
		return d
	}
	clone := *d
	clone.Safe = false
	return &clone
}

// sleep waits out a backoff delay, honoring the descriptor's cancellation
// token and the ambient context.
func (c *Controller) sleep(ctx context.Context, d *task.Descriptor, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	var cancelDone <-chan struct{}
	if d.Cancel != nil {
		cancelDone = d.Cancel.Done()
	}

	select {
	case <-timer.C:
		return nil
	case <-cancelDone:
		return errs.NewAborted("cancelled during retry backoff")
	case <-ctx.Done():
		return errs.NewAborted(ctx.Err().Error())
	}
}

// backoffDelay computes baseDelay * backoffFactor^(attempt-1), capped at
// maxDelay, then applies +/-25% jitter per spec.md §4.4: delay +
// delay*0.25*U(-1,+1), rounded to whole milliseconds.
func backoffDelay(policy *task.RetryPolicy, attempt int, r *rand.Rand) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	factor := policy.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= factor
	}

	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	jitter := delay * 0.25 * (r.Float64()*2 - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}

	ms := time.Duration(delay).Round(time.Millisecond)
	return ms
}

// errsAs reports whether err is itself an *errs.Error and, if so, stores it
// in target. It is a direct type assertion: unlike errors.As it does not
// walk an Unwrap chain.
func errsAs(err error, target **errs.Error) bool {
	e, ok := err.(*errs.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
