// Package turbo implements the Turbo layer (C7, spec.md §4.7): parallel
// map/filter/reduce over an input sequence, partitioned across workers
// acquired concurrently at high priority, with fail-fast aggregation.
package turbo

import (
	"context"
	"sync"

	"github.com/aipilotbyjd/taskengine/internal/engine/errs"
	"github.com/aipilotbyjd/taskengine/internal/engine/fingerprint"
	"github.com/aipilotbyjd/taskengine/internal/engine/pool"
	"github.com/aipilotbyjd/taskengine/internal/engine/queue"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

// MinItemsPerWorker and Threshold are spec.md §4.7's fixed partitioning
// constants.
const (
	MinItemsPerWorker = 1000
	Threshold         = 10000
)

// Runner drives map/filter/reduce over a pool of workers.
type Runner struct {
	mgr *pool.Manager
	// MaxWorkers, when set, lowers the partitioning ceiling below
	// maxPoolSize (spec.md §4.7 "maxPoolSize or user override"); it never
	// raises it. 0 means no override, so maxPoolSize governs alone.
	MaxWorkers int
	// Force skips the small-input fallback even when N < Threshold.
	Force bool
}

// New builds a Turbo runner over the given normal-pool manager.
func New(mgr *pool.Manager) *Runner {
	return &Runner{mgr: mgr}
}

// chunk is one contiguous partition, [Start, End) of the original input.
type chunk struct {
	index int
	start int
	end   int
}

// partition computes the worker count and chunk boundaries per spec.md
// §4.7's "Partitioning" rule. Callers pass Stats().PoolSize as maxPoolSize:
// the number of entries the pool currently holds, not its configured
// maximum, so a pool that has not grown yet partitions into a single chunk.
func (r *Runner) partition(n, maxPoolSize int) []chunk {
	ceiling := maxPoolSize
	if r.MaxWorkers > 0 && r.MaxWorkers < ceiling {
		ceiling = r.MaxWorkers
	}
	if ceiling < 1 {
		ceiling = 1
	}
	workers := ceilDiv(n, MinItemsPerWorker)
	if workers < 1 {
		workers = 1
	}
	if workers > ceiling {
		workers = ceiling
	}
	chunkSize := ceilDiv(n, workers)

	chunks := make([]chunk, 0, workers)
	for i := 0; i*chunkSize < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		chunks = append(chunks, chunk{index: i, start: start, end: end})
	}
	return chunks
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// useParallel reports whether N warrants the parallel path, honoring the
// small-input fallback (spec.md §4.7).
func (r *Runner) useParallel(n int) bool {
	return r.Force || n >= Threshold
}

// chunkOutcome is what one chunk's dispatch resolves to, regardless of
// operation.
type chunkOutcome struct {
	index int
	start int
	err   error
	// mapped holds one output element per input element, for Map.
	mapped []interface{}
	// kept holds the surviving elements (and their original relative
	// order) for Filter.
	kept []interface{}
	// partial holds this chunk's fold-with-init result, for Reduce.
	partial interface{}
}

// aborted is the fail-fast shared flag of spec.md §4.7: set on first
// failure so pending chunk handlers can bail early.
type aborted struct {
	mu  sync.Mutex
	err error
}

func (a *aborted) trigger(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

func (a *aborted) get() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// dispatchAll acquires one high-priority worker per chunk concurrently
// (spec.md §4.7 "Dispatch ordering": acquisitions requested concurrently,
// batched; dispatching begins as soon as each resolves), runs work on each,
// and fails fast: the first chunk error aborts the others' not-yet-started
// work and releases any worker acquired but not yet dispatched.
func dispatchAll(ctx context.Context, mgr *pool.Manager, source string, chunks []chunk, work func(acq pool.Acquisition, c chunk) chunkOutcome) []chunkOutcome {
	results := make([]chunkOutcome, len(chunks))
	ab := &aborted{}
	var wg sync.WaitGroup

	fp := fingerprint.Fingerprint(source)

	for _, c := range chunks {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := ab.get(); err != nil {
				results[c.index] = chunkOutcome{index: c.index, err: err}
				return
			}

			acq, err := mgr.Acquire(ctx, queue.High, &fp)
			if err != nil {
				ab.trigger(err)
				results[c.index] = chunkOutcome{index: c.index, err: err}
				return
			}

			if err := ab.get(); err != nil {
				// Release without ever having dispatched (spec.md §4.7:
				// "pre-acquired but not-yet-dispatched workers are
				// released, non-terminated, as handlers exit").
				mgr.Release(acq.Entry, acq.Handle, acq.Temporary, 0, false, &fp, false)
				results[c.index] = chunkOutcome{index: c.index, err: err}
				return
			}

			out := work(acq, c)
			if out.err != nil {
				ab.trigger(out.err)
			}
			results[c.index] = out
		}()
	}
	wg.Wait()
	return results
}

// Map applies fn to every element of xs in parallel, preserving order and
// length (spec.md §8 functional law 6: turbo.map(g, xs) == xs.map(g)).
func (r *Runner) Map(ctx context.Context, source string, fn worker.Callable, xs []interface{}) ([]interface{}, error) {
	n := len(xs)
	if n == 0 {
		return []interface{}{}, nil
	}
	if !r.useParallel(n) {
		return r.mapSingle(ctx, source, fn, xs)
	}

	chunks := r.partition(n, r.mgr.Stats().PoolSize)
	results := dispatchAll(ctx, r.mgr, source, chunks, func(acq pool.Acquisition, c chunk) chunkOutcome {
		defer r.mgr.Release(acq.Entry, acq.Handle, acq.Temporary, 0, false, nil, false)
		mapped := make([]interface{}, c.end-c.start)
		for i := c.start; i < c.end; i++ {
			v, err := dispatchCall(ctx, acq.Handle, fn, []interface{}{xs[i]})
			if err != nil {
				return chunkOutcome{index: c.index, start: c.start, err: err}
			}
			mapped[i-c.start] = v
		}
		return chunkOutcome{index: c.index, start: c.start, mapped: mapped}
	})

	if err := firstError(results); err != nil {
		return nil, err
	}

	// Merge: pre-computed offsets, contiguous write (spec.md §4.7 "map").
	out := make([]interface{}, n)
	for _, res := range results {
		copy(out[res.start:res.start+len(res.mapped)], res.mapped)
	}
	return out, nil
}

func (r *Runner) mapSingle(ctx context.Context, source string, fn worker.Callable, xs []interface{}) ([]interface{}, error) {
	fp := fingerprint.Fingerprint(source)
	acq, err := r.mgr.Acquire(ctx, queue.High, &fp)
	if err != nil {
		return nil, err
	}
	defer r.mgr.Release(acq.Entry, acq.Handle, acq.Temporary, 0, false, &fp, false)

	out := make([]interface{}, len(xs))
	for i, x := range xs {
		v, err := dispatchCall(ctx, acq.Handle, fn, []interface{}{x})
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Filter keeps elements for which pred returns true, preserving input order
// (spec.md §8 functional law 7).
func (r *Runner) Filter(ctx context.Context, source string, pred worker.Callable, xs []interface{}) ([]interface{}, error) {
	n := len(xs)
	if n == 0 {
		return []interface{}{}, nil
	}
	if !r.useParallel(n) {
		return r.filterSingle(ctx, source, pred, xs)
	}

	chunks := r.partition(n, r.mgr.Stats().PoolSize)
	results := dispatchAll(ctx, r.mgr, source, chunks, func(acq pool.Acquisition, c chunk) chunkOutcome {
		defer r.mgr.Release(acq.Entry, acq.Handle, acq.Temporary, 0, false, nil, false)
		kept := make([]interface{}, 0, c.end-c.start)
		for i := c.start; i < c.end; i++ {
			ok, err := dispatchCall(ctx, acq.Handle, pred, []interface{}{xs[i]})
			if err != nil {
				return chunkOutcome{index: c.index, err: err}
			}
			if truthy(ok) {
				kept = append(kept, xs[i])
			}
		}
		return chunkOutcome{index: c.index, kept: kept}
	})

	if err := firstError(results); err != nil {
		return nil, err
	}

	// Merge: two-pass (sum lengths, allocate, copy), order-preserving
	// (spec.md §4.7 "filter").
	total := 0
	for _, res := range results {
		total += len(res.kept)
	}
	out := make([]interface{}, 0, total)
	for _, res := range results {
		out = append(out, res.kept...)
	}
	return out, nil
}

func (r *Runner) filterSingle(ctx context.Context, source string, pred worker.Callable, xs []interface{}) ([]interface{}, error) {
	fp := fingerprint.Fingerprint(source)
	acq, err := r.mgr.Acquire(ctx, queue.High, &fp)
	if err != nil {
		return nil, err
	}
	defer r.mgr.Release(acq.Entry, acq.Handle, acq.Temporary, 0, false, &fp, false)

	out := make([]interface{}, 0, len(xs))
	for _, x := range xs {
		ok, err := dispatchCall(ctx, acq.Handle, pred, []interface{}{x})
		if err != nil {
			return nil, err
		}
		if truthy(ok) {
			out = append(out, x)
		}
	}
	return out, nil
}

// Reduce folds xs with fn, seeded by init in each chunk and again in the
// final combine (spec.md §4.7 "reduce": fn must be associative and init
// must be a left-identity for fn for the result to match a sequential
// fold — a documented contract, not something this code can verify).
func (r *Runner) Reduce(ctx context.Context, source string, fn worker.Callable, init interface{}, xs []interface{}) (interface{}, error) {
	n := len(xs)
	if n == 0 {
		return init, nil
	}
	if !r.useParallel(n) {
		return r.reduceSingle(ctx, source, fn, init, xs)
	}

	chunks := r.partition(n, r.mgr.Stats().PoolSize)
	results := dispatchAll(ctx, r.mgr, source, chunks, func(acq pool.Acquisition, c chunk) chunkOutcome {
		defer r.mgr.Release(acq.Entry, acq.Handle, acq.Temporary, 0, false, nil, false)
		acc := init
		for i := c.start; i < c.end; i++ {
			v, err := dispatchCall(ctx, acq.Handle, fn, []interface{}{acc, xs[i]})
			if err != nil {
				return chunkOutcome{index: c.index, err: err}
			}
			acc = v
		}
		return chunkOutcome{index: c.index, partial: acc}
	})

	if err := firstError(results); err != nil {
		return nil, err
	}

	// Combine partials on a freshly acquired worker — it must go through
	// Dispatch just like every other chunk call so a panicking fn is
	// recovered into a WORKER_ERROR instead of crashing the host.
	fp := fingerprint.Fingerprint(source)
	combineAcq, err := r.mgr.Acquire(ctx, queue.High, &fp)
	if err != nil {
		return nil, err
	}
	defer r.mgr.Release(combineAcq.Entry, combineAcq.Handle, combineAcq.Temporary, 0, false, &fp, false)

	acc := init
	for _, res := range results {
		v, err := dispatchCall(ctx, combineAcq.Handle, fn, []interface{}{acc, res.partial})
		if err != nil {
			return nil, err
		}
		acc = v
	}
	return acc, nil
}

func (r *Runner) reduceSingle(ctx context.Context, source string, fn worker.Callable, init interface{}, xs []interface{}) (interface{}, error) {
	fp := fingerprint.Fingerprint(source)
	acq, err := r.mgr.Acquire(ctx, queue.High, &fp)
	if err != nil {
		return nil, err
	}
	defer r.mgr.Release(acq.Entry, acq.Handle, acq.Temporary, 0, false, &fp, false)

	acc := init
	for _, x := range xs {
		v, err := dispatchCall(ctx, acq.Handle, fn, []interface{}{acc, x})
		if err != nil {
			return nil, err
		}
		acc = v
	}
	return acc, nil
}

func firstError(results []chunkOutcome) error {
	for _, res := range results {
		if res.err != nil {
			return res.err
		}
	}
	return nil
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

// dispatchCall runs one Callable invocation through the worker's Dispatch
// protocol rather than calling fn directly, so a panicking callable is
// recovered by worker.invoke into a WORKER_ERROR (spec.md §6, §7) instead of
// crashing the host process — matching stream.go's use of Handle.Dispatch.
func dispatchCall(ctx context.Context, h worker.Handle, fn worker.Callable, args []interface{}) (interface{}, error) {
	replies := h.Dispatch(ctx, worker.RequestMessage{Fn: fn, Args: args})
	for msg := range replies {
		switch msg.Type {
		case worker.MsgLog:
			continue
		case worker.MsgReply:
			if msg.Ok {
				return msg.Value, nil
			}
			return nil, errs.NewWorkerError(msg.Err.Name, msg.Err.Message, msg.Err.Stack)
		}
	}
	// Channel closed without a reply — the worker exited mid-dispatch.
	return nil, errs.WrapWorkerError(errChunkWorkerExited)
}

type chunkWorkerExitError struct{}

func (chunkWorkerExitError) Error() string { return "worker exited before replying to a turbo chunk" }

var errChunkWorkerExited error = chunkWorkerExitError{}
