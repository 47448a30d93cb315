// Package stream implements the Stream Engine (C6, spec.md §4.6): a
// generator-pool dispatch with a lazy, cancellable reader. It bypasses the
// Retry Controller and Coalescer entirely — a partially-consumed stream has
// no sane retry or dedup semantics (spec.md §4.6 "bypasses retry/coalescer").
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/aipilotbyjd/taskengine/internal/engine/errs"
	"github.com/aipilotbyjd/taskengine/internal/engine/fingerprint"
	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/pool"
	"github.com/aipilotbyjd/taskengine/internal/engine/task"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

// Reader is a lazy, cancellable view over one generator dispatch. Values are
// pulled one at a time via Next; the worker's reply channel buffers up to
// four messages, so the generator runs at most that far ahead of Next.
type Reader struct {
	mgr     *pool.Manager
	acq     pool.Acquisition
	replies <-chan worker.ResponseMessage
	cancel  context.CancelFunc
	metrics *metrics.Bag
	fp      uint64
	start   time.Time

	mu       sync.Mutex
	closed   bool
	returned interface{}
}

// Start acquires a generator-pool worker and dispatches d, returning a
// Reader the caller drives with Next. d.GenFn must be set.
func Start(ctx context.Context, mgr *pool.Manager, bag *metrics.Bag, d *task.Descriptor) (*Reader, error) {
	if d.Cancel != nil {
		if err := d.Cancel.Err(); err != nil {
			return nil, errs.NewAborted(err.Error())
		}
	}

	fp := fingerprint.Fingerprint(d.Source)
	acquireCtx := ctx
	if d.Cancel != nil {
		acquireCtx = d.Cancel
	}
	acq, err := mgr.Acquire(acquireCtx, d.Priority, &fp)
	if err != nil {
		return nil, err
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	req := worker.RequestMessage{GenFn: d.GenFn, Args: d.Args, Context: d.Env, Transfer: d.Transfer}
	replies := acq.Handle.Dispatch(dispatchCtx, req)

	r := &Reader{
		mgr:     mgr,
		acq:     acq,
		replies: replies,
		cancel:  cancel,
		metrics: bag,
		fp:      fp,
		start:   time.Now(),
	}

	if d.Cancel != nil {
		go func() {
			select {
			case <-d.Cancel.Done():
				r.Close()
			case <-dispatchCtx.Done():
			}
		}()
	}

	return r, nil
}

// Next pulls the next yielded value. ok is false once the stream has ended,
// whether cleanly (err is nil) or with a worker-reported failure.
func (r *Reader) Next() (value interface{}, ok bool, err error) {
	for msg := range r.replies {
		switch msg.Type {
		case worker.MsgLog:
			continue
		case worker.MsgYield:
			return msg.Value, true, nil
		case worker.MsgReturn:
			r.mu.Lock()
			r.returned = msg.Value
			r.mu.Unlock()
			continue
		case worker.MsgEnd:
			r.finish(false)
			return nil, false, nil
		case worker.MsgError:
			werr := errs.NewWorkerError(msg.Err.Name, msg.Err.Message, msg.Err.Stack)
			r.finish(true)
			return nil, false, werr
		}
	}
	// Channel closed without an End/Error message — the worker exited.
	r.finish(true)
	return nil, false, errs.WrapWorkerError(errExitedMidStream)
}

// Return reports the generator's final return value, if any (spec.md §4.6:
// a generator may hand back one return value alongside its yields).
func (r *Reader) Return() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.returned
}

// Close abandons the stream before it has naturally ended, hard-stopping
// the worker (spec.md §4.6 "cancellable"). Idempotent.
func (r *Reader) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.acq.Handle.Terminate()
	r.mgr.Release(r.acq.Entry, r.acq.Handle, r.acq.Temporary, time.Since(r.start), false, &r.fp, true)
}

// finish releases the worker after a natural end (clean or errored),
// without force-terminating it — the worker already returned on its own.
func (r *Reader) finish(failed bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	if failed {
		r.metrics.IncTasksFailed()
	} else {
		r.metrics.IncTasksExecuted()
	}
	r.mgr.Release(r.acq.Entry, r.acq.Handle, r.acq.Temporary, time.Since(r.start), failed, &r.fp, false)
}

type streamExitError struct{}

func (streamExitError) Error() string { return "worker exited before ending its stream" }

var errExitedMidStream error = streamExitError{}
