package task

import (
	"context"
	"sync"
	"time"

	"github.com/aipilotbyjd/taskengine/internal/engine/errs"
	"github.com/aipilotbyjd/taskengine/internal/engine/fingerprint"
	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/pool"
	"github.com/aipilotbyjd/taskengine/internal/worker"
	"go.uber.org/zap"
)

// Engine is the Task Engine (C3). It owns no worker state itself — that
// belongs to the Pool Manager(s) it's handed — and exists purely to run
// the acquire→dispatch→await→release protocol exactly once per call.
type Engine struct {
	pools   map[worker.PoolType]*pool.Manager
	metrics *metrics.Bag
	logger  *zap.SugaredLogger
}

// New builds a Task Engine over the given pool managers, keyed by pool type.
func New(pools map[worker.PoolType]*pool.Manager, bag *metrics.Bag, logger *zap.SugaredLogger) *Engine {
	return &Engine{pools: pools, metrics: bag, logger: logger}
}

// ExecuteOnce runs spec.md §4.3's execution protocol. When d.Safe is set,
// the returned error is always nil and the result is always a Result
// wrapper.
func (e *Engine) ExecuteOnce(ctx context.Context, d *Descriptor) (interface{}, error) {
	value, err := e.executeOnce(ctx, d)
	if !d.Safe {
		return value, err
	}
	if err != nil {
		return Result{Status: Rejected, Error: err}, nil
	}
	return Result{Status: Fulfilled, Value: value}, nil
}

func (e *Engine) executeOnce(ctx context.Context, d *Descriptor) (interface{}, error) {
	// Step 1: already-aborted short circuit — fail before touching the pool.
	if d.Cancel != nil {
		if err := d.Cancel.Err(); err != nil {
			return nil, errs.NewAborted(causeOf(d.Cancel, err))
		}
	}

	// Step 2: fingerprint.
	fp := fingerprint.Fingerprint(d.Source)

	// Step 3: acquire. The acquire ctx is the cancellation token (if any)
	// so a queued waiter observes cancellation before dispatch — an
	// explicit, spec-permitted extension (spec.md §9 open question).
	acquireCtx := ctx
	if d.Cancel != nil {
		acquireCtx = d.Cancel
	}
	mgr := e.pools[d.PoolType]
	acq, err := mgr.Acquire(acquireCtx, d.Priority, &fp)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var once sync.Once
	type outcome struct {
		value           interface{}
		err             error
		execTime        time.Duration
		forceTerminated bool
	}
	resultCh := make(chan outcome, 1)

	settle := func(value interface{}, err error, forceTerminated bool) {
		once.Do(func() {
			resultCh <- outcome{value: value, err: err, execTime: time.Since(start), forceTerminated: forceTerminated}
		})
	}

	req := worker.RequestMessage{Fn: d.Fn, Args: d.Args, Context: d.Env, Transfer: d.Transfer}
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()
	replies := acq.Handle.Dispatch(dispatchCtx, req)

	var timeoutCh <-chan time.Time
	if d.Timeout > 0 {
		timer := time.NewTimer(d.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	var cancelDone <-chan struct{}
	if d.Cancel != nil {
		cancelDone = d.Cancel.Done()
	}
	exited := acq.Handle.Exited()

	go func() {
		for {
			select {
			case msg, ok := <-replies:
				if !ok {
					return
				}
				switch msg.Type {
				case worker.MsgLog:
					e.forwardLog(msg)
				case worker.MsgReply:
					if msg.Ok {
						settle(msg.Value, nil, false)
					} else {
						settle(nil, errs.NewWorkerError(msg.Err.Name, msg.Err.Message, msg.Err.Stack), false)
					}
					return
				}
			case sig := <-exited:
				if sig.Code != 0 {
					settle(nil, errs.WrapWorkerError(exitError(sig.Code)), true)
				}
				return
			}
		}
	}()

	select {
	case out := <-resultCh:
		fp := fp
		e.finish(mgr, acq, out.execTime, out.err != nil, &fp, out.forceTerminated)
		return out.value, out.err
	case <-timeoutCh:
		dispatchCancel()
		acq.Handle.Terminate()
		err := errs.NewTimeout(d.Timeout.Milliseconds())
		e.finish(mgr, acq, time.Since(start), true, &fp, true)
		return nil, err
	case <-cancelDone:
		dispatchCancel()
		acq.Handle.Terminate()
		err := errs.NewAborted(causeOf(d.Cancel, d.Cancel.Err()))
		e.finish(mgr, acq, time.Since(start), true, &fp, true)
		return nil, err
	}
}

// finish records metrics and releases the acquisition. It is only ever
// called once per ExecuteOnce (each branch above is mutually exclusive).
func (e *Engine) finish(mgr *pool.Manager, acq pool.Acquisition, execTime time.Duration, failed bool, fp *uint64, forceTerminated bool) {
	if failed {
		e.metrics.IncTasksFailed()
	} else {
		e.metrics.IncTasksExecuted()
	}
	mgr.Release(acq.Entry, acq.Handle, acq.Temporary, execTime, failed, fp, forceTerminated)
}

func (e *Engine) forwardLog(msg worker.ResponseMessage) {
	if e.logger == nil {
		return
	}
	fields := make([]interface{}, 0, len(msg.Args)*2)
	for i, a := range msg.Args {
		fields = append(fields, "arg"+itoa(i), a)
	}
	switch msg.Level {
	case "error":
		e.logger.Errorw("worker log", fields...)
	case "warn":
		e.logger.Warnw("worker log", fields...)
	default:
		e.logger.Infow("worker log", fields...)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func causeOf(ctx context.Context, fallback error) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return fallback.Error()
}

type workerExitError struct{ code int }

func (e *workerExitError) Error() string {
	return "worker exited with code " + itoaSigned(e.code)
}

func itoaSigned(n int) string {
	if n < 0 {
		return "-" + itoa(-n)
	}
	return itoa(n)
}

func exitError(code int) error { return &workerExitError{code: code} }
