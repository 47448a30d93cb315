// Package worker implements the opaque Worker Protocol described in
// spec.md §6. The specification deliberately leaves the host↔worker
// serialization/dispatch boundary out of scope ("the spec treats each
// worker as an opaque executor satisfying the Worker Protocol") and its
// design notes say an implementer may address callables by a registered
// name or precompiled identifier rather than marshalling source text
// across a process boundary. This package takes that option: a Callable
// is a Go closure, and a Worker is a single-goroutine executor that
// accepts at most one in-flight Request Message at a time and answers
// with the same message shapes the protocol defines (Response, Log,
// generator Yield/Return/End/Error, Turbo Complete/Error) so that
// upstream components (Pool Manager, Task Engine, Stream Engine, Turbo)
// never see anything but the wire protocol.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// PoolType distinguishes the normal request/reply pool from the generator
// (streaming) pool. A worker never migrates between pool types.
type PoolType string

const (
	Normal    PoolType = "normal"
	Generator PoolType = "generator"
)

// Callable is a unit of user-supplied compute: arguments plus an optional
// injected environment, run off the caller's goroutine.
type Callable func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error)

// Source identifies the callable for fingerprinting and logging. Real
// callers attach it out of band (TaskDescriptor.Source); it is not part of
// the Callable type itself since two distinct closures may share a source
// (e.g. deserialized from the same definition).

// Yielder is handed to a GeneratorCallable so it can emit incremental
// values. It returns false once the consumer has stopped reading (reader
// cancelled, or the worker is being terminated), at which point the
// callable should stop producing.
type Yielder func(value interface{}) bool

// GeneratorCallable is the generator-pool analogue of Callable: it yields
// zero or more values and, at most once before returning, may hand back a
// final return value (spec.md §6, §4.6).
type GeneratorCallable func(ctx context.Context, args []interface{}, env map[string]interface{}, yield Yielder) (ret interface{}, err error)

// WireError mirrors the worker-reported {name, message, stack?} shape of
// spec.md §6.
type WireError struct {
	Name    string
	Message string
	Stack   string
}

// RequestMessage is the host→worker Request Message (spec.md §6).
type RequestMessage struct {
	Fn      Callable
	GenFn   GeneratorCallable
	Args    []interface{}
	Context map[string]interface{}
	// Transfer marks values moved by ownership rather than copy. The
	// in-process implementation has no copy-vs-move distinction to make,
	// but the field is carried so a descriptor's transfer list survives
	// the dispatch boundary unchanged, matching the TaskDescriptor shape
	// in spec.md §3.
	Transfer []interface{}
}

// MessageType distinguishes response message shapes on the wire.
type MessageType string

const (
	MsgReply        MessageType = "reply"        // {ok, value|error} — normal pool
	MsgLog          MessageType = "log"           // {type:'log', level, args}
	MsgYield        MessageType = "yield"         // {type:'yield', value}
	MsgReturn       MessageType = "return"        // {type:'return', value}
	MsgEnd          MessageType = "end"           // {type:'end'}
	MsgError        MessageType = "error"         // {type:'error', error}
	MsgTurboComplete MessageType = "turbo_complete"
	MsgTurboError    MessageType = "turbo_error"
)

// ResponseMessage is the worker→host message envelope, shaped to cover
// every variant in spec.md §6 in one Go type rather than a tagged union of
// types, which would force a type switch at every call site.
type ResponseMessage struct {
	Type  MessageType
	Ok    bool
	Value interface{}
	Err   *WireError

	// Log fields, set when Type == MsgLog.
	Level string
	Args  []string

	// Turbo fields, set when Type is one of the turbo variants.
	WorkerID      uint64
	Result        []interface{}
	ItemsProcessed int
}

// ExitSignal reports worker process termination, per spec.md §6's worker
// lifecycle signals.
type ExitSignal struct {
	Code int
}

// Handle is the opaque worker surface the Pool Manager and Task Engine
// depend on to not need any knowledge of how a callable actually runs.
type Handle interface {
	ID() uint64
	PoolType() PoolType
	// Dispatch sends a single Request Message to the worker and returns a
	// channel of response messages. For the normal pool this emits any
	// number of MsgLog followed by exactly one MsgReply, then closes. For
	// the generator pool it emits MsgLog/MsgYield any number of times,
	// optionally one MsgReturn, then exactly one of MsgEnd/MsgError, then
	// closes. On a worker that has already been terminated the channel is
	// closed without any message. Dispatch panics if the worker already has an in-flight
	// request (one in-flight task per worker, per spec.md §4.3).
	Dispatch(ctx context.Context, req RequestMessage) <-chan ResponseMessage
	// Terminate is a hard stop: any in-flight computation is abandoned.
	// Idempotent.
	Terminate()
	// Exited fires once, when the worker exits (on Terminate, or if the
	// callable's goroutine were to panic past recovery — which Worker
	// itself prevents by recovering internally).
	Exited() <-chan ExitSignal
	// FunctionCacheSize reports how many distinct fingerprints this
	// worker's process-local function cache currently holds.
	FunctionCacheSize() int
	// Remember records that this worker ran a given fingerprint, for the
	// affinity set the Pool Manager maintains and for the worker's own
	// (capacity-bounded) compiled-form cache.
	Remember(fingerprint uint64)
}

// idSeq assigns stable numeric ids across the process, matching spec.md
// §3's "stable numeric id" WorkerEntry attribute.
var idSeq uint64

// NextID returns the next stable worker id.
func NextID() uint64 { return atomic.AddUint64(&idSeq, 1) }

// Worker is the in-process implementation of Handle.
type Worker struct {
	id       uint64
	poolType PoolType

	mu        sync.Mutex
	busy      bool
	cancelCur context.CancelFunc
	terminated bool

	exitCh chan ExitSignal
	exitOnce sync.Once

	cacheCap int
	cache    map[uint64]struct{}
}

// New creates a worker. cacheCap is the function cache capacity (spec.md
// §3's "inherent function cache owned by the worker process"); 0 means
// unbounded.
func New(poolType PoolType, cacheCap int) *Worker {
	return &Worker{
		id:       NextID(),
		poolType: poolType,
		exitCh:   make(chan ExitSignal, 1),
		cacheCap: cacheCap,
		cache:    make(map[uint64]struct{}),
	}
}

func (w *Worker) ID() uint64         { return w.id }
func (w *Worker) PoolType() PoolType { return w.poolType }

func (w *Worker) FunctionCacheSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cache)
}

func (w *Worker) Remember(fp uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cacheCap > 0 && len(w.cache) >= w.cacheCap {
		w.cache = make(map[uint64]struct{}, w.cacheCap)
	}
	w.cache[fp] = struct{}{}
}

func (w *Worker) Exited() <-chan ExitSignal { return w.exitCh }

// Terminate hard-stops whatever is in flight. If a task was running, the
// worker reports a non-zero exit so the Task Engine's worker-exit handler
// fires (spec.md §4.1 "Failure semantics", §4.3 step 6/7).
func (w *Worker) Terminate() {
	w.mu.Lock()
	wasBusy := w.busy
	alreadyDone := w.terminated
	w.terminated = true
	cancel := w.cancelCur
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if alreadyDone {
		return
	}
	code := 0
	if wasBusy {
		code = 137 // SIGKILL-style exit code, matching a hard-stop of in-flight work
	}
	w.exitOnce.Do(func() {
		w.exitCh <- ExitSignal{Code: code}
		close(w.exitCh)
	})
}

// Dispatch runs req: the generator protocol when req.GenFn is set,
// otherwise a normal-pool call that emits exactly one reply. A terminated
// worker gets a closed channel and no reply.
func (w *Worker) Dispatch(ctx context.Context, req RequestMessage) <-chan ResponseMessage {
	out := make(chan ResponseMessage, 4)

	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		panic("worker: dispatch while busy")
	}
	if w.terminated {
		w.mu.Unlock()
		close(out)
		return out
	}
	w.busy = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancelCur = cancel
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			w.busy = false
			w.cancelCur = nil
			w.mu.Unlock()
			close(out)
		}()

		if req.GenFn != nil {
			w.runGenerator(runCtx, req, out)
			return
		}
		w.runOnce(runCtx, req, out)
	}()

	return out
}

func (w *Worker) runOnce(ctx context.Context, req RequestMessage, out chan<- ResponseMessage) {
	value, err := w.invoke(ctx, req)
	if err != nil {
		out <- errorReply(err)
		return
	}
	out <- ResponseMessage{Type: MsgReply, Ok: true, Value: value}
}

func (w *Worker) invoke(ctx context.Context, req RequestMessage) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return req.Fn(ctx, req.Args, req.Context)
}

func (w *Worker) runGenerator(ctx context.Context, req RequestMessage, out chan<- ResponseMessage) {
	yield := func(v interface{}) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		select {
		case out <- ResponseMessage{Type: MsgYield, Value: v}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	ret, err := w.invokeGenerator(ctx, req, yield)
	if err != nil {
		out <- errorEnd(err)
		return
	}
	if ret != nil {
		out <- ResponseMessage{Type: MsgReturn, Value: ret}
	}
	out <- ResponseMessage{Type: MsgEnd}
}

func (w *Worker) invokeGenerator(ctx context.Context, req RequestMessage, yield Yielder) (ret interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return req.GenFn(ctx, req.Args, req.Context, yield)
}

func errorReply(err error) ResponseMessage {
	return ResponseMessage{Type: MsgReply, Ok: false, Err: toWireError(err)}
}

func errorEnd(err error) ResponseMessage {
	return ResponseMessage{Type: MsgError, Err: toWireError(err)}
}

func toWireError(err error) *WireError {
	return &WireError{Name: "Error", Message: err.Error()}
}
