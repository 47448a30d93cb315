// Package taskengine is the public facade over the task execution engine:
// it wires the Pool Manager, Task Engine, Retry Controller, Coalescer,
// Stream Engine and Turbo layer into one entry point a host process embeds.
package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aipilotbyjd/taskengine/internal/engine/coalesce"
	"github.com/aipilotbyjd/taskengine/internal/engine/events"
	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/pool"
	"github.com/aipilotbyjd/taskengine/internal/engine/retry"
	"github.com/aipilotbyjd/taskengine/internal/engine/stream"
	"github.com/aipilotbyjd/taskengine/internal/engine/task"
	"github.com/aipilotbyjd/taskengine/internal/engine/turbo"
	"github.com/aipilotbyjd/taskengine/internal/platform/artifacts"
	"github.com/aipilotbyjd/taskengine/internal/platform/config"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

// Engine is the assembled task execution engine: one pool per worker.PoolType,
// a Task Engine over both, a Retry Controller wrapping the Task Engine, a
// Coalescer wrapping the Retry Controller, and a Turbo runner over the
// normal pool.
type Engine struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	bag    *metrics.Bag

	normalPool *pool.Manager
	genPool    *pool.Manager

	taskEngine *task.Engine
	retryCtl   *retry.Controller
	coalescer  *coalesce.Coalescer
	turboRunner *turbo.Runner

	events events.Sink

	archive          *artifacts.Store
	archiveThreshold int
}

// New assembles an Engine from configuration. Both pools are warmed up to
// EngineConfig.MinThreads.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("taskengine: nil config")
	}
	bag := metrics.New()

	poolCfg := pool.Config{
		MinThreads:          cfg.Engine.MinThreads,
		MaxPoolSize:         cfg.Engine.PoolSize,
		MaxQueueSize:        cfg.Engine.MaxQueueSize,
		MaxTemporaryWorkers: cfg.Engine.MaxTemporaryWorkers,
		WorkerIdleTimeout:   cfg.Engine.WorkerIdleTimeout,
		FunctionCacheSize:   cfg.Engine.FunctionCacheSize,
		LowMemoryMode:       cfg.Engine.LowMemoryMode,
		ResourceLimits: pool.ResourceLimits{
			MaxMemPercent: cfg.Engine.MaxMemPercent,
			MaxCPUPercent: cfg.Engine.MaxCPUPercent,
		},
	}

	factory := func(pt worker.PoolType, cacheSize int) worker.Handle {
		return worker.New(pt, cacheSize)
	}

	normalPool := pool.New(worker.Normal, poolCfg, bag, logger, factory)
	genPool := pool.New(worker.Generator, poolCfg, bag, logger, factory)
	normalPool.Warmup(poolCfg.MinThreads)
	genPool.Warmup(poolCfg.MinThreads)

	pools := map[worker.PoolType]*pool.Manager{
		worker.Normal:    normalPool,
		worker.Generator: genPool,
	}

	taskEngine := task.New(pools, bag, logger)
	retryCtl := retry.New(taskEngine, bag)
	coalescer := coalesce.New(retryCtl, bag, cfg.Engine.CoalescingEnabled)
	turboRunner := turbo.New(normalPool)

	return &Engine{
		cfg:         cfg,
		logger:      logger,
		bag:         bag,
		normalPool:  normalPool,
		genPool:     genPool,
		taskEngine:  taskEngine,
		retryCtl:    retryCtl,
		coalescer:   coalescer,
		turboRunner: turboRunner,
		events:      events.NoopPublisher{},
	}, nil
}

// AttachEvents swaps in a live event sink (e.g. a Kafka *events.Publisher);
// by default Engine publishes to a no-op sink.
func (e *Engine) AttachEvents(sink events.Sink) { e.events = sink }

// AttachArchive wires an S3-backed artifact store for results whose
// marshaled size exceeds thresholdBytes: Submit replaces an oversized
// fulfilled Value with an artifacts.Ref rather than carrying the payload
// through the reply channel and the event stream. Results at or below the
// threshold are returned inline as before; by default no archive is
// attached and nothing is offloaded.
func (e *Engine) AttachArchive(store *artifacts.Store, thresholdBytes int) {
	e.archive = store
	e.archiveThreshold = thresholdBytes
}

// maybeArchive offloads value to the attached artifact store when it is
// configured and the marshaled payload exceeds the threshold, returning
// the original value unchanged otherwise (including on any archival
// failure, so a storage hiccup degrades to inline delivery rather than
// losing the result).
func (e *Engine) maybeArchive(ctx context.Context, source string, value interface{}) interface{} {
	if e.archive == nil || value == nil {
		return value
	}

	data, err := json.Marshal(value)
	if err != nil || len(data) <= e.archiveThreshold {
		return value
	}

	key := fmt.Sprintf("%s/%s-%d.json", source, uuid.NewString(), time.Now().UnixNano())
	ref, err := e.archive.Put(ctx, key, data, "application/json")
	if err != nil {
		if e.logger != nil {
			e.logger.Warnw("taskengine: archive put failed, returning inline result", "source", source, "error", err)
		}
		return value
	}
	return ref
}

// DefaultRetryPolicy builds a RetryPolicy from the engine's configured
// retry defaults, for callers that want the standard behavior without
// building one field by field.
func (e *Engine) DefaultRetryPolicy() *task.RetryPolicy {
	return &task.RetryPolicy{
		MaxAttempts:   e.cfg.Engine.RetryMaxAttempts,
		BaseDelay:     e.cfg.Engine.RetryBaseDelay,
		MaxDelay:      e.cfg.Engine.RetryMaxDelay,
		BackoffFactor: e.cfg.Engine.RetryBackoffFactor,
	}
}

// Submit runs a Descriptor through Coalescer → Retry Controller → Task
// Engine, per spec.md §2's data/control flow, and applies Safe-mode
// wrapping last so retries see real errors throughout the pipeline.
func (e *Engine) Submit(ctx context.Context, d *task.Descriptor) (interface{}, error) {
	safe := d.Safe
	unsafeDescriptor := *d
	unsafeDescriptor.Safe = false

	var value interface{}
	var err error
	if d.NoCoalesce || (d.Retry != nil && d.Retry.NoCoalesce) {
		value, err = e.retryCtl.Execute(ctx, &unsafeDescriptor)
	} else {
		value, err = e.coalescer.Dedup(ctx, &unsafeDescriptor)
	}

	e.publishOutcome(ctx, d, err)

	if err == nil {
		value = e.maybeArchive(ctx, d.Source, value)
	}

	if !safe {
		return value, err
	}
	if err != nil {
		return task.Result{Status: task.Rejected, Error: err}, nil
	}
	return task.Result{Status: task.Fulfilled, Value: value}, nil
}

func (e *Engine) publishOutcome(ctx context.Context, d *task.Descriptor, err error) {
	ev := events.Event{PoolType: string(d.PoolType)}
	if err != nil {
		ev.Type = events.TaskFailed
		ev.Fields = map[string]interface{}{"error": err.Error()}
	} else {
		ev.Type = events.TaskCompleted
	}
	_ = e.events.Publish(ctx, ev)
}

// Stream opens a Stream Engine reader over the generator pool (spec.md
// §4.6). The caller drives it with Reader.Next.
func (e *Engine) Stream(ctx context.Context, d *task.Descriptor) (*stream.Reader, error) {
	return stream.Start(ctx, e.genPool, e.bag, d)
}

// Map, Filter and Reduce expose the Turbo layer (spec.md §4.7) directly.
func (e *Engine) Map(ctx context.Context, source string, fn worker.Callable, xs []interface{}) ([]interface{}, error) {
	return e.turboRunner.Map(ctx, source, fn, xs)
}

func (e *Engine) Filter(ctx context.Context, source string, pred worker.Callable, xs []interface{}) ([]interface{}, error) {
	return e.turboRunner.Filter(ctx, source, pred, xs)
}

func (e *Engine) Reduce(ctx context.Context, source string, fn worker.Callable, init interface{}, xs []interface{}) (interface{}, error) {
	return e.turboRunner.Reduce(ctx, source, fn, init, xs)
}

// Turbo returns the underlying Turbo runner, for callers that want to set
// MaxWorkers or Force before invoking Map/Filter/Reduce.
func (e *Engine) Turbo() *turbo.Runner { return e.turboRunner }

// Stats is a point-in-time view across both pools.
type Stats struct {
	Normal    pool.Stats
	Generator pool.Stats
}

// Stats reports current pool occupancy and queue pressure.
func (e *Engine) Stats() Stats {
	return Stats{Normal: e.normalPool.Stats(), Generator: e.genPool.Stats()}
}

// Metrics exposes the shared counter bag, e.g. for an ops server to render
// a point-in-time snapshot.
func (e *Engine) Metrics() *metrics.Bag { return e.bag }

// Shutdown drains both pools and closes the event sink. Safe to call once;
// Manager.Shutdown itself tolerates repeat calls on an empty pool.
func (e *Engine) Shutdown() {
	e.normalPool.Shutdown()
	e.genPool.Shutdown()
	if err := e.events.Close(); err != nil && e.logger != nil {
		e.logger.Warnw("taskengine: event sink close failed", "error", err)
	}
}
