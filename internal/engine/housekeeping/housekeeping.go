// Package housekeeping runs the engine's periodic maintenance ticks —
// currently metrics snapshot persistence — on a cron schedule, the way the
// teacher schedules its periodic workflow runs.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/platform/cache"
	"github.com/aipilotbyjd/taskengine/internal/platform/resilience"
)

// SnapshotPersister is the subset of metrics.SnapshotStore housekeeping
// depends on.
type SnapshotPersister interface {
	Persist(ctx context.Context, snap metrics.Snapshot) error
}

// Scheduler runs registered jobs on cron expressions. When Leader is set
// (one shared Redis cache across every replica of the process), each tick
// first tries to acquire a short-lived distributed lock so only one replica
// actually runs the job — the rest skip that tick silently.
type Scheduler struct {
	cron     *cron.Cron
	logger   *zap.SugaredLogger
	Leader   *cache.RedisCache
	breakers *resilience.CircuitBreakerRegistry
}

// New builds a Scheduler. Call Start to begin running jobs, Stop to drain.
func New(logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		breakers: resilience.NewCircuitBreakerRegistry(resilience.CircuitBreakerConfig{
			MaxFailures:     3,
			Timeout:         time.Minute,
			HalfOpenSuccess: 1,
		}),
	}
}

// ScheduleMetricsSnapshot persists a Bag snapshot on the given cron spec
// (e.g. "0 * * * * *" for once a minute).
func (s *Scheduler) ScheduleMetricsSnapshot(spec string, bag *metrics.Bag, store SnapshotPersister) error {
	return s.ScheduleFunc(spec, func() error {
		return store.Persist(context.Background(), bag.Snapshot())
	}, "metrics_snapshot")
}

// ScheduleFunc registers a job on a cron spec, tagged by name for leader
// election and circuit breaking; ScheduleMetricsSnapshot is built on it.
// A job tripping its breaker (three consecutive
// failures, e.g. a Postgres outage) is skipped for a cooldown minute rather
// than retried every tick against a downstream that is already down.
func (s *Scheduler) ScheduleFunc(spec string, job func() error, name string) error {
	breaker := s.breakers.Get(name)
	run := func() {
		if err := breaker.Execute(context.Background(), job); err != nil {
			if err == resilience.ErrCircuitOpen {
				s.logger.Warnw("housekeeping: job skipped, circuit open", "job", name)
			} else {
				s.logger.Errorw("housekeeping: job failed", "job", name, "error", err)
			}
		}
	}

	_, err := s.cron.AddFunc(spec, func() {
		if s.Leader == nil {
			run()
			return
		}
		lock := s.Leader.NewLock("housekeeping:"+name, 30*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		acquired, err := lock.Acquire(ctx)
		cancel()
		if err != nil {
			s.logger.Warnw("housekeeping: leader lock acquire failed, running locally", "job", name, "error", err)
			run()
			return
		}
		if !acquired {
			return
		}
		defer func() {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := lock.Release(releaseCtx); err != nil {
				s.logger.Warnw("housekeeping: leader lock release failed", "job", name, "error", err)
			}
		}()
		run()
	})
	return err
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for any running jobs to complete, then halts the scheduler.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
