// Command taskengine runs the task execution engine as a standalone
// process: it assembles the Engine, starts the diagnostics server and
// housekeeping scheduler, submits two demo tasks (one Submit, one Turbo
// Map), then serves until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	taskengine "github.com/aipilotbyjd/taskengine"
	"github.com/aipilotbyjd/taskengine/internal/engine/events"
	"github.com/aipilotbyjd/taskengine/internal/engine/housekeeping"
	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/queue"
	"github.com/aipilotbyjd/taskengine/internal/engine/task"
	"github.com/aipilotbyjd/taskengine/internal/opsserver"
	"github.com/aipilotbyjd/taskengine/internal/platform/cache"
	"github.com/aipilotbyjd/taskengine/internal/platform/config"
	"github.com/aipilotbyjd/taskengine/internal/platform/database"
	"github.com/aipilotbyjd/taskengine/internal/platform/logger"
	platmetrics "github.com/aipilotbyjd/taskengine/internal/platform/metrics"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("taskengine")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(cfg.Logger)
	zapLogger := appLogger.(*logger.ZapLogger).Raw()
	defer zapLogger.Sync() //nolint:errcheck

	eng, err := taskengine.New(cfg, zapLogger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	sched := housekeeping.New(zapLogger)
	var redisCache *cache.RedisCache
	if rc, err := cache.NewRedisCache(cache.Config{
		Host:      cfg.Redis.Host,
		Port:      cfg.Redis.Port,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Service.Name,
	}); err != nil {
		zapLogger.Warnw("redis leader lock unavailable, housekeeping runs unconditionally", "error", err)
	} else {
		redisCache = rc
		sched.Leader = rc
	}
	var metricsDB *database.DB
	if db, err := database.New(cfg.Database); err != nil {
		zapLogger.Warnw("metrics snapshot store unavailable, skipping persistence", "error", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := metrics.NewSnapshotStore(ctx, db.DB)
		cancel()
		if err != nil {
			zapLogger.Warnw("metrics snapshot table unavailable", "error", err)
		} else if err := sched.ScheduleMetricsSnapshot("0 * * * * *", eng.Metrics(), store); err != nil {
			zapLogger.Warnw("schedule metrics snapshot failed", "error", err)
		} else {
			metricsDB = db
		}
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Kafka.Enabled {
		pub, err := events.NewPublisher(events.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, zapLogger)
		if err != nil {
			zapLogger.Warnw("kafka event publisher unavailable", "error", err)
		} else {
			eng.AttachEvents(pub)
		}
	}

	promMetrics := platmetrics.NewMetrics("taskengine")
	ops := opsserver.New(opsserver.Config{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		APIKeyHash:   cfg.HTTP.APIKeyHash,
	}, eng, cfg.Service.Name, cfg.Version, promMetrics, zapLogger)
	square := func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
		n, ok := args[0].(int)
		if !ok {
			return nil, errors.New("expected int argument")
		}
		return n * n, nil
	}
	ops.RegisterTask("demo.square", square)

	counter := func(ctx context.Context, args []interface{}, env map[string]interface{}, yield worker.Yielder) (interface{}, error) {
		n, ok := args[0].(int)
		if !ok {
			return nil, errors.New("expected int argument")
		}
		for i := 1; i <= n; i++ {
			if !yield(i) {
				return n, nil
			}
		}
		return n, nil
	}
	ops.RegisterGeneratorTask("demo.counter", counter)

	if redisCache != nil {
		ops.AddRedisCheck(redisCache.Health)
	}
	if metricsDB != nil {
		ops.AddDatabaseCheck(metricsDB.HealthCheck)
	}

	if err := ops.Start(); err != nil {
		return fmt.Errorf("start ops server: %w", err)
	}

	runDemoTasks(eng, square, zapLogger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	zapLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warnw("ops server shutdown error", "error", err)
	}
	eng.Shutdown()
	return nil
}

// runDemoTasks exercises the normal-pool, retry and Turbo paths once at
// startup so a fresh deployment has something to look at on /pools/stats.
func runDemoTasks(eng *taskengine.Engine, square worker.Callable, log interface{ Infow(string, ...interface{}) }) {
	ctx := context.Background()

	if _, err := eng.Submit(ctx, &task.Descriptor{
		Fn:       square,
		Source:   "demo.square",
		Args:     []interface{}{7},
		Priority: queue.Normal,
		PoolType: worker.Normal,
		Timeout:  2 * time.Second,
	}); err == nil {
		log.Infow("demo task executed")
	}

	xs := make([]interface{}, 1000)
	for i := range xs {
		xs[i] = i
	}
	if _, err := eng.Map(ctx, "demo.turbo.square", square, xs); err == nil {
		log.Infow("demo turbo map executed")
	}
}
