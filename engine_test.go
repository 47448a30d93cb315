package taskengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipilotbyjd/taskengine/internal/engine/queue"
	"github.com/aipilotbyjd/taskengine/internal/engine/task"
	"github.com/aipilotbyjd/taskengine/internal/platform/config"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.PoolSize = 4
	cfg.Engine.MinThreads = 1
	cfg.Engine.MaxQueueSize = 100
	cfg.Engine.MaxTemporaryWorkers = 2
	cfg.Engine.FunctionCacheSize = 16
	cfg.Engine.CoalescingEnabled = true
	cfg.Engine.RetryMaxAttempts = 1
	return cfg
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestSubmitExecutesAndReleases(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Shutdown()

	d := &task.Descriptor{
		Source: "double",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return args[0].(int) * 2, nil
		},
		Args:     []interface{}{5},
		Priority: queue.Normal,
		PoolType: worker.Normal,
	}
	v, err := eng.Submit(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestSubmitSafeModeWrapsFailure(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Shutdown()

	d := &task.Descriptor{
		Source: "boom",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return nil, errors.New("bad")
		},
		PoolType: worker.Normal,
		Safe:     true,
	}
	v, err := eng.Submit(context.Background(), d)
	require.NoError(t, err)
	result := v.(task.Result)
	assert.Equal(t, task.Rejected, result.Status)
}

func TestTurboMapThroughFacade(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Shutdown()

	xs := []interface{}{1, 2, 3}
	out, err := eng.Map(context.Background(), "double", func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
		return args[0].(int) * 2, nil
	}, xs)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2, 4, 6}, out)
}

func TestStatsReportsBothPools(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Shutdown()

	stats := eng.Stats()
	assert.GreaterOrEqual(t, stats.Normal.PoolSize, 1)
	assert.GreaterOrEqual(t, stats.Generator.PoolSize, 1)
}

func TestShutdownIsIdempotent(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	eng.Shutdown()
	assert.NotPanics(t, eng.Shutdown)
}

func TestStreamThroughFacade(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Shutdown()

	d := &task.Descriptor{
		Source: "gen",
		GenFn: func(ctx context.Context, args []interface{}, env map[string]interface{}, yield worker.Yielder) (interface{}, error) {
			yield(1)
			yield(2)
			return nil, nil
		},
		PoolType: worker.Generator,
	}
	r, err := eng.Stream(context.Background(), d)
	require.NoError(t, err)

	var got []interface{}
	for {
		v, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []interface{}{1, 2}, got)
}

func TestSubmitRespectsTimeout(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Shutdown()

	d := &task.Descriptor{
		Source: "slow",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		PoolType:   worker.Normal,
		Timeout:    20 * time.Millisecond,
		NoCoalesce: true,
	}
	_, err = eng.Submit(context.Background(), d)
	require.Error(t, err)
}

func TestSubmitPassesThroughWhenNoArchiveAttached(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Shutdown()

	d := &task.Descriptor{
		Source: "big",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return make([]int, 10000), nil
		},
		PoolType: worker.Normal,
	}
	v, err := eng.Submit(context.Background(), d)
	require.NoError(t, err)
	result, ok := v.([]int)
	require.True(t, ok, "expected raw value to pass through unarchived, got %T", v)
	assert.Len(t, result, 10000)
}
