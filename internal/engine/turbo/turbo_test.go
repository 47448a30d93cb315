package turbo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/pool"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

func newTestManager(maxPoolSize int) *pool.Manager {
	return pool.New(worker.Normal, pool.Config{MaxPoolSize: maxPoolSize, MaxQueueSize: 1000, MaxTemporaryWorkers: 10},
		metrics.New(), nil, func(pt worker.PoolType, cacheCap int) worker.Handle { return worker.New(pt, cacheCap) })
}

func double(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
	return args[0].(int) * 2, nil
}

func isEven(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
	return args[0].(int)%2 == 0, nil
}

func sum(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
	return args[0].(int) + args[1].(int), nil
}

func TestMapSmallInputUsesSinglePath(t *testing.T) {
	r := New(newTestManager(4))
	xs := []interface{}{1, 2, 3}
	out, err := r.Map(context.Background(), "double", double, xs)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2, 4, 6}, out)
}

func TestMapLargeInputParallelMatchesSequential(t *testing.T) {
	r := New(newTestManager(4))
	r.Force = true
	n := 2500
	xs := make([]interface{}, n)
	for i := range xs {
		xs[i] = i
	}
	out, err := r.Map(context.Background(), "double", double, xs)
	require.NoError(t, err)
	require.Len(t, out, n)
	for i, v := range out {
		assert.Equal(t, i*2, v)
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	r := New(newTestManager(4))
	r.Force = true
	n := 1500
	xs := make([]interface{}, n)
	for i := range xs {
		xs[i] = i
	}
	out, err := r.Filter(context.Background(), "isEven", isEven, xs)
	require.NoError(t, err)
	for i, v := range out {
		assert.Equal(t, i*2, v)
	}
}

func TestReduceAssociativeMatchesSequential(t *testing.T) {
	r := New(newTestManager(4))
	r.Force = true
	n := 1200
	xs := make([]interface{}, n)
	expected := 0
	for i := range xs {
		xs[i] = i
		expected += i
	}
	out, err := r.Reduce(context.Background(), "sum", sum, 0, xs)
	require.NoError(t, err)
	assert.Equal(t, expected, out)
}

func TestMapEmptyInput(t *testing.T) {
	r := New(newTestManager(4))
	out, err := r.Map(context.Background(), "double", double, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMapFailFastPropagatesFirstError(t *testing.T) {
	r := New(newTestManager(4))
	r.Force = true
	n := 2000
	xs := make([]interface{}, n)
	for i := range xs {
		xs[i] = i
	}
	failing := func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
		if args[0].(int) == n-1 {
			return nil, errors.New("boom")
		}
		return args[0], nil
	}
	_, err := r.Map(context.Background(), "failing", failing, xs)
	require.Error(t, err)
}

func TestPartitionRespectsMaxWorkersOverride(t *testing.T) {
	r := New(newTestManager(16))
	r.MaxWorkers = 2
	chunks := r.partition(5000, 16)
	assert.LessOrEqual(t, len(chunks), 2)
}

func panics(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
	panic("turbo callable exploded")
}

func TestMapSinglePathRecoversPanicAsWorkerError(t *testing.T) {
	r := New(newTestManager(4))
	xs := []interface{}{1, 2, 3}
	_, err := r.Map(context.Background(), "panics", panics, xs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestMapParallelPathRecoversPanicAsWorkerError(t *testing.T) {
	r := New(newTestManager(4))
	r.Force = true
	n := 2000
	xs := make([]interface{}, n)
	for i := range xs {
		xs[i] = i
	}
	_, err := r.Map(context.Background(), "panics", panics, xs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestReduceCombineStepRecoversPanicAsWorkerError(t *testing.T) {
	r := New(newTestManager(4))
	r.Force = true
	n := 1200
	xs := make([]interface{}, n)
	for i := range xs {
		xs[i] = i
	}
	callCount := 0
	var mu sync.Mutex
	combinePanics := func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
		mu.Lock()
		callCount++
		n := callCount
		mu.Unlock()
		// Let every per-chunk fold succeed; only the final cross-chunk
		// combine (which runs after all chunk folds) panics.
		if n > 1200 {
			panic("combine exploded")
		}
		return args[0].(int) + args[1].(int), nil
	}
	_, err := r.Reduce(context.Background(), "combinePanics", combinePanics, 0, xs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}
