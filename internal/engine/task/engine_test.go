package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/pool"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

func newTestEngine(t *testing.T, cfg pool.Config) (*Engine, *metrics.Bag) {
	t.Helper()
	bag := metrics.New()
	mgr := pool.New(worker.Normal, cfg, bag, nil, func(pt worker.PoolType, cacheCap int) worker.Handle {
		return worker.New(pt, cacheCap)
	})
	return New(map[worker.PoolType]*pool.Manager{worker.Normal: mgr}, bag, nil), bag
}

func basicConfig() pool.Config {
	return pool.Config{MaxPoolSize: 2, MaxQueueSize: 10, MaxTemporaryWorkers: 1}
}

func TestExecuteOnceReturnsValue(t *testing.T) {
	e, bag := newTestEngine(t, basicConfig())
	d := &Descriptor{
		Source: "double",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return args[0].(int) * 2, nil
		},
		Args:     []interface{}{21},
		PoolType: worker.Normal,
	}
	v, err := e.ExecuteOnce(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, uint64(1), bag.Snapshot().TasksExecuted)
}

func TestExecuteOnceWorkerError(t *testing.T) {
	e, bag := newTestEngine(t, basicConfig())
	d := &Descriptor{
		Source: "fails",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return nil, errors.New("bad input")
		},
		PoolType: worker.Normal,
	}
	_, err := e.ExecuteOnce(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, uint64(1), bag.Snapshot().TasksFailed)
}

func TestExecuteOnceSafeModeWrapsRejection(t *testing.T) {
	e, _ := newTestEngine(t, basicConfig())
	d := &Descriptor{
		Source: "fails",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return nil, errors.New("bad input")
		},
		PoolType: worker.Normal,
		Safe:     true,
	}
	v, err := e.ExecuteOnce(context.Background(), d)
	require.NoError(t, err)
	result := v.(Result)
	assert.Equal(t, Rejected, result.Status)
	assert.Error(t, result.Error)
}

func TestExecuteOnceTimeout(t *testing.T) {
	e, _ := newTestEngine(t, basicConfig())
	d := &Descriptor{
		Source: "slow",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		PoolType: worker.Normal,
		Timeout:  20 * time.Millisecond,
	}
	_, err := e.ExecuteOnce(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecuteOncePreCancelledShortCircuits(t *testing.T) {
	e, _ := newTestEngine(t, basicConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	d := &Descriptor{
		Source: "noop",
		Fn: func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		},
		PoolType: worker.Normal,
		Cancel:   ctx,
	}
	_, err := e.ExecuteOnce(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
	assert.False(t, called, "worker must never be dispatched for an already-cancelled descriptor")
}

func TestExecuteOnceMidFlightCancellation(t *testing.T) {
	e, _ := newTestEngine(t, basicConfig())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	d := &Descriptor{
		Source: "blocks",
		Fn: func(innerCtx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			close(started)
			<-innerCtx.Done()
			return nil, innerCtx.Err()
		},
		PoolType: worker.Normal,
		Cancel:   ctx,
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := e.ExecuteOnce(context.Background(), d)
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "aborted")
	case <-time.After(time.Second):
		t.Fatal("execution never observed cancellation")
	}
}
