package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

func factory(poolType worker.PoolType, cacheCap int) worker.Handle {
	return worker.New(poolType, cacheCap)
}

func newTestManager(cfg Config) *Manager {
	return New(worker.Normal, cfg, metrics.New(), nil, factory)
}

func TestAcquireGrowsUpToMaxPoolSize(t *testing.T) {
	m := newTestManager(Config{MaxPoolSize: 2, MaxQueueSize: 10, MaxTemporaryWorkers: 0})

	acq1, err := m.Acquire(context.Background(), "normal", nil)
	require.NoError(t, err)
	assert.False(t, acq1.Temporary)

	acq2, err := m.Acquire(context.Background(), "normal", nil)
	require.NoError(t, err)
	assert.False(t, acq2.Temporary)

	assert.Equal(t, 2, m.Stats().PoolSize)
	assert.Equal(t, 2, m.Stats().BusyCount)
}

func TestAcquireOverflowsToTemporary(t *testing.T) {
	m := newTestManager(Config{MaxPoolSize: 1, MaxQueueSize: 10, MaxTemporaryWorkers: 1})

	_, err := m.Acquire(context.Background(), "normal", nil)
	require.NoError(t, err)

	acq, err := m.Acquire(context.Background(), "normal", nil)
	require.NoError(t, err)
	assert.True(t, acq.Temporary)
	assert.Equal(t, 1, m.Stats().ActiveTemporary)
}

func TestAcquireQueuesThenRejectsWhenFull(t *testing.T) {
	m := newTestManager(Config{MaxPoolSize: 1, MaxQueueSize: 0, MaxTemporaryWorkers: 0})

	_, err := m.Acquire(context.Background(), "normal", nil)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "normal", nil)
	require.Error(t, err)
}

func TestReleaseHandsOffToWaiter(t *testing.T) {
	m := newTestManager(Config{MaxPoolSize: 1, MaxQueueSize: 10, MaxTemporaryWorkers: 0})

	acq, err := m.Acquire(context.Background(), "normal", nil)
	require.NoError(t, err)

	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		acq2, err := m.Acquire(context.Background(), "normal", nil)
		require.NoError(t, err)
		assert.Equal(t, acq.Handle.ID(), acq2.Handle.ID())
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release(acq.Entry, acq.Handle, false, time.Millisecond, false, nil, false)

	select {
	case <-waiterDone:
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	m := newTestManager(Config{MaxPoolSize: 1, MaxQueueSize: 10, MaxTemporaryWorkers: 0})
	_, err := m.Acquire(context.Background(), "normal", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "normal", nil)
	assert.Error(t, err)
}

func TestAffinityHitPrefersPreviousWorker(t *testing.T) {
	m := newTestManager(Config{MaxPoolSize: 2, MaxQueueSize: 10, MaxTemporaryWorkers: 0})
	fp := uint64(42)

	acq, err := m.Acquire(context.Background(), "normal", &fp)
	require.NoError(t, err)
	m.Release(acq.Entry, acq.Handle, false, time.Millisecond, false, &fp, false)

	acq2, err := m.Acquire(context.Background(), "normal", &fp)
	require.NoError(t, err)
	assert.True(t, acq2.AffinityHit)
	assert.Equal(t, acq.Handle.ID(), acq2.Handle.ID())
}

func TestShutdownRejectsQueuedWaiters(t *testing.T) {
	m := newTestManager(Config{MaxPoolSize: 1, MaxQueueSize: 10, MaxTemporaryWorkers: 0})
	_, err := m.Acquire(context.Background(), "normal", nil)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "normal", nil)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	m.Shutdown()

	select {
	case err := <-waiterErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never rejected on shutdown")
	}

	assert.Equal(t, 0, m.Stats().PoolSize)
}
