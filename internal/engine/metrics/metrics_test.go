package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	b := New()
	b.IncTasksExecuted()
	b.IncTasksExecuted()
	b.IncTasksFailed()
	b.IncAffinityHit()
	b.IncAffinityMiss()
	b.IncTemporaryCreated()
	b.IncCoalesced()
	b.IncUnique()

	snap := b.Snapshot()
	assert.Equal(t, uint64(2), snap.TasksExecuted)
	assert.Equal(t, uint64(1), snap.TasksFailed)
	assert.Equal(t, uint64(1), snap.AffinityHits)
	assert.Equal(t, uint64(1), snap.AffinityMisses)
	assert.Equal(t, uint64(1), snap.TemporaryWorkersCreated)
	assert.Equal(t, int64(1), snap.ActiveTemporaryWorkers)
	assert.Equal(t, uint64(1), snap.CoalescedCount)
	assert.Equal(t, uint64(1), snap.UniqueCount)

	b.DecActiveTemporary()
	assert.Equal(t, int64(0), b.Snapshot().ActiveTemporaryWorkers)
}

func TestCoalesceRate(t *testing.T) {
	b := New()
	assert.Equal(t, 0.0, b.Snapshot().CoalesceRate())

	b.IncCoalesced()
	b.IncCoalesced()
	b.IncCoalesced()
	b.IncUnique()
	assert.InDelta(t, 0.75, b.Snapshot().CoalesceRate(), 0.0001)
}

func TestConcurrentIncrementsAreRaceFree(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.IncTasksExecuted()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(100), b.Snapshot().TasksExecuted)
}
