// Package metrics implements the mutable monotonic counter bag of
// spec.md §3, plus (SPEC_FULL.md §3 domain-stack wiring) optional periodic
// persistence of counter snapshots to Postgres for historical dashboards.
package metrics

import (
	"sync/atomic"
	"time"
)

// Bag is the shared counter bag. All fields are updated from multiple
// goroutines (Pool Manager, Task Engine, Retry Controller, Coalescer) so
// every counter is an atomic word, per spec.md §5 ("Metrics — monotonic
// counters, updated from multiple contexts; atomic or guarded").
type Bag struct {
	tasksExecuted           atomic.Uint64
	tasksFailed             atomic.Uint64
	retries                 atomic.Uint64
	affinityHits            atomic.Uint64
	affinityMisses          atomic.Uint64
	temporaryWorkersCreated atomic.Uint64
	activeTemporaryWorkers  atomic.Int64
	coalescedCount          atomic.Uint64
	uniqueCount             atomic.Uint64
}

// New creates an empty counter bag.
func New() *Bag { return &Bag{} }

func (b *Bag) IncTasksExecuted()  { b.tasksExecuted.Add(1) }
func (b *Bag) IncTasksFailed()    { b.tasksFailed.Add(1) }
func (b *Bag) IncRetries()        { b.retries.Add(1) }
func (b *Bag) IncAffinityHit()    { b.affinityHits.Add(1) }
func (b *Bag) IncAffinityMiss()   { b.affinityMisses.Add(1) }
func (b *Bag) IncTemporaryCreated() {
	b.temporaryWorkersCreated.Add(1)
	b.activeTemporaryWorkers.Add(1)
}
func (b *Bag) DecActiveTemporary() { b.activeTemporaryWorkers.Add(-1) }
func (b *Bag) IncCoalesced()       { b.coalescedCount.Add(1) }
func (b *Bag) IncUnique()          { b.uniqueCount.Add(1) }

// Snapshot is a deep-frozen (plain value, no shared mutable state) read of
// the counter bag, per spec.md §3 ("Read via a snapshot that is
// deep-frozen before return").
type Snapshot struct {
	TasksExecuted           uint64
	TasksFailed             uint64
	Retries                 uint64
	AffinityHits            uint64
	AffinityMisses          uint64
	TemporaryWorkersCreated uint64
	ActiveTemporaryWorkers  int64
	CoalescedCount          uint64
	UniqueCount             uint64
	TakenAt                 time.Time
}

// Snapshot reads every counter into an immutable value.
func (b *Bag) Snapshot() Snapshot {
	return Snapshot{
		TasksExecuted:           b.tasksExecuted.Load(),
		TasksFailed:             b.tasksFailed.Load(),
		Retries:                 b.retries.Load(),
		AffinityHits:            b.affinityHits.Load(),
		AffinityMisses:          b.affinityMisses.Load(),
		TemporaryWorkersCreated: b.temporaryWorkersCreated.Load(),
		ActiveTemporaryWorkers:  b.activeTemporaryWorkers.Load(),
		CoalescedCount:          b.coalescedCount.Load(),
		UniqueCount:             b.uniqueCount.Load(),
		TakenAt:                 time.Now(),
	}
}

// CoalesceRate returns coalescedCount / (coalescedCount + uniqueCount), 0
// when no coalescing-eligible submissions have occurred yet.
func (s Snapshot) CoalesceRate() float64 {
	total := s.CoalescedCount + s.UniqueCount
	if total == 0 {
		return 0
	}
	return float64(s.CoalescedCount) / float64(total)
}
