package pool

import (
	"time"

	"github.com/aipilotbyjd/taskengine/internal/engine/queue"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

// affinityCap is the bounded affinity-set size from spec.md §3/§9: "on
// overflow at 50 entries, clearing the whole set... is deliberate: simpler,
// and affinity is advisory."
const affinityCap = 50

// Entry is a long-lived pooled worker (spec.md §3's WorkerEntry).
type Entry struct {
	ID     uint64
	Handle worker.Handle

	busy bool

	TasksExecuted uint64
	TotalExecTime time.Duration
	FailedCount   uint64

	affinity map[uint64]struct{}

	idleTimer *time.Timer

	// ResourceSample is an optional, observability-only last-seen host
	// resource reading (SPEC_FULL.md supplement: "Worker resource
	// snapshot"). Never consulted by the acquire algorithm.
	ResourceSample ResourceSample
}

func newEntry(h worker.Handle) *Entry {
	return &Entry{ID: h.ID(), Handle: h, busy: true, affinity: make(map[uint64]struct{})}
}

// Busy reports whether a task is currently assigned to this entry.
func (e *Entry) Busy() bool { return e.busy }

// HasAffinity reports whether this (idle) entry previously ran fp.
func (e *Entry) HasAffinity(fp uint64) bool {
	_, ok := e.affinity[fp]
	return ok
}

// rememberAffinity inserts fp into the bounded affinity set, clearing it
// first if already at capacity (spec.md §4.1 release algorithm).
func (e *Entry) rememberAffinity(fp uint64) {
	if len(e.affinity) >= affinityCap {
		e.affinity = make(map[uint64]struct{}, affinityCap)
	}
	e.affinity[fp] = struct{}{}
}

// QueuedTask is a waiter blocked because no worker was available
// (spec.md §3). resolved is a size-1 channel acting as the acquisition
// future: exactly one value is ever sent to it.
type QueuedTask struct {
	Priority queue.Priority
	resolved chan Acquisition
	rejected chan error
}

// Acquisition is the result of a successful acquire (spec.md §4.1).
type Acquisition struct {
	Entry       *Entry // nil iff Temporary
	Handle      worker.Handle
	Temporary   bool
	AffinityHit bool
}

// ResourceSample is a point-in-time host resource reading, taken via
// gopsutil, attached to a newly grown Entry purely for diagnostics. Nothing
// in the module reads it back; it is not part of Stats.
type ResourceSample struct {
	CPUPercent float64
	MemPercent float64
	SampledAt  time.Time
}
