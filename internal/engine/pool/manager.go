// Package pool implements the Pool Manager (C1, spec.md §4.1): worker
// lifecycle, selection, release, idle reclamation and overflow.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/aipilotbyjd/taskengine/internal/engine/errs"
	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/queue"
	"github.com/aipilotbyjd/taskengine/internal/worker"
	"go.uber.org/zap"
)

// Config is spec.md §3's frozen-at-read Configuration, scoped to what the
// Pool Manager consults.
type Config struct {
	MinThreads          int
	MaxPoolSize         int
	MaxQueueSize        int
	MaxTemporaryWorkers int
	WorkerIdleTimeout   time.Duration
	FunctionCacheSize   int
	LowMemoryMode       bool
	ResourceLimits      ResourceLimits
}

// WorkerFactory creates a new opaque worker handle for the given pool type.
type WorkerFactory func(poolType worker.PoolType, functionCacheSize int) worker.Handle

// Manager owns exactly one pool type's worker array, counters and queue.
type Manager struct {
	poolType worker.PoolType
	cfg      Config
	metrics  *metrics.Bag
	logger   *zap.SugaredLogger
	newWorker WorkerFactory
	checker   resourceChecker

	mu        sync.Mutex
	entries   []*Entry
	busyCount int
	idleCount int

	activeTemporary int

	q *queue.Queue[*QueuedTask]

	shutdown bool
}

// New creates a Manager for one pool type. factory is how new worker
// handles are minted; pass worker.New-backed closures in production and a
// deterministic fake in tests.
func New(poolType worker.PoolType, cfg Config, bag *metrics.Bag, logger *zap.SugaredLogger, factory WorkerFactory) *Manager {
	var checker resourceChecker = noopChecker{}
	if cfg.ResourceLimits.MaxMemPercent > 0 || cfg.ResourceLimits.MaxCPUPercent > 0 {
		checker = gopsutilChecker{}
	}
	return &Manager{
		poolType:  poolType,
		cfg:       cfg,
		metrics:   bag,
		logger:    logger,
		newWorker: factory,
		checker:   checker,
		q:         queue.New[*QueuedTask](),
	}
}

// Warmup eagerly creates count idle pooled entries, up to MaxPoolSize.
func (m *Manager) Warmup(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < count && len(m.entries) < m.cfg.MaxPoolSize; i++ {
		h := m.newWorker(m.poolType, m.cfg.FunctionCacheSize)
		e := newEntry(h)
		e.busy = false
		m.entries = append(m.entries, e)
		m.idleCount++
		m.watchExit(e)
	}
}

// Acquire runs the five-strategy selection algorithm of spec.md §4.1 in
// strict order, returning on first success.
func (m *Manager) Acquire(ctx context.Context, priority queue.Priority, fingerprint *uint64) (Acquisition, error) {
	m.mu.Lock()

	if m.shutdown {
		m.mu.Unlock()
		return Acquisition{}, errs.NewAborted("pool is shut down")
	}

	// Strategy 1: affinity match.
	if fingerprint != nil {
		if m.idleCount > 0 {
			if e := m.findAffinityIdle(*fingerprint); e != nil {
				m.claim(e)
				m.metrics.IncAffinityHit()
				m.mu.Unlock()
				return Acquisition{Entry: e, Handle: e.Handle, AffinityHit: true}, nil
			}
		}
		m.metrics.IncAffinityMiss()
	}

	// Strategy 2: least-used idle.
	if m.idleCount > 0 {
		if e := m.findLeastUsedIdle(); e != nil {
			m.claim(e)
			m.mu.Unlock()
			return Acquisition{Entry: e, Handle: e.Handle}, nil
		}
	}

	// Strategy 3: grow pool.
	if len(m.entries) < m.cfg.MaxPoolSize && m.checker.AllowGrowth(m.cfg.ResourceLimits) {
		h := m.newWorker(m.poolType, m.cfg.FunctionCacheSize)
		e := newEntry(h) // born busy, per spec.md §9 ("counter races")
		e.ResourceSample = m.checker.Sample()
		m.entries = append(m.entries, e)
		m.busyCount++
		m.watchExit(e)
		m.mu.Unlock()
		return Acquisition{Entry: e, Handle: e.Handle}, nil
	}

	// Strategy 4: temporary overflow.
	if m.activeTemporary < m.cfg.MaxTemporaryWorkers && m.checker.AllowGrowth(m.cfg.ResourceLimits) {
		h := m.newWorker(m.poolType, m.cfg.FunctionCacheSize)
		m.activeTemporary++
		m.metrics.IncTemporaryCreated()
		m.mu.Unlock()
		return Acquisition{Handle: h, Temporary: true}, nil
	}

	// Strategy 5: queue.
	if m.q.Length() >= m.cfg.MaxQueueSize {
		m.mu.Unlock()
		return Acquisition{}, errs.NewQueueFull(m.cfg.MaxQueueSize)
	}
	qt := &QueuedTask{Priority: priority, resolved: make(chan Acquisition, 1), rejected: make(chan error, 1)}
	m.q.Enqueue(qt, priority)
	m.mu.Unlock()

	select {
	case acq := <-qt.resolved:
		return acq, nil
	case err := <-qt.rejected:
		return Acquisition{}, err
	case <-ctx.Done():
		return Acquisition{}, errs.NewAborted(ctx.Err().Error())
	}
}

// findAffinityIdle scans the pool once for the first idle entry whose
// affinity set contains fp.
func (m *Manager) findAffinityIdle(fp uint64) *Entry {
	for _, e := range m.entries {
		if !e.busy && e.HasAffinity(fp) {
			return e
		}
	}
	return nil
}

// findLeastUsedIdle scans the pool once: an untouched idle entry wins
// immediately, otherwise the lowest tasksExecuted wins (first occurrence
// on ties).
func (m *Manager) findLeastUsedIdle() *Entry {
	var best *Entry
	for _, e := range m.entries {
		if e.busy {
			continue
		}
		if e.TasksExecuted == 0 {
			return e
		}
		if best == nil || e.TasksExecuted < best.TasksExecuted {
			best = e
		}
	}
	return best
}

// claim flips an idle entry busy and cancels its idle-reclamation timer.
// Caller holds m.mu.
func (m *Manager) claim(e *Entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	e.busy = true
	m.busyCount++
	m.idleCount--
}

// Release implements spec.md §4.1's release algorithm.
func (m *Manager) Release(entry *Entry, handle worker.Handle, isTemporary bool, execTime time.Duration, failed bool, fingerprint *uint64, forceTerminated bool) {
	if isTemporary {
		m.mu.Lock()
		m.activeTemporary--
		m.metrics.DecActiveTemporary()
		m.mu.Unlock()
		if !forceTerminated {
			handle.Terminate()
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry.TasksExecuted++
	entry.TotalExecTime += execTime
	if failed {
		entry.FailedCount++
	}

	if forceTerminated {
		m.removeEntryLocked(entry, true)
		handle.Terminate()
		return
	}

	if fingerprint != nil && !m.cfg.LowMemoryMode {
		entry.rememberAffinity(*fingerprint)
		handle.Remember(*fingerprint)
	}

	// Hand-off: give this still-busy worker straight to the next waiter.
	if qt, ok := m.q.DequeueHighest(); ok {
		qt.resolved <- Acquisition{Entry: entry, Handle: entry.Handle}
		return
	}

	entry.busy = false
	m.idleCount++
	m.busyCount--
	m.armIdleTimer(entry)
}

// removeEntryLocked splices entry out of m.entries and adjusts counters
// based on its busy state prior to removal. Caller holds m.mu.
func (m *Manager) removeEntryLocked(entry *Entry, wasBusy bool) {
	for i, e := range m.entries {
		if e == entry {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	if wasBusy {
		m.busyCount--
	} else {
		m.idleCount--
	}
}

// armIdleTimer schedules idle reclamation (spec.md §4.1). Caller holds m.mu.
func (m *Manager) armIdleTimer(entry *Entry) {
	if m.cfg.WorkerIdleTimeout <= 0 {
		return
	}
	entry.idleTimer = time.AfterFunc(m.cfg.WorkerIdleTimeout, func() {
		m.reclaimIdle(entry)
	})
}

func (m *Manager) reclaimIdle(entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.busy {
		return
	}
	minSize := m.cfg.MinThreads
	if minSize < 1 {
		minSize = 1
	}
	if len(m.entries) <= minSize {
		// Below or at the floor: let it persist. Re-arm so a later
		// release-driven idle spell still gets a chance to shrink once
		// pool size rises back above the floor and falls idle again.
		m.armIdleTimer(entry)
		return
	}
	m.removeEntryLocked(entry, false)
	entry.Handle.Terminate()
}

// watchExit removes an entry from the pool if its worker exits
// unexpectedly (spec.md §4.1 "Failure semantics"). Entries removed via
// Release/reclaimIdle have already called Terminate, so this is a no-op
// race with those paths — Terminate is idempotent, and removeEntryLocked
// (which adjusts counters unconditionally) is only called here when the
// scan below still finds the entry in the pool.
func (m *Manager) watchExit(e *Entry) {
	go func() {
		<-e.Handle.Exited()
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, existing := range m.entries {
			if existing == e {
				m.removeEntryLocked(e, e.busy)
				break
			}
		}
	}()
}

// Stats is a point-in-time, read-only view of the pool (spec.md's
// `stats()`, plus the SPEC_FULL.md pressure supplement). Per-entry
// resource samples are not included.
type Stats struct {
	PoolSize          int
	BusyCount         int
	IdleCount         int
	QueueLength       int
	ActiveTemporary   int
	MaxQueueSize      int
	Pressure          float64 // queue length / queue capacity
}

// Stats returns the current pool state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	ql := m.q.Length()
	pressure := 0.0
	if m.cfg.MaxQueueSize > 0 {
		pressure = float64(ql) / float64(m.cfg.MaxQueueSize)
	}
	return Stats{
		PoolSize:        len(m.entries),
		BusyCount:       m.busyCount,
		IdleCount:       m.idleCount,
		QueueLength:     ql,
		ActiveTemporary: m.activeTemporary,
		MaxQueueSize:    m.cfg.MaxQueueSize,
		Pressure:        pressure,
	}
}

// Shutdown terminates every pooled worker and rejects any queued waiters.
// After Shutdown, |pool|=0 and the queue retains no waiters (spec.md §8
// invariant 3).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	entries := m.entries
	m.entries = nil
	m.busyCount, m.idleCount = 0, 0
	waiters := m.q.Drain()
	m.mu.Unlock()

	for _, e := range entries {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		e.Handle.Terminate()
	}
	for _, w := range waiters {
		w.rejected <- errs.NewAborted("pool shut down")
	}
}
