// Package coalesce implements the Coalescer (C5, spec.md §4.5): dedup of
// concurrent, structurally-identical in-flight submissions into a single
// execution whose result is fanned out to every joiner.
package coalesce

import (
	"context"
	"regexp"
	"sync"

	"github.com/aipilotbyjd/taskengine/internal/engine/fingerprint"
	"github.com/aipilotbyjd/taskengine/internal/engine/metrics"
	"github.com/aipilotbyjd/taskengine/internal/engine/task"
)

// Executor is the subset of the Retry Controller (or Task Engine, if a
// caller wants to coalesce ahead of retries) the Coalescer wraps.
type Executor interface {
	Execute(ctx context.Context, d *task.Descriptor) (interface{}, error)
}

// nonDeterministicPatterns match callable source text that is known to
// observe real-world nondeterminism (wall-clock reads, randomness, I/O).
// Coalescing such a callable would let one caller's result silently stand
// in for another's, so these always skip coalescing regardless of policy
// (spec.md §4.5 "skip rules").
var nonDeterministicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\btime\.Now\(`),
	regexp.MustCompile(`\brand\.`),
	regexp.MustCompile(`\bos\.(Open|ReadFile|Getenv)\b`),
	regexp.MustCompile(`\bhttp\.(Get|Post|Do)\b`),
	regexp.MustCompile(`\buuid\.New\(`),
}

// patternCacheCap bounds the non-determinism verdict cache (spec.md §4.5:
// "cached, bounded at 500").
const patternCacheCap = 500

// call is one in-flight, shared execution. Joiners block on done; the
// first caller to register owns running exec and closing done exactly
// once.
type call struct {
	done  chan struct{}
	value interface{}
	err   error
}

// Coalescer deduplicates concurrent identical submissions.
type Coalescer struct {
	exec    Executor
	metrics *metrics.Bag
	enabled bool

	mu       sync.Mutex
	inflight map[string]*call

	patternMu    sync.Mutex
	patternCache map[string]bool
}

// New builds a Coalescer. enabled mirrors EngineConfig.CoalescingEnabled;
// when false, Dedup always executes directly (spec.md §4.5 "globally
// disabled" skip rule).
func New(exec Executor, bag *metrics.Bag, enabled bool) *Coalescer {
	return &Coalescer{
		exec:         exec,
		metrics:      bag,
		enabled:      enabled,
		inflight:     make(map[string]*call),
		patternCache: make(map[string]bool),
	}
}

// Dedup runs d, joining an already in-flight structurally-identical call
// when one exists and is eligible, else registering a new one and fanning
// its result out to any joiners that arrive before it settles.
func (c *Coalescer) Dedup(ctx context.Context, d *task.Descriptor) (interface{}, error) {
	if !c.eligible(d) {
		return c.exec.Execute(ctx, d)
	}

	key := fingerprint.InFlightKey(d.Source, d.Args, d.Env)

	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.metrics.IncCoalesced()
		<-existing.done
		return existing.value, existing.err
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	c.metrics.IncUnique()
	cl.value, cl.err = c.exec.Execute(ctx, d)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(cl.done)

	return cl.value, cl.err
}

// eligible applies spec.md §4.5's skip rules: globally disabled, per-call
// opt-out, or a source that matches a known non-determinism pattern.
func (c *Coalescer) eligible(d *task.Descriptor) bool {
	if !c.enabled || d.NoCoalesce {
		return false
	}
	if d.Retry != nil && d.Retry.NoCoalesce {
		return false
	}
	return !c.isNonDeterministic(d.Source)
}

// halfEvictPatternCache drops roughly half of cache's entries, relying on
// Go's randomized map iteration order for the eviction choice rather than
// tracking recency — the verdicts being cached are a pure function of the
// source string, so a fresh miss just recomputes cheaply. Called with
// patternMu held.
func halfEvictPatternCache(cache map[string]bool) {
	target := len(cache) / 2
	evicted := 0
	for k := range cache {
		if evicted >= target {
			break
		}
		delete(cache, k)
		evicted++
	}
}

func (c *Coalescer) isNonDeterministic(source string) bool {
	c.patternMu.Lock()
	if verdict, ok := c.patternCache[source]; ok {
		c.patternMu.Unlock()
		return verdict
	}
	c.patternMu.Unlock()

	verdict := false
	for _, p := range nonDeterministicPatterns {
		if p.MatchString(source) {
			verdict = true
			break
		}
	}

	c.patternMu.Lock()
	if len(c.patternCache) >= patternCacheCap {
		halfEvictPatternCache(c.patternCache)
	}
	c.patternCache[source] = verdict
	c.patternMu.Unlock()

	return verdict
}
