package shared

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cyclegc/pkg/config"
	"cyclegc/pkg/cycle"
	"cyclegc/pkg/metrics"
)

var tracer = otel.Tracer("cyclegc/shared")

// Info is what a CollectCondition sees when deciding whether to run a pass.
type Info struct {
	Buffered            int
	Live                int
	DroppedSinceCollect int
	Threshold           int
}

// CollectCondition decides whether a drop should start an automatic pass. It
// may be called from any goroutine.
type CollectCondition func(Info) bool

// ThresholdCondition runs a pass once the buffered-root count reaches the
// configured threshold. A zero threshold never triggers.
func ThresholdCondition(info Info) bool {
	return info.Threshold > 0 && info.Buffered >= info.Threshold
}

// Stats is a snapshot of collector activity.
type Stats struct {
	ObjectsCreated  int64
	ObjectsFreed    int64
	CyclesCollected int64
	IncRefs         int64
	DecRefs         int64
	Passes          int64
	DeferredPasses  int64
	AbortedSweeps   int64
}

type counters struct {
	objectsCreated  atomic.Int64
	objectsFreed    atomic.Int64
	cyclesCollected atomic.Int64
	incRefs         atomic.Int64
	decRefs         atomic.Int64
	passes          atomic.Int64
	deferredPasses  atomic.Int64
	abortedSweeps   atomic.Int64
}

// Collector owns the process-wide (or caller-scoped) buffered-root set of
// shared allocations.
type Collector struct {
	// passMu serialises passes. It is held while tracing and classifying and
	// released before anything is destroyed.
	passMu sync.Mutex
	engine cycle.Engine

	// mu guards roots and deferred, and the transitions of collecting.
	mu       sync.Mutex
	roots    map[allocation]struct{}
	deferred []allocation // reached zero while a pass was tracing

	nroots     atomic.Int64
	collecting atomic.Bool
	epoch      atomic.Uint64
	dropped    atomic.Int64

	threshold  int
	condition  atomic.Pointer[CollectCondition]
	background sync.WaitGroup

	log   *slog.Logger
	rec   *metrics.Recorder
	stats counters
}

var (
	globalOnce sync.Once
	global     *Collector
)

// Global returns the process-wide collector, creating it with the default
// shared configuration on first use. It is never torn down.
func Global() *Collector {
	globalOnce.Do(func() {
		global = NewCollector(config.Default().Shared)
	})
	return global
}

// NewCollector creates a collector.
func NewCollector(cfg config.CollectorConfig) *Collector {
	c := &Collector{
		engine:    cycle.Engine{MaxNodes: cfg.MaxTraceNodes},
		roots:     make(map[allocation]struct{}),
		threshold: cfg.Threshold,
		log:       cfg.LoggerOr(slog.Default()).With("domain", metrics.DomainShared),
		rec:       metrics.For(metrics.DomainShared),
	}
	c.SetCollectCondition(nil)
	return c
}

// SetCollectCondition replaces the automatic-collection policy. Nil restores
// ThresholdCondition.
func (c *Collector) SetCollectCondition(cond CollectCondition) {
	if cond == nil {
		cond = ThresholdCondition
	}
	c.condition.Store(&cond)
}

// Buffered returns the number of candidate roots waiting for a pass.
func (c *Collector) Buffered() int {
	return int(c.nroots.Load())
}

// GetStats returns a snapshot of the collector's statistics.
func (c *Collector) GetStats() Stats {
	return Stats{
		ObjectsCreated:  c.stats.objectsCreated.Load(),
		ObjectsFreed:    c.stats.objectsFreed.Load(),
		CyclesCollected: c.stats.cyclesCollected.Load(),
		IncRefs:         c.stats.incRefs.Load(),
		DecRefs:         c.stats.decRefs.Load(),
		Passes:          c.stats.passes.Load(),
		DeferredPasses:  c.stats.deferredPasses.Load(),
		AbortedSweeps:   c.stats.abortedSweeps.Load(),
	}
}

// Wait blocks until every automatic pass started so far has finished.
func (c *Collector) Wait() {
	c.background.Wait()
}

func (c *Collector) info() Info {
	return Info{
		Buffered:            int(c.nroots.Load()),
		Live:                int(c.stats.objectsCreated.Load() - c.stats.objectsFreed.Load()),
		DroppedSinceCollect: int(c.dropped.Load()),
		Threshold:           c.threshold,
	}
}

// touch stamps h with the running pass's epoch.
func (c *Collector) touch(h *header) {
	if c.collecting.Load() {
		h.touched.Store(c.epoch.Load())
	}
}

// release is the drop path of every handle.
func (c *Collector) release(a allocation) {
	h := a.hdr()
	r := h.decrement()
	c.touch(h)
	c.stats.decRefs.Add(1)
	switch {
	case r.zero:
		c.retire(a, r.wasBuffered)
	case r.buffered:
		c.buffer(a)
	}
	c.dropped.Add(1)
	c.maybeCollect()
}

// retire frees an allocation whose count this goroutine took to zero, or
// hands it to the running pass when one is tracing.
func (c *Collector) retire(a allocation, wasBuffered bool) {
	if wasBuffered || c.collecting.Load() {
		c.mu.Lock()
		if wasBuffered {
			if _, ok := c.roots[a]; ok {
				delete(c.roots, a)
				c.nroots.Add(-1)
			}
		}
		if c.collecting.Load() {
			c.deferred = append(c.deferred, a)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
	c.destroy(a)
	c.stats.objectsFreed.Add(1)
	c.rec.FreedByRefcount()
}

func (c *Collector) buffer(a allocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.hdr().destroyed() {
		return
	}
	if _, ok := c.roots[a]; !ok {
		c.roots[a] = struct{}{}
		c.nroots.Add(1)
	}
}

func (c *Collector) destroy(a allocation) {
	a.finalize()
	a.releaseChildren()
	a.clear()
}

func (c *Collector) maybeCollect() {
	cond := *c.condition.Load()
	if !cond(c.info()) {
		return
	}
	if !c.passMu.TryLock() {
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		// collectLocked logs deferred passes itself.
		_ = c.collectLocked()
	}()
}

// Collect runs one full pass synchronously, waiting for any pass already in
// progress. See unsync.Collector.Collect for the failure semantics; in
// addition, if a garbage candidate's handles were used while the pass was
// tracing, the sweep is abandoned and the candidates stay buffered.
func (c *Collector) Collect() error {
	c.passMu.Lock()
	return c.collectLocked()
}

// collectLocked runs a pass with passMu held and releases it.
func (c *Collector) collectLocked() error {
	start := time.Now()
	_, span := tracer.Start(context.Background(), "shared.Collect")
	defer span.End()

	c.mu.Lock()
	if len(c.roots) == 0 {
		c.mu.Unlock()
		c.passMu.Unlock()
		c.dropped.Store(0)
		c.rec.Pass(metrics.ResultEmpty, 0, time.Since(start))
		return nil
	}
	epoch := c.epoch.Add(1)
	c.collecting.Store(true)
	snapshot := make([]allocation, 0, len(c.roots))
	for a := range c.roots {
		snapshot = append(snapshot, a)
	}
	c.roots = make(map[allocation]struct{})
	c.nroots.Store(0)
	c.mu.Unlock()
	c.dropped.Store(0)

	roots := make([]cycle.Node, len(snapshot))
	for i, a := range snapshot {
		roots[i] = a
	}
	res, runErr := c.engine.Run(roots)

	var claimed []allocation
	aborted := false
	if runErr == nil {
		claimed, aborted = c.claim(res.Garbage, epoch)
	}

	keep := make([]allocation, 0, len(snapshot))
	for _, a := range snapshot {
		h := a.hdr()
		if h.destroyed() {
			continue
		}
		if runErr == nil && h.scratch.Pass == c.engine.Pass() && h.scratch.Color == cycle.Black && c.unbuffer(h, epoch) {
			continue
		}
		keep = append(keep, a)
	}

	c.mu.Lock()
	for _, a := range keep {
		if a.hdr().destroyed() {
			continue
		}
		if _, ok := c.roots[a]; !ok {
			c.roots[a] = struct{}{}
			c.nroots.Add(1)
		}
	}
	c.collecting.Store(false)
	deferred := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	c.passMu.Unlock()

	c.sweep(claimed)
	for _, a := range deferred {
		c.destroy(a)
	}
	c.stats.objectsFreed.Add(int64(len(deferred)))
	for range deferred {
		c.rec.FreedByRefcount()
	}

	if runErr != nil {
		c.stats.deferredPasses.Add(1)
		c.rec.Pass(metrics.ResultDeferred, res.Visited, time.Since(start))
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "pass deferred")
		c.log.Warn("collection deferred", "roots", len(roots), "visited", res.Visited, "error", runErr)
		return fmt.Errorf("shared: collection deferred: %w", runErr)
	}
	if aborted {
		c.stats.abortedSweeps.Add(1)
		span.AddEvent("sweep_aborted")
	}
	c.stats.passes.Add(1)
	c.rec.Pass(metrics.ResultCollected, res.Visited, time.Since(start))
	span.SetAttributes(
		attribute.Int("roots", len(roots)),
		attribute.Int("visited", res.Visited),
		attribute.Int("freed", len(claimed)),
		attribute.Bool("sweep_aborted", aborted),
	)
	c.log.Debug("collection pass",
		"roots", len(roots),
		"visited", res.Visited,
		"freed", len(claimed),
		"deferred_frees", len(deferred),
		"sweep_aborted", aborted,
		"duration", time.Since(start),
	)
	return nil
}

// claim condemns the garbage found by the pass. Every candidate must be
// untouched since the pass began and still in the state the pass observed;
// otherwise nothing is claimed. Candidates already freed by their last
// handle's goroutine are left to it.
func (c *Collector) claim(garbage []cycle.Node, epoch uint64) ([]allocation, bool) {
	for _, n := range garbage {
		if n.(allocation).hdr().touched.Load() == epoch {
			return nil, true
		}
	}
	claimed := make([]allocation, 0, len(garbage))
	for _, n := range garbage {
		a := n.(allocation)
		h := a.hdr()
		st := h.state.Load()
		if st&destroyedBit != 0 {
			continue
		}
		if st != h.scratch.Observed || !h.state.CompareAndSwap(st, (st|destroyedBit)&^bufferedBit) {
			rollback(claimed)
			return nil, true
		}
		claimed = append(claimed, a)
	}
	return claimed, false
}

func rollback(claimed []allocation) {
	for _, a := range claimed {
		h := a.hdr()
		for {
			cur := h.state.Load()
			next := (cur &^ destroyedBit) | (h.scratch.Observed & bufferedBit)
			if h.state.CompareAndSwap(cur, next) {
				break
			}
		}
	}
}

// unbuffer clears the buffered flag of a root found reachable, unless its
// handles were used during the pass.
func (c *Collector) unbuffer(h *header, epoch uint64) bool {
	if h.touched.Load() == epoch {
		return false
	}
	observed := h.scratch.Observed
	return h.state.CompareAndSwap(observed, observed&^bufferedBit)
}

// sweep destroys a claimed batch; see unsync.Collector.sweep.
func (c *Collector) sweep(claimed []allocation) {
	if len(claimed) == 0 {
		return
	}
	for _, a := range claimed {
		a.finalize()
	}
	for _, a := range claimed {
		a.releaseChildren()
	}
	for _, a := range claimed {
		a.clear()
	}
	c.stats.objectsFreed.Add(int64(len(claimed)))
	c.stats.cyclesCollected.Add(int64(len(claimed)))
	c.rec.FreedByCycle(len(claimed))
}
