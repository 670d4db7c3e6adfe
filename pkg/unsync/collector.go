package unsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cyclegc/pkg/config"
	"cyclegc/pkg/cycle"
	"cyclegc/pkg/metrics"
)

var tracer = otel.Tracer("cyclegc/unsync")

// Info is what a CollectCondition sees when deciding whether to run a pass.
type Info struct {
	Buffered            int // candidate roots waiting for a pass
	Live                int // allocations not yet freed
	DroppedSinceCollect int // handle drops since the last pass
	Threshold           int // configured threshold
}

// CollectCondition decides whether a drop should trigger an automatic pass.
type CollectCondition func(Info) bool

// ThresholdCondition runs a pass once the buffered-root count reaches the
// configured threshold. A zero threshold never triggers.
func ThresholdCondition(info Info) bool {
	return info.Threshold > 0 && info.Buffered >= info.Threshold
}

// Stats tracks collector activity.
type Stats struct {
	ObjectsCreated  int
	ObjectsFreed    int
	CyclesCollected int // allocations freed by collection passes
	IncRefs         int
	DecRefs         int
	Passes          int
	DeferredPasses  int
}

// Collector owns the buffered-root set of one goroutine's allocations and
// runs cycle collection over it.
type Collector struct {
	roots      map[allocation]struct{}
	engine     cycle.Engine
	threshold  int
	condition  CollectCondition
	collecting bool
	dropped    int
	log        *slog.Logger
	rec        *metrics.Recorder
	stats      Stats
}

// NewCollector creates a collector.
func NewCollector(cfg config.CollectorConfig) *Collector {
	return &Collector{
		roots:     make(map[allocation]struct{}),
		engine:    cycle.Engine{MaxNodes: cfg.MaxTraceNodes},
		threshold: cfg.Threshold,
		condition: ThresholdCondition,
		log:       cfg.LoggerOr(slog.Default()).With("domain", metrics.DomainUnsync),
		rec:       metrics.For(metrics.DomainUnsync),
	}
}

// SetCollectCondition replaces the automatic-collection policy. Nil restores
// ThresholdCondition.
func (c *Collector) SetCollectCondition(cond CollectCondition) {
	if cond == nil {
		cond = ThresholdCondition
	}
	c.condition = cond
}

// Buffered returns the number of candidate roots waiting for a pass.
func (c *Collector) Buffered() int {
	return len(c.roots)
}

// GetStats returns a copy of the collector's statistics.
func (c *Collector) GetStats() Stats {
	return c.stats
}

func (c *Collector) info() Info {
	return Info{
		Buffered:            len(c.roots),
		Live:                c.stats.ObjectsCreated - c.stats.ObjectsFreed,
		DroppedSinceCollect: c.dropped,
		Threshold:           c.threshold,
	}
}

func (c *Collector) recordAlloc() {
	c.rec.Alloc()
}

// release is the drop path of every handle.
func (c *Collector) release(a allocation) {
	h := a.hdr()
	c.stats.DecRefs++
	count, buffered := h.decrement()
	switch {
	case count == 0 && !h.destroyed:
		c.free(a)
	case buffered:
		c.roots[a] = struct{}{}
	}
	c.dropped++
	c.maybeCollect()
}

// free destroys an allocation whose count reached zero.
func (c *Collector) free(a allocation) {
	h := a.hdr()
	h.destroyed = true
	if h.buffered {
		delete(c.roots, a)
		h.buffered = false
	}
	a.finalize()
	a.releaseChildren()
	a.clear()
	c.stats.ObjectsFreed++
	c.rec.FreedByRefcount()
}

func (c *Collector) maybeCollect() {
	if c.collecting || !c.condition(c.info()) {
		return
	}
	// Collect logs deferred passes itself.
	_ = c.Collect()
}

// Collect runs one full pass over the buffered roots: every allocation found
// to be unreachable cycle garbage is freed and every root found reachable is
// unbuffered. Calling Collect from a finalizer while a pass is sweeping does
// nothing.
//
// If a trace fails or the pass exceeds MaxTraceNodes, nothing is freed, all
// roots stay buffered and the error is returned.
func (c *Collector) Collect() error {
	if c.collecting {
		return nil
	}
	c.collecting = true
	defer func() { c.collecting = false }()

	start := time.Now()
	_, span := tracer.Start(context.Background(), "unsync.Collect")
	defer span.End()

	if len(c.roots) == 0 {
		c.dropped = 0
		c.rec.Pass(metrics.ResultEmpty, 0, time.Since(start))
		return nil
	}

	snapshot := make([]allocation, 0, len(c.roots))
	roots := make([]cycle.Node, 0, len(c.roots))
	for a := range c.roots {
		snapshot = append(snapshot, a)
		roots = append(roots, a)
	}
	c.roots = make(map[allocation]struct{})
	c.dropped = 0

	res, err := c.engine.Run(roots)
	if err != nil {
		for _, a := range snapshot {
			if !a.hdr().destroyed {
				c.roots[a] = struct{}{}
			}
		}
		c.stats.DeferredPasses++
		c.rec.Pass(metrics.ResultDeferred, res.Visited, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "pass deferred")
		c.log.Warn("collection deferred", "roots", len(roots), "visited", res.Visited, "error", err)
		return fmt.Errorf("unsync: collection deferred: %w", err)
	}

	for _, a := range snapshot {
		h := a.hdr()
		switch {
		case h.destroyed:
		case h.scratch.Color == cycle.Black:
			h.buffered = false
		case h.scratch.Color == cycle.White:
			// swept below
		default:
			c.roots[a] = struct{}{}
		}
	}

	garbage := make([]allocation, len(res.Garbage))
	for i, n := range res.Garbage {
		garbage[i] = n.(allocation)
	}
	c.sweep(garbage)

	c.stats.Passes++
	c.rec.Pass(metrics.ResultCollected, res.Visited, time.Since(start))
	span.SetAttributes(
		attribute.Int("roots", len(roots)),
		attribute.Int("visited", res.Visited),
		attribute.Int("freed", len(garbage)),
	)
	c.log.Debug("collection pass",
		"roots", len(roots),
		"visited", res.Visited,
		"freed", len(garbage),
		"duration", time.Since(start),
	)
	return nil
}

// sweep frees a batch of cycle garbage. Every member is condemned before any
// finalizer runs, so a finalizer that reaches another member sees a valid
// payload, and releasing an edge into the batch never frees twice.
func (c *Collector) sweep(garbage []allocation) {
	for _, a := range garbage {
		h := a.hdr()
		h.destroyed = true
		h.buffered = false
	}
	for _, a := range garbage {
		a.finalize()
	}
	for _, a := range garbage {
		a.releaseChildren()
	}
	for _, a := range garbage {
		a.clear()
	}
	c.stats.ObjectsFreed += len(garbage)
	c.stats.CyclesCollected += len(garbage)
	c.rec.FreedByCycle(len(garbage))
}
