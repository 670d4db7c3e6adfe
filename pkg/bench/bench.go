// Package bench runs randomized graph workloads against both collectors and
// reports their timings in the CSV layout the plotting scripts read:
//
//	name,test_type,n_threads,n_ops,time_us
package bench

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cyclegc/pkg/config"
	"cyclegc/pkg/shared"
	"cyclegc/pkg/trace"
	"cyclegc/pkg/unsync"
)

// Test types.
const (
	SingleThreaded = "single_threaded"
	MultiThreaded  = "multi_threaded"
)

// collectEvery is how many operations a worker performs between explicit
// collections.
const collectEvery = 1000

// ErrLeak is returned when a workload ends with allocations that were never
// finalized, or finalized more than once.
var ErrLeak = errors.New("bench: finalization count mismatch")

// Result is one CSV row.
type Result struct {
	Name     string
	TestType string
	Threads  int
	Ops      int
	Elapsed  time.Duration
	Created  int64
	Finished int64
}

// Run executes the single-threaded workload once and the multi-threaded one
// for every configured thread count.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger) ([]Result, error) {
	runID := uuid.New()
	log = log.With("run_id", runID.String())

	var results []Result
	r, err := RunUnsync(cfg.Unsync, cfg.Bench.Ops, cfg.Bench.Pool, cfg.Bench.Seed)
	if err != nil {
		return results, err
	}
	log.Info("workload finished", "test_type", r.TestType, "threads", r.Threads, "elapsed", r.Elapsed)
	results = append(results, r)

	for _, n := range cfg.Bench.Threads {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := RunShared(ctx, cfg.Shared, n, cfg.Bench.Ops, cfg.Bench.Pool, cfg.Bench.Seed)
		if err != nil {
			return results, err
		}
		log.Info("workload finished", "test_type", r.TestType, "threads", r.Threads, "elapsed", r.Elapsed)
		results = append(results, r)
	}
	return results, nil
}

// WriteCSV writes results without a header row.
func WriteCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	for _, r := range results {
		us := float64(r.Elapsed.Nanoseconds()) / 1e3
		err := cw.Write([]string{
			r.Name,
			r.TestType,
			strconv.Itoa(r.Threads),
			strconv.Itoa(r.Ops),
			strconv.FormatFloat(us, 'f', 3, 64),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type unode struct {
	edges []unsync.Gc[unode]
	fin   *int64
}

func (n *unode) Trace(v trace.Visitor) error { return trace.Each(v, n.edges) }

func (n *unode) Finalize() { *n.fin++ }

// RunUnsync runs ops random operations over a pool of handles on one
// goroutine, then drops everything and checks every allocation was finalized
// exactly once.
func RunUnsync(cfg config.CollectorConfig, ops, poolSize int, seed uint64) (Result, error) {
	c := unsync.NewCollector(cfg)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pool := make([]unsync.Gc[unode], poolSize)
	var finalized int64

	start := time.Now()
	for i := 0; i < ops; i++ {
		if i%collectEvery == collectEvery-1 {
			if err := c.Collect(); err != nil {
				return Result{}, err
			}
		}
		slot := rng.IntN(poolSize)
		switch rng.IntN(5) {
		case 0, 1:
			pool[slot].Set(unsync.New(c, unode{fin: &finalized}))
		case 2:
			other := rng.IntN(poolSize)
			if p := pool[slot].Get(); p != nil && pool[other].IsSome() {
				p.edges = append(p.edges, pool[other].Clone())
			}
		case 3:
			if p := pool[slot].Get(); p != nil && len(p.edges) > 0 {
				k := rng.IntN(len(p.edges))
				p.edges[k].Drop()
				p.edges = append(p.edges[:k], p.edges[k+1:]...)
			}
		case 4:
			pool[slot].Drop()
		}
	}
	for i := range pool {
		pool[i].Drop()
	}
	if err := c.Collect(); err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)

	st := c.GetStats()
	res := Result{
		Name:     "cyclegc",
		TestType: SingleThreaded,
		Threads:  1,
		Ops:      ops,
		Elapsed:  elapsed,
		Created:  int64(st.ObjectsCreated),
		Finished: finalized,
	}
	if res.Created != res.Finished {
		return res, fmt.Errorf("%w: created %d, finalized %d", ErrLeak, res.Created, res.Finished)
	}
	return res, nil
}

type snode struct {
	mu    sync.Mutex
	edges []shared.Gc[snode]
	fin   *atomic.Int64
}

func (n *snode) Trace(v trace.Visitor) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return trace.Each(v, n.edges)
}

func (n *snode) Finalize() { n.fin.Add(1) }

// exchange is a fixed set of slots through which workers hand handles to each
// other, creating cross-goroutine cycles.
type exchange struct {
	mu    sync.Mutex
	slots []shared.Gc[snode]
}

func (x *exchange) publish(i int, g shared.Gc[snode]) {
	x.mu.Lock()
	old := x.slots[i]
	x.slots[i] = g
	x.mu.Unlock()
	old.Drop()
}

func (x *exchange) adopt(i int) shared.Gc[snode] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.slots[i].Clone()
}

func (x *exchange) clear() {
	x.mu.Lock()
	slots := x.slots
	x.slots = nil
	x.mu.Unlock()
	for i := range slots {
		slots[i].Drop()
	}
}

// RunShared runs ops random operations split across threads goroutines
// sharing one collector and an exchange of handles.
func RunShared(ctx context.Context, cfg config.CollectorConfig, threads, ops, poolSize int, seed uint64) (Result, error) {
	c := shared.NewCollector(cfg)
	var finalized atomic.Int64
	x := &exchange{slots: make([]shared.Gc[snode], poolSize)}

	start := time.Now()
	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < threads; w++ {
		perWorker := ops / threads
		wseed := seed + uint64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(wseed, wseed^0x9e3779b97f4a7c15))
			pool := make([]shared.Gc[snode], poolSize)
			defer func() {
				for i := range pool {
					pool[i].Drop()
				}
			}()
			for i := 0; i < perWorker; i++ {
				if i%collectEvery == collectEvery-1 {
					if err := c.Collect(); err != nil {
						return err
					}
				}
				slot := rng.IntN(poolSize)
				switch rng.IntN(7) {
				case 0, 1:
					pool[slot].Set(shared.New(c, snode{fin: &finalized}))
				case 2:
					other := rng.IntN(poolSize)
					if p := pool[slot].Get(); p != nil && pool[other].IsSome() {
						e := pool[other].Clone()
						p.mu.Lock()
						p.edges = append(p.edges, e)
						p.mu.Unlock()
					}
				case 3:
					if p := pool[slot].Get(); p != nil {
						var dropped shared.Gc[snode]
						p.mu.Lock()
						if len(p.edges) > 0 {
							k := rng.IntN(len(p.edges))
							dropped = p.edges[k].Take()
							p.edges = append(p.edges[:k], p.edges[k+1:]...)
						}
						p.mu.Unlock()
						dropped.Drop()
					}
				case 4:
					if pool[slot].IsSome() {
						x.publish(rng.IntN(poolSize), pool[slot].Clone())
					}
				case 5:
					pool[slot].Set(x.adopt(rng.IntN(poolSize)))
				case 6:
					pool[slot].Drop()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	x.clear()
	if err := drain(c); err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)

	st := c.GetStats()
	res := Result{
		Name:     "cyclegc",
		TestType: MultiThreaded,
		Threads:  threads,
		Ops:      ops,
		Elapsed:  elapsed,
		Created:  st.ObjectsCreated,
		Finished: finalized.Load(),
	}
	if res.Created != res.Finished {
		return res, fmt.Errorf("%w: created %d, finalized %d", ErrLeak, res.Created, res.Finished)
	}
	return res, nil
}

// drain collects until no candidate roots remain once every handle outside
// the heap has been dropped.
func drain(c *shared.Collector) error {
	for i := 0; i < 8; i++ {
		c.Wait()
		if err := c.Collect(); err != nil {
			return err
		}
		c.Wait()
		if c.Buffered() == 0 {
			return nil
		}
	}
	return nil
}
