// Package metrics exposes Prometheus counters for the collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domains.
const (
	DomainUnsync = "unsync"
	DomainShared = "shared"
)

// Free reasons.
const (
	ReasonRefcount = "refcount"
	ReasonCycle    = "cycle"
)

// Pass results.
const (
	ResultCollected = "collected"
	ResultDeferred  = "deferred"
	ResultEmpty     = "empty"
)

var (
	allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclegc_allocations_total",
		Help: "Allocations created, by domain",
	}, []string{"domain"})

	freesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclegc_frees_total",
		Help: "Allocations freed, by domain and reason",
	}, []string{"domain", "reason"})

	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclegc_passes_total",
		Help: "Collection passes, by domain and result",
	}, []string{"domain", "result"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cyclegc_pass_duration_seconds",
		Help:    "Collection pass duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
	}, []string{"domain"})

	passVisited = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cyclegc_pass_visited_nodes",
		Help:    "Allocations reached by one collection pass",
		Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
	}, []string{"domain"})
)

// Recorder holds the label-resolved metrics of one domain so hot paths do not
// look labels up.
type Recorder struct {
	allocs     prometheus.Counter
	freeRefcnt prometheus.Counter
	freeCycle  prometheus.Counter
	passDone   prometheus.Counter
	passDefer  prometheus.Counter
	passEmpty  prometheus.Counter
	duration   prometheus.Observer
	visitedObs prometheus.Observer
}

// For returns the recorder of a domain.
func For(domain string) *Recorder {
	return &Recorder{
		allocs:     allocationsTotal.WithLabelValues(domain),
		freeRefcnt: freesTotal.WithLabelValues(domain, ReasonRefcount),
		freeCycle:  freesTotal.WithLabelValues(domain, ReasonCycle),
		passDone:   passesTotal.WithLabelValues(domain, ResultCollected),
		passDefer:  passesTotal.WithLabelValues(domain, ResultDeferred),
		passEmpty:  passesTotal.WithLabelValues(domain, ResultEmpty),
		duration:   passDuration.WithLabelValues(domain),
		visitedObs: passVisited.WithLabelValues(domain),
	}
}

// Alloc counts one allocation.
func (r *Recorder) Alloc() {
	r.allocs.Inc()
}

// FreedByRefcount counts an allocation freed when its count reached zero.
func (r *Recorder) FreedByRefcount() {
	r.freeRefcnt.Inc()
}

// FreedByCycle counts n allocations freed by a collection pass.
func (r *Recorder) FreedByCycle(n int) {
	if n > 0 {
		r.freeCycle.Add(float64(n))
	}
}

// Pass records the outcome of one collection pass.
func (r *Recorder) Pass(result string, visited int, d time.Duration) {
	switch result {
	case ResultDeferred:
		r.passDefer.Inc()
	case ResultEmpty:
		r.passEmpty.Inc()
	default:
		r.passDone.Inc()
	}
	r.duration.Observe(d.Seconds())
	r.visitedObs.Observe(float64(visited))
}
