// Package metrics exports merge pass counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

const namespace = "kbmerge"

// Collector implements resolve.Observer.
type Collector struct {
	registry *prometheus.Registry

	scanned   *prometheus.CounterVec
	pairs     *prometheus.CounterVec
	clusters  *prometheus.CounterVec
	attempts  *prometheus.HistogramVec
	mergeTime *prometheus.HistogramVec
	passes    *prometheus.CounterVec
	passTime  *prometheus.HistogramVec
	lastPass  *prometheus.GaugeVec
}

var _ resolve.Observer = (*Collector)(nil)

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		scanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vertices_scanned_total",
			Help:      "Vertices read by candidate generation.",
		}, []string{"kind"}),
		pairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_scored_total",
			Help:      "Candidate pairs scored, by decision class.",
		}, []string{"kind", "class"}),
		clusters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clusters_applied_total",
			Help:      "Clusters handed to the merge executor, by outcome.",
		}, []string{"kind", "outcome"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_attempts",
			Help:      "Transaction attempts per cluster.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"kind"}),
		mergeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Time to apply one cluster including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Finished collection passes, by result.",
		}, []string{"kind", "result"}),
		passTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of successful collection passes.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"kind"}),
		lastPass: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pass_success_timestamp_seconds",
			Help:      "Unix time of the last successful pass.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		c.scanned, c.pairs, c.clusters, c.attempts, c.mergeTime,
		c.passes, c.passTime, c.lastPass,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) PageScanned(kind kb.Kind, vertices, candidates int) {
	c.scanned.WithLabelValues(string(kind)).Add(float64(vertices))
}

func (c *Collector) PairScored(kind kb.Kind, class kb.Class) {
	c.pairs.WithLabelValues(string(kind), string(class)).Inc()
}

func (c *Collector) ClusterApplied(kind kb.Kind, applied resolve.Applied) {
	c.clusters.WithLabelValues(string(kind), string(applied.Outcome)).Inc()
	if applied.Attempts > 0 {
		c.attempts.WithLabelValues(string(kind)).Observe(float64(applied.Attempts))
	}
	c.mergeTime.WithLabelValues(string(kind)).Observe(applied.Duration.Seconds())
}

func (c *Collector) PassFinished(kind kb.Kind, result *resolve.PassResult, err error) {
	if err != nil {
		c.passes.WithLabelValues(string(kind), "failed").Inc()
		return
	}
	c.passes.WithLabelValues(string(kind), "ok").Inc()
	if result != nil {
		c.passTime.WithLabelValues(string(kind)).Observe(result.Duration.Seconds())
	}
	c.lastPass.WithLabelValues(string(kind)).SetToCurrentTime()
}
