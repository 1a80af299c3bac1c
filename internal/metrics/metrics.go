// Package metrics reports graph-fetch progress to the host.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Reporter receives one call per emitted batch and per cache probe.
type Reporter interface {
	BatchEmitted(node int, rows, objects int, bytes int64)
	CacheProbe(node int, hit bool)
}

// Nop discards everything.
type Nop struct{}

func (Nop) BatchEmitted(int, int, int, int64) {}
func (Nop) CacheProbe(int, bool)              {}

// Prometheus exports batch and cache counters labelled by fetch node index.
type Prometheus struct {
	batches *prometheus.CounterVec
	rows    *prometheus.CounterVec
	objects *prometheus.CounterVec
	bytes   *prometheus.HistogramVec
	probes  *prometheus.CounterVec
}

// NewPrometheus registers the collectors with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relexec",
			Name:      "graph_fetch_batches_total",
			Help:      "Batches emitted by graph fetches.",
		}, []string{"node"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relexec",
			Name:      "graph_fetch_rows_total",
			Help:      "Root cursor rows consumed by graph fetches.",
		}, []string{"node"}),
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relexec",
			Name:      "graph_fetch_objects_total",
			Help:      "Objects materialized or reused, across every node of a batch.",
		}, []string{"node"}),
		bytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relexec",
			Name:      "graph_fetch_batch_bytes",
			Help:      "Estimated in-memory size of emitted batches.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"node"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relexec",
			Name:      "graph_fetch_cache_probes_total",
			Help:      "Cache lookups by outcome.",
		}, []string{"node", "outcome"}),
	}
	for _, c := range []prometheus.Collector{p.batches, p.rows, p.objects, p.bytes, p.probes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) BatchEmitted(node int, rows, objects int, bytes int64) {
	label := strconv.Itoa(node)
	p.batches.WithLabelValues(label).Inc()
	p.rows.WithLabelValues(label).Add(float64(rows))
	p.objects.WithLabelValues(label).Add(float64(objects))
	p.bytes.WithLabelValues(label).Observe(float64(bytes))
}

func (p *Prometheus) CacheProbe(node int, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.probes.WithLabelValues(strconv.Itoa(node), outcome).Inc()
}
