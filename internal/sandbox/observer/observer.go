// Package observer defines metrics hooks for sandbox runs.
package observer

import (
	"context"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/result"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives every finished run.
type Recorder interface {
	ObserveRun(ctx context.Context, res result.RunResult)
}

// Noop discards observations.
type Noop struct{}

func (Noop) ObserveRun(context.Context, result.RunResult) {}

const namespace = "nasandbox"

// PrometheusRecorder keeps run metrics in a private registry so a one-shot
// CLI can dump them for the node exporter textfile collector.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	runs     *prometheus.CounterVec
	cpuTime  prometheus.Histogram
	wallTime prometheus.Histogram
	memory   prometheus.Gauge
	oomKills prometheus.Counter
}

func NewPrometheusRecorder() *PrometheusRecorder {
	p := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished sandbox runs by terminal status.",
		}, []string{"status"}),
		cpuTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cpu_time_seconds",
			Help:      "CPU time consumed by the sandboxed program.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		wallTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wall_time_seconds",
			Help:      "Wall clock time from start to reap.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_peak_bytes",
			Help:      "Peak memory of the last run.",
		}),
		oomKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oom_kills_total",
			Help:      "Runs in which the kernel OOM killer fired.",
		}),
	}
	p.registry.MustRegister(p.runs, p.cpuTime, p.wallTime, p.memory, p.oomKills)
	return p
}

func (p *PrometheusRecorder) ObserveRun(_ context.Context, res result.RunResult) {
	p.runs.WithLabelValues(string(res.Status.Kind)).Inc()
	if res.Stats.CPUTimeMs != nil {
		p.cpuTime.Observe(float64(*res.Stats.CPUTimeMs) / 1000)
	}
	p.wallTime.Observe(float64(res.Stats.WallTimeMs) / 1000)
	if res.Stats.MemoryKiB != nil {
		p.memory.Set(float64(*res.Stats.MemoryKiB) * 1024)
	}
	if res.Stats.OOMKilled {
		p.oomKills.Inc()
	}
}

// WriteTextfile atomically writes the metrics in text exposition format.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}
