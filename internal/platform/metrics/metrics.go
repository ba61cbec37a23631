package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds process level Prometheus metrics.
type Metrics struct {
	BuildInfo    *prometheus.GaugeVec
	TaskRuns     *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

// New creates and registers the metrics on the default registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers on reg; tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BuildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "efgs_sync_build_info",
			Help: "Build information of the running binary",
		}, []string{"version"}),
		TaskRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "efgs_sync_task_runs_total",
			Help: "Periodic task runs by task and result",
		}, []string{"task", "result"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efgs_sync_task_duration_seconds",
			Help:    "Duration of periodic task runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"task"}),
	}
}

func (m *Metrics) SetBuildInfo(version string) {
	if m == nil {
		return
	}
	m.BuildInfo.WithLabelValues(version).Set(1)
}

// ObserveTaskRun records one run of a periodic task.
func (m *Metrics) ObserveTaskRun(task string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TaskRuns.WithLabelValues(task, result).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}
