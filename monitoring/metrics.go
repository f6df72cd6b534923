package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"randforest/ml"
	"randforest/pipeline"
)

// Metrics 训练相关的 Prometheus 指标，使用独立的注册表
type Metrics struct {
	registry *prometheus.Registry

	TreesTrained  prometheus.Counter
	TreeNodes     prometheus.Histogram
	TreeDepth     prometheus.Histogram
	TreeDuration  prometheus.Histogram
	Runs          *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	LastRunTrees  prometheus.Gauge
	RejectedRows  prometheus.Counter
	TrainingNotes *prometheus.CounterVec
}

// NewMetrics 初始化指标并注册 Go 运行时与进程指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}
	m.TreesTrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "randforest_trees_trained_total",
		Help: "Total number of decision trees trained",
	})
	m.TreeNodes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "randforest_tree_nodes",
		Help:    "Number of nodes per trained tree",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
	m.TreeDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "randforest_tree_depth",
		Help:    "Depth of each trained tree",
		Buckets: prometheus.LinearBuckets(0, 2, 12),
	})
	m.TreeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "randforest_tree_duration_seconds",
		Help:    "Time spent training one tree",
		Buckets: prometheus.DefBuckets,
	})
	m.Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randforest_training_runs_total",
		Help: "Training runs by outcome",
	}, []string{"status"})
	m.RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "randforest_training_run_duration_seconds",
		Help:    "Wall time of a complete training run",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
	m.LastRunTrees = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "randforest_last_run_trees",
		Help: "Number of trees in the last successful forest",
	})
	m.RejectedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "randforest_rejected_rows_total",
		Help: "Training rows rejected while loading input",
	})
	m.TrainingNotes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randforest_training_notices_total",
		Help: "Non-fatal notices raised during training",
	}, []string{"code"})

	reg.MustRegister(m.TreesTrained, m.TreeNodes, m.TreeDepth, m.TreeDuration,
		m.Runs, m.RunDuration, m.LastRunTrees, m.RejectedRows, m.TrainingNotes)
	return m
}

// Registry 返回内部注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TreeTrained 实现 ml.Observer
func (m *Metrics) TreeTrained(event ml.TreeEvent) {
	m.TreesTrained.Inc()
	m.TreeNodes.Observe(float64(event.Nodes))
	m.TreeDepth.Observe(float64(event.Depth))
	m.TreeDuration.Observe(event.Elapsed.Seconds())
}

// RunFinished 实现 pipeline.RunListener
func (m *Metrics) RunFinished(summary *pipeline.RunSummary, err error) {
	if err != nil {
		m.Runs.WithLabelValues("failed").Inc()
		return
	}
	m.Runs.WithLabelValues("succeeded").Inc()
	m.RunDuration.Observe(summary.Elapsed.Seconds())
	m.LastRunTrees.Set(float64(summary.Trees))
	m.RejectedRows.Add(float64(summary.Rejected))
	for _, notice := range summary.Notices {
		m.TrainingNotes.WithLabelValues(notice.Code).Inc()
	}
}
