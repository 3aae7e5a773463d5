package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/slotpipe-go/core/metrics"
	"github.com/codewandler/slotpipe-go/core/slotpipe"
)

// pipelineMetrics implements slotpipe.PipelineMetrics using Prometheus.
type pipelineMetrics struct {
	pipelineDuration  prometheus.Histogram
	pipelinesTotal    *prometheus.CounterVec
	batchSize         *prometheus.HistogramVec
	redirectsTotal    *prometheus.CounterVec
	topologyRefreshes *prometheus.CounterVec
	topologyNodes     prometheus.Gauge
	fallbacksTotal    prometheus.Counter
}

// NewPipelineMetrics creates a new Prometheus implementation of PipelineMetrics.
func NewPipelineMetrics(reg prometheus.Registerer) slotpipe.PipelineMetrics {
	m := &pipelineMetrics{
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slotpipe_pipeline_duration_seconds",
			Help:    "End-to-end pipeline call latency in seconds",
			Buckets: defaultBuckets,
		}),

		pipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotpipe_pipelines_total",
			Help: "Total number of pipeline calls",
		}, []string{"success"}),

		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slotpipe_batch_size",
			Help:    "Commands per node batch",
			Buckets: batchSizeBuckets,
		}, []string{"node"}),

		redirectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotpipe_redirects_total",
			Help: "Total number of redirected commands retried",
		}, []string{"kind"}),

		topologyRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotpipe_topology_refreshes_total",
			Help: "Total number of topology cache refreshes",
		}, []string{"reason"}),

		topologyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotpipe_topology_nodes",
			Help: "Number of nodes in the current topology snapshot",
		}),

		fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slotpipe_fallbacks_total",
			Help: "Total number of commands routed without a table owner",
		}),
	}

	reg.MustRegister(
		m.pipelineDuration,
		m.pipelinesTotal,
		m.batchSize,
		m.redirectsTotal,
		m.topologyRefreshes,
		m.topologyNodes,
		m.fallbacksTotal,
	)

	return m
}

func (m *pipelineMetrics) PipelineDuration() metrics.Timer {
	return newTimer(m.pipelineDuration)
}

func (m *pipelineMetrics) PipelineCompleted(success bool) {
	m.pipelinesTotal.WithLabelValues(boolToStr(success)).Inc()
}

func (m *pipelineMetrics) BatchSize(node string, size int) {
	m.batchSize.WithLabelValues(node).Observe(float64(size))
}

func (m *pipelineMetrics) RedirectRetried(kind string) {
	m.redirectsTotal.WithLabelValues(kind).Inc()
}

func (m *pipelineMetrics) TopologyRefreshed(reason string) {
	m.topologyRefreshes.WithLabelValues(reason).Inc()
}

func (m *pipelineMetrics) TopologyNodes(count int) {
	m.topologyNodes.Set(float64(count))
}

func (m *pipelineMetrics) FallbackRouted(count int) {
	m.fallbacksTotal.Add(float64(count))
}

var _ slotpipe.PipelineMetrics = (*pipelineMetrics)(nil)
