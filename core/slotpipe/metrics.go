package slotpipe

import "github.com/codewandler/slotpipe-go/core/metrics"

// PipelineMetrics defines the metrics interface for the pipeline layer.
// All methods are thread-safe.
type PipelineMetrics interface {
	// Pipeline operations
	PipelineDuration() metrics.Timer
	PipelineCompleted(success bool)
	BatchSize(node string, size int)

	// Recovery: moved/ask retries and stale/initial refreshes
	RedirectRetried(kind string)
	TopologyRefreshed(reason string)

	// Routing
	TopologyNodes(count int)
	FallbackRouted(count int)
}

// nopPipelineMetrics is a no-op implementation of PipelineMetrics.
type nopPipelineMetrics struct{}

func (nopPipelineMetrics) PipelineDuration() metrics.Timer { return metrics.NopTimer() }
func (nopPipelineMetrics) PipelineCompleted(bool)          {}
func (nopPipelineMetrics) BatchSize(string, int)           {}

func (nopPipelineMetrics) RedirectRetried(string)   {}
func (nopPipelineMetrics) TopologyRefreshed(string) {}

func (nopPipelineMetrics) TopologyNodes(int)  {}
func (nopPipelineMetrics) FallbackRouted(int) {}

// NopPipelineMetrics returns a no-op PipelineMetrics implementation.
func NopPipelineMetrics() PipelineMetrics { return nopPipelineMetrics{} }
