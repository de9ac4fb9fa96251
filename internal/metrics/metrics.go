// Package metrics holds the Prometheus instruments fed by the
// streaming engine. Registration happens on a private registry so the
// embedding player decides whether and where to expose it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Streaming counts segment traffic per content type.
type Streaming struct {
	registry *prometheus.Registry

	SegmentsAppended *prometheus.CounterVec
	FetchFailures    *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
	BufferAhead      *prometheus.GaugeVec
}

// New creates and registers the streaming metrics.
func New() *Streaming {
	registry := prometheus.NewRegistry()

	segmentsAppended := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_segments_appended_total",
		Help: "Media segments appended to the sink, by content type",
	}, []string{"type"})
	fetchFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_fetch_failures_total",
		Help: "Segment fetches that failed after retries, by content type",
	}, []string{"type"})
	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_evictions_total",
		Help: "Buffer-behind eviction passes, by content type",
	}, []string{"type"})
	bufferAhead := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamcore_buffer_ahead_seconds",
		Help: "Seconds of buffer ahead of the playhead, by content type",
	}, []string{"type"})

	registry.MustRegister(segmentsAppended, fetchFailures, evictions, bufferAhead)

	return &Streaming{
		registry:         registry,
		SegmentsAppended: segmentsAppended,
		FetchFailures:    fetchFailures,
		Evictions:        evictions,
		BufferAhead:      bufferAhead,
	}
}

// Registry returns the private registry for exposure by the embedder.
func (m *Streaming) Registry() *prometheus.Registry { return m.registry }
