package corvid

import (
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Metrics is the controller's metric surface. Gauges mirror the volatile
// counters kept on the ControllerContext; the histogram buckets event
// processing time by event state.
type Metrics struct {
	ActiveControllerCount  metrics.Gauge
	OfflinePartitionsCount metrics.Gauge
	ControllerState        metrics.Gauge
	GlobalTopicCount       metrics.Gauge
	GlobalPartitionCount   metrics.Gauge
	EventProcessingTime    metrics.Histogram
}

// NewNopMetrics returns metrics that record nothing; used in tests and as
// the default when no registry is wired.
func NewNopMetrics() *Metrics {
	return &Metrics{
		ActiveControllerCount:  discard.NewGauge(),
		OfflinePartitionsCount: discard.NewGauge(),
		ControllerState:        discard.NewGauge(),
		GlobalTopicCount:       discard.NewGauge(),
		GlobalPartitionCount:   discard.NewGauge(),
		EventProcessingTime:    discard.NewHistogram(),
	}
}

func (m *Metrics) observeEvent(state ControllerState, d time.Duration) {
	m.EventProcessingTime.With("state", state.String()).Observe(d.Seconds())
}
