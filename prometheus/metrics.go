package prometheus

import (
	"github.com/corvidmq/corvid/corvid"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

// NewMetrics builds the controller metric set backed by the default
// prometheus registerer.
func NewMetrics() *corvid.Metrics {
	return &corvid.Metrics{
		ActiveControllerCount: kitprometheus.NewGaugeFrom(prometheus.GaugeOpts{
			Name: "active_controller_count",
			Help: "1 if this broker is the active controller, 0 otherwise.",
		}, nil),
		OfflinePartitionsCount: kitprometheus.NewGaugeFrom(prometheus.GaugeOpts{
			Name: "offline_partitions_count",
			Help: "Number of partitions without a live leader.",
		}, nil),
		ControllerState: kitprometheus.NewGaugeFrom(prometheus.GaugeOpts{
			Name: "controller_state",
			Help: "State of the event currently being processed.",
		}, nil),
		GlobalTopicCount: kitprometheus.NewGaugeFrom(prometheus.GaugeOpts{
			Name: "global_topic_count",
			Help: "Number of topics in the cluster.",
		}, nil),
		GlobalPartitionCount: kitprometheus.NewGaugeFrom(prometheus.GaugeOpts{
			Name: "global_partition_count",
			Help: "Number of partitions in the cluster.",
		}, nil),
		EventProcessingTime: kitprometheus.NewSummaryFrom(prometheus.SummaryOpts{
			Name: "controller_event_processing_time_seconds",
			Help: "Time spent processing controller events, by event state.",
		}, []string{"state"}),
	}
}
