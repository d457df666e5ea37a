package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for weft
type Metrics struct {
	MessagesTotal        *prometheus.CounterVec
	NodeTransitions      *prometheus.CounterVec
	TurnDuration         *prometheus.HistogramVec
	CascadeCancellations prometheus.Counter
	ActiveTrees          prometheus.Gauge
	ActiveNodes          prometheus.Gauge
	SessionAcquisitions  *prometheus.CounterVec
	StatusEdits          *prometheus.CounterVec
	SnapshotFailures     prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			MessagesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_messages_total",
					Help: "Inbound messages by dispatch outcome",
				},
				[]string{"outcome"},
			),
			NodeTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_node_transitions_total",
					Help: "Node state transitions by from/to state",
				},
				[]string{"from", "to"},
			),
			TurnDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "weft_turn_duration_seconds",
					Help:    "Agent turn execution duration",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
				},
				[]string{"outcome"},
			),
			CascadeCancellations: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_cascade_cancellations_total",
					Help: "Pending descendants cancelled by an ancestor failure",
				},
			),
			ActiveTrees: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "weft_active_trees",
					Help: "Conversation trees currently registered in the queue",
				},
			),
			ActiveNodes: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "weft_active_nodes",
					Help: "Message nodes currently registered in the queue",
				},
			),
			SessionAcquisitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_session_acquisitions_total",
					Help: "Session acquisitions by kind (new, continued) and result",
				},
				[]string{"kind", "result"},
			),
			StatusEdits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weft_status_edits_total",
					Help: "Status message operations by type",
				},
				[]string{"op"},
			),
			SnapshotFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weft_snapshot_failures_total",
					Help: "Tree snapshot persistence failures",
				},
			),
		}
	})
	return sharedMetrics
}
