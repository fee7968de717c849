package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the batch worker's Prometheus counters.
type Metrics struct {
	BatchesTotal           *prometheus.CounterVec
	NotificationsProcessed prometheus.Counter
	NotificationsFailed    prometheus.Counter
}

// NewMetrics builds the counter set and registers it on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_processing_total",
			Help: "Batches processed, by batch type and channel.",
		}, []string{"type", "channel"}),
		NotificationsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batch_notifications_processed",
			Help: "Notifications successfully sent by batch processing.",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batch_notifications_failed",
			Help: "Notifications that failed during batch processing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BatchesTotal, m.NotificationsProcessed, m.NotificationsFailed)
	}
	return m
}
