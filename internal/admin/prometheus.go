package admin

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/muaviaUsmani/bananas/internal/logger"
)

// Exporter maintains the Prometheus gauges behind GET /metrics. The
// sampler refreshes them on its interval so a scrape never has to touch
// every backend synchronously.
type Exporter struct {
	service *Service
	log     logger.Logger

	jobCounts      *prometheus.GaugeVec
	processedTotal *prometheus.GaugeVec
	failedTotal    *prometheus.GaugeVec
	processingRate *prometheus.GaugeVec
	errorRate      *prometheus.GaugeVec
	paused         *prometheus.GaugeVec
	queuesTotal    prometheus.Gauge
	queuesHealthy  prometheus.Gauge
}

// NewExporter builds the gauge set and registers it on reg.
func NewExporter(service *Service, reg prometheus.Registerer) *Exporter {
	e := &Exporter{
		service: service,
		log:     logger.Default().WithComponent(logger.ComponentAdmin),
		jobCounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_jobs",
			Help: "Jobs per queue and lifecycle state.",
		}, []string{"broker", "queue", "state"}),
		processedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_processed_total",
			Help: "Jobs processed successfully since process start.",
		}, []string{"broker", "queue"}),
		failedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_failed_total",
			Help: "Failed processing attempts since process start.",
		}, []string{"broker", "queue"}),
		processingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_processing_rate",
			Help: "EWMA processing rate in jobs per second.",
		}, []string{"broker", "queue"}),
		errorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_error_rate",
			Help: "EWMA failure rate in jobs per second.",
		}, []string{"broker", "queue"}),
		paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_paused",
			Help: "1 when the queue is paused.",
		}, []string{"broker", "queue"}),
		queuesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queues_registered",
			Help: "Queues registered with the factory.",
		}),
		queuesHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queues_healthy",
			Help: "Registered queues currently reachable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.jobCounts, e.processedTotal, e.failedTotal,
			e.processingRate, e.errorRate, e.paused, e.queuesTotal, e.queuesHealthy)
	}
	return e
}

// Collect refreshes every gauge from a fresh dashboard aggregation.
func (e *Exporter) Collect(ctx context.Context) error {
	d, err := e.service.Dashboard(ctx)
	if err != nil {
		return err
	}

	e.queuesTotal.Set(float64(d.TotalQueues))
	e.queuesHealthy.Set(float64(d.Healthy))

	for _, m := range d.Queues {
		for state, n := range m.Counts {
			e.jobCounts.WithLabelValues(m.Broker, m.Name, string(state)).Set(float64(n))
		}
		e.processedTotal.WithLabelValues(m.Broker, m.Name).Set(float64(m.Processed))
		e.failedTotal.WithLabelValues(m.Broker, m.Name).Set(float64(m.Failed))
		e.processingRate.WithLabelValues(m.Broker, m.Name).Set(m.ProcessingRate)
		e.errorRate.WithLabelValues(m.Broker, m.Name).Set(m.ErrorRate)
		if m.Paused {
			e.paused.WithLabelValues(m.Broker, m.Name).Set(1)
		} else {
			e.paused.WithLabelValues(m.Broker, m.Name).Set(0)
		}
	}
	return nil
}

// RunSampler refreshes the gauges every interval until ctx is done.
func (e *Exporter) RunSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Collect(ctx); err != nil {
				e.log.Warn("metrics sample failed", "error", err)
			}
		}
	}
}
