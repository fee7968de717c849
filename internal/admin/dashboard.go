// Package admin exposes the monitoring and operations surface over every
// queue the factory has registered: an aggregated dashboard, health
// rollups, per-queue metrics and job listings, bulk retry/clean and
// pause/resume, a Prometheus text export, and the periodic sampler that
// keeps the exported gauges fresh.
package admin

import (
	"context"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/queue/factory"
)

// HealthStatus is the dashboard rollup across all queues.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Dashboard is the aggregated summary the admin UI renders.
type Dashboard struct {
	TotalQueues    int                  `json:"totalQueues"`
	Healthy        int                  `json:"healthy"`
	Unhealthy      int                  `json:"unhealthy"`
	Status         HealthStatus         `json:"status"`
	Counts         map[job.Status]int64 `json:"counts"`
	ProcessingRate float64              `json:"processingRate"`
	ErrorRate      float64              `json:"errorRate"`
	Queues         []queue.QueueMetrics `json:"queues"`
	CollectedAt    time.Time            `json:"collectedAt"`
}

// Service implements the admin operations over a factory's registry.
type Service struct {
	factory *factory.Factory
}

// NewService wraps the factory for the admin layer.
func NewService(f *factory.Factory) *Service {
	return &Service{factory: f}
}

// queueHealthy is the per-queue health predicate: a queue is unhealthy
// when its metrics cannot be read at all, degraded-but-counted-healthy
// otherwise.
func queueHealthy(m queue.QueueMetrics, err error) bool {
	return err == nil
}

// Dashboard aggregates metrics across every registered queue.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	queues := s.factory.List()
	d := &Dashboard{
		TotalQueues: len(queues),
		Counts:      make(map[job.Status]int64),
		CollectedAt: time.Now(),
	}

	degraded := 0
	for _, q := range queues {
		m, err := q.GetMetrics(ctx)
		if !queueHealthy(m, err) {
			d.Unhealthy++
			d.Queues = append(d.Queues, queue.QueueMetrics{Name: q.Name(), Broker: q.Broker()})
			continue
		}
		d.Healthy++
		if m.ErrorRate > 0 {
			degraded++
		}
		for st, n := range m.Counts {
			d.Counts[st] += n
		}
		d.ProcessingRate += m.ProcessingRate
		d.ErrorRate += m.ErrorRate
		d.Queues = append(d.Queues, m)
	}

	d.Status = rollup(d.TotalQueues, d.Unhealthy, degraded)
	return d, nil
}

// rollup maps per-queue states onto the overall status: unhealthy when the
// majority of queues are down, degraded when any queue is down or has a
// sustained error rate.
func rollup(total, unhealthy, degraded int) HealthStatus {
	if total == 0 {
		return HealthHealthy
	}
	if unhealthy*2 > total {
		return HealthUnhealthy
	}
	if unhealthy > 0 || degraded > 0 {
		return HealthDegraded
	}
	return HealthHealthy
}

// Health returns just the rollup status.
func (s *Service) Health(ctx context.Context) HealthStatus {
	d, err := s.Dashboard(ctx)
	if err != nil {
		return HealthUnhealthy
	}
	return d.Status
}

// QueueMetrics returns a single queue's metrics snapshot.
func (s *Service) QueueMetrics(ctx context.Context, broker, name string) (queue.QueueMetrics, error) {
	q, err := s.lookup(broker, name)
	if err != nil {
		return queue.QueueMetrics{}, err
	}
	return q.GetMetrics(ctx)
}

// QueueJobs lists a queue's jobs in the requested states.
func (s *Service) QueueJobs(ctx context.Context, broker, name string, states []job.Status, limit int) ([]*job.Job, error) {
	q, err := s.lookup(broker, name)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		states = []job.Status{job.StatusWaiting, job.StatusDelayed, job.StatusActive, job.StatusCompleted, job.StatusFailed}
	}
	end := int64(limit)
	if limit <= 0 {
		end = 0
	}
	return q.GetJobs(ctx, states, 0, end)
}

// RetryError pairs a job id with the error hit while retrying it.
type RetryError struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// RetryFailed re-queues up to limit failed jobs on the queue, returning
// the number retried and the per-item errors.
func (s *Service) RetryFailed(ctx context.Context, broker, name string, limit int) (int, []RetryError, error) {
	q, err := s.lookup(broker, name)
	if err != nil {
		return 0, nil, err
	}
	end := int64(limit)
	if limit <= 0 {
		end = 0
	}
	failed, err := q.GetJobs(ctx, []job.Status{job.StatusFailed}, 0, end)
	if err != nil {
		return 0, nil, err
	}

	retried := 0
	var errs []RetryError
	for _, j := range failed {
		if err := q.RetryJob(ctx, j.ID); err != nil {
			errs = append(errs, RetryError{JobID: j.ID, Error: err.Error()})
			continue
		}
		retried++
	}
	return retried, errs, nil
}

// CleanJobs removes terminal jobs older than grace, returning the count.
func (s *Service) CleanJobs(ctx context.Context, broker, name string, grace time.Duration, status job.Status) (int, error) {
	q, err := s.lookup(broker, name)
	if err != nil {
		return 0, err
	}
	removed, err := q.Clean(ctx, grace, status, 0)
	if err != nil {
		return 0, err
	}
	return len(removed), nil
}

// Pause halts dispatch on the queue.
func (s *Service) Pause(ctx context.Context, broker, name string) error {
	q, err := s.lookup(broker, name)
	if err != nil {
		return err
	}
	return q.Pause(ctx)
}

// Resume re-enables dispatch on the queue.
func (s *Service) Resume(ctx context.Context, broker, name string) error {
	q, err := s.lookup(broker, name)
	if err != nil {
		return err
	}
	return q.Resume(ctx)
}

func (s *Service) lookup(broker, name string) (queue.Queue, error) {
	for _, q := range s.factory.List() {
		if q.Broker() == broker && q.Name() == name {
			return q, nil
		}
	}
	return nil, queue.ErrQueueNotFound
}
