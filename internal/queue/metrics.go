package queue

import (
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
)

// QueueMetrics is a point-in-time snapshot of a single queue's state,
// returned by GetMetrics. Snapshots are not transactional across calls.
type QueueMetrics struct {
	Name   string               `json:"name"`
	Broker string               `json:"broker"`
	Counts map[job.Status]int64 `json:"counts"`
	Paused bool                 `json:"paused"`

	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`

	// ProcessingRate and ErrorRate are EWMA jobs/sec observed by this
	// process; they reset with it.
	ProcessingRate float64 `json:"processingRate"`
	ErrorRate      float64 `json:"errorRate"`

	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	MinProcessingTime time.Duration `json:"minProcessingTime"`
	MaxProcessingTime time.Duration `json:"maxProcessingTime"`

	LastActivity  time.Time `json:"lastActivity,omitempty"`
	ErrorCount24h int64     `json:"errorCount24h"`
}
