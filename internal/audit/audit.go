// Package audit publishes fire-and-forget audit records through a primary
// broker adapter with a direct secondary sink as fallback. A record is
// never silently retried: the primary gets one shot, the secondary gets
// one shot, and a double failure surfaces to the caller.
package audit

import (
	"context"
	"time"
)

// Record is one audit log entry.
type Record struct {
	ID        string                 `json:"id,omitempty"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Outcome   string                 `json:"outcome,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Stats is a sink's cumulative counters.
type Stats struct {
	ProcessedCount int64   `json:"processed_count"`
	ErrorCount     int64   `json:"error_count"`
	SuccessRate    float64 `json:"success_rate"`
	QueueDepth     int64   `json:"queue_depth,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
}

// Sink accepts audit records. Both the broker adapter and the direct
// fallback implement it.
type Sink interface {
	Write(ctx context.Context, record *Record) error
	Health(ctx context.Context) error
	Stats() Stats
	Close() error
}

func successRate(processed, errors int64) float64 {
	total := processed + errors
	if total == 0 {
		return 1.0
	}
	return float64(processed) / float64(total)
}
