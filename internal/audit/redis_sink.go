package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSink is the secondary, direct audit sink: records are appended
// synchronously to a Redis list so nothing is lost while the broker is
// down. A drain job can replay the list into the broker later.
type RedisSink struct {
	client *redis.Client
	key    string

	mu        sync.Mutex
	processed int64
	errors    int64
	lastError string
}

// NewRedisSink writes audit records to the given list key.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	if key == "" {
		key = "audit:fallback"
	}
	return &RedisSink{client: client, key: key}
}

// Write appends one record to the fallback list.
func (s *RedisSink) Write(ctx context.Context, record *Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	body, err := json.Marshal(record)
	if err != nil {
		s.recordError(err)
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, body).Err(); err != nil {
		s.recordError(err)
		return fmt.Errorf("audit: append fallback record %s: %w", record.ID, err)
	}

	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
	return nil
}

// Health pings the store.
func (s *RedisSink) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Stats returns the sink's counters and the fallback list depth.
func (s *RedisSink) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ProcessedCount: s.processed,
		ErrorCount:     s.errors,
		SuccessRate:    successRate(s.processed, s.errors),
		LastError:      s.lastError,
	}
	s.mu.Unlock()

	if depth, err := s.client.LLen(context.Background(), s.key).Result(); err == nil {
		st.QueueDepth = depth
	}
	return st
}

// Close releases the store connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) recordError(err error) {
	s.mu.Lock()
	s.errors++
	s.lastError = err.Error()
	s.mu.Unlock()
}
