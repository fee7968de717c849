package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muaviaUsmani/bananas/internal/batch"
	"github.com/muaviaUsmani/bananas/internal/logger"
)

// memoryRepository is a development stand-in for the notification store.
// Production deployments inject their own batch.NotificationRepository.
type memoryRepository struct {
	mu            sync.Mutex
	notifications map[string]*batch.Notification
	batches       map[string]*batch.BatchRecord
	preferences   map[string]*batch.UserPreferences
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		notifications: make(map[string]*batch.Notification),
		batches:       make(map[string]*batch.BatchRecord),
		preferences:   make(map[string]*batch.UserPreferences),
	}
}

func (r *memoryRepository) GetQueuedNotifications(ctx context.Context, priority batch.NotificationPriority, limit int) ([]*batch.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*batch.Notification
	for _, n := range r.notifications {
		if n.Status == batch.NotificationQueued && n.Priority == priority {
			out = append(out, n)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepository) FindByID(ctx context.Context, id string) (*batch.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s not found", id)
	}
	return n, nil
}

func (r *memoryRepository) UpdateStatus(ctx context.Context, id string, status batch.NotificationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	n.Status = status
	return nil
}

func (r *memoryRepository) CreateBatchRecord(ctx context.Context, record *batch.BatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[record.ID] = record
	return nil
}

func (r *memoryRepository) UpdateBatchStatus(ctx context.Context, batchID string, status batch.BatchStatus, result batch.BatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s not found", batchID)
	}
	record.Status = status
	record.Result = result
	record.UpdatedAt = time.Now()
	return nil
}

func (r *memoryRepository) ListBatchRecords(ctx context.Context, limit int) ([]*batch.BatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*batch.BatchRecord
	for _, record := range r.batches {
		out = append(out, record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) GetUserPreferences(ctx context.Context, userID string) (*batch.UserPreferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.preferences[userID]; ok {
		return p, nil
	}
	return &batch.UserPreferences{UserID: userID}, nil
}

// loggingSender logs instead of delivering. Production deployments inject
// their channel providers behind batch.Sender.
type loggingSender struct {
	log logger.Logger
}

func newLoggingSender(log logger.Logger) *loggingSender {
	return &loggingSender{log: log}
}

func (s *loggingSender) Send(ctx context.Context, n *batch.Notification) error {
	s.log.Info("delivering notification",
		"notification_id", n.ID,
		"channel", n.Channel,
		"user_id", n.UserID)
	return nil
}
