package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/result"
	"github.com/muaviaUsmani/bananas/internal/serialization"
)

// Processor names registered on the worker's queue.
const (
	JobBulkNotification = "bulk-notification"
	JobUserBatch        = "user-batch"
	JobScheduledBatch   = "scheduled-batch"
	JobPriorityBatch    = "priority-batch"
	JobRetryNotify      = "retry-notification"
	JobAutoCollect      = "auto-collect-batches"
)

// EventBatchStatusChanged is emitted on the worker's event stream whenever
// a batch transitions state, including cancellations.
const EventBatchStatusChanged queue.EventType = "batch:status_changed"

// retryNotificationDelay is how long a failed item waits before its
// re-enqueued retry attempt.
const retryNotificationDelay = 5 * time.Second

// Config tunes the batch worker.
type Config struct {
	// BatchSize is the chunk size for auto-collected bulk batches.
	BatchSize int
	// Concurrency is the per-processor worker count on the batch queue.
	Concurrency int
	// CollectInterval is the auto-collect-batches housekeeping period.
	CollectInterval time.Duration
}

// DefaultConfig returns the worker defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		Concurrency:     5,
		CollectInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.CollectInterval <= 0 {
		c.CollectInterval = d.CollectInterval
	}
	return c
}

// batchState is the worker's bookkeeping for one in-flight batch. The
// cancelled flag is the cooperative cancellation token processors observe
// before each chunk and each item.
type batchState struct {
	cancelled atomic.Bool
	startTime time.Time

	mu        sync.Mutex
	remaining map[string]struct{}
}

func newBatchState(ids []string, now time.Time) *batchState {
	s := &batchState{startTime: now, remaining: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.remaining[id] = struct{}{}
	}
	return s
}

func (s *batchState) markDone(id string) {
	s.mu.Lock()
	delete(s.remaining, id)
	s.mu.Unlock()
}

func (s *batchState) remainingIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.remaining))
	for id := range s.remaining {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	return ids
}

// Worker owns a dedicated queue instance and drains notification batches
// through the repository and sender collaborators.
type Worker struct {
	queue      queue.Queue
	repo       NotificationRepository
	sender     Sender
	serializer *serialization.Serializer
	cfg        Config
	metrics    *Metrics
	events     *queue.Broadcaster
	log        logger.Logger

	// now is the injected clock; tests pin it for quiet-hours windows.
	now func() time.Time

	// results, when set, records per-item outcomes so callers can poll or
	// block on individual notification deliveries.
	results result.Backend

	mu     sync.Mutex
	active map[string]*batchState
}

// SetResultBackend enables per-item outcome recording.
func (w *Worker) SetResultBackend(backend result.Backend) {
	w.results = backend
}

// New constructs a Worker on q. The queue must be dedicated to batch work:
// Start registers this package's processors on it.
func New(q queue.Queue, repo NotificationRepository, sender Sender, serializer *serialization.Serializer, cfg Config, metrics *Metrics) *Worker {
	if serializer == nil {
		serializer = serialization.NewJSONSerializer()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Worker{
		queue:      q,
		repo:       repo,
		sender:     sender,
		serializer: serializer,
		cfg:        cfg.withDefaults(),
		metrics:    metrics,
		events:     queue.NewBroadcaster(),
		log:        logger.Default().WithComponent(logger.ComponentBatch),
		now:        time.Now,
		active:     make(map[string]*batchState),
	}
}

// Start registers the batch processors and schedules the auto-collection
// housekeeping job on its repeating interval.
func (w *Worker) Start(ctx context.Context) error {
	type registration struct {
		name        string
		concurrency int
		fn          queue.Processor
	}
	regs := []registration{
		{JobBulkNotification, w.cfg.Concurrency, w.processBulkNotification},
		{JobUserBatch, w.cfg.Concurrency, w.processUserBatch},
		{JobScheduledBatch, w.cfg.Concurrency, w.processScheduledBatch},
		{JobPriorityBatch, w.cfg.Concurrency, w.processPriorityBatch},
		{JobRetryNotify, w.cfg.Concurrency, w.processRetryNotification},
		{JobAutoCollect, 1, w.processAutoCollect},
	}
	for _, r := range regs {
		if err := w.queue.Process(r.name, r.concurrency, r.fn); err != nil {
			return fmt.Errorf("batch: register %s: %w", r.name, err)
		}
	}

	_, err := w.queue.Add(ctx, JobAutoCollect, nil, job.Options{
		JobID:            "auto-collect-batches",
		RemoveOnComplete: job.RemoveImmediately,
		Repeat:           &job.Repeat{Interval: w.cfg.CollectInterval, Immediately: true},
	})
	if err != nil && err != queue.ErrJobExists {
		return fmt.Errorf("batch: schedule auto-collect: %w", err)
	}
	w.log.Info("batch worker started",
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
		"collect_interval", w.cfg.CollectInterval)
	return nil
}

// Close tears down the event stream. The queue itself is owned by the
// caller (typically the factory) and closed there.
func (w *Worker) Close() {
	w.events.Close()
}

// Subscribe returns a channel of batch lifecycle events.
func (w *Worker) Subscribe(buffer int) chan queue.Event { return w.events.Subscribe(buffer) }

// Unsubscribe releases a previously subscribed channel.
func (w *Worker) Unsubscribe(ch chan queue.Event) { w.events.Unsubscribe(ch) }

// EnqueueBatch creates the repository record for b and enqueues it on the
// batch queue under its type's processor. The batch id doubles as the
// queue job id so cancellation can find it.
func (w *Worker) EnqueueBatch(ctx context.Context, b *BatchJob, opts job.Options) (*job.Job, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	name, err := processorForType(b.Type)
	if err != nil {
		return nil, err
	}

	record := &BatchRecord{
		ID:        b.ID,
		Type:      b.Type,
		Channel:   b.Channel,
		Status:    BatchPending,
		Total:     len(b.NotificationIDs),
		CreatedAt: w.now(),
		UpdatedAt: w.now(),
	}
	if err := w.repo.CreateBatchRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("batch: create record %s: %w", b.ID, err)
	}

	opts.JobID = b.ID
	j, err := w.queue.Add(ctx, name, b, opts)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func processorForType(t BatchType) (string, error) {
	switch t {
	case BatchBulk:
		return JobBulkNotification, nil
	case BatchUser:
		return JobUserBatch, nil
	case BatchScheduled:
		return JobScheduledBatch, nil
	case BatchPriority:
		return JobPriorityBatch, nil
	default:
		return "", fmt.Errorf("batch: unknown batch type %q", t)
	}
}

// CancelBatch applies the cancellation state machine:
// waiting/delayed batches are removed from the queue and marked cancelled;
// active batches get their cancellation flag set and drain cooperatively;
// terminal batches reject the cancel.
func (w *Worker) CancelBatch(ctx context.Context, batchID string) error {
	w.mu.Lock()
	state, isActive := w.active[batchID]
	w.mu.Unlock()

	if isActive {
		state.cancelled.Store(true)
		w.log.Info("batch cancellation requested", "batch_id", batchID)
		return nil
	}

	j, err := w.queue.GetJob(ctx, batchID)
	if err != nil {
		return fmt.Errorf("batch: cancel %s: %w", batchID, err)
	}
	switch j.State {
	case job.StatusWaiting, job.StatusDelayed:
		if err := w.queue.RemoveJob(ctx, batchID); err != nil {
			return err
		}
		b, decodeErr := w.decodeBatch(j)
		if decodeErr == nil {
			for _, id := range b.NotificationIDs {
				if err := w.repo.UpdateStatus(ctx, id, NotificationCancelled); err != nil {
					w.log.Warn("mark notification cancelled failed", "notification_id", id, "error", err)
				}
			}
		}
		result := BatchResult{}
		if decodeErr == nil {
			result.Cancelled = len(b.NotificationIDs)
		}
		if err := w.repo.UpdateBatchStatus(ctx, batchID, BatchCancelled, result); err != nil {
			return err
		}
		w.emitStatus(batchID, BatchCancelled, result)
		return nil
	case job.StatusCompleted, job.StatusFailed:
		return fmt.Errorf("batch: cancel %s: batch already %s", batchID, j.State)
	default:
		// Claimed by a dispatch loop but not yet registered active; flag it
		// as soon as the processor registers.
		w.mu.Lock()
		if state, ok := w.active[batchID]; ok {
			state.cancelled.Store(true)
		} else {
			w.active[batchID] = newBatchState(nil, w.now())
			w.active[batchID].cancelled.Store(true)
		}
		w.mu.Unlock()
		return nil
	}
}

// ActiveBatches returns the ids of batches currently being drained.
func (w *Worker) ActiveBatches() []string {
	w.mu.Lock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	return ids
}

func (w *Worker) registerActive(b *BatchJob) *batchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.active[b.ID]; ok {
		// A cancel raced the start of processing; keep its flag and attach
		// the remaining set.
		existing.mu.Lock()
		for _, id := range b.NotificationIDs {
			existing.remaining[id] = struct{}{}
		}
		existing.mu.Unlock()
		return existing
	}
	state := newBatchState(b.NotificationIDs, w.now())
	w.active[b.ID] = state
	return state
}

func (w *Worker) unregisterActive(batchID string) {
	w.mu.Lock()
	delete(w.active, batchID)
	w.mu.Unlock()
}

func (w *Worker) emitStatus(batchID string, status BatchStatus, result BatchResult) {
	w.events.Emit(queue.Event{
		Type:  EventBatchStatusChanged,
		Queue: w.queue.Name(),
		JobID: batchID,
		Data:  map[string]interface{}{"status": status, "result": result},
	})
}

func (w *Worker) decodeBatch(j *job.Job) (*BatchJob, error) {
	var b BatchJob
	if err := w.serializer.Unmarshal(j.Data, &b); err != nil {
		return nil, fmt.Errorf("batch: decode job %s: %w", j.ID, err)
	}
	if b.ID == "" {
		b.ID = j.ID
	}
	return &b, nil
}

// inQuietHours reports whether now falls inside the user's quiet window,
// handling windows that wrap across midnight.
func inQuietHours(now time.Time, qh QuietHours) bool {
	if !qh.Enabled {
		return false
	}
	start, okS := parseClock(qh.Start)
	end, okE := parseClock(qh.End)
	if !okS || !okE || start == end {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	if start < end {
		return minutes >= start && minutes < end
	}
	// Wraps midnight: e.g. 22:00 -> 07:00.
	return minutes >= start || minutes < end
}

// nextQuietHoursEnd returns the next boundary at which the quiet window
// closes, strictly after now.
func nextQuietHoursEnd(now time.Time, qh QuietHours) time.Time {
	end, ok := parseClock(qh.End)
	if !ok {
		return now
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), end/60, end%60, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
