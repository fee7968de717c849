package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/result"
)

// runOptions tweak the shared batch-draining loop per processor.
type runOptions struct {
	// immediateRetry performs one same-processor retry of a failed send
	// before recording the failure (priority batches).
	immediateRetry bool
}

func (w *Worker) processBulkNotification(ctx context.Context, j *job.Job) ([]byte, error) {
	b, err := w.decodeBatch(j)
	if err != nil {
		return nil, err
	}
	return w.runBatch(ctx, b, runOptions{})
}

// processScheduledBatch drains like a bulk batch; the scheduling itself was
// the enqueue-time delay.
func (w *Worker) processScheduledBatch(ctx context.Context, j *job.Job) ([]byte, error) {
	b, err := w.decodeBatch(j)
	if err != nil {
		return nil, err
	}
	return w.runBatch(ctx, b, runOptions{})
}

// processUserBatch defers the whole batch to the end of the recipient's
// quiet-hours window before draining.
func (w *Worker) processUserBatch(ctx context.Context, j *job.Job) ([]byte, error) {
	b, err := w.decodeBatch(j)
	if err != nil {
		return nil, err
	}

	userID := b.Metadata["userId"]
	if userID == "" && len(b.NotificationIDs) > 0 {
		if n, err := w.repo.FindByID(ctx, b.NotificationIDs[0]); err == nil {
			userID = n.UserID
		}
	}
	if userID != "" {
		prefs, err := w.repo.GetUserPreferences(ctx, userID)
		if err == nil && prefs != nil && inQuietHours(w.now(), prefs.QuietHours) {
			resumeAt := nextQuietHoursEnd(w.now(), prefs.QuietHours)
			delay := resumeAt.Sub(w.now())
			w.log.Info("user batch deferred for quiet hours",
				"batch_id", b.ID, "user_id", userID, "resume_at", resumeAt)
			if _, err := w.queue.Add(ctx, JobUserBatch, b, job.Options{Delay: delay}); err != nil {
				return nil, fmt.Errorf("batch: reschedule %s past quiet hours: %w", b.ID, err)
			}
			return json.Marshal(map[string]interface{}{"deferred": true, "resumeAt": resumeAt})
		}
	}

	return w.runBatch(ctx, b, runOptions{})
}

func (w *Worker) processPriorityBatch(ctx context.Context, j *job.Job) ([]byte, error) {
	b, err := w.decodeBatch(j)
	if err != nil {
		return nil, err
	}
	if b.ProcessingOptions.MaxConcurrency <= 0 {
		b.ProcessingOptions.MaxConcurrency = 2 * w.cfg.Concurrency
	}
	if b.ProcessingOptions.DelayBetweenItems <= 0 {
		b.ProcessingOptions.DelayBetweenItems = 50 * time.Millisecond
	}
	return w.runBatch(ctx, b, runOptions{immediateRetry: true})
}

// processRetryNotification re-delivers one previously failed item. There
// is no second re-enqueue; a failure here is final for that item.
func (w *Worker) processRetryNotification(ctx context.Context, j *job.Job) ([]byte, error) {
	var payload struct {
		NotificationID string `json:"notificationId"`
		BatchID        string `json:"batchId,omitempty"`
	}
	if err := w.serializer.Unmarshal(j.Data, &payload); err != nil {
		return nil, fmt.Errorf("batch: decode retry job %s: %w", j.ID, err)
	}

	if err := w.processNotification(ctx, payload.NotificationID, false); err != nil {
		w.metrics.NotificationsFailed.Inc()
		return nil, err
	}
	w.metrics.NotificationsProcessed.Inc()
	return json.Marshal(map[string]string{"notificationId": payload.NotificationID, "status": "sent"})
}

// runBatch is the shared draining loop: chunk by max concurrency, send
// items in parallel within a chunk with per-item pacing, observe the
// cancellation token before every chunk and every item, and record the
// terminal batch status.
func (w *Worker) runBatch(ctx context.Context, b *BatchJob, opts runOptions) ([]byte, error) {
	pacing := pacingFor(b.Channel)
	delay := b.ProcessingOptions.DelayBetweenItems
	if delay <= 0 {
		delay = pacing.DelayBetweenItems
	}
	concurrency := b.ProcessingOptions.MaxConcurrency
	if concurrency <= 0 {
		concurrency = pacing.MaxConcurrency
	}

	state := w.registerActive(b)
	defer w.unregisterActive(b.ID)

	if err := w.repo.UpdateBatchStatus(ctx, b.ID, BatchProcessing, BatchResult{}); err != nil {
		w.log.Warn("mark batch processing failed", "batch_id", b.ID, "error", err)
	}
	w.emitStatus(b.ID, BatchProcessing, BatchResult{})

	var (
		resultMu  sync.Mutex
		processed int
		failed    int
	)
	cancelled := false

chunks:
	for _, chunk := range chunkIDs(b.NotificationIDs, concurrency) {
		if state.cancelled.Load() || ctx.Err() != nil {
			cancelled = true
			break chunks
		}

		var wg sync.WaitGroup
		for _, id := range chunk {
			if state.cancelled.Load() {
				cancelled = true
				break
			}
			wg.Add(1)
			go func(notificationID string) {
				defer wg.Done()
				if state.cancelled.Load() {
					return
				}
				err := w.processNotification(ctx, notificationID, opts.immediateRetry)
				state.markDone(notificationID)
				resultMu.Lock()
				if err != nil {
					failed++
				} else {
					processed++
				}
				resultMu.Unlock()
				if err != nil {
					w.metrics.NotificationsFailed.Inc()
					if b.ProcessingOptions.RetryFailedItems && !state.cancelled.Load() {
						w.enqueueRetry(ctx, b.ID, notificationID)
					}
				} else {
					w.metrics.NotificationsProcessed.Inc()
				}
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
					}
				}
			}(id)
		}
		wg.Wait()
		if cancelled || state.cancelled.Load() {
			cancelled = true
			break chunks
		}
	}

	result := BatchResult{Processed: processed, Failed: failed}

	if cancelled {
		remaining := state.remainingIDs()
		for _, id := range remaining {
			if err := w.repo.UpdateStatus(ctx, id, NotificationCancelled); err != nil {
				w.log.Warn("mark notification cancelled failed", "notification_id", id, "error", err)
			}
		}
		result.Cancelled = len(remaining)
		result.PartiallyProcessed = true
		if err := w.repo.UpdateBatchStatus(ctx, b.ID, BatchFailed, result); err != nil {
			w.log.Warn("record cancelled batch failed", "batch_id", b.ID, "error", err)
		}
		w.metrics.BatchesTotal.WithLabelValues(string(b.Type), string(b.Channel)).Inc()
		w.emitStatus(b.ID, BatchCancelled, result)
		w.log.Info("batch cancelled",
			"batch_id", b.ID, "processed", processed, "cancelled", result.Cancelled)
		return json.Marshal(result)
	}

	status := BatchCompleted
	if failed > 0 {
		status = BatchFailed
	}
	if err := w.repo.UpdateBatchStatus(ctx, b.ID, status, result); err != nil {
		w.log.Warn("record batch status failed", "batch_id", b.ID, "error", err)
	}
	w.metrics.BatchesTotal.WithLabelValues(string(b.Type), string(b.Channel)).Inc()
	w.emitStatus(b.ID, status, result)
	w.log.Info("batch drained",
		"batch_id", b.ID, "type", b.Type, "channel", b.Channel,
		"processed", processed, "failed", failed)
	return json.Marshal(result)
}

// processNotification delivers a single notification: repository state to
// processing, hand off to the sender, then record sent or failed.
func (w *Worker) processNotification(ctx context.Context, id string, immediateRetry bool) error {
	n, err := w.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("batch: find notification %s: %w", id, err)
	}
	if n.Status == NotificationCancelled {
		return nil
	}

	if err := w.repo.UpdateStatus(ctx, id, NotificationProcessing); err != nil {
		return fmt.Errorf("batch: mark notification %s processing: %w", id, err)
	}

	sendErr := w.sender.Send(ctx, n)
	if sendErr != nil && immediateRetry {
		sendErr = w.sender.Send(ctx, n)
	}

	if sendErr != nil {
		if err := w.repo.UpdateStatus(ctx, id, NotificationFailed); err != nil {
			w.log.Warn("mark notification failed errored", "notification_id", id, "error", err)
		}
		w.storeItemResult(ctx, id, job.StatusFailed, sendErr.Error())
		return fmt.Errorf("batch: send notification %s: %w", id, sendErr)
	}
	if err := w.repo.UpdateStatus(ctx, id, NotificationSent); err != nil {
		w.log.Warn("mark notification sent errored", "notification_id", id, "error", err)
	}
	w.storeItemResult(ctx, id, job.StatusCompleted, "")
	return nil
}

// storeItemResult records a per-notification outcome on the optional
// result backend.
func (w *Worker) storeItemResult(ctx context.Context, id string, status job.Status, errMsg string) {
	if w.results == nil {
		return
	}
	r := &result.Result{
		JobID:       id,
		Status:      status,
		CompletedAt: w.now(),
		Error:       errMsg,
	}
	if err := w.results.StoreResult(ctx, r); err != nil {
		w.log.Warn("store item result failed", "notification_id", id, "error", err)
	}
}

func (w *Worker) enqueueRetry(ctx context.Context, batchID, notificationID string) {
	payload := map[string]string{"notificationId": notificationID, "batchId": batchID}
	if _, err := w.queue.Add(ctx, JobRetryNotify, payload, job.Options{Delay: retryNotificationDelay}); err != nil {
		w.log.Warn("enqueue retry failed", "notification_id", notificationID, "error", err)
	}
}

// processAutoCollect is the housekeeping tick: collect queued normal/low
// notifications into channel-grouped bulk batches, then sweep
// critical/urgent/high into a single priority batch.
func (w *Worker) processAutoCollect(ctx context.Context, j *job.Job) ([]byte, error) {
	enqueued := 0

	byChannel := make(map[Channel][]*Notification)
	caps := []struct {
		priority NotificationPriority
		limit    int
	}{
		{PriorityNormal, w.cfg.BatchSize * 2},
		{PriorityLow, w.cfg.BatchSize * 3},
	}
	for _, c := range caps {
		notifications, err := w.repo.GetQueuedNotifications(ctx, c.priority, c.limit)
		if err != nil {
			return nil, fmt.Errorf("batch: collect %s notifications: %w", c.priority, err)
		}
		for _, n := range notifications {
			byChannel[n.Channel] = append(byChannel[n.Channel], n)
		}
	}

	for channel, notifications := range byChannel {
		pacing := pacingFor(channel)
		for _, chunk := range chunkNotifications(notifications, w.cfg.BatchSize) {
			batchJob := &BatchJob{
				Type:     BatchBulk,
				Channel:  channel,
				Priority: PriorityNormal,
				ProcessingOptions: ProcessingOptions{
					DelayBetweenItems: pacing.DelayBetweenItems,
					MaxConcurrency:    pacing.MaxConcurrency,
					RetryFailedItems:  true,
				},
			}
			for _, n := range chunk {
				batchJob.NotificationIDs = append(batchJob.NotificationIDs, n.ID)
			}
			if _, err := w.EnqueueBatch(ctx, batchJob, job.Options{}); err != nil {
				w.log.Error("enqueue bulk batch failed", "channel", channel, "error", err)
				continue
			}
			enqueued++
		}
	}

	var urgentIDs []string
	for _, p := range []NotificationPriority{PriorityCritical, PriorityUrgent, PriorityHigh} {
		notifications, err := w.repo.GetQueuedNotifications(ctx, p, w.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("batch: collect %s notifications: %w", p, err)
		}
		for _, n := range notifications {
			urgentIDs = append(urgentIDs, n.ID)
		}
	}
	if len(urgentIDs) > 0 {
		batchJob := &BatchJob{
			Type:            BatchPriority,
			Priority:        PriorityCritical,
			NotificationIDs: urgentIDs,
			ProcessingOptions: ProcessingOptions{
				DelayBetweenItems: 50 * time.Millisecond,
				MaxConcurrency:    2 * w.cfg.Concurrency,
				RetryFailedItems:  true,
			},
		}
		if _, err := w.EnqueueBatch(ctx, batchJob, job.Options{Priority: job.PriorityHigh}); err != nil {
			w.log.Error("enqueue priority batch failed", "error", err)
		} else {
			enqueued++
		}
	}

	return json.Marshal(map[string]int{"batchesEnqueued": enqueued})
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func chunkNotifications(ns []*Notification, size int) [][]*Notification {
	if size <= 0 {
		size = 1
	}
	var chunks [][]*Notification
	for start := 0; start < len(ns); start += size {
		end := start + size
		if end > len(ns) {
			end = len(ns)
		}
		chunks = append(chunks, ns[start:end])
	}
	return chunks
}
