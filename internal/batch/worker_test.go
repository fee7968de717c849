package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/serialization"
)

// fakeQueue records Add/RemoveJob calls and serves GetJob from a seeded
// map. Unused queue.Queue methods panic via the embedded nil interface.
type fakeQueue struct {
	queue.Queue

	mu         sync.Mutex
	added      []addedJob
	removed    []string
	jobs       map[string]*job.Job
	processors map[string]queue.Processor
}

type addedJob struct {
	Name string
	Data interface{}
	Opts job.Options
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:       make(map[string]*job.Job),
		processors: make(map[string]queue.Processor),
	}
}

func (f *fakeQueue) Add(ctx context.Context, name string, data interface{}, opts job.Options) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, addedJob{Name: name, Data: data, Opts: opts})
	j, err := job.New(serialization.NewJSONSerializer(), "batch-notifications", name, data, opts)
	if err != nil {
		return nil, err
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeQueue) Process(name string, concurrency int, fn queue.Processor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.processors[name]; ok {
		return queue.ErrProcessorExists
	}
	f.processors[name] = fn
	return nil
}

func (f *fakeQueue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, queue.ErrJobNotFound
}

func (f *fakeQueue) RemoveJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.jobs, id)
	return nil
}

func (f *fakeQueue) Name() string   { return "batch-notifications" }
func (f *fakeQueue) Broker() string { return "fake" }

func (f *fakeQueue) addedCalls(name string) []addedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []addedJob
	for _, a := range f.added {
		if a.Name == name {
			out = append(out, a)
		}
	}
	return out
}

// fakeRepo is an in-memory NotificationRepository recording every status
// transition.
type fakeRepo struct {
	mu            sync.Mutex
	notifications map[string]*Notification
	batches       map[string]*BatchRecord
	prefs         map[string]*UserPreferences
	transitions   map[string][]NotificationStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		notifications: make(map[string]*Notification),
		batches:       make(map[string]*BatchRecord),
		prefs:         make(map[string]*UserPreferences),
		transitions:   make(map[string][]NotificationStatus),
	}
}

func (r *fakeRepo) seed(n *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.Status == "" {
		n.Status = NotificationQueued
	}
	r.notifications[n.ID] = n
}

func (r *fakeRepo) GetQueuedNotifications(ctx context.Context, priority NotificationPriority, limit int) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Notification
	for _, n := range r.notifications {
		if n.Status == NotificationQueued && n.Priority == priority {
			out = append(out, n)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) FindByID(ctx context.Context, id string) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s not found", id)
	}
	copied := *n
	return &copied, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id string, status NotificationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	n.Status = status
	r.transitions[id] = append(r.transitions[id], status)
	return nil
}

func (r *fakeRepo) CreateBatchRecord(ctx context.Context, record *BatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[record.ID] = record
	return nil
}

func (r *fakeRepo) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, result BatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.batches[batchID]
	if !ok {
		record = &BatchRecord{ID: batchID}
		r.batches[batchID] = record
	}
	record.Status = status
	record.Result = result
	record.UpdatedAt = time.Now()
	return nil
}

func (r *fakeRepo) ListBatchRecords(ctx context.Context, limit int) ([]*BatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*BatchRecord
	for _, record := range r.batches {
		out = append(out, record)
	}
	return out, nil
}

func (r *fakeRepo) GetUserPreferences(ctx context.Context, userID string) (*UserPreferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.prefs[userID]; ok {
		return p, nil
	}
	return &UserPreferences{UserID: userID}, nil
}

func (r *fakeRepo) status(id string) NotificationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifications[id].Status
}

func (r *fakeRepo) batchRecord(id string) *BatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[id]
}

// fakeSender counts sends and fails configured notification ids.
type fakeSender struct {
	mu        sync.Mutex
	sent      []string
	failOnce  map[string]bool
	failAll   map[string]bool
	lastSend  time.Time
	sendTimes map[string]time.Time
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		failOnce:  make(map[string]bool),
		failAll:   make(map[string]bool),
		sendTimes: make(map[string]time.Time),
	}
}

func (s *fakeSender) Send(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.lastSend = now
	if s.failAll[n.ID] {
		return fmt.Errorf("send failed for %s", n.ID)
	}
	if s.failOnce[n.ID] {
		delete(s.failOnce, n.ID)
		return fmt.Errorf("transient send failure for %s", n.ID)
	}
	s.sent = append(s.sent, n.ID)
	s.sendTimes[n.ID] = now
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestWorker(t *testing.T, q *fakeQueue, repo *fakeRepo, sender *fakeSender, cfg Config) *Worker {
	t.Helper()
	w := New(q, repo, sender, serialization.NewJSONSerializer(), cfg, NewMetrics(nil))
	t.Cleanup(w.Close)
	return w
}

func batchPayload(t *testing.T, b *BatchJob) *job.Job {
	t.Helper()
	data, err := serialization.NewJSONSerializer().Marshal(b)
	require.NoError(t, err)
	return &job.Job{ID: b.ID, Name: JobBulkNotification, Data: data}
}

func seedBatch(t *testing.T, repo *fakeRepo, b *BatchJob, count int, channel Channel) {
	t.Helper()
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-n%d", b.ID, i)
		repo.seed(&Notification{ID: id, UserID: "u1", Channel: channel, Priority: PriorityNormal})
		b.NotificationIDs = append(b.NotificationIDs, id)
	}
	require.NoError(t, repo.CreateBatchRecord(context.Background(), &BatchRecord{ID: b.ID, Type: b.Type, Total: count}))
}

func TestBulkBatchAllSent(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{Concurrency: 2})

	b := &BatchJob{ID: "b1", Type: BatchBulk, Channel: ChannelInApp,
		ProcessingOptions: ProcessingOptions{MaxConcurrency: 4, DelayBetweenItems: time.Millisecond}}
	seedBatch(t, repo, b, 8, ChannelInApp)

	out, err := w.processBulkNotification(context.Background(), batchPayload(t, b))
	require.NoError(t, err)

	var result BatchResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, 8, result.Processed)
	assert.Zero(t, result.Failed)

	assert.Equal(t, 8, sender.sentCount())
	assert.Equal(t, BatchCompleted, repo.batchRecord("b1").Status)
	for _, id := range b.NotificationIDs {
		assert.Equal(t, NotificationSent, repo.status(id))
	}
	assert.Empty(t, w.ActiveBatches(), "active-batch bookkeeping must drain")
}

func TestBulkBatchFailureMarksBatchFailedAndRetries(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{Concurrency: 2})

	b := &BatchJob{ID: "b2", Type: BatchBulk, Channel: ChannelInApp,
		ProcessingOptions: ProcessingOptions{MaxConcurrency: 2, DelayBetweenItems: time.Millisecond, RetryFailedItems: true}}
	seedBatch(t, repo, b, 4, ChannelInApp)
	sender.failAll[b.NotificationIDs[1]] = true

	out, err := w.processBulkNotification(context.Background(), batchPayload(t, b))
	require.NoError(t, err)

	var result BatchResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Failed)

	assert.Equal(t, BatchFailed, repo.batchRecord("b2").Status)
	assert.Equal(t, NotificationFailed, repo.status(b.NotificationIDs[1]))

	retries := q.addedCalls(JobRetryNotify)
	require.Len(t, retries, 1)
	assert.Equal(t, retryNotificationDelay, retries[0].Opts.Delay)
}

func TestBulkBatchCancellationMidway(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{Concurrency: 1})

	b := &BatchJob{ID: "b3", Type: BatchBulk, Channel: ChannelEmail,
		ProcessingOptions: ProcessingOptions{MaxConcurrency: 1, DelayBetweenItems: 100 * time.Millisecond}}
	seedBatch(t, repo, b, 50, ChannelEmail)

	events := w.Subscribe(32)

	done := make(chan []byte, 1)
	go func() {
		out, err := w.processBulkNotification(context.Background(), batchPayload(t, b))
		if err != nil {
			t.Errorf("processBulkNotification: %v", err)
		}
		done <- out
	}()

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, w.CancelBatch(context.Background(), "b3"))

	var out []byte
	select {
	case out = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled batch never finished")
	}

	var result BatchResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.PartiallyProcessed)
	assert.Greater(t, result.Cancelled, 0)
	assert.Less(t, result.Processed, 50)
	assert.Equal(t, 50, result.Processed+result.Failed+result.Cancelled)

	record := repo.batchRecord("b3")
	assert.Equal(t, BatchFailed, record.Status)
	assert.True(t, record.Result.PartiallyProcessed)

	// No further sends after the flag flipped and the loop drained.
	settled := sender.sentCount()
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, settled, sender.sentCount())

	cancelledSeen := 0
	for _, id := range b.NotificationIDs {
		if repo.status(id) == NotificationCancelled {
			cancelledSeen++
		}
	}
	assert.Equal(t, result.Cancelled, cancelledSeen)

	// A batch_status_changed event reports the cancellation.
	sawCancelled := false
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-events:
			if ev.Type == EventBatchStatusChanged {
				if data, ok := ev.Data.(map[string]interface{}); ok && data["status"] == BatchCancelled {
					sawCancelled = true
					break drain
				}
			}
		case <-timeout:
			break drain
		}
	}
	assert.True(t, sawCancelled, "expected a cancelled batch_status_changed event")
}

func TestCancelWaitingBatchRemovesFromQueue(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{})

	b := &BatchJob{Type: BatchBulk, Channel: ChannelEmail}
	b.ID = "b4"
	seedBatch(t, repo, b, 3, ChannelEmail)

	_, err := w.EnqueueBatch(context.Background(), b, job.Options{})
	require.NoError(t, err)

	require.NoError(t, w.CancelBatch(context.Background(), "b4"))

	assert.Contains(t, q.removed, "b4")
	assert.Equal(t, BatchCancelled, repo.batchRecord("b4").Status)
	for _, id := range b.NotificationIDs {
		assert.Equal(t, NotificationCancelled, repo.status(id))
	}
}

func TestCancelTerminalBatchRejected(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{})

	j, err := job.New(serialization.NewJSONSerializer(), "batch-notifications", JobBulkNotification, nil, job.Options{JobID: "b5"})
	require.NoError(t, err)
	j.State = job.StatusCompleted
	q.mu.Lock()
	q.jobs["b5"] = j
	q.mu.Unlock()

	assert.Error(t, w.CancelBatch(context.Background(), "b5"))
}

func TestUserBatchDeferredDuringQuietHours(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{})

	// Pin the clock inside a window that wraps midnight.
	w.now = func() time.Time {
		return time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	}
	repo.prefs["u1"] = &UserPreferences{
		UserID:     "u1",
		QuietHours: QuietHours{Enabled: true, Start: "22:00", End: "07:00"},
	}

	b := &BatchJob{ID: "b6", Type: BatchUser, Channel: ChannelEmail, Metadata: map[string]string{"userId": "u1"}}
	seedBatch(t, repo, b, 2, ChannelEmail)

	data, err := serialization.NewJSONSerializer().Marshal(b)
	require.NoError(t, err)
	out, err := w.processUserBatch(context.Background(), &job.Job{ID: "b6", Name: JobUserBatch, Data: data})
	require.NoError(t, err)

	var deferred struct {
		Deferred bool `json:"deferred"`
	}
	require.NoError(t, json.Unmarshal(out, &deferred))
	assert.True(t, deferred.Deferred)
	assert.Zero(t, sender.sentCount(), "no sends during quiet hours")

	rescheduled := q.addedCalls(JobUserBatch)
	require.Len(t, rescheduled, 1)
	// 23:30 -> next 07:00 boundary is 7.5 hours out.
	assert.Equal(t, 7*time.Hour+30*time.Minute, rescheduled[0].Opts.Delay)
}

func TestUserBatchRunsOutsideQuietHours(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{})

	w.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	repo.prefs["u1"] = &UserPreferences{
		UserID:     "u1",
		QuietHours: QuietHours{Enabled: true, Start: "22:00", End: "07:00"},
	}

	b := &BatchJob{ID: "b7", Type: BatchUser, Channel: ChannelInApp, Metadata: map[string]string{"userId": "u1"},
		ProcessingOptions: ProcessingOptions{DelayBetweenItems: time.Millisecond}}
	seedBatch(t, repo, b, 2, ChannelInApp)

	data, err := serialization.NewJSONSerializer().Marshal(b)
	require.NoError(t, err)
	_, err = w.processUserBatch(context.Background(), &job.Job{ID: "b7", Name: JobUserBatch, Data: data})
	require.NoError(t, err)
	assert.Equal(t, 2, sender.sentCount())
}

func TestPriorityBatchImmediateRetry(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{Concurrency: 2})

	b := &BatchJob{ID: "b8", Type: BatchPriority, Channel: ChannelPush,
		ProcessingOptions: ProcessingOptions{DelayBetweenItems: time.Millisecond}}
	seedBatch(t, repo, b, 3, ChannelPush)
	sender.failOnce[b.NotificationIDs[0]] = true

	out, err := w.processPriorityBatch(context.Background(), batchPayload(t, b))
	require.NoError(t, err)

	var result BatchResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, 3, result.Processed, "transient failure must be absorbed by the immediate retry")
	assert.Zero(t, result.Failed)
	assert.Equal(t, BatchCompleted, repo.batchRecord("b8").Status)
}

func TestRetryNotificationProcessor(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{})

	repo.seed(&Notification{ID: "n1", UserID: "u1", Channel: ChannelEmail, Priority: PriorityNormal, Status: NotificationFailed})

	data, err := serialization.NewJSONSerializer().Marshal(map[string]string{"notificationId": "n1"})
	require.NoError(t, err)
	_, err = w.processRetryNotification(context.Background(), &job.Job{ID: "r1", Name: JobRetryNotify, Data: data})
	require.NoError(t, err)
	assert.Equal(t, NotificationSent, repo.status("n1"))
}

func TestAutoCollectGroupsAndChunks(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{BatchSize: 2, Concurrency: 3})

	for i := 0; i < 3; i++ {
		repo.seed(&Notification{ID: fmt.Sprintf("e%d", i), Channel: ChannelEmail, Priority: PriorityNormal})
	}
	for i := 0; i < 2; i++ {
		repo.seed(&Notification{ID: fmt.Sprintf("s%d", i), Channel: ChannelSMS, Priority: PriorityLow})
	}
	repo.seed(&Notification{ID: "crit1", Channel: ChannelPush, Priority: PriorityCritical})

	out, err := w.processAutoCollect(context.Background(), &job.Job{ID: "tick", Name: JobAutoCollect})
	require.NoError(t, err)

	var summary struct {
		BatchesEnqueued int `json:"batchesEnqueued"`
	}
	require.NoError(t, json.Unmarshal(out, &summary))
	// email: ceil(3/2)=2 chunks, sms: 1 chunk, priority: 1.
	assert.Equal(t, 4, summary.BatchesEnqueued)

	bulk := q.addedCalls(JobBulkNotification)
	assert.Len(t, bulk, 3)
	priority := q.addedCalls(JobPriorityBatch)
	require.Len(t, priority, 1)

	pb, ok := priority[0].Data.(*BatchJob)
	require.True(t, ok)
	assert.Equal(t, []string{"crit1"}, pb.NotificationIDs)
	assert.Equal(t, 50*time.Millisecond, pb.ProcessingOptions.DelayBetweenItems)
	assert.Equal(t, 6, pb.ProcessingOptions.MaxConcurrency, "2x worker concurrency")

	for _, a := range bulk {
		bj, ok := a.Data.(*BatchJob)
		require.True(t, ok)
		assert.LessOrEqual(t, len(bj.NotificationIDs), 2, "chunks respect the batch size")
		assert.True(t, bj.ProcessingOptions.RetryFailedItems)
	}
}

func TestStartRegistersProcessorsAndHousekeeping(t *testing.T) {
	q, repo, sender := newFakeQueue(), newFakeRepo(), newFakeSender()
	w := newTestWorker(t, q, repo, sender, Config{CollectInterval: time.Minute})

	require.NoError(t, w.Start(context.Background()))

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, name := range []string{JobBulkNotification, JobUserBatch, JobScheduledBatch, JobPriorityBatch, JobRetryNotify, JobAutoCollect} {
		assert.Contains(t, q.processors, name)
	}

	found := false
	for _, a := range q.added {
		if a.Name == JobAutoCollect && a.Opts.Repeat != nil && a.Opts.Repeat.Interval == time.Minute {
			found = true
		}
	}
	assert.True(t, found, "auto-collect repeat job must be scheduled")
}

func TestQuietHoursWindow(t *testing.T) {
	qh := QuietHours{Enabled: true, Start: "22:00", End: "07:00"}

	at := func(h, m int) time.Time {
		return time.Date(2025, 6, 1, h, m, 0, 0, time.UTC)
	}

	assert.True(t, inQuietHours(at(23, 0), qh))
	assert.True(t, inQuietHours(at(2, 0), qh))
	assert.False(t, inQuietHours(at(12, 0), qh))
	assert.False(t, inQuietHours(at(7, 0), qh), "end boundary is exclusive")
	assert.True(t, inQuietHours(at(22, 0), qh), "start boundary is inclusive")

	day := QuietHours{Enabled: true, Start: "09:00", End: "17:00"}
	assert.True(t, inQuietHours(at(12, 0), day))
	assert.False(t, inQuietHours(at(8, 59), day))

	disabled := QuietHours{Enabled: false, Start: "00:00", End: "23:59"}
	assert.False(t, inQuietHours(at(12, 0), disabled))
}

func TestNextQuietHoursEnd(t *testing.T) {
	qh := QuietHours{Enabled: true, Start: "22:00", End: "07:00"}

	late := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), nextQuietHoursEnd(late, qh))

	early := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC), nextQuietHoursEnd(early, qh))
}

func TestChunkIDs(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	chunks := chunkIDs(ids, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"e"}, chunks[2])

	assert.Nil(t, chunkIDs(nil, 2))
}
