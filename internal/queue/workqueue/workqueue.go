// Package workqueue implements the Work-Queue backend: a Redis-backed
// queue.Queue that dispatches through BRPOPLPUSH priority lists, schedules
// delayed and retrying jobs through a ZSET, and indexes job state in Redis
// sets so GetJobs/GetJobCounts don't need to scan every key. It is the
// direct descendant of the original single-queue Redis implementation,
// generalized to the named-processor, multi-backend queue.Queue contract.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/scheduler"
)

// stalledThreshold is how long a processing-list entry may go without a
// refreshed heartbeat before it's considered abandoned by a dead worker.
const stalledThreshold = 30 * time.Second

type processorEntry struct {
	fn          queue.Processor
	concurrency int
}

var _ queue.Queue = (*WorkQueue)(nil)

// WorkQueue is the Redis-backed queue.Queue implementation.
type WorkQueue struct {
	client    *redis.Client
	name      string
	keyPrefix string
	marshaler job.Marshaler
	events    *queue.Broadcaster
	log       logger.Logger

	mu         sync.Mutex
	processors map[string]processorEntry
	repeaters  map[string]chan struct{} // jobID -> stop channel, for Repeat-enabled Add calls

	stats *queue.Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New constructs a WorkQueue bound to name on the given Redis client. A
// keyPrefix of "" defaults to "bananas:workqueue:".
func New(client *redis.Client, name, keyPrefix string, marshaler job.Marshaler) *WorkQueue {
	if keyPrefix == "" {
		keyPrefix = "bananas:workqueue:"
	}
	wq := &WorkQueue{
		client:     client,
		name:       name,
		keyPrefix:  keyPrefix,
		marshaler:  marshaler,
		events:     queue.NewBroadcaster(),
		log:        logger.Default().WithComponent(logger.ComponentQueue),
		processors: make(map[string]processorEntry),
		repeaters:  make(map[string]chan struct{}),
		stats:      queue.NewStats(),
		stopCh:     make(chan struct{}),
	}
	wq.wg.Add(1)
	go wq.delayedWatcher()
	return wq
}

func (q *WorkQueue) Name() string   { return q.name }
func (q *WorkQueue) Broker() string { return "workqueue" }

// --- key helpers ---

func (q *WorkQueue) jobKey(id string) string {
	return q.keyPrefix + "job:" + id
}

func (q *WorkQueue) bucketKey(name string, p job.Priority) string {
	return fmt.Sprintf("%sq:%s:%s:%s", q.keyPrefix, q.name, name, p.Bucket().String())
}

func (q *WorkQueue) processingKey(name string) string {
	return fmt.Sprintf("%sproc:%s:%s", q.keyPrefix, q.name, name)
}

func (q *WorkQueue) heartbeatKey(id string) string {
	return q.keyPrefix + "heartbeat:" + id
}

func (q *WorkQueue) delayedKey() string {
	return q.keyPrefix + "delayed:" + q.name
}

func (q *WorkQueue) pausedKey() string {
	return q.keyPrefix + "paused:" + q.name
}

func (q *WorkQueue) stateKey(s job.Status) string {
	return fmt.Sprintf("%sstate:%s:%s", q.keyPrefix, q.name, s)
}

// --- marshaling ---

func (q *WorkQueue) storeJob(ctx context.Context, j *job.Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("workqueue: marshal job: %w", err)
	}
	return q.client.Set(ctx, q.jobKey(j.ID), raw, 0).Err()
}

func (q *WorkQueue) loadJob(ctx context.Context, id string) (*job.Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workqueue: get job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("workqueue: unmarshal job: %w", err)
	}
	return &j, nil
}

// Add enqueues a single job.
func (q *WorkQueue) Add(ctx context.Context, name string, data interface{}, opts job.Options) (*job.Job, error) {
	if opts.JobID != "" {
		if existing, err := q.loadJob(ctx, opts.JobID); err == nil && !existing.IsTerminal() {
			return nil, queue.ErrJobExists
		}
	}

	j, err := job.New(q.marshaler, q.name, name, data, opts)
	if err != nil {
		return nil, err
	}

	if err := q.storeJob(ctx, j); err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	switch j.State {
	case job.StatusDelayed:
		runAt := j.Timestamp.Add(j.Opts.Delay)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: delayedMember(name, j.ID)})
		pipe.SAdd(ctx, q.stateKey(job.StatusDelayed), j.ID)
	default:
		pipe.LPush(ctx, q.bucketKey(name, j.Opts.Priority), j.ID)
		pipe.SAdd(ctx, q.stateKey(job.StatusWaiting), j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("workqueue: enqueue: %w", err)
	}

	q.events.Emit(queue.Event{Type: queue.EventJobAdded, Queue: q.name, JobID: j.ID})

	if j.Opts.Repeat != nil {
		q.startRepeater(name, j, data)
	}

	return j, nil
}

// AddBulk enqueues each spec independently; a failure on one item doesn't
// stop the rest.
func (q *WorkQueue) AddBulk(ctx context.Context, specs []queue.BulkSpec) []queue.AddResult {
	results := make([]queue.AddResult, len(specs))
	for i, spec := range specs {
		j, err := q.Add(ctx, spec.Name, spec.Data, spec.Opts)
		results[i] = queue.AddResult{Job: j, Err: err}
	}
	return results
}

// delayedMember encodes the processor name alongside the job id in the
// delayed ZSET member so the watcher knows which bucket to promote it to.
func delayedMember(name, jobID string) string {
	return name + "\x00" + jobID
}

func splitDelayedMember(member string) (name, jobID string) {
	for i := 0; i < len(member); i++ {
		if member[i] == 0 {
			return member[:i], member[i+1:]
		}
	}
	return "", member
}

// GetJob returns a single job by id.
func (q *WorkQueue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return q.loadJob(ctx, id)
}

// GetJobs returns jobs across the requested states, newest-first for
// terminal states and unordered for in-flight states, sliced to [start,end).
func (q *WorkQueue) GetJobs(ctx context.Context, states []job.Status, start, end int64) ([]*job.Job, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, s := range states {
		var members []string
		var err error
		if s == job.StatusCompleted || s == job.StatusFailed {
			members, err = q.client.ZRevRange(ctx, q.stateKey(s), 0, -1).Result()
		} else {
			members, err = q.client.SMembers(ctx, q.stateKey(s)).Result()
		}
		if err != nil {
			return nil, fmt.Errorf("workqueue: list state %s: %w", s, err)
		}
		for _, m := range members {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			ids = append(ids, m)
		}
	}

	if start < 0 {
		start = 0
	}
	if end <= 0 || end > int64(len(ids)) {
		end = int64(len(ids))
	}
	if start >= end {
		return nil, nil
	}
	ids = ids[start:end]

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.loadJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// GetJobCounts returns the count of jobs in each lifecycle state.
func (q *WorkQueue) GetJobCounts(ctx context.Context) (map[job.Status]int64, error) {
	counts := make(map[job.Status]int64)
	for _, s := range []job.Status{job.StatusWaiting, job.StatusDelayed, job.StatusActive} {
		n, err := q.client.SCard(ctx, q.stateKey(s)).Result()
		if err != nil {
			return nil, err
		}
		counts[s] = n
	}
	for _, s := range []job.Status{job.StatusCompleted, job.StatusFailed} {
		n, err := q.client.ZCard(ctx, q.stateKey(s)).Result()
		if err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, nil
}

// Pause stops dispatch loops from claiming new jobs. Active jobs finish.
func (q *WorkQueue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.pausedKey(), "1", 0).Err(); err != nil {
		return err
	}
	q.events.Emit(queue.Event{Type: queue.EventQueuePaused, Queue: q.name})
	return nil
}

// Resume re-enables dispatch.
func (q *WorkQueue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.pausedKey()).Err(); err != nil {
		return err
	}
	q.events.Emit(queue.Event{Type: queue.EventQueueResumed, Queue: q.name})
	return nil
}

func (q *WorkQueue) isPaused(ctx context.Context) bool {
	n, _ := q.client.Exists(ctx, q.pausedKey()).Result()
	return n > 0
}

// Clean removes terminal jobs older than grace, oldest first within each
// status. With no status given, completed jobs are taken before failed ones,
// so a limit can be used up on completed jobs newer than some failed ones.
func (q *WorkQueue) Clean(ctx context.Context, grace time.Duration, status job.Status, limit int) ([]string, error) {
	targets := []job.Status{job.StatusCompleted, job.StatusFailed}
	if status != "" {
		targets = []job.Status{status}
	}

	cutoff := float64(time.Now().Add(-grace).UnixMilli())
	var removed []string
	for _, s := range targets {
		key := q.stateKey(s)
		opt := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", cutoff)}
		if limit > 0 {
			opt.Count = int64(limit - len(removed))
			if opt.Count <= 0 {
				break
			}
		}
		ids, err := q.client.ZRangeByScore(ctx, key, opt).Result()
		if err != nil {
			return removed, fmt.Errorf("workqueue: clean scan %s: %w", s, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, q.jobKey(id))
			pipe.ZRem(ctx, key, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("workqueue: clean exec %s: %w", s, err)
		}
		removed = append(removed, ids...)
	}

	q.events.Emit(queue.Event{Type: queue.EventQueueCleaned, Queue: q.name, Data: len(removed)})
	return removed, nil
}

// Empty discards all queued (waiting and delayed) jobs and stops the
// queue's repeaters. Active processing is left untouched.
func (q *WorkQueue) Empty(ctx context.Context) error {
	q.mu.Lock()
	names := make([]string, 0, len(q.processors))
	for n := range q.processors {
		names = append(names, n)
	}
	for id, stop := range q.repeaters {
		close(stop)
		delete(q.repeaters, id)
	}
	q.mu.Unlock()

	waitingIDs, err := q.client.SMembers(ctx, q.stateKey(job.StatusWaiting)).Result()
	if err != nil {
		return err
	}
	delayedIDs, err := q.client.SMembers(ctx, q.stateKey(job.StatusDelayed)).Result()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	for _, name := range names {
		for _, p := range []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow} {
			pipe.Del(ctx, q.bucketKey(name, p))
		}
	}
	pipe.Del(ctx, q.delayedKey())
	pipe.Del(ctx, q.stateKey(job.StatusWaiting))
	pipe.Del(ctx, q.stateKey(job.StatusDelayed))
	for _, id := range waitingIDs {
		pipe.Del(ctx, q.jobKey(id))
	}
	for _, id := range delayedIDs {
		pipe.Del(ctx, q.jobKey(id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close stops dispatch loops and the delayed watcher, then closes the Redis
// client.
func (q *WorkQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, stop := range q.repeaters {
		close(stop)
	}
	q.mu.Unlock()

	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		q.log.Warn("workqueue close timed out waiting for loops to exit", "queue", q.name)
	case <-ctx.Done():
	}

	q.events.Close()
	return q.client.Close()
}

// GetMetrics returns a point-in-time snapshot of this queue's state.
func (q *WorkQueue) GetMetrics(ctx context.Context) (queue.QueueMetrics, error) {
	counts, err := q.GetJobCounts(ctx)
	if err != nil {
		return queue.QueueMetrics{}, err
	}
	m := queue.QueueMetrics{
		Name:   q.name,
		Broker: "workqueue",
		Counts: counts,
		Paused: q.isPaused(ctx),
	}
	q.stats.Snapshot(&m)
	return m, nil
}

// RetryJob moves a terminally failed job back into its waiting bucket with
// the attempt counter reset, the admin surface's bulk-retry building block.
func (q *WorkQueue) RetryJob(ctx context.Context, id string) error {
	j, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State != job.StatusFailed {
		return fmt.Errorf("workqueue: retry job %s: state is %s, want %s", id, j.State, job.StatusFailed)
	}
	j.State = job.StatusWaiting
	j.AttemptsMade = 0
	j.FailedReason = ""
	j.Stacktrace = ""
	j.FinishedOn = time.Time{}
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.stateKey(job.StatusFailed), id)
	pipe.SAdd(ctx, q.stateKey(job.StatusWaiting), id)
	pipe.LPush(ctx, q.bucketKey(j.Name, j.Opts.Priority), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("workqueue: retry job %s: %w", id, err)
	}
	q.events.Emit(queue.Event{Type: queue.EventJobAdded, Queue: q.name, JobID: id})
	return nil
}

// PromoteJob moves a delayed job to its waiting bucket immediately,
// bypassing its remaining delay. Jobs that are not delayed are left alone.
func (q *WorkQueue) PromoteJob(ctx context.Context, id string) error {
	j, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.Promote() {
		return nil
	}
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.delayedKey(), delayedMember(j.Name, id))
	pipe.SRem(ctx, q.stateKey(job.StatusDelayed), id)
	pipe.SAdd(ctx, q.stateKey(job.StatusWaiting), id)
	pipe.LPush(ctx, q.bucketKey(j.Name, j.Opts.Priority), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("workqueue: promote job %s: %w", id, err)
	}
	return nil
}

// RemoveJob deletes a job record and any queued reference to it. Removing
// an unknown id is a no-op.
func (q *WorkQueue) RemoveJob(ctx context.Context, id string) error {
	j, err := q.loadJob(ctx, id)
	if err == queue.ErrJobNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.jobKey(id))
	pipe.Del(ctx, q.heartbeatKey(id))
	pipe.LRem(ctx, q.bucketKey(j.Name, j.Opts.Priority), 0, id)
	pipe.LRem(ctx, q.processingKey(j.Name), 0, id)
	pipe.ZRem(ctx, q.delayedKey(), delayedMember(j.Name, id))
	for _, s := range []job.Status{job.StatusWaiting, job.StatusDelayed, job.StatusActive} {
		pipe.SRem(ctx, q.stateKey(s), id)
	}
	for _, s := range []job.Status{job.StatusCompleted, job.StatusFailed} {
		pipe.ZRem(ctx, q.stateKey(s), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("workqueue: remove job %s: %w", id, err)
	}
	q.events.Emit(queue.Event{Type: queue.EventJobRemoved, Queue: q.name, JobID: id})
	return nil
}

// Subscribe returns a channel of lifecycle events.
func (q *WorkQueue) Subscribe(buffer int) chan queue.Event { return q.events.Subscribe(buffer) }

// Unsubscribe releases a previously subscribed channel.
func (q *WorkQueue) Unsubscribe(ch chan queue.Event) { q.events.Unsubscribe(ch) }

// startRepeater spawns a background goroutine that re-adds a copy of tmpl
// on each tick of its Repeat configuration, until Limit/EndDate is reached
// or Close/Empty stops it. Grounded on internal/scheduler's distributed-lock
// registry pattern, simplified to a single-process ticker since Repeat here
// is a per-Add convenience rather than a globally-coordinated schedule.
func (q *WorkQueue) startRepeater(name string, tmpl *job.Job, data interface{}) {
	repeat := tmpl.Opts.Repeat
	stop := make(chan struct{})
	q.mu.Lock()
	q.repeaters[tmpl.ID] = stop
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			q.mu.Lock()
			delete(q.repeaters, tmpl.ID)
			q.mu.Unlock()
		}()

		var runs int
		next := func(after time.Time) (time.Time, error) {
			if repeat.Cron != "" {
				reg := scheduler.NewRegistry()
				sched := &scheduler.Schedule{ID: tmpl.ID, Cron: repeat.Cron, Job: name, Timezone: "UTC"}
				if err := reg.Register(sched); err != nil {
					return time.Time{}, err
				}
				return reg.NextRun(sched, after)
			}
			return after.Add(repeat.Interval), nil
		}

		last := time.Now()
		if repeat.Immediately {
			if _, err := q.Add(context.Background(), name, data, stripRepeat(tmpl.Opts)); err != nil {
				q.log.Error("repeat: immediate add failed", "job", name, "error", err)
			}
			runs++
		}

		for {
			runAt, err := next(last)
			if err != nil {
				q.log.Error("repeat: compute next run failed", "job", name, "error", err)
				return
			}
			if repeat.EndDate != nil && runAt.After(*repeat.EndDate) {
				return
			}
			wait := time.Until(runAt)
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-q.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}

			if _, err := q.Add(context.Background(), name, data, stripRepeat(tmpl.Opts)); err != nil {
				q.log.Error("repeat: add failed", "job", name, "error", err)
			}
			runs++
			last = runAt
			if repeat.Limit > 0 && runs >= repeat.Limit {
				return
			}
		}
	}()
}

func stripRepeat(opts job.Options) job.Options {
	opts.Repeat = nil
	opts.JobID = ""
	return opts
}
