// Package broker implements the Broker backend: a queue.Queue carried over
// an AMQP 0-9-1 transport. Jobs are published to a per-queue exchange and
// consumed from per-processor queues with manual ack/nack; terminally
// failed jobs are dead-lettered to a parking queue on `<exchange>.dlx`.
// Because the broker has no global job index, job records are tracked in a
// process-local map that admin reads (GetJob, GetJobs, GetJobCounts) are
// served from.
package broker

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue"
)

type processorEntry struct {
	fn          queue.Processor
	concurrency int
	consumerTag string
	ch          *amqp.Channel
}

var _ queue.Queue = (*Broker)(nil)

// Broker is the AMQP-backed queue.Queue implementation.
type Broker struct {
	cfg       config.RabbitMQConfig
	name      string
	marshaler job.Marshaler
	events    *queue.Broadcaster
	stats     *queue.Stats
	log       logger.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	pubCh      *amqp.Channel
	processors map[string]*processorEntry
	jobs       map[string]*job.Job // process-local index, keyed by job id
	timers     map[string]*time.Timer
	repeaters  map[string]chan struct{}
	paused     bool
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Broker for the named queue and connects eagerly. The
// connection is re-established automatically if it drops later.
func New(cfg config.RabbitMQConfig, name string, marshaler job.Marshaler) (*Broker, error) {
	b := &Broker{
		cfg:        cfg,
		name:       name,
		marshaler:  marshaler,
		events:     queue.NewBroadcaster(),
		stats:      queue.NewStats(),
		log:        logger.Default().WithComponent(logger.ComponentBroker),
		processors: make(map[string]*processorEntry),
		jobs:       make(map[string]*job.Job),
		timers:     make(map[string]*time.Timer),
		repeaters:  make(map[string]chan struct{}),
		stopCh:     make(chan struct{}),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	b.events.Emit(queue.Event{Type: queue.EventQueueReady, Queue: name})
	return b, nil
}

func (b *Broker) Name() string   { return b.name }
func (b *Broker) Broker() string { return "rabbitmq" }

// amqpURL assembles the dial string, preferring an explicit RABBITMQ_URL
// over the discrete protocol/host/port/credential parts.
func (b *Broker) amqpURL() string {
	if b.cfg.URL != "" {
		return b.cfg.URL
	}
	vhost := b.cfg.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s",
		b.cfg.Protocol,
		url.QueryEscape(b.cfg.User), url.QueryEscape(b.cfg.Pass),
		b.cfg.Host, b.cfg.Port, url.QueryEscape(vhost))
}

func (b *Broker) exchangeName() string {
	return b.cfg.Exchange + "." + b.name
}

func (b *Broker) dlxName() string {
	return b.exchangeName() + ".dlx"
}

func (b *Broker) parkingQueueName() string {
	return b.dlxName() + ".queue"
}

func (b *Broker) queueName(procName string) string {
	return b.name + "." + procName
}

// connect dials the broker, opens the publisher channel, asserts topology,
// and arms the reconnect watcher. Callers must not hold b.mu.
func (b *Broker) connect() error {
	conn, err := amqp.DialConfig(b.amqpURL(), amqp.Config{
		Dial: amqp.DefaultDial(b.cfg.ConnectionTimeout),
	})
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", b.cfg.Host, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open channel: %w", err)
	}
	if err := b.assertTopology(ch); err != nil {
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()

	b.wg.Add(1)
	go b.watchConnection(conn)
	return nil
}

// assertTopology declares the per-queue exchange, its dead-letter exchange,
// and the parking queue. Declarations are idempotent, so this is safe to
// re-run on every reconnect.
func (b *Broker) assertTopology(ch *amqp.Channel) error {
	exType := b.cfg.ExchangeType
	if exType == "" {
		exType = "direct"
	}
	if err := ch.ExchangeDeclare(b.exchangeName(), exType, b.cfg.ExchangeDurable, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", b.exchangeName(), err)
	}
	if err := ch.ExchangeDeclare(b.dlxName(), "fanout", b.cfg.ExchangeDurable, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlx %s: %w", b.dlxName(), err)
	}
	if _, err := ch.QueueDeclare(b.parkingQueueName(), b.cfg.QueueDurable, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare parking queue: %w", err)
	}
	if err := ch.QueueBind(b.parkingQueueName(), "", b.dlxName(), false, nil); err != nil {
		return fmt.Errorf("broker: bind parking queue: %w", err)
	}
	return nil
}

// watchConnection blocks until the connection closes, then drives the
// reconnect loop: redial, reassert topology, and restart every registered
// consumer. In-memory delay and repeat timers are untouched and keep
// firing; delayed and retry publishes retry until the connection is back,
// while a repeat tick whose publish fails is logged and adds no job.
func (b *Broker) watchConnection(conn *amqp.Connection) {
	defer b.wg.Done()

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-b.stopCh:
		return
	case amqpErr := <-closeCh:
		if amqpErr == nil {
			return // clean shutdown
		}
		b.log.Warn("broker connection lost", "queue", b.name, "error", amqpErr)
		b.events.Emit(queue.Event{Type: queue.EventQueueError, Queue: b.name, Err: amqpErr})
	}

	interval := b.cfg.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		select {
		case <-b.stopCh:
			return
		case <-time.After(interval):
		}
		if err := b.connect(); err != nil {
			b.log.Warn("broker reconnect failed", "queue", b.name, "error", err)
			continue
		}
		b.restartConsumers()
		b.log.Info("broker reconnected", "queue", b.name)
		b.events.Emit(queue.Event{Type: queue.EventQueueReady, Queue: b.name})
		return
	}
}

func (b *Broker) restartConsumers() {
	b.mu.Lock()
	paused := b.paused
	entries := make(map[string]*processorEntry, len(b.processors))
	for name, e := range b.processors {
		entries[name] = e
	}
	b.mu.Unlock()
	if paused {
		return
	}
	for name, e := range entries {
		if err := b.startConsumer(name, e); err != nil {
			b.log.Error("broker: restart consumer failed", "queue", b.name, "processor", name, "error", err)
		}
	}
}

// publish sends a job to this queue's exchange under its processor name.
// The message is durable and carries the job id as messageId so consumers
// and the parking queue can correlate it.
func (b *Broker) publish(ctx context.Context, j *job.Job) error {
	body, err := encodeJob(j)
	if err != nil {
		return err
	}

	b.mu.Lock()
	ch := b.pubCh
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker: publish %s: not connected", j.ID)
	}

	err = ch.PublishWithContext(ctx, b.exchangeName(), j.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    j.ID,
		Timestamp:    j.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", j.ID, err)
	}
	return nil
}

// Add enqueues a single job. A job with opts.JobID matching a known job
// overwrites the local record: the broker keeps no global index to check
// against, so last-write-wins is the deterministic behavior here.
func (b *Broker) Add(ctx context.Context, name string, data interface{}, opts job.Options) (*job.Job, error) {
	if opts.Repeat != nil && opts.Repeat.Cron != "" {
		return nil, fmt.Errorf("%w: cron repeat on the rabbitmq backend", queue.ErrNotSupported)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, queue.ErrClosed
	}
	b.mu.Unlock()

	j, err := job.New(b.marshaler, b.name, name, data, opts)
	if err != nil {
		return nil, err
	}

	b.trackJob(j)

	if j.State == job.StatusDelayed {
		b.scheduleDelayed(j, j.Opts.Delay)
	} else {
		if err := b.publish(ctx, j); err != nil {
			b.forgetJob(j.ID)
			return nil, err
		}
	}

	b.events.Emit(queue.Event{Type: queue.EventJobAdded, Queue: b.name, JobID: j.ID})

	if j.Opts.Repeat != nil {
		b.startRepeater(name, j, data)
	}
	return j, nil
}

// AddBulk enqueues each spec independently, per-item best effort.
func (b *Broker) AddBulk(ctx context.Context, specs []queue.BulkSpec) []queue.AddResult {
	results := make([]queue.AddResult, len(specs))
	for i, spec := range specs {
		j, err := b.Add(ctx, spec.Name, spec.Data, spec.Opts)
		results[i] = queue.AddResult{Job: j, Err: err}
	}
	return results
}

func (b *Broker) trackJob(j *job.Job) {
	b.mu.Lock()
	b.jobs[j.ID] = j
	b.mu.Unlock()
}

func (b *Broker) forgetJob(id string) {
	b.mu.Lock()
	delete(b.jobs, id)
	b.mu.Unlock()
}

// scheduleDelayed holds the job in memory for d, then publishes it. The
// canonical AMQP model has no native delay, so the producer process owns
// the timer.
func (b *Broker) scheduleDelayed(j *job.Job, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.timers[j.ID] = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, j.ID)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		j.Promote()
		b.publishWithRetry(j)
	})
}

// publishWithRetry publishes a timer-held job, retrying on transport errors
// until it succeeds or the broker closes. Keeps delayed and retry jobs
// alive across reconnects.
func (b *Broker) publishWithRetry(j *job.Job) {
	interval := b.cfg.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		err := b.publish(context.Background(), j)
		if err == nil {
			return
		}
		b.log.Warn("broker: deferred publish failed, retrying", "job", j.ID, "error", err)
		select {
		case <-b.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// startRepeater spawns child jobs on the configured interval until Limit or
// EndDate is reached. Cron repeats were already rejected by Add.
func (b *Broker) startRepeater(name string, tmpl *job.Job, data interface{}) {
	repeat := tmpl.Opts.Repeat
	stop := make(chan struct{})
	b.mu.Lock()
	b.repeaters[tmpl.ID] = stop
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.repeaters, tmpl.ID)
			b.mu.Unlock()
		}()

		opts := tmpl.Opts
		opts.Repeat = nil
		opts.JobID = ""

		var runs int
		if repeat.Immediately {
			if _, err := b.Add(context.Background(), name, data, opts); err != nil {
				b.log.Error("broker repeat: immediate add failed", "job", name, "error", err)
			}
			runs++
		}

		ticker := time.NewTicker(repeat.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-b.stopCh:
				return
			case tick := <-ticker.C:
				if repeat.EndDate != nil && tick.After(*repeat.EndDate) {
					return
				}
				if _, err := b.Add(context.Background(), name, data, opts); err != nil {
					b.log.Error("broker repeat: add failed", "job", name, "error", err)
				}
				runs++
				if repeat.Limit > 0 && runs >= repeat.Limit {
					return
				}
			}
		}
	}()
}

// GetJob returns the locally tracked record for id.
func (b *Broker) GetJob(ctx context.Context, id string) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return j, nil
}

// GetJobs lists locally tracked jobs in the requested states.
func (b *Broker) GetJobs(ctx context.Context, states []job.Status, start, end int64) ([]*job.Job, error) {
	want := make(map[job.Status]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	b.mu.Lock()
	var jobs []*job.Job
	for _, j := range b.jobs {
		if want[j.State] {
			jobs = append(jobs, j)
		}
	}
	b.mu.Unlock()

	if start < 0 {
		start = 0
	}
	if end <= 0 || end > int64(len(jobs)) {
		end = int64(len(jobs))
	}
	if start >= end {
		return nil, nil
	}
	return jobs[start:end], nil
}

// GetJobCounts tallies locally tracked jobs by state.
func (b *Broker) GetJobCounts(ctx context.Context) (map[job.Status]int64, error) {
	counts := map[job.Status]int64{
		job.StatusWaiting:   0,
		job.StatusDelayed:   0,
		job.StatusActive:    0,
		job.StatusCompleted: 0,
		job.StatusFailed:    0,
	}
	b.mu.Lock()
	for _, j := range b.jobs {
		counts[j.State]++
	}
	b.mu.Unlock()
	return counts, nil
}

// RetryJob re-publishes a terminally failed job with its attempt counter
// reset.
func (b *Broker) RetryJob(ctx context.Context, id string) error {
	b.mu.Lock()
	j, ok := b.jobs[id]
	b.mu.Unlock()
	if !ok {
		return queue.ErrJobNotFound
	}
	if j.State != job.StatusFailed {
		return fmt.Errorf("broker: retry job %s: state is %s, want %s", id, j.State, job.StatusFailed)
	}
	j.State = job.StatusWaiting
	j.AttemptsMade = 0
	j.FailedReason = ""
	j.Stacktrace = ""
	j.FinishedOn = time.Time{}
	if err := b.publish(ctx, j); err != nil {
		return err
	}
	b.events.Emit(queue.Event{Type: queue.EventJobAdded, Queue: b.name, JobID: id})
	return nil
}

// PromoteJob fires a delayed job's publish immediately, bypassing its
// remaining delay. Jobs without a pending delay timer are left alone.
func (b *Broker) PromoteJob(ctx context.Context, id string) error {
	b.mu.Lock()
	t, ok := b.timers[id]
	if ok {
		t.Stop()
		delete(b.timers, id)
	}
	j := b.jobs[id]
	b.mu.Unlock()

	if !ok {
		if j == nil {
			return queue.ErrJobNotFound
		}
		return nil
	}
	if j == nil {
		return queue.ErrJobNotFound
	}
	j.Promote()
	return b.publish(ctx, j)
}

// RemoveJob drops the local record and cancels any pending delay timer for
// id. A message already on the broker is not recalled; its consumer still
// delivers it to the processor and tracks it again.
func (b *Broker) RemoveJob(ctx context.Context, id string) error {
	b.mu.Lock()
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	if stop, ok := b.repeaters[id]; ok {
		close(stop)
		delete(b.repeaters, id)
	}
	_, existed := b.jobs[id]
	delete(b.jobs, id)
	b.mu.Unlock()

	if existed {
		b.events.Emit(queue.Event{Type: queue.EventJobRemoved, Queue: b.name, JobID: id})
	}
	return nil
}

// Pause cancels consumers so no further deliveries are dispatched. Jobs
// already handed to processors run to completion; new Adds still publish.
func (b *Broker) Pause(ctx context.Context) error {
	b.mu.Lock()
	if b.paused {
		b.mu.Unlock()
		return nil
	}
	b.paused = true
	entries := make([]*processorEntry, 0, len(b.processors))
	for _, e := range b.processors {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	for _, e := range entries {
		if e.ch == nil || e.consumerTag == "" {
			continue
		}
		if err := e.ch.Cancel(e.consumerTag, false); err != nil {
			b.log.Warn("broker: cancel consumer failed", "tag", e.consumerTag, "error", err)
		}
	}
	b.events.Emit(queue.Event{Type: queue.EventQueuePaused, Queue: b.name})
	return nil
}

// Resume restarts consumers for every registered processor.
func (b *Broker) Resume(ctx context.Context) error {
	b.mu.Lock()
	if !b.paused {
		b.mu.Unlock()
		return nil
	}
	b.paused = false
	entries := make(map[string]*processorEntry, len(b.processors))
	for name, e := range b.processors {
		entries[name] = e
	}
	b.mu.Unlock()

	for name, e := range entries {
		if err := b.startConsumer(name, e); err != nil {
			return err
		}
	}
	b.events.Emit(queue.Event{Type: queue.EventQueueResumed, Queue: b.name})
	return nil
}

// Clean drops terminal job records older than grace from the local index,
// oldest first.
func (b *Broker) Clean(ctx context.Context, grace time.Duration, status job.Status, limit int) ([]string, error) {
	cutoff := time.Now().Add(-grace)

	b.mu.Lock()
	var candidates []string
	for id, j := range b.jobs {
		if !j.IsTerminal() {
			continue
		}
		if status != "" && j.State != status {
			continue
		}
		if j.FinishedOn.After(cutoff) {
			continue
		}
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(x, y int) bool {
		return b.jobs[candidates[x]].FinishedOn.Before(b.jobs[candidates[y]].FinishedOn)
	})
	var removed []string
	for _, id := range candidates {
		if limit > 0 && len(removed) >= limit {
			break
		}
		delete(b.jobs, id)
		removed = append(removed, id)
	}
	b.mu.Unlock()

	b.events.Emit(queue.Event{Type: queue.EventQueueCleaned, Queue: b.name, Data: len(removed)})
	return removed, nil
}

// Empty purges every consumer queue on the broker, cancels delay timers,
// and drops queued local records. Active processors are left alone.
func (b *Broker) Empty(ctx context.Context) error {
	b.mu.Lock()
	ch := b.pubCh
	names := make([]string, 0, len(b.processors))
	for name := range b.processors {
		names = append(names, name)
	}
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	for id, stop := range b.repeaters {
		close(stop)
		delete(b.repeaters, id)
	}
	for id, j := range b.jobs {
		if j.State == job.StatusWaiting || j.State == job.StatusDelayed {
			delete(b.jobs, id)
		}
	}
	b.mu.Unlock()

	if ch == nil {
		return nil
	}
	for _, name := range names {
		if _, err := ch.QueuePurge(b.queueName(name), false); err != nil {
			return fmt.Errorf("broker: purge %s: %w", b.queueName(name), err)
		}
	}
	return nil
}

// Close cancels consumers and timers, waits for in-flight handlers, and
// closes the connection.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	for id, stop := range b.repeaters {
		close(stop)
		delete(b.repeaters, id)
	}
	conn := b.conn
	b.mu.Unlock()

	close(b.stopCh)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		b.log.Warn("broker close timed out waiting for consumers", "queue", b.name)
	case <-ctx.Done():
	}

	b.events.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// GetMetrics returns a point-in-time snapshot of this queue's state.
func (b *Broker) GetMetrics(ctx context.Context) (queue.QueueMetrics, error) {
	counts, err := b.GetJobCounts(ctx)
	if err != nil {
		return queue.QueueMetrics{}, err
	}
	b.mu.Lock()
	paused := b.paused
	b.mu.Unlock()
	m := queue.QueueMetrics{
		Name:   b.name,
		Broker: "rabbitmq",
		Counts: counts,
		Paused: paused,
	}
	b.stats.Snapshot(&m)
	return m, nil
}

// Subscribe returns a channel of lifecycle events.
func (b *Broker) Subscribe(buffer int) chan queue.Event { return b.events.Subscribe(buffer) }

// Unsubscribe releases a previously subscribed channel.
func (b *Broker) Unsubscribe(ch chan queue.Event) { b.events.Unsubscribe(ch) }
