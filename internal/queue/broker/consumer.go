package broker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	apperrors "github.com/muaviaUsmani/bananas/internal/errors"
	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/metrics"
	"github.com/muaviaUsmani/bananas/internal/queue"
)

// Process registers a processor for name: asserts the `<queue>.<name>`
// queue bound on routing key name with dead-lettering to this queue's DLX,
// sets channel prefetch to concurrency, and starts concurrency handler
// goroutines off one consumer.
func (b *Broker) Process(name string, concurrency int, fn queue.Processor) error {
	if concurrency < 1 {
		concurrency = 1
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return queue.ErrClosed
	}
	if _, exists := b.processors[name]; exists {
		b.mu.Unlock()
		return queue.ErrProcessorExists
	}
	entry := &processorEntry{fn: fn, concurrency: concurrency}
	b.processors[name] = entry
	paused := b.paused
	b.mu.Unlock()

	if paused {
		return nil
	}
	return b.startConsumer(name, entry)
}

// startConsumer opens a dedicated channel for the processor, asserts its
// queue, and fans deliveries out to entry.concurrency handler goroutines.
// Called from Process, Resume, and the reconnect path.
func (b *Broker) startConsumer(name string, entry *processorEntry) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker: start consumer %s: not connected", name)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open consumer channel %s: %w", name, err)
	}
	if err := ch.Qos(entry.concurrency, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("broker: set prefetch %s: %w", name, err)
	}

	qName := b.queueName(name)
	_, err = ch.QueueDeclare(qName, b.cfg.QueueDurable, b.cfg.QueueAutoDelete, b.cfg.QueueExclusive, false, amqp.Table{
		"x-dead-letter-exchange": b.dlxName(),
	})
	if err != nil {
		ch.Close()
		return fmt.Errorf("broker: declare queue %s: %w", qName, err)
	}
	if err := ch.QueueBind(qName, name, b.exchangeName(), false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("broker: bind queue %s: %w", qName, err)
	}

	tag := fmt.Sprintf("%s.%s", qName, "consumer")
	deliveries, err := ch.Consume(qName, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("broker: consume %s: %w", qName, err)
	}

	b.mu.Lock()
	entry.consumerTag = tag
	entry.ch = ch
	b.mu.Unlock()

	for i := 0; i < entry.concurrency; i++ {
		b.wg.Add(1)
		go b.handlerLoop(name, entry, deliveries)
	}
	return nil
}

// handlerLoop drains the shared delivery channel. It exits when the channel
// closes — consumer cancelled (pause), channel/connection lost (reconnect
// restarts it), or Close.
func (b *Broker) handlerLoop(name string, entry *processorEntry, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.handleDelivery(name, entry, d)
		}
	}
}

func (b *Broker) handleDelivery(name string, entry *processorEntry, d amqp.Delivery) {
	j, err := decodeJob(d.Body)
	if err != nil {
		// Corrupt payloads are parked on the DLX rather than re-executed.
		b.log.Warn("broker: skipping unparseable message", "queue", b.name, "error", err)
		_ = d.Nack(false, false)
		return
	}

	b.trackJob(j)
	j.MarkActive()
	metrics.Default().RecordJobStarted(j.Opts.Priority)
	b.events.Emit(queue.Event{Type: queue.EventJobActive, Queue: b.name, JobID: j.ID})

	result, procErr := b.invoke(j, entry.fn)

	if procErr == nil {
		j.MarkCompleted(result)
		b.stats.RecordProcessed(j.FinishedOn.Sub(j.ProcessedOn))
		metrics.Default().RecordJobCompleted(j.Opts.Priority, j.FinishedOn.Sub(j.ProcessedOn))
		_ = d.Ack(false)
		if j.Opts.RemoveOnComplete.Remove {
			b.forgetJob(j.ID)
		}
		b.events.Emit(queue.Event{Type: queue.EventJobCompleted, Queue: b.name, JobID: j.ID})
		return
	}

	b.stats.RecordFailed()
	metrics.Default().RecordJobFailed(j.Opts.Priority, time.Since(j.ProcessedOn))
	retrying := j.ShouldRetry()
	j.MarkFailed(procErr.Error(), "", retrying)

	if retrying {
		// Ack the failed delivery and hold the job in memory for the
		// backoff window, then re-publish it for the next attempt.
		_ = d.Ack(false)
		delay := j.NextBackoff()
		b.events.Emit(queue.Event{Type: queue.EventJobFailed, Queue: b.name, JobID: j.ID, Err: procErr})
		b.mu.Lock()
		if !b.closed {
			id := j.ID
			retryJob := j
			b.timers[id] = time.AfterFunc(delay, func() {
				b.mu.Lock()
				delete(b.timers, id)
				closed := b.closed
				b.mu.Unlock()
				if closed {
					return
				}
				retryJob.State = job.StatusWaiting
				b.publishWithRetry(retryJob)
			})
		}
		b.mu.Unlock()
		return
	}

	// Attempts exhausted: dead-letter the original message so the parking
	// queue retains its body.
	_ = d.Nack(false, false)
	if j.Opts.RemoveOnFail.Remove {
		b.forgetJob(j.ID)
	}
	b.events.Emit(queue.Event{Type: queue.EventJobFailed, Queue: b.name, JobID: j.ID, Err: procErr})
}

// invoke runs fn under the job's timeout, converting panics into errors so
// one bad processor can't kill a handler goroutine.
func (b *Broker) invoke(j *job.Job, fn queue.Processor) (result []byte, err error) {
	ctx := context.Background()
	if j.Opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &apperrors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
		}
	}()

	result, err = fn(ctx, j)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("job timeout exceeded: %w", ctx.Err())
	}
	return result, err
}
