package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/logger"
)

// RabbitMQSink is the primary audit adapter: records are published as
// persistent JSON messages to a dedicated audit queue. The connection is
// established lazily on first write and re-established on demand after a
// failure.
type RabbitMQSink struct {
	cfg      config.RabbitMQConfig
	queue    string
	source   string
	withHash bool
	log      logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	statsMu   sync.Mutex
	processed int64
	errors    int64
	lastError string
}

// NewRabbitMQSink builds the primary adapter from the broker and audit
// configuration. No connection is made until the first Write or Health.
func NewRabbitMQSink(rabbit config.RabbitMQConfig, auditCfg config.AuditConfig, source string) *RabbitMQSink {
	return &RabbitMQSink{
		cfg:      rabbit,
		queue:    auditCfg.RabbitMQQueue,
		source:   source,
		withHash: auditCfg.IntegrityEnabled,
		log:      logger.Default().WithComponent(logger.ComponentAudit),
	}
}

func (s *RabbitMQSink) amqpURL() string {
	if s.cfg.URL != "" {
		return s.cfg.URL
	}
	vhost := s.cfg.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s",
		s.cfg.Protocol,
		url.QueryEscape(s.cfg.User), url.QueryEscape(s.cfg.Pass),
		s.cfg.Host, s.cfg.Port, url.QueryEscape(vhost))
}

// ensureConnected dials and asserts the audit queue if the channel isn't
// usable. Callers must hold s.mu.
func (s *RabbitMQSink) ensureConnected() error {
	if s.conn != nil && !s.conn.IsClosed() && s.ch != nil {
		return nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.ch = nil
	}

	conn, err := amqp.DialConfig(s.amqpURL(), amqp.Config{
		Dial: amqp.DefaultDial(s.cfg.ConnectionTimeout),
	})
	if err != nil {
		return fmt.Errorf("audit: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("audit: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("audit: declare queue %s: %w", s.queue, err)
	}
	s.conn = conn
	s.ch = ch
	return nil
}

// Write publishes one record. Each record is annotated with the producing
// source and whether integrity hashing is enabled downstream.
func (s *RabbitMQSink) Write(ctx context.Context, record *Record) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(); err != nil {
		s.recordError(err)
		return err
	}

	err = s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    record.Timestamp,
		Headers: amqp.Table{
			"source":            s.source,
			"integrity_enabled": s.withHash,
		},
		Body: body,
	})
	if err != nil {
		s.recordError(err)
		return fmt.Errorf("audit: publish record %s: %w", record.ID, err)
	}

	s.statsMu.Lock()
	s.processed++
	s.statsMu.Unlock()
	return nil
}

// Health reports broker reachability, connecting on demand.
func (s *RabbitMQSink) Health(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureConnected()
}

// Stats returns the sink's counters, including the audit queue depth when
// the broker is reachable.
func (s *RabbitMQSink) Stats() Stats {
	s.statsMu.Lock()
	st := Stats{
		ProcessedCount: s.processed,
		ErrorCount:     s.errors,
		SuccessRate:    successRate(s.processed, s.errors),
		LastError:      s.lastError,
	}
	s.statsMu.Unlock()

	s.mu.Lock()
	if s.ch != nil {
		if q, err := s.ch.QueueDeclarePassive(s.queue, true, false, false, false, nil); err == nil {
			st.QueueDepth = int64(q.Messages)
		}
	}
	s.mu.Unlock()
	return st
}

// Close releases the broker connection.
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		s.ch = nil
		return err
	}
	return nil
}

func (s *RabbitMQSink) recordError(err error) {
	s.statsMu.Lock()
	s.errors++
	s.lastError = err.Error()
	s.statsMu.Unlock()
}
