// Package factory constructs and registers queue instances keyed by
// (broker, name). The admin surface iterates the registry; workers and
// producers call Create and get the same instance back for the same key.
package factory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/queue/broker"
	"github.com/muaviaUsmani/bananas/internal/queue/workqueue"
	"github.com/muaviaUsmani/bananas/internal/serialization"
)

type key struct {
	broker config.BrokerKind
	name   string
}

// Factory is a registry of queue instances keyed by (broker, name). Tests
// construct their own Factory; processes that want a shared one use
// Default.
type Factory struct {
	cfg       *config.Config
	marshaler job.Marshaler

	mu     sync.Mutex
	queues map[key]queue.Queue
}

// New returns an empty Factory building queues from cfg. A nil marshaler
// defaults to the JSON serializer.
func New(cfg *config.Config, marshaler job.Marshaler) *Factory {
	if marshaler == nil {
		marshaler = serialization.NewJSONSerializer()
	}
	return &Factory{
		cfg:       cfg,
		marshaler: marshaler,
		queues:    make(map[key]queue.Queue),
	}
}

var (
	defaultFactory *Factory
	defaultOnce    sync.Once
	defaultErr     error
)

// Default returns the process-wide Factory, loading configuration from the
// environment on first use.
func Default() (*Factory, error) {
	defaultOnce.Do(func() {
		cfg, err := config.LoadConfig()
		if err != nil {
			defaultErr = err
			return
		}
		defaultFactory = New(cfg, nil)
	})
	return defaultFactory, defaultErr
}

// Create returns the existing queue for (brokerKind, name) or constructs
// one. An empty brokerKind falls back to the configured QUEUE_BROKER.
func (f *Factory) Create(brokerKind config.BrokerKind, name string) (queue.Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("factory: queue name must not be empty")
	}
	if brokerKind == "" {
		brokerKind = f.cfg.Broker
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	k := key{broker: brokerKind, name: name}
	if q, ok := f.queues[k]; ok {
		return q, nil
	}

	var (
		q   queue.Queue
		err error
	)
	switch brokerKind {
	case config.BrokerRedis:
		q, err = f.buildWorkQueue(name)
	case config.BrokerRabbitMQ:
		q, err = broker.New(f.cfg.RabbitMQ, name, f.marshaler)
	default:
		return nil, fmt.Errorf("factory: unknown broker kind %q", brokerKind)
	}
	if err != nil {
		return nil, err
	}

	f.queues[k] = q
	return q, nil
}

func (f *Factory) buildWorkQueue(name string) (queue.Queue, error) {
	rc := f.cfg.Redis
	client := redis.NewClient(&redis.Options{
		Addr:        rc.Host + ":" + rc.Port,
		Password:    rc.Password,
		DB:          rc.DB,
		MaxRetries:  rc.MaxRetries,
		DialTimeout: rc.ConnectTimeout,
	})
	if rc.ReadyCheck {
		ctx, cancel := context.WithTimeout(context.Background(), rc.ConnectTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("factory: redis ready check: %w", err)
		}
	}
	prefix := rc.Prefix
	if prefix != "" {
		prefix += ":"
	}
	return workqueue.New(client, name, prefix, f.marshaler), nil
}

// Get returns a registered queue without constructing one.
func (f *Factory) Get(brokerKind config.BrokerKind, name string) (queue.Queue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[key{broker: brokerKind, name: name}]
	return q, ok
}

// Register inserts an externally constructed queue under (brokerKind,
// name), replacing any existing entry. Tests use it to seed fakes.
func (f *Factory) Register(brokerKind config.BrokerKind, name string, q queue.Queue) {
	f.mu.Lock()
	f.queues[key{broker: brokerKind, name: name}] = q
	f.mu.Unlock()
}

// List returns every registered queue, ordered by broker then name so the
// admin dashboard renders deterministically.
func (f *Factory) List() []queue.Queue {
	f.mu.Lock()
	keys := make([]key, 0, len(f.queues))
	for k := range f.queues {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].broker != keys[j].broker {
			return keys[i].broker < keys[j].broker
		}
		return keys[i].name < keys[j].name
	})
	queues := make([]queue.Queue, 0, len(keys))
	for _, k := range keys {
		queues = append(queues, f.queues[k])
	}
	f.mu.Unlock()
	return queues
}

// CloseAll closes every registered queue and empties the registry. The
// first error is returned after all closes have been attempted.
func (f *Factory) CloseAll(ctx context.Context) error {
	f.mu.Lock()
	queues := make([]queue.Queue, 0, len(f.queues))
	for _, q := range f.queues {
		queues = append(queues, q)
	}
	f.queues = make(map[key]queue.Queue)
	f.mu.Unlock()

	var firstErr error
	for _, q := range queues {
		closeCtx, cancel := context.WithTimeout(ctx, 35*time.Second)
		if err := q.Close(closeCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

// Config exposes the factory's configuration to the admin layer.
func (f *Factory) Config() *config.Config {
	return f.cfg
}
