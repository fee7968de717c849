package factory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/job"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	hostPort := strings.SplitN(mr.Addr(), ":", 2)
	return &config.Config{
		Broker: config.BrokerRedis,
		Redis: config.RedisConfig{
			Host:           hostPort[0],
			Port:           hostPort[1],
			ReadyCheck:     true,
			ConnectTimeout: time.Second,
			Prefix:         "bananas-test",
		},
	}
}

func TestCreateReturnsSameInstanceForKey(t *testing.T) {
	f := New(testConfig(t), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.CloseAll(ctx)
	})

	q1, err := f.Create(config.BrokerRedis, "emails")
	require.NoError(t, err)
	q2, err := f.Create(config.BrokerRedis, "emails")
	require.NoError(t, err)
	assert.Same(t, q1, q2, "same (broker,name) must return the same instance")

	q3, err := f.Create(config.BrokerRedis, "reports")
	require.NoError(t, err)
	assert.NotSame(t, q1, q3)
}

func TestCreateDefaultsToConfiguredBroker(t *testing.T) {
	f := New(testConfig(t), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.CloseAll(ctx)
	})

	q, err := f.Create("", "emails")
	require.NoError(t, err)
	assert.Equal(t, "workqueue", q.Broker())
}

func TestCreateRejectsUnknownBroker(t *testing.T) {
	f := New(testConfig(t), nil)
	_, err := f.Create("kafka", "emails")
	assert.Error(t, err)
}

func TestCreateRejectsEmptyName(t *testing.T) {
	f := New(testConfig(t), nil)
	_, err := f.Create(config.BrokerRedis, "")
	assert.Error(t, err)
}

func TestListOrdersDeterministically(t *testing.T) {
	f := New(testConfig(t), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.CloseAll(ctx)
	})

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := f.Create(config.BrokerRedis, name)
		require.NoError(t, err)
	}

	var names []string
	for _, q := range f.List() {
		names = append(names, q.Name())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRegisterAndGet(t *testing.T) {
	f := New(testConfig(t), nil)

	_, ok := f.Get(config.BrokerRedis, "ghost")
	assert.False(t, ok)

	q, err := f.Create(config.BrokerRedis, "emails")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.CloseAll(ctx)
	})

	got, ok := f.Get(config.BrokerRedis, "emails")
	require.True(t, ok)
	assert.Same(t, q, got)
}

func TestCloseAllEmptiesRegistry(t *testing.T) {
	f := New(testConfig(t), nil)

	q, err := f.Create(config.BrokerRedis, "emails")
	require.NoError(t, err)

	// The queue is usable before CloseAll.
	_, err = q.Add(context.Background(), "send", nil, job.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.CloseAll(ctx))
	assert.Empty(t, f.List())
}
