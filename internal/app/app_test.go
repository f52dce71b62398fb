package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/MiniToolQueue/internal/config"
	"github.com/moroshma/MiniToolQueue/internal/dispatch"
	"github.com/moroshma/MiniToolQueue/pkg/client"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.Connectors = []string{"grpc://127.0.0.1:0"}
	cfg.Broker.DrainTimeout = 100 * time.Millisecond
	cfg.TTL.Enabled = false
	return cfg
}

func TestBrokerOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Name = "edge"
	cfg.Broker.Capacity = 10
	cfg.Broker.Capacities = map[string]int{"small": 1}
	cfg.Broker.Requeue = "tail"
	cfg.Broker.MaxRedeliveries = 2
	cfg.Auth.Enabled = true
	cfg.Auth.Users = []config.UserConfig{{Username: "app", Password: "secret", Permissions: []string{"publish"}}}
	cfg.TTL.Default = time.Minute
	cfg.TTL.Queues = []config.QueueTTLConfig{{Queue: "example", Duration: time.Second}}
	cfg.Management.Enabled = true
	cfg.Management.Address = "127.0.0.1:0"

	opts := BrokerOptions(cfg, logger.NewNop())

	assert.Equal(t, "edge", opts.Name)
	assert.Equal(t, 10, opts.Store.Capacity)
	assert.Equal(t, 1, opts.Store.Capacities["small"])
	assert.Equal(t, dispatch.RequeueTail, opts.Dispatch.Requeue)
	assert.Equal(t, 2, opts.Dispatch.MaxRedeliveries)
	require.Len(t, opts.Auth.Users, 1)
	assert.Equal(t, "app", opts.Auth.Users[0].Username)
	assert.Equal(t, time.Minute, opts.TTL.Default)
	assert.Equal(t, time.Second, opts.TTL.For("example", 0))
	assert.Equal(t, "127.0.0.1:0", opts.ManagementAddr)
	assert.Nil(t, opts.Journal)
}

func TestBrokerOptions_ManagementDisabled(t *testing.T) {
	opts := BrokerOptions(testConfig(), nil)
	assert.Empty(t, opts.ManagementAddr)
}

func TestRun(t *testing.T) {
	a, err := New(context.Background(), testConfig(), logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Broker().Status() == "started" }, 2*time.Second, 10*time.Millisecond)

	conn, err := client.Dial(context.Background(), a.Broker().ConnectorURIs()[0], client.Options{})
	require.NoError(t, err)
	producer, err := conn.NewProducer(context.Background(), "example")
	require.NoError(t, err)
	receipt, err := producer.Send(context.Background(), []byte("Hello: test1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.EnqueueCount)
	require.NoError(t, conn.Close(context.Background()))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, "stopped", a.Broker().Status())
	require.NoError(t, a.Close(context.Background()))
}

func TestNew_KafkaForwarding(t *testing.T) {
	cfg := testConfig()
	cfg.DeadLetter.Kafka.Enabled = true
	cfg.DeadLetter.Kafka.Brokers = []string{"127.0.0.1:1"}

	a, err := New(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
}

func TestNew_UnreachableNATS(t *testing.T) {
	cfg := testConfig()
	cfg.DeadLetter.Kafka.Enabled = true
	cfg.DeadLetter.Kafka.Brokers = []string{"127.0.0.1:1"}
	cfg.DeadLetter.NATS.Enabled = true
	cfg.DeadLetter.NATS.URL = "nats://127.0.0.1:1"
	cfg.DeadLetter.NATS.ConnTimeout = 200 * time.Millisecond

	_, err := New(context.Background(), cfg, logger.NewNop())
	assert.ErrorContains(t, err, "nats")
}

func TestNew_UnreachableTarantool(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Persistent = true
	cfg.Tarantool.Address = "127.0.0.1:1"
	cfg.Tarantool.Timeout = 200 * time.Millisecond

	_, err := New(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestNew_InvalidConnector(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Connectors = []string{"amqp://localhost:5672"}

	_, err := New(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
}
