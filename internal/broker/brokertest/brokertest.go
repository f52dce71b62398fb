// Package brokertest starts brokers scoped to a single test.
package brokertest

import (
	"context"
	"testing"
	"time"

	"github.com/moroshma/MiniToolQueue/internal/broker"
	"github.com/moroshma/MiniToolQueue/internal/dispatch"
	"github.com/moroshma/MiniToolQueue/internal/service/ttl"
)

// StopTimeout bounds the teardown of a test broker.
const StopTimeout = 10 * time.Second

// Broker is a started broker owned by one test.
type Broker struct {
	*broker.Broker
}

// Start starts a non-persistent broker named "localhost" with one loopback
// connector on an ephemeral port. The broker is stopped when the test and
// all its subtests complete, whichever way they exit.
func Start(t testing.TB, opts ...broker.Option) *Broker {
	t.Helper()

	o := broker.Options{
		Name:         "localhost",
		Connectors:   []string{"grpc://127.0.0.1:0"},
		Dispatch:     dispatch.Config{MaxRedeliveries: dispatch.DefaultMaxRedeliveries},
		Sweep:        ttl.Config{Enabled: false},
		DrainTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	b, err := broker.New(o)
	if err != nil {
		t.Fatalf("brokertest: create broker: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		defer cancel()
		if err := b.Stop(ctx); err != nil {
			t.Errorf("brokertest: stop broker: %v", err)
		}
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("brokertest: start broker: %v", err)
	}
	return &Broker{Broker: b}
}

// URI returns the first connector's bound URI.
func (b *Broker) URI() string {
	uris := b.ConnectorURIs()
	if len(uris) == 0 {
		return ""
	}
	return uris[0]
}

// EnqueueCount returns the enqueue count of queue, or 0 if it does not exist yet.
func (b *Broker) EnqueueCount(queue string) uint64 {
	stats, err := b.QueueStats(queue)
	if err != nil {
		return 0
	}
	return stats.EnqueueCount
}

// WithOptions applies fn to the broker options.
func WithOptions(fn func(*broker.Options)) broker.Option {
	return fn
}

// WithCapacity bounds every queue to capacity messages.
func WithCapacity(capacity int) broker.Option {
	return func(o *broker.Options) { o.Store.Capacity = capacity }
}

// WithMaxRedeliveries sets the redelivery limit.
func WithMaxRedeliveries(n int) broker.Option {
	return func(o *broker.Options) { o.Dispatch.MaxRedeliveries = n }
}

// WithManagement enables the management HTTP server on a loopback port.
func WithManagement() broker.Option {
	return func(o *broker.Options) { o.ManagementAddr = "127.0.0.1:0" }
}
