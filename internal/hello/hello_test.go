package hello

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/MiniToolQueue/internal/broker/brokertest"
	"github.com/moroshma/MiniToolQueue/internal/management"
	"github.com/moroshma/MiniToolQueue/pkg/client"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// MockSender is a mock implementation of Sender
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, payload []byte, opts ...client.SendOption) (*client.Receipt, error) {
	args := m.Called(ctx, payload)
	if r := args.Get(0); r != nil {
		return r.(*client.Receipt), args.Error(1)
	}
	return nil, args.Error(1)
}

// Sending a message through the application's producer on top of the one it
// sends at startup leaves two enqueued on "example".
func TestHelloWorld_EnqueueCount(t *testing.T) {
	b := brokertest.Start(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []string
	)
	handler := MessageHandlerFunc(func(_ context.Context, d *client.Delivery) error {
		mu.Lock()
		received = append(received, string(d.Payload))
		mu.Unlock()
		return nil
	})

	app, err := Run(ctx, Config{URI: b.URI()}, handler, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, err = app.Producer().SendMessage(ctx, "Hello: test1")
	require.NoError(t, err)

	view, err := b.Management().QueueStats(DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), view.EnqueueCount)
	assert.Equal(t, management.QueueObjectName("localhost", "example").String(), view.ObjectName)

	require.Eventually(t, func() bool { return app.Consumer().Handled() == 2 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{DefaultStartupMessage, "Hello: test1"}, received)
	mu.Unlock()

	stats, err := b.QueueStats(DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.EnqueueCount)
	assert.Equal(t, uint64(2), stats.DequeueCount)
}

func TestHelloWorld_CapacityExceeded(t *testing.T) {
	b := brokertest.Start(t, brokertest.WithCapacity(1))
	ctx := context.Background()

	// The handler never acknowledges, so the startup message fills the queue.
	block := MessageHandlerFunc(func(ctx context.Context, _ *client.Delivery) error {
		<-ctx.Done()
		return ctx.Err()
	})
	app, err := Run(ctx, Config{URI: b.URI()}, block, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	before, err := b.QueueStats(DefaultQueue)
	require.NoError(t, err)

	_, err = app.Producer().SendMessage(ctx, "Hello: test1")
	assert.ErrorIs(t, err, qerr.ErrCapacityExceeded)

	after, err := b.QueueStats(DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, before.EnqueueCount, after.EnqueueCount)
	assert.Equal(t, before.DequeueCount, after.DequeueCount)
	assert.Equal(t, uint64(1), after.EnqueueCount)
}

func TestRun_BadURI(t *testing.T) {
	_, err := Run(context.Background(), Config{URI: "amqp://localhost:5672"}, nil, nil)
	assert.ErrorIs(t, err, qerr.ErrInvalidArgument)
}

func TestProducer_SendMessage(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, []byte("Hello: test1")).
		Return(&client.Receipt{MessageID: "id-1", EnqueueCount: 1}, nil).Once()

	p := NewProducer(sender, logger.NewNop())
	receipt, err := p.SendMessage(context.Background(), "Hello: test1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", receipt.MessageID)
	sender.AssertExpectations(t)
}

func TestProducer_SendMessageError(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(nil, qerr.ErrCapacityExceeded)

	p := NewProducer(sender, logger.NewNop())
	_, err := p.SendMessage(context.Background(), "x")
	assert.ErrorIs(t, err, qerr.ErrCapacityExceeded)
}

// scriptedReceiver returns its results in order, then session-closed.
type scriptedReceiver struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (r *scriptedReceiver) Receive(ctx context.Context, _ time.Duration) (*client.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.results) == 0 {
		return nil, qerr.ErrSessionClosed
	}
	err := r.results[0]
	r.results = r.results[1:]
	return nil, err
}

func TestConsumer_StopsOnClosedSession(t *testing.T) {
	r := &scriptedReceiver{results: []error{
		qerr.ErrDeliveryTimeout,
		errors.New("transient"),
		qerr.ErrDeliveryTimeout,
	}}
	c := NewConsumer(r, NewLoggerHandler(logger.NewNop()), 0, logger.NewNop())
	c.Start(context.Background())

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not exit")
	}
	c.Stop()
	c.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 4, r.calls)
	assert.Zero(t, c.Handled())
}
