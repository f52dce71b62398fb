package broker_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/MiniToolQueue/internal/broker"
	"github.com/moroshma/MiniToolQueue/internal/broker/brokertest"
	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/management"
	"github.com/moroshma/MiniToolQueue/internal/service/deadletter"
	"github.com/moroshma/MiniToolQueue/internal/usecase"
	"github.com/moroshma/MiniToolQueue/pkg/client"
	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
)

// memoryJournal keeps journal records in a map so it outlives a broker.
type memoryJournal struct {
	mu      sync.Mutex
	records map[string]*entity.Message
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{records: make(map[string]*entity.Message)}
}

func (j *memoryJournal) Save(ctx context.Context, msg *entity.Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[msg.ID] = msg.Clone()
	return nil
}

func (j *memoryJournal) Delete(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.records, id)
	return nil
}

func (j *memoryJournal) LoadAll(ctx context.Context) ([]*entity.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*entity.Message, 0, len(j.records))
	for _, m := range j.records {
		out = append(out, m.Clone())
	}
	return out, nil
}

// MockSink is a mock implementation of deadletter.Sink
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Name() string { return "mock" }

func (m *MockSink) Forward(ctx context.Context, msg *entity.Message, from string) error {
	args := m.Called(ctx, msg, from)
	return args.Error(0)
}

func (m *MockSink) Close() error {
	args := m.Called()
	return args.Error(0)
}

func publish(t *testing.T, b *broker.Broker, dest, body string) *usecase.PublishResponse {
	t.Helper()
	resp, err := b.Publish(context.Background(), &usecase.PublishRequest{Destination: dest, Payload: []byte(body)})
	require.NoError(t, err)
	return resp
}

func TestBroker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b, err := broker.New(broker.Options{Connectors: []string{"grpc://127.0.0.1:0"}})
	require.NoError(t, err)
	assert.Equal(t, "localhost", b.BrokerName())
	assert.Equal(t, string(broker.StatusCreated), b.Status())

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, string(broker.StatusStarted), b.Status())
	uris := b.ConnectorURIs()
	require.Len(t, uris, 1)
	assert.NotContains(t, uris[0], ":0")

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Stop(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, string(broker.StatusStopped), b.Status())

	assert.ErrorIs(t, b.Start(ctx), qerr.ErrBrokerStopped)
	assert.ErrorIs(t, b.AddConnector("grpc://127.0.0.1:0"), qerr.ErrBrokerStopped)
	_, err = b.Publish(ctx, &usecase.PublishRequest{Destination: "example", Payload: []byte("late")})
	assert.ErrorIs(t, err, qerr.ErrBrokerStopped)
}

func TestBroker_FailedStartIsTerminal(t *testing.T) {
	ctx := context.Background()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	journal := newMemoryJournal()
	require.NoError(t, journal.Save(ctx, &entity.Message{
		ID:          "m-1",
		Destination: "example",
		Payload:     []byte("Hello: test1"),
		Priority:    entity.DefaultPriority,
		Timestamp:   time.Now(),
		Sequence:    1,
	}))

	b, err := broker.New(broker.Options{
		Connectors: []string{"grpc://" + busy.Addr().String()},
		Journal:    journal,
	})
	require.NoError(t, err)

	require.Error(t, b.Start(ctx))
	assert.Equal(t, string(broker.StatusStopped), b.Status())

	require.NoError(t, busy.Close())
	assert.ErrorIs(t, b.Start(ctx), qerr.ErrBrokerStopped)
	_, err = b.Publish(ctx, &usecase.PublishRequest{Destination: "example", Payload: []byte("late")})
	assert.ErrorIs(t, err, qerr.ErrBrokerStopped)

	stats, err := b.QueueStats("example")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Depth)
	assert.Len(t, journal.records, 1)

	require.NoError(t, b.Stop(ctx))
}

func TestBroker_StopWithoutStart(t *testing.T) {
	b, err := broker.New(broker.Options{Connectors: []string{"grpc://127.0.0.1:0"}})
	require.NoError(t, err)
	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, string(broker.StatusStopped), b.Status())
}

func TestBroker_RejectsUnsupportedConnector(t *testing.T) {
	_, err := broker.New(broker.Options{Connectors: []string{"amqp://localhost:5672"}})
	assert.ErrorIs(t, err, qerr.ErrInvalidArgument)
}

func TestBroker_AddConnectorWhileStarted(t *testing.T) {
	b := brokertest.Start(t)
	require.NoError(t, b.AddConnector("grpc://127.0.0.1:0"))

	uris := b.ConnectorURIs()
	require.Len(t, uris, 2)

	ctx := context.Background()
	conn, err := client.Dial(ctx, uris[1], client.Options{})
	require.NoError(t, err)
	defer conn.Close(ctx)

	producer, err := conn.NewProducer(ctx, "example")
	require.NoError(t, err)
	_, err = producer.Send(ctx, []byte("via second connector"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.EnqueueCount("example"))
}

func TestBroker_NonPersistentStopDiscards(t *testing.T) {
	ctx := context.Background()
	b, err := broker.New(broker.Options{Connectors: []string{"grpc://127.0.0.1:0"}})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	assert.False(t, b.Persistent())

	publish(t, b, "example", "one")
	publish(t, b, "example", "two")

	require.NoError(t, b.Stop(ctx))

	stats, err := b.QueueStats("example")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)
	assert.Equal(t, uint64(2), stats.EnqueueCount)
}

func TestBroker_PersistentRestore(t *testing.T) {
	ctx := context.Background()
	journal := newMemoryJournal()

	first, err := broker.New(broker.Options{
		Connectors:   []string{"grpc://127.0.0.1:0"},
		Journal:      journal,
		DrainTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	assert.True(t, first.Persistent())

	publish(t, first, "example", "one")
	publish(t, first, "example", "two")

	// One message is in flight when the broker stops; it goes back to the queue.
	sess, err := first.Engine().OpenSession("example")
	require.NoError(t, err)
	_, err = sess.Receive(ctx, time.Second)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, first.Stop(stopCtx))

	second := brokertest.Start(t, brokertest.WithOptions(func(o *broker.Options) { o.Journal = journal }))
	stats, err := second.QueueStats("example")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Depth)

	conn, err := client.Dial(ctx, second.URI(), client.Options{})
	require.NoError(t, err)
	defer conn.Close(ctx)
	consumer, err := conn.NewConsumer(ctx, "example")
	require.NoError(t, err)

	var got []string
	for range 2 {
		d, err := consumer.Receive(ctx, time.Second)
		require.NoError(t, err)
		got = append(got, string(d.Payload))
		require.NoError(t, d.Ack(ctx))
	}
	assert.ElementsMatch(t, []string{"one", "two"}, got)
	assert.Empty(t, journal.records)
}

// Stop waits for in-flight messages to be acknowledged before it closes sessions.
func TestBroker_StopDrainsInFlight(t *testing.T) {
	ctx := context.Background()
	b, err := broker.New(broker.Options{
		Connectors:   []string{"grpc://127.0.0.1:0"},
		DrainTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))

	publish(t, b, "example", "work")
	sess, err := b.Engine().OpenSession("example")
	require.NoError(t, err)
	msg, err := sess.Receive(ctx, time.Second)
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop(ctx) }()

	require.Eventually(t, func() bool { return b.Status() == string(broker.StatusStopping) }, time.Second, 5*time.Millisecond)
	require.NoError(t, sess.Ack(ctx, msg.ID))

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return after the drain")
	}

	stats, err := b.QueueStats("example")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.DequeueCount)
}

func TestBroker_Management(t *testing.T) {
	b := brokertest.Start(t, brokertest.WithManagement())
	publish(t, b.Broker, "example", "Hello: test1")
	publish(t, b.Broker, "example", "Hello: test1")

	view, err := b.Management().QueueStats("example")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), view.EnqueueCount)
	assert.Equal(t, "type=Broker,brokerName=localhost,destinationType=Queue,destinationName=example", view.ObjectName)

	res, err := b.Management().Query("type=Broker,brokerName=localhost")
	require.NoError(t, err)
	require.NotNil(t, res.Broker)
	assert.Equal(t, "started", res.Broker.Status)
	assert.Equal(t, uint64(2), res.Broker.TotalEnqueueCount)

	_, err = b.Management().QueueStats("missing")
	assert.ErrorIs(t, err, qerr.ErrUnknownDestination)

	addr := b.ManagementAddr()
	require.NotEmpty(t, addr)
	name := url.QueryEscape("type=Broker,brokerName=localhost,destinationType=Queue,destinationName=example")
	resp, err := http.Get("http://" + addr + "/api/v1/query?name=" + name)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result management.QueryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotNil(t, result.Queue)
	assert.Equal(t, uint64(2), result.Queue.EnqueueCount)

	resp2, err := http.Post("http://"+addr+"/api/v1/connectors", "application/json",
		strings.NewReader(`{"uri":"grpc://127.0.0.1:0"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Len(t, b.ConnectorURIs(), 2)
}

func TestBroker_DeadLetterForwarding(t *testing.T) {
	sink := new(MockSink)
	forwarded := make(chan string, 1)
	sink.On("Forward", mock.Anything, mock.Anything, "example").
		Run(func(args mock.Arguments) { forwarded <- args.Get(1).(*entity.Message).Destination }).
		Return(nil)
	sink.On("Close").Return(nil)

	b := brokertest.Start(t,
		brokertest.WithMaxRedeliveries(0),
		brokertest.WithOptions(func(o *broker.Options) {
			o.DeadLetterSinks = []deadletter.Sink{sink}
		}),
	)
	ctx := context.Background()
	publish(t, b.Broker, "example", "poison")

	sess, err := b.Engine().OpenSession("example")
	require.NoError(t, err)
	msg, err := sess.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, sess.Release(ctx, msg.ID), qerr.ErrMaxRedeliveryExceeded)

	select {
	case dest := <-forwarded:
		assert.Equal(t, "DLQ.example", dest)
	case <-time.After(2 * time.Second):
		t.Fatal("dead-lettered message was not forwarded")
	}

	dlq, err := b.QueueStats("DLQ.example")
	require.NoError(t, err)
	assert.Equal(t, 1, dlq.Depth)
	assert.True(t, dlq.DeadLetter)

	require.NoError(t, b.Stop(ctx))
	sink.AssertCalled(t, "Close")
}
