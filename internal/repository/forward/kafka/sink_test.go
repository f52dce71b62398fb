package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/service/deadletter"
)

type fakeWriter struct {
	got []*kgo.Record
	err error
}

func (f *fakeWriter) Write(ctx context.Context, rec *kgo.Record) error {
	f.got = append(f.got, rec)
	return f.err
}

func header(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestForward_ProducesRecord(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, Config{})
	assert.Equal(t, SinkName, s.Name())

	ts := time.Unix(1700000000, 0)
	msg := &entity.Message{ID: "m-1", Destination: "DLQ.example", Payload: []byte("poison"), Timestamp: ts}
	require.NoError(t, s.Forward(context.Background(), msg, "example"))

	require.Len(t, w.got, 1)
	rec := w.got[0]
	assert.Equal(t, defaultTopic, rec.Topic)
	assert.Equal(t, "example", string(rec.Key))
	assert.Equal(t, "poison", string(rec.Value))
	assert.True(t, ts.Equal(rec.Timestamp))
	assert.Equal(t, "m-1", header(rec, deadletter.HeaderMessageID))
	assert.Equal(t, "example", header(rec, deadletter.HeaderOrigin))
	require.NoError(t, s.Close())
}

func TestForward_Errors(t *testing.T) {
	w := &fakeWriter{err: errors.New("UNKNOWN_TOPIC_OR_PARTITION")}
	s := New(w, Config{Topic: "dead"})

	err := s.Forward(context.Background(), &entity.Message{ID: "1"}, "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `kafka publish to "dead"`)

	w.err = context.DeadlineExceeded
	assert.Equal(t, context.DeadlineExceeded, s.Forward(context.Background(), &entity.Message{ID: "1"}, "q"))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	s, err := NewClient(Config{Brokers: []string{"127.0.0.1:9092"}, ClientID: "mtq-test"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
