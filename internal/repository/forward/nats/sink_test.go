package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/service/deadletter"
)

type published struct {
	subject string
	data    []byte
	headers map[string]string
}

type fakeClient struct {
	got []published
	err error
}

func (f *fakeClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	f.got = append(f.got, published{subject: subject, data: data, headers: headers})
	return f.err
}

func TestForward_PublishesToSubject(t *testing.T) {
	c := &fakeClient{}
	s := New(c, Config{})
	assert.Equal(t, SinkName, s.Name())
	assert.Equal(t, "mtq.dead-letter.example", s.Subject("example"))

	msg := &entity.Message{ID: "m-1", Destination: "DLQ.example", Payload: []byte("poison")}
	require.NoError(t, s.Forward(context.Background(), msg, "example"))

	require.Len(t, c.got, 1)
	assert.Equal(t, "mtq.dead-letter.example", c.got[0].subject)
	assert.Equal(t, "poison", string(c.got[0].data))
	assert.Equal(t, "m-1", c.got[0].headers[deadletter.HeaderMessageID])
	require.NoError(t, s.Close())
}

func TestForward_CustomPrefixAndErrors(t *testing.T) {
	c := &fakeClient{err: errors.New("no responders")}
	s := New(c, Config{SubjectPrefix: "dlq."})

	err := s.Forward(context.Background(), &entity.Message{ID: "1"}, "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `nats publish to "dlq.orders"`)

	c.err = context.Canceled
	assert.Equal(t, context.Canceled, s.Forward(context.Background(), &entity.Message{ID: "1"}, "orders"))
}

func TestConnect_Validation(t *testing.T) {
	_, err := Connect(Config{})
	assert.Error(t, err)

	_, err = Connect(Config{URL: "nats://127.0.0.1:1", ConnTimeout: 50 * time.Millisecond})
	assert.Error(t, err)
}
