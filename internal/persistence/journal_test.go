package persistence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/store"
)

type MockRecords struct {
	mock.Mock
}

func (m *MockRecords) SaveMessage(ctx context.Context, msg *entity.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockRecords) DeleteMessage(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *MockRecords) LoadMessages(ctx context.Context) ([]*entity.Message, error) {
	args := m.Called(ctx)
	msgs, _ := args.Get(0).([]*entity.Message)
	return msgs, args.Error(1)
}

type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) PutObject(ctx context.Context, objectName string, data []byte, contentType string) error {
	return m.Called(ctx, objectName, data, contentType).Error(0)
}

func (m *MockStorage) GetObject(ctx context.Context, objectName string) ([]byte, error) {
	args := m.Called(ctx, objectName)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockStorage) DeleteObject(ctx context.Context, objectName string) error {
	return m.Called(ctx, objectName).Error(0)
}

func TestSave_SmallPayloadStaysInRecord(t *testing.T) {
	records, storage := new(MockRecords), new(MockStorage)
	records.On("SaveMessage", mock.Anything, mock.MatchedBy(func(m *entity.Message) bool {
		return m.ObjectName == ""
	})).Return(nil)

	j := NewJournal(records, storage, 8, nil)
	require.NoError(t, j.Save(context.Background(), &entity.Message{ID: "1", Destination: "q", Payload: []byte("small")}))

	records.AssertExpectations(t)
	storage.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSave_LargePayloadOffloadedOnce(t *testing.T) {
	records, storage := new(MockRecords), new(MockStorage)
	payload := []byte(strings.Repeat("x", 32))
	storage.On("PutObject", mock.Anything, "q/1", payload, "text/plain").Return(nil).Once()
	records.On("SaveMessage", mock.Anything, mock.MatchedBy(func(m *entity.Message) bool {
		return m.ObjectName == "q/1"
	})).Return(nil).Twice()

	j := NewJournal(records, storage, 8, nil)
	msg := &entity.Message{ID: "1", Destination: "q", Payload: payload, Headers: map[string]string{"content-type": "text/plain"}}
	require.NoError(t, j.Save(context.Background(), msg))
	assert.Equal(t, "q/1", msg.ObjectName)

	// A requeue saves the record again without uploading.
	msg.DeliveryCount++
	require.NoError(t, j.Save(context.Background(), msg))

	records.AssertExpectations(t)
	storage.AssertExpectations(t)
}

func TestSave_UploadFailureSkipsRecord(t *testing.T) {
	records, storage := new(MockRecords), new(MockStorage)
	storage.On("PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("minio down"))

	j := NewJournal(records, storage, 1, nil)
	err := j.Save(context.Background(), &entity.Message{ID: "1", Destination: "q", Payload: []byte("abc")})
	assert.Error(t, err)
	records.AssertNotCalled(t, "SaveMessage", mock.Anything, mock.Anything)
}

func TestDelete_RemovesObject(t *testing.T) {
	records, storage := new(MockRecords), new(MockStorage)
	records.On("DeleteMessage", mock.Anything, "1").Return("q/1", nil)
	records.On("DeleteMessage", mock.Anything, "2").Return("", nil)
	storage.On("DeleteObject", mock.Anything, "q/1").Return(errors.New("gone already"))

	j := NewJournal(records, storage, 1, nil)
	assert.NoError(t, j.Delete(context.Background(), "1"))
	assert.NoError(t, j.Delete(context.Background(), "2"))
	storage.AssertNumberOfCalls(t, "DeleteObject", 1)
}

func TestLoadAll_FetchesOffloadedPayloads(t *testing.T) {
	records, storage := new(MockRecords), new(MockStorage)
	records.On("LoadMessages", mock.Anything).Return([]*entity.Message{
		{ID: "1", Destination: "q", Payload: []byte("inline")},
		{ID: "2", Destination: "q", ObjectName: "q/2"},
	}, nil)
	storage.On("GetObject", mock.Anything, "q/2").Return([]byte("offloaded"), nil)

	j := NewJournal(records, storage, 1, nil)
	msgs, err := j.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "inline", string(msgs[0].Payload))
	assert.Equal(t, "offloaded", string(msgs[1].Payload))
}

func TestLoadAll_MissingStorage(t *testing.T) {
	records := new(MockRecords)
	records.On("LoadMessages", mock.Anything).Return([]*entity.Message{{ID: "2", Destination: "q", ObjectName: "q/2"}}, nil)

	j := NewJournal(records, nil, 1, nil)
	_, err := j.LoadAll(context.Background())
	assert.Error(t, err)
}

// The journal is what a persistent store restores from.
func TestJournal_RestoresStore(t *testing.T) {
	records, storage := new(MockRecords), new(MockStorage)
	records.On("LoadMessages", mock.Anything).Return([]*entity.Message{
		{ID: "a", Destination: "example", Sequence: 1, Payload: []byte("Hello: test1")},
		{ID: "b", Destination: "example", Sequence: 2, ObjectName: "example/b"},
	}, nil)
	storage.On("GetObject", mock.Anything, "example/b").Return([]byte("Hello: test1"), nil)

	st := store.New(store.Config{}, NewJournal(records, storage, 1, nil), nil, nil)
	n, err := st.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := st.Stats("example")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Depth)
}
