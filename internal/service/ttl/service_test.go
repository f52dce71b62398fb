package ttl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
	"github.com/moroshma/MiniToolQueue/internal/store"
)

// MockPurger is a mock implementation of Purger
type MockPurger struct {
	mock.Mock
}

func (m *MockPurger) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func TestNewService_Defaults(t *testing.T) {
	s := NewService(&MockPurger{}, Config{Enabled: true}, nil)
	assert.True(t, s.enabled)
	assert.Equal(t, DefaultInterval, s.interval)
}

func TestRunOnce_Success(t *testing.T) {
	purger := &MockPurger{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	purger.On("PurgeExpired", mock.Anything, fixed).Return(3, nil)

	s := NewService(purger, Config{Enabled: true}, nil)
	s.now = func() time.Time { return fixed }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	purger.AssertExpectations(t)
}

func TestRunOnce_Error(t *testing.T) {
	purger := &MockPurger{}
	purger.On("PurgeExpired", mock.Anything, mock.Anything).Return(1, errors.New("journal down"))

	s := NewService(purger, Config{Enabled: true}, nil)
	n, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "journal down")
	assert.Equal(t, 1, n)
}

func TestStart_Disabled(t *testing.T) {
	purger := &MockPurger{}
	s := NewService(purger, Config{Enabled: false, Interval: time.Millisecond}, nil)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	purger.AssertNotCalled(t, "PurgeExpired", mock.Anything, mock.Anything)
}

func TestStartStop_SweepsPeriodically(t *testing.T) {
	purger := &MockPurger{}
	purger.On("PurgeExpired", mock.Anything, mock.Anything).Return(0, nil)

	s := NewService(purger, Config{Enabled: true, Interval: 5 * time.Millisecond}, nil)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(purger.Calls) >= 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	purger := &MockPurger{}
	purger.On("PurgeExpired", mock.Anything, mock.Anything).Return(0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewService(purger, Config{Enabled: true, Interval: time.Millisecond}, nil)
	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not exit")
	}
}

func TestRunOnce_AgainstStore(t *testing.T) {
	st := store.New(store.Config{}, nil, nil, nil)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	_, err := st.Enqueue(ctx, &entity.Message{Destination: "q", Payload: []byte("old"), ExpiresAt: past})
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, &entity.Message{Destination: "q", Payload: []byte("fresh")})
	require.NoError(t, err)

	s := NewService(st, Config{Enabled: true}, nil)
	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := st.Stats("q")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, uint64(1), stats.ExpiredCount)
}
